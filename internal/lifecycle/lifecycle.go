// Package lifecycle defines the ride state machine: which edges exist,
// and which actor is allowed to drive each edge. It is pure logic; all
// persistence and contention handling lives in storage and engine.
package lifecycle

import (
	"github.com/example/ride-lifecycle/internal/models"
)

// edges maps each status to the set of statuses reachable from it.
// Terminal states have no entry: unknown edges are errors.
var edges = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested: {models.StatusAccepted, models.StatusRejected, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusPickedUp},
	models.StatusPickedUp:  {models.StatusInTransit},
	models.StatusInTransit: {models.StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RideStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Authorize checks that the actor may drive the ride along the given edge.
// It assumes the edge itself is legal; callers validate that first so that
// an illegal edge never masquerades as an authorization failure.
func Authorize(ride *models.Ride, target models.RideStatus, actor models.Actor) error {
	switch target {
	case models.StatusAccepted, models.StatusRejected:
		// Any driver may claim or decline a still-unassigned ride, but a
		// rider never drives these edges, and a ride cannot claim itself.
		if actor.Role != models.RoleDriver || actor.ID == ride.Rider {
			return ErrForbidden
		}
		if ride.Driver != "" {
			return ErrForbidden
		}
	case models.StatusPickedUp, models.StatusInTransit, models.StatusCompleted:
		if ride.Driver == "" || actor.ID != ride.Driver {
			return ErrForbidden
		}
	case models.StatusCancelled:
		if actor.ID != ride.Rider {
			return ErrForbidden
		}
	default:
		return ErrInvalidTransition
	}
	return nil
}
