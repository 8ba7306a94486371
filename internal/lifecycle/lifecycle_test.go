package lifecycle

import (
	"errors"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

var allStatuses = []models.RideStatus{
	models.StatusRequested, models.StatusAccepted, models.StatusRejected,
	models.StatusCancelled, models.StatusPickedUp, models.StatusInTransit,
	models.StatusCompleted,
}

func TestLegalEdges(t *testing.T) {
	legal := map[[2]models.RideStatus]bool{
		{models.StatusRequested, models.StatusAccepted}: true,
		{models.StatusRequested, models.StatusRejected}: true,
		{models.StatusRequested, models.StatusCancelled}: true,
		{models.StatusAccepted, models.StatusPickedUp}:   true,
		{models.StatusPickedUp, models.StatusInTransit}:  true,
		{models.StatusInTransit, models.StatusCompleted}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]models.RideStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s has edge to %s", from, to)
			}
		}
	}
}

func TestAuthorizeClaim(t *testing.T) {
	ride := &models.Ride{ID: "r1", Rider: "rider1", Status: models.StatusRequested}

	if err := Authorize(ride, models.StatusAccepted, models.Actor{ID: "drv1", Role: models.RoleDriver}); err != nil {
		t.Fatalf("driver claim should be allowed: %v", err)
	}
	if err := Authorize(ride, models.StatusAccepted, models.Actor{ID: "rider1", Role: models.RoleDriver}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("rider claiming own ride: got %v, want ErrForbidden", err)
	}
	if err := Authorize(ride, models.StatusAccepted, models.Actor{ID: "drv1", Role: models.RoleRider}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("rider role claiming: got %v, want ErrForbidden", err)
	}

	assigned := &models.Ride{ID: "r1", Rider: "rider1", Driver: "drv1", Status: models.StatusAccepted}
	if err := Authorize(assigned, models.StatusAccepted, models.Actor{ID: "drv2", Role: models.RoleDriver}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("claiming assigned ride: got %v, want ErrForbidden", err)
	}
}

func TestAuthorizeProgressRequiresAssignedDriver(t *testing.T) {
	ride := &models.Ride{ID: "r1", Rider: "rider1", Driver: "drv1", Status: models.StatusAccepted}
	for _, target := range []models.RideStatus{models.StatusPickedUp, models.StatusInTransit, models.StatusCompleted} {
		if err := Authorize(ride, target, models.Actor{ID: "drv1", Role: models.RoleDriver}); err != nil {
			t.Errorf("assigned driver -> %s: %v", target, err)
		}
		if err := Authorize(ride, target, models.Actor{ID: "drv2", Role: models.RoleDriver}); !errors.Is(err, ErrForbidden) {
			t.Errorf("other driver -> %s: got %v, want ErrForbidden", target, err)
		}
	}
}

func TestAuthorizeCancelRequiresRider(t *testing.T) {
	ride := &models.Ride{ID: "r1", Rider: "rider1", Status: models.StatusRequested}
	if err := Authorize(ride, models.StatusCancelled, models.Actor{ID: "rider1", Role: models.RoleRider}); err != nil {
		t.Fatalf("rider cancel: %v", err)
	}
	if err := Authorize(ride, models.StatusCancelled, models.Actor{ID: "drv1", Role: models.RoleDriver}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("driver cancel: got %v, want ErrForbidden", err)
	}
}
