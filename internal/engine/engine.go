// Package engine implements the ride lifecycle operations: creation,
// contended claims, status progression, time-boxed cancellation and
// settlement. It holds no in-process locks; every mutation is resolved
// through the store's conditional write, whose precondition re-reads the
// authoritative status at commit time.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/storage"
)

const earningDescription = "Ride fare"

// DefaultCancellationWindow bounds how long after creation a rider may
// cancel a still-unclaimed ride.
const DefaultCancellationWindow = 5 * time.Minute

// Settler captures fare payment on completion. Settlement is best-effort
// and never blocks or rolls back the transition.
type Settler interface {
	SettleRide(ctx context.Context, ride *models.Ride) error
}

type Service struct {
	store    storage.RideStore
	log      *slog.Logger
	now      func() time.Time
	window   time.Duration
	payments Settler // optional
}

func NewService(store storage.RideStore, log *slog.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		now:    time.Now,
		window: DefaultCancellationWindow,
	}
}

// WithClock replaces the wall clock, for tests and deterministic runs.
func (s *Service) WithClock(now func() time.Time) *Service { s.now = now; return s }

// WithCancellationWindow overrides the default 5 minute window.
func (s *Service) WithCancellationWindow(d time.Duration) *Service { s.window = d; return s }

// WithSettler attaches a payment capture hook run after completion.
func (s *Service) WithSettler(p Settler) *Service { s.payments = p; return s }

// RequestInput is the validated payload for creating a ride.
type RequestInput struct {
	Pickup      models.GeoPoint `json:"pickup"`
	Destination models.GeoPoint `json:"destination"`
	Fare        float64         `json:"fare"`
}

func (in RequestInput) validate() error {
	if in.Pickup.Lat == 0 && in.Pickup.Lng == 0 {
		return fmt.Errorf("pickup location required")
	}
	if in.Destination.Lat == 0 && in.Destination.Lng == 0 {
		return fmt.Errorf("destination location required")
	}
	if in.Fare < 0 {
		return fmt.Errorf("fare must not be negative")
	}
	return nil
}

// RequestRide creates a ride in the requested state with its history
// seeded by one entry attributed to the rider.
func (s *Service) RequestRide(ctx context.Context, riderID string, in RequestInput) (*models.Ride, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	ride := &models.Ride{
		ID:          newID(),
		Rider:       riderID,
		Pickup:      in.Pickup,
		Destination: in.Destination,
		Status:      models.StatusRequested,
		Fare:        in.Fare,
		History: []models.HistoryEntry{
			{Status: models.StatusRequested, At: now, By: riderID},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	s.log.Info("ride requested", "ride_id", ride.ID, "rider", riderID, "fare", in.Fare)
	return ride, nil
}

// AcceptRide resolves the claim race: the first driver whose conditional
// write lands while the ride is still requested becomes the assigned
// driver; everyone else gets ErrRideUnavailable.
func (s *Service) AcceptRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return s.claim(ctx, driverID, rideID, models.StatusAccepted)
}

// RejectRide flips a requested ride to rejected with the declining driver
// recorded as actor. It does not assign a driver; the conditional write is
// used for symmetry so a reject can never race past a landed accept.
func (s *Service) RejectRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return s.claim(ctx, driverID, rideID, models.StatusRejected)
}

func (s *Service) claim(ctx context.Context, driverID, rideID string, target models.RideStatus) (*models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	actor := models.Actor{ID: driverID, Role: models.RoleDriver}
	if ride.Status != models.StatusRequested {
		// already claimed, rejected or cancelled
		return nil, lifecycle.ErrRideUnavailable
	}
	if err := lifecycle.Authorize(ride, target, actor); err != nil {
		return nil, err
	}

	now := s.now()
	mut := storage.Mutation{
		Status:    target,
		History:   models.HistoryEntry{Status: target, At: now, By: driverID},
		UpdatedAt: now,
	}
	if target == models.StatusAccepted {
		mut.Driver = driverID
	}
	updated, err := s.store.ConditionalUpdate(ctx, rideID, models.StatusRequested, mut)
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			observability.ClaimsLost.Inc()
			return nil, lifecycle.ErrRideUnavailable
		}
		return nil, err
	}
	observability.ClaimsWon.Inc()
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	s.log.Info("ride claimed", "ride_id", rideID, "driver", driverID, "status", target)
	return updated, nil
}

// AdvanceRideStatus moves an assigned ride along
// accepted -> picked_up -> in_transit -> completed. Completion atomically
// appends the earning ledger entry; the ledger is keyed by ride id, so a
// retried completion can never double-credit the driver.
func (s *Service) AdvanceRideStatus(ctx context.Context, driverID, rideID string, target models.RideStatus, note string) (*models.Ride, *models.Earning, error) {
	switch target {
	case models.StatusPickedUp, models.StatusInTransit, models.StatusCompleted:
	default:
		return nil, nil, lifecycle.ErrInvalidTransition
	}
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, nil, err
	}
	if !lifecycle.CanTransition(ride.Status, target) {
		return nil, nil, lifecycle.ErrInvalidTransition
	}
	actor := models.Actor{ID: driverID, Role: models.RoleDriver}
	if err := lifecycle.Authorize(ride, target, actor); err != nil {
		return nil, nil, err
	}

	now := s.now()
	mut := storage.Mutation{
		Status:    target,
		History:   models.HistoryEntry{Status: target, At: now, By: driverID, Note: note},
		UpdatedAt: now,
	}
	var earning *models.Earning
	if target == models.StatusCompleted {
		earning = &models.Earning{
			Driver:      driverID,
			Ride:        rideID,
			Amount:      ride.Fare,
			Description: earningDescription,
			CreatedAt:   now,
		}
		mut.Earning = earning
	}

	updated, err := s.store.ConditionalUpdate(ctx, rideID, ride.Status, mut)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNoMatch):
			return nil, nil, lifecycle.ErrRideUnavailable
		case mut.Earning != nil:
			// the transaction aborted before the status flip committed, so
			// the ride is still in_transit and the call can be retried
			return nil, nil, fmt.Errorf("%w: %v", lifecycle.ErrLedgerWriteFailed, err)
		default:
			return nil, nil, err
		}
	}
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	if earning != nil {
		observability.EarningsRecorded.Inc()
		s.settle(ctx, updated)
	}
	s.log.Info("ride advanced", "ride_id", rideID, "driver", driverID, "status", target)
	return updated, earning, nil
}

func (s *Service) settle(ctx context.Context, ride *models.Ride) {
	if s.payments == nil {
		return
	}
	if err := s.payments.SettleRide(ctx, ride); err != nil {
		s.log.Error("fare settlement failed", "ride_id", ride.ID, "error", err)
	}
}

// CancelRide lets the rider abandon a still-unclaimed ride inside the
// cancellation window. State validity is checked before the time guard: a
// ride that already left requested fails with ErrInvalidTransition, never
// with the window error.
func (s *Service) CancelRide(ctx context.Context, riderID, rideID string) (*models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	actor := models.Actor{ID: riderID, Role: models.RoleRider}
	if err := lifecycle.Authorize(ride, models.StatusCancelled, actor); err != nil {
		return nil, err
	}
	if ride.Status != models.StatusRequested {
		return nil, lifecycle.ErrInvalidTransition
	}
	now := s.now()
	if now.Sub(ride.RequestedAt()) > s.window {
		return nil, lifecycle.ErrCancellationWindowExpired
	}

	mut := storage.Mutation{
		Status:      models.StatusCancelled,
		CancelledAt: &now,
		History:     models.HistoryEntry{Status: models.StatusCancelled, At: now, By: riderID},
		UpdatedAt:   now,
	}
	updated, err := s.store.ConditionalUpdate(ctx, rideID, models.StatusRequested, mut)
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			// a driver claimed the ride between our read and the write;
			// the only edges out of requested make cancellation illegal
			return nil, lifecycle.ErrInvalidTransition
		}
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.log.Info("ride cancelled", "ride_id", rideID, "rider", riderID)
	return updated, nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) RidesForRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return s.store.RidesForRider(ctx, riderID)
}

func (s *Service) RidesForDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return s.store.RidesForDriver(ctx, driverID)
}

// EarningsSummary aggregates the driver's ledger. Totals and average are
// rounded to whole units for display.
func (s *Service) EarningsSummary(ctx context.Context, driverID string) (*models.EarningsSummary, error) {
	earnings, err := s.store.EarningsForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, e := range earnings {
		total += e.Amount
	}
	avg := 0.0
	if len(earnings) > 0 {
		avg = total / float64(len(earnings))
	}
	return &models.EarningsSummary{
		TotalRides:    len(earnings),
		TotalEarnings: math.Round(total),
		AverageFare:   math.Round(avg),
	}, nil
}

func newID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
