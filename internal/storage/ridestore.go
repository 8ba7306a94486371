package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
)

// ErrNoMatch is returned by ConditionalUpdate when the ride's status no
// longer equals the expected status at write time. The engine maps it to
// the caller-facing race/transition errors.
var ErrNoMatch = errors.New("no ride matched precondition")

// Mutation describes one transition's writes. Everything in it is applied
// indivisibly with the status change: a concurrent reader never observes
// the status without its history entry, and a completed ride never exists
// without its earning.
type Mutation struct {
	Status      models.RideStatus
	Driver      string // assigns the driver when non-empty; never reassigns
	CancelledAt *time.Time
	History     models.HistoryEntry
	Earning     *models.Earning // written in the same transaction when non-nil
	UpdatedAt   time.Time
}

// RideStore defines persistence for rides and the earnings ledger. The
// conditional update is the sole synchronization mechanism in the system;
// the engine holds no locks of its own.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	ConditionalUpdate(ctx context.Context, id string, expected models.RideStatus, m Mutation) (*models.Ride, error)
	RidesForRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	RidesForDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	EarningsForDriver(ctx context.Context, driverID string) ([]*models.Earning, error)
}

// MemoryStore keeps everything in process memory. It backs tests and
// DSN-less local runs, and implements the same conditional-write contract
// as the Postgres store: the status check and all writes happen under one
// lock acquisition.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]*models.Ride
	earnings map[string]*models.Earning // keyed by ride id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		earnings: make(map[string]*models.Earning),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected models.RideStatus, mut Mutation) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	if r.Status != expected {
		return nil, ErrNoMatch
	}
	r.Status = mut.Status
	if mut.Driver != "" {
		r.Driver = mut.Driver
	}
	if mut.CancelledAt != nil {
		t := *mut.CancelledAt
		r.CancelledAt = &t
	}
	r.History = append(r.History, mut.History)
	r.UpdatedAt = mut.UpdatedAt
	if mut.Earning != nil {
		// ride id doubles as the idempotency key: a retried completion
		// never produces a second ledger entry
		if _, exists := m.earnings[mut.Earning.Ride]; !exists {
			e := *mut.Earning
			m.earnings[e.Ride] = &e
		}
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) RidesForRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Rider == riderID {
			out = append(out, cloneRide(r))
		}
	}
	sortRidesNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) RidesForDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Driver == driverID {
			out = append(out, cloneRide(r))
		}
	}
	sortRidesNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) EarningsForDriver(ctx context.Context, driverID string) ([]*models.Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Earning
	for _, e := range m.earnings {
		if e.Driver == driverID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// EarningForRide exists for tests asserting ledger uniqueness.
func (m *MemoryStore) EarningForRide(rideID string) (*models.Earning, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earnings[rideID]
	if !ok {
		return nil, false
	}
	c := *e
	return &c, true
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	c.History = append([]models.HistoryEntry(nil), r.History...)
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

func sortRidesNewestFirst(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
}
