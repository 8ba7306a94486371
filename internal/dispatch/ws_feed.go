package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/models"
)

// ErrNoSubscribers is returned when nobody is listening on a ride's feed.
var ErrNoSubscribers = errors.New("no feed subscribers")

// session wraps a websocket connection with a write lock, since gorilla
// connections allow only one concurrent writer.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(u models.LocationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// Feed fans driver location updates out to WebSocket subscribers, keyed by
// ride identifier. It owns no ride state; the engine never depends on it.
type Feed struct {
	log  *slog.Logger
	mu   sync.RWMutex
	subs map[string]map[*session]struct{}
}

func NewFeed(log *slog.Logger) *Feed {
	return &Feed{log: log, subs: make(map[string]map[*session]struct{})}
}

// Subscribe registers a connection for a ride's updates and returns an
// unsubscribe func the HTTP layer calls when the socket closes.
func (f *Feed) Subscribe(rideID string, conn *websocket.Conn) func() {
	s := &session{conn: conn}
	f.mu.Lock()
	if f.subs[rideID] == nil {
		f.subs[rideID] = make(map[*session]struct{})
	}
	f.subs[rideID][s] = struct{}{}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		if set, ok := f.subs[rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(f.subs, rideID)
			}
		}
		f.mu.Unlock()
		_ = conn.Close()
	}
}

// Broadcast sends the update to every subscriber of the ride. Dead
// connections are dropped; delivery is best-effort.
func (f *Feed) Broadcast(u models.LocationUpdate) error {
	f.mu.RLock()
	set, ok := f.subs[u.RideID]
	sessions := make([]*session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	f.mu.RUnlock()
	if !ok || len(sessions) == 0 {
		return ErrNoSubscribers
	}
	for _, s := range sessions {
		if err := s.send(u); err != nil {
			f.log.Warn("ws send failed, dropping subscriber", "ride_id", u.RideID, "error", err)
			f.mu.Lock()
			if cur, ok := f.subs[u.RideID]; ok {
				delete(cur, s)
			}
			f.mu.Unlock()
			_ = s.conn.Close()
		}
	}
	return nil
}
