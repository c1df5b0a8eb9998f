package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/observability"
)

// Conn is the part of *websocket.Conn the registry needs.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// writeWait bounds a single write when the caller's context has no deadline.
const writeWait = 10 * time.Second

var _ Conn = (*websocket.Conn)(nil)

// WSSession represents one connected client.
type WSSession struct {
	UserID string
	Role   models.Role
	conn   Conn
	mu     sync.Mutex
}

// Send writes e to the client. The write is abandoned at ctx's deadline, so a client
// that stopped reading cannot hold the session.
func (s *WSSession) Send(ctx context.Context, e models.Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(e)
}

// WSRegistry holds live sessions keyed by user id. It is a Sink: new requests go to
// every connected responder, status changes go to the ride's requester and responder.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Name() string { return "websocket" }

func (r *WSRegistry) Add(userID string, role models.Role, conn Conn) *WSSession {
	s := &WSSession{UserID: userID, Role: role, conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[*WSSession]struct{})
	}
	r.sessions[userID][s] = struct{}{}
	observability.WSConnections.Inc()
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.UserID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
	}
	observability.WSConnections.Dec()
	_ = s.conn.Close()
}

func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

func (r *WSRegistry) Deliver(ctx context.Context, e models.Event) error {
	var targets []*WSSession
	r.mu.RLock()
	switch e.Type {
	case models.EventRequestCreated:
		for _, set := range r.sessions {
			for s := range set {
				if s.Role == models.RoleResponder {
					targets = append(targets, s)
				}
			}
		}
	default:
		for _, id := range e.Recipients() {
			for s := range r.sessions[id] {
				targets = append(targets, s)
			}
		}
	}
	r.mu.RUnlock()

	var failed []*WSSession
	for _, s := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := s.Send(ctx, e); err != nil {
			failed = append(failed, s)
		}
	}
	// a session that cannot be written to in time is gone
	for _, s := range failed {
		r.Remove(s)
	}
	return ctx.Err()
}
