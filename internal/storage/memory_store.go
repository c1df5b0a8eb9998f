package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/escort-dispatch/internal/geo"
	"github.com/example/escort-dispatch/internal/models"
)

// MemoryStore keeps ride requests in process. Every check-and-write happens under a
// single lock, which gives it the same uniqueness guarantees as the Postgres indexes.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideRequest)}
}

func (m *MemoryStore) Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.RideRequest{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status.Active() && m.activeByRequesterLocked(r.RequesterID, r.ID) != nil {
		return models.RideRequest{}, ErrActiveRequestExists
	}
	r.WaitingNumber = 0
	m.rides[r.ID] = r
	return r, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.RideRequest{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) FindActiveByRequester(ctx context.Context, requesterID string) (*models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeByRequesterLocked(requesterID, ""), nil
}

func (m *MemoryStore) FindActiveByResponder(ctx context.Context, responderID, excludeID string) (*models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeByResponderLocked(responderID, excludeID), nil
}

func (m *MemoryStore) CountPendingCreatedBefore(ctx context.Context, f PendingFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if r.Status != models.StatusPending || !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if f.ServiceAreaID != "" && r.Payload.ServiceAreaID != f.ServiceAreaID {
			continue
		}
		if f.Near != nil {
			d := geo.Haversine(f.Near.Center.Lat, f.Near.Center.Lon, r.Payload.Pickup.Lat, r.Payload.Pickup.Lon)
			if d > f.Near.RadiusMeters {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expect Expectation, change Change) (models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.RideRequest{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	if cur.Status != expect.Status || cur.ResponderID != expect.ResponderID {
		return models.RideRequest{}, ErrConflict
	}
	next := cur
	next.Status = change.Status
	if change.ResponderID != "" {
		next.ResponderID = change.ResponderID
	}
	next.UpdatedAt = change.UpdatedAt
	if next.Status.Assigned() && next.ResponderID != "" && m.activeByResponderLocked(next.ResponderID, id) != nil {
		return models.RideRequest{}, ErrResponderBusy
	}
	m.rides[id] = next
	return next, nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rides {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// caller holds m.mu
func (m *MemoryStore) activeByRequesterLocked(requesterID, excludeID string) *models.RideRequest {
	for id, r := range m.rides {
		if id != excludeID && r.RequesterID == requesterID && r.Status.Active() {
			return &r
		}
	}
	return nil
}

// caller holds m.mu
func (m *MemoryStore) activeByResponderLocked(responderID, excludeID string) *models.RideRequest {
	for id, r := range m.rides {
		if id != excludeID && r.ResponderID == responderID && r.Status.Assigned() {
			return &r
		}
	}
	return nil
}
