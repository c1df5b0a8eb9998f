package rides

import (
	"context"

	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/storage"
)

// Scope decides which earlier pending requests count toward a request's position.
type Scope interface {
	Filter(r models.RideRequest) storage.PendingFilter
}

// GlobalScope counts every earlier pending request.
type GlobalScope struct{}

func (GlobalScope) Filter(r models.RideRequest) storage.PendingFilter {
	return storage.PendingFilter{CreatedBefore: r.CreatedAt}
}

// AreaScope counts earlier pending requests in the same service area. Requests
// without an area fall back to the global queue.
type AreaScope struct{}

func (AreaScope) Filter(r models.RideRequest) storage.PendingFilter {
	return storage.PendingFilter{CreatedBefore: r.CreatedAt, ServiceAreaID: r.Payload.ServiceAreaID}
}

// RadiusScope counts earlier pending requests whose pickup lies within RadiusMeters.
type RadiusScope struct {
	RadiusMeters float64
}

func (s RadiusScope) Filter(r models.RideRequest) storage.PendingFilter {
	return storage.PendingFilter{
		CreatedBefore: r.CreatedAt,
		Near:          &storage.Circle{Center: r.Payload.Pickup, RadiusMeters: s.RadiusMeters},
	}
}

// Queue computes 1-based FIFO waiting numbers.
type Queue struct {
	store storage.Store
	scope Scope
}

func NewQueue(store storage.Store, scope Scope) *Queue {
	if scope == nil {
		scope = GlobalScope{}
	}
	return &Queue{store: store, scope: scope}
}

// WaitingNumber is one plus the number of pending requests in scope created
// strictly before r.
func (q *Queue) WaitingNumber(ctx context.Context, r models.RideRequest) (int, error) {
	n, err := q.store.CountPendingCreatedBefore(ctx, q.scope.Filter(r))
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}
