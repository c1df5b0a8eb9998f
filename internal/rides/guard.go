package rides

import (
	"context"

	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/storage"
)

// Guard expresses the one-active-request and one-assignment rules as read-side
// checks. The store enforces the same rules again at write time.
type Guard struct {
	store storage.Store
}

func NewGuard(store storage.Store) *Guard { return &Guard{store: store} }

// ActiveRequest returns the requester's outstanding request, or nil.
func (g *Guard) ActiveRequest(ctx context.Context, requesterID string) (*models.RideRequest, error) {
	return g.store.FindActiveByRequester(ctx, requesterID)
}

func (g *Guard) RequesterHasActive(ctx context.Context, requesterID string) (bool, error) {
	r, err := g.ActiveRequest(ctx, requesterID)
	return r != nil, err
}

// ResponderBusy reports whether responderID holds an active assignment other than excludeID.
func (g *Guard) ResponderBusy(ctx context.Context, responderID, excludeID string) (bool, error) {
	r, err := g.store.FindActiveByResponder(ctx, responderID, excludeID)
	return r != nil, err
}
