package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/escort-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride request not found")
	// ErrConflict means the record no longer matches the expected status/responder.
	ErrConflict = errors.New("ride request changed concurrently")
	// ErrActiveRequestExists is returned when an insert or update would give a
	// requester a second active request.
	ErrActiveRequestExists = errors.New("requester already has an active ride request")
	// ErrResponderBusy is returned when an update would give a responder a second
	// active assignment.
	ErrResponderBusy = errors.New("responder already has an active assignment")
)

// Store is the durable home of ride-request records. ConditionalUpdate is the only
// mutation path for an existing record.
type Store interface {
	Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error)
	Get(ctx context.Context, id string) (models.RideRequest, error)
	// FindActiveByRequester returns (nil, nil) when the requester has no active request.
	FindActiveByRequester(ctx context.Context, requesterID string) (*models.RideRequest, error)
	// FindActiveByResponder ignores the record with excludeID.
	FindActiveByResponder(ctx context.Context, responderID, excludeID string) (*models.RideRequest, error)
	CountPendingCreatedBefore(ctx context.Context, f PendingFilter) (int, error)
	ConditionalUpdate(ctx context.Context, id string, expect Expectation, change Change) (models.RideRequest, error)
	List(ctx context.Context, f ListFilter) ([]models.RideRequest, error)
	Ping(ctx context.Context) error
}

// Expectation is the previously observed state a conditional update is keyed on.
type Expectation struct {
	Status      models.Status
	ResponderID string
}

// Change is the set of fields a conditional update writes. An empty ResponderID
// leaves the stored responder untouched.
type Change struct {
	Status      models.Status
	ResponderID string
	UpdatedAt   time.Time
}

// Circle restricts a pending count to pickups within RadiusMeters of Center.
type Circle struct {
	Center       models.Coord
	RadiusMeters float64
}

// PendingFilter selects pending records created strictly before CreatedBefore.
// ServiceAreaID and Near are optional scoping predicates.
type PendingFilter struct {
	CreatedBefore time.Time
	ServiceAreaID string
	Near          *Circle
}

// ListFilter selects records for listing. RequesterID and ResponderID are ORed with
// IncludeUnassignedPending; Statuses narrows the already selected set.
type ListFilter struct {
	RequesterID              string
	ResponderID              string
	IncludeUnassignedPending bool
	Statuses                 []models.Status
	Limit                    int
}

func (f ListFilter) matches(r models.RideRequest) bool {
	selected := false
	if f.RequesterID != "" && r.RequesterID == f.RequesterID {
		selected = true
	}
	if f.ResponderID != "" && r.ResponderID == f.ResponderID {
		selected = true
	}
	if f.IncludeUnassignedPending && r.Status == models.StatusPending && r.ResponderID == "" {
		selected = true
	}
	if !selected {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
