package rides

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/escort-dispatch/internal/geo"
	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/observability"
	"github.com/example/escort-dispatch/internal/storage"
)

// Notifier receives lifecycle events. Implementations must not block the caller.
type Notifier interface {
	RequestCreated(r models.RideRequest)
	StatusChanged(r models.RideRequest)
}

type nopNotifier struct{}

func (nopNotifier) RequestCreated(models.RideRequest) {}
func (nopNotifier) StatusChanged(models.RideRequest)  {}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// StoreTimeout bounds every store call. Defaults to 5s.
	StoreTimeout time.Duration
	// RequireAccept makes EnRoute and Completed reachable only through Accepted.
	RequireAccept bool
	Scope         Scope
	Notifier      Notifier
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

// Engine owns the ride-request state machine.
type Engine struct {
	store    storage.Store
	guard    *Guard
	queue    *Queue
	notifier Notifier
	logger   *slog.Logger

	storeTimeout  time.Duration
	requireAccept bool
	now           func() time.Time
	newID         func() string
}

func NewEngine(store storage.Store, opts Options) *Engine {
	e := &Engine{
		store:         store,
		guard:         NewGuard(store),
		queue:         NewQueue(store, opts.Scope),
		notifier:      opts.Notifier,
		logger:        opts.Logger,
		storeTimeout:  opts.StoreTimeout,
		requireAccept: opts.RequireAccept,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = 5 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.New().String() }
	}
	return e
}

// Submit creates a pending ride request for requesterID and reports its waiting number.
func (e *Engine) Submit(ctx context.Context, requesterID string, role models.Role, p models.Payload) (models.RideRequest, error) {
	switch role {
	case models.RoleRequester:
	case models.RoleResponder:
		return models.RideRequest{}, errForbidden("Only requester can book request")
	default:
		return models.RideRequest{}, errForbidden("Sorry! your role can not book requests")
	}
	if requesterID == "" {
		return models.RideRequest{}, errForbidden("Missing caller identity")
	}
	if err := validatePayload(p); err != nil {
		return models.RideRequest{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	active, err := e.guard.RequesterHasActive(sctx, requesterID)
	cancel()
	if err != nil {
		return models.RideRequest{}, e.fail("submit", "", err)
	}
	if active {
		observability.SubmissionsTotal.WithLabelValues(string(KindActiveRequestExists)).Inc()
		return models.RideRequest{}, errActiveRequestExists()
	}

	now := e.timestamp()
	rec := models.RideRequest{
		ID:          e.newID(),
		RequesterID: requesterID,
		Status:      models.StatusPending,
		Payload:     p,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
	created, err := e.store.Create(sctx, rec)
	cancel()
	if err != nil {
		// a racing submit for the same requester lands here via the store constraint
		return models.RideRequest{}, e.fail("submit", "", err)
	}

	// The position is a snapshot: an older submit whose Create lands after this count
	// is not seen, so interleaved submits can both report 1. Get recomputes it.
	sctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
	n, err := e.queue.WaitingNumber(sctx, created)
	cancel()
	if err != nil {
		// the record exists; report it without a position rather than failing the call
		e.logger.Warn("waiting number unavailable", "ride_id", created.ID, "error", err)
	} else {
		created.WaitingNumber = n
	}

	observability.SubmissionsTotal.WithLabelValues("created").Inc()
	e.logger.Info("ride request created", "ride_id", created.ID, "requester_id", requesterID, "waiting_number", created.WaitingNumber)
	e.notifier.RequestCreated(created)
	return created, nil
}

// Transition validates and applies a status change on behalf of (actorID, role).
// Every rule is checked before the single conditional write; a lost race surfaces as
// KindRaceLost and is not retried here.
func (e *Engine) Transition(ctx context.Context, id, actorID string, role models.Role, target models.Status) (models.RideRequest, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	rec, err := e.store.Get(sctx, id)
	cancel()
	if err != nil {
		return models.RideRequest{}, e.fail("transition", id, err)
	}
	if !target.Valid() {
		return models.RideRequest{}, e.reject(id, target, errInvalidStatus())
	}
	if rec.Status.Terminal() {
		return models.RideRequest{}, e.reject(id, target, errTerminal())
	}
	if target == rec.Status {
		return models.RideRequest{}, e.reject(id, target, errNoOp())
	}
	if target == models.StatusPending || !e.allowed(rec.Status, target) {
		if e.requireAccept && rec.Status == models.StatusPending &&
			(target == models.StatusEnRoute || target == models.StatusCompleted) {
			return models.RideRequest{}, e.reject(id, target, errNotAccepted())
		}
		return models.RideRequest{}, e.reject(id, target, errInvalidTarget())
	}

	change := storage.Change{Status: target}
	switch role {
	case models.RoleRequester:
		if target != models.StatusCancelled {
			return models.RideRequest{}, e.reject(id, target, errForbidden("Sorry! you can only cancel your request"))
		}
		if rec.RequesterID != actorID {
			return models.RideRequest{}, e.reject(id, target, errForbidden("Sorry! this request does not belong to you"))
		}
	case models.RoleResponder:
		switch target {
		case models.StatusAccepted, models.StatusEnRoute, models.StatusDeclined, models.StatusCompleted:
		default:
			return models.RideRequest{}, e.reject(id, target, errForbidden("Sorry! you can not set this status"))
		}
		if rec.ResponderID != "" && rec.ResponderID != actorID {
			return models.RideRequest{}, e.reject(id, target, errAlreadyAssigned())
		}
		if target == models.StatusAccepted {
			sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
			busy, err := e.guard.ResponderBusy(sctx, actorID, id)
			cancel()
			if err != nil {
				return models.RideRequest{}, e.fail("transition", id, err)
			}
			if busy {
				return models.RideRequest{}, e.reject(id, target, errResponderBusy())
			}
			change.ResponderID = actorID
		}
	default:
		return models.RideRequest{}, e.reject(id, target, errForbidden("Sorry! your role can not update ride requests"))
	}

	change.UpdatedAt = e.timestamp()
	expect := storage.Expectation{Status: rec.Status, ResponderID: rec.ResponderID}
	sctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
	updated, err := e.store.ConditionalUpdate(sctx, id, expect, change)
	cancel()
	if err != nil {
		appErr := classify(err)
		if appErr.Kind == KindRaceLost {
			observability.RaceLostTotal.Inc()
		}
		if appErr.Kind == KindInternal || appErr.Kind == KindUnavailable {
			return models.RideRequest{}, e.fail("transition", id, err)
		}
		return models.RideRequest{}, e.reject(id, target, appErr)
	}

	observability.TransitionsTotal.WithLabelValues(string(target), "applied").Inc()
	e.logger.Info("ride transition applied",
		"ride_id", id, "from", rec.Status, "to", updated.Status,
		"actor_id", actorID, "role", role.String())
	e.notifier.StatusChanged(updated)
	return updated, nil
}

// Get returns a ride request visible to the caller. Pending requests carry a freshly
// computed waiting number.
func (e *Engine) Get(ctx context.Context, id, actorID string, role models.Role) (models.RideRequest, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	rec, err := e.store.Get(sctx, id)
	cancel()
	if err != nil {
		return models.RideRequest{}, e.fail("get", id, err)
	}
	switch role {
	case models.RoleRequester:
		if rec.RequesterID != actorID {
			return models.RideRequest{}, errNotFound()
		}
	case models.RoleResponder:
	default:
		return models.RideRequest{}, errForbidden("Sorry! your role can not view ride requests")
	}
	if rec.Status == models.StatusPending {
		sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		n, err := e.queue.WaitingNumber(sctx, rec)
		cancel()
		if err != nil {
			return models.RideRequest{}, e.fail("get", id, err)
		}
		rec.WaitingNumber = n
	}
	return rec, nil
}

// ListType selects active or historical requests.
type ListType int

const (
	ListActive ListType = iota + 1
	ListPast
)

// ParseListType accepts "active"/"past" or the numeric codes 1/2. Empty means active.
func ParseListType(v string) (ListType, bool) {
	switch v {
	case "", "active", "1":
		return ListActive, true
	case "past", "2":
		return ListPast, true
	}
	return 0, false
}

// List returns the requests visible to the caller: requesters see their own;
// responders see unassigned pending requests and their own assignments.
func (e *Engine) List(ctx context.Context, actorID string, role models.Role, lt ListType, limit int) ([]models.RideRequest, error) {
	statuses := models.ActiveStatuses
	if lt == ListPast {
		statuses = models.TerminalStatuses
	}
	f := storage.ListFilter{Statuses: statuses, Limit: limit}
	switch role {
	case models.RoleRequester:
		f.RequesterID = actorID
	case models.RoleResponder:
		f.ResponderID = actorID
		f.IncludeUnassignedPending = lt == ListActive
	default:
		return nil, errForbidden("Sorry! your role can not view ride requests")
	}
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	out, err := e.store.List(sctx, f)
	if err != nil {
		return nil, e.fail("list", "", err)
	}
	return out, nil
}

// Ping checks the backing store.
func (e *Engine) Ping(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.Ping(sctx)
}

// strictTransitions is the per-state allow-list used when RequireAccept is set.
var strictTransitions = map[models.Status][]models.Status{
	models.StatusPending:  {models.StatusAccepted, models.StatusDeclined, models.StatusCancelled},
	models.StatusAccepted: {models.StatusEnRoute, models.StatusDeclined, models.StatusCompleted, models.StatusCancelled},
	models.StatusEnRoute:  {models.StatusCompleted, models.StatusDeclined, models.StatusCancelled},
}

// rank orders the non-terminal states; terminal states rank highest.
func rank(s models.Status) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusAccepted:
		return 1
	case models.StatusEnRoute:
		return 2
	default:
		return 3
	}
}

// allowed reports whether from->to moves forward. Without RequireAccept a responder
// may skip Accepted entirely (decline or complete without claiming).
func (e *Engine) allowed(from, to models.Status) bool {
	if e.requireAccept {
		for _, s := range strictTransitions[from] {
			if s == to {
				return true
			}
		}
		return false
	}
	return rank(to) > rank(from)
}

func (e *Engine) timestamp() time.Time {
	// microsecond precision round-trips through timestamptz unchanged
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) reject(id string, target models.Status, err *Error) *Error {
	label := string(target)
	if !target.Valid() {
		label = "unknown"
	}
	observability.TransitionsTotal.WithLabelValues(label, string(err.Kind)).Inc()
	e.logger.Debug("ride transition rejected", "ride_id", id, "target", target, "kind", err.Kind)
	return err
}

func (e *Engine) fail(op, id string, err error) *Error {
	appErr := classify(err)
	if appErr.Kind == KindInternal || appErr.Kind == KindUnavailable {
		e.logger.Error("ride store failure", "op", op, "ride_id", id, "error", err)
	}
	return appErr
}

func validatePayload(p models.Payload) *Error {
	if !geo.ValidCoord(p.Pickup) {
		return errInvalidPayload("Invalid pickup location")
	}
	if !geo.ValidCoord(p.Dropoff) {
		return errInvalidPayload("Invalid dropoff location")
	}
	if p.Passengers < 0 {
		return errInvalidPayload("Invalid number of passengers")
	}
	return nil
}
