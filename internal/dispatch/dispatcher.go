package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/observability"
)

// Sink delivers one lifecycle event to a downstream channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e models.Event) error
}

// Dispatcher fans lifecycle events out to sinks from a background worker. Enqueueing
// never blocks: when the queue is full the event is dropped and counted. Delivery
// failures are logged and not retried.
type Dispatcher struct {
	sinks       []Sink
	queue       chan models.Event
	logger      *slog.Logger
	sinkTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(logger *slog.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	return newDispatcher(logger, queueSize, 3*time.Second, sinks...)
}

func newDispatcher(logger *slog.Logger, queueSize int, sinkTimeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:       sinks,
		queue:       make(chan models.Event, queueSize),
		logger:      logger,
		sinkTimeout: sinkTimeout,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) RequestCreated(r models.RideRequest) {
	d.enqueue(models.Event{Type: models.EventRequestCreated, Ride: r, OccurredAt: d.now().UTC()})
}

func (d *Dispatcher) StatusChanged(r models.RideRequest) {
	d.enqueue(models.Event{Type: models.EventStatusChanged, Ride: r, OccurredAt: d.now().UTC()})
}

func (d *Dispatcher) enqueue(e models.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.NotificationsDropped.Inc()
		return
	}
	select {
	case d.queue <- e:
	default:
		observability.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping event", "type", e.Type, "ride_id", e.Ride.ID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			observability.NotificationsFailed.WithLabelValues(s.Name()).Inc()
			d.logger.Error("notification sink panicked", "sink", s.Name(), "error", rec)
		}
	}()
	if err := s.Deliver(ctx, e); err != nil {
		observability.NotificationsFailed.WithLabelValues(s.Name()).Inc()
		d.logger.Warn("notification delivery failed", "sink", s.Name(), "type", e.Type, "ride_id", e.Ride.ID, "error", err)
		return
	}
	observability.NotificationsSent.WithLabelValues(s.Name(), string(e.Type)).Inc()
}

// Close stops accepting events and waits for queued ones to drain or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes every event to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(ctx context.Context, e models.Event) error {
	l.Logger.Info("ride lifecycle event",
		"type", e.Type, "ride_id", e.Ride.ID, "status", e.Ride.Status,
		"requester_id", e.Ride.RequesterID, "responder_id", e.Ride.ResponderID)
	return nil
}
