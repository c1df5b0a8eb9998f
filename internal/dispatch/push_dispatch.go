package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/escort-dispatch/internal/events"
	"github.com/example/escort-dispatch/internal/models"
)

// WebhookSink hands events to the external notification dispatcher over HTTP.
type WebhookSink struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookSink(endpoint string) *WebhookSink {
	return &WebhookSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}

// KafkaSink publishes events to the lifecycle topic.
type KafkaSink struct {
	Producer *events.KafkaProducer
}

func (k KafkaSink) Name() string { return "kafka" }

func (k KafkaSink) Deliver(ctx context.Context, e models.Event) error {
	return k.Producer.Publish(ctx, e)
}

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes every event on Channel and on a per-recipient channel
// (Channel + ":" + userID) for the ride's requester and responder.
type RedisSink struct {
	Client  Publisher
	Channel string
}

func (r RedisSink) Name() string { return "redis" }

func (r RedisSink) Deliver(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.Channel, b).Err(); err != nil {
		return err
	}
	if e.Type != models.EventStatusChanged {
		return nil
	}
	for _, id := range e.Recipients() {
		if err := r.Client.Publish(ctx, r.Channel+":"+id, b).Err(); err != nil {
			return err
		}
	}
	return nil
}
