package events

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/escort-dispatch/internal/models"
)

func TestEncodeKeysByRide(t *testing.T) {
	e := models.Event{
		Type:       models.EventStatusChanged,
		Ride:       models.RideRequest{ID: "r1", RequesterID: "u1", ResponderID: "s1", Status: models.StatusAccepted},
		OccurredAt: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC),
	}
	m, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(m.Key) != "r1" {
		t.Fatalf("expected key r1, got %q", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != "statusChanged" {
		t.Fatalf("unexpected headers %+v", m.Headers)
	}
	got, err := Decode(m)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ride.ResponderID != "s1" || got.Ride.Status != models.StatusAccepted {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"other","ride":{"id":"r1"}}`, `{"type":"statusChanged","ride":{}}`} {
		if _, err := Decode(kafka.Message{Value: []byte(raw)}); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}
