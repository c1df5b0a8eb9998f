// Package events encodes ride lifecycle events for the Kafka topic shared by the API
// server (producer) and the notifier worker (consumer).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/escort-dispatch/internal/models"
)

// Encode turns an event into a Kafka message keyed by ride id, so all events of one
// ride land on the same partition in order.
func Encode(e models.Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Ride.ID),
		Value: b,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}, nil
}

func Decode(m kafka.Message) (models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(m.Value, &e); err != nil {
		return models.Event{}, err
	}
	if e.Ride.ID == "" || (e.Type != models.EventRequestCreated && e.Type != models.EventStatusChanged) {
		return models.Event{}, fmt.Errorf("malformed lifecycle event (type=%q)", e.Type)
	}
	return e, nil
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) Publish(ctx context.Context, e models.Event) error {
	m, err := Encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
