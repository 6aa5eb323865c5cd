package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Publisher accepts driver heartbeats for asynchronous application to the
// directory.
type Publisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes heartbeats keyed by driver id so one driver's
// updates stay ordered within a partition.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if u.DriverID == "" {
		return fmt.Errorf("ingest.KafkaProducer.PublishLocation: %w: driver id is required", models.ErrValidation)
	}
	if !u.Loc.Valid() {
		return fmt.Errorf("ingest.KafkaProducer.PublishLocation: %w: coordinates out of range", models.ErrValidation)
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("ingest.KafkaProducer.PublishLocation: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b}); err != nil {
		return fmt.Errorf("ingest.KafkaProducer.PublishLocation: %w: %v", models.ErrUnavailable, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
