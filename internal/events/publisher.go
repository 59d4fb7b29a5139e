// Package events publishes task lifecycle transitions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskTransition is one task status change.
type TaskTransition struct {
	TaskID     string    `json:"task_id"`
	TenantID   string    `json:"tenant_id"`
	ExternalID string    `json:"external_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits lifecycle events. Implementations never fail the caller.
type Publisher interface {
	PublishTransition(ctx context.Context, ev TaskTransition)
	Close() error
}

// New returns a Kafka publisher, or a no-op one when brokers is empty.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(brokers, topic)
}

// messageWriter is the slice of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
}

// PublishTransition writes ev keyed by task id so a task's events stay on one
// partition. Failures are logged only.
func (p *KafkaPublisher) PublishTransition(ctx context.Context, ev TaskTransition) {
	if err := p.write(ctx, ev.TaskID, ev); err != nil {
		p.logger.Warn("publishing task transition", "task_id", ev.TaskID, "tenant_id", ev.TenantID, "to", ev.To, "error", err)
	}
}

func (p *KafkaPublisher) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTransition(context.Context, TaskTransition) {}

func (Nop) Close() error { return nil }
