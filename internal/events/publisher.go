// Package events publishes scan lifecycle notifications to Kafka so other
// systems (ticketing, dashboards, SIEM feeds) can follow scans without
// polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// Topic carries every lifecycle event, keyed by task ID so each task's
// events land on one partition in order.
const Topic = "scans.lifecycle"

// Event types emitted over the task lifecycle.
const (
	TypeSubmitted = "task.submitted"
	TypeStarted   = "task.started"
	TypeCompleted = "task.completed"
	TypeFailed    = "task.failed"
	TypeTimeout   = "task.timeout"
	TypeDLQ       = "task.dlq"
	TypeRetried   = "task.retried"
)

// Event is one lifecycle notification.
type Event struct {
	Type     string            `json:"type"`
	TaskID   string            `json:"task_id"`
	TraceID  string            `json:"trace_id,omitempty"`
	Pool     string            `json:"pool,omitempty"`
	Instance string            `json:"instance,omitempty"`
	State    domain.State      `json:"state,omitempty"`
	Error    *domain.TaskError `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka-backed publisher connected to the given
// brokers.
func NewPublisher(brokers []string) Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &publisher{writer: w}
}

func (p *publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	// Inject the active trace context into message headers so downstream
	// consumers can continue the trace.
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.TaskID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    ev.At,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s for %s: %w", ev.Type, ev.TaskID, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
