// Package events publishes job lifecycle transitions to an optional Kafka
// feed. The feed is observational: the coordinator's state machine never
// depends on a publish succeeding.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/agenix-sh/agenix/internal/domain"
)

// Event types on the feed.
const (
	TypeEnqueued  = "job.enqueued"
	TypeClaimed   = "job.claimed"
	TypeCompleted = "job.completed"
	TypeFailed    = "job.failed"
	TypeDead      = "job.dead"
	TypeRequeued  = "job.requeued"
)

// Event is one job lifecycle transition.
type Event struct {
	Type     string        `json:"type"`
	JobID    string        `json:"job_id"`
	PlanID   string        `json:"plan_id"`
	ActionID string        `json:"action_id,omitempty"`
	Queue    string        `json:"queue"`
	WorkerID string        `json:"worker_id,omitempty"`
	Status   domain.Status `json:"status"`
	At       time.Time     `json:"at"`
}

// FromJob builds the event for a job's current state.
func FromJob(typ string, job *domain.Job) Event {
	return Event{
		Type:     typ,
		JobID:    job.JobID,
		PlanID:   job.PlanID,
		ActionID: job.ActionID,
		Queue:    job.Queue,
		WorkerID: job.WorkerID,
		Status:   job.Status,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates a publisher writing to one topic on the given
// brokers. Events for the same job share a key, so per-job ordering holds
// within a partition.
func NewKafkaPublisher(brokers []string, topic string) Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		// Auto-create the feed topic if it doesn't exist
		AllowAutoTopicCreation: true,
	}
	return &kafkaPublisher{writer: w, topic: topic}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(ev.JobID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    ev.At,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.topic, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type nopPublisher struct{}

// NewNopPublisher returns a publisher that drops every event, for
// deployments without a feed.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }
