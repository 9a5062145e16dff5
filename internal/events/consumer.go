package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// EventHandler processes one feed event. Returning nil commits the offset;
// returning an error skips the commit so the event is re-delivered.
type EventHandler func(ctx context.Context, ev Event) error

// Subscriber reads the lifecycle feed.
type Subscriber interface {
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}

type kafkaSubscriber struct {
	reader  *kafka.Reader
	grouped bool
	logger  *slog.Logger
}

// NewKafkaSubscriber creates a feed subscriber. A named group resumes from
// its committed offset and gets at-least-once delivery; an empty groupID
// tails partition 0 from the first offset without committing, which suits
// one-off inspection.
func NewKafkaSubscriber(brokers []string, topic, groupID string, logger *slog.Logger) Subscriber {
	cfg := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	}
	if groupID != "" {
		cfg.GroupID = groupID
		cfg.CommitInterval = 0 // manual commit only
	}
	return &kafkaSubscriber{
		reader:  kafka.NewReader(cfg),
		grouped: groupID != "",
		logger:  logger,
	}
}

// Subscribe reads feed events in a loop until ctx is cancelled. Offsets are
// committed only after the handler returns nil.
func (s *kafkaSubscriber) Subscribe(ctx context.Context, handler EventHandler) error {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("feed fetch: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			// A malformed frame can never succeed later; commit past it.
			s.logger.Warn("dropping malformed feed event",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			s.commit(ctx, m)
			continue
		}

		// Continue the trace the publisher injected at the transition.
		carrier := HeaderCarrier(m.Headers)
		evCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(evCtx, ev); err != nil {
			s.logger.Error("event handler failed, skipping commit",
				slog.String("type", ev.Type),
				slog.String("job_id", ev.JobID),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.commit(ctx, m)
	}
}

func (s *kafkaSubscriber) commit(ctx context.Context, m kafka.Message) {
	if !s.grouped {
		return
	}
	if err := s.reader.CommitMessages(ctx, m); err != nil {
		s.logger.Error("failed to commit feed offset",
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
}

func (s *kafkaSubscriber) Close() error {
	return s.reader.Close()
}
