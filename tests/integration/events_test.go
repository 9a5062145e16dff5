//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/events"
)

// uniqueTopic returns a topic name unique to this test run to avoid
// cross-test interference on a shared Kafka broker.
func uniqueTopic(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

// newFeedReader reads a feed topic from its first offset. The feed has one
// partition, so a plain partition reader sees every event in order.
func newFeedReader(topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     testKafkaBrokers,
		Topic:       topic,
		StartOffset: kafkago.FirstOffset,
	})
}

func feedJob() *domain.Job {
	return &domain.Job{
		JobID:    uuid.New().String(),
		PlanID:   "feed-test-plan",
		ActionID: uuid.New().String(),
		Queue:    domain.DefaultQueue,
		Status:   domain.StatusPending,
	}
}

func TestEvents_PublishConsume_RoundTrip(t *testing.T) {
	topic := uniqueTopic("events-roundtrip")
	createTopic(t, topic)

	pub := events.NewKafkaPublisher(testKafkaBrokers, topic)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck

	ctx := context.Background()
	job := feedJob()
	require.NoError(t, pub.Publish(ctx, events.FromJob(events.TypeEnqueued, job)))

	reader := newFeedReader(topic)
	t.Cleanup(func() { reader.Close() }) //nolint:errcheck

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err, "timed out waiting for feed event")
	assert.Equal(t, job.JobID, string(msg.Key), "events should be keyed by job id")

	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, events.TypeEnqueued, ev.Type)
	assert.Equal(t, job.JobID, ev.JobID)
	assert.Equal(t, "feed-test-plan", ev.PlanID)
	assert.Equal(t, job.ActionID, ev.ActionID)
	assert.Equal(t, domain.DefaultQueue, ev.Queue)
	assert.Equal(t, domain.StatusPending, ev.Status)
	assert.False(t, ev.At.IsZero(), "event timestamp should be set")
}

// TestEvents_PerJobOrdering verifies that one job's lifecycle arrives in
// publish order: same key, one partition.
func TestEvents_PerJobOrdering(t *testing.T) {
	topic := uniqueTopic("events-ordering")
	createTopic(t, topic)

	pub := events.NewKafkaPublisher(testKafkaBrokers, topic)
	t.Cleanup(func() { pub.Close() }) //nolint:errcheck

	ctx := context.Background()
	job := feedJob()

	require.NoError(t, pub.Publish(ctx, events.FromJob(events.TypeEnqueued, job)))
	job.Status = domain.StatusRunning
	job.WorkerID = "feed-test-worker"
	require.NoError(t, pub.Publish(ctx, events.FromJob(events.TypeClaimed, job)))
	job.Status = domain.StatusCompleted
	require.NoError(t, pub.Publish(ctx, events.FromJob(events.TypeCompleted, job)))

	reader := newFeedReader(topic)
	t.Cleanup(func() { reader.Close() }) //nolint:errcheck

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var got []string
	for range 3 {
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err, "timed out waiting for feed events")
		require.Equal(t, job.JobID, string(msg.Key))

		var ev events.Event
		require.NoError(t, json.Unmarshal(msg.Value, &ev))
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{events.TypeEnqueued, events.TypeClaimed, events.TypeCompleted}, got)

	quietCtx, quietCancel := context.WithTimeout(ctx, 2*time.Second)
	defer quietCancel()
	_, err := reader.ReadMessage(quietCtx)
	require.Error(t, err, "no further events expected on the topic")
}
