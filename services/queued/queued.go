// Package queued implements the coordination service. It owns the store and
// is the single writer of fabric state: plans, actions, jobs, worker records
// and schedules all change only through the operations defined here, each
// inside one store transaction.
package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/agenix-sh/agenix/internal/archive"
	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/events"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

const (
	// DefaultMaxActionInputs caps the fan-out of one action submission.
	DefaultMaxActionInputs = 1000
	// DefaultRequeueLimit is how many times a job survives its worker
	// before it is marked dead instead of requeued.
	DefaultRequeueLimit = 3
	// DefaultMaxClaimWait bounds how long one claim may block server-side.
	DefaultMaxClaimWait = 5 * time.Minute
)

// Coordinator executes coordination operations against the store and fans
// results out to the optional event feed and archive. Methods are safe for
// concurrent use; the store serializes writers.
type Coordinator struct {
	store  *store.Store
	logger *slog.Logger
	pub    events.Publisher
	arch   archive.Archiver
	notify *notifier

	maxActionInputs int
	requeueLimit    int
	maxClaimWait    time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithArchiver sets the terminal-job archive.
func WithArchiver(a archive.Archiver) Option {
	return func(c *Coordinator) { c.arch = a }
}

// WithMaxActionInputs caps how many jobs one action may create.
func WithMaxActionInputs(n int) Option {
	return func(c *Coordinator) { c.maxActionInputs = n }
}

// WithRequeueLimit sets how many requeues a job survives before going dead.
func WithRequeueLimit(n int) Option {
	return func(c *Coordinator) { c.requeueLimit = n }
}

// WithMaxClaimWait bounds the server-side block of a single claim.
func WithMaxClaimWait(d time.Duration) Option {
	return func(c *Coordinator) { c.maxClaimWait = d }
}

// NewCoordinator builds a Coordinator over an open store. Without options it
// logs through slog.Default and skips events and archiving.
func NewCoordinator(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           st,
		logger:          slog.Default(),
		pub:             events.NewNopPublisher(),
		arch:            archive.NewNopArchiver(),
		notify:          newNotifier(),
		maxActionInputs: DefaultMaxActionInputs,
		requeueLimit:    DefaultRequeueLimit,
		maxClaimWait:    DefaultMaxClaimWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── plans ───────────────────────────────────────────────────────────────────

// SubmitPlan validates and stores a plan, returning its plan_id. Plans are
// immutable: a second submission under the same plan_id is rejected.
func (c *Coordinator) SubmitPlan(ctx context.Context, data []byte) (string, error) {
	plan, err := domain.DecodePlan(data)
	if err != nil {
		return "", err
	}
	encoded, err := plan.Encode()
	if err != nil {
		return "", err
	}

	err = c.store.Update(func(tx *store.Tx) error {
		if _, ok := tx.Get(planKey(plan.PlanID)); ok {
			return &domain.PlanExistsError{PlanID: plan.PlanID}
		}
		return tx.Set(planKey(plan.PlanID), encoded)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("plan stored",
		slog.String("plan_id", plan.PlanID),
		slog.Int("tasks", len(plan.Tasks)),
	)
	return plan.PlanID, nil
}

// GetPlan returns the stored canonical encoding of a plan. The second return
// is false when no plan exists under the id.
func (c *Coordinator) GetPlan(ctx context.Context, planID string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := c.store.View(func(tx *store.Tx) error {
		data, found = tx.Get(planKey(planID))
		return nil
	})
	return data, found, err
}

// ── actions ─────────────────────────────────────────────────────────────────

// SubmitAction instantiates a plan: one job per input, all created and
// enqueued in a single transaction so an action is never half-visible. The
// returned Action lists the job ids in input order.
func (c *Coordinator) SubmitAction(ctx context.Context, data []byte) (*domain.Action, error) {
	req, err := domain.DecodeActionRequest(data)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(c.maxActionInputs); err != nil {
		return nil, err
	}

	queue := req.TargetQueue()
	now := time.Now().UTC()
	action := &domain.Action{
		ActionID:  uuid.New().String(),
		PlanID:    req.PlanID,
		Queue:     queue,
		Inputs:    req.Inputs,
		JobIDs:    make([]string, 0, len(req.Inputs)),
		CreatedAt: now,
	}

	// Propagate the submitter's trace into every job so agent spans join it.
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	var jobs []*domain.Job
	err = c.store.Update(func(tx *store.Tx) error {
		planData, ok := tx.Get(planKey(req.PlanID))
		if !ok {
			return &domain.PlanNotFoundError{PlanID: req.PlanID}
		}
		var plan domain.Plan
		if err := json.Unmarshal(planData, &plan); err != nil {
			return fmt.Errorf("decode stored plan %s: %w", req.PlanID, err)
		}

		jobs = jobs[:0]
		action.JobIDs = action.JobIDs[:0]
		for _, input := range req.Inputs {
			job := domain.NewJob(ulid.Make().String(), &plan, action.ActionID, queue, input, now)
			if len(carrier) > 0 {
				job.Trace = map[string]string(carrier)
			}
			jobData, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", job.JobID, err)
			}
			if err := tx.Set(jobKey(job.JobID), jobData); err != nil {
				return err
			}
			if _, err := tx.ListAppend(readyList(queue), []byte(job.JobID)); err != nil {
				return err
			}
			jobs = append(jobs, job)
			action.JobIDs = append(action.JobIDs, job.JobID)
		}

		actionData, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("encode action %s: %w", action.ActionID, err)
		}
		return tx.Set(actionKey(action.ActionID), actionData)
	})
	if err != nil {
		return nil, err
	}

	c.notify.wake(queue)
	telemetry.QueuedJobsEnqueued.WithLabelValues(queue).Add(float64(len(jobs)))
	for _, job := range jobs {
		c.publish(ctx, events.TypeEnqueued, job)
	}

	c.logger.Info("action submitted",
		slog.String("action_id", action.ActionID),
		slog.String("plan_id", action.PlanID),
		slog.String("queue", queue),
		slog.Int("jobs", len(jobs)),
	)
	return action, nil
}

// ActionStatus returns the stored action together with the live status of
// each of its jobs. The second return is false when the action is unknown.
func (c *Coordinator) ActionStatus(ctx context.Context, actionID string) (*domain.ActionStatus, bool, error) {
	var status *domain.ActionStatus
	err := c.store.View(func(tx *store.Tx) error {
		data, ok := tx.Get(actionKey(actionID))
		if !ok {
			return nil
		}
		var action domain.Action
		if err := json.Unmarshal(data, &action); err != nil {
			return fmt.Errorf("decode action %s: %w", actionID, err)
		}
		status = &domain.ActionStatus{
			Action:      action,
			JobStatuses: make(map[string]domain.Status, len(action.JobIDs)),
		}
		for _, jobID := range action.JobIDs {
			jobData, ok := tx.Get(jobKey(jobID))
			if !ok {
				continue
			}
			var job domain.Job
			if err := json.Unmarshal(jobData, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", jobID, err)
			}
			status.JobStatuses[jobID] = job.Status
		}
		return nil
	})
	if err != nil || status == nil {
		return nil, false, err
	}
	return status, true, nil
}

// ── queries ─────────────────────────────────────────────────────────────────

// JobStatus returns the full job record. The second return is false when the
// job is unknown.
func (c *Coordinator) JobStatus(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	var job *domain.Job
	err := c.store.View(func(tx *store.Tx) error {
		data, ok := tx.Get(jobKey(jobID))
		if !ok {
			return nil
		}
		job = &domain.Job{}
		return json.Unmarshal(data, job)
	})
	if err != nil || job == nil {
		return nil, false, err
	}
	return job, true, nil
}

// QueueStats reports the ready and processing depths of one queue.
func (c *Coordinator) QueueStats(ctx context.Context, queue string) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{Queue: queue}
	err := c.store.View(func(tx *store.Tx) error {
		stats.Ready = tx.ListLen(readyList(queue))
		stats.Processing = tx.ListLen(processingList(queue))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Queues lists the names of every queue the store has seen.
func (c *Coordinator) Queues(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var queues []string
	err := c.store.View(func(tx *store.Tx) error {
		for _, list := range tx.Lists(queueListPrefix) {
			if q, ok := queueOfProcessing(list); ok && !seen[q] {
				seen[q] = true
				queues = append(queues, q)
				continue
			}
			if q, ok := queueOfReady(list); ok && !seen[q] {
				seen[q] = true
				queues = append(queues, q)
			}
		}
		return nil
	})
	return queues, err
}

// Close flushes the event publisher and the archive. The store is owned by
// the caller and closed separately.
func (c *Coordinator) Close() error {
	err := c.pub.Close()
	c.arch.Close()
	return err
}

// publish sends one lifecycle event; failures are logged and counted but
// never surface to the operation that triggered them.
func (c *Coordinator) publish(ctx context.Context, typ string, job *domain.Job) {
	if err := c.pub.Publish(ctx, events.FromJob(typ, job)); err != nil {
		telemetry.QueuedEventPublishFailures.Inc()
		c.logger.Warn("event publish failed",
			slog.String("type", typ),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.QueuedEventsPublished.WithLabelValues(typ).Inc()
}

// archiveJob writes one terminal job to the archive; like events, archive
// failures never fail the report that produced them.
func (c *Coordinator) archiveJob(ctx context.Context, job *domain.Job) {
	if err := c.arch.ArchiveJob(ctx, job); err != nil {
		telemetry.QueuedArchiveWrites.WithLabelValues("error").Inc()
		c.logger.Warn("archive write failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.QueuedArchiveWrites.WithLabelValues("ok").Inc()
}
