package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/agenix-sh/agenix/internal/client"
	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/proto"
	"github.com/agenix-sh/agenix/pkg/retry"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

const (
	DefaultConcurrency       = 4
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultClaimWait         = 10 * time.Second

	reconnectDelay = 2 * time.Second
	reportTimeout  = 30 * time.Second
)

// Agent runs jobs for one registered worker identity. Each claim slot owns
// its own connection so blocking claims never starve each other; a separate
// control connection carries heartbeats.
type Agent struct {
	addr         string
	secret       string
	workerID     string
	queue        string
	concurrency  int
	heartbeat    time.Duration
	claimWait    time.Duration
	capabilities []string
	runner       *Runner
	logger       *slog.Logger

	jobsActive    atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64

	wg sync.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

func WithQueue(q string) AgentOption {
	return func(a *Agent) { a.queue = q }
}

func WithConcurrency(n int) AgentOption {
	return func(a *Agent) { a.concurrency = n }
}

func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(a *Agent) { a.heartbeat = d }
}

func WithClaimWait(d time.Duration) AgentOption {
	return func(a *Agent) { a.claimWait = d }
}

// WithCapabilities declares which commands this worker runs. The list is
// advertised on registration and enforced by the default runner; empty means
// unrestricted.
func WithCapabilities(caps ...string) AgentOption {
	return func(a *Agent) { a.capabilities = caps }
}

func WithRunner(r *Runner) AgentOption {
	return func(a *Agent) { a.runner = r }
}

func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// New constructs an Agent for the given coordinator address and worker
// identity.
func New(addr, secret, workerID string, opts ...AgentOption) *Agent {
	a := &Agent{
		addr:        addr,
		secret:      secret,
		workerID:    workerID,
		queue:       domain.DefaultQueue,
		concurrency: DefaultConcurrency,
		heartbeat:   DefaultHeartbeatInterval,
		claimWait:   DefaultClaimWait,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.runner == nil {
		a.runner = NewRunner(
			WithRunnerLogger(a.logger),
			WithAllowedCommands(a.capabilities...),
		)
	}
	return a
}

// Run registers the worker, starts the heartbeat and claim loops, and
// blocks until ctx is cancelled. Call Wait afterwards to drain jobs that
// were executing when the context fell.
func (a *Agent) Run(ctx context.Context) error {
	control, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.addr, err)
	}
	if err := a.register(ctx, control); err != nil {
		_ = control.Close()
		return fmt.Errorf("register worker %s: %w", a.workerID, err)
	}
	a.logger.Info("agent registered",
		slog.String("queue", a.queue),
		slog.Int("concurrency", a.concurrency),
		slog.Duration("heartbeat", a.heartbeat),
	)

	a.wg.Add(1)
	go a.heartbeatLoop(ctx, control)

	for i := 0; i < a.concurrency; i++ {
		a.wg.Add(1)
		go a.claimLoop(ctx, i)
	}

	<-ctx.Done()
	return nil
}

// Wait blocks until every loop has exited and in-flight jobs have
// reported. Call after Run returns.
func (a *Agent) Wait() { a.wg.Wait() }

func (a *Agent) dial(ctx context.Context) (*client.Client, error) {
	return client.Dial(ctx, a.addr, a.secret)
}

func (a *Agent) register(ctx context.Context, cl *client.Client) error {
	hb := int(a.heartbeat / time.Second)
	if hb < 1 {
		hb = 1
	}
	return cl.RegisterWorker(ctx, &domain.Worker{
		WorkerID:      a.workerID,
		Capabilities:  a.capabilities,
		Concurrency:   a.concurrency,
		HeartbeatSecs: hb,
	})
}

func (a *Agent) statsSnapshot() *domain.WorkerStats {
	return &domain.WorkerStats{
		JobsActive:    int(a.jobsActive.Load()),
		JobsCompleted: a.jobsCompleted.Load(),
		JobsFailed:    a.jobsFailed.Load(),
	}
}

// heartbeatLoop keeps the liveness record fresh over the control
// connection. A NOTFOUND reply means the record expired server-side; the
// cure is re-registration, not a new connection.
func (a *Agent) heartbeatLoop(ctx context.Context, cl *client.Client) {
	defer a.wg.Done()
	defer func() { _ = cl.Close() }()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := cl.Heartbeat(ctx, a.workerID, a.statsSnapshot())
		if err == nil {
			continue
		}
		telemetry.AgentHeartbeatFailures.Inc()
		a.logger.Warn("heartbeat failed", slog.String("error", err.Error()))

		if proto.IsNotFound(err) {
			if rerr := a.register(ctx, cl); rerr != nil {
				a.logger.Error("re-register failed", slog.String("error", rerr.Error()))
			}
			continue
		}
		var werr *proto.WireError
		if errors.As(err, &werr) {
			continue
		}

		// Transport trouble: replace the control connection.
		_ = cl.Close()
		fresh, derr := a.dial(ctx)
		if derr != nil {
			a.logger.Error("control reconnect failed", slog.String("error", derr.Error()))
			continue
		}
		cl = fresh
		if rerr := a.register(ctx, cl); rerr != nil {
			a.logger.Error("re-register failed", slog.String("error", rerr.Error()))
		}
	}
}

// claimLoop is one claim slot: dial, register, then claim and execute jobs
// one at a time until the context falls.
func (a *Agent) claimLoop(ctx context.Context, slot int) {
	defer a.wg.Done()
	log := a.logger.With(slog.Int("slot", slot))

	var cl *client.Client
	defer func() {
		if cl != nil {
			_ = cl.Close()
		}
	}()

	for ctx.Err() == nil {
		if cl == nil {
			fresh, err := a.dial(ctx)
			if err == nil {
				if err = a.register(ctx, fresh); err != nil {
					_ = fresh.Close()
				}
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				telemetry.AgentRetriesTotal.WithLabelValues("connect").Inc()
				log.Warn("claim connection setup failed", slog.String("error", err.Error()))
				if !sleepCtx(ctx, reconnectDelay) {
					return
				}
				continue
			}
			cl = fresh
		}

		job, err := cl.ClaimJob(ctx, a.queue, a.claimWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.AgentClaimFailures.Inc()
			log.Warn("claim failed", slog.String("error", err.Error()))
			var werr *proto.WireError
			if errors.As(err, &werr) {
				// The server answered, so the connection is fine. A lapsed
				// registration surfaces here as VALIDATION; re-registering
				// restores the claim binding.
				if rerr := a.register(ctx, cl); rerr != nil {
					_ = cl.Close()
					cl = nil
				}
			} else {
				_ = cl.Close()
				cl = nil
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		a.executeJob(cl, job, log)
	}
}

// executeJob runs a claimed job to a terminal state and reports it. The
// execution context is detached from the claim loop so shutdown drains
// running jobs instead of killing them mid-task.
func (a *Agent) executeJob(cl *client.Client, job *domain.Job, log *slog.Logger) {
	carrier := propagation.MapCarrier(job.Trace)
	jobCtx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)
	jobCtx, span := otel.Tracer("agent").Start(jobCtx, "agent.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("plan.id", job.PlanID),
		attribute.String("job.queue", job.Queue),
		attribute.String("worker.id", a.workerID),
	)

	log = log.With(
		slog.String("job_id", job.JobID),
		slog.String("plan_id", job.PlanID),
	)
	log.Info("job claimed", slog.Int("tasks", len(job.Tasks)))

	a.jobsActive.Add(1)
	telemetry.AgentJobsInFlight.Inc()
	defer func() {
		telemetry.AgentJobsInFlight.Dec()
		a.jobsActive.Add(-1)
	}()

	start := time.Now()
	results, execErr := a.runner.Run(jobCtx, job)

	rep := &domain.Report{
		JobID:    job.JobID,
		WorkerID: a.workerID,
		Results:  results,
	}
	if execErr == nil {
		rep.Status = domain.StatusCompleted
	} else {
		rep.Status = domain.StatusFailed
		rep.Error = execErr.Error()
		span.SetStatus(codes.Error, execErr.Error())
	}

	a.report(jobCtx, cl, rep, log)

	if execErr == nil {
		a.jobsCompleted.Add(1)
		log.Info("job completed",
			slog.Int("tasks", len(results)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	} else {
		a.jobsFailed.Add(1)
		log.Warn("job failed",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	telemetry.AgentJobsProcessed.WithLabelValues(job.Queue, string(rep.Status)).Inc()
}

// report delivers the terminal result, falling back to a fresh connection
// when the slot connection has gone bad. An OWNERSHIP or NOTFOUND reply
// means the sweeper already took the job back; the stale result is dropped
// rather than retried.
func (a *Agent) report(ctx context.Context, cl *client.Client, rep *domain.Report, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	err := retry.Do(rctx, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			telemetry.AgentRetriesTotal.WithLabelValues("report").Inc()
			log.Warn("report attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		err := cl.Report(rctx, rep)
		var werr *proto.WireError
		if err != nil && !errors.As(err, &werr) {
			// Transport error; the server may never have seen the report.
			fresh, derr := a.dial(rctx)
			if derr != nil {
				return err
			}
			defer func() { _ = fresh.Close() }()
			err = fresh.Report(rctx, rep)
		}
		if err == nil {
			return nil
		}
		if errors.As(err, &werr) && (werr.Code == proto.CodeOwnership || werr.Code == proto.CodeNotFound) {
			log.Warn("job no longer ours, dropping result", slog.String("code", werr.Code))
			return nil
		}
		return err
	})
	if err != nil {
		log.Error("report failed after retries", slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
