// Package agent claims jobs from queued and executes their task lists as
// local child processes.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

const (
	// DefaultMaxCapture caps each captured stream (stdout, stderr) per task.
	DefaultMaxCapture = 1 << 20
	// DefaultKillGrace is how long a timed-out process gets between SIGTERM
	// and SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// Runner executes one job's tasks in order, piping output between them.
// Commands run as direct argv spawns; there is no shell and no string
// interpolation anywhere on this path.
type Runner struct {
	maxCapture int
	killGrace  time.Duration
	allowed    map[string]bool
	logger     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithMaxCapture(n int) RunnerOption {
	return func(r *Runner) { r.maxCapture = n }
}

func WithKillGrace(d time.Duration) RunnerOption {
	return func(r *Runner) { r.killGrace = d }
}

// WithAllowedCommands restricts which commands the runner will spawn; tasks
// naming anything else fail before the spawn. An empty list allows every
// command.
func WithAllowedCommands(commands ...string) RunnerOption {
	return func(r *Runner) {
		if len(commands) == 0 {
			return
		}
		r.allowed = make(map[string]bool, len(commands))
		for _, c := range commands {
			r.allowed[c] = true
		}
	}
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner constructs a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		maxCapture: DefaultMaxCapture,
		killGrace:  DefaultKillGrace,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the job's tasks strictly in order and returns the
// accumulated per-task results. The first task that exits non-zero, times
// out, or fails to spawn stops the job; results up to and including the
// failing task are still returned, with the error describing it. A nil
// error means every task exited zero.
func (r *Runner) Run(ctx context.Context, job *domain.Job) ([]domain.TaskResult, error) {
	results := make([]domain.TaskResult, 0, len(job.Tasks))
	for i := range job.Tasks {
		t := &job.Tasks[i]
		res := r.runTask(ctx, job, t, results)
		results = append(results, res)
		if res.Error != "" {
			return results, fmt.Errorf("task %d (%s): %s", t.TaskNumber, t.Command, res.Error)
		}
	}
	return results, nil
}

// runTask spawns one task process and waits for it. Stdin is the captured
// stdout of input_from_task when set, otherwise the job input.
func (r *Runner) runTask(ctx context.Context, job *domain.Job, t *domain.Task, prior []domain.TaskResult) domain.TaskResult {
	ctx, span := otel.Tracer("agent").Start(ctx, "agent.task")
	defer span.End()
	span.SetAttributes(
		attribute.Int("task.number", t.TaskNumber),
		attribute.String("task.command", t.Command),
	)

	if r.allowed != nil && !r.allowed[t.Command] {
		res := domain.TaskResult{
			TaskNumber: t.TaskNumber,
			ExitCode:   -1,
			Error:      fmt.Sprintf("command %q not in this worker's capabilities", t.Command),
		}
		telemetry.AgentTasksExecuted.WithLabelValues("denied").Inc()
		span.SetStatus(codes.Error, res.Error)
		r.logger.Warn("task denied",
			slog.String("job_id", job.JobID),
			slog.Int("task_number", t.TaskNumber),
			slog.String("command", t.Command),
		)
		return res
	}

	input := job.Input
	if t.InputFromTask > 0 {
		input = prior[t.InputFromTask-1].Stdout
	}

	tctx := ctx
	if t.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSecs)*time.Second)
		defer cancel()
	}

	stdout := &capBuffer{max: r.maxCapture}
	stderr := &capBuffer{max: r.maxCapture}

	cmd := exec.CommandContext(tctx, t.Command, t.Args...)
	cmd.Stdin = strings.NewReader(input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := domain.TaskResult{
		TaskNumber: t.TaskNumber,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
		Truncated:  stdout.truncated || stderr.truncated,
	}

	// A killed process also surfaces as an ExitError, so the timeout check
	// comes first.
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = exitCode(cmd)
		res.Error = fmt.Sprintf("timed out after %ds", t.TimeoutSecs)
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Error = runErr.Error()
	default:
		res.ExitCode = -1
		res.Error = runErr.Error()
	}

	telemetry.AgentTaskDurationSeconds.WithLabelValues(job.Queue).Observe(elapsed.Seconds())
	telemetry.AgentTasksExecuted.WithLabelValues(resultLabel(&res)).Inc()
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
		r.logger.Warn("task failed",
			slog.String("job_id", job.JobID),
			slog.Int("task_number", t.TaskNumber),
			slog.String("command", t.Command),
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
			slog.String("error", res.Error),
		)
	} else {
		r.logger.Debug("task completed",
			slog.String("job_id", job.JobID),
			slog.Int("task_number", t.TaskNumber),
			slog.String("command", t.Command),
			slog.Int64("duration_ms", res.DurationMs),
		)
	}
	return res
}

func resultLabel(res *domain.TaskResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode == -1 && res.Error != "":
		return "spawn_error"
	case res.Error != "":
		return "exit_error"
	default:
		return "ok"
	}
}

// exitCode reads the exit status after Wait. Processes that died to a
// signal report -1.
func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// capBuffer keeps the first max bytes written and discards the rest,
// remembering that it did. Write never errors so the child is not killed
// by a full pipe.
type capBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room >= len(p) {
		b.buf.Write(p)
	} else {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
	}
	return len(p), nil
}

func (b *capBuffer) String() string { return b.buf.String() }
