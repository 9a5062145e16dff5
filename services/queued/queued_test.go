package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/events"
	"github.com/agenix-sh/agenix/internal/store"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}
func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []*domain.Job
	err  error
}

func (a *fakeArchiver) ArchiveJob(_ context.Context, job *domain.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.jobs = append(a.jobs, job)
	return nil
}
func (a *fakeArchiver) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return nil, &domain.JobNotFoundError{JobID: jobID}
}
func (a *fakeArchiver) ListByStatus(context.Context, domain.Status, int) ([]*domain.Job, error) {
	return nil, nil
}
func (a *fakeArchiver) Close() {}

func (a *fakeArchiver) archived() []*domain.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.Job(nil), a.jobs...)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type coordFixture struct {
	coord *Coordinator
	store *store.Store
	pub   *fakePublisher
	arch  *fakeArchiver
}

func newFixture(t *testing.T, opts ...Option) *coordFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queued.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub := &fakePublisher{}
	arch := &fakeArchiver{}
	all := append([]Option{
		WithLogger(slog.Default()),
		WithPublisher(pub),
		WithArchiver(arch),
	}, opts...)
	return &coordFixture{
		coord: NewCoordinator(st, all...),
		store: st,
		pub:   pub,
		arch:  arch,
	}
}

func planJSON(planID string, tasks ...string) []byte {
	type task struct {
		TaskNumber int    `json:"task_number"`
		Command    string `json:"command"`
	}
	var ts []task
	for i, cmd := range tasks {
		ts = append(ts, task{TaskNumber: i + 1, Command: cmd})
	}
	data, _ := json.Marshal(map[string]any{"plan_id": planID, "tasks": ts})
	return data
}

func actionJSON(planID string, inputs []string, queue string) []byte {
	req := map[string]any{"plan_id": planID, "inputs": inputs}
	if queue != "" {
		req["queue"] = queue
	}
	data, _ := json.Marshal(req)
	return data
}

func workerJSON(workerID string) []byte {
	data, _ := json.Marshal(map[string]any{"worker_id": workerID, "heartbeat_secs": 10})
	return data
}

func reportJSON(jobID, workerID string, status domain.Status) []byte {
	data, _ := json.Marshal(map[string]any{
		"job_id":    jobID,
		"worker_id": workerID,
		"status":    status,
		"results": []map[string]any{
			{"task_number": 1, "exit_code": 0, "stdout": "out", "stderr": ""},
		},
	})
	return data
}

// register binds a worker and returns its id.
func (f *coordFixture) register(t *testing.T, workerID string) string {
	t.Helper()
	_, err := f.coord.RegisterWorker(context.Background(), workerJSON(workerID))
	require.NoError(t, err)
	return workerID
}

// expireWorker rewinds the worker's liveness window so the next sweep
// collects it.
func (f *coordFixture) expireWorker(t *testing.T, workerID string) {
	t.Helper()
	err := f.store.Update(func(tx *store.Tx) error {
		ok, err := tx.Touch(workerKey(workerID), time.Now().Add(-time.Second))
		if err == nil && !ok {
			return fmt.Errorf("worker %s not found", workerID)
		}
		return err
	})
	require.NoError(t, err)
}

// ── plans ────────────────────────────────────────────────────────────────────

func TestSubmitPlanStoresCanonicalForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, err := f.coord.SubmitPlan(ctx, planJSON("etl.daily", "extract", "load"))
	require.NoError(t, err)
	assert.Equal(t, "etl.daily", planID)

	data, found, err := f.coord.GetPlan(ctx, "etl.daily")
	require.NoError(t, err)
	require.True(t, found)

	var plan domain.Plan
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Len(t, plan.Tasks, 2)
	assert.Equal(t, "extract", plan.Tasks[0].Command)
}

func TestSubmitPlanRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	_, err = f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	var exists *domain.PlanExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "p1", exists.PlanID)
}

func TestGetPlanUnknown(t *testing.T) {
	f := newFixture(t)

	_, found, err := f.coord.GetPlan(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

// ── actions ──────────────────────────────────────────────────────────────────

func TestSubmitActionFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	action, err := f.coord.SubmitAction(ctx, actionJSON("p1", []string{"a", "b", "c"}, ""))
	require.NoError(t, err)
	require.Len(t, action.JobIDs, 3)
	assert.Equal(t, domain.DefaultQueue, action.Queue)
	assert.NotEmpty(t, action.ActionID)

	// One pending job per input, in input order.
	for i, jobID := range action.JobIDs {
		job, found, err := f.coord.JobStatus(ctx, jobID)
		require.NoError(t, err)
		require.True(t, found, "job %s", jobID)
		assert.Equal(t, domain.StatusPending, job.Status)
		assert.Equal(t, action.Inputs[i], job.Input)
		assert.Equal(t, "p1", job.PlanID)
		assert.Equal(t, action.ActionID, job.ActionID)
	}

	stats, err := f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Ready)
	assert.Equal(t, 0, stats.Processing)

	assert.Len(t, f.pub.ofType(events.TypeEnqueued), 3)

	status, found, err := f.coord.ActionStatus(ctx, action.ActionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, status.JobStatuses, 3)
	for _, st := range status.JobStatuses {
		assert.Equal(t, domain.StatusPending, st)
	}
}

func TestSubmitActionUnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.SubmitAction(context.Background(), actionJSON("ghost", []string{"x"}, ""))
	var notFound *domain.PlanNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSubmitActionInputCap(t *testing.T) {
	f := newFixture(t, WithMaxActionInputs(2))
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"a", "b", "c"}, ""))
	var limit *domain.LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 2, limit.Limit)
}

func TestActionsOnNamedQueueStayIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"a"}, "gpu"))
	require.NoError(t, err)

	def, err := f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, def.Ready)

	gpu, err := f.coord.QueueStats(ctx, "gpu")
	require.NoError(t, err)
	assert.Equal(t, 1, gpu.Ready)

	queues, err := f.coord.Queues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, "gpu")
}

// ── claiming ─────────────────────────────────────────────────────────────────

func TestClaimOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	action, err := f.coord.SubmitAction(ctx, actionJSON("p1", []string{"first", "second"}, ""))
	require.NoError(t, err)

	f.register(t, "w1")

	job1, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, action.JobIDs[0], job1.JobID)
	assert.Equal(t, domain.StatusRunning, job1.Status)
	assert.Equal(t, "w1", job1.WorkerID)
	require.NotNil(t, job1.StartedAt)

	job2, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, action.JobIDs[1], job2.JobID)

	empty, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)
	assert.Nil(t, empty, "drained queue yields nil, not an error")

	stats, err := f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 2, stats.Processing)
}

func TestClaimRequiresRegisteredWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ClaimJob(ctx, "", "", 0)
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = f.coord.ClaimJob(ctx, "ghost", "", 0)
	var notFound *domain.WorkerNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestClaimBlocksUntilWorkArrives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	f.register(t, "w1")

	type claimResult struct {
		job *domain.Job
		err error
	}
	done := make(chan claimResult, 1)
	go func() {
		job, err := f.coord.ClaimJob(ctx, "w1", "", 5*time.Second)
		done <- claimResult{job, err}
	}()

	time.Sleep(100 * time.Millisecond)
	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"x"}, ""))
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.job)
		assert.Equal(t, "x", res.job.Input)
	case <-time.After(3 * time.Second):
		t.Fatal("claim did not wake after submit")
	}
}

func TestClaimTimesOutEmpty(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")

	start := time.Now()
	job, err := f.coord.ClaimJob(context.Background(), "w1", "", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestConcurrentClaimsDeliverEachJobOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const jobs = 20
	const claimants = 4

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	inputs := make([]string, jobs)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("input-%d", i)
	}
	action, err := f.coord.SubmitAction(ctx, actionJSON("p1", inputs, ""))
	require.NoError(t, err)

	claimed := make(chan string, jobs*2)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		workerID := f.register(t, fmt.Sprintf("w%d", i))
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := f.coord.ClaimJob(ctx, workerID, "", 0)
				if err != nil || job == nil {
					return
				}
				claimed <- job.JobID
			}
		}(workerID)
	}
	wg.Wait()
	close(claimed)

	var got []string
	for id := range claimed {
		got = append(got, id)
	}
	require.Len(t, got, jobs, "every job claimed exactly once")

	sort.Strings(got)
	want := append([]string(nil), action.JobIDs...)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

// ── reporting ────────────────────────────────────────────────────────────────

func TestReportCompletesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"x"}, ""))
	require.NoError(t, err)
	f.register(t, "w1")

	job, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, f.coord.ReportJob(ctx, reportJSON(job.JobID, "w1", domain.StatusCompleted)))

	got, found, err := f.coord.JobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "out", got.Results[0].Stdout)

	stats, err := f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processing)

	assert.Len(t, f.pub.ofType(events.TypeCompleted), 1)
	require.Len(t, f.arch.archived(), 1)
	assert.Equal(t, job.JobID, f.arch.archived()[0].JobID)
}

func TestReportDuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"x"}, ""))
	require.NoError(t, err)
	f.register(t, "w1")

	job, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)

	report := reportJSON(job.JobID, "w1", domain.StatusCompleted)
	require.NoError(t, f.coord.ReportJob(ctx, report))
	require.NoError(t, f.coord.ReportJob(ctx, report), "retried delivery is accepted")

	assert.Len(t, f.pub.ofType(events.TypeCompleted), 1, "no second terminal event")
	assert.Len(t, f.arch.archived(), 1, "no second archive write")
}

func TestReportOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"x"}, ""))
	require.NoError(t, err)
	f.register(t, "w1")
	f.register(t, "w2")

	job, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)

	err = f.coord.ReportJob(ctx, reportJSON(job.JobID, "w2", domain.StatusCompleted))
	var ownership *domain.OwnershipError
	require.ErrorAs(t, err, &ownership)
	assert.Equal(t, "w2", ownership.WorkerID)

	// The job is untouched by the rejected report.
	got, _, err := f.coord.JobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestReportUnknownJob(t *testing.T) {
	f := newFixture(t)

	err := f.coord.ReportJob(context.Background(), reportJSON("01JUNKJUNKJUNKJUNKJUNKJUNK", "w1", domain.StatusFailed))
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReportFailedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SubmitAction(ctx, actionJSON("p1", []string{"x"}, ""))
	require.NoError(t, err)
	f.register(t, "w1")

	job, err := f.coord.ClaimJob(ctx, "w1", "", 0)
	require.NoError(t, err)

	data, _ := json.Marshal(map[string]any{
		"job_id":    job.JobID,
		"worker_id": "w1",
		"status":    domain.StatusFailed,
		"error":     "task 1 exited 2",
		"results": []map[string]any{
			{"task_number": 1, "exit_code": 2, "stdout": "", "stderr": "boom"},
		},
	})
	require.NoError(t, f.coord.ReportJob(ctx, data))

	got, _, err := f.coord.JobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "task 1 exited 2", got.Error)
	assert.Len(t, f.pub.ofType(events.TypeFailed), 1)
}
