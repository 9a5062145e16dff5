package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/services/queued"
)

const coordSecret = "s3cret"

// startCoordinator runs a real queued server on a loopback listener so the
// agent is exercised end to end over the wire.
func startCoordinator(t *testing.T) (string, *queued.Coordinator) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queued.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	coord := queued.NewCoordinator(st, queued.WithLogger(slog.Default()))
	srv := queued.NewServer(coord,
		queued.WithServerLogger(slog.Default()),
		queued.WithSecret(coordSecret),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), coord
}

func startAgent(t *testing.T, addr, workerID string, opts ...AgentOption) *Agent {
	t.Helper()
	a := New(addr, coordSecret, workerID, append([]AgentOption{
		WithAgentLogger(slog.Default()),
		WithHeartbeatInterval(500 * time.Millisecond),
		WithClaimWait(500 * time.Millisecond),
	}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		a.Wait()
		require.NoError(t, <-runErr)
	})
	return a
}

func submitPlan(t *testing.T, coord *queued.Coordinator, planJSON string) {
	t.Helper()
	_, err := coord.SubmitPlan(context.Background(), []byte(planJSON))
	require.NoError(t, err)
}

func submitAction(t *testing.T, coord *queued.Coordinator, actionJSON string) *domain.Action {
	t.Helper()
	action, err := coord.SubmitAction(context.Background(), []byte(actionJSON))
	require.NoError(t, err)
	return action
}

func waitTerminal(t *testing.T, coord *queued.Coordinator, jobID string) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, found, err := coord.JobStatus(context.Background(), jobID)
		if err != nil || !found {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 25*time.Millisecond, "job %s never reached a terminal status", jobID)
	return job
}

func TestAgentExecutesClaimedJobs(t *testing.T) {
	addr, coord := startCoordinator(t)
	startAgent(t, addr, "agent-test-1", WithConcurrency(2))

	submitPlan(t, coord, `{
		"plan_id": "upper",
		"tasks": [{"task_number": 1, "command": "tr", "args": ["a-z", "A-Z"]}]
	}`)
	action := submitAction(t, coord, `{"plan_id": "upper", "inputs": ["alpha", "beta", "gamma"]}`)
	require.Len(t, action.JobIDs, 3)

	want := map[string]string{"alpha": "ALPHA", "beta": "BETA", "gamma": "GAMMA"}
	for _, id := range action.JobIDs {
		job := waitTerminal(t, coord, id)
		assert.Equal(t, domain.StatusCompleted, job.Status)
		assert.Equal(t, "agent-test-1", job.WorkerID)
		require.Len(t, job.Results, 1)
		assert.Equal(t, want[job.Input], job.Results[0].Stdout)
		assert.Equal(t, 0, job.Results[0].ExitCode)
	}
}

func TestAgentPipesTaskOutput(t *testing.T) {
	addr, coord := startCoordinator(t)
	startAgent(t, addr, "agent-test-2")

	submitPlan(t, coord, `{
		"plan_id": "dedupe",
		"tasks": [
			{"task_number": 1, "command": "sort", "args": ["-r"]},
			{"task_number": 2, "command": "uniq", "input_from_task": 1}
		]
	}`)
	action := submitAction(t, coord,
		`{"plan_id": "dedupe", "inputs": ["apple\nbanana\napple\ncherry\nbanana\n"]}`)
	require.Len(t, action.JobIDs, 1)

	job := waitTerminal(t, coord, action.JobIDs[0])
	assert.Equal(t, domain.StatusCompleted, job.Status)
	require.Len(t, job.Results, 2)
	assert.Equal(t, "cherry\nbanana\napple\n", job.Results[1].Stdout)
}

func TestAgentReportsFailedJob(t *testing.T) {
	addr, coord := startCoordinator(t)
	startAgent(t, addr, "agent-test-3")

	submitPlan(t, coord, `{
		"plan_id": "doomed",
		"tasks": [
			{"task_number": 1, "command": "false"},
			{"task_number": 2, "command": "echo", "args": ["unreachable"]}
		]
	}`)
	action := submitAction(t, coord, `{"plan_id": "doomed", "inputs": ["x"]}`)

	job := waitTerminal(t, coord, action.JobIDs[0])
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "task 1")
	require.Len(t, job.Results, 1, "fail-fast must stop after the first failure")
	assert.Equal(t, 1, job.Results[0].ExitCode)
}

func TestAgentHeartbeatsRefreshLiveness(t *testing.T) {
	addr, coord := startCoordinator(t)
	startAgent(t, addr, "agent-test-4")

	ctx := context.Background()
	var registeredAt time.Time
	require.Eventually(t, func() bool {
		workers, err := coord.ListWorkers(ctx)
		if err != nil || len(workers) == 0 {
			return false
		}
		registeredAt = workers[0].RegisteredAt
		return true
	}, 5*time.Second, 25*time.Millisecond)

	require.Eventually(t, func() bool {
		workers, err := coord.ListWorkers(ctx)
		if err != nil || len(workers) == 0 {
			return false
		}
		return workers[0].LastSeenAt.After(registeredAt)
	}, 5*time.Second, 50*time.Millisecond, "heartbeat never advanced last_seen_at")
}

func TestAgentProcessesJobsAcrossSlots(t *testing.T) {
	addr, coord := startCoordinator(t)
	startAgent(t, addr, "agent-test-5", WithConcurrency(4))

	submitPlan(t, coord, `{
		"plan_id": "echoes",
		"tasks": [{"task_number": 1, "command": "cat"}]
	}`)

	inputs := make([]string, 12)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("payload-%d", i)
	}
	reqJSON, err := json.Marshal(map[string]any{"plan_id": "echoes", "inputs": inputs})
	require.NoError(t, err)
	action := submitAction(t, coord, string(reqJSON))
	require.Len(t, action.JobIDs, 12)

	for _, id := range action.JobIDs {
		job := waitTerminal(t, coord, id)
		assert.Equal(t, domain.StatusCompleted, job.Status)
		require.Len(t, job.Results, 1)
		assert.Equal(t, job.Input, job.Results[0].Stdout)
	}
}
