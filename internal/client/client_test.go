package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenix-sh/agenix/internal/client"
	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/proto"
)

// ── scripted server ─────────────────────────────────────────────────────────

// startServer runs a one-connection protocol server whose replies come from
// handle. handle returns false to stop serving the connection.
func startServer(t *testing.T, handle func(args [][]byte, w *proto.Writer) bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := proto.NewReader(conn)
		w := proto.NewWriter(conn)
		for {
			args, err := r.ReadCommand()
			if err != nil {
				return
			}
			keep := handle(args, w)
			if err := w.Flush(); err != nil || !keep {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// ── tests ───────────────────────────────────────────────────────────────────

func TestDialAuthenticatesFirst(t *testing.T) {
	var first string
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		if first == "" {
			first = string(args[0])
		}
		switch string(args[0]) {
		case proto.CmdAuth:
			assert.Equal(t, "s3cret", string(args[1]))
			_ = w.WriteStatus("OK")
		case proto.CmdPing:
			_ = w.WriteStatus("PONG")
		}
		return true
	})

	c, err := client.Dial(context.Background(), addr, "s3cret")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, proto.CmdAuth, first, "AUTH must be the first command on the wire")
}

func TestDialAuthFailure(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		_ = w.WriteError(proto.CodeAuth, "invalid credential")
		return false
	})

	_, err := client.Dial(context.Background(), addr, "wrong")
	require.Error(t, err)
	var werr *proto.WireError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, proto.CodeAuth, werr.Code)
}

func TestJobStatusNull(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		assert.Equal(t, proto.CmdJobStatus, string(args[0]))
		_ = w.WriteNull()
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	job, found, err := c.JobStatus(context.Background(), "nope")
	require.NoError(t, err, "absent id is not an error")
	assert.False(t, found)
	assert.Nil(t, job)
}

func TestSubmitActionDecodesReceipt(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		require.Equal(t, proto.CmdActionSubmit, string(args[0]))

		var req domain.ActionRequest
		require.NoError(t, json.Unmarshal(args[1], &req))
		assert.Equal(t, "p1", req.PlanID)

		out, _ := json.Marshal(domain.Action{
			ActionID: "a-1",
			PlanID:   req.PlanID,
			Queue:    req.TargetQueue(),
			Inputs:   req.Inputs,
			JobIDs:   []string{"j-1", "j-2"},
		})
		_ = w.WriteBulk(out)
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	a, err := c.SubmitAction(context.Background(), &domain.ActionRequest{
		PlanID: "p1",
		Inputs: []string{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a-1", a.ActionID)
	assert.Equal(t, []string{"j-1", "j-2"}, a.JobIDs)
	assert.Equal(t, domain.DefaultQueue, a.Queue)
}

func TestClaimJob(t *testing.T) {
	job := domain.Job{JobID: "j-9", PlanID: "p1", Queue: "default", Status: domain.StatusRunning}

	calls := 0
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		require.Equal(t, proto.CmdJobClaim, string(args[0]))
		assert.Equal(t, "default", string(args[1]))
		assert.Equal(t, "250", string(args[2]), "timeout is sent in milliseconds")

		calls++
		if calls == 1 {
			_ = w.WriteNull()
			return true
		}
		out, _ := json.Marshal(job)
		_ = w.WriteBulk(out)
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	got, err := c.ClaimJob(context.Background(), "default", 250*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "empty window returns nil job, nil error")

	got, err = c.ClaimJob(context.Background(), "default", 250*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j-9", got.JobID)
}

func TestReportOwnershipError(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		_ = w.WriteError(proto.CodeOwnership, "job j-1 is not owned by worker w-2")
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	err = c.Report(context.Background(), &domain.Report{
		JobID:    "j-1",
		WorkerID: "w-2",
		Status:   domain.StatusCompleted,
		Results:  []domain.TaskResult{{TaskNumber: 1}},
	})
	var werr *proto.WireError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, proto.CodeOwnership, werr.Code)
}

func TestListWorkers(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		_ = w.WriteArrayHeader(2)
		for _, id := range []string{"w-1", "w-2"} {
			out, _ := json.Marshal(domain.Worker{WorkerID: id, Concurrency: 1, HeartbeatSecs: 5})
			_ = w.WriteBulk(out)
		}
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	workers, err := c.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w-1", workers[0].WorkerID)
	assert.Equal(t, "w-2", workers[1].WorkerID)
}

func TestHeartbeatWithStats(t *testing.T) {
	addr := startServer(t, func(args [][]byte, w *proto.Writer) bool {
		require.Len(t, args, 3)
		assert.Equal(t, "w-1", string(args[1]))

		var stats domain.WorkerStats
		require.NoError(t, json.Unmarshal(args[2], &stats))
		assert.Equal(t, 3, stats.JobsActive)
		_ = w.WriteStatus("OK")
		return true
	})

	c, err := client.Dial(context.Background(), addr, "")
	require.NoError(t, err)
	defer c.Close()

	err = c.Heartbeat(context.Background(), "w-1", &domain.WorkerStats{JobsActive: 3})
	require.NoError(t, err)
}
