// Package client is the Go client for the coordinator's wire protocol. One
// Client owns one connection; calls are safe for concurrent use and are
// serialized onto the stream, each as a command/reply round trip.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/proto"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultOpTimeout   = 10 * time.Second

	// claimMargin pads the connection deadline past the server-side block
	// window so a claim timing out on the server still gets its null reply.
	claimMargin = 5 * time.Second
)

// Client is a connection to the coordinator.
type Client struct {
	conn net.Conn
	r    *proto.Reader
	w    *proto.Writer

	opTimeout time.Duration

	// reqCh serializes round trips without holding a lock across I/O.
	reqCh chan struct{}
}

type config struct {
	dialTimeout time.Duration
	opTimeout   time.Duration
	maxPayload  int
}

// Option configures Dial.
type Option func(*config)

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithTimeout bounds each command round trip that has no context deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.opTimeout = d
	}
}

// WithMaxPayload overrides the reply payload cap.
func WithMaxPayload(n int) Option {
	return func(c *config) {
		c.maxPayload = n
	}
}

// Dial connects and, when secret is non-empty, authenticates before
// returning. An authentication failure closes the connection and returns
// the server's typed error.
func Dial(ctx context.Context, addr, secret string, opts ...Option) (*Client, error) {
	cfg := config{
		dialTimeout: defaultDialTimeout,
		opTimeout:   defaultOpTimeout,
		maxPayload:  proto.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := net.Dialer{Timeout: cfg.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{
		conn:      conn,
		r:         proto.NewReader(conn, proto.WithMaxPayload(cfg.maxPayload)),
		w:         proto.NewWriter(conn),
		opTimeout: cfg.opTimeout,
		reqCh:     make(chan struct{}, 1),
	}
	if secret != "" {
		if err := c.Auth(ctx, secret); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close closes the connection. In-flight calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(ctx context.Context, name string, args ...[]byte) (*proto.Reply, error) {
	select {
	case c.reqCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.reqCh }()

	deadline := time.Now().Add(c.opTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := c.w.WriteCommand(name, args...); err != nil {
		return nil, fmt.Errorf("%s: write: %w", name, err)
	}
	rep, err := c.r.ReadReply()
	if err != nil {
		return nil, fmt.Errorf("%s: read reply: %w", name, err)
	}
	if rep.Kind == proto.KindError {
		return nil, rep.Err
	}
	return rep, nil
}

func (c *Client) doStatus(ctx context.Context, name string, args ...[]byte) error {
	rep, err := c.do(ctx, name, args...)
	if err != nil {
		return err
	}
	if rep.Kind != proto.KindStatus {
		return fmt.Errorf("%s: unexpected reply kind %d", name, rep.Kind)
	}
	return nil
}

// Auth authenticates the connection.
func (c *Client) Auth(ctx context.Context, secret string) error {
	return c.doStatus(ctx, proto.CmdAuth, []byte(secret))
}

// Ping checks the connection end to end.
func (c *Client) Ping(ctx context.Context) error {
	rep, err := c.do(ctx, proto.CmdPing)
	if err != nil {
		return err
	}
	if rep.Kind != proto.KindStatus || rep.Status != "PONG" {
		return fmt.Errorf("ping: unexpected reply")
	}
	return nil
}

// SubmitPlan validates, stores, and returns the plan's ID.
func (c *Client) SubmitPlan(ctx context.Context, p *domain.Plan) (string, error) {
	data, err := p.Encode()
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	rep, err := c.do(ctx, proto.CmdPlanSubmit, data)
	if err != nil {
		return "", err
	}
	if rep.Kind != proto.KindBulk {
		return "", fmt.Errorf("plan.submit: unexpected reply kind %d", rep.Kind)
	}
	return string(rep.Bulk), nil
}

// GetPlan fetches a stored plan. The second return is false when the plan
// does not exist.
func (c *Client) GetPlan(ctx context.Context, planID string) (*domain.Plan, bool, error) {
	rep, err := c.do(ctx, proto.CmdPlanGet, []byte(planID))
	if err != nil {
		return nil, false, err
	}
	if rep.IsNull() {
		return nil, false, nil
	}
	var p domain.Plan
	if err := json.Unmarshal(rep.Bulk, &p); err != nil {
		return nil, false, fmt.Errorf("decode plan: %w", err)
	}
	return &p, true, nil
}

// GetPlanRaw fetches the stored plan bytes exactly as the coordinator keeps
// them.
func (c *Client) GetPlanRaw(ctx context.Context, planID string) ([]byte, bool, error) {
	rep, err := c.do(ctx, proto.CmdPlanGet, []byte(planID))
	if err != nil {
		return nil, false, err
	}
	if rep.IsNull() {
		return nil, false, nil
	}
	return rep.Bulk, true, nil
}

// SubmitAction fans the request out into jobs and returns the stored action
// record, job IDs included.
func (c *Client) SubmitAction(ctx context.Context, req *domain.ActionRequest) (*domain.Action, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	rep, err := c.do(ctx, proto.CmdActionSubmit, data)
	if err != nil {
		return nil, err
	}
	var a domain.Action
	if err := json.Unmarshal(rep.Bulk, &a); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &a, nil
}

// JobStatus fetches a job's current state. The second return is false when
// the job does not exist.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	rep, err := c.do(ctx, proto.CmdJobStatus, []byte(jobID))
	if err != nil {
		return nil, false, err
	}
	if rep.IsNull() {
		return nil, false, nil
	}
	var j domain.Job
	if err := json.Unmarshal(rep.Bulk, &j); err != nil {
		return nil, false, fmt.Errorf("decode job: %w", err)
	}
	return &j, true, nil
}

// ActionStatus fetches an action with its per-job statuses. The second
// return is false when the action does not exist.
func (c *Client) ActionStatus(ctx context.Context, actionID string) (*domain.ActionStatus, bool, error) {
	rep, err := c.do(ctx, proto.CmdActionStatus, []byte(actionID))
	if err != nil {
		return nil, false, err
	}
	if rep.IsNull() {
		return nil, false, nil
	}
	var st domain.ActionStatus
	if err := json.Unmarshal(rep.Bulk, &st); err != nil {
		return nil, false, fmt.Errorf("decode action status: %w", err)
	}
	return &st, true, nil
}

// RegisterWorker creates or refreshes this worker's liveness record. The
// connection it runs on becomes bound to the worker identity for claims.
func (c *Client) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker: %w", err)
	}
	return c.doStatus(ctx, proto.CmdWorkerRegister, data)
}

// Heartbeat refreshes the worker's liveness TTL, optionally attaching a
// stats snapshot.
func (c *Client) Heartbeat(ctx context.Context, workerID string, stats *domain.WorkerStats) error {
	if stats == nil {
		return c.doStatus(ctx, proto.CmdWorkerHeartbeat, []byte(workerID))
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return c.doStatus(ctx, proto.CmdWorkerHeartbeat, []byte(workerID), data)
}

// ClaimJob blocks up to timeout for a job on the named queue. A nil job
// with nil error means the window elapsed with nothing to claim.
func (c *Client) ClaimJob(ctx context.Context, queue string, timeout time.Duration) (*domain.Job, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+claimMargin)
		defer cancel()
	}
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)
	rep, err := c.do(ctx, proto.CmdJobClaim, []byte(queue), []byte(ms))
	if err != nil {
		return nil, err
	}
	if rep.IsNull() {
		return nil, nil
	}
	var j domain.Job
	if err := json.Unmarshal(rep.Bulk, &j); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	return &j, nil
}

// Report delivers a job's terminal result. Only the owning worker's report
// is accepted.
func (c *Client) Report(ctx context.Context, r *domain.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return c.doStatus(ctx, proto.CmdJobReport, data)
}

// ListWorkers returns every live worker record.
func (c *Client) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rep, err := c.do(ctx, proto.CmdWorkerList)
	if err != nil {
		return nil, err
	}
	workers := make([]*domain.Worker, 0, len(rep.Array))
	for _, item := range rep.Array {
		var w domain.Worker
		if err := json.Unmarshal(item.Bulk, &w); err != nil {
			return nil, fmt.Errorf("decode worker: %w", err)
		}
		workers = append(workers, &w)
	}
	return workers, nil
}

// QueueStats reports the ready and processing depths of a queue.
func (c *Client) QueueStats(ctx context.Context, queue string) (*domain.QueueStats, error) {
	rep, err := c.do(ctx, proto.CmdQueueStats, []byte(queue))
	if err != nil {
		return nil, err
	}
	var qs domain.QueueStats
	if err := json.Unmarshal(rep.Bulk, &qs); err != nil {
		return nil, fmt.Errorf("decode queue stats: %w", err)
	}
	return &qs, nil
}

// SetSchedule creates or replaces a named recurring action.
func (c *Client) SetSchedule(ctx context.Context, s *domain.Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	return c.doStatus(ctx, proto.CmdScheduleSet, data)
}

// ListSchedules returns every stored schedule.
func (c *Client) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rep, err := c.do(ctx, proto.CmdScheduleList)
	if err != nil {
		return nil, err
	}
	schedules := make([]*domain.Schedule, 0, len(rep.Array))
	for _, item := range rep.Array {
		var s domain.Schedule
		if err := json.Unmarshal(item.Bulk, &s); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		schedules = append(schedules, &s)
	}
	return schedules, nil
}

// DeleteSchedule removes a named schedule.
func (c *Client) DeleteSchedule(ctx context.Context, name string) error {
	return c.doStatus(ctx, proto.CmdScheduleDelete, []byte(name))
}
