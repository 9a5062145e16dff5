package queued

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/proto"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

// Server speaks the wire protocol over TCP and maps commands onto a
// Coordinator. Each connection gets its own goroutine; a panic inside a
// handler takes down that connection only.
type Server struct {
	coord      *Coordinator
	secret     []byte
	logger     *slog.Logger
	maxPayload int
	maxArity   int

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithSecret enables authentication. With an empty secret the server runs
// open and AUTH is not required.
func WithSecret(secret string) ServerOption {
	return func(s *Server) { s.secret = []byte(secret) }
}

// WithFrameLimits overrides the payload and arity caps enforced on inbound
// frames.
func WithFrameLimits(maxPayload, maxArity int) ServerOption {
	return func(s *Server) {
		s.maxPayload = maxPayload
		s.maxArity = maxArity
	}
}

// NewServer builds a protocol server over coord.
func NewServer(coord *Coordinator, opts ...ServerOption) *Server {
	s := &Server{
		coord:      coord,
		logger:     slog.Default(),
		maxPayload: proto.DefaultMaxPayload,
		maxArity:   proto.DefaultMaxArity,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits for the handlers to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// session is the per-connection state: whether AUTH has succeeded and which
// worker identity, if any, WORKER.REGISTER bound to this connection.
type session struct {
	authed   bool
	workerID string
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	telemetry.QueuedConnectionsActive.Inc()
	defer telemetry.QueuedConnectionsActive.Dec()

	log := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	sess := &session{}
	r := proto.NewReader(conn, proto.WithMaxPayload(s.maxPayload), proto.WithMaxArity(s.maxArity))
	w := proto.NewWriter(conn)

	for {
		cmd, err := r.ReadCommand()
		if err != nil {
			s.replyReadError(w, log, err)
			return
		}
		if !s.dispatch(ctx, sess, w, cmd, log) {
			return
		}
	}
}

// replyReadError answers a malformed or oversized frame with a typed error
// before dropping the connection. After a framing fault the stream position
// is unreliable, so the connection is never reused.
func (s *Server) replyReadError(w *proto.Writer, log *slog.Logger, err error) {
	var sizeErr *proto.FrameSizeError
	var protoErr *proto.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
	case errors.As(err, &sizeErr):
		_ = w.WriteError(proto.CodeLimit, sizeErr.Error())
		_ = w.Flush()
	case errors.As(err, &protoErr):
		_ = w.WriteError(proto.CodeValidation, protoErr.Error())
		_ = w.Flush()
	case errors.Is(err, io.ErrUnexpectedEOF):
		log.Debug("connection dropped mid-frame")
	default:
		log.Warn("read failed", slog.String("error", err.Error()))
	}
}

// errCloseConn signals that the handler already wrote its reply and the
// connection must not be reused.
var errCloseConn = errors.New("close connection")

type unknownCommandError struct{ Name string }

func (e *unknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// dispatch runs one command and writes exactly one reply. The return is
// false when the connection must close.
func (s *Server) dispatch(ctx context.Context, sess *session, w *proto.Writer, cmd [][]byte, log *slog.Logger) bool {
	name := strings.ToUpper(string(cmd[0]))
	args := cmd[1:]
	start := time.Now()
	code := "ok"
	keep := true

	ctx, span := otel.Tracer("queued").Start(ctx, "queued."+name)

	if len(s.secret) > 0 && !sess.authed && name != proto.CmdAuth {
		code = proto.CodeAuth
		_ = w.WriteError(proto.CodeAuth, "authentication required")
	} else if err := s.handle(ctx, sess, w, name, args); err != nil {
		if errors.Is(err, errCloseConn) {
			code = proto.CodeAuth
			keep = false
		} else {
			code = wireCode(err)
			if code == proto.CodeInternal {
				log.Error("command failed",
					slog.String("command", name),
					slog.String("error", err.Error()),
				)
				_ = w.WriteError(code, "internal error")
			} else {
				_ = w.WriteError(code, err.Error())
			}
		}
	}

	if err := w.Flush(); err != nil {
		keep = false
	}

	span.SetAttributes(attribute.String("code", code))
	if code == proto.CodeInternal {
		span.SetStatus(codes.Error, code)
	}
	span.End()

	telemetry.QueuedCommandsTotal.WithLabelValues(name, code).Inc()
	telemetry.QueuedCommandDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return keep
}

func wireCode(err error) string {
	var unknown *unknownCommandError
	if errors.As(err, &unknown) {
		return proto.CodeUnknown
	}
	return proto.CodeFor(err)
}

// handle executes one command. On a nil return the success reply has been
// written; on error the caller writes the error frame.
func (s *Server) handle(ctx context.Context, sess *session, w *proto.Writer, name string, args [][]byte) error {
	switch name {
	case proto.CmdAuth:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(args[0], s.secret) != 1 {
			_ = w.WriteError(proto.CodeAuth, "bad secret")
			return errCloseConn
		}
		sess.authed = true
		return w.WriteStatus("OK")

	case proto.CmdPing:
		if err := wantArgs(args, 0, 0); err != nil {
			return err
		}
		return w.WriteStatus("PONG")

	case proto.CmdPlanSubmit:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		planID, err := s.coord.SubmitPlan(ctx, args[0])
		if err != nil {
			return err
		}
		return w.WriteBulkString(planID)

	case proto.CmdPlanGet:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		data, found, err := s.coord.GetPlan(ctx, string(args[0]))
		if err != nil {
			return err
		}
		if !found {
			return w.WriteNull()
		}
		return w.WriteBulk(data)

	case proto.CmdActionSubmit:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		action, err := s.coord.SubmitAction(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSONBulk(w, action)

	case proto.CmdActionStatus:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		status, found, err := s.coord.ActionStatus(ctx, string(args[0]))
		if err != nil {
			return err
		}
		if !found {
			return w.WriteNull()
		}
		return writeJSONBulk(w, status)

	case proto.CmdJobClaim:
		if err := wantArgs(args, 2, 2); err != nil {
			return err
		}
		waitMs, err := strconv.ParseInt(string(args[1]), 10, 64)
		if err != nil || waitMs < 0 {
			return &domain.ValidationError{Field: "wait_ms", Reason: "must be a non-negative integer"}
		}
		job, err := s.coord.ClaimJob(ctx, sess.workerID, string(args[0]), time.Duration(waitMs)*time.Millisecond)
		if err != nil {
			return err
		}
		if job == nil {
			return w.WriteNull()
		}
		return writeJSONBulk(w, job)

	case proto.CmdJobReport:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		if err := s.coord.ReportJob(ctx, args[0]); err != nil {
			return err
		}
		return w.WriteStatus("OK")

	case proto.CmdJobStatus:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		job, found, err := s.coord.JobStatus(ctx, string(args[0]))
		if err != nil {
			return err
		}
		if !found {
			return w.WriteNull()
		}
		return writeJSONBulk(w, job)

	case proto.CmdWorkerRegister:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		worker, err := s.coord.RegisterWorker(ctx, args[0])
		if err != nil {
			return err
		}
		sess.workerID = worker.WorkerID
		return w.WriteStatus("OK")

	case proto.CmdWorkerHeartbeat:
		if err := wantArgs(args, 1, 2); err != nil {
			return err
		}
		var stats []byte
		if len(args) == 2 {
			stats = args[1]
		}
		if err := s.coord.Heartbeat(ctx, string(args[0]), stats); err != nil {
			return err
		}
		return w.WriteStatus("OK")

	case proto.CmdWorkerList:
		if err := wantArgs(args, 0, 0); err != nil {
			return err
		}
		workers, err := s.coord.ListWorkers(ctx)
		if err != nil {
			return err
		}
		return writeJSONArray(w, len(workers), func(i int) any { return workers[i] })

	case proto.CmdQueueStats:
		if err := wantArgs(args, 0, 1); err != nil {
			return err
		}
		queue := domain.DefaultQueue
		if len(args) == 1 && len(args[0]) > 0 {
			queue = string(args[0])
		}
		stats, err := s.coord.QueueStats(ctx, queue)
		if err != nil {
			return err
		}
		return writeJSONBulk(w, stats)

	case proto.CmdScheduleSet:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		if _, err := s.coord.SetSchedule(ctx, args[0]); err != nil {
			return err
		}
		return w.WriteStatus("OK")

	case proto.CmdScheduleList:
		if err := wantArgs(args, 0, 0); err != nil {
			return err
		}
		schedules, err := s.coord.ListSchedules(ctx)
		if err != nil {
			return err
		}
		return writeJSONArray(w, len(schedules), func(i int) any { return schedules[i] })

	case proto.CmdScheduleDelete:
		if err := wantArgs(args, 1, 1); err != nil {
			return err
		}
		if err := s.coord.DeleteSchedule(ctx, string(args[0])); err != nil {
			return err
		}
		return w.WriteStatus("OK")

	default:
		return &unknownCommandError{Name: name}
	}
}

func wantArgs(args [][]byte, min, max int) error {
	if len(args) < min || len(args) > max {
		return &domain.ValidationError{Field: "args", Reason: "wrong number of arguments"}
	}
	return nil
}

func writeJSONBulk(w *proto.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return w.WriteBulk(data)
}

// writeJSONArray marshals every element before touching the wire, so an
// encoding failure cannot leave a half-written array frame behind.
func writeJSONArray(w *proto.Writer, n int, elem func(i int) any) error {
	encoded := make([][]byte, n)
	for i := 0; i < n; i++ {
		data, err := json.Marshal(elem(i))
		if err != nil {
			return fmt.Errorf("encode reply element: %w", err)
		}
		encoded[i] = data
	}
	if err := w.WriteArrayHeader(n); err != nil {
		return err
	}
	for _, data := range encoded {
		if err := w.WriteBulk(data); err != nil {
			return err
		}
	}
	return nil
}
