package queued

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// AdminRouter builds the read-only HTTP surface: liveness probes plus JSON
// views of jobs, actions, plans, workers, queues and schedules. All writes
// go through the wire protocol; nothing here mutates state.
func AdminRouter(coord *Coordinator, logger *slog.Logger) http.Handler {
	a := &admin{coord: coord, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))
	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs/{id}", a.getJob)
		r.Get("/actions/{id}", a.getAction)
		r.Get("/plans/{id}", a.getPlan)
		r.Get("/workers", a.listWorkers)
		r.Get("/queues", a.listQueues)
		r.Get("/queues/{name}", a.getQueue)
		r.Get("/schedules", a.listSchedules)
	})
	return r
}

type admin struct {
	coord  *Coordinator
	logger *slog.Logger
}

func (a *admin) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *admin) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := a.coord.Queues(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *admin) getJob(w http.ResponseWriter, r *http.Request) {
	job, found, err := a.coord.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internal(w, "get job", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *admin) getAction(w http.ResponseWriter, r *http.Request) {
	status, found, err := a.coord.ActionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internal(w, "get action", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *admin) getPlan(w http.ResponseWriter, r *http.Request) {
	// Plans are stored in their canonical encoding; serve the bytes as-is.
	data, found, err := a.coord.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internal(w, "get plan", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *admin) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.coord.ListWorkers(r.Context())
	if err != nil {
		a.internal(w, "list workers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (a *admin) listQueues(w http.ResponseWriter, r *http.Request) {
	names, err := a.coord.Queues(r.Context())
	if err != nil {
		a.internal(w, "list queues", err)
		return
	}
	queues := make([]any, 0, len(names))
	for _, name := range names {
		stats, err := a.coord.QueueStats(r.Context(), name)
		if err != nil {
			a.internal(w, "queue stats", err)
			return
		}
		queues = append(queues, stats)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (a *admin) getQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := a.coord.QueueStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.internal(w, "queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *admin) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.coord.ListSchedules(r.Context())
	if err != nil {
		a.internal(w, "list schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (a *admin) internal(w http.ResponseWriter, op string, err error) {
	a.logger.Error(op, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
