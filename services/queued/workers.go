package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/events"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

// RegisterWorker stores a worker record and opens its liveness window.
// Re-registering an existing worker id replaces the record and restarts the
// window, which is how an agent recovers after its record was swept.
func (c *Coordinator) RegisterWorker(ctx context.Context, data []byte) (*domain.Worker, error) {
	w, err := domain.DecodeWorker(data)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	w.RegisteredAt = now
	w.LastSeenAt = now

	encoded, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode worker %s: %w", w.WorkerID, err)
	}
	err = c.store.Update(func(tx *store.Tx) error {
		return tx.SetWithTTL(workerKey(w.WorkerID), encoded, now.Add(w.TTL()))
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("worker registered",
		slog.String("worker_id", w.WorkerID),
		slog.Int("concurrency", w.Concurrency),
		slog.Int("heartbeat_secs", w.HeartbeatSecs),
		slog.Any("capabilities", w.Capabilities),
	)
	return w, nil
}

// Heartbeat refreshes a worker's liveness window and merges reported stats.
// Heartbeats never register implicitly: an unknown worker id is rejected so
// the agent re-registers with its full record.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID string, statsData []byte) error {
	var stats *domain.WorkerStats
	if len(statsData) > 0 {
		s, err := domain.DecodeWorkerStats(statsData)
		if err != nil {
			return err
		}
		stats = s
	}

	now := time.Now().UTC()
	return c.store.Update(func(tx *store.Tx) error {
		data, ok := tx.Get(workerKey(workerID))
		if !ok {
			return &domain.WorkerNotFoundError{WorkerID: workerID}
		}
		var w domain.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode worker %s: %w", workerID, err)
		}
		w.LastSeenAt = now
		if stats != nil {
			w.Stats = stats
		}
		encoded, err := json.Marshal(&w)
		if err != nil {
			return fmt.Errorf("encode worker %s: %w", workerID, err)
		}
		return tx.SetWithTTL(workerKey(workerID), encoded, now.Add(w.TTL()))
	})
}

// ListWorkers returns every live worker. A record whose liveness window has
// passed is omitted even before the sweeper has collected it.
func (c *Coordinator) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	now := time.Now()
	var workers []*domain.Worker
	err := c.store.View(func(tx *store.Tx) error {
		for _, key := range tx.Keys(workerPrefix) {
			if exp, ok := tx.ExpiresAt(key); ok && !exp.After(now) {
				continue
			}
			data, ok := tx.Get(key)
			if !ok {
				continue
			}
			var w domain.Worker
			if err := json.Unmarshal(data, &w); err != nil {
				return fmt.Errorf("decode worker record %s: %w", key, err)
			}
			workers = append(workers, &w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// ── liveness ────────────────────────────────────────────────────────────────

// RunSweeper collects expired worker records on a fixed interval and rescues
// the jobs they were holding. Blocks until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass: every expired worker record is removed and
// each job it held is either requeued or, past the requeue limit, marked
// dead. The whole pass is one transaction, so a crash mid-sweep leaves
// every worker either fully collected or untouched.
func (c *Coordinator) Sweep(ctx context.Context) {
	var requeued, dead []*domain.Job
	expired, err := c.store.SweepExpired(time.Now(), func(tx *store.Tx, key string) error {
		if !strings.HasPrefix(key, workerPrefix) {
			return nil
		}
		workerID := strings.TrimPrefix(key, workerPrefix)
		r, d, err := c.rescueJobs(tx, workerID)
		if err != nil {
			return err
		}
		requeued = append(requeued, r...)
		dead = append(dead, d...)
		return nil
	})
	if err != nil {
		c.logger.Error("liveness sweep failed", slog.String("error", err.Error()))
		return
	}

	if len(expired) > 0 {
		telemetry.QueuedWorkersExpired.Add(float64(len(expired)))
		c.logger.Warn("expired workers collected",
			slog.Int("workers", len(expired)),
			slog.Int("requeued", len(requeued)),
			slog.Int("dead", len(dead)),
		)
	}

	woken := map[string]bool{}
	for _, job := range requeued {
		telemetry.QueuedJobsRequeued.WithLabelValues(job.Queue).Inc()
		c.publish(ctx, events.TypeRequeued, job)
		if !woken[job.Queue] {
			woken[job.Queue] = true
			c.notify.wake(job.Queue)
		}
	}
	for _, job := range dead {
		telemetry.QueuedJobsTerminal.WithLabelValues(job.Queue, string(domain.StatusDead)).Inc()
		c.publish(ctx, events.TypeDead, job)
		c.archiveJob(ctx, job)
	}

	c.observeLiveWorkers()
}

// rescueJobs finds every job the expired worker was holding and returns the
// requeued and dead sets. Runs inside the sweep transaction.
func (c *Coordinator) rescueJobs(tx *store.Tx, workerID string) (requeued, dead []*domain.Job, err error) {
	now := time.Now().UTC()
	for _, list := range tx.Lists(queueListPrefix) {
		queue, ok := queueOfProcessing(list)
		if !ok {
			continue
		}
		for _, idBytes := range tx.ListRange(list) {
			jobID := string(idBytes)
			data, ok := tx.Get(jobKey(jobID))
			if !ok {
				continue
			}
			var job domain.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return nil, nil, fmt.Errorf("decode job %s: %w", jobID, err)
			}
			if job.WorkerID != workerID {
				continue
			}

			if _, err := tx.ListRemove(list, idBytes); err != nil {
				return nil, nil, err
			}
			if job.Requeues >= c.requeueLimit {
				job.Status = domain.StatusDead
				job.WorkerID = ""
				job.CompletedAt = &now
				job.Error = fmt.Sprintf("worker %s liveness expired; requeue limit %d reached", workerID, c.requeueLimit)
				dead = append(dead, &job)
			} else {
				job.Requeues++
				job.Status = domain.StatusPending
				job.WorkerID = ""
				job.StartedAt = nil
				if _, err := tx.ListAppend(readyList(queue), idBytes); err != nil {
					return nil, nil, err
				}
				requeued = append(requeued, &job)
			}

			updated, err := json.Marshal(&job)
			if err != nil {
				return nil, nil, fmt.Errorf("encode job %s: %w", jobID, err)
			}
			if err := tx.Set(jobKey(jobID), updated); err != nil {
				return nil, nil, err
			}
		}
	}
	return requeued, dead, nil
}

func (c *Coordinator) observeLiveWorkers() {
	now := time.Now()
	live := 0
	_ = c.store.View(func(tx *store.Tx) error {
		for _, key := range tx.Keys(workerPrefix) {
			if exp, ok := tx.ExpiresAt(key); !ok || exp.After(now) {
				live++
			}
		}
		return nil
	})
	telemetry.QueuedWorkersLive.Set(float64(live))
}
