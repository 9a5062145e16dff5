package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/events"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

// ClaimJob hands the oldest ready job of queue to workerID, blocking up to
// wait for one to arrive. A nil job with a nil error means the wait expired
// with nothing to claim. The claim and the running transition commit in one
// transaction, so a job is never observable as claimed-but-pending.
func (c *Coordinator) ClaimJob(ctx context.Context, workerID, queue string, wait time.Duration) (*domain.Job, error) {
	if workerID == "" {
		return nil, &domain.ValidationError{Field: "worker", Reason: "claim requires a registered worker on this connection"}
	}
	if queue == "" {
		queue = domain.DefaultQueue
	}
	if wait < 0 {
		wait = 0
	}
	if wait > c.maxClaimWait {
		wait = c.maxClaimWait
	}

	start := time.Now()
	deadline := start.Add(wait)
	for {
		// Subscribe before checking, otherwise a wake issued between the
		// failed claim and the select is lost and the claimant oversleeps.
		wakeCh := c.notify.channel(queue)

		job, err := c.claimOnce(workerID, queue)
		if err != nil {
			return nil, err
		}
		if job != nil {
			telemetry.QueuedJobsClaimed.WithLabelValues(queue).Inc()
			telemetry.QueuedClaimWaitSeconds.WithLabelValues(queue).Observe(time.Since(start).Seconds())
			c.publish(ctx, events.TypeClaimed, job)
			c.logger.Debug("job claimed",
				slog.String("job_id", job.JobID),
				slog.String("worker_id", workerID),
				slog.String("queue", queue),
			)
			return job, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wakeCh:
			timer.Stop()
		}
	}
}

// claimOnce tries one non-blocking claim: move the oldest ready job id onto
// the processing list and stamp the job running. Returns nil without error
// when the queue is empty.
func (c *Coordinator) claimOnce(workerID, queue string) (*domain.Job, error) {
	var job *domain.Job
	err := c.store.Update(func(tx *store.Tx) error {
		if _, ok := tx.Get(workerKey(workerID)); !ok {
			return &domain.WorkerNotFoundError{WorkerID: workerID}
		}
		idBytes, ok, err := tx.ListMove(readyList(queue), processingList(queue))
		if err != nil || !ok {
			return err
		}
		jobID := string(idBytes)
		data, ok := tx.Get(jobKey(jobID))
		if !ok {
			return fmt.Errorf("queued job %s has no record", jobID)
		}
		job = &domain.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}

		now := time.Now().UTC()
		job.Status = domain.StatusRunning
		job.WorkerID = workerID
		job.StartedAt = &now
		updated, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", jobID, err)
		}
		return tx.Set(jobKey(jobID), updated)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReportJob records a worker's terminal report for a job it holds. Only the
// worker the job is currently assigned to may report; after a liveness
// requeue the assignment is gone and a late report is rejected. A retried
// delivery of an already-recorded report is a no-op.
func (c *Coordinator) ReportJob(ctx context.Context, data []byte) error {
	report, err := domain.DecodeReport(data)
	if err != nil {
		return err
	}

	var job *domain.Job
	var duplicate bool
	err = c.store.Update(func(tx *store.Tx) error {
		jobData, ok := tx.Get(jobKey(report.JobID))
		if !ok {
			return &domain.JobNotFoundError{JobID: report.JobID}
		}
		job = &domain.Job{}
		if err := json.Unmarshal(jobData, job); err != nil {
			return fmt.Errorf("decode job %s: %w", report.JobID, err)
		}
		if job.WorkerID != report.WorkerID {
			return &domain.OwnershipError{JobID: report.JobID, WorkerID: report.WorkerID}
		}
		if job.Status.IsTerminal() {
			duplicate = true
			return nil
		}

		now := time.Now().UTC()
		job.Status = report.Status
		job.Results = report.Results
		job.Error = report.Error
		job.CompletedAt = &now
		if _, err := tx.ListRemove(processingList(job.Queue), []byte(job.JobID)); err != nil {
			return err
		}
		updated, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.JobID, err)
		}
		return tx.Set(jobKey(job.JobID), updated)
	})
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	telemetry.QueuedJobsTerminal.WithLabelValues(job.Queue, string(job.Status)).Inc()
	typ := events.TypeCompleted
	if job.Status == domain.StatusFailed {
		typ = events.TypeFailed
	}
	c.publish(ctx, typ, job)
	c.archiveJob(ctx, job)

	c.logger.Info("job reported",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", report.WorkerID),
		slog.String("status", string(job.Status)),
	)
	return nil
}
