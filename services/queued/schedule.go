package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/store"
	"github.com/agenix-sh/agenix/pkg/telemetry"
)

// SetSchedule stores or replaces a named schedule. The cron expression is
// parsed here so a broken expression is rejected at submission time, and the
// plan must already exist so the schedule cannot fire into nothing forever.
func (c *Coordinator) SetSchedule(ctx context.Context, data []byte) (*domain.Schedule, error) {
	sched, err := domain.DecodeSchedule(data)
	if err != nil {
		return nil, err
	}
	spec, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return nil, &domain.ValidationError{Field: "cron", Reason: err.Error()}
	}

	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.LastRunAt = nil
	sched.NextRunAt = spec.Next(now)

	encoded, err := json.Marshal(sched)
	if err != nil {
		return nil, fmt.Errorf("encode schedule %s: %w", sched.Name, err)
	}
	err = c.store.Update(func(tx *store.Tx) error {
		if _, ok := tx.Get(planKey(sched.PlanID)); !ok {
			return &domain.PlanNotFoundError{PlanID: sched.PlanID}
		}
		return tx.Set(scheduleKey(sched.Name), encoded)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("schedule stored",
		slog.String("name", sched.Name),
		slog.String("cron", sched.Cron),
		slog.String("plan_id", sched.PlanID),
		slog.Time("next_run", sched.NextRunAt),
	)
	return sched, nil
}

// ListSchedules returns every stored schedule, ordered by name.
func (c *Coordinator) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := c.store.View(func(tx *store.Tx) error {
		for _, key := range tx.Keys(schedulePrefix) {
			data, ok := tx.Get(key)
			if !ok {
				continue
			}
			var s domain.Schedule
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("decode schedule record %s: %w", key, err)
			}
			schedules = append(schedules, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

// DeleteSchedule removes a schedule by name.
func (c *Coordinator) DeleteSchedule(ctx context.Context, name string) error {
	err := c.store.Update(func(tx *store.Tx) error {
		if _, ok := tx.Get(scheduleKey(name)); !ok {
			return &domain.ScheduleNotFoundError{Name: name}
		}
		return tx.Delete(scheduleKey(name))
	})
	if err != nil {
		return err
	}
	c.logger.Info("schedule deleted", slog.String("name", name))
	return nil
}

// RunScheduler fires due schedules. Blocks until ctx is cancelled.
func (c *Coordinator) RunScheduler(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// Catch up on anything that came due while we were down.
	c.fireDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fireDue(ctx)
		}
	}
}

func (c *Coordinator) fireDue(ctx context.Context) {
	schedules, err := c.ListSchedules(ctx)
	if err != nil {
		c.logger.Error("load schedules", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt.After(now) {
			continue
		}
		if err := c.fireSchedule(ctx, sched); err != nil {
			telemetry.QueuedSchedulesFired.WithLabelValues("error").Inc()
			c.logger.Error("schedule fire failed",
				slog.String("name", sched.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fireSchedule advances the schedule first and submits the action second, so
// a failed submission skips one firing instead of duplicating it on every
// tick until it succeeds.
func (c *Coordinator) fireSchedule(ctx context.Context, sched *domain.Schedule) error {
	spec, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.Cron, err)
	}
	now := time.Now().UTC()
	sched.LastRunAt = &now
	sched.NextRunAt = spec.Next(now)

	encoded, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", sched.Name, err)
	}
	err = c.store.Update(func(tx *store.Tx) error {
		if _, ok := tx.Get(scheduleKey(sched.Name)); !ok {
			// Deleted between listing and firing.
			return &domain.ScheduleNotFoundError{Name: sched.Name}
		}
		return tx.Set(scheduleKey(sched.Name), encoded)
	})
	if err != nil {
		return err
	}

	reqData, err := json.Marshal(sched.Request())
	if err != nil {
		return fmt.Errorf("encode action request for %s: %w", sched.Name, err)
	}
	action, err := c.SubmitAction(ctx, reqData)
	if err != nil {
		return fmt.Errorf("submit action for schedule %q: %w", sched.Name, err)
	}

	telemetry.QueuedSchedulesFired.WithLabelValues("ok").Inc()
	c.logger.Info("schedule fired",
		slog.String("name", sched.Name),
		slog.String("action_id", action.ActionID),
		slog.Time("next_run", sched.NextRunAt),
	)
	return nil
}
