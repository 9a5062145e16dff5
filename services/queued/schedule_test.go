package queued

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenix-sh/agenix/internal/domain"
	"github.com/agenix-sh/agenix/internal/store"
)

func scheduleJSON(name, cronExpr, planID string, inputs ...string) []byte {
	data, _ := json.Marshal(map[string]any{
		"name":    name,
		"cron":    cronExpr,
		"plan_id": planID,
		"inputs":  inputs,
	})
	return data
}

func TestSetScheduleComputesNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	sched, err := f.coord.SetSchedule(ctx, scheduleJSON("nightly", "0 3 * * *", "p1", "x"))
	require.NoError(t, err)
	assert.True(t, sched.NextRunAt.After(time.Now()), "next run is in the future")
	assert.Nil(t, sched.LastRunAt)

	schedules, err := f.coord.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly", schedules[0].Name)
}

func TestSetScheduleRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)

	_, err = f.coord.SetSchedule(ctx, scheduleJSON("bad", "not a cron", "p1", "x"))
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "cron", validation.Field)
}

func TestSetScheduleRequiresPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.SetSchedule(context.Background(), scheduleJSON("s", "* * * * *", "ghost", "x"))
	var notFound *domain.PlanNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SetSchedule(ctx, scheduleJSON("s", "* * * * *", "p1", "x"))
	require.NoError(t, err)

	require.NoError(t, f.coord.DeleteSchedule(ctx, "s"))

	schedules, err := f.coord.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)

	err = f.coord.DeleteSchedule(ctx, "s")
	var notFound *domain.ScheduleNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDueScheduleFiresOnceAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.SubmitPlan(ctx, planJSON("p1", "run"))
	require.NoError(t, err)
	_, err = f.coord.SetSchedule(ctx, scheduleJSON("s", "* * * * *", "p1", "a", "b"))
	require.NoError(t, err)

	// Rewind next_run_at so the schedule is due now.
	err = f.store.Update(func(tx *store.Tx) error {
		data, _ := tx.Get(scheduleKey("s"))
		var sched domain.Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			return err
		}
		sched.NextRunAt = time.Now().Add(-time.Minute)
		updated, err := json.Marshal(&sched)
		if err != nil {
			return err
		}
		return tx.Set(scheduleKey("s"), updated)
	})
	require.NoError(t, err)

	f.coord.fireDue(ctx)

	stats, err := f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ready, "one job per schedule input")

	schedules, err := f.coord.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.NotNil(t, schedules[0].LastRunAt)
	assert.True(t, schedules[0].NextRunAt.After(time.Now()), "schedule advanced")

	// A second pass finds nothing due.
	f.coord.fireDue(ctx)
	stats, err = f.coord.QueueStats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ready, "no double fire")
}
