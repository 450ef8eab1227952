package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/scheduler/tasks"
)

func TestSchedulerRunsEnabledTasks(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var ticks atomic.Int32
	taskMap := map[string]tasks.ScheduledTaskFunc{
		"tick": func(context.Context) error {
			ticks.Add(1)
			return nil
		},
		"never": func(context.Context) error {
			t.Error("disabled task must not run")
			return nil
		},
	}

	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"tick":    {Enabled: true, Schedule: "* * * * * *"},
		"never":   {Enabled: false, Schedule: "* * * * * *"},
		"unknown": {Enabled: true, Schedule: "* * * * *"},
		"no_cron": {Enabled: true},
	}}

	sched, err := New(log, cfg, taskMap)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	t.Cleanup(func() { _ = sched.Stop() })

	require.Eventually(t, func() bool { return ticks.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, sched.Stop())
}

func TestSchedulerDoubleStart(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched, err := New(log, &config.SchedulerConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Start())
	require.Error(t, sched.Start())
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
