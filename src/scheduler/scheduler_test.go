// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casjay-forks/cascache/src/logger"
	"github.com/casjay-forks/cascache/src/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	valid := []string{"@every 15m", "@every 1d", "@daily", "@hourly", "0 3 * * *", "*/5 * * * *", "0 9-17/2 * * 1-5", "0,30 * 1 1,6 *"}
	for _, expr := range valid {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{"", "@every", "@every 0", "@every soon", "* * * *", "60 * * * *", "* 24 * * *", "5-1 * * * *", "*/0 * * * *", "a * * * *"}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronNext(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 10, 14, 7, 30, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"@every 90m", base.Add(90 * time.Minute)},
		{"@every 1d", base.Add(24 * time.Hour)},
		{"*/15 * * * *", time.Date(2024, 3, 10, 14, 15, 0, 0, time.UTC)},
		{"30 2 * * *", time.Date(2024, 3, 11, 2, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		// 2024-03-11 is a Monday
		{"0 8 * * 1", time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, c.Next(base), tt.expr)
	}

	never, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	assert.True(t, never.Next(base).IsZero())
}

func TestAddTask(t *testing.T) {
	t.Parallel()

	s := New(logger.Discard())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.AddTask(&Task{Schedule: "@hourly", Handler: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "x", Schedule: "@hourly"}))
	assert.Error(t, s.AddTask(&Task{ID: "x", Schedule: "sometimes", Handler: noop}))
	require.NoError(t, s.AddTask(&Task{ID: "x", Schedule: "@hourly", Handler: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "x", Schedule: "@daily", Handler: noop}))

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "x", tasks[0].Name)
	assert.Equal(t, StatusPending, tasks[0].Status)
	assert.False(t, tasks[0].NextRun.IsZero())
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	s := New(logger.Discard())
	fail := true
	require.NoError(t, s.AddTask(&Task{
		ID:       "flaky",
		Schedule: "@daily",
		Handler: func(context.Context) error {
			if fail {
				return errors.New("origin down")
			}
			return nil
		},
	}))

	ctx := context.Background()
	assert.EqualError(t, s.RunNow(ctx, "flaky"), "origin down")
	fail = false
	require.NoError(t, s.RunNow(ctx, "flaky"))
	assert.ErrorIs(t, s.RunNow(ctx, "missing"), ErrTaskNotFound)

	info := s.ListTasks()[0]
	assert.Equal(t, StatusComplete, info.Status)
	assert.Equal(t, int64(2), info.RunCount)
	assert.Equal(t, int64(1), info.FailCount)
	assert.Empty(t, info.LastError)
}

func TestStartRunsDueTasks(t *testing.T) {
	t.Parallel()

	s := New(logger.Discard())
	s.tick = 10 * time.Millisecond

	var onStart, every atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID: "start", Schedule: "@daily", RunOnStart: true,
		Handler: func(context.Context) error { onStart.Add(1); return nil },
	}))
	require.NoError(t, s.AddTask(&Task{
		ID: "often", Schedule: "@every 20ms",
		Handler: func(context.Context) error { every.Add(1); return nil },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return every.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	s.Wait()

	assert.Equal(t, int32(1), onStart.Load())
}

type fakeRegistration struct {
	installed bool
	updates   int
	pruned    int
}

func (f *fakeRegistration) Update(context.Context) error {
	f.updates++
	return nil
}

func (f *fakeRegistration) Installed() bool { return f.installed }

func (f *fakeRegistration) RecordStats(context.Context) ([]storage.BucketStats, error) {
	return []storage.BucketStats{{Name: "cascache-cache-v1"}}, nil
}

func (f *fakeRegistration) PruneClients(context.Context) (int, error) { return f.pruned, nil }

func TestDefaultTasks(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistration{pruned: 2}
	s := New(logger.Discard())
	for _, task := range DefaultTasks(reg, "@every 24h", logger.Discard()) {
		require.NoError(t, s.AddTask(task))
	}
	ctx := context.Background()

	require.NoError(t, s.RunNow(ctx, TaskInstallRetry))
	assert.Equal(t, 1, reg.updates)

	reg.installed = true
	require.NoError(t, s.RunNow(ctx, TaskInstallRetry))
	assert.Equal(t, 1, reg.updates)

	require.NoError(t, s.RunNow(ctx, TaskUpdateCheck))
	assert.Equal(t, 2, reg.updates)

	require.NoError(t, s.RunNow(ctx, TaskBucketStats))
	require.NoError(t, s.RunNow(ctx, TaskClientPrune))
	assert.Len(t, s.ListTasks(), 4)
}
