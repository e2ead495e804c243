package daqhub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsPeriodically(t *testing.T) {
	var passes atomic.Int64
	task := NewTask("tick", 5*time.Millisecond, func(context.Context) { passes.Add(1) }, discardLogger())

	task.Start(context.Background())
	task.Start(context.Background())
	assert.Equal(t, TaskRunning, task.State())

	assert.Eventually(t, func() bool { return passes.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, task.Stop(time.Second))
	require.NoError(t, task.Stop(time.Second))
	assert.Equal(t, TaskStopped, task.State())

	stats := task.Timer().Stats()
	assert.Equal(t, "tick", stats.Name)
	assert.GreaterOrEqual(t, stats.Cycles, int64(3))
}

func TestTaskPauseResume(t *testing.T) {
	var passes atomic.Int64
	task := NewTask("pausable", time.Millisecond, func(context.Context) { passes.Add(1) }, discardLogger())
	task.Start(context.Background())
	defer task.Stop(time.Second)

	task.Pause()
	assert.Equal(t, TaskPaused, task.State())
	time.Sleep(5 * time.Millisecond)
	frozen := passes.Load()
	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, passes.Load(), frozen+1)

	task.Resume()
	assert.Eventually(t, func() bool { return passes.Load() > frozen+2 }, time.Second, time.Millisecond)
}

func TestTaskStopTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	task := NewTask("stuck", 0, func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}, discardLogger())

	task.Start(context.Background())
	<-started
	err := task.Stop(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Contains(t, err.Error(), "stuck")
	close(release)
}

func TestTaskPanicStopsTask(t *testing.T) {
	got := make(chan error, 1)
	task := NewTask("fragile", time.Millisecond, func(context.Context) {
		panic(errors.New("bad channel"))
	}, discardLogger())
	task.OnPanic(func(err error) { got <- err })

	task.Start(context.Background())
	select {
	case err := <-got:
		assert.Contains(t, err.Error(), "bad channel")
		assert.Contains(t, err.Error(), "fragile")
	case <-time.After(time.Second):
		require.FailNow(t, "panic was not reported")
	}
	assert.Equal(t, TaskStopped, task.State())
	assert.NoError(t, task.Stop(time.Second))
}
