package daqhub

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/chosenoffset/daqhub/pkg/daqhub/metrics"
)

type TaskState int

const (
	TaskStopped TaskState = iota
	TaskRunning
	TaskPaused
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Task runs step periodically on its own goroutine. After each pass it
// sleeps for whatever is left of the period; a slow pass shortens the sleep
// but is never caught up. A period of 0 runs passes back to back, leaving
// pacing to step itself.
type Task struct {
	name   string
	period time.Duration
	step   func(ctx context.Context)
	logger *slog.Logger
	timer  *metrics.LoopTimer

	paused *abool.AtomicBool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	onPanic func(error)
}

func NewTask(name string, period time.Duration, step func(ctx context.Context), logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		name:   name,
		period: period,
		step:   step,
		logger: logger.With("task", name),
		timer:  metrics.NewLoopTimer(name, period),
		paused: abool.New(),
	}
}

func (t *Task) Name() string { return t.name }

func (t *Task) Period() time.Duration { return t.period }

// Timer exposes the pass timing statistics.
func (t *Task) Timer() *metrics.LoopTimer { return t.timer }

// OnPanic registers a callback for a panic inside step. The task stops after
// a panic.
func (t *Task) OnPanic(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPanic = fn
}

// Start launches the task. Start is idempotent.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

// Stop asks the task to exit after its current pass and waits up to timeout
// for it. Stop is idempotent; calling it on a stopped task returns nil.
func (t *Task) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task %s: %w", t.name, ErrStopTimeout)
	}
}

// Pause skips passes until Resume. The goroutine keeps its pacing.
func (t *Task) Pause() { t.paused.Set() }

func (t *Task) Resume() { t.paused.UnSet() }

func (t *Task) State() TaskState {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	switch {
	case !running:
		return TaskStopped
	case t.paused.IsSet():
		return TaskPaused
	default:
		return TaskRunning
	}
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t.logger.Debug("task started", "period", t.period)
	defer t.logger.Debug("task stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if !t.paused.IsSet() {
			if err := t.pass(ctx); err != nil {
				t.fail(err)
				return
			}
			t.timer.Observe(time.Since(start))
		}

		var remaining time.Duration
		switch {
		case t.period > 0:
			remaining = t.period - time.Since(start)
		case t.paused.IsSet():
			remaining = time.Millisecond
		}
		if remaining <= 0 {
			continue
		}
		sleep := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			sleep.Stop()
			return
		case <-sleep.C:
		}
	}
}

func (t *Task) pass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
			t.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.step(ctx)
	return nil
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.running = false
	t.cancel()
	onPanic := t.onPanic
	t.mu.Unlock()

	if onPanic != nil {
		onPanic(err)
	}
}
