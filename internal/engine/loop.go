package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultControlInterval is how often the loop polls the session.
const DefaultControlInterval = 20 * time.Millisecond

// Loop is the single-writer cooperative loop of one session.
//
// Timer fires, inbound messages and control ticks are all posted as tasks
// and run one at a time on the goroutine that called Run. Nothing a session
// owns is touched from any other goroutine, so none of it needs a lock.
//
// Thread-safety model:
//   - Post(), AfterFunc(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Loop struct {
	queue  *taskQueue
	logger *slog.Logger

	interval time.Duration
	onTick   func() error

	processed atomic.Int64
	failed    atomic.Int64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithControlTick runs fn every interval on the loop.
func WithControlTick(interval time.Duration, fn func() error) LoopOption {
	return func(l *Loop) {
		if interval > 0 {
			l.interval = interval
		}
		l.onTick = fn
	}
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a loop. It does nothing until Run is called.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		queue:    newTaskQueue(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: DefaultControlInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetControlTick replaces the control tick. Must be called before Run.
func (l *Loop) SetControlTick(interval time.Duration, fn func() error) {
	WithControlTick(interval, fn)(l)
}

// Post submits fn for execution on the loop.
// Returns false if the loop has been stopped.
func (l *Loop) Post(name string, fn func() error) bool {
	return l.queue.Enqueue(Task{Name: name, Fn: fn})
}

// Do submits fn, which cannot fail, for execution on the loop.
func (l *Loop) Do(name string, fn func()) bool {
	return l.Post(name, func() error {
		fn()
		return nil
	})
}

// AfterFunc arms a wall-clock timer that posts fn to the loop when it
// expires. It satisfies sched.Timer and rtt.Timer.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() {
		l.Do("timer", fn)
	})
	return t.Stop
}

// Processed returns the number of tasks run so far.
func (l *Loop) Processed() int64 {
	return l.processed.Load()
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return l.queue.Len()
}

// Run executes tasks until ctx is cancelled, Stop is called, or a task
// returns a fatal error.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: A task error is logged and the loop continues, unless
// IsFatal reports it, in which case Run returns it.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("session loop starting")

	var tick <-chan time.Time
	if l.onTick != nil {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		// Try non-blocking dequeue first
		task, ok := l.queue.TryDequeue()
		if ok {
			if err := l.run(task); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Info("session loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-tick:
			if err := l.run(Task{Name: "control", Fn: l.onTick}); err != nil {
				return err
			}

		case <-l.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// makes this case fire immediately.
			if l.queue.Len() == 0 && l.closed() {
				l.logger.Info("session loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the loop. Run returns once queued tasks drain.
func (l *Loop) Stop() {
	l.queue.Close()
}

func (l *Loop) closed() bool {
	l.queue.mu.Lock()
	defer l.queue.mu.Unlock()
	return l.queue.closed
}

// run executes one task, returning only fatal errors.
func (l *Loop) run(t Task) error {
	err := t.Fn()
	l.processed.Add(1)
	if err == nil {
		return nil
	}
	l.failed.Add(1)
	if IsFatal(err) {
		l.logger.Error("fatal task error", "task", t.Name, "error", err)
		return err
	}
	l.logger.Warn("task failed", "task", t.Name, "error", err)
	return nil
}
