package schedule

import (
	"context"
	"math"
	"sync"
	"time"
)

// Task is a cancellable background job. Stop is idempotent and safe to call
// from inside the job itself.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newTask(ctx context.Context) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Task{cancel: cancel, done: make(chan struct{})}, ctx
}

func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task goroutine exits. Must not be called from
// within the task.
func (t *Task) Wait() {
	if t == nil {
		return
	}
	<-t.done
}

func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) *Task {
	task, ctx := newTask(ctx)
	go func() {
		defer close(task.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return task
}

func After(ctx context.Context, delay time.Duration, fn func(ctx context.Context)) *Task {
	task, ctx := newTask(ctx)
	go func() {
		defer close(task.done)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	}()
	return task
}

// Loop runs fn after each delay chosen by policy until fn reports done,
// the context ends, or policy.Exhausted says so. The first run happens
// after policy.Next(0).
func Loop(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (bool, error)) *Task {
	task, ctx := newTask(ctx)
	go func() {
		defer close(task.done)
		consecutiveErrors := 0
		for attempt := 1; ; attempt++ {
			if policy.Exhausted(attempt) {
				return
			}
			timer := time.NewTimer(policy.Next(consecutiveErrors))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			done, err := fn(ctx, attempt)
			if done {
				return
			}
			if err != nil {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}
		}
	}()
	return task
}

type Policy interface {
	Next(consecutiveErrors int) time.Duration
	Exhausted(attempt int) bool
}

type fixed struct {
	interval time.Duration
}

func Fixed(interval time.Duration) Policy {
	return fixed{interval: interval}
}

func (f fixed) Next(int) time.Duration { return f.interval }

func (f fixed) Exhausted(int) bool { return false }

// Exponential grows the interval by Multiplier per consecutive error,
// capped at Max. MaxAttempts of zero means unbounded.
type Exponential struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

func (e Exponential) Next(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return e.Initial
	}
	mult := e.Multiplier
	if mult <= 1 {
		mult = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(mult, float64(consecutiveErrors)))
	if e.Max > 0 && (d > e.Max || d <= 0) {
		return e.Max
	}
	return d
}

func (e Exponential) Exhausted(attempt int) bool {
	return e.MaxAttempts > 0 && attempt > e.MaxAttempts
}

// Immediate wraps p so the first run happens without waiting. The wrapper
// is stateful and must not be shared between loops.
func Immediate(p Policy) Policy {
	return &immediate{Policy: p}
}

type immediate struct {
	Policy
	started bool
}

func (i *immediate) Next(consecutiveErrors int) time.Duration {
	if !i.started {
		i.started = true
		return 0
	}
	return i.Policy.Next(consecutiveErrors)
}
