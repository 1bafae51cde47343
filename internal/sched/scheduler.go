// internal/sched/scheduler.go

package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"adaptq/internal/sysstats"
)

// Queue admits operations under a concurrency limit that the controller
// re-tunes from host utilization. Each Queue owns all of its state.
type Queue struct {
	// Scheduler-related
	mu      sync.Mutex    // protects everything below up to emitMu
	pending *runQueue     // tasks waiting for a slot
	running int           // tasks started and not yet settled
	limit   int           // current concurrency limit, 1 <= limit <= max
	max     int           // ceiling from configuration
	paused  bool          // stop Pending -> Running
	closed  bool          // refuse new submissions
	seq     uint64        // insertion counter for FIFO tie-break
	changed chan struct{} // closed and replaced on every state change
	outbox  []StatusEvent // events waiting for delivery
	last    sysstats.Sample

	emitMu sync.Mutex // one hook deliverer at a time

	// controller-related
	thresholds Thresholds
	interval   time.Duration
	source     sysstats.Source
	ctl        *controller

	hooks  Hooks
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithStatsSource replaces the host sampler. nil disables the controller,
// leaving the limit under manual control.
func WithStatsSource(src sysstats.Source) Option {
	return func(q *Queue) { q.source = src }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithHooks installs the notification table.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// New validates cfg and starts a queue with its controller running.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		pending:    newRunQueue(),
		limit:      cfg.InitialConcurrency,
		max:        cfg.MaxConcurrency,
		changed:    make(chan struct{}),
		thresholds: cfg.thresholds(),
		interval:   cfg.SamplingInterval(),
		source:     sysstats.NewHost(cfg.SamplingInterval() / 2),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.source != nil {
		q.ctl = startController(q)
	}
	return q, nil
}

// Submit queues op and returns its handle without waiting for it to run.
// It blocks while pending plus running work already fills the limit, and
// returns early with ctx's error or ErrQueueClosed.
func Submit[T any](ctx context.Context, q *Queue, op Operation[T], opts ...TaskOption) (*Handle[T], error) {
	if op == nil {
		return nil, ErrNilOperation
	}

	fut := newFuture[T]()
	t := newTask(opts...)
	t.reject = fut.reject
	t.run = func(ctx context.Context) (bool, error) {
		v, panicked, err := call(ctx, op)
		if err != nil {
			err = &OperationError{TaskID: t.ID, Err: err, Panicked: panicked}
			return fut.reject(err), err
		}
		return fut.resolve(v), nil
	}

	if err := q.admit(ctx, t); err != nil {
		return nil, err
	}
	return &Handle[T]{ID: t.ID, Result: fut}, nil
}

// Submit is the untyped form of the package-level Submit.
func (q *Queue) Submit(ctx context.Context, op Operation[any], opts ...TaskOption) (*Handle[any], error) {
	return Submit(ctx, q, op, opts...)
}

// call runs op, turning a panic into an error.
func call[T any](ctx context.Context, op Operation[T]) (v T, panicked bool, err error) {
	var pc panics.Catcher
	pc.Try(func() { v, err = op(ctx) })
	if r := pc.Recovered(); r != nil {
		return v, true, r.AsError()
	}
	return v, false, err
}

// admit waits for room, then inserts t into pending.
func (q *Queue) admit(ctx context.Context, t *Task) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.pending.Len()+q.running < q.limit {
			break
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	q.seq++
	t.seq = q.seq
	t.EnqueuedAt = time.Now()
	t.state = StatePending
	q.pending.push(t)
	q.recordLocked(StatusEnqueue, t, nil)

	q.dispatchLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.flush()
	return nil
}

// dispatchLocked starts pending tasks while slots are free.
func (q *Queue) dispatchLocked() {
	for !q.paused && q.running < q.limit {
		t, ok := q.pending.pop()
		if !ok {
			return
		}
		q.running++
		t.state = StateRunning
		q.recordLocked(StatusDispatch, t, nil)
		go q.execute(t)
	}
}

// execute runs t on its own goroutine and races it against the deadline.
func (q *Queue) execute(t *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if t.Deadline > 0 {
		timer := time.AfterFunc(t.Deadline, func() {
			err := fmt.Errorf("%w: task %s after %s", ErrDeadlineExceeded, t.ID, t.Deadline)
			if t.reject(err) {
				cancel()
				q.finish(t, StateExpired, err)
			}
		})
		defer timer.Stop()
	}

	won, err := t.run(ctx)
	if !won {
		q.logger.Debug("discarding result of expired task", "task_id", t.ID, "error", err)
		return
	}

	state := StateCompleted
	if err != nil {
		state = StateFailed
		var oe *OperationError
		if errors.As(err, &oe) && oe.Panicked {
			q.logger.Error("operation panicked", "task_id", t.ID, "error", oe.Err)
		}
	}
	q.finish(t, state, err)
}

// finish releases t's slot. Called exactly once per dispatched task, by
// whichever of the operation or the deadline settled the future.
func (q *Queue) finish(t *Task, state State, err error) {
	q.mu.Lock()
	t.state = state
	q.running--

	kind := StatusComplete
	switch state {
	case StateFailed:
		kind = StatusFail
	case StateExpired:
		kind = StatusExpire
	}
	q.recordLocked(kind, t, err)

	q.dispatchLocked()
	q.idleCheckLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.flush()
}

// Drain blocks until nothing is pending and nothing is running.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 && q.running == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is an alias for Drain.
func (q *Queue) Done(ctx context.Context) error { return q.Drain(ctx) }

// Pause stops new tasks from starting. Running tasks are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets pending tasks start again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.dispatchLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.flush()
}

// Clear drops every pending task, rejecting its future with ErrCleared.
// Running tasks are unaffected. Returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := q.dropPendingLocked(ErrCleared)
	if n > 0 {
		q.idleCheckLocked()
	}
	q.notifyLocked()
	q.mu.Unlock()

	q.flush()
	return n
}

// Close stops the controller, rejects pending tasks with ErrQueueClosed and
// refuses further submissions. Running tasks finish normally; Drain still
// waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.dropPendingLocked(ErrQueueClosed) > 0 {
		q.idleCheckLocked()
	}
	q.notifyLocked()
	q.mu.Unlock()

	q.flush()

	if q.ctl != nil {
		q.ctl.stop()
	}
	return nil
}

func (q *Queue) dropPendingLocked(cause error) int {
	tasks := q.pending.drain()
	for _, t := range tasks {
		t.state = StateCancelled
		err := fmt.Errorf("%w: task %s", cause, t.ID)
		t.reject(err)
		q.recordLocked(StatusCleared, t, err)
	}
	return len(tasks)
}

// Concurrency returns the current limit.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// SetConcurrency overrides the limit, clamped to [1, max]. The controller
// keeps adjusting from the new value on its next tick.
func (q *Queue) SetConcurrency(n int) int {
	q.mu.Lock()
	q.setLimitLocked(clampLimit(float64(n), q.max))
	limit := q.limit
	q.mu.Unlock()

	q.flush()
	return limit
}

// applySample runs one controller step against sample s.
func (q *Queue) applySample(s sysstats.Sample) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.last = s
	prev := q.limit
	q.setLimitLocked(Adjust(q.limit, q.max, s, q.thresholds))
	limit := q.limit
	q.mu.Unlock()

	if limit != prev {
		q.logger.Debug("concurrency adjusted",
			"cpu", s.CPU, "memory", s.Memory, "from", prev, "to", limit)
	}
	q.flush()
}

func (q *Queue) setLimitLocked(limit int) {
	if limit != q.limit {
		q.limit = limit
		q.recordLocked(StatusConcurrency, nil, nil)
	}
	q.dispatchLocked()
	q.notifyLocked()
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Pending        int
	Running        int
	Concurrency    int
	MaxConcurrency int
	Paused         bool
	Closed         bool
	LastSample     sysstats.Sample
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:        q.pending.Len(),
		Running:        q.running,
		Concurrency:    q.limit,
		MaxConcurrency: q.max,
		Paused:         q.paused,
		Closed:         q.closed,
		LastSample:     q.last,
	}
}

func (q *Queue) idleCheckLocked() {
	if q.pending.Len() == 0 && q.running == 0 {
		q.recordLocked(StatusIdle, nil, nil)
	}
}

// notifyLocked wakes every goroutine waiting on a state change.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) recordLocked(kind StatusKind, t *Task, err error) {
	ev := StatusEvent{
		Time:        time.Now(),
		Kind:        kind,
		Err:         err,
		Pending:     q.pending.Len(),
		Running:     q.running,
		Concurrency: q.limit,
	}
	if t != nil {
		ev.TaskID = t.ID
		ev.Priority = t.Priority
	}
	q.outbox = append(q.outbox, ev)
}

// flush delivers queued events. Whoever holds emitMu delivers everything,
// including events recorded by hooks calling back into the queue.
func (q *Queue) flush() {
	for {
		if !q.emitMu.TryLock() {
			return
		}
		for {
			q.mu.Lock()
			events := q.outbox
			q.outbox = nil
			q.mu.Unlock()
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				q.deliver(ev)
			}
		}
		q.emitMu.Unlock()

		q.mu.Lock()
		more := len(q.outbox) > 0
		q.mu.Unlock()
		if !more {
			return
		}
	}
}

// deliver calls a hook, recovering from panics so one bad hook cannot
// wedge the queue.
func (q *Queue) deliver(ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("hook panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()
	q.hooks.dispatch(ev)
}
