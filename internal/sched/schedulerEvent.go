// internal/sched/schedulerEvent.go

package sched

import (
	"time"

	"github.com/google/uuid"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusEnqueue StatusKind = iota
	StatusDispatch
	StatusComplete
	StatusFail
	StatusExpire
	StatusCleared
	StatusIdle
	StatusConcurrency
)

// StatusEvent is emitted on every state change. Pending, Running and
// Concurrency are the queue counters right after the change.
type StatusEvent struct {
	Time        time.Time
	Kind        StatusKind
	TaskID      uuid.UUID
	Priority    int
	Err         error
	Pending     int
	Running     int
	Concurrency int
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusComplete:
		return "Complete"
	case StatusFail:
		return "Fail"
	case StatusExpire:
		return "Expire"
	case StatusCleared:
		return "Cleared"
	case StatusIdle:
		return "Idle"
	case StatusConcurrency:
		return "Concurrency"
	default:
		return "Unknown"
	}
}

// Hooks is the notification table. Nil entries are skipped. Hooks are
// called outside the queue lock, one at a time, in the order the events
// happened; they may call back into the queue.
type Hooks struct {
	OnAdded              func(StatusEvent) // task entered pending
	OnDispatch           func(StatusEvent) // task started running
	OnSettled            func(StatusEvent) // Complete, Fail or Expire
	OnCleared            func(StatusEvent) // pending task dropped by Clear or Close
	OnIdle               func(StatusEvent) // nothing pending, nothing running
	OnConcurrencyChanged func(limit int)
	OnConcurrency        func(StatusEvent) // same change, with the counters at that moment
}

// MergeHooks fans every event out to each of hs in order.
func MergeHooks(hs ...Hooks) Hooks {
	var merged Hooks
	for _, h := range hs {
		merged.OnAdded = chain(merged.OnAdded, h.OnAdded)
		merged.OnDispatch = chain(merged.OnDispatch, h.OnDispatch)
		merged.OnSettled = chain(merged.OnSettled, h.OnSettled)
		merged.OnCleared = chain(merged.OnCleared, h.OnCleared)
		merged.OnIdle = chain(merged.OnIdle, h.OnIdle)
		merged.OnConcurrencyChanged = chain(merged.OnConcurrencyChanged, h.OnConcurrencyChanged)
		merged.OnConcurrency = chain(merged.OnConcurrency, h.OnConcurrency)
	}
	return merged
}

func chain[E any](a, b func(E)) func(E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(e E) {
		a(e)
		b(e)
	}
}

// dispatch routes one event to its hook.
func (h Hooks) dispatch(ev StatusEvent) {
	var fn func(StatusEvent)
	switch ev.Kind {
	case StatusEnqueue:
		fn = h.OnAdded
	case StatusDispatch:
		fn = h.OnDispatch
	case StatusComplete, StatusFail, StatusExpire:
		fn = h.OnSettled
	case StatusCleared:
		fn = h.OnCleared
	case StatusIdle:
		fn = h.OnIdle
	case StatusConcurrency:
		if h.OnConcurrencyChanged != nil {
			h.OnConcurrencyChanged(ev.Concurrency)
		}
		fn = h.OnConcurrency
	}
	if fn != nil {
		fn(ev)
	}
}
