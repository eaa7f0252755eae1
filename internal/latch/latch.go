// Package latch implements the worker's interruptible sleep primitive.
//
// A latch is a level-triggered wake condition. Setting an already-set latch
// is a no-op; the owner clears it at the top of each loop iteration so a
// stale wake cannot cause an immediate spin. Set is safe to call from the
// signal-delivery goroutine and from other goroutines reacting to
// cross-process wake signals.
package latch

import (
	"sync/atomic"
	"time"
)

// WakeReason reports which condition ended a Wait.
type WakeReason int

const (
	// WakeSet means the latch was set explicitly.
	WakeSet WakeReason = iota + 1
	// WakeTimeout means the timer elapsed with no wake.
	WakeTimeout
	// WakeSupervisorGone means the supervisor-death channel closed; the
	// worker must exit promptly, mirroring a shutdown request.
	WakeSupervisorGone
)

func (r WakeReason) String() string {
	switch r {
	case WakeSet:
		return "latch_set"
	case WakeTimeout:
		return "timeout"
	case WakeSupervisorGone:
		return "supervisor_gone"
	default:
		return "unknown"
	}
}

// Latch is owned by a single waiting goroutine; any goroutine may Set it.
type Latch struct {
	set    atomic.Bool
	notify chan struct{}
}

func New() *Latch {
	return &Latch{notify: make(chan struct{}, 1)}
}

// Set marks the latch and wakes the owner if it is waiting. Repeated sets
// coalesce.
func (l *Latch) Set() {
	l.set.Store(true)
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// IsSet reports whether the latch is currently set.
func (l *Latch) IsSet() bool {
	return l.set.Load()
}

// Reset clears the latch. Called by the owner at the top of each iteration,
// before checking the conditions a wake could signify.
func (l *Latch) Reset() {
	l.set.Store(false)
	select {
	case <-l.notify:
	default:
	}
}

// Wait blocks until the latch is set, the timeout elapses, or death closes.
// A latch already set on entry returns immediately.
func (l *Latch) Wait(timeout time.Duration, death <-chan struct{}) WakeReason {
	if l.set.Load() {
		return WakeSet
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-l.notify:
			// The notification may predate the last Reset; only a set
			// latch counts as a wake.
			if l.set.Load() {
				return WakeSet
			}
		case <-timer.C:
			return WakeTimeout
		case <-death:
			return WakeSupervisorGone
		}
	}
}
