// Package deathwatch detects death of the host supervisor process so the
// worker can exit promptly instead of lingering orphaned.
//
// Two detection modes: an inherited pipe whose read end returns EOF when
// the supervisor exits (the supervisor holds the write end for its
// lifetime), or polling the parent pid for reparenting when no pipe was
// handed down.
package deathwatch

import (
	"os"
	"sync"
	"time"
)

// Watcher exposes a channel that closes once the supervisor is gone.
type Watcher struct {
	dead     chan struct{}
	stop     chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

// NewPipe watches the read end of an inherited supervisor pipe. EOF or a
// read error both mean the write end is gone, hence the supervisor is.
func NewPipe(r *os.File) *Watcher {
	w := newWatcher()
	go func() {
		defer r.Close()
		buf := make([]byte, 1)
		for {
			if _, err := r.Read(buf); err != nil {
				w.markDead()
				return
			}
			// The supervisor never writes; any byte is ignored.
		}
	}()
	return w
}

// NewParentPoll watches for the parent pid changing, which on Unix means
// the original parent exited and the worker was reparented.
func NewParentPoll(interval time.Duration) *Watcher {
	w := newWatcher()
	parent := os.Getppid()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if os.Getppid() != parent {
					w.markDead()
					return
				}
			case <-w.stop:
				return
			}
		}
	}()
	return w
}

// Disabled returns a watcher that never fires, for standalone runs with no
// supervisor to watch.
func Disabled() *Watcher {
	return newWatcher()
}

func newWatcher() *Watcher {
	return &Watcher{
		dead: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

func (w *Watcher) markDead() {
	w.once.Do(func() { close(w.dead) })
}

// Dead returns the channel that closes when the supervisor is gone.
func (w *Watcher) Dead() <-chan struct{} {
	return w.dead
}

// Stop ends a polling watcher's goroutine. Safe to call on any watcher,
// any number of times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
