package worker

import (
	"sync"
	"time"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// Health is the recorded state of one worker.
type Health struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}

// HealthTracker records worker state transitions. Safe for concurrent use.
type HealthTracker struct {
	mu      sync.RWMutex
	workers map[string]Health
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		workers: make(map[string]Health),
	}
}

func (h *HealthTracker) MarkRunning(name string) { h.mark(name, StatusRunning) }
func (h *HealthTracker) MarkStopped(name string) { h.mark(name, StatusStopped) }
func (h *HealthTracker) MarkFailed(name string)  { h.mark(name, StatusFailed) }

func (h *HealthTracker) mark(name, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[name] = Health{
		Status:    status,
		LastCheck: time.Now(),
	}
}

// Status returns one worker's recorded state.
func (h *HealthTracker) Status(name string) (Health, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.workers[name]
	return s, ok
}

// Healthy reports whether no worker has failed.
func (h *HealthTracker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.workers {
		if w.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every worker's state.
func (h *HealthTracker) Snapshot() map[string]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Health, len(h.workers))
	for name, w := range h.workers {
		out[name] = w
	}
	return out
}
