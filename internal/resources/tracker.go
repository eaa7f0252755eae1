// Package resources tracks every process-shared resource the loop body
// acquires, so that an iteration abandoned at any point can be cleaned up
// by a single release-all pass instead of per-call-site cleanup.
//
// Acquisitions register a release function under a resource class; the
// normal path releases them individually, and error recovery releases
// whatever is still held, class by class, in a fixed order.
package resources

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// Kind classifies a held resource. Release order during recovery follows
// the declaration order below.
type Kind int

const (
	// KindLock is a held mutual-exclusion lock.
	KindLock Kind = iota
	// KindWaitRegistration is an in-flight registration on a wait queue or
	// condition variable.
	KindWaitRegistration
	// KindAsyncIO is a pending asynchronous I/O marker.
	KindAsyncIO
	// KindCachePin is an exclusively locked or pinned cache page.
	KindCachePin
	// KindAuxBookkeeping is per-iteration auxiliary-process bookkeeping.
	KindAuxBookkeeping
	// KindStorageBookkeeping is storage/manager-level end-of-iteration state.
	KindStorageBookkeeping
	// KindFileHandle is an open low-level file handle tied to storage.
	KindFileHandle
	// KindHashScratch is transient hash-table scratch state.
	KindHashScratch

	numKinds
)

var kindNames = [numKinds]string{
	"lock",
	"wait_registration",
	"async_io",
	"cache_pin",
	"aux_bookkeeping",
	"storage_bookkeeping",
	"file_handle",
	"hash_scratch",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "invalid"
	}
	return kindNames[k]
}

type held struct {
	id      int64
	release func()
}

// Tracker is the per-worker resource owner. Safe for concurrent use,
// though the loop is single-goroutine by design.
type Tracker struct {
	mu   sync.Mutex
	byID map[int64]*held
	kind [numKinds]map[int64]*held
	next int64
}

func NewTracker() *Tracker {
	t := &Tracker{byID: make(map[int64]*held)}
	for k := range t.kind {
		t.kind[k] = make(map[int64]*held)
	}
	return t
}

// Handle identifies one registered resource.
type Handle struct {
	t    *Tracker
	kind Kind
	id   int64
}

// Register records a held resource of the given class. release runs exactly
// once, either via Handle.Release on the normal path or via ReleaseAll
// during recovery.
func (t *Tracker) Register(kind Kind, release func()) Handle {
	if kind < 0 || kind >= numKinds {
		panic("resources: invalid kind")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := &held{id: t.next, release: release}
	t.byID[h.id] = h
	t.kind[kind][h.id] = h
	return Handle{t: t, kind: kind, id: h.id}
}

// Release runs the resource's release function and forgets it. Releasing an
// already-released handle is a no-op.
func (h Handle) Release() {
	if h.t == nil {
		return
	}
	h.t.mu.Lock()
	entry, ok := h.t.byID[h.id]
	if ok {
		delete(h.t.byID, h.id)
		delete(h.t.kind[h.kind], h.id)
	}
	h.t.mu.Unlock()
	if ok && entry.release != nil {
		entry.release()
	}
}

// ReleaseAll releases every still-held resource, one class at a time in
// declaration order, and returns the per-class counts released. A zero map
// means the iteration leaked nothing.
func (t *Tracker) ReleaseAll() ReleaseCounts {
	counts := make(ReleaseCounts)
	for k := Kind(0); k < numKinds; k++ {
		for {
			t.mu.Lock()
			var entry *held
			for _, e := range t.kind[k] {
				entry = e
				break
			}
			if entry == nil {
				t.mu.Unlock()
				break
			}
			delete(t.byID, entry.id)
			delete(t.kind[k], entry.id)
			t.mu.Unlock()

			if entry.release != nil {
				entry.release()
			}
			counts[k]++
		}
	}
	return counts
}

// HeldCount returns the total number of resources currently held.
func (t *Tracker) HeldCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Held returns the number of held resources of one class.
func (t *Tracker) Held(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.kind[kind])
}

// ReleaseCounts maps resource class to the number released. It marshals
// as a structured log field.
type ReleaseCounts map[Kind]int

func (c ReleaseCounts) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, n := range c {
		enc.AddInt(k.String(), n)
	}
	return nil
}
