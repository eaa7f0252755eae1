// Package registry holds the worker state record: a single process-shared
// struct through which a running worker advertises itself so that other
// processes can locate and wake it.
//
// One record exists per worker type. The worker writes it exactly once at
// startup, before entering its main loop; everything else only reads it.
package registry

import (
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WakeSignal is the signal other processes deliver to the published pid to
// interrupt the worker's blocking wait. The worker's signal layer maps it
// onto its latch.
const WakeSignal = unix.SIGUSR1

const (
	pidOff      = 0
	startOff    = 8
	instanceOff = 16

	recordSize = 32
)

// Size returns the shared-memory bytes required for the record. Composed
// with the flag table's size when the segment is laid out at startup.
func Size() int {
	return recordSize
}

// Registry is a handle to the attached worker state record.
type Registry struct {
	mem []byte
}

// Attach lays the record over mem, a process-shared region of at least
// Size() bytes, 8-byte aligned and zero-initialized by the segment setup.
func Attach(mem []byte) (*Registry, error) {
	if len(mem) < recordSize {
		return nil, errors.Errorf("registry: region holds %d bytes, need %d", len(mem), recordSize)
	}
	return &Registry{mem: mem[:recordSize]}, nil
}

// PublishSelf writes the calling process's identity into the record.
// Must be called exactly once per worker lifetime, before the main loop,
// so signals sent via the record afterward reach a live worker.
func (r *Registry) PublishSelf(startUnixNano int64) {
	copyInstance(r.mem[instanceOff:], uuid.New())
	putUint64(r.mem[startOff:], uint64(startUnixNano))
	putUint64(r.mem[pidOff:], uint64(os.Getpid()))
}

// Pid returns the published worker pid, or 0 if no worker has started.
func (r *Registry) Pid() int {
	return int(getUint64(r.mem[pidOff:]))
}

// StartUnixNano returns the published start timestamp, or 0 if unset.
func (r *Registry) StartUnixNano() int64 {
	return int64(getUint64(r.mem[startOff:]))
}

// InstanceID returns the published instance id, zero if unset.
func (r *Registry) InstanceID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.mem[instanceOff:instanceOff+16])
	return id
}

// Wake delivers WakeSignal to the published worker. Returns an error if no
// worker is published or the pid is no longer alive.
func (r *Registry) Wake() error {
	pid := r.Pid()
	if pid == 0 {
		return errors.New("registry: no worker published")
	}
	if err := unix.Kill(pid, WakeSignal); err != nil {
		return errors.Wrapf(err, "registry: wake pid %d", pid)
	}
	return nil
}

// Signal delivers an arbitrary signal to the published worker, for control
// operations such as reload and shutdown requests.
func (r *Registry) Signal(sig unix.Signal) error {
	pid := r.Pid()
	if pid == 0 {
		return errors.New("registry: no worker published")
	}
	if err := unix.Kill(pid, sig); err != nil {
		return errors.Wrapf(err, "registry: signal pid %d", pid)
	}
	return nil
}
