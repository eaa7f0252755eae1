// Package shmem manages a file-backed shared memory segment that multiple
// cooperating processes on the same host map into their address space.
//
// The segment is created and zero-initialized exactly once, by whichever
// process attaches first. The create-vs-attach decision is guarded by an
// exclusive advisory lock on the backing file, so concurrent first attaches
// from multiple processes serialize and all of them end up mapping the same
// initialized region. Re-attaching is side-effect free.
//
// The segment starts with a small header (magic, format version, payload
// size). Attachers validate the header against their own expectations;
// a geometry mismatch is an attach error, never a silent re-initialization.
package shmem

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	magic         = 0x46504f53 // "FPOS"
	formatVersion = 1
	headerSize    = 16
)

// Segment is a capability handle to an attached shared memory segment.
// Components that need shared state receive a Segment (or a slice of its
// payload) explicitly through construction.
type Segment struct {
	file    *os.File
	mapped  []byte
	payload []byte
	created bool
}

// Open creates or attaches the segment backing file at path, sized to hold
// payloadSize bytes of shared state after the header.
//
// The first opener grows the file (which zero-fills it) and stamps the
// header; later openers validate the header and map the existing region.
// Both paths hold an exclusive flock on the file across the decision.
func Open(path string, payloadSize int) (*Segment, error) {
	if payloadSize <= 0 {
		return nil, errors.New("shmem: payload size must be positive")
	}
	total := headerSize + payloadSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "shmem: open segment file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shmem: lock segment file")
	}
	// The lock only guards the create-vs-attach decision. It must be
	// released before callers layered on the payload run their own init,
	// or a component that reopens the segment would self-deadlock.
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shmem: stat segment file")
	}

	created := false
	switch {
	case info.Size() == 0:
		// First attach. Growing the file zero-fills the whole region.
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "shmem: size segment file")
		}
		created = true
	case info.Size() != int64(total):
		f.Close()
		return nil, errors.Errorf("shmem: segment %s holds %d bytes, want %d (flag count changed?)",
			path, info.Size(), total)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shmem: map segment")
	}

	s := &Segment{
		file:    f,
		mapped:  mapped,
		payload: mapped[headerSize:],
		created: created,
	}

	if created {
		s.stampHeader(payloadSize)
	} else if err := s.checkHeader(payloadSize); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Segment) stampHeader(payloadSize int) {
	binary.LittleEndian.PutUint32(s.mapped[0:4], magic)
	binary.LittleEndian.PutUint32(s.mapped[4:8], formatVersion)
	binary.LittleEndian.PutUint64(s.mapped[8:16], uint64(payloadSize))
}

func (s *Segment) checkHeader(payloadSize int) error {
	if got := binary.LittleEndian.Uint32(s.mapped[0:4]); got != magic {
		return errors.Errorf("shmem: bad segment magic 0x%x", got)
	}
	if got := binary.LittleEndian.Uint32(s.mapped[4:8]); got != formatVersion {
		return errors.Errorf("shmem: segment format version %d, want %d", got, formatVersion)
	}
	if got := binary.LittleEndian.Uint64(s.mapped[8:16]); got != uint64(payloadSize) {
		return errors.Errorf("shmem: segment payload %d bytes, want %d", got, payloadSize)
	}
	return nil
}

// Created reports whether this attach performed the one-time
// zero-initialization of the segment.
func (s *Segment) Created() bool {
	return s.created
}

// Payload returns the shared payload region, excluding the header.
// The returned slice aliases process-shared memory; writes are visible to
// every attached process. The payload begins 8-byte aligned.
func (s *Segment) Payload() []byte {
	return s.payload
}

// Close unmaps the segment and closes the backing file. The shared state
// itself outlives the handle; other attached processes are unaffected.
func (s *Segment) Close() error {
	var first error
	if s.mapped != nil {
		if err := unix.Munmap(s.mapped); err != nil && first == nil {
			first = errors.Wrap(err, "shmem: unmap segment")
		}
		s.mapped = nil
		s.payload = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "shmem: close segment file")
		}
		s.file = nil
	}
	return first
}
