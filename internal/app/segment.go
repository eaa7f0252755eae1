package app

import (
	"github.com/fieldwork/flagpost/internal/flagtable"
	"github.com/fieldwork/flagpost/internal/registry"
	"github.com/fieldwork/flagpost/internal/shmem"
)

// Flag ids below reservedFlags carry the worker's own contracts; ids from
// reservedFlags up belong to external collaborators. Each id's
// read-modify-write semantics are the business of whoever agreed on it.
const (
	// barrierRequestFlag holds the cooperative-barrier generation being
	// requested. Contract: monotonically increasing counter (Add).
	barrierRequestFlag = 0
	// barrierAckFlag holds the last generation this worker acknowledged.
	// Contract: replace (Set), written only by the worker.
	barrierAckFlag = 1
	// heartbeatFlag holds the worker's last completed iteration.
	// Contract: replace (Set), written only by the worker.
	heartbeatFlag = 2

	reservedFlags = 3
)

// SizeNeeded returns the shared payload bytes for a deployment with
// numFlags flag cells. Called before any worker attaches, composing the
// registry record with the flag array.
func SizeNeeded(numFlags int) int {
	return registry.Size() + flagtable.SizeFor(numFlags)
}

// Shared bundles the handles every attacher works through.
type Shared struct {
	Segment  *shmem.Segment
	Registry *registry.Registry
	Flags    *flagtable.Table
}

// AttachShared creates or attaches the shared segment and lays the worker
// state record and flag table over it. The first attacher initializes;
// everyone else maps the existing state. Callers own closing the segment.
func AttachShared(path string, numFlags int) (*Shared, error) {
	seg, err := shmem.Open(path, SizeNeeded(numFlags))
	if err != nil {
		return nil, err
	}

	reg, err := registry.Attach(seg.Payload()[:registry.Size()])
	if err != nil {
		seg.Close()
		return nil, err
	}

	table, err := flagtable.Attach(seg.Payload()[registry.Size():], numFlags)
	if err != nil {
		seg.Close()
		return nil, err
	}

	return &Shared{Segment: seg, Registry: reg, Flags: table}, nil
}
