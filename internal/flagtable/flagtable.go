// Package flagtable provides a fixed-size array of 64-bit flag cells living
// in process-shared memory, addressed by integer id.
//
// The table guarantees addressable, zero-initialized storage and atomic
// per-cell access. It attaches no meaning to any cell: the read-modify-write
// contract for a given id (replace vs. OR vs. add) belongs to the callers
// that agreed on that id. Set is a plain replace; Or and Add are provided so
// a caller can pick a different contract explicitly.
package flagtable

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Flag is one fixed-width shared flag cell.
type Flag = uint64

const cellSize = int(unsafe.Sizeof(Flag(0)))

// SizeFor returns the number of shared-memory bytes required to hold n
// flag cells. Pure; used by the segment sizing step at startup.
func SizeFor(n int) int {
	return n * cellSize
}

// Table is a handle to an attached flag array. Copying the handle is cheap;
// all copies address the same shared cells.
type Table struct {
	cells []uint64
}

// Attach lays a table of n cells over mem, which must be a process-shared
// region of at least SizeFor(n) bytes, 8-byte aligned, already
// zero-initialized by the segment's one-time setup.
func Attach(mem []byte, n int) (*Table, error) {
	if n <= 0 {
		return nil, errors.New("flagtable: flag count must be positive")
	}
	if len(mem) < SizeFor(n) {
		return nil, errors.Errorf("flagtable: region holds %d bytes, need %d for %d flags",
			len(mem), SizeFor(n), n)
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(base)%uintptr(cellSize) != 0 {
		return nil, errors.New("flagtable: region is not 8-byte aligned")
	}
	return &Table{cells: unsafe.Slice((*uint64)(base), n)}, nil
}

// Len returns the number of cells. Fixed for the lifetime of the segment.
func (t *Table) Len() int {
	return len(t.cells)
}

// Get atomically reads cell id. An out-of-range id is a caller bug and
// panics.
func (t *Table) Get(id int) Flag {
	return atomic.LoadUint64(&t.cells[id])
}

// Set atomically replaces cell id with v.
func (t *Table) Set(id int, v Flag) {
	atomic.StoreUint64(&t.cells[id], v)
}

// Or atomically ORs bits into cell id, for callers whose contract for that
// id is bitwise accumulation.
func (t *Table) Or(id int, bits Flag) {
	atomic.OrUint64(&t.cells[id], bits)
}

// Add atomically adds delta to cell id, for callers whose contract for that
// id is a counter.
func (t *Table) Add(id int, delta Flag) Flag {
	return atomic.AddUint64(&t.cells[id], delta)
}

// CompareAndSwap atomically replaces cell id with new if it holds old.
func (t *Table) CompareAndSwap(id int, old, new Flag) bool {
	return atomic.CompareAndSwapUint64(&t.cells[id], old, new)
}
