package registry

import (
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// Readers in other processes race with PublishSelf, so the word-sized
// fields go through atomics. The pid is written last; a reader that sees a
// nonzero pid sees the rest of the record complete.

func putUint64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), v)
}

func getUint64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(unsafe.SliceData(b))))
}

func copyInstance(b []byte, id uuid.UUID) {
	copy(b[:16], id[:])
}
