// Package arena provides the loop's working-memory scope: a resettable
// allocation region bound to one iteration.
//
// Reset discards every allocation (and every child scope's allocations)
// without destroying the scope itself, so recovery can throw away whatever
// a failed iteration allocated and the next iteration starts clean with the
// capacity already in place.
package arena

const (
	minBlockSize = 1 << 10
	maxBlockSize = 1 << 20
)

type block struct {
	buf []byte
	off int
}

// Arena is a bump allocator. Not safe for concurrent use; the loop owns it.
type Arena struct {
	blocks    []block
	current   int
	nextSize  int
	children  []*Arena
	allocated int
}

func New() *Arena {
	return &Arena{nextSize: minBlockSize}
}

// Alloc returns a zeroed n-byte scratch slice valid until the next Reset.
func (a *Arena) Alloc(n int) []byte {
	if n < 0 {
		panic("arena: negative allocation")
	}
	for a.current < len(a.blocks) {
		b := &a.blocks[a.current]
		if len(b.buf)-b.off >= n {
			out := b.buf[b.off : b.off+n : b.off+n]
			b.off += n
			a.allocated += n
			clear(out)
			return out
		}
		a.current++
	}

	size := a.nextSize
	for size < n {
		size *= 2
	}
	if a.nextSize < maxBlockSize {
		a.nextSize *= 2
	}
	a.blocks = append(a.blocks, block{buf: make([]byte, size)})
	a.current = len(a.blocks) - 1

	b := &a.blocks[a.current]
	out := b.buf[:n:n]
	b.off = n
	a.allocated += n
	return out
}

// Child creates a nested scope that Reset on the parent also resets.
func (a *Arena) Child() *Arena {
	c := New()
	a.children = append(a.children, c)
	return c
}

// Reset discards all allocations in this scope and its children, keeping
// the capacity for reuse. The scope stays valid.
func (a *Arena) Reset() {
	for i := range a.blocks {
		a.blocks[i].off = 0
	}
	a.current = 0
	a.allocated = 0
	for _, c := range a.children {
		c.Reset()
	}
}

// AllocatedBytes reports the bytes handed out since the last Reset,
// excluding child scopes.
func (a *Arena) AllocatedBytes() int {
	return a.allocated
}
