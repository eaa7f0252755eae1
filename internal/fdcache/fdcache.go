// Package fdcache keeps storage file handles open across loop iterations so
// the unit of work does not pay an open/close per touch.
//
// The cache is also a recovery hook: after any iteration failure the loop
// force-closes every cached handle, which is cheap and always safe, and the
// next iteration simply reopens what it needs.
package fdcache

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

type Cache struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func New() *Cache {
	return &Cache{files: make(map[string]*os.File)}
}

// Open returns the cached handle for path, opening (and creating) the file
// on first use. The cache owns the handle; callers must not close it.
func (c *Cache) Open(path string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "fdcache: open")
	}
	c.files[path] = f
	return f, nil
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Close evicts and closes one cached handle, if present.
func (c *Cache) Close(path string) error {
	c.mu.Lock()
	f, ok := c.files[path]
	delete(c.files, path)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

// CloseAll force-closes every cached handle and returns how many were open.
// Close errors are ignored: a handle that fails to close is still evicted
// and will be reopened fresh.
func (c *Cache) CloseAll() int {
	c.mu.Lock()
	files := c.files
	c.files = make(map[string]*os.File)
	c.mu.Unlock()

	for _, f := range files {
		_ = f.Close()
	}
	return len(files)
}
