// Package codecache places emitted machine code into executable memory: the
// bytes are copied into a fresh mapping before Publish returns. Publication
// installs no entry point and is not ordered against entry-point
// installation, which rt.Runtime.Install performs on its own.
package codecache

import (
	"sync"
	"sync/atomic"

	"github.com/vela-vm/vela/internal/target"
)

// Region is one published code region. Bytes are immutable except for the
// word-aligned call-site displacements patched through the target package.
type Region struct {
	mem     []byte
	mapped  bool
	release func() error
}

// Bytes returns the executable view of the code.
func (r *Region) Bytes() []byte { return r.mem }

// Executable reports whether the region is backed by executable pages.
func (r *Region) Executable() bool { return r.mapped }

// Close unmaps the region.
func (r *Region) Close() error {
	if r.release != nil {
		return r.release()
	}
	return nil
}

// Cache owns the published regions of one VM instance.
type Cache struct {
	mu      sync.Mutex
	regions []*Region
	total   atomic.Int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Publish copies a method's code into fresh executable memory and rebinds
// the method to the published bytes. It does not touch the method's entry
// point.
func (c *Cache) Publish(m *target.Method) (*Region, error) {
	r, err := mapExecutable(m.Code)
	if err != nil {
		return nil, err
	}
	m.Code = r.Bytes()[:len(m.Code)]

	c.mu.Lock()
	c.regions = append(c.regions, r)
	c.mu.Unlock()
	c.total.Add(int64(len(m.Code)))
	return r, nil
}

// TotalBytes returns the published code volume.
func (c *Cache) TotalBytes() int64 {
	return c.total.Load()
}

// Close unmaps every region.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, r := range c.regions {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.regions = nil
	return first
}
