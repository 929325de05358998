package phys

import (
	"fmt"
	"sync"
)

// Region is a block of physical memory handed out by the Allocator.
type Region struct {
	Tag   string
	Base  uint64
	Size  uint64
	VAddr uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

// Allocator hands out aligned physical RAM for system tables. Memory is never
// returned: everything it allocates lives for the whole uptime.
type Allocator struct {
	mu sync.Mutex

	cache  *Cache
	offset uint64

	next        uint64
	allocations []Region
}

// NewAllocator allocates from cache.RAM() starting at its base. Allocations are
// mapped linearly at physical address plus offset.
func NewAllocator(cache *Cache, offset uint64) *Allocator {
	return &Allocator{
		cache:  cache,
		offset: offset,
		next:   cache.RAM().Base(),
	}
}

// Alloc allocates size bytes aligned to align, optionally zero-filled.
func (a *Allocator) Alloc(tag string, size, align uint64, zero bool) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Region{}, fmt.Errorf("phys: cannot allocate zero-size region for %s", tag)
	}

	if align == 0 {
		align = 0x1000 // Default to 4KB alignment
	}

	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("phys: alignment 0x%x is not a power of 2 for %s", align, tag)
	}

	base := alignUp(a.next, align)
	ram := a.cache.RAM()
	if base < a.next || !ram.Contains(base, size) {
		return Region{}, fmt.Errorf("phys: out of memory allocating 0x%x bytes for %s (next 0x%x, RAM end 0x%x)",
			size, tag, a.next, ram.End())
	}

	if zero {
		a.cache.Invalidate(base, size)
		if err := ram.WriteAt(make([]byte, size), base); err != nil {
			return Region{}, err
		}
	}

	r := Region{Tag: tag, Base: base, Size: size, VAddr: base + a.offset}
	a.allocations = append(a.allocations, r)
	a.next = base + size

	return r, nil
}

// Allocations returns a copy of all allocated regions.
func (a *Allocator) Allocations() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
