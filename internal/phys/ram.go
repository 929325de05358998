// Package phys provides the physical memory services used during early boot:
// a RAM arena, a CPU data cache model, an aligned allocator and the registry
// of reserved physical ranges.
package phys

import (
	"fmt"
)

// RAM is a contiguous block of physical memory as seen by bus masters that do
// not snoop the CPU caches.
type RAM struct {
	base uint64
	mem  []byte
	free func([]byte) error
}

// NewRAM allocates size bytes of backing store at physical address base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("phys: zero-size RAM")
	}
	if size != uint64(int(size)) {
		return nil, fmt.Errorf("phys: RAM size %d exceeds host address limit", size)
	}
	mem, free, err := allocBacking(int(size))
	if err != nil {
		return nil, fmt.Errorf("phys: allocate RAM: %w", err)
	}
	return &RAM{base: base, mem: mem, free: free}, nil
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }
func (r *RAM) End() uint64  { return r.base + uint64(len(r.mem)) }

func (r *RAM) Contains(paddr, size uint64) bool {
	return paddr >= r.base && paddr+size <= r.End() && paddr+size >= paddr
}

func (r *RAM) slice(paddr uint64, n int) ([]byte, error) {
	if !r.Contains(paddr, uint64(n)) {
		return nil, fmt.Errorf("phys: access [0x%x-0x%x) outside RAM [0x%x-0x%x)",
			paddr, paddr+uint64(n), r.base, r.End())
	}
	off := paddr - r.base
	return r.mem[off : off+uint64(n)], nil
}

// ReadAt copies RAM contents at paddr into p.
func (r *RAM) ReadAt(p []byte, paddr uint64) error {
	s, err := r.slice(paddr, len(p))
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}

// WriteAt stores p into RAM at paddr.
func (r *RAM) WriteAt(p []byte, paddr uint64) error {
	s, err := r.slice(paddr, len(p))
	if err != nil {
		return err
	}
	copy(s, p)
	return nil
}

func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	if r.free != nil {
		return r.free(mem)
	}
	return nil
}
