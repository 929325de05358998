package phys

import (
	"sort"
	"sync"
)

const CacheLineSize = 64

// Cache is a write-back model of the CPU data cache in front of RAM.
//
// CPU stores land in cache lines and only reach RAM on FlushRange, so a device
// reading RAM directly observes stale contents until the writer has flushed.
// A coherent cache writes through and FlushRange becomes a no-op, matching
// systems whose interconnect lets the controller snoop.
type Cache struct {
	mu sync.Mutex

	ram      *RAM
	coherent bool
	lines    map[uint64]*line
	flushes  uint64
}

type line struct {
	data  [CacheLineSize]byte
	dirty bool
}

func NewCache(ram *RAM, coherent bool) *Cache {
	return &Cache{ram: ram, coherent: coherent, lines: make(map[uint64]*line)}
}

func (c *Cache) RAM() *RAM { return c.ram }

func lineAddr(paddr uint64) uint64 { return paddr &^ (CacheLineSize - 1) }

func (c *Cache) fill(addr uint64) (*line, error) {
	if l, ok := c.lines[addr]; ok {
		return l, nil
	}
	l := &line{}
	if err := c.ram.ReadAt(l.data[:], addr); err != nil {
		return nil, err
	}
	c.lines[addr] = l
	return l, nil
}

// WriteAt performs CPU stores of p at paddr.
func (c *Cache) WriteAt(p []byte, paddr uint64) error {
	if c.coherent {
		return c.ram.WriteAt(p, paddr)
	}
	if !c.ram.Contains(paddr, uint64(len(p))) {
		// Let RAM produce the range error.
		return c.ram.WriteAt(p, paddr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(p) > 0 {
		addr := lineAddr(paddr)
		l, err := c.fill(addr)
		if err != nil {
			return err
		}
		n := copy(l.data[paddr-addr:], p)
		l.dirty = true
		p = p[n:]
		paddr += uint64(n)
	}
	return nil
}

// ReadAt performs CPU loads, hitting dirty lines before RAM.
func (c *Cache) ReadAt(p []byte, paddr uint64) error {
	if c.coherent {
		return c.ram.ReadAt(p, paddr)
	}
	if err := c.ram.ReadAt(p, paddr); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for off := uint64(0); off < uint64(len(p)); {
		addr := lineAddr(paddr + off)
		start := paddr + off - addr
		n := min(uint64(CacheLineSize)-start, uint64(len(p))-off)
		if l, ok := c.lines[addr]; ok {
			copy(p[off:off+n], l.data[start:start+n])
		}
		off += n
	}
	return nil
}

// FlushRange cleans and invalidates every line overlapping [paddr, paddr+size).
func (c *Cache) FlushRange(paddr, size uint64) error {
	if size == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushes++
	if c.coherent {
		return nil
	}
	for addr := lineAddr(paddr); addr < paddr+size; addr += CacheLineSize {
		l, ok := c.lines[addr]
		if !ok {
			continue
		}
		if l.dirty {
			if err := c.ram.WriteAt(l.data[:], addr); err != nil {
				return err
			}
		}
		delete(c.lines, addr)
	}
	return nil
}

// Invalidate drops lines in the range without writing them back.
func (c *Cache) Invalidate(paddr, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr := lineAddr(paddr); addr < paddr+size; addr += CacheLineSize {
		delete(c.lines, addr)
	}
}

// DirtyLines lists dirty line addresses in [paddr, paddr+size).
func (c *Cache) DirtyLines(paddr, size uint64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint64
	for addr, l := range c.lines {
		if l.dirty && addr+CacheLineSize > paddr && addr < paddr+size {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flushes reports how many FlushRange calls were made.
func (c *Cache) Flushes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}
