package gicv3

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/mmio"
)

// regio is a register accessor that remembers the first bus error. Reads
// after an error return zero, so a bring-up sequence can run straight
// through and check err at each step boundary.
type regio struct {
	bus mmio.Accessor
	err error
}

func (r *regio) fail(addr uint64, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("register 0x%x: %w", addr, err)
	}
}

func (r *regio) read32(addr uint64) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := mmio.Read32(r.bus, addr)
	if err != nil {
		r.fail(addr, err)
	}
	return v
}

func (r *regio) write32(addr uint64, v uint32) {
	if r.err != nil {
		return
	}
	if err := mmio.Write32(r.bus, addr, v); err != nil {
		r.fail(addr, err)
	}
}

func (r *regio) read64(addr uint64) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := mmio.Read64(r.bus, addr)
	if err != nil {
		r.fail(addr, err)
	}
	return v
}

func (r *regio) write64(addr uint64, v uint64) {
	if r.err != nil {
		return
	}
	if err := mmio.Write64(r.bus, addr, v); err != nil {
		r.fail(addr, err)
	}
}

// fill writes v to count consecutive 32-bit registers from addr.
func (r *regio) fill(addr uint64, count int, v uint32) {
	for i := range count {
		r.write32(addr+4*uint64(i), v)
	}
}
