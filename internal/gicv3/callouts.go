package gicv3

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/intr"
)

// Callouts drive the vectors of one registered entry. The strategy is fixed
// by the entry's Dispatch and the addresses come from its PatchData.
type Callouts struct {
	c *Controller
	e *Entry
}

var _ intr.Callouts = (*Callouts)(nil)

func (k *Callouts) check(id uint32) error {
	if id < k.e.Base || id >= k.e.End() {
		return fmt.Errorf("%w: vector %d outside %s", ErrOutOfRange, id, k.e)
	}
	return nil
}

func (k *Callouts) Mask(id uint32) error   { return k.setEnabled(id, false) }
func (k *Callouts) Unmask(id uint32) error { return k.setEnabled(id, true) }

func (k *Callouts) setEnabled(id uint32, on bool) error {
	if err := k.check(id); err != nil {
		return err
	}
	if k.e.Dispatch.Route == RouteSPI {
		io := &regio{bus: k.c.host.Bus}
		reg, bit := enableReg(k.e.Patch.Dist, id, on)
		io.write32(reg, bit)
		return k.c.waitRWP(io, fmt.Sprintf("enable SPI %d", id))
	}
	return k.setLPIEnabled(id, on)
}

// setLPIEnabled rewrites the configuration byte of an LPI and makes the
// Redistributors reload it.
func (k *Callouts) setLPIEnabled(id uint32, on bool) error {
	c := k.c
	pa := k.e.Patch.LPIConfig + uint64(id-gicreg.LPIBaseID)
	var b [1]byte
	if err := c.host.Memory.ReadAt(b[:], pa); err != nil {
		return err
	}
	if on {
		b[0] |= gicreg.LPIConfigEnable
	} else {
		b[0] &^= gicreg.LPIConfigEnable
	}
	if err := c.host.Memory.WriteAt(b[:], pa); err != nil {
		return err
	}
	if err := c.host.Memory.FlushRange(pa, 1); err != nil {
		return err
	}

	if k.e.Dispatch.Route == RouteITS {
		return c.its.invalidate(c)
	}
	io := &regio{bus: c.host.Bus}
	for _, st := range c.initialized() {
		io.write64(st.rd.va+gicreg.GICR_INVLPIR, uint64(id))
		if err := c.waitSync(io, st.rd); err != nil {
			return err
		}
	}
	return io.err
}

func (k *Callouts) EOI(cpu int, id uint32) error {
	if err := k.check(id); err != nil {
		return err
	}
	if k.e.Dispatch.CPU == MemoryMapped {
		// GICC is banked by the accessing core, so cpu selects nothing here.
		io := &regio{bus: k.c.host.Bus}
		io.write32(k.e.Patch.GICC+gicreg.GICC_EOIR, id)
		return io.err
	}
	st, err := k.c.cpuFor(cpu)
	if err != nil {
		return err
	}
	return st.cpu.SysRegs.WriteSysReg(arm64.ICC_EOIR1_EL1, uint64(id))
}

// Identify acknowledges the highest priority pending interrupt. The special
// INTIDs 1020 to 1023 report ok=false. Through GICC the banked frame of the
// calling core answers, whatever cpu says.
func (k *Callouts) Identify(cpu int) (uint32, bool, error) {
	var id uint32
	if k.e.Dispatch.CPU == MemoryMapped {
		io := &regio{bus: k.c.host.Bus}
		id = io.read32(k.e.Patch.GICC+gicreg.GICC_IAR) & 0xffffff
		if io.err != nil {
			return 0, false, io.err
		}
	} else {
		st, err := k.c.cpuFor(cpu)
		if err != nil {
			return 0, false, err
		}
		v, err := st.cpu.SysRegs.ReadSysReg(arm64.ICC_IAR1_EL1)
		if err != nil {
			return 0, false, err
		}
		id = uint32(v & 0xffffff)
	}
	if id >= gicreg.MaxSPIID && id <= gicreg.SpuriousID {
		return id, false, nil
	}
	return id, true, nil
}
