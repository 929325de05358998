package gicsim

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

// CPUInterface is the system-register CPU interface of one core. It
// implements arm64.SysRegs.
type CPUInterface struct {
	g     *GIC
	index int
	mpidr uint64

	sre     bool
	pmr     uint64
	bpr1    uint64
	igrpen1 uint64
	ctlr    uint64

	pending []uint32
	eoi     []uint32
}

var _ arm64.SysRegs = (*CPUInterface)(nil)

func (c *CPUInterface) name() string { return fmt.Sprintf("cpu%d", c.index) }

func (c *CPUInterface) ReadSysReg(r arm64.SysReg) (uint64, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	switch r {
	case arm64.MPIDR_EL1:
		return c.mpidr | 1<<31, nil
	case arm64.ID_AA64PFR0_EL1:
		if c.g.prof.SysRegInterface {
			return 1 << arm64.PFR0GICShift, nil
		}
		return 0, nil
	case arm64.ICC_SRE_EL1:
		if c.sre {
			return arm64.SRE, nil
		}
		return 0, nil
	}

	if !c.usable(r) {
		return 0, nil
	}
	switch r {
	case arm64.ICC_PMR_EL1:
		return c.pmr, nil
	case arm64.ICC_BPR1_EL1:
		return c.bpr1, nil
	case arm64.ICC_IGRPEN1_EL1:
		return c.igrpen1, nil
	case arm64.ICC_CTLR_EL1:
		return c.ctlr, nil
	case arm64.ICC_IAR1_EL1:
		if len(c.pending) == 0 || c.igrpen1&1 == 0 {
			return gicreg.SpuriousID, nil
		}
		id := c.pending[0]
		c.pending = c.pending[1:]
		return uint64(id), nil
	}
	return 0, fmt.Errorf("gicsim: read of unmodelled system register %s", r)
}

func (c *CPUInterface) WriteSysReg(r arm64.SysReg, v uint64) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	switch r {
	case arm64.ICC_SRE_EL1:
		if !c.g.prof.SysRegInterface {
			c.g.violate(c.name(), "ICC_SRE_EL1 written without a system-register interface")
			return nil
		}
		c.sre = bits.IsOn64(v, arm64.SRE) && !c.g.prof.SRELocked
		return nil
	case arm64.MPIDR_EL1, arm64.ID_AA64PFR0_EL1, arm64.ICC_IAR1_EL1:
		c.g.violate(c.name(), "write to read-only register %s", r)
		return nil
	}

	if !c.usable(r) {
		return nil
	}
	switch r {
	case arm64.ICC_PMR_EL1:
		c.pmr = v & 0xff
	case arm64.ICC_BPR1_EL1:
		c.bpr1 = v & 0x7
	case arm64.ICC_IGRPEN1_EL1:
		c.igrpen1 = v & 1
	case arm64.ICC_CTLR_EL1:
		c.ctlr = v
	case arm64.ICC_EOIR1_EL1:
		c.eoi = append(c.eoi, uint32(v&0xffffff))
	default:
		return fmt.Errorf("gicsim: write of unmodelled system register %s", r)
	}
	return nil
}

// usable records a violation when a GIC system register is touched before
// ICC_SRE_EL1.SRE is set. Callers hold g.mu.
func (c *CPUInterface) usable(r arm64.SysReg) bool {
	if c.sre {
		return true
	}
	c.g.violate(c.name(), "%s accessed before ICC_SRE_EL1.SRE was set", r)
	return false
}

// Raise queues id for acknowledgement through ICC_IAR1_EL1.
func (c *CPUInterface) Raise(id uint32) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.pending = append(c.pending, id)
}

// CPUState is a snapshot of one core's CPU interface.
type CPUState struct {
	SRE     bool
	PMR     uint64
	BPR1    uint64
	IGRPEN1 uint64
	EOI     []uint32
}

func (c *CPUInterface) State() CPUState {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	return CPUState{
		SRE:     c.sre,
		PMR:     c.pmr,
		BPR1:    c.bpr1,
		IGRPEN1: c.igrpen1,
		EOI:     append([]uint32(nil), c.eoi...),
	}
}
