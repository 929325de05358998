package gicv3

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/phys"
)

const idlePriorityMask = 0xff

// UseMemoryMappedCPUInterface makes the GICC frame at gicc available. With
// force the cores use it even when they implement the system-register
// interface; otherwise it is the fallback when they do not.
func (c *Controller) UseMemoryMappedCPUInterface(gicc uint64, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	if c.gicc != 0 {
		return fmt.Errorf("gicv3: memory-mapped CPU interface already set at 0x%x", c.giccPA)
	}
	va, err := c.host.MemoryMap.Reserve("gicc", gicc, gicreg.GICCSize, phys.AttrDevice)
	if err != nil {
		return fatal("reserve GICC", err)
	}
	c.giccPA = gicc
	c.gicc = va
	c.forceGICC = force
	return nil
}

// sysRegInterface reports whether the core implements the system-register
// CPU interface and ICC_SRE_EL1.SRE stays set once written.
func sysRegInterface(regs arm64.SysRegs) (bool, error) {
	if regs == nil {
		return false, nil
	}
	pfr0, err := regs.ReadSysReg(arm64.ID_AA64PFR0_EL1)
	if err != nil {
		return false, err
	}
	if pfr0>>arm64.PFR0GICShift&arm64.PFR0GICMask == 0 {
		return false, nil
	}
	sre, err := regs.ReadSysReg(arm64.ICC_SRE_EL1)
	if err != nil {
		return false, err
	}
	if err := regs.WriteSysReg(arm64.ICC_SRE_EL1, sre|arm64.SRE); err != nil {
		return false, err
	}
	sre, err = regs.ReadSysReg(arm64.ICC_SRE_EL1)
	if err != nil {
		return false, err
	}
	return bits.IsOn64(sre, arm64.SRE), nil
}

var errNoCPUInterface = errors.New("gicv3: no usable CPU interface")

// resolveCPUInterface picks the interface every core will use, probing the
// boot core.
func (c *Controller) resolveCPUInterface(boot CPU) (CPUInterface, error) {
	sys, err := sysRegInterface(boot.SysRegs)
	if err != nil {
		return 0, fatal("detect CPU interface", err)
	}
	switch {
	case c.gicc != 0 && (c.forceGICC || !sys):
		return MemoryMapped, nil
	case sys:
		return SystemRegisters, nil
	}
	return 0, fatal("detect CPU interface", errNoCPUInterface)
}

// initCPUInterface unmasks all priorities and enables Group 1 on the core.
func (c *Controller) initCPUInterface(cpu CPU) error {
	if c.cpuif == MemoryMapped {
		io := &regio{bus: c.host.Bus}
		io.write32(c.gicc+gicreg.GICC_PMR, idlePriorityMask)
		io.write32(c.gicc+gicreg.GICC_BPR, 0)
		io.write32(c.gicc+gicreg.GICC_CTLR, gicreg.GICC_CTLR_EnableGrp1)
		if io.err != nil {
			return fatal("enable GICC", io.err)
		}
		return nil
	}

	// SRE must be set before any other ICC register is touched.
	ok, err := sysRegInterface(cpu.SysRegs)
	if err == nil && !ok {
		err = fmt.Errorf("%w: ICC_SRE_EL1.SRE does not stick on cpu %d", errNoCPUInterface, cpu.Index)
	}
	for _, w := range []struct {
		reg arm64.SysReg
		v   uint64
	}{
		{arm64.ICC_PMR_EL1, idlePriorityMask},
		{arm64.ICC_BPR1_EL1, 0},
		{arm64.ICC_IGRPEN1_EL1, 1},
	} {
		if err != nil {
			break
		}
		err = cpu.SysRegs.WriteSysReg(w.reg, w.v)
	}
	if err != nil {
		return fatal("enable system-register CPU interface", err)
	}
	return nil
}
