package gicv3

import (
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

const (
	defaultPriority = 0xA0
	// SGI0 carries inter-processor interrupts and must not be starved by
	// PPIs at the default priority.
	ipiPriority = 0x80

	defaultPriorityWord = defaultPriority * 0x01010101
)

// waitRWP waits for GICD_CTLR.RWP to clear.
func (c *Controller) waitRWP(io *regio, what string) error {
	_, err := c.poll(what, func() (bool, error) {
		v := io.read32(c.dist + gicreg.GICD_CTLR)
		return v&gicreg.CTLR_RWP == 0, io.err
	})
	return err
}

// twoSecurityStates reports whether the Distributor implements both
// security states. GICD_CTLR.DS is read after the Distributor is disabled.
func (c *Controller) twoSecurityStates(io *regio) bool {
	if gicreg.TYPER_SecurityExtn.Get(uint64(c.typer)) == 0 {
		return false
	}
	return io.read32(c.dist+gicreg.GICD_CTLR)&gicreg.CTLR_DS == 0
}

// initDistributor resets every SPI to disabled, inactive, Group 1
// Non-secure, level-triggered at the default priority and routed to core
// 0.0.0.0, then re-enables the Distributor with affinity routing.
func (c *Controller) initDistributor() error {
	io := &regio{bus: c.host.Bus}
	d := c.dist

	io.write32(d+gicreg.GICD_CTLR, 0)
	if err := c.waitRWP(io, "disable distributor"); err != nil {
		return err
	}

	// Register 0 of each bank covers SGIs and PPIs, which live in the
	// Redistributors once affinity routing is on.
	regs := int(numSPIs(c.typer)+gicreg.SPIBaseID+31) / 32
	io.fill(d+gicreg.GICD_ICENABLER+4, regs-1, 0xffffffff)
	if err := c.waitRWP(io, "clear SPI enables"); err != nil {
		return err
	}
	io.fill(d+gicreg.GICD_ICPENDR+4, regs-1, 0xffffffff)
	io.fill(d+gicreg.GICD_IGROUPR+4, regs-1, 0xffffffff)
	io.fill(d+gicreg.GICD_IGRPMODR+4, regs-1, 0)
	io.fill(d+gicreg.GICD_IPRIORITYR+8*4, 8*(regs-1), defaultPriorityWord)
	io.fill(d+gicreg.GICD_ICFGR+2*4, 2*(regs-1), 0)

	if n := int(numESPIs(c.typer)) / 32; n > 0 {
		io.fill(d+gicreg.GICD_ICENABLERnE, n, 0xffffffff)
		if err := c.waitRWP(io, "clear extended SPI enables"); err != nil {
			return err
		}
		io.fill(d+gicreg.GICD_ICPENDRnE, n, 0xffffffff)
		io.fill(d+gicreg.GICD_IGROUPRnE, n, 0xffffffff)
		io.fill(d+gicreg.GICD_IGRPMODRnE, n, 0)
		io.fill(d+gicreg.GICD_IPRIORITYRnE, 8*n, defaultPriorityWord)
		io.fill(d+gicreg.GICD_ICFGRnE, 2*n, 0)
	}
	if io.err != nil {
		return fatal("reset distributor", io.err)
	}
	c.log.Writef("distributor reset: %d SPIs, %d extended SPIs", numSPIs(c.typer), numESPIs(c.typer))

	if c.twoSecurityStates(io) {
		// ARE_NS moves the Non-secure enable bits, so it is set on its own
		// and the enable goes in a second write.
		io.write32(d+gicreg.GICD_CTLR, gicreg.CTLR_ARE_NS)
		if err := c.waitRWP(io, "enable affinity routing"); err != nil {
			return err
		}
		io.write32(d+gicreg.GICD_CTLR, gicreg.CTLR_ARE_NS|gicreg.CTLR_EnableGrp1NS)
		c.log.Writef("distributor enabled, two security states")
	} else {
		io.write32(d+gicreg.GICD_CTLR, gicreg.CTLR_ARE|gicreg.CTLR_EnableGrp1NS|gicreg.CTLR_EnableGrp0)
		c.log.Writef("distributor enabled, single security state")
	}
	if err := c.waitRWP(io, "enable distributor"); err != nil {
		return err
	}

	for id := uint64(gicreg.SPIBaseID); id < uint64(gicreg.SPIBaseID+numSPIs(c.typer)); id++ {
		io.write64(d+gicreg.GICD_IROUTER+8*id, 0)
	}
	for i := range uint64(numESPIs(c.typer)) {
		io.write64(d+gicreg.GICD_IROUTERnE+8*i, 0)
	}
	if io.err != nil {
		return fatal("route SPIs", io.err)
	}
	return nil
}

// configureEdges sets message-signalled SPI ranges edge-triggered.
func (c *Controller) configureEdges() error {
	io := &regio{bus: c.host.Bus}
	err := c.spis.each(func(e *Entry) error {
		if e.Flags&FlagMSI == 0 {
			return nil
		}
		for id := e.Base; id < e.End(); id++ {
			reg, bit := icfgr(c.dist, id)
			v := io.read32(reg)
			io.write32(reg, v|2<<bit)
		}
		c.log.Writef("spi entry %s edge-triggered", e)
		return io.err
	})
	if err != nil {
		return fatal("configure edge-triggered SPIs", err)
	}
	return nil
}

// icfgr returns the GICD_ICFGR register and bit shift for SPI id.
func icfgr(dist uint64, id uint32) (uint64, uint) {
	if id >= gicreg.ESPIBaseID {
		n := id - gicreg.ESPIBaseID
		return dist + gicreg.GICD_ICFGRnE + 4*uint64(n/16), uint(n%16) * 2
	}
	return dist + gicreg.GICD_ICFGR + 4*uint64(id/16), uint(id%16) * 2
}

// enableReg returns the set- or clear-enable register and bit for SPI id.
func enableReg(dist uint64, id uint32, set bool) (uint64, uint32) {
	base, baseE := uint64(gicreg.GICD_ICENABLER), uint64(gicreg.GICD_ICENABLERnE)
	if set {
		base, baseE = gicreg.GICD_ISENABLER, gicreg.GICD_ISENABLERnE
	}
	if id >= gicreg.ESPIBaseID {
		n := id - gicreg.ESPIBaseID
		return dist + baseE + 4*uint64(n/32), 1 << (n % 32)
	}
	return dist + base + 4*uint64(id/32), 1 << (id % 32)
}
