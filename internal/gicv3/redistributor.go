package gicv3

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/debug"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

// redist is one core's Redistributor as located by InitCPU.
type redist struct {
	index   int    // frame index
	pa, va  uint64 // RD_base
	procNum uint64
	typer   uint64
	pending *lpiTable
}

// findRedistributor scans the Redistributor frames for the one whose
// affinity matches mpidr. The scan stops at the frame marked Last.
func (c *Controller) findRedistributor(io *regio, mpidr uint64) (*redist, error) {
	want := arm64.AffinityFromMPIDR(mpidr)
	stride := uint64(1) << c.redistShift
	for i := range c.opts.numCPUs {
		off := uint64(i) * stride
		typer := io.read64(c.redist + off + gicreg.GICR_TYPER)
		if io.err != nil {
			return nil, fatal("scan redistributors", io.err)
		}
		if arm64.Affinity(gicreg.GICR_TYPER_Affinity.Get(typer)) == want {
			return &redist{
				index:   i,
				pa:      c.addrs.Redist + off,
				va:      c.redist + off,
				procNum: gicreg.GICR_TYPER_ProcNum.Get(typer),
				typer:   typer,
			}, nil
		}
		if gicreg.GICR_TYPER_Last.Get(typer) != 0 {
			break
		}
	}
	return nil, fatal("locate redistributor", fmt.Errorf("%w: affinity %s", ErrRedistributorNotFound, want))
}

// wake takes the Redistributor out of processor sleep.
func (c *Controller) wake(io *regio, rd *redist) error {
	waker := io.read32(rd.va + gicreg.GICR_WAKER)
	if waker&gicreg.WAKER_ChildrenAsleep == 0 {
		return io.err
	}
	io.write32(rd.va+gicreg.GICR_WAKER, waker&^gicreg.WAKER_ProcessorSleep)
	reads, err := c.poll(fmt.Sprintf("wake redistributor %d", rd.index), func() (bool, error) {
		return io.read32(rd.va+gicreg.GICR_WAKER)&gicreg.WAKER_ChildrenAsleep == 0, io.err
	})
	if err != nil {
		return err
	}
	c.log.Logf(debug.LevelDetail, "redistributor %d awake after %d reads", rd.index, reads)
	return nil
}

// initLPIs programs the LPI tables of one Redistributor, invalidates its
// cached configuration and enables LPIs.
func (c *Controller) initLPIs(io *regio, cpu CPU, rd *redist) error {
	cfg := *c.lpiConfig
	cfg.Attrs = negotiateShareability(io, rd.va+gicreg.GICR_PROPBASER, redistAttrFields, cfg.Attrs)
	io.write64(rd.va+gicreg.GICR_PROPBASER, propbaser(&cfg, c.lpiIDBits))

	pending, err := c.allocPending(cpu.Index)
	if err != nil {
		return err
	}
	pending.Attrs = negotiateShareability(io, rd.va+gicreg.GICR_PENDBASER, redistAttrFields, pending.Attrs)
	io.write64(rd.va+gicreg.GICR_PENDBASER, pendbaser(pending))
	rd.pending = pending
	if io.err != nil {
		return fatal("program LPI tables", io.err)
	}
	c.log.Writef("redistributor %d: pending table at 0x%x size 0x%x", rd.index, pending.PA, pending.Size)

	if c.its != nil {
		if err := c.its.mapCollection(c, cpu, rd); err != nil {
			return err
		}
	} else if err := c.invalidateAll(io, rd); err != nil {
		return err
	}

	ctlr := io.read32(rd.va + gicreg.GICR_CTLR)
	io.write32(rd.va+gicreg.GICR_CTLR, ctlr|gicreg.GICR_CTLR_EnableLPIs)
	if io.err != nil {
		return fatal("enable LPIs", io.err)
	}
	return nil
}

// invalidateAll drops every cached LPI configuration of a Redistributor
// without an ITS.
func (c *Controller) invalidateAll(io *regio, rd *redist) error {
	io.write64(rd.va+gicreg.GICR_INVALLR, 0)
	return c.waitSync(io, rd)
}

func (c *Controller) waitSync(io *regio, rd *redist) error {
	_, err := c.poll(fmt.Sprintf("redistributor %d sync", rd.index), func() (bool, error) {
		return io.read32(rd.va+gicreg.GICR_SYNCR)&gicreg.SYNCR_Busy == 0, io.err
	})
	return err
}

// initSGIs puts every SGI and PPI of the core in Group 1 Non-secure at the
// default priority, SGI0 above the rest, and enables the SGIs.
func (c *Controller) initSGIs(io *regio, rd *redist) error {
	sgi := rd.va
	io.write32(sgi+gicreg.GICR_ICENABLER0, 0xffffffff)
	if _, err := c.poll(fmt.Sprintf("redistributor %d RWP", rd.index), func() (bool, error) {
		return io.read32(rd.va+gicreg.GICR_CTLR)&gicreg.GICR_CTLR_RWP == 0, io.err
	}); err != nil {
		return err
	}
	io.write32(sgi+gicreg.GICR_ICPENDR0, 0xffffffff)
	io.write32(sgi+gicreg.GICR_IGROUPR0, 0xffffffff)
	io.write32(sgi+gicreg.GICR_IGRPMODR0, 0)
	io.fill(sgi+gicreg.GICR_IPRIORITYR, 8, defaultPriorityWord)
	io.write32(sgi+gicreg.GICR_IPRIORITYR, defaultPriorityWord&^0xff|ipiPriority)
	io.write32(sgi+gicreg.GICR_ICFGR1, 0)
	io.write32(sgi+gicreg.GICR_ISENABLER0, 0x0000ffff)
	if io.err != nil {
		return fatal("configure SGIs and PPIs", io.err)
	}
	return nil
}
