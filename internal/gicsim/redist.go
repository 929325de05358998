package gicsim

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

type redistributor struct {
	g     *GIC
	index int
	mpidr uint64
	name  string

	ctlr      uint32
	waker     uint32
	wake      int
	propbaser uint64
	pendbaser uint64
	invall    int
	invlpi    []uint64
	syncBusy  int

	sgi   *intState
	banks []bank
}

func newRedistributor(g *GIC, index int, mpidr uint64) *redistributor {
	r := &redistributor{
		g:     g,
		index: index,
		mpidr: mpidr,
		name:  fmt.Sprintf("gicr%d", index),
		waker: gicreg.WAKER_ProcessorSleep | gicreg.WAKER_ChildrenAsleep,
		sgi:   newIntState(32, func(id uint32) bool { return id < 32 }),
	}
	if g.prof.StartAwake {
		r.waker = 0
	}
	// Tied bits read back their hardware value from reset.
	r.propbaser = r.tieShareability(0)
	r.pendbaser = r.tieShareability(0)
	r.banks = []bank{
		{gicreg.GICR_IGROUPR0, 4, bankGroup, 0},
		{gicreg.GICR_ISENABLER0, 4, bankSetEnable, 0},
		{gicreg.GICR_ICENABLER0, 4, bankClearEnable, 0},
		{gicreg.GICR_ICPENDR0, 4, bankClearPending, 0},
		{gicreg.GICR_IPRIORITYR, 32, bankPriority, 0},
		{gicreg.GICR_ICFGR0, 8, bankConfig, 0},
		{gicreg.GICR_IGRPMODR0, 4, bankModifier, 0},
	}
	return r
}

func (r *redistributor) typer() uint64 {
	p := r.g.prof
	var v uint64
	v = gicreg.GICR_TYPER_PLPIS.Set(v, b2u(p.LPIS))
	v = gicreg.GICR_TYPER_DirectLPI.Set(v, b2u(p.DirectLPI))
	v = gicreg.GICR_TYPER_Last.Set(v, b2u(r.index == len(p.CPUs)-1))
	v = gicreg.GICR_TYPER_ProcNum.Set(v, uint64(r.index))
	v = gicreg.GICR_TYPER_PPInum.Set(v, uint64(p.PPINum))
	v = gicreg.GICR_TYPER_Affinity.Set(v, uint64(arm64.AffinityFromMPIDR(r.mpidr)))
	return v
}

// lpiIDBits is the number of LPI INTID bits in use: PROPBASER.IDbits when
// programmed, else the Distributor limit.
func (r *redistributor) lpiIDBits() uint64 {
	if bits := gicreg.PROPBASER_IDbits.Get(r.propbaser); bits != 0 {
		return bits + 1
	}
	return uint64(r.g.prof.IDBits) + 1
}

func (r *redistributor) tieShareability(v uint64) uint64 {
	if s := r.g.prof.RedistShareability; s != nil {
		v = gicreg.BASER_Shareability.Set(v, uint64(*s))
	}
	return v
}

func (r *redistributor) read(off uint64, width int) (uint64, error) {
	switch off {
	case gicreg.GICR_CTLR:
		return uint64(r.ctlr), nil
	case gicreg.GICR_IIDR:
		return r.g.dist.iidr(), nil
	case gicreg.GICR_TYPER:
		return r.typer(), nil
	case gicreg.GICR_TYPER + 4:
		return r.typer() >> 32, nil
	case gicreg.GICR_WAKER:
		if r.waker&gicreg.WAKER_ProcessorSleep == 0 && r.waker&gicreg.WAKER_ChildrenAsleep != 0 {
			if r.wake > 0 {
				r.wake--
			}
			if r.wake == 0 {
				r.waker &^= gicreg.WAKER_ChildrenAsleep
			}
		}
		return uint64(r.waker), nil
	case gicreg.GICR_PROPBASER:
		return r.propbaser, nil
	case gicreg.GICR_PENDBASER:
		return r.pendbaser, nil
	case gicreg.GICR_SYNCR:
		if r.syncBusy != 0 {
			if r.syncBusy > 0 {
				r.syncBusy--
			}
			return gicreg.SYNCR_Busy, nil
		}
		return 0, nil
	case gicreg.GICR_PIDR2:
		return gicreg.PIDR2_ArchRev.Set(0, uint64(r.g.prof.ArchRev)), nil
	}

	for _, b := range r.banks {
		if b.contains(off) {
			return r.sgi.read(b, off, width), nil
		}
	}
	return 0, nil
}

func (r *redistributor) write(off uint64, width int, v uint64) error {
	switch off {
	case gicreg.GICR_CTLR:
		r.writeCTLR(uint32(v))
	case gicreg.GICR_WAKER:
		if v&gicreg.WAKER_ProcessorSleep == 0 {
			r.waker &^= gicreg.WAKER_ProcessorSleep
			r.wake = r.g.prof.WakeDelay
		} else {
			r.waker |= gicreg.WAKER_ProcessorSleep | gicreg.WAKER_ChildrenAsleep
		}
	case gicreg.GICR_PROPBASER:
		if width != 8 {
			return fmt.Errorf("gicsim: %d-byte write to GICR_PROPBASER", width)
		}
		if r.ctlr&gicreg.GICR_CTLR_EnableLPIs != 0 {
			r.g.violate(r.name, "PROPBASER written with LPIs enabled")
			return nil
		}
		r.propbaser = r.tieShareability(v)
		if bits := gicreg.PROPBASER_IDbits.Get(v) + 1; bits >= 14 {
			pa := gicreg.PROPBASER_PA.Get(v) << 12
			r.g.checkFlushed(r.name, "PROPBASER", pa, 1<<bits-gicreg.LPIBaseID)
		}
	case gicreg.GICR_PENDBASER:
		if width != 8 {
			return fmt.Errorf("gicsim: %d-byte write to GICR_PENDBASER", width)
		}
		if r.ctlr&gicreg.GICR_CTLR_EnableLPIs != 0 {
			r.g.violate(r.name, "PENDBASER written with LPIs enabled")
			return nil
		}
		r.pendbaser = r.tieShareability(v &^ gicreg.PENDBASER_PTZ.Mask())
		pa := gicreg.PENDBASER_PA.Get(v) << 16
		r.g.checkFlushed(r.name, "PENDBASER", pa, (uint64(1)<<r.lpiIDBits())/8)
	case gicreg.GICR_INVLPIR:
		r.invlpi = append(r.invlpi, v)
		r.syncBusy = r.g.prof.SyncDelay
	case gicreg.GICR_INVALLR:
		r.invall++
		r.syncBusy = r.g.prof.SyncDelay
	case gicreg.GICR_TYPER, gicreg.GICR_IIDR, gicreg.GICR_SYNCR, gicreg.GICR_PIDR2:
		r.g.violate(r.name, "write to read-only register 0x%x", off)
	default:
		for _, b := range r.banks {
			if b.contains(off) {
				r.sgi.write(b, off, width, v)
				return nil
			}
		}
	}
	return nil
}

func (r *redistributor) writeCTLR(v uint32) {
	if v&gicreg.GICR_CTLR_EnableLPIs == 0 {
		if r.ctlr&gicreg.GICR_CTLR_EnableLPIs != 0 {
			r.g.violate(r.name, "EnableLPIs cleared after being set")
		}
		return
	}
	if !r.g.prof.LPIS {
		r.g.violate(r.name, "EnableLPIs set on a Redistributor without physical LPIs")
		return
	}
	if gicreg.PROPBASER_PA.Get(r.propbaser) == 0 || gicreg.PENDBASER_PA.Get(r.pendbaser) == 0 {
		r.g.violate(r.name, "EnableLPIs set before PROPBASER and PENDBASER were programmed")
	}
	r.ctlr |= gicreg.GICR_CTLR_EnableLPIs
}

// gicc is the memory-mapped CPU interface frame. Hardware banks it by the
// accessing core, which a bus access does not carry, so the model keeps one
// copy shared by every core and counts enables.
type gicc struct {
	ctlr, pmr, bpr uint32
	enables        int
	pending        []uint32
	eoi            []uint32
}

func (c *gicc) read(off uint64, width int) (uint64, error) {
	switch off {
	case gicreg.GICC_CTLR:
		return uint64(c.ctlr), nil
	case gicreg.GICC_PMR:
		return uint64(c.pmr), nil
	case gicreg.GICC_BPR:
		return uint64(c.bpr), nil
	case gicreg.GICC_IAR:
		if len(c.pending) == 0 || c.ctlr&gicreg.GICC_CTLR_EnableGrp1 == 0 {
			return gicreg.SpuriousID, nil
		}
		id := c.pending[0]
		c.pending = c.pending[1:]
		return uint64(id), nil
	}
	return 0, nil
}

func (c *gicc) write(off uint64, width int, v uint64) error {
	switch off {
	case gicreg.GICC_CTLR:
		c.ctlr = uint32(v)
		if v&gicreg.GICC_CTLR_EnableGrp1 != 0 {
			c.enables++
		}
	case gicreg.GICC_PMR:
		c.pmr = uint32(v)
	case gicreg.GICC_BPR:
		c.bpr = uint32(v)
	case gicreg.GICC_EOIR:
		c.eoi = append(c.eoi, uint32(v&0xffffff))
	}
	return nil
}

// RaiseGICC queues id for acknowledgement through GICC_IAR.
func (g *GIC) RaiseGICC(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gicc.pending = append(g.gicc.pending, id)
}

// GICCEOIs returns the INTIDs written to GICC_EOIR, oldest first.
func (g *GIC) GICCEOIs() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint32(nil), g.gicc.eoi...)
}

// GICCState reports the memory-mapped CPU interface registers.
func (g *GIC) GICCState() (ctlr, pmr, bpr uint32, enables int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gicc.ctlr, g.gicc.pmr, g.gicc.bpr, g.gicc.enables
}
