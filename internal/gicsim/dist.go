package gicsim

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

type distributor struct {
	g *GIC

	ctlr  uint32
	rwp   int
	state *intState
	route map[uint32]uint64
	banks []bank
}

func newDistributor(g *GIC) *distributor {
	d := &distributor{g: g, route: make(map[uint32]uint64)}
	d.state = newIntState(gicreg.ESPIBaseID+1024, d.implemented)
	d.banks = []bank{
		{gicreg.GICD_IGROUPR, 0x80, bankGroup, 0},
		{gicreg.GICD_ISENABLER, 0x80, bankSetEnable, 0},
		{gicreg.GICD_ICENABLER, 0x80, bankClearEnable, 0},
		{gicreg.GICD_ISPENDR, 0x80, bankSetPending, 0},
		{gicreg.GICD_ICPENDR, 0x80, bankClearPending, 0},
		{gicreg.GICD_IPRIORITYR, 0x400, bankPriority, 0},
		{gicreg.GICD_ICFGR, 0x100, bankConfig, 0},
		{gicreg.GICD_IGRPMODR, 0x80, bankModifier, 0},

		{gicreg.GICD_IGROUPRnE, 0x80, bankGroup, gicreg.ESPIBaseID},
		{gicreg.GICD_ISENABLERnE, 0x80, bankSetEnable, gicreg.ESPIBaseID},
		{gicreg.GICD_ICENABLERnE, 0x80, bankClearEnable, gicreg.ESPIBaseID},
		{gicreg.GICD_ISPENDRnE, 0x80, bankSetPending, gicreg.ESPIBaseID},
		{gicreg.GICD_ICPENDRnE, 0x80, bankClearPending, gicreg.ESPIBaseID},
		{gicreg.GICD_IPRIORITYRnE, 0x400, bankPriority, gicreg.ESPIBaseID},
		{gicreg.GICD_ICFGRnE, 0x100, bankConfig, gicreg.ESPIBaseID},
		{gicreg.GICD_IGRPMODRnE, 0x80, bankModifier, gicreg.ESPIBaseID},
	}
	return d
}

func (d *distributor) twoSecurityStates() bool {
	return d.g.prof.SecurityExtn && !d.g.prof.DS
}

// implemented reports whether id is an SPI the Distributor implements. The
// SGI/PPI range is banked in the Redistributors once affinity routing is on.
func (d *distributor) implemented(id uint32) bool {
	p := d.g.prof
	if id >= gicreg.SPIBaseID && id < min(32*(p.ITLines+1), gicreg.MaxSPIID) {
		return true
	}
	return p.ESPI && id >= gicreg.ESPIBaseID && id < gicreg.ESPIBaseID+32*(p.ESPIRange+1)
}

func (d *distributor) affinityRouting() bool {
	if d.twoSecurityStates() {
		return d.ctlr&gicreg.CTLR_ARE_NS != 0
	}
	return d.ctlr&gicreg.CTLR_ARE != 0
}

func (d *distributor) typer() uint64 {
	p := d.g.prof
	var v uint64
	v = gicreg.TYPER_ITLines.Set(v, uint64(p.ITLines))
	v = gicreg.TYPER_CPUNumber.Set(v, uint64(min(len(p.CPUs), 8)-1))
	v = gicreg.TYPER_SecurityExtn.Set(v, b2u(p.SecurityExtn))
	v = gicreg.TYPER_MBIS.Set(v, b2u(p.MBIS))
	v = gicreg.TYPER_LPIS.Set(v, b2u(p.LPIS))
	v = gicreg.TYPER_IDbits.Set(v, uint64(p.IDBits))
	v = gicreg.TYPER_ESPI.Set(v, b2u(p.ESPI))
	if p.ESPI {
		v = gicreg.TYPER_ESPI_range.Set(v, uint64(p.ESPIRange))
	}
	return v
}

func (d *distributor) iidr() uint64 {
	p := d.g.prof
	var v uint64
	v = gicreg.IIDR_Implementer.Set(v, uint64(p.Implementer))
	v = gicreg.IIDR_Revision.Set(v, uint64(p.Revision))
	v = gicreg.IIDR_Variant.Set(v, uint64(p.Variant))
	v = gicreg.IIDR_ProductID.Set(v, uint64(p.ProductID))
	return v
}

func (d *distributor) startRWP() {
	d.rwp = d.g.prof.RWPDelay
}

func (d *distributor) read(off uint64, width int) (uint64, error) {
	switch off {
	case gicreg.GICD_CTLR:
		v := uint64(d.ctlr)
		if d.rwp != 0 {
			v |= gicreg.CTLR_RWP
			if d.rwp > 0 {
				d.rwp--
			}
		}
		return v, nil
	case gicreg.GICD_TYPER:
		return d.typer(), nil
	case gicreg.GICD_IIDR:
		return d.iidr(), nil
	case gicreg.GICD_PIDR2:
		return gicreg.PIDR2_ArchRev.Set(0, uint64(d.g.prof.ArchRev)), nil
	}

	if id, ok := d.routerID(off); ok {
		return d.route[id], nil
	}
	for _, b := range d.banks {
		if b.contains(off) {
			return d.state.read(b, off, width), nil
		}
	}
	return 0, nil
}

func (d *distributor) write(off uint64, width int, v uint64) error {
	switch off {
	case gicreg.GICD_CTLR:
		d.writeCTLR(uint32(v))
		return nil
	case gicreg.GICD_TYPER, gicreg.GICD_IIDR, gicreg.GICD_PIDR2:
		d.g.violate("gicd", "write to read-only register 0x%x", off)
		return nil
	}

	if id, ok := d.routerID(off); ok {
		if width != 8 {
			return fmt.Errorf("gicsim: %d-byte access to GICD_IROUTER%d", width, id)
		}
		if !d.affinityRouting() {
			d.g.violate("gicd", "IROUTER%d written before affinity routing was enabled", id)
			return nil
		}
		if d.implemented(id) {
			d.route[id] = v
		}
		return nil
	}
	for _, b := range d.banks {
		if b.contains(off) {
			d.state.write(b, off, width, v)
			if b.kind == bankClearEnable {
				d.startRWP()
			}
			return nil
		}
	}
	return nil
}

func (d *distributor) routerID(off uint64) (uint32, bool) {
	switch {
	case off >= gicreg.GICD_IROUTER+8*gicreg.SPIBaseID && off < gicreg.GICD_IROUTER+8*gicreg.MaxSPIID && off%8 == 0:
		return uint32(off-gicreg.GICD_IROUTER) / 8, true
	case off >= gicreg.GICD_IROUTERnE && off < gicreg.GICD_IROUTERnE+8*1024 && off%8 == 0:
		return gicreg.ESPIBaseID + uint32(off-gicreg.GICD_IROUTERnE)/8, true
	}
	return 0, false
}

func (d *distributor) writeCTLR(v uint32) {
	if d.twoSecurityStates() {
		const enables = gicreg.CTLR_EnableGrp0 | gicreg.CTLR_EnableGrp1NS | gicreg.CTLR_EnableGrp1S
		settingARE := v&gicreg.CTLR_ARE_NS != 0 && d.ctlr&gicreg.CTLR_ARE_NS == 0
		if settingARE && v&enables != 0 {
			// The enable bits move once ARE_NS is set; the same write
			// cannot also target them.
			d.g.violate("gicd", "group enable written in the same access that set ARE_NS (0x%x)", v)
			v &^= enables
		}
		d.ctlr = v & (enables | gicreg.CTLR_ARE_S | gicreg.CTLR_ARE_NS)
	} else {
		d.ctlr = v & (gicreg.CTLR_EnableGrp0 | gicreg.CTLR_EnableGrp1NS | gicreg.CTLR_ARE)
		if d.g.prof.DS {
			d.ctlr |= gicreg.CTLR_DS
		}
	}
	d.startRWP()
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
