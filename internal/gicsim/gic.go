package gicsim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/mmio"
	"github.com/tinyrange/bsp/internal/phys"
)

// Violation is a programming-order error observed by the model.
type Violation struct {
	Block string
	Msg   string
}

func (v Violation) String() string { return v.Block + ": " + v.Msg }

// GIC is the whole interrupt controller. It implements mmio.Device.
type GIC struct {
	mu sync.Mutex

	prof Profile
	mem  *phys.Cache

	dist    *distributor
	redists []*redistributor
	its     *its
	cpus    []*CPUInterface
	gicc    gicc

	violations []Violation
}

// New builds a controller that reads tables from mem's RAM and checks them
// against mem's cache for unflushed lines.
func New(p Profile, mem *phys.Cache) (*GIC, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	g := &GIC{prof: p, mem: mem}
	g.dist = newDistributor(g)
	for i, mpidr := range p.CPUs {
		g.redists = append(g.redists, newRedistributor(g, i, mpidr))
		g.cpus = append(g.cpus, &CPUInterface{g: g, index: i, mpidr: mpidr})
	}
	if p.ITS != 0 {
		g.its = newITS(g)
	}
	return g, nil
}

var _ mmio.Device = (*GIC)(nil)

func (g *GIC) Profile() Profile { return g.prof }

func (g *GIC) Regions() []mmio.Region {
	regions := []mmio.Region{
		{Address: g.prof.Dist, Size: gicreg.DistSize},
		{Address: g.prof.Redist, Size: g.prof.RedistSize() * uint64(len(g.redists))},
	}
	if g.prof.ITS != 0 {
		regions = append(regions, mmio.Region{Address: g.prof.ITS, Size: gicreg.ITSSize})
	}
	if g.prof.GICC != 0 {
		regions = append(regions, mmio.Region{Address: g.prof.GICC, Size: gicreg.GICCSize})
	}
	return regions
}

func (g *GIC) ReadMMIO(addr uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	block, off, err := g.route(addr)
	if err != nil {
		return err
	}
	v, err := block.read(off, len(data))
	if err != nil {
		return err
	}
	mmio.PutU64(data, v)
	return nil
}

func (g *GIC) WriteMMIO(addr uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	block, off, err := g.route(addr)
	if err != nil {
		return err
	}
	return block.write(off, len(data), mmio.GetU64(data))
}

type registerBlock interface {
	read(off uint64, width int) (uint64, error)
	write(off uint64, width int, v uint64) error
}

func (g *GIC) route(addr uint64) (registerBlock, uint64, error) {
	p := g.prof
	switch {
	case addr >= p.Dist && addr < p.Dist+gicreg.DistSize:
		return g.dist, addr - p.Dist, nil
	case addr >= p.Redist && addr < p.Redist+p.RedistSize()*uint64(len(g.redists)):
		off := addr - p.Redist
		return g.redists[off/p.RedistSize()], off % p.RedistSize(), nil
	case g.its != nil && addr >= p.ITS && addr < p.ITS+gicreg.ITSSize:
		return g.its, addr - p.ITS, nil
	case p.GICC != 0 && addr >= p.GICC && addr < p.GICC+gicreg.GICCSize:
		return &g.gicc, addr - p.GICC, nil
	}
	return nil, 0, fmt.Errorf("gicsim: no register block at 0x%x", addr)
}

// violate records a violation. Callers hold g.mu.
func (g *GIC) violate(block, format string, args ...any) {
	g.violations = append(g.violations, Violation{Block: block, Msg: fmt.Sprintf(format, args...)})
}

// checkFlushed records a violation when [pa, pa+size) still has dirty CPU
// cache lines at the moment a descriptor pointing at it is written.
func (g *GIC) checkFlushed(block, what string, pa, size uint64) {
	if g.mem == nil || size == 0 {
		return
	}
	if dirty := g.mem.DirtyLines(pa, size); len(dirty) > 0 {
		g.violate(block, "%s programmed at 0x%x with %d unflushed cache lines (first 0x%x)",
			what, pa, len(dirty), dirty[0])
	}
}

// readRAM reads memory the way the controller does, bypassing CPU caches.
func (g *GIC) readRAM(p []byte, pa uint64) error {
	if g.mem == nil {
		return fmt.Errorf("gicsim: no memory attached")
	}
	return g.mem.RAM().ReadAt(p, pa)
}

func (g *GIC) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Violation(nil), g.violations...)
}

// CPU returns the CPU interface of core i.
func (g *GIC) CPU(i int) *CPUInterface { return g.cpus[i] }

// Dist reports the Distributor's view of interrupt id.
func (g *GIC) Dist(id uint32) IntConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dist.state.config(id)
}

// Route returns the GICD_IROUTER value of SPI id and whether it was written.
func (g *GIC) Route(id uint32) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.dist.route[id]
	return v, ok
}

// DistCTLR returns GICD_CTLR without side effects.
func (g *GIC) DistCTLR() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dist.ctlr
}

// RedistState is a snapshot of one Redistributor.
type RedistState struct {
	Awake       bool
	LPIsEnabled bool
	PROPBASER   uint64
	PENDBASER   uint64
	InvAll      int
	InvLPI      []uint64
	SGI         [32]IntConfig
}

func (g *GIC) Redist(i int) RedistState {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.redists[i]
	st := RedistState{
		Awake:       r.waker&gicreg.WAKER_ChildrenAsleep == 0,
		LPIsEnabled: r.ctlr&gicreg.GICR_CTLR_EnableLPIs != 0,
		PROPBASER:   r.propbaser,
		PENDBASER:   r.pendbaser,
		InvAll:      r.invall,
		InvLPI:      append([]uint64(nil), r.invlpi...),
	}
	for id := range uint32(32) {
		st.SGI[id] = r.sgi.config(id)
	}
	return st
}

// RedistFor returns the Redistributor index whose affinity matches mpidr.
func (g *GIC) RedistFor(mpidr uint64) (int, bool) {
	want := arm64.AffinityFromMPIDR(mpidr)
	for i, r := range g.redists {
		if arm64.AffinityFromMPIDR(r.mpidr) == want {
			return i, true
		}
	}
	return 0, false
}
