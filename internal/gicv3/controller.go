// Package gicv3 brings up an Arm GICv3/v4 interrupt controller: the
// Distributor, one Redistributor and CPU interface per core, the LPI tables
// and a single ITS.
//
// Bring-up runs in two phases. The boot core calls InitGlobal once, after
// every interrupt range has been registered with AddSPI and AddLPI. Each core
// then calls InitCPU for itself; secondary cores may do so concurrently.
package gicv3

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/bsp/internal/debug"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/intr"
	"github.com/tinyrange/bsp/internal/phys"
)

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateGlobal
	stateFailed
)

// cpuState is one core's bring-up record. rd is set once InitCPU finished.
type cpuState struct {
	cpu CPU
	rd  *redist
}

// Controller drives one GIC. It is created by New with the block addresses
// already reserved, so an unconfigured controller cannot exist.
type Controller struct {
	mu    sync.Mutex
	state state

	host  Host
	opts  options
	log   debug.Debug
	addrs BaseAddresses

	// Virtual addresses of the register blocks.
	dist, redist, itsVA uint64
	redistShift         uint

	typer     uint32
	directLPI bool
	id        Identity

	spis, lpis *registry

	lpiConfigAttrs  TableAttrs
	lpiPendingAttrs TableAttrs
	itsParams       ITSParams

	lpiConfig *lpiTable
	lpiIDBits uint64
	numLPIs   uint32
	its       *its

	gicc, giccPA uint64
	forceGICC    bool
	cpuif        CPUInterface

	cpus map[int]*cpuState
}

// New reserves the controller blocks, reads the architecture version and
// sizes the Redistributor region from it.
func New(host Host, addrs BaseAddresses, opts ...Option) (*Controller, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.numCPUs < 1 {
		return nil, fmt.Errorf("gicv3: %d CPUs", o.numCPUs)
	}
	if host.Bus == nil || host.MemoryMap == nil || host.Allocator == nil || host.Memory == nil || host.Dispatcher == nil {
		return nil, errors.New("gicv3: incomplete host")
	}
	if host.Locker == nil {
		host.Locker = &mutexLocker{}
	}

	c := &Controller{
		host:            host,
		opts:            o,
		log:             o.log,
		addrs:           addrs,
		spis:            newRegistry("SPI"),
		lpis:            newRegistry("LPI"),
		lpiConfigAttrs:  defaultTableAttrs(),
		lpiPendingAttrs: defaultTableAttrs(),
		itsParams:       defaultITSParams(),
		cpus:            make(map[int]*cpuState),
	}

	var err error
	if c.dist, err = host.MemoryMap.Reserve("gicd", addrs.Dist, gicreg.DistSize, phys.AttrDevice); err != nil {
		return nil, fatal("reserve GICD", err)
	}
	io := &regio{bus: host.Bus}
	pidr2 := io.read32(c.dist + gicreg.GICD_PIDR2)
	iidr := io.read32(c.dist + gicreg.GICD_IIDR)
	c.typer = io.read32(c.dist + gicreg.GICD_TYPER)
	if io.err != nil {
		return nil, fatal("detect distributor", io.err)
	}
	if c.id, err = decodeIdentity(pidr2, iidr); err != nil {
		return nil, fatal("detect distributor", err)
	}

	c.redistShift = c.id.redistShift()
	size := uint64(o.numCPUs) << c.redistShift
	if c.redist, err = host.MemoryMap.Reserve("gicr", addrs.Redist, size, phys.AttrDevice); err != nil {
		return nil, fatal("reserve GICR", err)
	}
	rtyper := io.read64(c.redist + gicreg.GICR_TYPER)
	if io.err != nil {
		return nil, fatal("detect redistributor", io.err)
	}
	c.directLPI = gicreg.GICR_TYPER_DirectLPI.Get(rtyper) != 0
	c.id.refineMinor(rtyper, c.typer)

	if addrs.ITS != 0 {
		if c.itsVA, err = host.MemoryMap.Reserve("gits", addrs.ITS, gicreg.ITSSize, phys.AttrDevice); err != nil {
			return nil, fatal("reserve GITS", err)
		}
	}

	c.log.Writef("%s at 0x%x: %d SPIs, %d extended SPIs, LPIs %v, redistributor stride 0x%x",
		c.id, addrs.Dist, numSPIs(c.typer), numESPIs(c.typer),
		gicreg.TYPER_LPIS.Get(uint64(c.typer)) != 0, uint64(1)<<c.redistShift)
	return c, nil
}

func (c *Controller) Identity() Identity { return c.id }

// RedistributorStride is the distance between two Redistributor frames.
func (c *Controller) RedistributorStride() uint64 { return 1 << c.redistShift }

// CPUInterface returns the interface chosen by InitGlobal.
func (c *Controller) CPUInterface() CPUInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpuif
}

// SPIs returns the registered SPI entries in vector order.
func (c *Controller) SPIs() []*Entry { return c.entries(c.spis) }

// LPIs returns the registered LPI entries in vector order.
func (c *Controller) LPIs() []*Entry { return c.entries(c.lpis) }

func (c *Controller) entries(r *registry) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	r.each(func(e *Entry) error {
		out = append(out, e)
		return nil
	})
	return out
}

// Tables returns the memory the controller owns: the LPI configuration and
// pending tables and the ITS tables and command queue. The operating system
// must keep it out of its own allocations.
func (c *Controller) Tables() []phys.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []phys.Region
	if t := c.lpiConfig; t != nil {
		out = append(out, phys.Region{Tag: "gic-lpi-config", Base: t.PA, Size: t.Size, VAddr: t.VA})
	}
	if t := c.its; t != nil {
		for _, tbl := range []*itsTable{t.device, t.collection} {
			if tbl != nil {
				size := tbl.Pages * gicreg.PageSizeBytes[tbl.PageSize]
				out = append(out, phys.Region{Tag: fmt.Sprintf("gic-its-baser%d", tbl.Index), Base: tbl.PA, Size: size, VAddr: tbl.VA})
			}
		}
		size := t.queueSlots*gicreg.CmdSize + lockPageSize
		out = append(out, phys.Region{Tag: "gic-its-cmdq", Base: t.queuePA, Size: size, VAddr: t.queueVA})
	}
	for i := range c.opts.numCPUs {
		if st, ok := c.cpus[i]; ok && st.rd != nil && st.rd.pending != nil {
			p := st.rd.pending
			out = append(out, phys.Region{Tag: fmt.Sprintf("gic-lpi-pending%d", i), Base: p.PA, Size: p.Size, VAddr: p.VA})
		}
	}
	return out
}

// InitGlobal initializes the Distributor, the LPI configuration table and
// the ITS, and hands every registered range to the dispatcher. The boot
// core's system registers decide which CPU interface all cores use.
func (c *Controller) InitGlobal(boot CPU) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	c.state = stateInitializing
	if err := c.initGlobal(boot); err != nil {
		c.state = stateFailed
		c.log.Errorf("global initialization failed: %v", err)
		return err
	}
	c.state = stateGlobal
	return nil
}

func (c *Controller) initGlobal(boot CPU) error {
	var err error
	if c.cpuif, err = c.resolveCPUInterface(boot); err != nil {
		return err
	}
	c.log.Writef("cpu interface: %s", c.cpuif)

	if err := c.initDistributor(); err != nil {
		return err
	}
	if c.spis.len() == 0 {
		e := &Entry{Name: "spi", Base: gicreg.SPIBaseID, Count: numSPIs(c.typer), Dispatch: Dispatch{Route: RouteSPI}}
		if err := c.spis.insert(e); err != nil {
			return fatal("register default SPI entry", err)
		}
		c.log.Writef("no SPI entries registered, using %s", e)
	}
	if err := c.configureEdges(); err != nil {
		return err
	}

	if c.lpis.len() > 0 {
		c.numLPIs = c.lpis.span(gicreg.LPIBaseID)
		if c.lpiConfig, c.lpiIDBits, err = c.allocLPIConfig(c.numLPIs); err != nil {
			return err
		}
		needITS := false
		c.lpis.each(func(e *Entry) error {
			needITS = needITS || e.Dispatch.Route == RouteITS
			return nil
		})
		if needITS {
			if c.its, err = c.initITS(); err != nil {
				return err
			}
		}
	}

	patch := PatchData{
		Dist:         c.dist,
		Redist:       c.redist,
		RedistStride: uint64(1) << c.redistShift,
		ITS:          c.itsVA,
	}
	if c.cpuif == MemoryMapped {
		patch.GICC = c.gicc
	}
	if c.lpiConfig != nil {
		patch.LPIConfig = c.lpiConfig.PA
	}
	register := func(e *Entry) error {
		e.Dispatch.CPU = c.cpuif
		e.Patch = patch
		r := intr.Range{Name: e.Name, Base: e.Base, Count: e.Count, Callouts: &Callouts{c: c, e: e}}
		if err := c.host.Dispatcher.Register(r); err != nil {
			return fatal("register "+e.String(), err)
		}
		c.log.Writef("%s registered, dispatch %s", e, e.Dispatch)
		return nil
	}
	if err := c.spis.each(register); err != nil {
		return err
	}
	return c.lpis.each(register)
}

// InitCPU brings up the Redistributor and CPU interface of the calling core.
// Different cores may call it concurrently once InitGlobal has returned.
func (c *Controller) InitCPU(cpu CPU) error {
	c.mu.Lock()
	if c.state != stateGlobal {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if cpu.Index < 0 || cpu.Index >= c.opts.numCPUs {
		c.mu.Unlock()
		return fmt.Errorf("%w: cpu %d of %d", ErrOutOfRange, cpu.Index, c.opts.numCPUs)
	}
	if _, ok := c.cpus[cpu.Index]; ok {
		c.mu.Unlock()
		return ErrCPUAlreadyInitialized
	}
	st := &cpuState{cpu: cpu}
	c.cpus[cpu.Index] = st
	c.mu.Unlock()

	rd, err := c.initCPU(cpu)
	if err != nil {
		c.log.Errorf("cpu %d initialization failed: %v", cpu.Index, err)
		return err
	}

	c.mu.Lock()
	st.rd = rd
	c.mu.Unlock()
	c.log.Writef("cpu %d up: redistributor %d, processor number %d", cpu.Index, rd.index, rd.procNum)
	return nil
}

func (c *Controller) initCPU(cpu CPU) (*redist, error) {
	io := &regio{bus: c.host.Bus}
	rd, err := c.findRedistributor(io, cpu.MPIDR)
	if err != nil {
		return nil, err
	}
	if err := c.wake(io, rd); err != nil {
		return nil, err
	}
	if c.numLPIs > 0 {
		if gicreg.GICR_TYPER_PLPIS.Get(rd.typer) == 0 {
			return nil, fatal("enable LPIs", fmt.Errorf("%w: redistributor %d", ErrLPIUnsupported, rd.index))
		}
		if err := c.initLPIs(io, cpu, rd); err != nil {
			return nil, err
		}
	}
	if err := c.initSGIs(io, rd); err != nil {
		return nil, err
	}
	if err := c.initCPUInterface(cpu); err != nil {
		return nil, err
	}
	return rd, nil
}

// initialized returns the cores whose InitCPU completed.
func (c *Controller) initialized() []*cpuState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*cpuState
	for i := range c.opts.numCPUs {
		if st, ok := c.cpus[i]; ok && st.rd != nil {
			out = append(out, st)
		}
	}
	return out
}

func (c *Controller) cpuFor(index int) (*cpuState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cpus[index]
	if !ok || st.rd == nil {
		return nil, fmt.Errorf("%w: cpu %d", ErrNotInitialized, index)
	}
	return st, nil
}
