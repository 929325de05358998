package gicv3

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/bsp/internal/gicsim"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/intr"
	"github.com/tinyrange/bsp/internal/mmio"
	"github.com/tinyrange/bsp/internal/phys"
)

const (
	ramBase = 0x40000000
	ramSize = 16 << 20
	// Registers and tables are reached through a high linear mapping so
	// that a physical/virtual mix-up faults on the bus.
	virtOffset = 0xffff000000000000
)

type rig struct {
	prof  gicsim.Profile
	sim   *gicsim.GIC
	cache *phys.Cache
	table *intr.Table
	ctrl  *Controller
}

func newRig(t *testing.T, p gicsim.Profile, opts ...Option) *rig {
	t.Helper()
	ram, err := phys.NewRAM(ramBase, ramSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	cache := phys.NewCache(ram, false)

	sim, err := gicsim.New(p, cache)
	if err != nil {
		t.Fatalf("gicsim.New: %v", err)
	}
	bus := mmio.NewBus(virtOffset)
	if err := bus.Attach(sim); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r := &rig{prof: p, sim: sim, cache: cache, table: intr.NewTable()}
	host := Host{
		Bus:        bus,
		MemoryMap:  phys.NewMemoryMap(ramBase, ramSize, virtOffset),
		Allocator:  phys.NewAllocator(cache, virtOffset),
		Memory:     cache,
		Dispatcher: r.table,
	}
	opts = append([]Option{WithNumCPUs(len(p.CPUs)), WithPollLimit(1000)}, opts...)
	r.ctrl, err = New(host, BaseAddresses{Dist: p.Dist, Redist: p.Redist, ITS: p.ITS}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func (r *rig) cpu(i int) CPU {
	return CPU{Index: i, MPIDR: r.prof.CPUs[i], SysRegs: r.sim.CPU(i)}
}

// boot runs global initialization and then InitCPU on every core in order.
func (r *rig) boot(t *testing.T) {
	t.Helper()
	if err := r.ctrl.InitGlobal(r.cpu(0)); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	for i := range r.prof.CPUs {
		if err := r.ctrl.InitCPU(r.cpu(i)); err != nil {
			t.Fatalf("InitCPU(%d): %v", i, err)
		}
	}
}

func (r *rig) addSPI(t *testing.T, e *Entry) {
	t.Helper()
	if err := r.ctrl.AddSPI(e); err != nil {
		t.Fatalf("AddSPI(%s): %v", e, err)
	}
}

func (r *rig) addLPI(t *testing.T, e *Entry) {
	t.Helper()
	if err := r.ctrl.AddLPI(e); err != nil {
		t.Fatalf("AddLPI(%s): %v", e, err)
	}
}

func wantClean(t *testing.T, sim *gicsim.GIC) {
	t.Helper()
	if v := sim.Violations(); len(v) != 0 {
		t.Fatalf("hardware saw violations: %v", v)
	}
}

func wantFatal(t *testing.T, err, target error) {
	t.Helper()
	if !IsFatal(err) || !errors.Is(err, target) {
		t.Fatalf("err = %v, want fatal %v", err, target)
	}
}

func TestBringUp(t *testing.T) {
	p := gicsim.GIC600()
	r := newRig(t, p)
	r.addSPI(t, &Entry{Name: "uart", Base: 33, Count: 1})
	r.addSPI(t, &Entry{Name: "pcie-msi", Base: 64, Count: 32, Flags: FlagMSI})
	r.addLPI(t, &Entry{Name: "its-msi", Base: 8192, Count: 64})
	r.boot(t)
	wantClean(t, r.sim)

	if got, want := r.sim.DistCTLR(), uint32(gicreg.CTLR_ARE_NS|gicreg.CTLR_EnableGrp1NS); got != want {
		t.Errorf("GICD_CTLR = 0x%x, want 0x%x", got, want)
	}
	if got := r.sim.Dist(40); !got.Group1 || got.Enabled || got.Priority != defaultPriority || got.Edge {
		t.Errorf("SPI 40 = %+v, want group 1, disabled, level, priority 0x%x", got, defaultPriority)
	}
	if got := r.sim.Dist(70); !got.Edge {
		t.Errorf("SPI 70 = %+v, want edge-triggered", got)
	}
	for _, id := range []uint32{32, 95} {
		if v, ok := r.sim.Route(id); !ok || v != 0 {
			t.Errorf("IROUTER(%d) = 0x%x written %v, want 0", id, v, ok)
		}
	}

	for i := range p.CPUs {
		rd := r.sim.Redist(i)
		if !rd.Awake || !rd.LPIsEnabled {
			t.Errorf("redistributor %d awake %v LPIs %v, want both", i, rd.Awake, rd.LPIsEnabled)
		}
		if rd.SGI[0].Priority != ipiPriority || rd.SGI[1].Priority != defaultPriority {
			t.Errorf("redistributor %d SGI priorities 0x%x 0x%x", i, rd.SGI[0].Priority, rd.SGI[1].Priority)
		}
		if !rd.SGI[15].Enabled || rd.SGI[16].Enabled {
			t.Errorf("redistributor %d: SGI15 enabled %v, PPI16 enabled %v", i, rd.SGI[15].Enabled, rd.SGI[16].Enabled)
		}
		st := r.sim.CPU(i).State()
		if !st.SRE || st.PMR != idlePriorityMask || st.BPR1 != 0 || st.IGRPEN1 != 1 {
			t.Errorf("cpu %d interface = %+v", i, st)
		}
	}

	var want []gicsim.Command
	for i := range p.CPUs {
		off := uint64(i) * 3 * gicreg.CmdSize
		icid := uint16(i)
		want = append(want,
			gicsim.Command{Offset: off, Opcode: gicreg.CmdMAPC, ICID: icid, RDbase: uint64(i), Valid: true},
			gicsim.Command{Offset: off + 32, Opcode: gicreg.CmdSYNC, RDbase: uint64(i)},
			gicsim.Command{Offset: off + 64, Opcode: gicreg.CmdINVALL, ICID: icid},
		)
	}
	if diff := cmp.Diff(want, r.sim.Commands()); diff != "" {
		t.Errorf("ITS commands (-want +got):\n%s", diff)
	}

	var names []string
	for _, rg := range r.table.Ranges() {
		names = append(names, rg.String())
	}
	if diff := cmp.Diff([]string{"uart [33,34)", "pcie-msi [64,96)", "its-msi [8192,8256)"}, names); diff != "" {
		t.Errorf("dispatch ranges (-want +got):\n%s", diff)
	}
	for _, e := range append(r.ctrl.SPIs(), r.ctrl.LPIs()...) {
		if e.Dispatch.CPU != SystemRegisters || e.Patch.Dist == 0 || e.Patch.LPIConfig == 0 {
			t.Errorf("%s dispatch %s patch %+v", e, e.Dispatch, e.Patch)
		}
	}
}

func TestSingleSecurityState(t *testing.T) {
	p := gicsim.GIC600()
	p.SecurityExtn = false
	r := newRig(t, p)
	r.boot(t)
	wantClean(t, r.sim)

	want := uint32(gicreg.CTLR_ARE | gicreg.CTLR_EnableGrp1NS | gicreg.CTLR_EnableGrp0)
	if got := r.sim.DistCTLR(); got != want {
		t.Errorf("GICD_CTLR = 0x%x, want 0x%x", got, want)
	}
}

func TestDefaultEntry(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.boot(t)

	spis := r.ctrl.SPIs()
	if len(spis) != 1 || spis[0].Base != 32 || spis[0].Count != 64 {
		t.Fatalf("SPIs = %v, want one entry [32,96)", spis)
	}
	if got := r.ctrl.LPIs(); len(got) != 0 {
		t.Errorf("LPIs = %v, want none", got)
	}
	if got := r.sim.Redist(0); got.LPIsEnabled || got.PROPBASER != 0 {
		t.Errorf("redistributor 0 = %+v, want LPIs untouched", got)
	}
	if got := r.sim.ITS(); got.Enabled {
		t.Errorf("ITS enabled without LPI entries")
	}
	if got := len(r.table.Ranges()); got != 1 {
		t.Errorf("%d dispatch ranges, want 1", got)
	}
}

func TestPhaseErrors(t *testing.T) {
	r := newRig(t, gicsim.GIC600())

	if err := r.ctrl.InitCPU(r.cpu(0)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("InitCPU before InitGlobal = %v, want %v", err, ErrNotInitialized)
	}
	if err := r.ctrl.InitGlobal(r.cpu(0)); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	if err := r.ctrl.InitGlobal(r.cpu(0)); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second InitGlobal = %v, want %v", err, ErrAlreadyInitialized)
	}
	if err := r.ctrl.AddSPI(&Entry{Name: "late", Base: 40, Count: 1}); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("AddSPI after InitGlobal = %v, want %v", err, ErrRegistryFrozen)
	}
	if err := r.ctrl.SetITSParams(defaultITSParams()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("SetITSParams after InitGlobal = %v, want %v", err, ErrAlreadyInitialized)
	}
	if err := r.ctrl.InitCPU(r.cpu(1)); err != nil {
		t.Fatalf("InitCPU(1): %v", err)
	}
	if err := r.ctrl.InitCPU(r.cpu(1)); !errors.Is(err, ErrCPUAlreadyInitialized) {
		t.Errorf("second InitCPU(1) = %v, want %v", err, ErrCPUAlreadyInitialized)
	}
	if err := r.ctrl.InitCPU(CPU{Index: 9}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("InitCPU(9) = %v, want %v", err, ErrOutOfRange)
	}
}

func TestRedistributorNotFound(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	if err := r.ctrl.InitGlobal(r.cpu(0)); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	cpu := r.cpu(0)
	cpu.MPIDR = 0x100
	wantFatal(t, r.ctrl.InitCPU(cpu), ErrRedistributorNotFound)
}

func TestTimeout(t *testing.T) {
	p := gicsim.GIC600()
	p.RWPDelay = -1
	r := newRig(t, p, WithPollLimit(10))

	err := r.ctrl.InitGlobal(r.cpu(0))
	wantFatal(t, err, ErrTimeout)
	if !strings.Contains(err.Error(), "after 11 reads") {
		t.Errorf("err = %v, want the read count", err)
	}
	if err := r.ctrl.InitCPU(r.cpu(0)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("InitCPU after failed InitGlobal = %v, want %v", err, ErrNotInitialized)
	}
}

func TestSlowWake(t *testing.T) {
	p := gicsim.GIC600()
	p.WakeDelay = 50
	r := newRig(t, p)
	r.boot(t)
	for i := range p.CPUs {
		if !r.sim.Redist(i).Awake {
			t.Errorf("redistributor %d asleep", i)
		}
	}

	p.WakeDelay = 50
	r = newRig(t, p, WithPollLimit(20))
	if err := r.ctrl.InitGlobal(r.cpu(0)); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	wantFatal(t, r.ctrl.InitCPU(r.cpu(0)), ErrTimeout)
}

func TestUnknownVersion(t *testing.T) {
	p := gicsim.GIC600()
	p.ArchRev = 7

	ram, err := phys.NewRAM(ramBase, 1<<20)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	defer ram.Close()
	cache := phys.NewCache(ram, false)
	sim, err := gicsim.New(p, cache)
	if err != nil {
		t.Fatalf("gicsim.New: %v", err)
	}
	bus := mmio.NewBus(0)
	if err := bus.Attach(sim); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	host := Host{
		Bus:        bus,
		MemoryMap:  phys.NewMemoryMap(ramBase, 1<<20, 0),
		Allocator:  phys.NewAllocator(cache, 0),
		Memory:     cache,
		Dispatcher: intr.NewTable(),
	}
	_, err = New(host, BaseAddresses{Dist: p.Dist, Redist: p.Redist})
	wantFatal(t, err, ErrUnknownVersion)
}

func TestCPUInterfaceSelection(t *testing.T) {
	const gicc = 0x08010000
	for _, tc := range []struct {
		name    string
		sysregs bool
		locked  bool
		gicc    bool
		force   bool
		want    CPUInterface
		err     error
	}{
		{name: "sysregs", sysregs: true, want: SystemRegisters},
		{name: "sysregs preferred", sysregs: true, gicc: true, want: SystemRegisters},
		{name: "forced", sysregs: true, gicc: true, force: true, want: MemoryMapped},
		{name: "fallback", gicc: true, want: MemoryMapped},
		{name: "SRE locked", sysregs: true, locked: true, gicc: true, want: MemoryMapped},
		{name: "none", err: errNoCPUInterface},
		{name: "SRE locked without GICC", sysregs: true, locked: true, err: errNoCPUInterface},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := gicsim.GIC600()
			p.SysRegInterface = tc.sysregs
			p.SRELocked = tc.locked
			if tc.gicc {
				p.GICC = gicc
			}
			r := newRig(t, p)
			if tc.gicc {
				if err := r.ctrl.UseMemoryMappedCPUInterface(gicc, tc.force); err != nil {
					t.Fatalf("UseMemoryMappedCPUInterface: %v", err)
				}
			}

			err := r.ctrl.InitGlobal(r.cpu(0))
			if tc.err != nil {
				wantFatal(t, err, tc.err)
				return
			}
			if err != nil {
				t.Fatalf("InitGlobal: %v", err)
			}
			if got := r.ctrl.CPUInterface(); got != tc.want {
				t.Fatalf("CPUInterface = %s, want %s", got, tc.want)
			}
			for i := range p.CPUs {
				if err := r.ctrl.InitCPU(r.cpu(i)); err != nil {
					t.Fatalf("InitCPU(%d): %v", i, err)
				}
			}
			if tc.want == MemoryMapped {
				ctlr, pmr, bpr, enables := r.sim.GICCState()
				if ctlr != gicreg.GICC_CTLR_EnableGrp1 || pmr != idlePriorityMask || bpr != 0 || enables != len(p.CPUs) {
					t.Errorf("GICC ctlr 0x%x pmr 0x%x bpr %d enables %d", ctlr, pmr, bpr, enables)
				}
				if e := r.ctrl.SPIs()[0]; e.Patch.GICC != gicc+virtOffset {
					t.Errorf("patch GICC = 0x%x, want 0x%x", e.Patch.GICC, uint64(gicc+virtOffset))
				}
			}
		})
	}
}

func TestTables(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.addLPI(t, &Entry{Name: "msi", Base: 8192, Count: 64})
	r.boot(t)

	var tags []string
	for _, reg := range r.ctrl.Tables() {
		tags = append(tags, reg.Tag)
		if reg.Base < ramBase || reg.End() > ramBase+ramSize || reg.VAddr != reg.Base+virtOffset {
			t.Errorf("table %s at 0x%x size 0x%x vaddr 0x%x", reg.Tag, reg.Base, reg.Size, reg.VAddr)
		}
	}
	want := []string{
		"gic-lpi-config", "gic-its-baser0", "gic-its-baser1", "gic-its-cmdq",
		"gic-lpi-pending0", "gic-lpi-pending1", "gic-lpi-pending2", "gic-lpi-pending3",
	}
	if diff := cmp.Diff(want, tags); diff != "" {
		t.Errorf("tables (-want +got):\n%s", diff)
	}
}
