package gicv3

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/bsp/internal/gicsim"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/intr"
)

func configByte(t *testing.T, r *rig, id uint32) byte {
	t.Helper()
	var b [1]byte
	if err := r.cache.RAM().ReadAt(b[:], r.ctrl.lpiConfig.PA+uint64(id-gicreg.LPIBaseID)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return b[0]
}

func TestSPICallouts(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.addSPI(t, &Entry{Name: "uart", Base: 33, Count: 1})
	r.addSPI(t, &Entry{Name: "eth", Base: 40, Count: 8})
	r.boot(t)

	var handled []uint32
	h := func(cpu int, id uint32) error {
		handled = append(handled, id)
		return nil
	}
	if err := r.table.Attach(42, h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !r.sim.Dist(42).Enabled || r.sim.Dist(43).Enabled {
		t.Errorf("enables 42 %v 43 %v, want only 42", r.sim.Dist(42).Enabled, r.sim.Dist(43).Enabled)
	}

	r.sim.CPU(1).Raise(42)
	id, ok, err := r.table.Service(1)
	if err != nil || !ok || id != 42 {
		t.Fatalf("Service = %d, %v, %v; want 42", id, ok, err)
	}
	if diff := cmp.Diff([]uint32{42}, handled); diff != "" {
		t.Errorf("handled (-want +got):\n%s", diff)
	}
	if got := r.sim.CPU(1).State().EOI; !slices.Equal(got, []uint32{42}) {
		t.Errorf("cpu 1 EOI = %v, want [42]", got)
	}

	if _, ok, err := r.table.Service(1); ok || err != nil {
		t.Errorf("Service with nothing pending = %v, %v; want spurious", ok, err)
	}

	if err := r.table.Detach(42); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if r.sim.Dist(42).Enabled {
		t.Errorf("SPI 42 still enabled after Detach")
	}
	wantClean(t, r.sim)
}

func TestCalloutRange(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	e := &Entry{Name: "uart", Base: 33, Count: 1}
	r.addSPI(t, e)
	r.boot(t)

	k := &Callouts{c: r.ctrl, e: e}
	if err := k.Unmask(34); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Unmask(34) = %v, want %v", err, ErrOutOfRange)
	}
	if err := k.EOI(0, 32); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("EOI(0, 32) = %v, want %v", err, ErrOutOfRange)
	}
}

func TestEOIBeforeInitCPU(t *testing.T) {
	p := gicsim.GIC600()
	r := newRig(t, p)
	r.addSPI(t, &Entry{Name: "uart", Base: 33, Count: 1})
	if err := r.ctrl.InitGlobal(r.cpu(0)); err != nil {
		t.Fatalf("InitGlobal: %v", err)
	}
	rg, ok := r.table.Lookup(33)
	if !ok {
		t.Fatalf("no range for 33")
	}
	if err := rg.Callouts.EOI(2, 33); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("EOI on cpu 2 = %v, want %v", err, ErrNotInitialized)
	}
}

func TestITSLPICallouts(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.addLPI(t, &Entry{Name: "msi", Base: 8192, Count: 32})
	r.boot(t)
	before := len(r.sim.Commands())

	if err := r.table.Attach(8200, func(int, uint32) error { return nil }); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := configByte(t, r, 8200); got&gicreg.LPIConfigEnable == 0 || got&^gicreg.LPIConfigEnable != defaultPriority|gicreg.LPIConfigRES1 {
		t.Errorf("config byte 0x%02x, want enabled at the default priority", got)
	}
	if got := configByte(t, r, 8201); got&gicreg.LPIConfigEnable != 0 {
		t.Errorf("LPI 8201 enabled")
	}

	var ops []uint8
	for _, c := range r.sim.Commands()[before:] {
		ops = append(ops, c.Opcode)
	}
	var want []uint8
	for range r.prof.CPUs {
		want = append(want, gicreg.CmdINVALL, gicreg.CmdSYNC)
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("invalidation commands (-want +got):\n%s", diff)
	}

	if err := r.table.Detach(8200); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := configByte(t, r, 8200); got&gicreg.LPIConfigEnable != 0 {
		t.Errorf("config byte 0x%02x after Detach, want disabled", got)
	}
	wantClean(t, r.sim)
}

func TestDirectLPI(t *testing.T) {
	p := gicsim.GIC600()
	p.ITS = 0
	p.DirectLPI = true
	p.SyncDelay = 3
	r := newRig(t, p)
	e := &Entry{Name: "msi", Base: 8192, Count: 32}
	r.addLPI(t, e)
	r.boot(t)
	wantClean(t, r.sim)

	if e.Dispatch.Route != RouteDirect || e.Patch.ITS != 0 {
		t.Errorf("dispatch %s patch ITS 0x%x, want direct", e.Dispatch, e.Patch.ITS)
	}
	for i := range p.CPUs {
		rd := r.sim.Redist(i)
		if !rd.LPIsEnabled || rd.InvAll != 1 {
			t.Errorf("redistributor %d LPIs %v INVALLR writes %d", i, rd.LPIsEnabled, rd.InvAll)
		}
	}

	if err := r.table.Attach(8195, func(int, uint32) error { return nil }); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for i := range p.CPUs {
		if got := r.sim.Redist(i).InvLPI; !slices.Equal(got, []uint64{8195}) {
			t.Errorf("redistributor %d INVLPIR = %v, want [8195]", i, got)
		}
	}

	// LPIs are acknowledged through the same CPU interface.
	r.sim.CPU(0).Raise(8195)
	id, ok, err := r.table.Service(0)
	if err != nil || !ok || id != 8195 {
		t.Fatalf("Service = %d, %v, %v; want 8195", id, ok, err)
	}
	if got := r.sim.CPU(0).State().EOI; !slices.Equal(got, []uint32{8195}) {
		t.Errorf("EOI = %v, want [8195]", got)
	}
}

func TestUnownedVector(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.addSPI(t, &Entry{Name: "uart", Base: 33, Count: 1})
	r.boot(t)

	r.sim.CPU(0).Raise(50)
	if _, _, err := r.table.Service(0); !errors.Is(err, intr.ErrNoRange) {
		t.Errorf("Service = %v, want %v", err, intr.ErrNoRange)
	}
}

func TestMemoryMappedCallouts(t *testing.T) {
	p := gicsim.GIC600()
	p.GICC = 0x08010000
	r := newRig(t, p)
	if err := r.ctrl.UseMemoryMappedCPUInterface(p.GICC, true); err != nil {
		t.Fatalf("UseMemoryMappedCPUInterface: %v", err)
	}
	r.addSPI(t, &Entry{Name: "uart", Base: 33, Count: 1})
	r.boot(t)

	var handled []uint32
	if err := r.table.Attach(33, func(cpu int, id uint32) error {
		handled = append(handled, id)
		return nil
	}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Every core reaches its own banked frame at the same address.
	for _, cpu := range []int{0, 3} {
		r.sim.RaiseGICC(33)
		id, ok, err := r.table.Service(cpu)
		if err != nil || !ok || id != 33 {
			t.Fatalf("Service(%d) = %d, %v, %v; want 33", cpu, id, ok, err)
		}
	}
	if diff := cmp.Diff([]uint32{33, 33}, handled); diff != "" {
		t.Errorf("handled (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{33, 33}, r.sim.GICCEOIs()); diff != "" {
		t.Errorf("GICC EOIs (-want +got):\n%s", diff)
	}
	if got := r.sim.CPU(0).State().EOI; len(got) != 0 {
		t.Errorf("system-register EOIs %v with the memory-mapped interface selected", got)
	}
	if _, ok, err := r.table.Service(0); ok || err != nil {
		t.Errorf("Service with nothing pending = %v, %v; want spurious", ok, err)
	}
	wantClean(t, r.sim)
}
