package mmio

import (
	"testing"
)

type scratch struct {
	region Region
	regs   map[uint64]uint64
}

func newScratch(base, size uint64) *scratch {
	return &scratch{region: Region{Address: base, Size: size}, regs: make(map[uint64]uint64)}
}

func (s *scratch) Regions() []Region { return []Region{s.region} }

func (s *scratch) ReadMMIO(addr uint64, data []byte) error {
	PutU64(data, s.regs[addr-s.region.Address])
	return nil
}

func (s *scratch) WriteMMIO(addr uint64, data []byte) error {
	s.regs[addr-s.region.Address] = GetU64(data)
	return nil
}

func TestBusRoutesThroughOffset(t *testing.T) {
	const offset = 0xffff000000000000
	bus := NewBus(offset)
	dev := newScratch(0x08000000, 0x10000)
	if err := bus.Attach(dev); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := Write32(bus, offset+0x08000010, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got := dev.regs[0x10]; got != 0xdeadbeef {
		t.Fatalf("device saw 0x%x, want 0xdeadbeef", got)
	}

	v, err := Read32(bus, offset+0x08000010)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x", v)
	}

	if err := Write64(bus, offset+0x08000020, 0x1122334455667788); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	v64, err := Read64(bus, offset+0x08000020)
	if err != nil {
		t.Fatalf("Read64: %v", err)
	}
	if v64 != 0x1122334455667788 {
		t.Fatalf("Read64 = 0x%x", v64)
	}
}

func TestBusRejectsUnmappedAndOverlap(t *testing.T) {
	bus := NewBus(0)
	if err := bus.Attach(newScratch(0x1000, 0x1000)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := bus.Attach(newScratch(0x1800, 0x1000)); err == nil {
		t.Fatal("expected overlap error")
	}
	if _, err := Read32(bus, 0x3000); err == nil {
		t.Fatal("expected error for unmapped read")
	}
	// Straddling the end of a region is not routed.
	if _, err := Read64(bus, 0x1ffc); err == nil {
		t.Fatal("expected error for straddling read")
	}
}

func TestSimpleDeviceDefaults(t *testing.T) {
	dev := SimpleDevice{Blocks: []Region{{Address: 0, Size: 4}}}
	if err := dev.ReadMMIO(0, make([]byte, 4)); err == nil {
		t.Fatal("expected unhandled read error")
	}
	if err := dev.WriteMMIO(0, make([]byte, 4)); err == nil {
		t.Fatal("expected unhandled write error")
	}
}
