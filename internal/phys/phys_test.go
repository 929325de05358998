package phys

import (
	"bytes"
	"testing"
)

func newTestRAM(t *testing.T) *RAM {
	t.Helper()
	ram, err := NewRAM(0x40000000, 1<<20)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	return ram
}

func TestRAMBounds(t *testing.T) {
	ram := newTestRAM(t)

	if err := ram.WriteAt([]byte{1, 2, 3, 4}, 0x40000010); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 4)
	if err := ram.ReadAt(got, 0x40000010); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadAt = %v", got)
	}

	for _, addr := range []uint64{0x3ffffffc, 0x400ffffe, 0x50000000} {
		if err := ram.WriteAt([]byte{0, 0, 0, 0}, addr); err == nil {
			t.Errorf("WriteAt(0x%x) succeeded, want error", addr)
		}
	}
}

func TestCacheWriteBack(t *testing.T) {
	ram := newTestRAM(t)
	cache := NewCache(ram, false)

	const addr = 0x40001000
	if err := cache.WriteAt([]byte{0xa2, 0xa2}, addr+63); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// The store straddles two lines and has not reached RAM yet.
	dev := make([]byte, 2)
	ram.ReadAt(dev, addr+63)
	if !bytes.Equal(dev, []byte{0, 0}) {
		t.Fatalf("RAM saw %v before flush", dev)
	}
	if got := cache.DirtyLines(addr, 0x1000); len(got) != 2 || got[0] != addr || got[1] != addr+64 {
		t.Fatalf("DirtyLines = %x", got)
	}

	cpu := make([]byte, 2)
	if err := cache.ReadAt(cpu, addr+63); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(cpu, []byte{0xa2, 0xa2}) {
		t.Fatalf("CPU read %v, want own stores", cpu)
	}

	if err := cache.FlushRange(addr+64, 1); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}
	// Only the second line was cleaned.
	if got := cache.DirtyLines(addr, 0x1000); len(got) != 1 || got[0] != addr {
		t.Fatalf("DirtyLines after partial flush = %x", got)
	}
	if err := cache.FlushRange(addr, 0x1000); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}
	ram.ReadAt(dev, addr+63)
	if !bytes.Equal(dev, []byte{0xa2, 0xa2}) {
		t.Fatalf("RAM saw %v after flush", dev)
	}
	if got := cache.Flushes(); got != 2 {
		t.Fatalf("Flushes = %d, want 2", got)
	}
}

func TestCoherentCacheWritesThrough(t *testing.T) {
	ram := newTestRAM(t)
	cache := NewCache(ram, true)

	if err := cache.WriteAt([]byte{7}, 0x40000100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	dev := make([]byte, 1)
	ram.ReadAt(dev, 0x40000100)
	if dev[0] != 7 {
		t.Fatalf("RAM = %d, want 7", dev[0])
	}
	if got := cache.DirtyLines(0x40000000, 1<<20); len(got) != 0 {
		t.Fatalf("coherent cache has dirty lines %x", got)
	}
}

func TestAllocatorAlignmentAndZero(t *testing.T) {
	ram := newTestRAM(t)
	cache := NewCache(ram, false)
	alloc := NewAllocator(cache, 0xffff000000000000)

	a, err := alloc.Alloc("small", 0x100, 0x1000, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.Base != 0x40000000 || a.VAddr != 0xffff000040000000 {
		t.Fatalf("first region = %+v", a)
	}

	// Dirty the next 64 KiB window through the cache; a zeroed allocation must
	// not resurrect those lines.
	cache.WriteAt([]byte{0xff}, 0x40010000)

	b, err := alloc.Alloc("pending", 0x400, 0x10000, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Base != 0x40010000 {
		t.Fatalf("aligned base = 0x%x, want 0x40010000", b.Base)
	}
	got := make([]byte, 1)
	cache.ReadAt(got, b.Base)
	if got[0] != 0 {
		t.Fatalf("zeroed allocation reads 0x%x", got[0])
	}

	if _, err := alloc.Alloc("odd", 0x10, 0x3000, false); err == nil {
		t.Fatal("expected non-power-of-two alignment error")
	}
	if _, err := alloc.Alloc("huge", 2<<20, 0x1000, false); err == nil {
		t.Fatal("expected out-of-memory error")
	}
	if got := len(alloc.Allocations()); got != 2 {
		t.Fatalf("Allocations = %d, want 2", got)
	}
}

func TestMemoryMapReserve(t *testing.T) {
	m := NewMemoryMap(0x40000000, 1<<30, 0xffff000000000000)

	va, err := m.Reserve("gicd", 0x08000000, 0x10000, AttrDevice)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if va != 0xffff000008000000 {
		t.Fatalf("va = 0x%x", va)
	}

	for _, tt := range []struct {
		name string
		base uint64
		size uint64
		attr Attr
	}{
		{"overlap", 0x0800f000, 0x2000, AttrDevice},
		{"device-in-ram", 0x40001000, 0x1000, AttrDevice},
		{"empty", 0x09000000, 0, AttrDevice},
	} {
		if _, err := m.Reserve(tt.name, tt.base, tt.size, tt.attr); err == nil {
			t.Errorf("Reserve(%s) succeeded, want error", tt.name)
		}
	}

	if _, err := m.Reserve("lpi-tables", 0x40100000, 0x10000, AttrNormal); err != nil {
		t.Fatalf("normal reservation inside RAM: %v", err)
	}
	res := m.Reservations()
	if len(res) != 2 || res[0].Tag != "gicd" || res[1].Attr != AttrNormal {
		t.Fatalf("Reservations = %+v", res)
	}
}
