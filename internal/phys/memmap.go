package phys

import (
	"fmt"
	"sync"
)

type Attr int

const (
	AttrDevice Attr = iota
	AttrNormal
)

func (a Attr) String() string {
	switch a {
	case AttrDevice:
		return "device"
	case AttrNormal:
		return "normal"
	default:
		return fmt.Sprintf("attr(%d)", int(a))
	}
}

// Reservation is a named physical range recorded in the memory map.
type Reservation struct {
	Tag   string
	Base  uint64
	Size  uint64
	Attr  Attr
	VAddr uint64
}

// MemoryMap records reserved physical ranges and maps them linearly.
type MemoryMap struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64
	offset  uint64

	reservations []Reservation
}

func NewMemoryMap(ramBase, ramSize, offset uint64) *MemoryMap {
	return &MemoryMap{ramBase: ramBase, ramSize: ramSize, offset: offset}
}

// Reserve records [base, base+size) under tag and returns its virtual address.
// Device ranges may not overlap RAM; no two reservations may overlap.
func (m *MemoryMap) Reserve(tag string, base, size uint64, attr Attr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("phys: cannot reserve zero-size region %s", tag)
	}

	end := base + size
	ramEnd := m.ramBase + m.ramSize

	if attr == AttrDevice && base < ramEnd && end > m.ramBase {
		return 0, fmt.Errorf("phys: device region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			tag, base, end, m.ramBase, ramEnd)
	}

	for _, r := range m.reservations {
		if base < r.Base+r.Size && end > r.Base {
			return 0, fmt.Errorf("phys: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				tag, base, end, r.Tag, r.Base, r.Base+r.Size)
		}
	}

	res := Reservation{Tag: tag, Base: base, Size: size, Attr: attr, VAddr: base + m.offset}
	m.reservations = append(m.reservations, res)
	return res.VAddr, nil
}

// Reservations returns a copy of all reservations in registration order.
func (m *MemoryMap) Reservations() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Reservation, len(m.reservations))
	copy(result, m.reservations)
	return result
}
