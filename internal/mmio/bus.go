package mmio

import (
	"fmt"
	"sort"
	"sync"
)

// Bus routes register accesses to devices by physical address.
//
// Drivers see registers through a linear mapping: a virtual address is the
// physical address plus Offset. Offset may be zero for identity-mapped boards.
type Bus struct {
	mu sync.RWMutex

	offset  uint64
	devices []attached
}

type attached struct {
	region Region
	dev    Device
}

func NewBus(offset uint64) *Bus {
	return &Bus{offset: offset}
}

// Attach adds a device. Its regions must not overlap an attached region.
func (b *Bus) Attach(dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range dev.Regions() {
		if r.Size == 0 {
			return fmt.Errorf("mmio: zero-size region at 0x%x", r.Address)
		}
		for _, a := range b.devices {
			if r.Address < a.region.End() && a.region.Address < r.End() {
				return fmt.Errorf("mmio: region [0x%x-0x%x) overlaps [0x%x-0x%x)",
					r.Address, r.End(), a.region.Address, a.region.End())
			}
		}
		b.devices = append(b.devices, attached{region: r, dev: dev})
	}
	sort.Slice(b.devices, func(i, j int) bool {
		return b.devices[i].region.Address < b.devices[j].region.Address
	})
	return nil
}

func (b *Bus) lookup(vaddr uint64, size int) (Device, uint64, error) {
	paddr := vaddr - b.offset

	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.devices), func(i int) bool {
		return b.devices[i].region.End() > paddr
	})
	if i < len(b.devices) && b.devices[i].region.Contains(paddr, size) {
		return b.devices[i].dev, paddr, nil
	}
	return nil, 0, fmt.Errorf("mmio: no device at 0x%x (virtual 0x%x)", paddr, vaddr)
}

func (b *Bus) ReadMMIO(vaddr uint64, data []byte) error {
	dev, paddr, err := b.lookup(vaddr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(paddr, data)
}

func (b *Bus) WriteMMIO(vaddr uint64, data []byte) error {
	dev, paddr, err := b.lookup(vaddr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(paddr, data)
}

var (
	_ Accessor = (*Bus)(nil)
)
