package gicsim

import (
	"gvisor.dev/gvisor/pkg/bitmap"
)

type bankKind int

const (
	bankGroup bankKind = iota
	bankSetEnable
	bankClearEnable
	bankSetPending
	bankClearPending
	bankPriority
	bankConfig
	bankModifier
)

// bank is a run of per-interrupt registers starting at off that covers
// INTIDs from first.
type bank struct {
	off   uint64
	size  uint64
	kind  bankKind
	first uint32
}

func (b bank) contains(off uint64) bool { return off >= b.off && off < b.off+b.size }

func (b bank) idsPerByte() uint32 {
	switch b.kind {
	case bankPriority:
		return 1
	case bankConfig:
		return 4
	default:
		return 8
	}
}

// intState holds the per-interrupt configuration for a range of INTIDs.
type intState struct {
	limit    func(id uint32) bool
	group    bitmap.Bitmap
	enable   bitmap.Bitmap
	pending  bitmap.Bitmap
	modifier bitmap.Bitmap
	edge     bitmap.Bitmap
	priority map[uint32]uint8
}

func newIntState(size uint32, limit func(uint32) bool) *intState {
	return &intState{
		limit:    limit,
		group:    bitmap.New(size),
		enable:   bitmap.New(size),
		pending:  bitmap.New(size),
		modifier: bitmap.New(size),
		edge:     bitmap.New(size),
		priority: make(map[uint32]uint8),
	}
}

func has(b *bitmap.Bitmap, id uint32) bool {
	if int(id) >= b.Size() {
		return false
	}
	bit, err := b.FirstOne(id)
	return err == nil && bit == id
}

func set(b *bitmap.Bitmap, id uint32, on bool) {
	if on {
		b.Add(id)
	} else if int(id) < b.Size() {
		b.Remove(id)
	}
}

func (s *intState) bitmapFor(k bankKind) *bitmap.Bitmap {
	switch k {
	case bankGroup:
		return &s.group
	case bankSetEnable, bankClearEnable:
		return &s.enable
	case bankSetPending, bankClearPending:
		return &s.pending
	case bankModifier:
		return &s.modifier
	}
	return nil
}

func (s *intState) read(b bank, off uint64, width int) uint64 {
	var v uint64
	rel := off - b.off
	per := b.idsPerByte()
	id := b.first + uint32(rel)*per
	for i := 0; i < width*int(per); i++ {
		cur := id + uint32(i)
		if !s.limit(cur) {
			continue
		}
		switch b.kind {
		case bankPriority:
			v |= uint64(s.priority[cur]) << (8 * i)
		case bankConfig:
			if has(&s.edge, cur) {
				v |= 2 << (2 * i)
			}
		default:
			if has(s.bitmapFor(b.kind), cur) {
				v |= 1 << i
			}
		}
	}
	return v
}

func (s *intState) write(b bank, off uint64, width int, v uint64) {
	rel := off - b.off
	per := b.idsPerByte()
	id := b.first + uint32(rel)*per
	for i := 0; i < width*int(per); i++ {
		cur := id + uint32(i)
		if !s.limit(cur) {
			continue
		}
		switch b.kind {
		case bankPriority:
			s.priority[cur] = uint8(v >> (8 * i))
		case bankConfig:
			set(&s.edge, cur, v>>(2*i)&2 != 0)
		case bankGroup, bankModifier:
			set(s.bitmapFor(b.kind), cur, v>>i&1 != 0)
		case bankSetEnable, bankSetPending:
			if v>>i&1 != 0 {
				set(s.bitmapFor(b.kind), cur, true)
			}
		case bankClearEnable, bankClearPending:
			if v>>i&1 != 0 {
				set(s.bitmapFor(b.kind), cur, false)
			}
		}
	}
}

// IntConfig is the observable configuration of one interrupt.
type IntConfig struct {
	Group1   bool
	Enabled  bool
	Pending  bool
	Modifier bool
	Edge     bool
	Priority uint8
}

func (s *intState) config(id uint32) IntConfig {
	return IntConfig{
		Group1:   has(&s.group, id),
		Enabled:  has(&s.enable, id),
		Pending:  has(&s.pending, id),
		Modifier: has(&s.modifier, id),
		Edge:     has(&s.edge, id),
		Priority: s.priority[id],
	}
}
