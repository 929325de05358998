package fdt

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtNopToken       = 0x4
	fdtEndToken       = 0x9
)

var be = binary.BigEndian

// Build serializes the tree rooted at root. Each reserved range becomes a
// memory reservation entry, which the next boot stage must leave untouched.
func Build(root Node, reserved ...Reg) ([]byte, error) {
	b := &builder{names: make(map[string]uint32)}
	if err := b.node(root); err != nil {
		return nil, err
	}
	b.dt = be.AppendUint32(b.dt, fdtEndToken)
	return b.blob(reserved), nil
}

type builder struct {
	dt     []byte // structure block
	strtab []byte
	names  map[string]uint32
}

// Properties are emitted in name order so equal trees give equal blobs.
func (b *builder) node(n Node) error {
	b.dt = be.AppendUint32(b.dt, fdtBeginNodeToken)
	b.dt = pad4(append(append(b.dt, n.Name...), 0))

	for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
		value, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt: node %q property %q: %w", n.Name, name, err)
		}
		b.dt = be.AppendUint32(b.dt, fdtPropToken)
		b.dt = be.AppendUint32(b.dt, uint32(len(value)))
		b.dt = be.AppendUint32(b.dt, b.name(name))
		b.dt = pad4(append(b.dt, value...))
	}
	for _, child := range n.Children {
		if err := b.node(child); err != nil {
			return err
		}
	}

	b.dt = be.AppendUint32(b.dt, fdtEndNodeToken)
	return nil
}

// name interns a property name in the strings block.
func (b *builder) name(s string) uint32 {
	off, ok := b.names[s]
	if !ok {
		off = uint32(len(b.strtab))
		b.strtab = append(append(b.strtab, s...), 0)
		b.names[s] = off
	}
	return off
}

func (b *builder) blob(reserved []Reg) []byte {
	offRsv := uint32(fdtHeaderSize)
	offStruct := offRsv + 16*uint32(len(reserved)+1)
	offStrings := offStruct + uint32(len(b.dt))
	total := offStrings + uint32(len(b.strtab))

	out := make([]byte, 0, total)
	for _, v := range []uint32{
		fdtMagic,
		total,
		offStruct,
		offStrings,
		offRsv,
		fdtVersion,
		fdtLastCompVer,
		0, // boot_cpuid_phys
		uint32(len(b.strtab)),
		uint32(len(b.dt)),
	} {
		out = be.AppendUint32(out, v)
	}
	for _, r := range reserved {
		out = be.AppendUint64(out, r.Address)
		out = be.AppendUint64(out, r.Size)
	}
	out = append(out, make([]byte, 16)...) // terminator
	out = append(out, b.dt...)
	return append(out, b.strtab...)
}

func pad4(p []byte) []byte {
	for len(p)%4 != 0 {
		p = append(p, 0)
	}
	return p
}

// encode returns the property's value as it appears in the blob.
func (p Property) encode() ([]byte, error) {
	if n := p.DefinedCount(); n != 1 {
		if n == 0 {
			return nil, fmt.Errorf("no value")
		}
		return nil, fmt.Errorf("%d value kinds set", n)
	}
	var out []byte
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			out = append(append(out, s...), 0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			out = be.AppendUint32(out, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			out = be.AppendUint64(out, v)
		}
	case len(p.Bytes) > 0:
		out = append(out, p.Bytes...)
	}
	// A flag has an empty value.
	return out, nil
}
