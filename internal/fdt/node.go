// Package fdt builds and parses flattened device-tree blobs describing the
// board's interrupt controller.
package fdt

import (
	"encoding/binary"
	"fmt"
)

// Property describes a single device-tree property.
// Exactly one of the typed fields should be populated for a given property.
// Parsed properties carry their raw value in Bytes.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// Cells decodes the property as big-endian 32-bit cells.
func (p Property) Cells() ([]uint32, error) {
	if len(p.U32) > 0 {
		return p.U32, nil
	}
	if len(p.U64) > 0 {
		out := make([]uint32, 0, 2*len(p.U64))
		for _, v := range p.U64 {
			out = append(out, uint32(v>>32), uint32(v))
		}
		return out, nil
	}
	if len(p.Bytes)%4 != 0 {
		return nil, fmt.Errorf("fdt: property length %d is not a multiple of 4", len(p.Bytes))
	}
	out := make([]uint32, len(p.Bytes)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Bytes[4*i:])
	}
	return out, nil
}

// StringList decodes the property as a list of NUL-terminated strings.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 {
		return p.Strings
	}
	var out []string
	start := 0
	for i, c := range p.Bytes {
		if c == 0 {
			out = append(out, string(p.Bytes[start:i]))
			start = i + 1
		}
	}
	return out
}

// Node describes a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Reg is one (address, size) pair of a reg property.
type Reg struct {
	Address uint64
	Size    uint64
}

// Regs decodes the node's reg property with the given cell counts.
func (n Node) Regs(addressCells, sizeCells int) ([]Reg, error) {
	prop, ok := n.Properties["reg"]
	if !ok {
		return nil, fmt.Errorf("fdt: node %q has no reg property", n.Name)
	}
	cells, err := prop.Cells()
	if err != nil {
		return nil, err
	}
	stride := addressCells + sizeCells
	if stride == 0 || len(cells)%stride != 0 {
		return nil, fmt.Errorf("fdt: node %q reg has %d cells, not a multiple of %d", n.Name, len(cells), stride)
	}

	join := func(c []uint32) uint64 {
		var v uint64
		for _, x := range c {
			v = v<<32 | uint64(x)
		}
		return v
	}

	var regs []Reg
	for i := 0; i < len(cells); i += stride {
		regs = append(regs, Reg{
			Address: join(cells[i : i+addressCells]),
			Size:    join(cells[i+addressCells : i+stride]),
		})
	}
	return regs, nil
}

// U32 returns the first cell of a property, or def when it is absent.
func (n Node) U32(name string, def uint32) uint32 {
	prop, ok := n.Properties[name]
	if !ok {
		return def
	}
	cells, err := prop.Cells()
	if err != nil || len(cells) == 0 {
		return def
	}
	return cells[0]
}

// Compatible reports whether the node lists compat in its compatible property.
func (n Node) Compatible(compat string) bool {
	for _, s := range n.Properties["compatible"].StringList() {
		if s == compat {
			return true
		}
	}
	return false
}

// FindCompatible walks the tree depth first and returns the first node
// compatible with compat together with its parent's #address-cells and
// #size-cells.
func FindCompatible(root Node, compat string) (node Node, addressCells, sizeCells int, ok bool) {
	var walk func(n Node, ac, sc int) bool
	walk = func(n Node, ac, sc int) bool {
		if n.Compatible(compat) {
			node, addressCells, sizeCells = n, ac, sc
			return true
		}
		childAC := int(n.U32("#address-cells", 2))
		childSC := int(n.U32("#size-cells", 1))
		for _, child := range n.Children {
			if walk(child, childAC, childSC) {
				return true
			}
		}
		return false
	}
	ok = walk(root, 2, 1)
	return
}
