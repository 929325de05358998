package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Blob is a parsed device tree.
type Blob struct {
	Root     Node
	Reserved []Reg
}

// Parse decodes an FDT blob. Property values are returned raw in
// Property.Bytes; use Cells, StringList or Node.Regs to interpret them.
func Parse(blob []byte) (*Blob, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("fdt: blob too short (%d bytes)", len(blob))
	}
	if magic := be.Uint32(blob[0:4]); magic != fdtMagic {
		return nil, fmt.Errorf("fdt: bad magic 0x%x", magic)
	}
	total := be.Uint32(blob[4:8])
	if int(total) > len(blob) {
		return nil, fmt.Errorf("fdt: header size %d exceeds blob length %d", total, len(blob))
	}
	blob = blob[:total]

	offStruct := be.Uint32(blob[8:12])
	offStrings := be.Uint32(blob[12:16])
	offMemReserve := be.Uint32(blob[16:20])
	sizeStrings := be.Uint32(blob[32:36])
	sizeStruct := be.Uint32(blob[36:40])

	if uint64(offStruct)+uint64(sizeStruct) > uint64(total) || uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, fmt.Errorf("fdt: struct or strings block outside blob")
	}

	out := &Blob{}
	for off := offMemReserve; off+16 <= total; off += 16 {
		addr, size := be.Uint64(blob[off:]), be.Uint64(blob[off+8:])
		if addr == 0 && size == 0 {
			break
		}
		out.Reserved = append(out.Reserved, Reg{Address: addr, Size: size})
	}

	p := &parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}

	var (
		stack []*Node
		root  *Node
	)
	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case fdtBeginNodeToken:
			name, err := p.cstring()
			if err != nil {
				return nil, err
			}
			n := &Node{Name: name, Properties: make(map[string]Property)}
			stack = append(stack, n)
		case fdtEndNodeToken:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: unbalanced end node at %d", p.off)
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, *n)
			}
		case fdtPropToken:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: property outside node at %d", p.off)
			}
			name, value, err := p.property()
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1].Properties[name] = Property{Bytes: value, Flag: len(value) == 0}
		case fdtNopToken:
		case fdtEndToken:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("fdt: truncated node structure")
			}
			out.Root = *root
			return out, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token 0x%x at %d", tok, p.off-4)
		}
	}
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("fdt: struct block truncated at %d", p.off)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring() (string, error) {
	i := bytes.IndexByte(p.data[p.off:], 0)
	if i < 0 {
		return "", fmt.Errorf("fdt: unterminated node name at %d", p.off)
	}
	s := string(p.data[p.off : p.off+i])
	p.off += i + 1
	p.align()
	return s, nil
}

func (p *parser) property() (string, []byte, error) {
	length, err := p.u32()
	if err != nil {
		return "", nil, err
	}
	nameOff, err := p.u32()
	if err != nil {
		return "", nil, err
	}
	if p.off+int(length) > len(p.data) {
		return "", nil, fmt.Errorf("fdt: property value truncated at %d", p.off)
	}
	value := append([]byte(nil), p.data[p.off:p.off+int(length)]...)
	p.off += int(length)
	p.align()

	if int(nameOff) >= len(p.strings) {
		return "", nil, fmt.Errorf("fdt: property name offset %d outside strings block", nameOff)
	}
	end := bytes.IndexByte(p.strings[nameOff:], 0)
	if end < 0 {
		return "", nil, fmt.Errorf("fdt: unterminated property name at %d", nameOff)
	}
	return string(p.strings[nameOff : int(nameOff)+end]), value, nil
}
