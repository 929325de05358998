// Package mmio models memory-mapped register access for board bring-up code.
package mmio

import (
	"encoding/binary"
	"fmt"
)

// Accessor is the minimal register interface used by drivers.
type Accessor interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type Region struct {
	Address uint64
	Size    uint64
}

func (r Region) Contains(addr uint64, size int) bool {
	return addr >= r.Address && addr+uint64(size) <= r.Address+r.Size
}

func (r Region) End() uint64 { return r.Address + r.Size }

// Device is a register block that claims one or more physical regions.
type Device interface {
	Accessor

	Regions() []Region
}

type SimpleDevice struct {
	Blocks []Region

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleDevice) Regions() []Region { return d.Blocks }
func (d SimpleDevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleDevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

var (
	_ Device = SimpleDevice{}
)

func Read32(a Accessor, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := a.ReadMMIO(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func Write32(a Accessor, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return a.WriteMMIO(addr, buf[:])
}

func Read64(a Accessor, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := a.ReadMMIO(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func Write64(a Accessor, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return a.WriteMMIO(addr, buf[:])
}

// GetU32 decodes an access of up to four bytes.
func GetU32(data []byte) uint32 {
	if len(data) < 4 {
		var tmp [4]byte
		copy(tmp[:], data)
		return binary.LittleEndian.Uint32(tmp[:])
	}
	return binary.LittleEndian.Uint32(data)
}

func GetU64(data []byte) uint64 {
	if len(data) < 8 {
		var tmp [8]byte
		copy(tmp[:], data)
		return binary.LittleEndian.Uint64(tmp[:])
	}
	return binary.LittleEndian.Uint64(data)
}

func PutU64(data []byte, value uint64) {
	if len(data) >= 8 {
		binary.LittleEndian.PutUint64(data, value)
	} else {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], value)
		copy(data, tmp[:len(data)])
	}
}
