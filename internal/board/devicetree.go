package board

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/fdt"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

// DeviceTree describes the board's memory and interrupt controller for the
// next boot stage. Every table the controller allocated is listed as a
// memory reservation, so the blob is only complete after Boot.
func (b *Board) DeviceTree() ([]byte, error) {
	cfg := b.cfg
	stride := uint64(1) << gicreg.RedistShift
	if b.ctrl != nil {
		stride = b.ctrl.RedistributorStride()
	}

	gicRegs := []uint64{
		cfg.GIC.Dist, gicreg.DistSize,
		cfg.GIC.Redist, stride * uint64(len(cfg.CPUs)),
	}
	if cfg.GIC.GICC != 0 {
		gicRegs = append(gicRegs, cfg.GIC.GICC, gicreg.GICCSize)
	}
	gic := fdt.Node{
		Name: fmt.Sprintf("interrupt-controller@%x", cfg.GIC.Dist),
		Properties: map[string]fdt.Property{
			"compatible":             {Strings: []string{"arm,gic-v3"}},
			"reg":                    {U64: gicRegs},
			"#interrupt-cells":       {U32: []uint32{3}},
			"#address-cells":         {U32: []uint32{2}},
			"#size-cells":            {U32: []uint32{2}},
			"#redistributor-regions": {U32: []uint32{1}},
			"interrupt-controller":   {Flag: true},
			"ranges":                 {Flag: true},
			"phandle":                {U32: []uint32{1}},
		},
	}
	if cfg.GIC.ITS != 0 {
		gic.Children = append(gic.Children, fdt.Node{
			Name: fmt.Sprintf("msi-controller@%x", cfg.GIC.ITS),
			Properties: map[string]fdt.Property{
				"compatible":     {Strings: []string{"arm,gic-v3-its"}},
				"reg":            {U64: []uint64{cfg.GIC.ITS, gicreg.ITSSize}},
				"msi-controller": {Flag: true},
				"#msi-cells":     {U32: []uint32{1}},
				"phandle":        {U32: []uint32{2}},
			},
		})
	}

	var cpus []fdt.Node
	for i, mpidr := range cfg.CPUs {
		method := "psci"
		if i == 0 {
			method = "none"
		}
		cpus = append(cpus, fdt.Node{
			Name: fmt.Sprintf("cpu@%x", mpidr),
			Properties: map[string]fdt.Property{
				"device_type":   {Strings: []string{"cpu"}},
				"compatible":    {Strings: []string{"arm,cortex-a72"}},
				"reg":           {U64: []uint64{mpidr}},
				"enable-method": {Strings: []string{method}},
			},
		})
	}

	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells":   {U32: []uint32{2}},
			"#size-cells":      {U32: []uint32{2}},
			"interrupt-parent": {U32: []uint32{1}},
		},
		Children: []fdt.Node{
			{
				Name: fmt.Sprintf("memory@%x", cfg.MemoryBase),
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{cfg.MemoryBase, cfg.MemoryMB << 20}},
				},
			},
			{
				Name: "cpus",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{2}},
					"#size-cells":    {U32: []uint32{0}},
				},
				Children: cpus,
			},
			gic,
		},
	}

	var reserved []fdt.Reg
	if b.ctrl != nil {
		for _, t := range b.ctrl.Tables() {
			reserved = append(reserved, fdt.Reg{Address: t.Base, Size: t.Size})
		}
	}
	return fdt.Build(root, reserved...)
}
