// Package board is the simulated platform the GIC driver runs on: RAM with a
// write-back data cache, a linear kernel mapping, the register bus with a
// modelled GIC attached, and the operating system's interrupt dispatch table.
package board

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bsp/internal/fdt"
	"github.com/tinyrange/bsp/internal/gicsim"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

const (
	DefaultMemoryBase   = 0x40000000
	DefaultMemoryMB     = 64
	DefaultLinearOffset = 0xffff000000000000
)

// Config describes a board. Zero fields are filled in by normalize.
type Config struct {
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`
	MemoryMB   uint64 `yaml:"memoryMB,omitempty"`
	// LinearOffset is the distance from a physical address to its kernel
	// virtual address.
	LinearOffset uint64 `yaml:"linearOffset,omitempty"`

	// CPUs lists the MPIDR of each core; core 0 boots first.
	CPUs []uint64 `yaml:"cpus,omitempty"`

	GIC    GICConfig     `yaml:"gic"`
	Tables TablesConfig  `yaml:"tables,omitempty"`
	SPIs   []EntryConfig `yaml:"spis,omitempty"`
	LPIs   []EntryConfig `yaml:"lpis,omitempty"`

	PollLimit uint64 `yaml:"pollLimit,omitempty"`

	// Hardware selects the behavior of the modelled controller. Its
	// addresses and CPU list are overwritten from the fields above.
	Hardware *gicsim.Profile `yaml:"hardware,omitempty"`
}

type GICConfig struct {
	Dist   uint64 `yaml:"gicd,omitempty"`
	Redist uint64 `yaml:"gicr,omitempty"`
	ITS    uint64 `yaml:"gits,omitempty"`
	GICC   uint64 `yaml:"gicc,omitempty"`
	// ForceGICC uses the memory-mapped CPU interface even when the cores
	// implement the system registers.
	ForceGICC bool `yaml:"forceGICC,omitempty"`
	// DeviceTree, when set, names a DTB whose arm,gic-v3 node supplies the
	// addresses above.
	DeviceTree string `yaml:"deviceTree,omitempty"`
}

// TablesConfig overrides the attributes of the in-memory GIC tables.
type TablesConfig struct {
	CmdQueuePages     uint64 `yaml:"cmdQueuePages,omitempty"`
	DevicePageSize    string `yaml:"devicePageSize,omitempty"` // 4K, 16K or 64K
	NonCacheableLPI   bool   `yaml:"nonCacheableLPI,omitempty"`
	NonShareableQueue bool   `yaml:"nonShareableQueue,omitempty"`
}

// EntryConfig is one interrupt range the board registers.
type EntryConfig struct {
	Name  string `yaml:"name"`
	Base  uint32 `yaml:"base"`
	Count uint32 `yaml:"count"`
	MSI   bool   `yaml:"msi,omitempty"`
}

func pageSizeClass(s string) (uint64, error) {
	switch s {
	case "", "4K":
		return gicreg.PageSize4K, nil
	case "16K":
		return gicreg.PageSize16K, nil
	case "64K":
		return gicreg.PageSize64K, nil
	}
	return 0, fmt.Errorf("board: unknown page size %q", s)
}

func (c *Config) normalize() {
	if c.MemoryBase == 0 {
		c.MemoryBase = DefaultMemoryBase
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.LinearOffset == 0 {
		c.LinearOffset = DefaultLinearOffset
	}
	if c.PollLimit == 0 {
		c.PollLimit = 1000000
	}

	var p gicsim.Profile
	if c.Hardware != nil {
		p = *c.Hardware
	} else {
		p = gicsim.GIC600()
	}
	if len(c.CPUs) == 0 {
		c.CPUs = append([]uint64(nil), p.CPUs...)
	}
	if len(c.CPUs) == 0 {
		c.CPUs = []uint64{0}
	}
	if c.GIC.Dist == 0 {
		c.GIC.Dist = p.Dist
	}
	if c.GIC.Redist == 0 {
		c.GIC.Redist = p.Redist
	}
	if c.GIC.ITS == 0 {
		c.GIC.ITS = p.ITS
	}
	if c.GIC.GICC == 0 {
		c.GIC.GICC = p.GICC
	}
	p.Dist, p.Redist, p.ITS, p.GICC = c.GIC.Dist, c.GIC.Redist, c.GIC.ITS, c.GIC.GICC
	p.CPUs = c.CPUs
	c.Hardware = &p
}

// Load reads a YAML board description.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.GIC.DeviceTree != "" {
		blob, err := os.ReadFile(cfg.GIC.DeviceTree)
		if err != nil {
			return Config{}, fmt.Errorf("read device tree: %w", err)
		}
		if err := cfg.GIC.applyDeviceTree(blob); err != nil {
			return Config{}, err
		}
	}
	cfg.normalize()
	return cfg, nil
}

// applyDeviceTree takes the Distributor, Redistributor and ITS bases from the
// first arm,gic-v3 node of blob.
func (g *GICConfig) applyDeviceTree(blob []byte) error {
	tree, err := fdt.Parse(blob)
	if err != nil {
		return err
	}
	node, ac, sc, ok := fdt.FindCompatible(tree.Root, "arm,gic-v3")
	if !ok {
		return fmt.Errorf("board: device tree has no arm,gic-v3 node")
	}
	regs, err := node.Regs(ac, sc)
	if err != nil {
		return err
	}
	if len(regs) < 2 {
		return fmt.Errorf("board: arm,gic-v3 node has %d reg entries, want at least 2", len(regs))
	}
	g.Dist, g.Redist = regs[0].Address, regs[1].Address
	if len(regs) > 2 && regs[2].Address != 0 {
		// GICC, GICH and GICV follow the Redistributor regions.
		g.GICC = regs[2].Address
	}

	childAC := int(node.U32("#address-cells", uint32(ac)))
	childSC := int(node.U32("#size-cells", uint32(sc)))
	if its, _, _, ok := fdt.FindCompatible(fdt.Node{Children: node.Children}, "arm,gic-v3-its"); ok {
		regs, err := its.Regs(childAC, childSC)
		if err != nil {
			return err
		}
		if len(regs) == 0 {
			return fmt.Errorf("board: ITS node %q has an empty reg", its.Name)
		}
		g.ITS = regs[0].Address
	}
	return nil
}
