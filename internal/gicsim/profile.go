// Package gicsim is a register-level model of a GICv3 interrupt controller:
// Distributor, Redistributors, ITS and CPU interface. It sits on an mmio.Bus
// in place of real hardware, reads in-memory tables and ITS commands the way
// a non-snooping bus master would, and records every programming-order
// violation it observes.
package gicsim

import "fmt"

// Table describes one implemented GITS_BASER<n>.
type Table struct {
	Type      uint32 `yaml:"type"`       // 1 = device, 4 = collection
	EntrySize uint32 `yaml:"entry_size"` // bytes
	// PageSize, when set, is the only page-size encoding the register
	// accepts (0 = 4K, 1 = 16K, 2 = 64K).
	PageSize *uint32 `yaml:"page_size,omitempty"`
}

// Profile selects the implementation-defined behavior of the model.
type Profile struct {
	Dist   uint64 `yaml:"gicd"`
	Redist uint64 `yaml:"gicr"`
	ITS    uint64 `yaml:"gits"` // zero when there is no ITS
	GICC   uint64 `yaml:"gicc"` // zero when there is no memory-mapped CPU interface

	ArchRev     uint32 `yaml:"arch_rev"` // PIDR2.ArchRev
	Implementer uint32 `yaml:"implementer"`
	ProductID   uint32 `yaml:"product_id"`
	Variant     uint32 `yaml:"variant"`
	Revision    uint32 `yaml:"revision"`

	ITLines      uint32 `yaml:"it_lines"`
	ESPIRange    uint32 `yaml:"espi_range"` // extended SPI blocks - 1
	ESPI         bool   `yaml:"espi"`
	SecurityExtn bool   `yaml:"security_extn"`
	DS           bool   `yaml:"ds"`
	MBIS         bool   `yaml:"mbis"`
	LPIS         bool   `yaml:"lpis"`
	IDBits       uint32 `yaml:"id_bits"` // GICD_TYPER.IDbits (bits - 1)

	// CPUs lists the MPIDR of each Redistributor in frame order.
	CPUs      []uint64 `yaml:"cpus"`
	PPINum    uint32   `yaml:"ppi_num"`
	DirectLPI bool     `yaml:"direct_lpi"`
	// StartAwake leaves every Redistributor awake at reset.
	StartAwake bool `yaml:"start_awake"`

	// RedistShareability, when set, ties PROPBASER/PENDBASER shareability
	// to the given value.
	RedistShareability *uint32 `yaml:"redist_shareability,omitempty"`

	Devbits      uint32  `yaml:"devbits"` // GITS_TYPER.Devbits (bits - 1)
	ITTEntrySize uint32  `yaml:"itt_entry_size"`
	PTA          bool    `yaml:"pta"`
	HCC          uint32  `yaml:"hcc"`
	Tables       []Table `yaml:"its_tables"`
	// ITSShareability ties CBASER and GITS_BASER<n> shareability.
	ITSShareability *uint32 `yaml:"its_shareability,omitempty"`

	SysRegInterface bool `yaml:"sysreg_interface"`
	// SRELocked makes ICC_SRE_EL1.SRE read as zero whatever is written.
	SRELocked bool `yaml:"sre_locked"`

	// Convergence delays, counted in status-register reads. A negative
	// value never converges.
	RWPDelay     int `yaml:"rwp_delay"`
	WakeDelay    int `yaml:"wake_delay"`
	QuiesceDelay int `yaml:"quiesce_delay"`
	SyncDelay    int `yaml:"sync_delay"`
	// DrainDelay > 0 makes the ITS consume one command per CREADR read
	// instead of draining the queue as soon as CWRITER moves.
	DrainDelay int `yaml:"drain_delay"`
}

// GIC600 returns a four-core GIC-600 with one ITS, laid out at the QEMU virt
// addresses.
func GIC600() Profile {
	return Profile{
		Dist:   0x08000000,
		Redist: 0x080a0000,
		ITS:    0x08080000,

		ArchRev:     3,
		Implementer: 0x43B,
		ProductID:   0x02,

		ITLines:      2,
		SecurityExtn: true,
		MBIS:         true,
		LPIS:         true,
		IDBits:       15,

		CPUs:   []uint64{0x0, 0x1, 0x2, 0x3},
		PPINum: 0,

		Devbits:      15,
		ITTEntrySize: 8,
		HCC:          0,
		Tables: []Table{
			{Type: 1, EntrySize: 8},
			{Type: 4, EntrySize: 8},
		},

		SysRegInterface: true,
		RWPDelay:        2,
		WakeDelay:       2,
		QuiesceDelay:    1,
	}
}

func (p Profile) redistShift() uint {
	if p.ArchRev >= 4 {
		return 18
	}
	return 17
}

// RedistSize returns the size of one Redistributor frame.
func (p Profile) RedistSize() uint64 { return 1 << p.redistShift() }

func (p Profile) validate() error {
	if len(p.CPUs) == 0 {
		return fmt.Errorf("gicsim: profile has no CPUs")
	}
	if p.Dist == 0 || p.Redist == 0 {
		return fmt.Errorf("gicsim: profile needs distributor and redistributor bases")
	}
	if p.ITLines > 31 {
		return fmt.Errorf("gicsim: ITLines %d out of range", p.ITLines)
	}
	if len(p.Tables) > 8 {
		return fmt.Errorf("gicsim: %d ITS tables, at most 8", len(p.Tables))
	}
	for i, t := range p.Tables {
		if t.EntrySize == 0 || t.EntrySize > 32 {
			return fmt.Errorf("gicsim: ITS table %d entry size %d out of range", i, t.EntrySize)
		}
	}
	return nil
}
