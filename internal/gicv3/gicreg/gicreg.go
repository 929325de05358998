// Package gicreg is the GICv3 register map: block offsets, register offsets
// and bit fields for the Distributor, Redistributors, ITS and the
// memory-mapped CPU interface.
package gicreg

// Field is a contiguous bit range [Shift+Width-1:Shift] of a register.
type Field struct {
	Shift uint
	Width uint
}

func F(hi, lo uint) Field { return Field{Shift: lo, Width: hi - lo + 1} }

func (f Field) Mask() uint64 { return (uint64(1)<<f.Width - 1) << f.Shift }

func (f Field) Get(reg uint64) uint64 { return reg >> f.Shift & (uint64(1)<<f.Width - 1) }

// Set returns reg with the field replaced by v. Bits of v wider than the
// field are discarded.
func (f Field) Set(reg, v uint64) uint64 { return reg&^f.Mask() | v<<f.Shift&f.Mask() }

// Block sizes.
const (
	DistSize     = 0x10000
	ITSSize      = 0x20000
	GICCSize     = 0x2000
	RedistShift  = 17 // RD_base + SGI_base
	RedistShift4 = 18 // adds VLPI_base and a reserved frame
	SGIBase      = 0x10000
)

// Distributor (GICD) register offsets.
const (
	GICD_CTLR       = 0x0000
	GICD_TYPER      = 0x0004
	GICD_IIDR       = 0x0008
	GICD_IGROUPR    = 0x0080
	GICD_ISENABLER  = 0x0100
	GICD_ICENABLER  = 0x0180
	GICD_ISPENDR    = 0x0200
	GICD_ICPENDR    = 0x0280
	GICD_IPRIORITYR = 0x0400
	GICD_ICFGR      = 0x0C00
	GICD_IGRPMODR   = 0x0D00
	GICD_IROUTER    = 0x6000

	// Extended SPI range banks, indexed from INTID 4096.
	GICD_IGROUPRnE    = 0x1000
	GICD_ISENABLERnE  = 0x1200
	GICD_ICENABLERnE  = 0x1400
	GICD_ISPENDRnE    = 0x1600
	GICD_ICPENDRnE    = 0x1800
	GICD_IPRIORITYRnE = 0x2000
	GICD_ICFGRnE      = 0x3000
	GICD_IGRPMODRnE   = 0x3400
	GICD_IROUTERnE    = 0x8000

	GICD_PIDR2 = 0xFFE8
)

// GICD_CTLR bits, secure view of a two-security-state Distributor. When only
// one security state is present EnableGrp1NS is EnableGrp1 and ARE is bit 4.
const (
	CTLR_EnableGrp0   = 1 << 0
	CTLR_EnableGrp1NS = 1 << 1
	CTLR_EnableGrp1S  = 1 << 2
	CTLR_ARE          = 1 << 4
	CTLR_ARE_S        = 1 << 4
	CTLR_ARE_NS       = 1 << 5
	CTLR_DS           = 1 << 6
	CTLR_RWP          = 1 << 31
)

// GICD_TYPER fields.
var (
	TYPER_ITLines      = F(4, 0)
	TYPER_CPUNumber    = F(7, 5)
	TYPER_ESPI         = F(8, 8)
	TYPER_SecurityExtn = F(10, 10)
	TYPER_MBIS         = F(16, 16)
	TYPER_LPIS         = F(17, 17)
	TYPER_IDbits       = F(23, 19)
	TYPER_ESPI_range   = F(31, 27)
)

// GICD_IIDR fields.
var (
	IIDR_Implementer = F(11, 0)
	IIDR_Revision    = F(15, 12)
	IIDR_Variant     = F(19, 16)
	IIDR_ProductID   = F(31, 24)
)

// PIDR2.ArchRev
var PIDR2_ArchRev = F(7, 4)

// Redistributor RD_base register offsets.
const (
	GICR_CTLR      = 0x0000
	GICR_IIDR      = 0x0004
	GICR_TYPER     = 0x0008
	GICR_WAKER     = 0x0014
	GICR_PROPBASER = 0x0070
	GICR_PENDBASER = 0x0078
	GICR_INVLPIR   = 0x00A0
	GICR_INVALLR   = 0x00B0
	GICR_SYNCR     = 0x00C0
	GICR_PIDR2     = 0xFFE8
)

// Redistributor SGI_base register offsets, relative to the frame.
const (
	GICR_IGROUPR0   = SGIBase + 0x0080
	GICR_ISENABLER0 = SGIBase + 0x0100
	GICR_ICENABLER0 = SGIBase + 0x0180
	GICR_ICPENDR0   = SGIBase + 0x0280
	GICR_IPRIORITYR = SGIBase + 0x0400
	GICR_ICFGR0     = SGIBase + 0x0C00
	GICR_ICFGR1     = SGIBase + 0x0C04
	GICR_IGRPMODR0  = SGIBase + 0x0D00
)

const (
	GICR_CTLR_EnableLPIs = 1 << 0
	GICR_CTLR_RWP        = 1 << 3

	WAKER_ProcessorSleep = 1 << 1
	WAKER_ChildrenAsleep = 1 << 2

	SYNCR_Busy = 1 << 0
)

// GICR_TYPER fields.
var (
	GICR_TYPER_PLPIS     = F(0, 0)
	GICR_TYPER_DirectLPI = F(3, 3)
	GICR_TYPER_Last      = F(4, 4)
	GICR_TYPER_ProcNum   = F(23, 8)
	GICR_TYPER_PPInum    = F(31, 27)
	GICR_TYPER_Affinity  = F(63, 32)
)

// Memory attribute encodings shared by the table base registers.
const (
	CacheDeviceNGnRnE = 0
	CacheNC           = 1 // Normal, inner non-cacheable
	CacheRaWt         = 2
	CacheRaWb         = 3
	CacheWaWt         = 4
	CacheWaWb         = 5
	CacheRaWaWt       = 6
	CacheRaWaWb       = 7

	ShareNone  = 0
	ShareInner = 1
	ShareOuter = 2
)

// GICR_PROPBASER / GICR_PENDBASER fields.
var (
	PROPBASER_IDbits   = F(4, 0)
	BASER_InnerCache   = F(9, 7)
	BASER_Shareability = F(11, 10)
	PROPBASER_PA       = F(51, 12)
	BASER_OuterCache   = F(58, 56)
	PENDBASER_PA       = F(51, 16)
	PENDBASER_PTZ      = F(62, 62)
)

// ITS (GITS) register offsets.
const (
	GITS_CTLR    = 0x0000
	GITS_IIDR    = 0x0004
	GITS_TYPER   = 0x0008
	GITS_CBASER  = 0x0080
	GITS_CWRITER = 0x0088
	GITS_CREADR  = 0x0090
	GITS_BASER   = 0x0100 // GITS_BASER<n> at GITS_BASER + 8n
	GITS_PIDR2   = 0xFFE8

	GITSBaserCount = 8
)

const (
	GITS_CTLR_Enabled   = 1 << 0
	GITS_CTLR_Quiescent = 1 << 31

	CWRITER_Retry  = 1 << 0
	CREADR_Stalled = 1 << 0

	// Command slot offset field of CWRITER/CREADR, bits [19:5].
	CmdOffsetMask = 0xFFFE0
)

// GITS_TYPER fields.
var (
	GITS_TYPER_Physical = F(0, 0)
	GITS_TYPER_ITTSize  = F(7, 4) // entry size - 1
	GITS_TYPER_Devbits  = F(17, 13)
	GITS_TYPER_PTA      = F(19, 19)
	GITS_TYPER_HCC      = F(31, 24)
	GITS_TYPER_CIDbits  = F(35, 32)
	GITS_TYPER_CIL      = F(36, 36)
)

// GITS_CBASER fields.
var (
	CBASER_Size         = F(7, 0) // pages - 1
	CBASER_Shareability = F(11, 10)
	CBASER_PA           = F(51, 12)
	CBASER_OuterCache   = F(55, 53)
	CBASER_InnerCache   = F(61, 59)
	CBASER_Valid        = F(63, 63)
)

// GITS_BASER<n> fields.
var (
	GITS_BASER_Size         = F(7, 0) // pages - 1
	GITS_BASER_PageSize     = F(9, 8)
	GITS_BASER_Shareability = F(11, 10)
	GITS_BASER_PA           = F(47, 12)
	GITS_BASER_EntrySize    = F(52, 48) // bytes - 1
	GITS_BASER_OuterCache   = F(55, 53)
	GITS_BASER_Type         = F(58, 56)
	GITS_BASER_InnerCache   = F(61, 59)
	GITS_BASER_Indirect     = F(62, 62)
	GITS_BASER_Valid        = F(63, 63)
)

// GITS_BASER<n>.Type values.
const (
	BaserTypeNone       = 0
	BaserTypeDevice     = 1
	BaserTypeVPE        = 2
	BaserTypeCollection = 4
)

// GITS_BASER<n>.Page_Size encodings and their sizes.
const (
	PageSize4K  = 0
	PageSize16K = 1
	PageSize64K = 2
)

var PageSizeBytes = [...]uint64{PageSize4K: 0x1000, PageSize16K: 0x4000, PageSize64K: 0x10000}

// MaxTablePages is the limit imposed by the 8-bit Size field.
const MaxTablePages = 256

// ITS command encoding. Every command occupies one 32-byte slot of four
// little-endian doublewords.
const (
	CmdSize = 32

	CmdMAPC   = 0x09
	CmdSYNC   = 0x05
	CmdINVALL = 0x0D
)

var (
	CmdOpcode = F(7, 0)   // DW0
	CmdICID   = F(15, 0)  // DW2
	CmdRDbase = F(50, 16) // DW2
	CmdValid  = F(63, 63) // DW2
)

// Memory-mapped CPU interface (GICC) register offsets.
const (
	GICC_CTLR = 0x0000
	GICC_PMR  = 0x0004
	GICC_BPR  = 0x0008
	GICC_IAR  = 0x000C
	GICC_EOIR = 0x0010

	GICC_CTLR_EnableGrp1 = 1 << 0
)

// INTID ranges.
const (
	SGIBaseID        = 0
	PPIBaseID        = 16
	SPIBaseID        = 32
	MaxSPIID         = 1020
	ESPIBaseID       = 4096
	LPIBaseID        = 8192
	SpuriousID       = 1023
	IntIDsPerReg     = 32
	PrioritiesPerReg = 4
	ConfigsPerReg    = 16
)

// LPI configuration table byte: priority in [7:2], bit 1 RES1, bit 0 enable.
const (
	LPIConfigRES1   = 1 << 1
	LPIConfigEnable = 1 << 0
)
