// Package arm64 holds the AArch64 system-register encodings and affinity
// helpers shared by the interrupt-controller driver and its hardware model.
package arm64

import "fmt"

// SysReg is an MRS/MSR system-register encoding.
type SysReg uint32

const (
	sysRegOp0Shift = 14
	sysRegOp1Shift = 11
	sysRegCrnShift = 7
	sysRegCrmShift = 3
	sysRegOp2Shift = 0
)

func Encode(op0, op1, crn, crm, op2 uint32) SysReg {
	return SysReg((op0&0x3)<<sysRegOp0Shift |
		(op1&0x7)<<sysRegOp1Shift |
		(crn&0xf)<<sysRegCrnShift |
		(crm&0xf)<<sysRegCrmShift |
		(op2&0x7)<<sysRegOp2Shift)
}

// GIC CPU interface and identification registers: Encode(op0, op1, crn, crm, op2)
var (
	MPIDR_EL1       = Encode(3, 0, 0, 0, 5)
	ID_AA64PFR0_EL1 = Encode(3, 0, 0, 4, 0)
	ICC_PMR_EL1     = Encode(3, 0, 4, 6, 0)
	ICC_IAR1_EL1    = Encode(3, 0, 12, 12, 0)
	ICC_EOIR1_EL1   = Encode(3, 0, 12, 12, 1)
	ICC_BPR1_EL1    = Encode(3, 0, 12, 12, 3)
	ICC_CTLR_EL1    = Encode(3, 0, 12, 12, 4)
	ICC_SRE_EL1     = Encode(3, 0, 12, 12, 5)
	ICC_IGRPEN1_EL1 = Encode(3, 0, 12, 12, 7)
)

var sysRegNames = map[SysReg]string{
	MPIDR_EL1:       "MPIDR_EL1",
	ID_AA64PFR0_EL1: "ID_AA64PFR0_EL1",
	ICC_PMR_EL1:     "ICC_PMR_EL1",
	ICC_IAR1_EL1:    "ICC_IAR1_EL1",
	ICC_EOIR1_EL1:   "ICC_EOIR1_EL1",
	ICC_BPR1_EL1:    "ICC_BPR1_EL1",
	ICC_CTLR_EL1:    "ICC_CTLR_EL1",
	ICC_SRE_EL1:     "ICC_SRE_EL1",
	ICC_IGRPEN1_EL1: "ICC_IGRPEN1_EL1",
}

func (r SysReg) String() string {
	if name, ok := sysRegNames[r]; ok {
		return name
	}
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d",
		uint32(r)>>sysRegOp0Shift&0x3,
		uint32(r)>>sysRegOp1Shift&0x7,
		uint32(r)>>sysRegCrnShift&0xf,
		uint32(r)>>sysRegCrmShift&0xf,
		uint32(r)>>sysRegOp2Shift&0x7)
}

// SysRegs is one core's view of its system registers.
type SysRegs interface {
	ReadSysReg(r SysReg) (uint64, error)
	WriteSysReg(r SysReg, v uint64) error
}

const (
	// ID_AA64PFR0_EL1.GIC, bits [27:24]: non-zero when the system-register
	// CPU interface is implemented.
	PFR0GICShift = 24
	PFR0GICMask  = 0xf

	// ICC_SRE_EL1.SRE
	SRE = 1 << 0
)

// Affinity is an Aff3.Aff2.Aff1.Aff0 tuple packed as in GICR_TYPER[63:32]
// and GICD_IROUTER: Aff0 in [7:0] through Aff3 in [31:24].
type Affinity uint32

// AffinityFromMPIDR extracts the affinity fields of an MPIDR_EL1 value.
func AffinityFromMPIDR(mpidr uint64) Affinity {
	return Affinity(uint32(mpidr&0xffffff) | uint32(mpidr>>32&0xff)<<24)
}

func (a Affinity) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a>>24, a>>16&0xff, a>>8&0xff, a&0xff)
}
