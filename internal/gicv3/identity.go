package gicv3

import (
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

// Identity is what the controller reports about itself. It is read once in
// New and never changes.
type Identity struct {
	ArchMajor uint32
	ArchMinor uint32

	Implementer uint32
	ProductID   uint32
	Variant     uint32
	Revision    uint32
}

// Version returns the architecture version as a semantic version string:
// "v3", "v3.1", "v4".
func (id Identity) Version() string {
	if id.ArchMinor == 0 {
		return fmt.Sprintf("v%d", id.ArchMajor)
	}
	return fmt.Sprintf("v%d.%d", id.ArchMajor, id.ArchMinor)
}

// AtLeast reports whether the architecture version is v or later.
func (id Identity) AtLeast(v string) bool {
	return semver.Compare(id.Version(), v) >= 0
}

const implementerARM = 0x43B

var products = map[uint32]map[uint32]string{
	implementerARM: {
		0x00: "GIC-500",
		0x02: "GIC-600",
		0x03: "GIC-600AE",
		0x04: "GIC-700",
	},
}

// Name returns the vendor product and revision, e.g. "ARM GIC-600 r0p0".
func (id Identity) Name() string {
	vendor := fmt.Sprintf("implementer 0x%03x", id.Implementer)
	if id.Implementer == implementerARM {
		vendor = "ARM"
	}
	product, ok := products[id.Implementer][id.ProductID]
	if !ok {
		product = fmt.Sprintf("product 0x%02x", id.ProductID)
	}
	return fmt.Sprintf("%s %s r%dp%d", vendor, product, id.Variant, id.Revision)
}

func (id Identity) String() string {
	return fmt.Sprintf("GIC%s (%s)", id.Version(), id.Name())
}

// redistShift is log2 of the Redistributor frame stride.
func (id Identity) redistShift() uint {
	if id.AtLeast("v4.0") {
		return gicreg.RedistShift4
	}
	return gicreg.RedistShift
}

// decodeIdentity builds the identity from GICD_PIDR2 and GICD_IIDR.
func decodeIdentity(pidr2, iidr uint32) (Identity, error) {
	id := Identity{
		ArchMajor:   uint32(gicreg.PIDR2_ArchRev.Get(uint64(pidr2))),
		Implementer: uint32(gicreg.IIDR_Implementer.Get(uint64(iidr))),
		ProductID:   uint32(gicreg.IIDR_ProductID.Get(uint64(iidr))),
		Variant:     uint32(gicreg.IIDR_Variant.Get(uint64(iidr))),
		Revision:    uint32(gicreg.IIDR_Revision.Get(uint64(iidr))),
	}
	switch id.ArchMajor {
	case 1, 2, 3, 4:
		return id, nil
	}
	return id, fmt.Errorf("%w: PIDR2.ArchRev %d", ErrUnknownVersion, id.ArchMajor)
}

// refineMinor marks a v3 controller as v3.1 when it implements the extended
// PPI or SPI ranges.
func (id *Identity) refineMinor(redistTyper uint64, distTyper uint32) {
	if id.ArchMajor != 3 {
		return
	}
	if gicreg.GICR_TYPER_PPInum.Get(redistTyper) != 0 || gicreg.TYPER_ESPI.Get(uint64(distTyper)) != 0 {
		id.ArchMinor = 1
	}
}
