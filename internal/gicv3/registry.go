package gicv3

import (
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

type Flags uint32

const (
	// FlagMSI marks a range as message-signalled. Its SPIs are configured
	// edge-triggered and require GICD_TYPER.MBIS.
	FlagMSI Flags = 1 << iota
)

// Route is how interrupts of a range reach the core.
type Route uint8

const (
	RouteSPI Route = iota
	RouteITS
	RouteDirect
)

func (r Route) String() string {
	switch r {
	case RouteSPI:
		return "spi"
	case RouteITS:
		return "its"
	case RouteDirect:
		return "direct"
	}
	return fmt.Sprintf("route(%d)", uint8(r))
}

// CPUInterface selects how cores acknowledge and complete interrupts.
type CPUInterface uint8

const (
	SystemRegisters CPUInterface = iota
	MemoryMapped
)

func (c CPUInterface) String() string {
	if c == MemoryMapped {
		return "memory-mapped"
	}
	return "system-register"
}

// Dispatch is the callout strategy of a range, decided once: Route when the
// range is registered and CPU during global initialization.
type Dispatch struct {
	Route Route
	CPU   CPUInterface
}

func (d Dispatch) String() string { return d.Route.String() + "/" + d.CPU.String() }

// PatchData carries the addresses the callouts use. The controller fills it
// during global initialization.
type PatchData struct {
	Dist         uint64 // GICD virtual address
	Redist       uint64 // first GICR frame, virtual
	RedistStride uint64
	ITS          uint64 // GITS virtual address, zero without an ITS
	GICC         uint64 // memory-mapped CPU interface, zero when unused
	LPIConfig    uint64 // LPI configuration table, physical
}

// Entry claims a range of interrupt IDs for the dispatch table. Entries are
// owned by the board for the lifetime of the system.
type Entry struct {
	Name  string
	Base  uint32
	Count uint32
	Flags Flags

	Dispatch Dispatch
	Patch    PatchData
}

func (e *Entry) End() uint32 { return e.Base + e.Count }

func (e *Entry) String() string {
	return fmt.Sprintf("%s [%d,%d)", e.Name, e.Base, e.End())
}

// registry holds the accepted entries of one kind in vector order.
type registry struct {
	kind    string
	entries *btree.BTreeG[*Entry]
}

func newRegistry(kind string) *registry {
	return &registry{
		kind:    kind,
		entries: btree.NewG(4, func(a, b *Entry) bool { return a.Base < b.Base }),
	}
}

// insert accepts e if it overlaps nothing and starts at or after the end of
// every accepted range.
func (r *registry) insert(e *Entry) error {
	var below *Entry
	r.entries.DescendLessOrEqual(&Entry{Base: e.End() - 1}, func(x *Entry) bool {
		below = x
		return false
	})
	if below != nil && below.End() > e.Base {
		return fmt.Errorf("%w: %s %s and %s", ErrOverlap, r.kind, e, below)
	}
	if last, ok := r.entries.Max(); ok && last.End() > e.Base {
		return fmt.Errorf("%w: %s %s after %s", ErrOutOfOrder, r.kind, e, last)
	}
	r.entries.ReplaceOrInsert(e)
	return nil
}

func (r *registry) len() int { return r.entries.Len() }

func (r *registry) each(fn func(e *Entry) error) error {
	var err error
	r.entries.Ascend(func(e *Entry) bool {
		err = fn(e)
		return err == nil
	})
	return err
}

// span is the number of IDs from base up to the end of the last entry.
func (r *registry) span(base uint32) uint32 {
	last, ok := r.entries.Max()
	if !ok {
		return 0
	}
	return last.End() - base
}

// numSPIs is the number of SPIs in the 32..1019 range.
func numSPIs(typer uint32) uint32 {
	lines := 32 * (uint32(gicreg.TYPER_ITLines.Get(uint64(typer))) + 1)
	return min(lines, gicreg.MaxSPIID) - gicreg.SPIBaseID
}

// numESPIs is the number of extended SPIs from 4096, zero without ESPI.
func numESPIs(typer uint32) uint32 {
	if gicreg.TYPER_ESPI.Get(uint64(typer)) == 0 {
		return 0
	}
	return 32 * (uint32(gicreg.TYPER_ESPI_range.Get(uint64(typer))) + 1)
}

// lpiLimit is one past the largest INTID the Distributor supports.
func lpiLimit(typer uint32) uint64 {
	return 1 << (gicreg.TYPER_IDbits.Get(uint64(typer)) + 1)
}

// AddSPI registers an SPI range. Ranges must be added in ascending order.
func (c *Controller) AddSPI(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrRegistryFrozen
	}
	if e.Count == 0 {
		return fmt.Errorf("%w: empty SPI range %s", ErrOutOfRange, e)
	}

	end := uint64(e.Base) + uint64(e.Count)
	spiEnd := uint64(gicreg.SPIBaseID + numSPIs(c.typer))
	espiEnd := uint64(gicreg.ESPIBaseID + numESPIs(c.typer))
	switch {
	case e.Base >= gicreg.SPIBaseID && end <= spiEnd:
	case e.Base >= gicreg.ESPIBaseID && end <= espiEnd:
	default:
		return fmt.Errorf("%w: SPI %s, hardware has [32,%d) and [4096,%d)", ErrOutOfRange, e, spiEnd, espiEnd)
	}
	if e.Flags&FlagMSI != 0 && gicreg.TYPER_MBIS.Get(uint64(c.typer)) == 0 {
		return fmt.Errorf("%w: %s", ErrMSIUnsupported, e)
	}
	if err := c.spis.insert(e); err != nil {
		return err
	}

	e.Dispatch = Dispatch{Route: RouteSPI}
	c.log.Writef("spi entry %s accepted", e)
	return nil
}

// AddLPI registers an LPI range. LPIs are delivered through the ITS when the
// board has one, else written directly to the Redistributors.
func (c *Controller) AddLPI(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrRegistryFrozen
	}
	if gicreg.TYPER_LPIS.Get(uint64(c.typer)) == 0 {
		return ErrLPIUnsupported
	}
	if e.Count == 0 {
		return fmt.Errorf("%w: empty LPI range %s", ErrOutOfRange, e)
	}
	end := uint64(e.Base) + uint64(e.Count)
	if e.Base < gicreg.LPIBaseID || end > lpiLimit(c.typer) {
		return fmt.Errorf("%w: LPI %s, hardware has [8192,%d)", ErrOutOfRange, e, lpiLimit(c.typer))
	}

	route := RouteITS
	if c.addrs.ITS == 0 {
		if !c.directLPI {
			return fmt.Errorf("%w: no ITS and no direct LPI support", ErrLPIUnsupported)
		}
		route = RouteDirect
	}
	if err := c.lpis.insert(e); err != nil {
		return err
	}

	e.Dispatch = Dispatch{Route: route}
	c.log.Writef("lpi entry %s accepted (%s)", e, route)
	return nil
}
