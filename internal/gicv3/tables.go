package gicv3

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

// TableAttrs are the memory attributes requested for an in-memory table.
// Cache fields use the gicreg.Cache* encodings and Shareability the
// gicreg.Share* encodings.
type TableAttrs struct {
	InnerCache   uint64
	OuterCache   uint64
	Shareability uint64
	// PageSize is the gicreg.PageSize* class requested for ITS tables.
	PageSize uint64
}

// ITSParams configure the ITS tables and command queue.
type ITSParams struct {
	DeviceTable     TableAttrs
	CollectionTable TableAttrs
	CmdQueue        TableAttrs
	// CmdQueuePages is the command queue size in 4 KiB pages.
	CmdQueuePages uint64
}

func defaultTableAttrs() TableAttrs {
	return TableAttrs{
		InnerCache:   gicreg.CacheRaWaWb,
		Shareability: gicreg.ShareInner,
		PageSize:     gicreg.PageSize4K,
	}
}

func defaultITSParams() ITSParams {
	return ITSParams{
		DeviceTable:     defaultTableAttrs(),
		CollectionTable: defaultTableAttrs(),
		CmdQueue:        defaultTableAttrs(),
		CmdQueuePages:   2,
	}
}

// attrFields locate the attribute fields of one kind of base register.
type attrFields struct {
	inner, outer, share gicreg.Field
}

var (
	redistAttrFields = attrFields{gicreg.BASER_InnerCache, gicreg.BASER_OuterCache, gicreg.BASER_Shareability}
	cbaserAttrFields = attrFields{gicreg.CBASER_InnerCache, gicreg.CBASER_OuterCache, gicreg.CBASER_Shareability}
	gitsAttrFields   = attrFields{gicreg.GITS_BASER_InnerCache, gicreg.GITS_BASER_OuterCache, gicreg.GITS_BASER_Shareability}
)

func (f attrFields) apply(v uint64, a TableAttrs) uint64 {
	v = f.inner.Set(v, a.InnerCache)
	v = f.outer.Set(v, a.OuterCache)
	return f.share.Set(v, a.Shareability)
}

// negotiateShareability finds out whether the shareability field of the
// base register at addr can be written. It writes the complement of the
// current value and reads it back. When the bits did not move they are tied
// in hardware: the table must then be non-cacheable and the hardware value is
// kept.
func negotiateShareability(io *regio, addr uint64, f attrFields, want TableAttrs) TableAttrs {
	cur := io.read64(addr)
	flipped := f.share.Get(cur) ^ (f.share.Mask() >> f.share.Shift)
	io.write64(addr, f.share.Set(cur, flipped))
	back := f.share.Get(io.read64(addr))
	if back == flipped {
		return want
	}
	want.Shareability = back
	want.InnerCache = gicreg.CacheNC
	want.OuterCache = 0
	return want
}

// lpiTable is one LPI configuration or pending table.
type lpiTable struct {
	PA    uint64
	VA    uint64
	Size  uint64
	Attrs TableAttrs
}

// configIDBits returns PROPBASER.IDbits for n LPIs: the INTID space is
// rounded up to a power of two covering the 8192 non-LPI IDs.
func configIDBits(n uint32) uint64 {
	ids := uint64(gicreg.LPIBaseID) + uint64(n)
	return uint64(bits.Len64(ids-1)) - 1
}

// pendingSize is the pending table size for n LPIs whose configuration
// table uses idbits.
func pendingSize(n uint32, idbits uint64) uint64 {
	size := alignUp((uint64(gicreg.LPIBaseID)+uint64(n)+7)/8, 0x400)
	return max(size, uint64(1)<<(idbits+1)/8)
}

// allocLPIConfig allocates the shared configuration table. Every LPI starts
// disabled at the default priority.
func (c *Controller) allocLPIConfig(n uint32) (*lpiTable, uint64, error) {
	idbits := configIDBits(n)
	size := uint64(1)<<(idbits+1) - gicreg.LPIBaseID

	r, err := c.host.Allocator.Alloc("gic-lpi-config", alignUp(size, 0x1000), 0x1000, false)
	if err != nil {
		return nil, 0, fatal("allocate LPI configuration table", err)
	}
	fill := bytes.Repeat([]byte{defaultPriority | gicreg.LPIConfigRES1}, int(size))
	if err := c.host.Memory.WriteAt(fill, r.Base); err != nil {
		return nil, 0, fatal("fill LPI configuration table", err)
	}
	if err := c.host.Memory.FlushRange(r.Base, size); err != nil {
		return nil, 0, fatal("flush LPI configuration table", err)
	}

	t := &lpiTable{PA: r.Base, VA: r.VAddr, Size: size, Attrs: c.lpiConfigAttrs}
	c.log.Writef("lpi config table at 0x%x size 0x%x idbits %d for %d LPIs", t.PA, size, idbits, n)
	return t, idbits, nil
}

// allocPending allocates one core's pending table, zeroed and flushed.
func (c *Controller) allocPending(cpu int) (*lpiTable, error) {
	size := pendingSize(c.numLPIs, c.lpiIDBits)
	r, err := c.host.Allocator.Alloc(fmt.Sprintf("gic-lpi-pending%d", cpu), size, 0x10000, true)
	if err != nil {
		return nil, fatal("allocate LPI pending table", err)
	}
	if err := c.host.Memory.FlushRange(r.Base, size); err != nil {
		return nil, fatal("flush LPI pending table", err)
	}
	return &lpiTable{PA: r.Base, VA: r.VAddr, Size: size, Attrs: c.lpiPendingAttrs}, nil
}

func propbaser(t *lpiTable, idbits uint64) uint64 {
	v := gicreg.PROPBASER_PA.Set(0, t.PA>>12)
	v = gicreg.PROPBASER_IDbits.Set(v, idbits)
	return redistAttrFields.apply(v, t.Attrs)
}

func pendbaser(t *lpiTable) uint64 {
	v := gicreg.PENDBASER_PA.Set(0, t.PA>>16)
	return redistAttrFields.apply(v, t.Attrs)
}

// SetLPIConfigTableParams overrides the attributes of the LPI configuration
// table. It must be called before InitGlobal.
func (c *Controller) SetLPIConfigTableParams(a TableAttrs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	c.lpiConfigAttrs = a
	return nil
}

// SetLPIPendingTableParams overrides the attributes of the pending tables.
func (c *Controller) SetLPIPendingTableParams(a TableAttrs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	c.lpiPendingAttrs = a
	return nil
}

// SetITSParams overrides the ITS table attributes and queue size.
func (c *Controller) SetITSParams(p ITSParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	if p.CmdQueuePages == 0 || p.CmdQueuePages > gicreg.MaxTablePages {
		return fatal("set ITS parameters", fmt.Errorf("%w: command queue of %d pages", ErrTableTooLarge, p.CmdQueuePages))
	}
	c.itsParams = p
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
