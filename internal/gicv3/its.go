package gicv3

import (
	"fmt"

	"github.com/tinyrange/bsp/internal/debug"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/mmio"
)

const (
	// lockSlotSize keeps the command-queue locks of different ITS instances
	// in separate cache lines.
	lockSlotSize = 128
	maxITS       = 32
	lockPageSize = maxITS * lockSlotSize
)

// itsTable is one GITS_BASER<n> the driver backs with memory.
type itsTable struct {
	Index     int
	Type      uint64
	EntrySize uint64
	PA, VA    uint64
	Pages     uint64
	PageSize  uint64 // gicreg.PageSize* class
	Attrs     TableAttrs
	Baser     uint64
}

// its is the single ITS instance.
type its struct {
	pa, va uint64

	pta         bool
	devBits     uint64
	collections uint64

	device     *itsTable
	collection *itsTable

	queuePA, queueVA uint64
	queueSlots       uint64
	lockSlot         uint64
}

// nextSlot is the queue slot after the one at byte offset off. It depends
// only on its arguments: the write position is always taken from CWRITER.
func nextSlot(off, slots uint64) uint64 {
	return (off/gicreg.CmdSize + 1) % slots
}

// initITS quiesces the ITS, backs its device and collection tables and its
// command queue with memory, and enables it.
func (c *Controller) initITS() (*its, error) {
	io := &regio{bus: c.host.Bus}
	t := &its{pa: c.addrs.ITS, va: c.itsVA}

	ctlr := io.read32(t.va + gicreg.GITS_CTLR)
	io.write32(t.va+gicreg.GITS_CTLR, ctlr&^gicreg.GITS_CTLR_Enabled)
	if err := spin(func() (bool, error) {
		return io.read32(t.va+gicreg.GITS_CTLR)&gicreg.GITS_CTLR_Quiescent != 0, io.err
	}); err != nil {
		return nil, fatal("quiesce ITS", err)
	}

	typer := io.read64(t.va + gicreg.GITS_TYPER)
	t.pta = gicreg.GITS_TYPER_PTA.Get(typer) != 0
	t.devBits = gicreg.GITS_TYPER_Devbits.Get(typer) + 1
	cidBits := uint64(16)
	if gicreg.GITS_TYPER_CIL.Get(typer) != 0 {
		cidBits = gicreg.GITS_TYPER_CIDbits.Get(typer) + 1
	}
	t.collections = min(uint64(1)<<cidBits, uint64(c.opts.numCPUs))

	for n := range gicreg.GITSBaserCount {
		addr := t.va + gicreg.GITS_BASER + 8*uint64(n)
		v := io.read64(addr)
		tbl := &itsTable{
			Index:     n,
			Type:      gicreg.GITS_BASER_Type.Get(v),
			EntrySize: gicreg.GITS_BASER_EntrySize.Get(v) + 1,
		}
		switch tbl.Type {
		case gicreg.BaserTypeDevice:
			if t.device != nil {
				return nil, fatal("scan ITS tables", fmt.Errorf("%w: device tables in BASER%d and BASER%d", ErrDuplicateTable, t.device.Index, n))
			}
			t.device = tbl
		case gicreg.BaserTypeCollection:
			if t.collection != nil {
				return nil, fatal("scan ITS tables", fmt.Errorf("%w: collection tables in BASER%d and BASER%d", ErrDuplicateTable, t.collection.Index, n))
			}
			t.collection = tbl
		}
	}
	if io.err != nil {
		return nil, fatal("scan ITS tables", io.err)
	}

	if t.device != nil {
		entries := uint64(1) << t.devBits
		if err := c.setupITSTable(io, t, t.device, "gic-its-device", entries, c.itsParams.DeviceTable); err != nil {
			return nil, err
		}
	}
	if t.collection != nil {
		if err := c.setupITSTable(io, t, t.collection, "gic-its-collection", t.collections, c.itsParams.CollectionTable); err != nil {
			return nil, err
		}
	}
	if err := c.setupCommandQueue(io, t, 0); err != nil {
		return nil, err
	}

	io.write32(t.va+gicreg.GITS_CTLR, gicreg.GITS_CTLR_Enabled)
	if io.err != nil {
		return nil, fatal("enable ITS", io.err)
	}
	c.log.Writef("its enabled: %d device ID bits, %d collections, PTA %v", t.devBits, t.collections, t.pta)
	return t, nil
}

// tablePages returns the number of pages of pageSize bytes needed for
// entries entries of entrySize bytes, at least one.
func tablePages(entries, entrySize, pageSize uint64) (uint64, error) {
	pages := max(1, (entries*entrySize+pageSize-1)/pageSize)
	if pages > gicreg.MaxTablePages {
		return pages, fmt.Errorf("%w: %d entries of %d bytes need %d pages of %d bytes",
			ErrTableTooLarge, entries, entrySize, pages, pageSize)
	}
	return pages, nil
}

func (c *Controller) setupITSTable(io *regio, t *its, tbl *itsTable, tag string, entries uint64, attrs TableAttrs) error {
	if attrs.PageSize >= uint64(len(gicreg.PageSizeBytes)) {
		return fatal("size "+tag, fmt.Errorf("%w: page size class %d", ErrPageSizeMismatch, attrs.PageSize))
	}
	pageBytes := gicreg.PageSizeBytes[attrs.PageSize]
	pages, err := tablePages(entries, tbl.EntrySize, pageBytes)
	if err != nil {
		return fatal("size "+tag, err)
	}

	r, err := c.host.Allocator.Alloc(tag, pages*pageBytes, max(pageBytes, 0x10000), true)
	if err != nil {
		return fatal("allocate "+tag, err)
	}
	if err := c.host.Memory.FlushRange(r.Base, r.Size); err != nil {
		return fatal("flush "+tag, err)
	}

	addr := t.va + gicreg.GITS_BASER + 8*uint64(tbl.Index)
	tbl.PA, tbl.VA, tbl.Pages, tbl.PageSize = r.Base, r.VAddr, pages, attrs.PageSize
	tbl.Attrs = negotiateShareability(io, addr, gitsAttrFields, attrs)

	cur := io.read64(addr)
	v := cur & (gicreg.GITS_BASER_Type.Mask() | gicreg.GITS_BASER_EntrySize.Mask())
	v = gicreg.GITS_BASER_PA.Set(v, tbl.PA>>12)
	v = gicreg.GITS_BASER_Size.Set(v, pages-1)
	v = gicreg.GITS_BASER_PageSize.Set(v, attrs.PageSize)
	v = gitsAttrFields.apply(v, tbl.Attrs)
	v = gicreg.GITS_BASER_Valid.Set(v, 1)
	io.write64(addr, v)
	tbl.Baser = io.read64(addr)
	if io.err != nil {
		return fatal("program "+tag, io.err)
	}
	if got := gicreg.GITS_BASER_PageSize.Get(tbl.Baser); got != attrs.PageSize {
		return fatal("program "+tag, fmt.Errorf("%w: BASER%d requested class %d, hardware has %d",
			ErrPageSizeMismatch, tbl.Index, attrs.PageSize, got))
	}
	c.log.Writef("its %s: BASER%d at 0x%x, %d pages of 0x%x, %d entries of %d bytes",
		tag, tbl.Index, tbl.PA, pages, pageBytes, entries, tbl.EntrySize)
	return nil
}

// setupCommandQueue allocates the command queue. The first instance also
// gets the lock page after the queue, which holds one slot per instance.
func (c *Controller) setupCommandQueue(io *regio, t *its, instance int) error {
	pages := c.itsParams.CmdQueuePages
	size := pages * gicreg.PageSizeBytes[gicreg.PageSize4K]
	alloc := size
	if instance == 0 {
		alloc += lockPageSize
	}
	r, err := c.host.Allocator.Alloc("gic-its-cmdq", alloc, 0x10000, true)
	if err != nil {
		return fatal("allocate ITS command queue", err)
	}
	if err := c.host.Memory.FlushRange(r.Base, alloc); err != nil {
		return fatal("flush ITS command queue", err)
	}
	t.queuePA, t.queueVA = r.Base, r.VAddr
	t.queueSlots = size / gicreg.CmdSize
	t.lockSlot = r.Base + size + uint64(instance)*lockSlotSize

	attrs := negotiateShareability(io, t.va+gicreg.GITS_CBASER, cbaserAttrFields, c.itsParams.CmdQueue)
	v := gicreg.CBASER_PA.Set(0, r.Base>>12)
	v = gicreg.CBASER_Size.Set(v, pages-1)
	v = cbaserAttrFields.apply(v, attrs)
	v = gicreg.CBASER_Valid.Set(v, 1)
	io.write64(t.va+gicreg.GITS_CBASER, v)
	io.write64(t.va+gicreg.GITS_CWRITER, 0)
	if io.err != nil {
		return fatal("program ITS command queue", io.err)
	}
	c.log.Writef("its command queue at 0x%x: %d slots, lock slot 0x%x", t.queuePA, t.queueSlots, t.lockSlot)
	return nil
}

type itsCommand [4]uint64

func (cmd itsCommand) bytes() []byte {
	b := make([]byte, gicreg.CmdSize)
	for i, dw := range cmd {
		mmio.PutU64(b[8*i:], dw)
	}
	return b
}

func mapcCommand(icid, rdbase uint64) itsCommand {
	dw2 := gicreg.CmdICID.Set(0, icid)
	dw2 = gicreg.CmdRDbase.Set(dw2, rdbase)
	dw2 = gicreg.CmdValid.Set(dw2, 1)
	return itsCommand{gicreg.CmdMAPC, 0, dw2, 0}
}

func syncCommand(rdbase uint64) itsCommand {
	return itsCommand{gicreg.CmdSYNC, 0, gicreg.CmdRDbase.Set(0, rdbase), 0}
}

func invallCommand(icid uint64) itsCommand {
	return itsCommand{gicreg.CmdINVALL, 0, gicreg.CmdICID.Set(0, icid), 0}
}

// rdbase is the target address of a Redistributor in ITS commands: its
// physical address in 64 KiB units, or its processor number.
func (t *its) rdbase(rd *redist) uint64 {
	if t.pta {
		return rd.pa >> 16
	}
	return rd.procNum
}

// mapCollection maps collection cpu.Index to the core's Redistributor and
// invalidates its LPI configuration.
func (t *its) mapCollection(c *Controller, cpu CPU, rd *redist) error {
	icid := uint64(cpu.Index)
	if icid >= t.collections {
		return fatal("map collection", fmt.Errorf("%w: ICID %d with %d collections", ErrOutOfRange, icid, t.collections))
	}
	rdb := t.rdbase(rd)
	return t.submit(c, mapcCommand(icid, rdb), syncCommand(rdb), invallCommand(icid))
}

// invalidate re-reads the configuration of every mapped collection.
func (t *its) invalidate(c *Controller) error {
	var cmds []itsCommand
	for _, st := range c.initialized() {
		cmds = append(cmds, invallCommand(uint64(st.cpu.Index)), syncCommand(t.rdbase(st.rd)))
	}
	if len(cmds) == 0 {
		return nil
	}
	return t.submit(c, cmds...)
}

// submit writes cmds into the queue starting at the slot CWRITER points to,
// advances CWRITER past them and waits for the ITS to consume them.
func (t *its) submit(c *Controller, cmds ...itsCommand) error {
	if uint64(len(cmds)) >= t.queueSlots {
		return fatal("submit ITS commands", fmt.Errorf("%w: %d commands for %d slots", ErrOutOfRange, len(cmds), t.queueSlots))
	}
	lock := c.host.Locker
	lock.Lock(t.lockSlot)
	defer lock.Unlock(t.lockSlot)

	io := &regio{bus: c.host.Bus}
	off := io.read64(t.va+gicreg.GITS_CWRITER) & gicreg.CmdOffsetMask
	if io.err != nil {
		return fatal("read CWRITER", io.err)
	}

	// Wait for room: the slot after the last command must not be CREADR.
	free := func() (bool, error) {
		rd := io.read64(t.va+gicreg.GITS_CREADR) & gicreg.CmdOffsetMask / gicreg.CmdSize
		used := (off/gicreg.CmdSize + t.queueSlots - rd) % t.queueSlots
		return t.queueSlots-used-1 >= uint64(len(cmds)), io.err
	}
	if _, err := c.poll("wait for ITS queue space", free); err != nil {
		return err
	}

	start := off
	for _, cmd := range cmds {
		pa := t.queuePA + off
		if err := c.host.Memory.WriteAt(cmd.bytes(), pa); err != nil {
			return fatal("write ITS command", err)
		}
		if err := c.host.Memory.FlushRange(pa, gicreg.CmdSize); err != nil {
			return fatal("flush ITS command", err)
		}
		off = nextSlot(off, t.queueSlots) * gicreg.CmdSize
	}
	io.write64(t.va+gicreg.GITS_CWRITER, off|gicreg.CWRITER_Retry)

	reads, err := c.poll("wait for ITS commands", func() (bool, error) {
		return io.read64(t.va+gicreg.GITS_CREADR)&gicreg.CmdOffsetMask == off, io.err
	})
	if err != nil {
		if IsFatal(err) {
			c.log.Errorf("its: %d commands from offset 0x%x not consumed after %d reads of CREADR", len(cmds), start, reads)
		}
		return err
	}
	c.log.Logf(debug.LevelDetail, "its: %d commands at 0x%x..0x%x consumed after %d reads", len(cmds), start, off, reads)
	return nil
}
