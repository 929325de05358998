package gicsim

import (
	"fmt"
	"maps"

	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/mmio"
)

// Command is one ITS command as the model decoded it from memory.
type Command struct {
	Offset uint64 // byte offset in the queue
	Opcode uint8
	ICID   uint16
	RDbase uint64
	Valid  bool
}

type its struct {
	g *GIC

	enabled bool
	quiesce int

	baser   [gicreg.GITSBaserCount]uint64
	cbaser  uint64
	cwriter uint64
	creadr  uint64
	stalled bool
	drain   int

	commands    []Command
	collections map[uint16]uint64
}

func newITS(g *GIC) *its {
	t := &its{g: g, collections: make(map[uint16]uint64)}
	for i, tbl := range g.prof.Tables {
		var v uint64
		v = gicreg.GITS_BASER_Type.Set(v, uint64(tbl.Type))
		v = gicreg.GITS_BASER_EntrySize.Set(v, uint64(tbl.EntrySize-1))
		if tbl.PageSize != nil {
			v = gicreg.GITS_BASER_PageSize.Set(v, uint64(*tbl.PageSize))
		}
		if s := g.prof.ITSShareability; s != nil {
			v = gicreg.GITS_BASER_Shareability.Set(v, uint64(*s))
		}
		t.baser[i] = v
	}
	if s := g.prof.ITSShareability; s != nil {
		t.cbaser = gicreg.CBASER_Shareability.Set(0, uint64(*s))
	}
	return t
}

func (t *its) typer() uint64 {
	p := t.g.prof
	var v uint64
	v = gicreg.GITS_TYPER_Physical.Set(v, 1)
	v = gicreg.GITS_TYPER_ITTSize.Set(v, uint64(p.ITTEntrySize-1))
	v = gicreg.GITS_TYPER_Devbits.Set(v, uint64(p.Devbits))
	v = gicreg.GITS_TYPER_PTA.Set(v, b2u(p.PTA))
	v = gicreg.GITS_TYPER_HCC.Set(v, uint64(p.HCC))
	return v
}

func (t *its) queueSize() uint64 {
	return (gicreg.CBASER_Size.Get(t.cbaser) + 1) * gicreg.PageSizeBytes[gicreg.PageSize4K]
}

func (t *its) read(off uint64, width int) (uint64, error) {
	switch off {
	case gicreg.GITS_CTLR:
		var v uint64
		if t.enabled {
			v |= gicreg.GITS_CTLR_Enabled
		} else if t.quiesce == 0 {
			v |= gicreg.GITS_CTLR_Quiescent
		} else if t.quiesce > 0 {
			t.quiesce--
		}
		return v, nil
	case gicreg.GITS_IIDR:
		return t.g.dist.iidr(), nil
	case gicreg.GITS_TYPER:
		return t.typer(), nil
	case gicreg.GITS_CBASER:
		return t.cbaser, nil
	case gicreg.GITS_CWRITER:
		return t.cwriter, nil
	case gicreg.GITS_CREADR:
		if t.g.prof.DrainDelay > 0 && t.runnable() {
			t.drain--
			if t.drain <= 0 {
				t.step()
				t.drain = t.g.prof.DrainDelay
			}
		}
		v := t.creadr
		if t.stalled {
			v |= gicreg.CREADR_Stalled
		}
		return v, nil
	case gicreg.GITS_PIDR2:
		return gicreg.PIDR2_ArchRev.Set(0, uint64(t.g.prof.ArchRev)), nil
	}
	if n, ok := baserIndex(off); ok {
		return t.baser[n], nil
	}
	return 0, nil
}

func baserIndex(off uint64) (int, bool) {
	if off >= gicreg.GITS_BASER && off < gicreg.GITS_BASER+8*gicreg.GITSBaserCount && off%8 == 0 {
		return int(off-gicreg.GITS_BASER) / 8, true
	}
	return 0, false
}

func (t *its) write(off uint64, width int, v uint64) error {
	if off != gicreg.GITS_CTLR && width != 8 {
		return fmt.Errorf("gicsim: %d-byte write to ITS register 0x%x", width, off)
	}
	switch off {
	case gicreg.GITS_CTLR:
		t.writeCTLR(v&gicreg.GITS_CTLR_Enabled != 0)
	case gicreg.GITS_CBASER:
		if t.enabled {
			t.g.violate("gits", "CBASER written while the ITS is enabled")
			return nil
		}
		if s := t.g.prof.ITSShareability; s != nil {
			v = gicreg.CBASER_Shareability.Set(v, uint64(*s))
		}
		t.cbaser = v
		t.creadr = 0
		t.cwriter = 0
	case gicreg.GITS_CWRITER:
		offset := v & gicreg.CmdOffsetMask
		if offset >= t.queueSize() {
			t.g.violate("gits", "CWRITER 0x%x beyond a %d-byte queue", offset, t.queueSize())
			return nil
		}
		if v&gicreg.CWRITER_Retry != 0 {
			t.stalled = false
		}
		t.cwriter = offset
		if t.g.prof.DrainDelay == 0 {
			for t.runnable() {
				t.step()
			}
		} else {
			t.drain = t.g.prof.DrainDelay
		}
	case gicreg.GITS_TYPER, gicreg.GITS_IIDR, gicreg.GITS_CREADR, gicreg.GITS_PIDR2:
		t.g.violate("gits", "write to read-only register 0x%x", off)
	default:
		if n, ok := baserIndex(off); ok {
			t.writeBASER(n, v)
		}
	}
	return nil
}

func (t *its) writeCTLR(enable bool) {
	if !enable {
		if t.enabled {
			t.enabled = false
			t.quiesce = t.g.prof.QuiesceDelay
		}
		return
	}
	if t.enabled {
		return
	}
	if gicreg.CBASER_Valid.Get(t.cbaser) == 0 {
		t.g.violate("gits", "ITS enabled without a valid command queue")
	}
	for i, tbl := range t.g.prof.Tables {
		if tbl.Type == gicreg.BaserTypeDevice && gicreg.GITS_BASER_Valid.Get(t.baser[i]) == 0 {
			t.g.violate("gits", "ITS enabled without a valid device table (BASER%d)", i)
		}
	}
	t.enabled = true
	if t.g.prof.DrainDelay == 0 {
		for t.runnable() {
			t.step()
		}
	}
}

func (t *its) writeBASER(n int, v uint64) {
	if n >= len(t.g.prof.Tables) {
		return
	}
	if t.enabled {
		t.g.violate("gits", "BASER%d written while the ITS is enabled", n)
		return
	}
	tbl := t.g.prof.Tables[n]
	ro := gicreg.GITS_BASER_Type.Mask() | gicreg.GITS_BASER_EntrySize.Mask()
	if tbl.PageSize != nil {
		ro |= gicreg.GITS_BASER_PageSize.Mask()
	}
	if s := t.g.prof.ITSShareability; s != nil {
		v = gicreg.GITS_BASER_Shareability.Set(v, uint64(*s))
		ro |= gicreg.GITS_BASER_Shareability.Mask()
	}
	v = v&^ro | t.baser[n]&ro
	t.baser[n] = v

	if gicreg.GITS_BASER_Valid.Get(v) != 0 {
		pages := gicreg.GITS_BASER_Size.Get(v) + 1
		size := pages * gicreg.PageSizeBytes[gicreg.GITS_BASER_PageSize.Get(v)]
		t.g.checkFlushed("gits", fmt.Sprintf("BASER%d", n), gicreg.GITS_BASER_PA.Get(v)<<12, size)
	}
}

func (t *its) runnable() bool {
	return t.enabled && !t.stalled && t.creadr != t.cwriter && gicreg.CBASER_Valid.Get(t.cbaser) != 0
}

// step consumes the command at CREADR.
func (t *its) step() {
	base := gicreg.CBASER_PA.Get(t.cbaser) << 12
	pa := base + t.creadr

	t.g.checkFlushed("gits", fmt.Sprintf("command at offset 0x%x", t.creadr), pa, gicreg.CmdSize)
	var raw [gicreg.CmdSize]byte
	if err := t.g.readRAM(raw[:], pa); err != nil {
		t.g.violate("gits", "command fetch at 0x%x: %v", pa, err)
		t.stalled = true
		return
	}
	dw0 := mmio.GetU64(raw[0:8])
	dw2 := mmio.GetU64(raw[16:24])

	cmd := Command{Offset: t.creadr, Opcode: uint8(gicreg.CmdOpcode.Get(dw0))}
	switch cmd.Opcode {
	case gicreg.CmdMAPC:
		cmd.ICID = uint16(gicreg.CmdICID.Get(dw2))
		cmd.RDbase = gicreg.CmdRDbase.Get(dw2)
		cmd.Valid = gicreg.CmdValid.Get(dw2) != 0
		if !t.validRDbase(cmd.RDbase) {
			t.g.violate("gits", "MAPC ICID %d to unknown RDbase 0x%x", cmd.ICID, cmd.RDbase)
		}
		if limit := t.collectionCapacity(); uint64(cmd.ICID) >= limit {
			t.g.violate("gits", "MAPC ICID %d beyond %d collections", cmd.ICID, limit)
		}
		if cmd.Valid {
			t.collections[cmd.ICID] = cmd.RDbase
		} else {
			delete(t.collections, cmd.ICID)
		}
	case gicreg.CmdSYNC:
		cmd.RDbase = gicreg.CmdRDbase.Get(dw2)
		if !t.validRDbase(cmd.RDbase) {
			t.g.violate("gits", "SYNC to unknown RDbase 0x%x", cmd.RDbase)
		}
	case gicreg.CmdINVALL:
		cmd.ICID = uint16(gicreg.CmdICID.Get(dw2))
		if _, ok := t.collections[cmd.ICID]; !ok {
			t.g.violate("gits", "INVALL for unmapped ICID %d", cmd.ICID)
		}
	default:
		t.g.violate("gits", "invalid command opcode 0x%02x at offset 0x%x", cmd.Opcode, t.creadr)
		t.stalled = true
		return
	}
	t.commands = append(t.commands, cmd)
	t.creadr = (t.creadr + gicreg.CmdSize) % t.queueSize()
}

func (t *its) validRDbase(rd uint64) bool {
	p := t.g.prof
	if !p.PTA {
		return rd < uint64(len(p.CPUs))
	}
	pa := rd << 16
	return pa >= p.Redist && pa < p.Redist+p.RedistSize()*uint64(len(p.CPUs)) && (pa-p.Redist)%p.RedistSize() == 0
}

// collectionCapacity is the number of ICIDs the ITS can hold: the
// hardware collections plus whatever the collection table backs.
func (t *its) collectionCapacity() uint64 {
	n := uint64(t.g.prof.HCC)
	for i, tbl := range t.g.prof.Tables {
		v := t.baser[i]
		if tbl.Type != gicreg.BaserTypeCollection || gicreg.GITS_BASER_Valid.Get(v) == 0 {
			continue
		}
		size := (gicreg.GITS_BASER_Size.Get(v) + 1) * gicreg.PageSizeBytes[gicreg.GITS_BASER_PageSize.Get(v)]
		n += size / uint64(tbl.EntrySize)
	}
	return n
}

// ITSState is a snapshot of the ITS registers.
type ITSState struct {
	Enabled bool
	Stalled bool
	CBASER  uint64
	CWRITER uint64
	CREADR  uint64
	BASER   [gicreg.GITSBaserCount]uint64
}

func (g *GIC) ITS() ITSState {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.its
	return ITSState{
		Enabled: t.enabled,
		Stalled: t.stalled,
		CBASER:  t.cbaser,
		CWRITER: t.cwriter,
		CREADR:  t.creadr,
		BASER:   t.baser,
	}
}

// Commands returns every command the ITS has consumed, in order.
func (g *GIC) Commands() []Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Command(nil), g.its.commands...)
}

// Collections returns the ICID to RDbase mapping built by MAPC.
func (g *GIC) Collections() map[uint16]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.its.collections)
}

// StallITS stalls the command queue as if a command had failed. Software
// recovers by writing CWRITER with Retry set.
func (g *GIC) StallITS() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.its.stalled = true
}

// PresetITSQueue moves CREADR and CWRITER to offset, the state of a queue
// that has already consumed offset/32 commands.
func (g *GIC) PresetITSQueue(offset uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if offset%gicreg.CmdSize != 0 || offset >= g.its.queueSize() {
		return fmt.Errorf("gicsim: queue offset 0x%x out of range", offset)
	}
	g.its.creadr = offset
	g.its.cwriter = offset
	return nil
}
