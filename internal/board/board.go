package board

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/bsp/internal/debug"
	"github.com/tinyrange/bsp/internal/gicsim"
	"github.com/tinyrange/bsp/internal/gicv3"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
	"github.com/tinyrange/bsp/internal/intr"
	"github.com/tinyrange/bsp/internal/mmio"
	"github.com/tinyrange/bsp/internal/phys"
)

// Board is one simulated machine. It boots once.
type Board struct {
	cfg Config
	log debug.Debug

	ram   *phys.RAM
	cache *phys.Cache
	alloc *phys.Allocator
	mmap  *phys.MemoryMap
	bus   *mmio.Bus
	sim   *gicsim.GIC
	table *intr.Table
	ctrl  *gicv3.Controller

	// OnCPU, when set, is called after each core finished InitCPU. It may
	// be called from several goroutines at once.
	OnCPU func(cpu int)
}

// New builds the board's memory, bus and controller model.
func New(cfg Config) (*Board, error) {
	cfg.normalize()

	ram, err := phys.NewRAM(cfg.MemoryBase, cfg.MemoryMB<<20)
	if err != nil {
		return nil, err
	}
	b := &Board{
		cfg:   cfg,
		log:   debug.WithSource("board"),
		ram:   ram,
		cache: phys.NewCache(ram, false),
		mmap:  phys.NewMemoryMap(cfg.MemoryBase, cfg.MemoryMB<<20, cfg.LinearOffset),
		bus:   mmio.NewBus(cfg.LinearOffset),
		table: intr.NewTable(),
	}
	b.alloc = phys.NewAllocator(b.cache, cfg.LinearOffset)

	if b.sim, err = gicsim.New(*cfg.Hardware, b.cache); err != nil {
		ram.Close()
		return nil, err
	}
	if err := b.bus.Attach(b.sim); err != nil {
		ram.Close()
		return nil, err
	}
	b.log.Writef("board: %d MiB RAM at 0x%x, %d cores, GICD 0x%x GICR 0x%x GITS 0x%x",
		cfg.MemoryMB, cfg.MemoryBase, len(cfg.CPUs), cfg.GIC.Dist, cfg.GIC.Redist, cfg.GIC.ITS)
	return b, nil
}

func (b *Board) Close() error { return b.ram.Close() }

func (b *Board) Config() Config                   { return b.cfg }
func (b *Board) Sim() *gicsim.GIC                 { return b.sim }
func (b *Board) Table() *intr.Table               { return b.table }
func (b *Board) Controller() *gicv3.Controller    { return b.ctrl }
func (b *Board) Allocations() []phys.Region       { return b.alloc.Allocations() }
func (b *Board) Reservations() []phys.Reservation { return b.mmap.Reservations() }

func (b *Board) cpu(i int) gicv3.CPU {
	return gicv3.CPU{Index: i, MPIDR: b.cfg.CPUs[i], SysRegs: b.sim.CPU(i)}
}

// Boot brings up the interrupt controller: registration, global
// initialization on core 0, then InitCPU on core 0 followed by every other
// core in parallel. Any error is fatal to the boot.
func (b *Board) Boot(ctx context.Context) error {
	if b.ctrl != nil {
		return fmt.Errorf("board: already booted")
	}
	host := gicv3.Host{
		Bus:        b.bus,
		MemoryMap:  b.mmap,
		Allocator:  b.alloc,
		Memory:     b.cache,
		Dispatcher: b.table,
	}
	addrs := gicv3.BaseAddresses{Dist: b.cfg.GIC.Dist, Redist: b.cfg.GIC.Redist, ITS: b.cfg.GIC.ITS}
	ctrl, err := gicv3.New(host, addrs,
		gicv3.WithNumCPUs(len(b.cfg.CPUs)),
		gicv3.WithPollLimit(b.cfg.PollLimit),
		gicv3.WithLogger(debug.WithSource("gicv3")),
	)
	if err != nil {
		return err
	}
	b.ctrl = ctrl

	if err := b.configure(); err != nil {
		return err
	}

	if err := ctrl.InitGlobal(b.cpu(0)); err != nil {
		return err
	}
	b.log.Writef("board: %s initialized, cpu interface %s", ctrl.Identity(), ctrl.CPUInterface())
	if err := b.initCPU(0); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i < len(b.cfg.CPUs); i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return b.initCPU(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.log.Writef("board: %d cores up", len(b.cfg.CPUs))
	return nil
}

func (b *Board) initCPU(i int) error {
	if err := b.ctrl.InitCPU(b.cpu(i)); err != nil {
		return fmt.Errorf("cpu %d: %w", i, err)
	}
	if b.OnCPU != nil {
		b.OnCPU(i)
	}
	return nil
}

// configure applies table overrides and registers the board's interrupt
// ranges.
func (b *Board) configure() error {
	ctrl, cfg := b.ctrl, b.cfg
	if cfg.GIC.GICC != 0 {
		if err := ctrl.UseMemoryMappedCPUInterface(cfg.GIC.GICC, cfg.GIC.ForceGICC); err != nil {
			return err
		}
	}

	lpiAttrs := gicv3.TableAttrs{InnerCache: gicreg.CacheRaWaWb, Shareability: gicreg.ShareInner}
	if cfg.Tables.NonCacheableLPI {
		lpiAttrs = gicv3.TableAttrs{InnerCache: gicreg.CacheNC, Shareability: gicreg.ShareNone}
	}
	if err := ctrl.SetLPIConfigTableParams(lpiAttrs); err != nil {
		return err
	}
	if err := ctrl.SetLPIPendingTableParams(lpiAttrs); err != nil {
		return err
	}

	its := gicv3.ITSParams{
		DeviceTable:     gicv3.TableAttrs{InnerCache: gicreg.CacheRaWaWb, Shareability: gicreg.ShareInner},
		CollectionTable: gicv3.TableAttrs{InnerCache: gicreg.CacheRaWaWb, Shareability: gicreg.ShareInner},
		CmdQueue:        gicv3.TableAttrs{InnerCache: gicreg.CacheRaWaWb, Shareability: gicreg.ShareInner},
		CmdQueuePages:   cfg.Tables.CmdQueuePages,
	}
	if its.CmdQueuePages == 0 {
		its.CmdQueuePages = 2
	}
	page, err := pageSizeClass(cfg.Tables.DevicePageSize)
	if err != nil {
		return err
	}
	its.DeviceTable.PageSize = page
	if cfg.Tables.NonShareableQueue {
		its.CmdQueue = gicv3.TableAttrs{InnerCache: gicreg.CacheNC, Shareability: gicreg.ShareNone}
	}
	if err := ctrl.SetITSParams(its); err != nil {
		return err
	}

	for _, e := range cfg.SPIs {
		entry := &gicv3.Entry{Name: e.Name, Base: e.Base, Count: e.Count}
		if e.MSI {
			entry.Flags |= gicv3.FlagMSI
		}
		if err := ctrl.AddSPI(entry); err != nil {
			return fmt.Errorf("spi entry %s: %w", entry, err)
		}
	}
	for _, e := range cfg.LPIs {
		entry := &gicv3.Entry{Name: e.Name, Base: e.Base, Count: e.Count}
		if err := ctrl.AddLPI(entry); err != nil {
			return fmt.Errorf("lpi entry %s: %w", entry, err)
		}
	}
	return nil
}
