package gicv3

import (
	"sync"
	"time"

	"github.com/tinyrange/bsp/internal/arm64"
	"github.com/tinyrange/bsp/internal/debug"
	"github.com/tinyrange/bsp/internal/intr"
	"github.com/tinyrange/bsp/internal/mmio"
	"github.com/tinyrange/bsp/internal/phys"
)

// MemoryMap reserves physical ranges and returns where they are mapped.
type MemoryMap interface {
	Reserve(tag string, base, size uint64, attr phys.Attr) (vaddr uint64, err error)
}

// Allocator hands out physical RAM that is never freed.
type Allocator interface {
	Alloc(tag string, size, align uint64, zero bool) (phys.Region, error)
}

// Memory is the CPU's cached view of RAM. FlushRange cleans the data cache
// so a non-snooping bus master sees the stores.
type Memory interface {
	WriteAt(p []byte, paddr uint64) error
	ReadAt(p []byte, paddr uint64) error
	FlushRange(paddr, size uint64) error
}

// Dispatcher is the operating system's interrupt dispatch table.
type Dispatcher interface {
	Register(r intr.Range) error
}

// Locker is the host's lock primitive, keyed by the physical address of a
// lock slot.
type Locker interface {
	Lock(slot uint64)
	Unlock(slot uint64)
}

// Host bundles the services the controller needs from the board.
type Host struct {
	Bus        mmio.Accessor
	MemoryMap  MemoryMap
	Allocator  Allocator
	Memory     Memory
	Dispatcher Dispatcher
	// Locker is optional; slots are then guarded by process-local mutexes.
	Locker Locker
}

// BaseAddresses are the physical bases of the controller blocks. ITS is zero
// when the board has none.
type BaseAddresses struct {
	Dist   uint64
	Redist uint64
	ITS    uint64
}

// CPU identifies the core running InitCPU.
type CPU struct {
	Index   int
	MPIDR   uint64
	SysRegs arm64.SysRegs
}

type options struct {
	pollLimit    uint64
	pollInterval time.Duration
	numCPUs      int
	log          debug.Debug
}

func defaultOptions() options {
	return options{
		pollLimit: 1000000,
		numCPUs:   1,
		log:       debug.WithSource("gicv3"),
	}
}

type Option func(*options)

// WithPollLimit bounds the bounded hardware waits to n register reads.
func WithPollLimit(n uint64) Option {
	return func(o *options) { o.pollLimit = n }
}

// WithPollInterval delays between reads of a bounded wait. The default spins.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithNumCPUs sets the number of cores in the system. It sizes the
// Redistributor reservation and the ITS collection table.
func WithNumCPUs(n int) Option {
	return func(o *options) { o.numCPUs = n }
}

func WithLogger(l debug.Debug) Option {
	return func(o *options) { o.log = l }
}

type mutexLocker struct {
	mu    sync.Mutex
	slots map[uint64]*sync.Mutex
}

func (l *mutexLocker) slot(s uint64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[uint64]*sync.Mutex)
	}
	m, ok := l.slots[s]
	if !ok {
		m = &sync.Mutex{}
		l.slots[s] = m
	}
	return m
}

func (l *mutexLocker) Lock(s uint64)   { l.slot(s).Lock() }
func (l *mutexLocker) Unlock(s uint64) { l.slot(s).Unlock() }
