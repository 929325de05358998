// Package intr is the interrupt dispatch table the operating system builds
// from the ranges its interrupt controllers register at boot.
package intr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// Callouts are the controller operations the dispatch table calls for the
// vectors of one range. Identify returns ok=false for a spurious interrupt.
type Callouts interface {
	Mask(id uint32) error
	Unmask(id uint32) error
	EOI(cpu int, id uint32) error
	Identify(cpu int) (id uint32, ok bool, err error)
}

// Range is a contiguous block of vectors owned by one set of callouts.
type Range struct {
	Name     string
	Base     uint32
	Count    uint32
	Callouts Callouts
}

func (r Range) End() uint32 { return r.Base + r.Count }

func (r Range) String() string {
	return fmt.Sprintf("%s [%d,%d)", r.Name, r.Base, r.End())
}

// Handler services one vector. It runs between Identify and EOI.
type Handler func(cpu int, id uint32) error

var (
	ErrOutOfOrder = errors.New("intr: range registered out of ascending order")
	ErrNoRange    = errors.New("intr: no range owns vector")
	ErrNoHandler  = errors.New("intr: no handler for vector")
)

// Table maps vectors to the range that owns them.
//
// Ranges must be registered in ascending vector order. The table rejects a
// range that starts below the end of the last one rather than sorting it in.
type Table struct {
	mu sync.Mutex

	ranges   *btree.BTreeG[Range]
	handlers map[uint32]Handler
}

func NewTable() *Table {
	return &Table{
		ranges:   btree.NewG(8, func(a, b Range) bool { return a.Base < b.Base }),
		handlers: make(map[uint32]Handler),
	}
}

// Register appends r to the table.
func (t *Table) Register(r Range) error {
	if r.Count == 0 {
		return fmt.Errorf("intr: empty range %s", r.Name)
	}
	if r.Callouts == nil {
		return fmt.Errorf("intr: range %s has no callouts", r.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.ranges.Max(); ok && r.Base < last.End() {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, r, last)
	}
	t.ranges.ReplaceOrInsert(r)
	return nil
}

// Lookup returns the range owning id.
func (t *Table) Lookup(id uint32) (Range, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(id)
}

func (t *Table) lookupLocked(id uint32) (Range, bool) {
	var found Range
	var ok bool
	t.ranges.DescendLessOrEqual(Range{Base: id}, func(r Range) bool {
		found, ok = r, id < r.End()
		return false
	})
	return found, ok
}

// Ranges returns the registered ranges in vector order.
func (t *Table) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Range, 0, t.ranges.Len())
	t.ranges.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Attach installs h for id and unmasks it.
func (t *Table) Attach(id uint32, h Handler) error {
	t.mu.Lock()
	r, ok := t.lookupLocked(id)
	if ok {
		t.handlers[id] = h
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w %d", ErrNoRange, id)
	}
	return r.Callouts.Unmask(id)
}

// Detach masks id and removes its handler.
func (t *Table) Detach(id uint32) error {
	t.mu.Lock()
	r, ok := t.lookupLocked(id)
	delete(t.handlers, id)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w %d", ErrNoRange, id)
	}
	return r.Callouts.Mask(id)
}

// Service acknowledges one interrupt on cpu, runs its handler and signals
// end of interrupt. It reports ok=false when the controller had nothing
// pending. Every range shares the controller's acknowledge register, so the
// lowest range identifies.
func (t *Table) Service(cpu int) (id uint32, ok bool, err error) {
	t.mu.Lock()
	first, have := t.ranges.Min()
	t.mu.Unlock()
	if !have {
		return 0, false, fmt.Errorf("intr: no ranges registered")
	}

	id, ok, err = first.Callouts.Identify(cpu)
	if err != nil || !ok {
		return id, ok, err
	}

	t.mu.Lock()
	r, owned := t.lookupLocked(id)
	h := t.handlers[id]
	t.mu.Unlock()

	if !owned {
		return id, true, fmt.Errorf("%w %d", ErrNoRange, id)
	}

	var herr error
	if h == nil {
		herr = fmt.Errorf("%w %d", ErrNoHandler, id)
	} else {
		herr = h(cpu, id)
	}
	if err := r.Callouts.EOI(cpu, id); err != nil {
		return id, true, err
	}
	return id, true, herr
}
