package intr

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeController struct {
	masked  map[uint32]bool
	pending []uint32
	eoi     []uint32
}

func newFake() *fakeController { return &fakeController{masked: make(map[uint32]bool)} }

func (f *fakeController) Mask(id uint32) error   { f.masked[id] = true; return nil }
func (f *fakeController) Unmask(id uint32) error { f.masked[id] = false; return nil }
func (f *fakeController) EOI(cpu int, id uint32) error {
	f.eoi = append(f.eoi, id)
	return nil
}
func (f *fakeController) Identify(cpu int) (uint32, bool, error) {
	if len(f.pending) == 0 {
		return 1023, false, nil
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	return id, true, nil
}

func TestRegisterOrder(t *testing.T) {
	fake := newFake()
	tbl := NewTable()

	for _, r := range []Range{
		{Name: "a", Base: 32, Count: 64, Callouts: fake},
		{Name: "b", Base: 96, Count: 64, Callouts: fake},
	} {
		if err := tbl.Register(r); err != nil {
			t.Fatalf("Register(%s): %v", r, err)
		}
	}

	tests := []Range{
		{Name: "overlap", Base: 150, Count: 50, Callouts: fake},
		{Name: "below", Base: 40, Count: 1, Callouts: fake},
	}
	for _, r := range tests {
		if err := tbl.Register(r); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("Register(%s) = %v, want ErrOutOfOrder", r, err)
		}
	}
	if err := tbl.Register(Range{Name: "empty", Base: 200, Callouts: fake}); err == nil {
		t.Errorf("empty range accepted")
	}

	var names []string
	for _, r := range tbl.Ranges() {
		names = append(names, r.Name)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("Ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestLookup(t *testing.T) {
	fake := newFake()
	tbl := NewTable()
	tbl.Register(Range{Name: "spi", Base: 32, Count: 64, Callouts: fake})
	tbl.Register(Range{Name: "lpi", Base: 8192, Count: 100, Callouts: fake})

	tests := []struct {
		id   uint32
		want string
	}{
		{32, "spi"},
		{95, "spi"},
		{96, ""},
		{8191, ""},
		{8192, "lpi"},
		{8291, "lpi"},
		{8292, ""},
		{5, ""},
	}
	for _, tt := range tests {
		r, ok := tbl.Lookup(tt.id)
		if got := map[bool]string{true: r.Name, false: ""}[ok]; got != tt.want {
			t.Errorf("Lookup(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestService(t *testing.T) {
	fake := newFake()
	tbl := NewTable()
	tbl.Register(Range{Name: "spi", Base: 32, Count: 64, Callouts: fake})

	var handled []uint32
	if err := tbl.Attach(40, func(cpu int, id uint32) error {
		handled = append(handled, id)
		return nil
	}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if fake.masked[40] {
		t.Fatalf("Attach left vector masked")
	}

	fake.pending = []uint32{40, 41}
	if id, ok, err := tbl.Service(0); err != nil || !ok || id != 40 {
		t.Fatalf("Service = %d, %v, %v", id, ok, err)
	}
	if _, _, err := tbl.Service(0); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Service without handler = %v, want ErrNoHandler", err)
	}
	if _, ok, err := tbl.Service(0); ok || err != nil {
		t.Fatalf("Service on idle controller = %v, %v", ok, err)
	}
	if diff := cmp.Diff([]uint32{40, 41}, fake.eoi); diff != "" {
		t.Errorf("EOI mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{40}, handled); diff != "" {
		t.Errorf("handled mismatch (-want +got):\n%s", diff)
	}

	if err := tbl.Detach(40); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !fake.masked[40] {
		t.Errorf("Detach left vector unmasked")
	}
	if err := tbl.Attach(5, nil); !errors.Is(err, ErrNoRange) {
		t.Errorf("Attach(5) = %v, want ErrNoRange", err)
	}
}
