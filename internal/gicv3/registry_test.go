package gicv3

import (
	"errors"
	"testing"

	"github.com/tinyrange/bsp/internal/gicsim"
	"github.com/tinyrange/bsp/internal/gicv3/gicreg"
)

func TestAddSPI(t *testing.T) {
	p := gicsim.GIC600()
	p.ESPI = true
	p.ESPIRange = 0
	r := newRig(t, p)

	for _, tc := range []struct {
		name  string
		entry Entry
		err   error
	}{
		{"first", Entry{Base: 40, Count: 10}, nil},
		{"overlap", Entry{Base: 45, Count: 1}, ErrOverlap},
		{"straddles", Entry{Base: 35, Count: 10}, ErrOverlap},
		{"below", Entry{Base: 35, Count: 1}, ErrOutOfOrder},
		{"adjacent", Entry{Base: 50, Count: 2}, nil},
		{"empty", Entry{Base: 60, Count: 0}, ErrOutOfRange},
		{"PPI", Entry{Base: 20, Count: 1}, ErrOutOfRange},
		{"past last SPI", Entry{Base: 90, Count: 8}, ErrOutOfRange},
		{"special INTIDs", Entry{Base: 1019, Count: 2}, ErrOutOfRange},
		{"msi", Entry{Base: 64, Count: 32, Flags: FlagMSI}, nil},
		{"extended", Entry{Base: 4096, Count: 32}, nil},
		{"past extended", Entry{Base: 4128, Count: 1}, ErrOutOfRange},
	} {
		e := tc.entry
		e.Name = tc.name
		err := r.ctrl.AddSPI(&e)
		if !errors.Is(err, tc.err) || (tc.err == nil) != (err == nil) {
			t.Errorf("AddSPI(%s) = %v, want %v", &e, err, tc.err)
		}
		if err == nil && e.Dispatch.Route != RouteSPI {
			t.Errorf("AddSPI(%s) route %s, want spi", &e, e.Dispatch.Route)
		}
		if IsFatal(err) {
			t.Errorf("AddSPI(%s) = %v, want a recoverable error", &e, err)
		}
	}
	if got := len(r.ctrl.SPIs()); got != 4 {
		t.Errorf("%d SPI entries, want 4", got)
	}
}

func TestAddSPIWithoutMBIS(t *testing.T) {
	p := gicsim.GIC600()
	p.MBIS = false
	r := newRig(t, p)
	if err := r.ctrl.AddSPI(&Entry{Name: "msi", Base: 64, Count: 4, Flags: FlagMSI}); !errors.Is(err, ErrMSIUnsupported) {
		t.Errorf("AddSPI = %v, want %v", err, ErrMSIUnsupported)
	}
	r.addSPI(t, &Entry{Name: "wired", Base: 64, Count: 4})
}

func TestAddLPI(t *testing.T) {
	for _, tc := range []struct {
		name      string
		lpis      bool
		its       bool
		direct    bool
		entry     Entry
		wantRoute Route
		err       error
	}{
		{name: "its", lpis: true, its: true, entry: Entry{Base: 8192, Count: 64}, wantRoute: RouteITS},
		{name: "direct", lpis: true, direct: true, entry: Entry{Base: 8192, Count: 64}, wantRoute: RouteDirect},
		{name: "its preferred", lpis: true, its: true, direct: true, entry: Entry{Base: 8192, Count: 64}, wantRoute: RouteITS},
		{name: "no delivery", lpis: true, entry: Entry{Base: 8192, Count: 64}, err: ErrLPIUnsupported},
		{name: "no LPIs", its: true, entry: Entry{Base: 8192, Count: 64}, err: ErrLPIUnsupported},
		{name: "below 8192", lpis: true, its: true, entry: Entry{Base: 8000, Count: 256}, err: ErrOutOfRange},
		{name: "beyond IDbits", lpis: true, its: true, entry: Entry{Base: 65530, Count: 10}, err: ErrOutOfRange},
		{name: "empty", lpis: true, its: true, entry: Entry{Base: 8192}, err: ErrOutOfRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := gicsim.GIC600()
			p.LPIS = tc.lpis
			p.DirectLPI = tc.direct
			if !tc.its {
				p.ITS = 0
			}
			r := newRig(t, p)

			e := tc.entry
			e.Name = tc.name
			err := r.ctrl.AddLPI(&e)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("AddLPI(%s) = %v, want %v", &e, err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AddLPI(%s): %v", &e, err)
			}
			if e.Dispatch.Route != tc.wantRoute {
				t.Errorf("route = %s, want %s", e.Dispatch.Route, tc.wantRoute)
			}
		})
	}
}

func TestLPISpan(t *testing.T) {
	r := newRig(t, gicsim.GIC600())
	r.addLPI(t, &Entry{Name: "a", Base: 8192, Count: 16})
	r.addLPI(t, &Entry{Name: "b", Base: 9000, Count: 24})
	if got := r.ctrl.lpis.span(gicreg.LPIBaseID); got != 9024-8192 {
		t.Errorf("span = %d, want %d", got, 9024-8192)
	}
	r.boot(t)
	if got := r.ctrl.numLPIs; got != 832 {
		t.Errorf("numLPIs = %d, want 832", got)
	}
	wantClean(t, r.sim)
}

func TestIdentity(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mod     func(p *gicsim.Profile)
		version string
		product string
		stride  uint64
	}{
		{"GIC-600", func(p *gicsim.Profile) {}, "v3", "ARM GIC-600 r0p0", 0x20000},
		{"GIC-500 r1p4", func(p *gicsim.Profile) { p.ProductID, p.Variant, p.Revision = 0, 1, 4 }, "v3", "ARM GIC-500 r1p4", 0x20000},
		{"extended PPIs", func(p *gicsim.Profile) { p.PPINum = 1 }, "v3.1", "ARM GIC-600 r0p0", 0x20000},
		{"extended SPIs", func(p *gicsim.Profile) { p.ESPI = true }, "v3.1", "ARM GIC-600 r0p0", 0x20000},
		{"GIC-700", func(p *gicsim.Profile) { p.ArchRev, p.ProductID = 4, 4 }, "v4", "ARM GIC-700 r0p0", 0x40000},
		{"other vendor", func(p *gicsim.Profile) { p.Implementer, p.ProductID = 0x51, 7 }, "v3", "implementer 0x051 product 0x07 r0p0", 0x20000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := gicsim.GIC600()
			tc.mod(&p)
			r := newRig(t, p)
			id := r.ctrl.Identity()
			if got := id.Version(); got != tc.version {
				t.Errorf("Version = %q, want %q", got, tc.version)
			}
			if got := id.Name(); got != tc.product {
				t.Errorf("Name = %q, want %q", got, tc.product)
			}
			if got := uint64(1) << r.ctrl.redistShift; got != tc.stride {
				t.Errorf("redistributor stride = 0x%x, want 0x%x", got, tc.stride)
			}
		})
	}
}

func TestAtLeast(t *testing.T) {
	id := Identity{ArchMajor: 3, ArchMinor: 1}
	for v, want := range map[string]bool{"v3": true, "v3.1": true, "v3.2": false, "v4.0": false} {
		if got := id.AtLeast(v); got != want {
			t.Errorf("v3.1 AtLeast(%s) = %v, want %v", v, got, want)
		}
	}
}
