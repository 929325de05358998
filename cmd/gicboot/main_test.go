package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"

	"github.com/tinyrange/bsp/internal/board"
	"github.com/tinyrange/bsp/internal/debug"
)

func TestParseIDs(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    []uint32
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "33", want: []uint32{33}},
		{in: "33, 0x2000,64", want: []uint32{33, 8192, 64}},
		{in: "33,,34", wantErr: true},
		{in: "uart", wantErr: true},
	} {
		got, err := parseIDs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseIDs(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseIDs(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestExampleBoard(t *testing.T) {
	cfg, err := board.Load(filepath.Join(".", "board.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	brd, err := board.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer brd.Close()
	if err := brd.Boot(t.Context()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := service(brd, []uint32{33, 8200}); err != nil {
		t.Fatalf("service: %v", err)
	}
	if got := brd.Sim().CPU(0).State().EOI; !cmp.Equal(got, []uint32{33, 8200}) {
		t.Errorf("EOI = %v, want [33 8200]", got)
	}
}

func TestLogFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.bin")
	closeLog, err := openLog(path, -1)
	if err != nil {
		t.Fatalf("openLog: %v", err)
	}
	brd, err := board.New(board.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := brd.Boot(t.Context()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	brd.Close()
	closeLog()

	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Fatalf("log file: %v, %v", st, err)
	}
	for _, l := range []*Log{
		{list: true},
		{source: "^gicv3$", level: 1},
		{match: "cores up", level: -1, limit: 1},
	} {
		if err := l.run(path); err != nil {
			t.Errorf("run(%+v): %v", l, err)
		}
	}
	if err := (&Log{source: "("}).run(path); err == nil {
		t.Errorf("run with an invalid regex succeeded")
	}
}

func TestBootFailureClosesLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "boot.bin")

	b := new(Boot)
	fs := flag.NewFlagSet("boot", flag.ContinueOnError)
	b.SetFlags(fs)
	if err := fs.Parse([]string{"-config", filepath.Join(dir, "missing.yaml"), "-log", logPath}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := b.Execute(t.Context(), fs); got != subcommands.ExitFailure {
		t.Fatalf("Execute = %v, want %v", got, subcommands.ExitFailure)
	}

	// A log left open would make the next Open report a discarded writer.
	if _, err := debug.OpenMemory(); err != nil {
		t.Errorf("boot log still open after a failed boot: %v", err)
	}
	debug.Close()
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file: %v", err)
	}
}
