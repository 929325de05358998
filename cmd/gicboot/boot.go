package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/bsp/internal/board"
	"github.com/tinyrange/bsp/internal/gicv3"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	config    string
	logFile   string
	verbosity int
	raise     string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string { return "boot" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string { return "bring up the interrupt controller on every core" }

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags]

Loads a board description, runs global initialization on core 0 and per-core
initialization on every core, then prints the controller identity, the
registered interrupt ranges and any hardware protocol violations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.config, "config", "", "board description (YAML); defaults apply when empty")
	f.StringVar(&b.logFile, "log", "", "write the binary boot log to this file")
	f.IntVar(&b.verbosity, "v", 0, "mirror log records up to this level to stderr")
	f.StringVar(&b.raise, "raise", "", "comma-separated interrupt IDs to raise on core 0 after boot")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	raise, err := parseIDs(b.raise)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gicboot: -raise: %v\n", err)
		return subcommands.ExitUsageError
	}

	closeLog, err := openLog(b.logFile, b.verbosity)
	if err != nil {
		return failf("open log: %v", err)
	}
	defer closeLog()

	var cfg board.Config
	if b.config != "" {
		if cfg, err = board.Load(b.config); err != nil {
			return failf("%v", err)
		}
	}
	brd, err := board.New(cfg)
	if err != nil {
		return failf("%v", err)
	}
	defer brd.Close()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(int64(len(brd.Config().CPUs)), "cores")
		defer bar.Close()
		brd.OnCPU = func(int) { bar.Add(1) }
	}

	bootErr := brd.Boot(ctx)
	printReport(brd)
	if bootErr != nil {
		kind := "error"
		if gicv3.IsFatal(bootErr) {
			kind = "fatal"
		}
		fmt.Fprintf(os.Stderr, "gicboot: boot %s: %v\n", kind, bootErr)
		return subcommands.ExitFailure
	}

	if len(raise) > 0 {
		if err := service(brd, raise); err != nil {
			fmt.Fprintf(os.Stderr, "gicboot: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	if len(brd.Sim().Violations()) != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func parseIDs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var ids []uint32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 0, 32)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint32(v))
	}
	return ids, nil
}

// service attaches a handler to each id, raises it on core 0 and runs the
// dispatch loop until the core has nothing pending.
func service(brd *board.Board, ids []uint32) error {
	table := brd.Table()
	for _, id := range ids {
		if err := table.Attach(id, func(cpu int, id uint32) error {
			fmt.Printf("cpu%d: interrupt %d\n", cpu, id)
			return nil
		}); err != nil {
			return err
		}
		if brd.Controller().CPUInterface() == gicv3.MemoryMapped {
			brd.Sim().RaiseGICC(id)
		} else {
			brd.Sim().CPU(0).Raise(id)
		}
	}
	for {
		_, ok, err := table.Service(0)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func printReport(brd *board.Board) {
	if ctrl := brd.Controller(); ctrl != nil {
		fmt.Printf("controller: %s, cpu interface %s\n", ctrl.Identity(), ctrl.CPUInterface())
	}
	for _, r := range brd.Table().Ranges() {
		fmt.Printf("range: %s\n", r)
	}
	for _, r := range brd.Allocations() {
		fmt.Printf("table: %-18s pa 0x%x size 0x%x\n", r.Tag, r.Base, r.Size)
	}
	for _, v := range brd.Sim().Violations() {
		fmt.Printf("violation: %s\n", v)
	}
}
