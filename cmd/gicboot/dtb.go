package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/bsp/internal/board"
)

// DTB implements subcommands.Command for the "dtb" command.
type DTB struct {
	config string
	out    string
}

// Name implements subcommands.Command.Name.
func (*DTB) Name() string { return "dtb" }

// Synopsis implements subcommands.Command.Synopsis.
func (*DTB) Synopsis() string { return "boot the board and write its device tree" }

// Usage implements subcommands.Command.Usage.
func (*DTB) Usage() string {
	return `dtb [flags] -o <file>

The blob reserves every table the controller allocated, so the next boot
stage leaves them alone.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *DTB) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.config, "config", "", "board description (YAML)")
	f.StringVar(&d.out, "o", "", "output file")
}

// Execute implements subcommands.Command.Execute.
func (d *DTB) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if d.out == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	closeLog, err := openLog("", 0)
	if err != nil {
		return failf("open log: %v", err)
	}
	defer closeLog()

	var cfg board.Config
	if d.config != "" {
		if cfg, err = board.Load(d.config); err != nil {
			return failf("%v", err)
		}
	}
	brd, err := board.New(cfg)
	if err != nil {
		return failf("%v", err)
	}
	defer brd.Close()

	if err := brd.Boot(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gicboot: boot: %v\n", err)
		return subcommands.ExitFailure
	}
	blob, err := brd.DeviceTree()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gicboot: device tree: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(d.out, blob, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "gicboot: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
