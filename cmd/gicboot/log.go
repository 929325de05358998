package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/bsp/internal/debug"
)

// Log implements subcommands.Command for the "log" command.
type Log struct {
	list   bool
	source string
	match  string
	level  int
	limit  int
}

// Name implements subcommands.Command.Name.
func (*Log) Name() string { return "log" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Log) Synopsis() string { return "inspect a binary boot log" }

// Usage implements subcommands.Command.Usage.
func (*Log) Usage() string {
	return `log [flags] <file>

Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE

Examples:
  gicboot log boot.bin                      all entries
  gicboot log -list boot.bin                source names
  gicboot log -source '^gicv3' boot.bin     driver entries only
  gicboot log -level 0 boot.bin             errors only
  gicboot log -match '(?i)timeout' boot.bin
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Log) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.list, "list", false, "list all sources in the log")
	f.StringVar(&l.source, "source", "", "regex to filter sources")
	f.StringVar(&l.match, "match", "", "regex to filter messages")
	f.IntVar(&l.level, "level", -1, "only show entries at or below this level")
	f.IntVar(&l.limit, "limit", 0, "stop after N entries (0 for unlimited)")
}

// Execute implements subcommands.Command.Execute.
func (l *Log) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := l.run(f.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "gicboot: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (l *Log) run(filename string) error {
	reader, closer, err := debug.NewReaderFromFile(filename)
	if err != nil {
		return fmt.Errorf("open debug file: %w", err)
	}
	defer closer.Close()

	if l.list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if l.source != "" {
		if sourceRe, err = regexp.Compile(l.source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if l.match != "" {
		if matchRe, err = regexp.Compile(l.match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	// Source regexes are resolved to names up front so the reader can skip
	// whole records without decoding them.
	opts := debug.SearchOptions{MaxLevel: l.level}
	if sourceRe != nil {
		for _, src := range reader.Sources() {
			if sourceRe.MatchString(src) {
				opts.Sources = append(opts.Sources, src)
			}
		}
		if len(opts.Sources) == 0 {
			return nil
		}
	}

	n := 0
	return reader.Search(opts, func(r debug.Record) error {
		if matchRe != nil && !matchRe.Match(r.Data) {
			return nil
		}
		if l.limit > 0 && n >= l.limit {
			return nil
		}
		n++
		fmt.Printf("%s [%s] %s\n", r.Time.Format(time.RFC3339Nano), r.Source, r.Data)
		return nil
	})
}
