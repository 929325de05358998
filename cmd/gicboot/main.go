// Command gicboot brings up the GICv3 interrupt controller of a simulated
// board and inspects the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/bsp/internal/debug"
)

// failf prints to stderr and returns the failure status, leaving deferred
// cleanup such as closing the boot log to run.
func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "gicboot: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// openLog routes the boot log to path, or to memory when path is empty, and
// mirrors records up to verbosity to stderr.
func openLog(path string, verbosity int) (func(), error) {
	if path != "" {
		if err := debug.OpenFile(path); err != nil {
			return nil, err
		}
	} else if _, err := debug.OpenMemory(); err != nil {
		return nil, err
	}
	debug.SetConsole(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	debug.SetVerbosity(verbosity)
	return func() {
		if err := debug.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "gicboot: close log: %v\n", err)
		}
	}, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(DTB), "")
	subcommands.Register(new(Log), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
