package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit codes fixed by spec §6.3.
const (
	exitOK                  = 0
	exitGenericError        = 1
	exitInvalidArgs         = 2
	exitJournalIncompatible = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "bddj",
		Short:   "Build and analyze a backup-directory hash journal",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newBuildCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newCleanCmd())

	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

// drainErrors consumes errors from a channel and writes them to stderr,
// clearing the progress bar line first to avoid visual collision — the
// teacher's cmd/dupedog/dedupe.go drainErrors pattern.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}
