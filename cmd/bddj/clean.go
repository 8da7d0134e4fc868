package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avbrook/bddj/internal/cleaner"
	"github.com/avbrook/bddj/internal/progress"
)

type cleanOptions struct {
	keepErrors bool
	keepStale  bool
	noProgress bool
}

func newCleanCmd() *cobra.Command {
	opts := &cleanOptions{}

	cmd := &cobra.Command{
		Use:   "clean <journal>",
		Short: "Compact a journal in place",
		Long: `Rewrites the journal to contain only the latest Ok entry for each path
still matching the filesystem, dropping stale and error entries. The
rewrite is atomic: a crash mid-clean leaves the original journal intact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runClean(args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.keepErrors, "keep-errors", false, "Preserve error entries instead of dropping them")
	cmd.Flags().BoolVar(&opts.keepStale, "keep-stale", false, "Preserve entries whose filesystem state no longer matches")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func runClean(journalPath string, opts *cleanOptions) error {
	stats, err := cleaner.Clean(journalPath, cleaner.Options{
		KeepErrors:    opts.keepErrors,
		KeepStale:     opts.keepStale,
		SideIndexPath: journalPath + ".idx.bolt",
		Progress:      progress.New(!opts.noProgress, -1),
	})
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	fmt.Printf("kept %d entries, dropped %d\n", stats.Kept, stats.Dropped)
	return nil
}
