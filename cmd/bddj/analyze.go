package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avbrook/bddj/internal/analyzer"
	"github.com/avbrook/bddj/internal/progress"
)

type analyzeOptions struct {
	outPath        string
	includeOther   bool
	includeSymlink bool
	noProgress     bool
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <journal>",
		Short: "Find duplicate sets in a finalized journal",
		Long: `Buckets every Ok journal entry by (type, size, hash) and emits the maximal
duplicate sets: a directory duplicate suppresses the file- and
subdirectory-level duplicates it already fully explains.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runAnalyze(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.outPath, "output", "o", "", "Duplicate-set file path (required)")
	cmd.Flags().BoolVar(&opts.includeOther, "include-other", false, "Include type=other entries in grouping")
	cmd.Flags().BoolVar(&opts.includeSymlink, "include-symlink", false, "Include symlink entries in grouping")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func runAnalyze(journalPath string, opts *analyzeOptions) error {
	if opts.outPath == "" {
		return invalidArgs("analyze: -o/--output is required")
	}

	sets, err := analyzer.Analyze(journalPath, analyzer.Options{
		IncludeOther:   opts.includeOther,
		IncludeSymlink: opts.includeSymlink,
		Progress:       progress.New(!opts.noProgress, -1),
	})
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	if err := analyzer.WriteTo(opts.outPath, sets); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}
