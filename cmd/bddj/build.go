package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avbrook/bddj/internal/cacheindex"
	"github.com/avbrook/bddj/internal/coordinator"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/workerpool"
	"github.com/avbrook/bddj/internal/workgraph"
)

// buildOptions holds CLI flags for the build command.
type buildOptions struct {
	journalPath    string
	workDir        string
	threads        int
	followSymlinks bool
	hashAlg        string
	sideIndex      bool
	noProgress     bool
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{
		threads:   runtime.NumCPU(),
		hashAlg:   "sha2",
		sideIndex: true,
	}

	cmd := &cobra.Command{
		Use:   "build <target>",
		Short: "Hash a directory tree into an append-only journal",
		Long: `Walks target, hashing files and composing directory digests bottom-up into
an append-only journal. Re-running build over an existing journal re-hashes
only what changed since the last run (the cache short-circuit): unchanged
files are not read again, while every directory digest is recomposed from
its children's current results.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runBuild(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.journalPath, "output", "o", "", "Journal file path (required)")
	cmd.Flags().StringVarP(&opts.workDir, "working-directory", "w", "", "Root all journal paths are relative to (default: target itself)")
	cmd.Flags().IntVar(&opts.threads, "threads", opts.threads, "Number of hashing workers")
	cmd.Flags().BoolVar(&opts.followSymlinks, "follow-symlinks", false, "Follow symlinks to directories (default: record and never traverse)")
	cmd.Flags().StringVar(&opts.hashAlg, "hash", opts.hashAlg, "Hash algorithm: sha1|sha2|xxh32|xxh64")
	cmd.Flags().BoolVar(&opts.sideIndex, "side-index", opts.sideIndex, "Persist a bbolt-backed side index for faster resume on large journals")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func runBuild(target string, opts *buildOptions) error {
	if opts.journalPath == "" {
		return invalidArgs("build: -o/--output is required")
	}
	alg, err := parseAlgorithm(opts.hashAlg)
	if err != nil {
		return err
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	root := opts.workDir
	if root == "" {
		root = absTarget
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	followPolicy := coordinator.Never
	if opts.followSymlinks {
		followPolicy = coordinator.Always
	}

	sideIndexPath := opts.journalPath + ".idx.bolt"
	var cache *cacheindex.Index
	if opts.sideIndex {
		cache, err = cacheindex.BuildWithSideIndex(opts.journalPath, sideIndexPath)
	} else {
		cache, err = cacheindex.Build(opts.journalPath)
	}
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	w, err := journal.OpenForAppend(opts.journalPath, journal.Header{Hash: alg, Root: absRoot})
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer func() { _ = w.Close() }()

	errs := make(chan error, 100)
	go drainErrors(errs)
	defer close(errs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graph := workgraph.New()
	c := coordinator.New(coordinator.Options{Root: absRoot, FollowSymlinks: followPolicy, Cache: cache}, graph, w, errs)
	if err := c.Discover(absTarget); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	// Discover fully populates the graph before the pool ever calls Next,
	// so idle detection (no ready nodes, none in flight, every node
	// terminal) is sufficient for termination; Close is reserved for
	// cancellation below.

	pool := workerpool.New(workerpool.Options{
		Workers:        opts.threads,
		Algorithm:      alg,
		RootDir:        absRoot,
		FollowSymlinks: opts.followSymlinks,
		ShowProgress:   !opts.noProgress,
	}, graph, w, errs)
	pool.Run(ctx)

	if pool.Stats.Errors.Load() > 0 {
		return fmt.Errorf("build: completed with %d entry error(s); see journal for details", pool.Stats.Errors.Load())
	}
	return nil
}
