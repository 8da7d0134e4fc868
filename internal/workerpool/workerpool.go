// Package workerpool runs the fixed-size set of hashing workers described
// in spec §4.5. Each worker pulls eligible nodes from the Work Graph,
// invokes the Hasher (or composes a directory digest from its children's
// digests), appends the outcome to the journal, and reports completion back
// to the graph. Structurally this is the teacher's verifier.Run worker-loop
// pattern (`for j := range v.jobCh { v.processJob(j) }`), adapted to pull
// from a dependency graph instead of a static job channel.
package workerpool

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/avbrook/bddj/internal/hasher"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/progress"
	"github.com/avbrook/bddj/internal/workgraph"
)

// Options configures a Pool.
type Options struct {
	Workers        int
	Algorithm      hasher.Algorithm
	RootDir        string // absolute filesystem path the graph's paths are relative to
	FollowSymlinks bool
	ShowProgress   bool
}

// Stats are the atomic counters a Pool updates as it runs; safe to read
// concurrently with Run for progress reporting, matching the teacher's
// lock-free stats pattern in scanner.go/verifier.go.
type Stats struct {
	FilesHashed  atomic.Int64
	DirsComposed atomic.Int64
	BytesHashed  atomic.Int64
	Errors       atomic.Int64
}

// String renders Stats for progress display, in the register of the
// teacher's scanner.stats.String().
func (s *Stats) String() string {
	return fmt.Sprintf("Hashed %d files (%s), composed %d dirs, %d errors",
		s.FilesHashed.Load(), humanize.IBytes(uint64(s.BytesHashed.Load())),
		s.DirsComposed.Load(), s.Errors.Load())
}

// Pool runs Options.Workers goroutines draining graph until it reports no
// more work.
type Pool struct {
	opts  Options
	graph *workgraph.Graph
	w     *journal.Writer
	errCh chan error
	Stats Stats
	bar   *progress.Bar
}

// New creates a Pool. errCh (may be nil) receives non-fatal per-entry
// errors for the caller to log; it is never closed by the Pool.
func New(opts Options, graph *workgraph.Graph, w *journal.Writer, errCh chan error) *Pool {
	return &Pool{opts: opts, graph: graph, w: w, errCh: errCh, bar: progress.New(opts.ShowProgress, -1)}
}

// Run spawns Options.Workers goroutines and blocks until the Work Graph
// reports idle (spec §4.5 "Termination") or ctx is cancelled, in which case
// workers stop draining the queue once their in-flight node completes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	n := p.opts.Workers
	if n < 1 {
		n = 1
	}

	// A cancelled context closes the graph so idle workers wake and exit;
	// workers already holding a node still finish it (§5 cancellation).
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.graph.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
	p.bar.Finish(&p.Stats)
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		node, ok := p.graph.Next()
		if !ok {
			return
		}

		entry, err := p.process(ctx, node)
		if err != nil {
			p.Stats.Errors.Add(1)
			p.sendError(err)
			entry = journal.Entry{
				Path:   node.Path,
				Type:   node.Type,
				Status: journal.StatusErr,
				Error:  err.Error(),
			}
		}
		node.Result = entry
		if appendErr := p.w.Append(entry); appendErr != nil {
			// A journal write failure is fatal per spec §7; surface it and
			// stop this worker from claiming more nodes.
			p.sendError(fmt.Errorf("workerpool: %w", appendErr))
			p.graph.Fail(node)
			return
		}

		if entry.Status == journal.StatusOk {
			p.graph.Complete(node)
		} else {
			p.graph.Fail(node)
		}
		p.bar.Describe(&p.Stats)
	}
}

// process computes the journal entry for node. It never mutates the graph;
// the caller records completion after the journal append succeeds, so an
// entry is never "done" in the graph before it is durable (spec §4.5/§7).
//
// node.Cached is never set here: a cache hit is short-circuited by the
// Coordinator at discovery time (spec §4.4), before the node ever reaches
// the Work Graph's ready queue, so Next never hands this Pool a cached
// node.
func (p *Pool) process(ctx context.Context, node *workgraph.Node) (journal.Entry, error) {
	select {
	case <-ctx.Done():
		return journal.Entry{}, fmt.Errorf("workerpool: interrupted before hashing %s", node.Path)
	default:
	}

	switch node.Type {
	case journal.TypeDirectory:
		return p.composeDirectory(node)
	case journal.TypeSymlink:
		return p.hashSymlink(node)
	case journal.TypeOther:
		return journal.Entry{Path: node.Path, Type: journal.TypeOther, Status: journal.StatusOk}, nil
	default:
		return p.hashFile(ctx, node)
	}
}

func (p *Pool) hashFile(ctx context.Context, node *workgraph.Node) (journal.Entry, error) {
	abs := filepath.Join(p.opts.RootDir, node.Path)
	fi, err := os.Stat(abs)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("stat %s: %w", node.Path, err)
	}

	digest, err := hasher.HashFile(abs, p.opts.Algorithm)
	if err != nil {
		return journal.Entry{}, err
	}

	select {
	case <-ctx.Done():
		return journal.Entry{}, fmt.Errorf("workerpool: interrupted hashing %s", node.Path)
	default:
	}

	p.Stats.FilesHashed.Add(1)
	p.Stats.BytesHashed.Add(fi.Size())

	return journal.Entry{
		Path:    node.Path,
		Type:    journal.TypeFile,
		MtimeNs: fi.ModTime().UnixNano(),
		Size:    fi.Size(),
		Hash:    fmt.Sprintf("%x", digest),
		Status:  journal.StatusOk,
	}, nil
}

func (p *Pool) hashSymlink(node *workgraph.Node) (journal.Entry, error) {
	abs := filepath.Join(p.opts.RootDir, node.Path)
	fi, err := os.Lstat(abs)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("lstat %s: %w", node.Path, err)
	}
	target, err := os.Readlink(abs)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("readlink %s: %w", node.Path, err)
	}
	digest, err := hasher.SymlinkDigest(target, p.opts.Algorithm)
	if err != nil {
		return journal.Entry{}, err
	}
	return journal.Entry{
		Path:    node.Path,
		Type:    journal.TypeSymlink,
		MtimeNs: fi.ModTime().UnixNano(),
		Size:    fi.Size(),
		Hash:    fmt.Sprintf("%x", digest),
		Status:  journal.StatusOk,
	}, nil
}

// composeDirectory builds node's digest from its children's already-settled
// Results. The Work Graph guarantees every child is Done or Error before
// its parent becomes Ready, and Result is written (with the mutex providing
// the necessary happens-before edge) before that settlement, so every
// child's Result is safe to read here without further synchronization.
func (p *Pool) composeDirectory(node *workgraph.Node) (journal.Entry, error) {
	ordered := make([]*workgraph.Node, len(node.Children))
	copy(ordered, node.Children)
	sort.Slice(ordered, func(i, j int) bool {
		return filepath.Base(ordered[i].Path) < filepath.Base(ordered[j].Path)
	})

	for _, c := range ordered {
		if c.Result.Status != journal.StatusOk {
			return journal.Entry{}, fmt.Errorf("ChildError: %s has a failed child %s", node.Path, c.Path)
		}
	}

	digestInputs := make([]hasher.ChildDigest, 0, len(ordered))
	childHashes := make([]string, 0, len(ordered))
	for _, c := range ordered {
		raw, err := hex.DecodeString(c.Result.Hash)
		if err != nil {
			return journal.Entry{}, fmt.Errorf("compose %s: child %s: %w", node.Path, c.Path, err)
		}
		digestInputs = append(digestInputs, hasher.ChildDigest{
			Name:   filepath.Base(c.Path),
			Type:   typeTag(c.Result.Type),
			Digest: raw,
		})
		childHashes = append(childHashes, c.Result.Hash)
	}

	digest, err := hasher.DirDigest(digestInputs, p.opts.Algorithm)
	if err != nil {
		return journal.Entry{}, err
	}

	p.Stats.DirsComposed.Add(1)

	abs := filepath.Join(p.opts.RootDir, node.Path)
	fi, err := os.Stat(abs)
	var mtime int64
	if err == nil {
		mtime = fi.ModTime().UnixNano()
	}

	return journal.Entry{
		Path:     node.Path,
		Type:     journal.TypeDirectory,
		MtimeNs:  mtime,
		Size:     int64(len(ordered)),
		Hash:     fmt.Sprintf("%x", digest),
		Children: childHashes,
		Status:   journal.StatusOk,
	}, nil
}

func typeTag(t journal.FileType) byte {
	switch t {
	case journal.TypeFile:
		return 'f'
	case journal.TypeDirectory:
		return 'd'
	case journal.TypeSymlink:
		return 's'
	default:
		return 'o'
	}
}

func (p *Pool) sendError(err error) {
	if p.errCh != nil {
		p.errCh <- err
	}
}
