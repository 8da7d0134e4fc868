// Package coordinator drives the single-threaded filesystem discovery
// described in spec §4.6: it walks the target tree, seeds the Work Graph
// from what it finds, applies the Cache Index to short-circuit unchanged
// paths, and enforces symlink policy and the working-directory rewrite.
// Concurrency lives entirely in the Worker Pool; the walk itself never
// spawns goroutines, structurally the non-concurrent half of the teacher's
// scanner.listDirectory (batched os.ReadDir) minus its fan-out.
package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avbrook/bddj/internal/cacheindex"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/workgraph"
)

// FollowSymlinks selects how the Coordinator handles symlinks to
// directories, per spec §4.6.
type FollowSymlinks int

const (
	Never FollowSymlinks = iota
	Always
)

// ErrPathOutsideRoot is returned when target is not under root.
var ErrPathOutsideRoot = fmt.Errorf("coordinator: path outside root")

// ErrSymlinkCycle is recorded (not returned) on the Error entry written for
// a symlink whose canonical target is already on the current traversal
// path.
var ErrSymlinkCycle = fmt.Errorf("SymlinkCycle")

// Options configures a build run.
type Options struct {
	Root           string // absolute, canonicalized working directory
	FollowSymlinks FollowSymlinks
	Cache          *cacheindex.Index // may be nil to disable cache short-circuit
}

// Coordinator performs one discovery pass, seeding graph and writing
// cache-short-circuited entries directly to w as it goes.
type Coordinator struct {
	opts  Options
	graph *workgraph.Graph
	w     *journal.Writer
	errCh chan error

	cacheHits int
}

// New creates a Coordinator. errCh (may be nil) receives non-fatal
// discovery errors (e.g. permission denied on a subdirectory).
func New(opts Options, graph *workgraph.Graph, w *journal.Writer, errCh chan error) *Coordinator {
	return &Coordinator{opts: opts, graph: graph, w: w, errCh: errCh}
}

// Discover walks target (an absolute path that must be under opts.Root)
// and seeds the Work Graph. It returns once the whole tree has been
// visited; the Worker Pool is started separately by the caller once
// Discover returns.
func (c *Coordinator) Discover(target string) error {
	rel, err := c.relativize(target)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(target)
	if err != nil {
		return fmt.Errorf("coordinator: lstat %s: %w", target, err)
	}

	_, err = c.visit(target, rel, nil, fi, nil)
	return err
}

// relativize rewrites an absolute path to be relative to opts.Root, per
// spec §4.6 "working_directory rewrite". A path outside the root is
// rejected before any traversal begins.
func (c *Coordinator) relativize(target string) (string, error) {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("coordinator: %w", err)
	}
	rel, err := filepath.Rel(c.opts.Root, absTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrPathOutsideRoot, target, c.opts.Root)
	}
	return filepath.ToSlash(rel), nil
}

// visit discovers one filesystem entry and everything beneath it
// (recursively, for directories), adding nodes to the graph as it goes.
// visiting is the set of canonical directory paths currently on the DFS
// path, used for cycle detection when FollowSymlinks is Always: every
// directory visitDirectory descends into is added to it, whether reached
// by ordinary traversal or by following a symlink, so a symlink pointing
// back at any ancestor — not only at a previously-followed symlink
// target — is caught.
func (c *Coordinator) visit(abs, rel string, parent *workgraph.Node, fi os.FileInfo, visiting map[string]bool) (*workgraph.Node, error) {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return c.visitSymlink(abs, rel, parent, fi, visiting)
	case fi.IsDir():
		return c.visitDirectory(abs, rel, parent, fi, visiting)
	case fi.Mode().IsRegular():
		return c.visitFile(abs, rel, parent, fi)
	default:
		return c.visitOther(rel, parent)
	}
}

func (c *Coordinator) visitFile(abs, rel string, parent *workgraph.Node, fi os.FileInfo) (*workgraph.Node, error) {
	cached := c.lookupFresh(rel, journal.TypeFile, fi)
	if cached != nil {
		if err := c.reemit(*cached); err != nil {
			return nil, err
		}
	}
	return c.graph.AddFile(rel, journal.TypeFile, parent, cached), nil
}

func (c *Coordinator) visitOther(rel string, parent *workgraph.Node) (*workgraph.Node, error) {
	// Non-regular, non-directory, non-symlink entries (sockets, devices)
	// are recorded but never hashed (spec §4.6); there is no filesystem
	// (mtime,size) signal worth caching against, so these are always
	// freshly recorded by the Worker Pool.
	return c.graph.AddFile(rel, journal.TypeOther, parent, nil), nil
}

func (c *Coordinator) visitSymlink(abs, rel string, parent *workgraph.Node, fi os.FileInfo, visiting map[string]bool) (*workgraph.Node, error) {
	if c.opts.FollowSymlinks == Never {
		cached := c.lookupFresh(rel, journal.TypeSymlink, fi)
		if cached != nil {
			if err := c.reemit(*cached); err != nil {
				return nil, err
			}
		}
		return c.graph.AddFile(rel, journal.TypeSymlink, parent, cached), nil
	}

	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return c.addErrorNode(rel, journal.TypeSymlink, parent, fmt.Errorf("%w: %v", ErrSymlinkCycle, err)), nil
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		return c.addErrorNode(rel, journal.TypeSymlink, parent, fmt.Errorf("stat symlink target: %w", err)), nil
	}
	if !targetInfo.IsDir() {
		// Always-follow only applies to symlinks-to-directories per §4.6;
		// a symlink to a file is recorded like a never-followed symlink.
		cached := c.lookupFresh(rel, journal.TypeSymlink, fi)
		if cached != nil {
			if err := c.reemit(*cached); err != nil {
				return nil, err
			}
		}
		return c.graph.AddFile(rel, journal.TypeSymlink, parent, cached), nil
	}

	if visiting == nil {
		visiting = make(map[string]bool)
	}
	if visiting[target] {
		return c.addErrorNode(rel, journal.TypeSymlink, parent, ErrSymlinkCycle), nil
	}
	visiting[target] = true
	defer delete(visiting, target)

	return c.visitDirectory(target, rel, parent, targetInfo, visiting)
}

func (c *Coordinator) addErrorNode(rel string, typ journal.FileType, parent *workgraph.Node, cause error) *workgraph.Node {
	n := c.graph.AddFile(rel, typ, parent, nil)
	entry := journal.Entry{Path: rel, Type: typ, Status: journal.StatusErr, Error: cause.Error()}
	if err := c.w.Append(entry); err != nil {
		c.sendError(fmt.Errorf("coordinator: append error entry for %s: %w", rel, err))
	}
	c.graph.Fail(n)
	return n
}

func (c *Coordinator) visitDirectory(abs, rel string, parent *workgraph.Node, fi os.FileInfo, visiting map[string]bool) (*workgraph.Node, error) {
	names, err := readDirNames(abs)
	if err != nil {
		return c.addErrorNode(rel, journal.TypeDirectory, parent, fmt.Errorf("StatError: %w", err)), nil
	}

	if c.opts.FollowSymlinks == Always {
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			canon = abs
		}
		if visiting == nil {
			visiting = make(map[string]bool)
		}
		visiting[canon] = true
		defer delete(visiting, canon)
	}

	// A directory's own mtime reflects only changes to its immediate entry
	// list (create/remove/rename), never a content-only rewrite of a file
	// several levels down (spec invariant 4). The cache short-circuit at
	// this layer must therefore never trust a directory's cached entry on
	// its own mtime alone: every directory is descended into and its
	// digest recomposed from its children's actual, freshly-checked
	// results by the Worker Pool, which is cheap since composition only
	// hashes digests, not file content. Only files, symlinks, and
	// symlink-to-file leaves are short-circuited here.
	dirNode := c.graph.AddDirectory(rel, parent, len(names), nil)
	for _, name := range names {
		childAbs := filepath.Join(abs, name)
		childRel := rel + "/" + name
		if rel == "." {
			childRel = name
		}
		childFi, err := os.Lstat(childAbs)
		if err != nil {
			c.addErrorNode(childRel, journal.TypeOther, dirNode, fmt.Errorf("StatError: %w", err))
			continue
		}
		if _, err := c.visit(childAbs, childRel, dirNode, childFi, visiting); err != nil {
			return nil, err
		}
	}
	return dirNode, nil
}

// readDirNames returns sorted entry names for dir; sorting here gives
// deterministic discovery order, though the canonical digest order (spec
// §4.1) is re-asserted independently by the Worker Pool.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

// lookupFresh consults the Cache Index and returns the cached entry only if
// it is still fresh against fi, per spec invariant 4. Only ever called for
// non-directory types: a directory's own (mtime,size) never reflects a
// content-only change to a descendant, so directories are never looked up
// here and are always recomposed from their children (see visitDirectory).
func (c *Coordinator) lookupFresh(rel string, typ journal.FileType, fi os.FileInfo) *journal.Entry {
	if c.opts.Cache == nil {
		return nil
	}
	st := cacheindex.Stat{Type: typ, ModTime: fi.ModTime().UnixNano(), Size: fi.Size()}
	if !c.opts.Cache.IsFresh(rel, st) {
		return nil
	}
	e, _ := c.opts.Cache.Lookup(rel)
	c.cacheHits++
	return &e
}

// reemit re-appends a cache-short-circuited entry to the journal so a
// compacted journal remains self-contained after the next Clean (spec
// §4.4).
func (c *Coordinator) reemit(e journal.Entry) error {
	if err := c.w.Append(e); err != nil {
		return fmt.Errorf("coordinator: re-emit cached entry %s: %w", e.Path, err)
	}
	return nil
}

// CacheHits returns the number of paths served from the Cache Index during
// Discover.
func (c *Coordinator) CacheHits() int { return c.cacheHits }

func (c *Coordinator) sendError(err error) {
	if c.errCh != nil {
		c.errCh <- err
	}
}
