// Package cleaner compacts a hash journal in place, per spec §4.8: it
// keeps the latest Ok entry for each path that still matches the
// filesystem, drops Error entries, and rewrites atomically via
// journal.Rewrite — the same temp-file-then-rename shape the teacher uses
// in deduper/links.go's CreateHardlink.
package cleaner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avbrook/bddj/internal/cacheindex"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/progress"
)

// Options controls the preservation escape hatches named in spec §4.8;
// both default to drop.
type Options struct {
	KeepErrors bool
	KeepStale  bool

	// SideIndexPath, if set, is invalidated after a successful rewrite
	// since its entries describe the journal being replaced.
	SideIndexPath string

	// Progress, if non-nil, is driven off the count of entries classified
	// so far.
	Progress *progress.Bar
}

// Stats summarizes one Clean run, reported by the CLI.
type Stats struct {
	Kept    int
	Dropped int
}

func (s Stats) String() string {
	return fmt.Sprintf("kept %d, dropped %d", s.Kept, s.Dropped)
}

// Clean rewrites the journal at path in place.
func Clean(path string, opts Options) (Stats, error) {
	header, err := journal.ReadHeader(path)
	if err != nil {
		return Stats{}, fmt.Errorf("cleaner: read header: %w", err)
	}

	idx, err := cacheindex.Build(path)
	if err != nil {
		return Stats{}, fmt.Errorf("cleaner: build cache index: %w", err)
	}

	var entries []journal.Entry
	var stats Stats
	idx.ForEach(func(e journal.Entry) {
		defer func() {
			if opts.Progress != nil {
				opts.Progress.Describe(stats)
			}
		}()

		if e.Status != journal.StatusOk {
			if opts.KeepErrors {
				entries = append(entries, e)
				stats.Kept++
			} else {
				stats.Dropped++
			}
			return
		}

		if opts.KeepStale || stillFresh(header.Root, e) {
			entries = append(entries, e)
			stats.Kept++
			return
		}
		stats.Dropped++
	})

	// Path lexicographic order does not imply child-before-parent: "a" sorts
	// before "a/x" as a string even though "a" is a's own directory entry.
	// Sorting by decreasing path depth instead guarantees every child (more
	// path components than its directory) is written before it, per spec §5;
	// paths at the same depth carry no such constraint and are ordered
	// lexicographically only for determinism.
	sort.Slice(entries, func(i, j int) bool {
		di, dj := pathDepth(entries[i].Path), pathDepth(entries[j].Path)
		if di != dj {
			return di > dj
		}
		return entries[i].Path < entries[j].Path
	})

	if err := journal.Rewrite(path, *header, entries); err != nil {
		return Stats{}, fmt.Errorf("cleaner: rewrite: %w", err)
	}

	if opts.Progress != nil {
		opts.Progress.Finish(stats)
	}

	if opts.SideIndexPath != "" {
		if err := cacheindex.Invalidate(opts.SideIndexPath); err != nil {
			return stats, fmt.Errorf("cleaner: invalidate side index: %w", err)
		}
	}

	return stats, nil
}

// pathDepth counts p's path components, with the root's own path (".")
// fixed at 0 so it always sorts after every real entry.
func pathDepth(p string) int {
	if p == "." {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// stillFresh stats e.Path, resolved against root, and reports whether
// (T, M, S) still match, per spec invariant 4. Directories compare T and M
// only, since a directory's recorded size is its child count; other entries
// compare T only. A path that no longer exists is never fresh.
func stillFresh(root string, e journal.Entry) bool {
	abs := filepath.Join(root, e.Path)
	fi, err := os.Lstat(abs)
	if err != nil {
		return false
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return e.Type == journal.TypeSymlink && fi.ModTime().UnixNano() == e.MtimeNs && fi.Size() == e.Size
	case fi.IsDir():
		return e.Type == journal.TypeDirectory && fi.ModTime().UnixNano() == e.MtimeNs
	case fi.Mode().IsRegular():
		return e.Type == journal.TypeFile && fi.ModTime().UnixNano() == e.MtimeNs && fi.Size() == e.Size
	default:
		return e.Type == journal.TypeOther
	}
}
