package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avbrook/bddj/internal/cacheindex"
	"github.com/avbrook/bddj/internal/hasher"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/workgraph"
)

func newWriter(t *testing.T, root string) (*journal.Writer, string) {
	t.Helper()
	jp := filepath.Join(t.TempDir(), "j.ndjson")
	w, err := journal.OpenForAppend(jp, journal.Header{Hash: hasher.SHA2_256, Root: root})
	if err != nil {
		t.Fatalf("OpenForAppend: %v", err)
	}
	return w, jp
}

func TestDiscoverSeedsGraphForFileTree(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "top.txt"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, _ := newWriter(t, root)
	defer func() { _ = w.Close() }()

	g := workgraph.New()
	c := New(Options{Root: root, FollowSymlinks: Never}, g, w, nil)
	if err := c.Discover(root); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	want := []string{".", "sub", "sub/a.txt", "top.txt"}

	// Drain the ready queue, checking every expected path shows up as
	// hashable work (none pre-cached).
	seen := map[string]bool{}
	for {
		n, ok := g.Next()
		if !ok {
			break
		}
		seen[n.Path] = true
		if n.Type == journal.TypeDirectory {
			g.Complete(n)
		} else {
			n.Result = journal.Entry{Path: n.Path, Type: n.Type, Status: journal.StatusOk, Hash: "ab"}
			g.Complete(n)
		}
	}
	for _, p := range want {
		if !seen[p] {
			t.Errorf("expected path %q to be discovered, seen=%v", p, seen)
		}
	}
}

func TestDiscoverRejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	w, _ := newWriter(t, root)
	defer func() { _ = w.Close() }()

	g := workgraph.New()
	c := New(Options{Root: root, FollowSymlinks: Never}, g, w, nil)
	if err := c.Discover(outside); err == nil {
		t.Fatal("expected ErrPathOutsideRoot")
	}
}

func TestDiscoverShortCircuitsFreshCacheEntry(t *testing.T) {
	root := t.TempDir()
	fp := filepath.Join(root, "cached.txt")
	if err := os.WriteFile(fp, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(fp)
	if err != nil {
		t.Fatal(err)
	}

	idx := buildIndexWithEntry(t, journal.Entry{
		Path: "cached.txt", Type: journal.TypeFile, Status: journal.StatusOk,
		MtimeNs: fi.ModTime().UnixNano(), Size: fi.Size(), Hash: "deadbeef",
	})

	w, journalPath := newWriter(t, root)
	defer func() { _ = w.Close() }()

	g := workgraph.New()
	c := New(Options{Root: root, FollowSymlinks: Never, Cache: idx}, g, w, nil)
	if err := c.Discover(fp); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if c.CacheHits() != 1 {
		t.Fatalf("CacheHits = %d, want 1", c.CacheHits())
	}

	n, ok := g.Next()
	if ok {
		t.Fatalf("cached node should never reach the ready queue, got %v", n)
	}

	var reemitted bool
	if err := journal.Scan(journalPath, func(l journal.ScannedLine) error {
		if l.Entry.Path == "cached.txt" && l.Entry.Hash == "deadbeef" {
			reemitted = true
		}
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !reemitted {
		t.Error("expected the cached entry to be re-emitted to the journal")
	}
}

func buildIndexWithEntry(t *testing.T, e journal.Entry) *cacheindex.Index {
	t.Helper()
	root := t.TempDir()
	jp := filepath.Join(root, "seed.ndjson")
	w, err := journal.OpenForAppend(jp, journal.Header{Hash: hasher.SHA2_256, Root: root})
	if err != nil {
		t.Fatalf("OpenForAppend: %v", err)
	}
	if err := w.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	idx, err := cacheindex.Build(jp)
	if err != nil {
		t.Fatalf("cacheindex.Build: %v", err)
	}
	return idx
}

func TestDiscoverNeverFollowsSymlinkToDirectory(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	w, _ := newWriter(t, root)
	defer func() { _ = w.Close() }()

	g := workgraph.New()
	c := New(Options{Root: root, FollowSymlinks: Never}, g, w, nil)
	if err := c.Discover(link); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	n, ok := g.Next()
	if !ok {
		t.Fatal("expected a node for the symlink")
	}
	if n.Type != journal.TypeSymlink {
		t.Errorf("n.Type = %v, want TypeSymlink", n.Type)
	}
}
