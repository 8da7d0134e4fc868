package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/avbrook/bddj/internal/hasher"
	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/workgraph"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestPoolHashesFilesAndComposesDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "d", "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "d", "b.txt"), "hello")

	journalPath := filepath.Join(root, "j.ndjson")
	w, err := journal.OpenForAppend(journalPath, journal.Header{Hash: hasher.SHA2_256, Root: root})
	if err != nil {
		t.Fatalf("OpenForAppend: %v", err)
	}

	g := workgraph.New()
	dir := g.AddDirectory("d", nil, 2, nil)
	g.AddFile("d/a.txt", journal.TypeFile, dir, nil)
	g.AddFile("d/b.txt", journal.TypeFile, dir, nil)

	p := New(Options{Workers: 2, Algorithm: hasher.SHA2_256, RootDir: root}, g, w, nil)
	p.Run(context.Background())
	_ = w.Close()

	var entries []journal.Entry
	if err := journal.Scan(journalPath, func(l journal.ScannedLine) error {
		if l.ParseErr != nil {
			t.Fatalf("parse error: %v", l.ParseErr)
		}
		entries = append(entries, l.Entry)
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var dirEntry *journal.Entry
	fileHashes := map[string]string{}
	for i := range entries {
		e := entries[i]
		if e.Type == journal.TypeDirectory {
			dirEntry = &e
		} else {
			fileHashes[e.Path] = e.Hash
		}
	}
	if dirEntry == nil {
		t.Fatal("expected a directory entry")
	}
	if fileHashes["d/a.txt"] != fileHashes["d/b.txt"] {
		t.Errorf("identical content should hash identically: %v", fileHashes)
	}
	if len(dirEntry.Children) != 2 {
		t.Fatalf("dir entry children = %v, want 2", dirEntry.Children)
	}
	if p.Stats.FilesHashed.Load() != 2 {
		t.Errorf("FilesHashed = %d, want 2", p.Stats.FilesHashed.Load())
	}
	if p.Stats.DirsComposed.Load() != 1 {
		t.Errorf("DirsComposed = %d, want 1", p.Stats.DirsComposed.Load())
	}
}

func TestPoolPoisonsParentOnChildError(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "d", "a.txt"), "hello")

	journalPath := filepath.Join(root, "j.ndjson")
	w, err := journal.OpenForAppend(journalPath, journal.Header{Hash: hasher.SHA2_256, Root: root})
	if err != nil {
		t.Fatalf("OpenForAppend: %v", err)
	}

	g := workgraph.New()
	dir := g.AddDirectory("d", nil, 2, nil)
	g.AddFile("d/a.txt", journal.TypeFile, dir, nil)
	// "d/missing.txt" does not exist on disk: hashing it fails.
	g.AddFile("d/missing.txt", journal.TypeFile, dir, nil)

	p := New(Options{Workers: 2, Algorithm: hasher.SHA2_256, RootDir: root}, g, w, nil)
	p.Run(context.Background())
	_ = w.Close()

	var dirStatus journal.Status
	if err := journal.Scan(journalPath, func(l journal.ScannedLine) error {
		if l.Entry.Path == "d" {
			dirStatus = l.Entry.Status
		}
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if dirStatus != journal.StatusErr {
		t.Errorf("dir status = %q, want %q (poisoned by failed child)", dirStatus, journal.StatusErr)
	}
}
