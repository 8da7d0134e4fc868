package analyzer

import (
	"path/filepath"
	"testing"

	"github.com/avbrook/bddj/internal/hasher"
	"github.com/avbrook/bddj/internal/journal"
)

func writeJournal(t *testing.T, entries []journal.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "j.ndjson")
	w, err := journal.OpenForAppend(path, journal.Header{Hash: hasher.SHA2_256, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenForAppend: %v", err)
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestAnalyzeTwoIdenticalFiles(t *testing.T) {
	path := writeJournal(t, []journal.Entry{
		{Path: "a.txt", Type: journal.TypeFile, Size: 5, Hash: "aa", Status: journal.StatusOk},
		{Path: "b.txt", Type: journal.TypeFile, Size: 5, Hash: "aa", Status: journal.StatusOk},
	})

	sets, err := Analyze(path, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("got %d sets, want 1: %+v", len(sets), sets)
	}
	if sets[0].Type != journal.TypeFile || sets[0].Size != 5 {
		t.Errorf("unexpected set: %+v", sets[0])
	}
	if got := sets[0].Members; len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Errorf("members = %v", got)
	}
}

func TestAnalyzeDiscardsSingletonBuckets(t *testing.T) {
	path := writeJournal(t, []journal.Entry{
		{Path: "a.txt", Type: journal.TypeFile, Size: 5, Hash: "aa", Status: journal.StatusOk},
		{Path: "b.txt", Type: journal.TypeFile, Size: 5, Hash: "bb", Status: journal.StatusOk},
	})

	sets, err := Analyze(path, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sets) != 0 {
		t.Fatalf("got %d sets, want 0: %+v", len(sets), sets)
	}
}

// TestAnalyzeMaximalityPrunesDescendants covers spec scenario S2: two
// directories x and y, each with identical children 1 and 2. The directory
// pair should be reported; the file-level pairs for 1 and 2 must be pruned
// because x/y's pairing already explains them.
func TestAnalyzeMaximalityPrunesDescendants(t *testing.T) {
	path := writeJournal(t, []journal.Entry{
		{Path: "x/1", Type: journal.TypeFile, Size: 3, Hash: "f1", Status: journal.StatusOk},
		{Path: "x/2", Type: journal.TypeFile, Size: 4, Hash: "f2", Status: journal.StatusOk},
		{Path: "y/1", Type: journal.TypeFile, Size: 3, Hash: "f1", Status: journal.StatusOk},
		{Path: "y/2", Type: journal.TypeFile, Size: 4, Hash: "f2", Status: journal.StatusOk},
		{Path: "x", Type: journal.TypeDirectory, Size: 2, Hash: "dxy", Status: journal.StatusOk, Children: []string{"f1", "f2"}},
		{Path: "y", Type: journal.TypeDirectory, Size: 2, Hash: "dxy", Status: journal.StatusOk, Children: []string{"f1", "f2"}},
	})

	sets, err := Analyze(path, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("got %d sets, want exactly 1 (the x/y pair): %+v", len(sets), sets)
	}
	got := sets[0]
	if got.Type != journal.TypeDirectory {
		t.Fatalf("expected a directory set, got %+v", got)
	}
	if len(got.Members) != 2 || got.Members[0] != "x" || got.Members[1] != "y" {
		t.Errorf("members = %v, want [x y]", got.Members)
	}
}

func TestAnalyzeIgnoresErrorEntries(t *testing.T) {
	path := writeJournal(t, []journal.Entry{
		{Path: "a.txt", Type: journal.TypeFile, Size: 5, Hash: "aa", Status: journal.StatusOk},
		{Path: "b.txt", Type: journal.TypeFile, Size: 5, Hash: "aa", Status: journal.StatusErr, Error: "HashIoError"},
	})

	sets, err := Analyze(path, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sets) != 0 {
		t.Fatalf("got %d sets, want 0 (b.txt errored, so only one Ok member remains): %+v", len(sets), sets)
	}
}

func TestAnalyzeExcludesOtherAndSymlinkByDefault(t *testing.T) {
	path := writeJournal(t, []journal.Entry{
		{Path: "s1", Type: journal.TypeSymlink, Hash: "ss", Status: journal.StatusOk},
		{Path: "s2", Type: journal.TypeSymlink, Hash: "ss", Status: journal.StatusOk},
		{Path: "o1", Type: journal.TypeOther, Status: journal.StatusOk},
		{Path: "o2", Type: journal.TypeOther, Status: journal.StatusOk},
	})

	sets, err := Analyze(path, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sets) != 0 {
		t.Fatalf("got %d sets, want 0 by default: %+v", len(sets), sets)
	}
}
