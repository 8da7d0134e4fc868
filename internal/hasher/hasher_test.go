package hasher

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileEmptyHasDefinedDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	digest, err := HashFile(path, SHA2_256)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if len(digest) == 0 {
		t.Fatal("digest for empty file is empty")
	}

	width, err := Width(SHA2_256)
	if err != nil {
		t.Fatalf("Width: %v", err)
	}
	if len(digest) != width {
		t.Errorf("digest width = %d, want %d", len(digest), width)
	}

	// Two empty files must hash identically, so the analyzer's bucketing
	// reports them as duplicates per spec scenario S6.
	otherPath := filepath.Join(dir, "empty2.txt")
	if err := os.WriteFile(otherPath, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	otherDigest, err := HashFile(otherPath, SHA2_256)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if !bytes.Equal(digest, otherDigest) {
		t.Errorf("two empty files hashed differently: %x != %x", digest, otherDigest)
	}
}

func TestDirDigestChangesOnRename(t *testing.T) {
	childDigest := []byte{0x01, 0x02, 0x03, 0x04}

	before := []ChildDigest{
		{Name: "a.txt", Type: 'f', Digest: childDigest},
	}
	after := []ChildDigest{
		{Name: "b.txt", Type: 'f', Digest: childDigest},
	}

	beforeDigest, err := DirDigest(before, SHA2_256)
	if err != nil {
		t.Fatalf("DirDigest(before): %v", err)
	}
	afterDigest, err := DirDigest(after, SHA2_256)
	if err != nil {
		t.Fatalf("DirDigest(after): %v", err)
	}

	if bytes.Equal(beforeDigest, afterDigest) {
		t.Error("renaming a child did not change the directory digest")
	}
}

func TestDirDigestOrderSensitive(t *testing.T) {
	d1 := []byte{0xaa}
	d2 := []byte{0xbb}

	forward := []ChildDigest{
		{Name: "a", Type: 'f', Digest: d1},
		{Name: "b", Type: 'f', Digest: d2},
	}
	reversed := []ChildDigest{
		{Name: "b", Type: 'f', Digest: d2},
		{Name: "a", Type: 'f', Digest: d1},
	}

	forwardDigest, err := DirDigest(forward, SHA2_256)
	if err != nil {
		t.Fatalf("DirDigest(forward): %v", err)
	}
	reversedDigest, err := DirDigest(reversed, SHA2_256)
	if err != nil {
		t.Fatalf("DirDigest(reversed): %v", err)
	}

	if bytes.Equal(forwardDigest, reversedDigest) {
		t.Error("DirDigest did not distinguish differing child order")
	}
}

func TestSymlinkDigestMatchesTargetOnly(t *testing.T) {
	a, err := SymlinkDigest("../a", SHA2_256)
	if err != nil {
		t.Fatalf("SymlinkDigest: %v", err)
	}
	b, err := SymlinkDigest("../b", SHA2_256)
	if err != nil {
		t.Fatalf("SymlinkDigest: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("symlinks with different targets hashed identically")
	}

	again, err := SymlinkDigest("../a", SHA2_256)
	if err != nil {
		t.Fatalf("SymlinkDigest: %v", err)
	}
	if !bytes.Equal(a, again) {
		t.Error("SymlinkDigest is not deterministic for the same target")
	}
}

func TestNewUnknownAlgorithm(t *testing.T) {
	if _, err := New("bogus"); err == nil {
		t.Fatal("New with unknown algorithm did not return an error")
	}
	if _, err := Width("bogus"); err == nil {
		t.Fatal("Width with unknown algorithm did not return an error")
	}
}
