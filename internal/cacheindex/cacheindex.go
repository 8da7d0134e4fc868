// Package cacheindex builds and queries the in-memory P→latest-entry map
// described in spec §4.3: a single startup pass over the journal, with
// last-writer-wins semantics per path. An optional BoltDB-backed side index
// (adapted from the teacher's self-cleaning cache.Cache) lets a resumed run
// skip the full text rescan for multi-gigabyte journals.
package cacheindex

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/avbrook/bddj/internal/journal"
)

var sideIndexBucket = []byte("offsets")

// Index is the O(1) lookup from canonical path to the most recent journal
// entry for that path, per spec §3 "CacheIndex (X)".
type Index struct {
	byPath map[string]journal.Entry
}

// Build performs the single startup scan of path, keeping only the last
// entry seen for each P (insertion order is irrelevant per spec §3).
func Build(path string) (*Index, error) {
	idx := &Index{byPath: make(map[string]journal.Entry)}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return idx, nil
	}

	err := journal.Scan(path, func(l journal.ScannedLine) error {
		if l.ParseErr != nil {
			// Parse errors are skipped, not fatal; the Cache Index
			// simply misses that path and it gets re-hashed.
			return nil
		}
		idx.byPath[l.Entry.Path] = l.Entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cacheindex: build from %s: %w", path, err)
	}
	return idx, nil
}

// BuildWithSideIndex builds the Cache Index using a persisted BoltDB side
// index when it is fresh (its stored journal size/mtime stamp matches the
// journal's current stat), avoiding a full rescan. Otherwise it falls back
// to Build and then persists a fresh side index, replacing any previous one
// atomically via a ".new" file and rename — the same self-cleaning shape as
// the teacher's cache.Cache.
func BuildWithSideIndex(path, sideIndexPath string) (*Index, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Index{byPath: make(map[string]journal.Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cacheindex: stat %s: %w", path, err)
	}

	if idx, ok := loadSideIndex(sideIndexPath, fi); ok {
		return idx, nil
	}

	idx, err := Build(path)
	if err != nil {
		return nil, err
	}
	if err := saveSideIndex(sideIndexPath, fi, idx); err != nil {
		// A failure to persist the side index does not invalidate the
		// Cache Index itself; the next run just rescans.
		return idx, nil //nolint:nilerr
	}
	return idx, nil
}

// stampKey is the single key under which the (journal size, journal mtime)
// freshness stamp is stored.
var stampKey = []byte("__stamp__")

func loadSideIndex(sideIndexPath string, fi os.FileInfo) (*Index, bool) {
	db, err := bolt.Open(sideIndexPath, 0o600, &bolt.Options{ReadOnly: true, Timeout: 200 * time.Millisecond})
	if err != nil {
		return nil, false
	}
	defer func() { _ = db.Close() }()

	idx := &Index{byPath: make(map[string]journal.Entry)}
	fresh := false

	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sideIndexBucket)
		if b == nil {
			return nil
		}
		stamp := b.Get(stampKey)
		if !bytes.Equal(stamp, stampOf(fi)) {
			return nil
		}
		fresh = true
		return b.ForEach(func(k, v []byte) error {
			if bytes.Equal(k, stampKey) {
				return nil
			}
			var e journal.Entry
			if err := decodeEntry(v, &e); err != nil {
				return nil //nolint:nilerr
			}
			idx.byPath[string(k)] = e
			return nil
		})
	})
	if !fresh {
		return nil, false
	}
	return idx, true
}

func saveSideIndex(sideIndexPath string, fi os.FileInfo, idx *Index) error {
	newPath := sideIndexPath + ".new"
	db, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("cacheindex: open side index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sideIndexBucket)
		if err != nil {
			return err
		}
		if err := b.Put(stampKey, stampOf(fi)); err != nil {
			return err
		}
		for p, e := range idx.byPath {
			v, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("cacheindex: populate side index: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("cacheindex: close side index: %w", err)
	}
	return os.Rename(newPath, sideIndexPath)
}

// Invalidate removes a side index file, used by the Cleaner after it
// rewrites the journal it indexes (stale entries would otherwise survive).
func Invalidate(sideIndexPath string) error {
	err := os.Remove(sideIndexPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cacheindex: invalidate %s: %w", sideIndexPath, err)
	}
	return nil
}

func stampOf(fi os.FileInfo) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(fi.Size()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(fi.ModTime().UnixNano()))
	return buf
}

func encodeEntry(e journal.Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte, e *journal.Entry) error {
	return json.Unmarshal(data, e)
}

// Lookup returns the most recent entry recorded for p, if any.
func (idx *Index) Lookup(p string) (journal.Entry, bool) {
	e, ok := idx.byPath[p]
	return e, ok
}

// ForEach invokes fn once per path with that path's most recent entry, in
// unspecified order. Used by the Cleaner, which (unlike a build) needs to
// visit every known path rather than look one up.
func (idx *Index) ForEach(fn func(journal.Entry)) {
	for _, e := range idx.byPath {
		fn(e)
	}
}

// Stat is the subset of filesystem metadata IsFresh compares against a
// cached entry; callers build it from os.Lstat/os.Stat results.
type Stat struct {
	Type    journal.FileType
	ModTime int64 // nanoseconds since epoch
	Size    int64
}

// IsFresh reports whether the cached entry for p, if any, still matches the
// filesystem per spec invariant 4: (T, M, S) must be unchanged for reuse.
func (idx *Index) IsFresh(p string, st Stat) bool {
	e, ok := idx.byPath[p]
	if !ok || e.Status != journal.StatusOk {
		return false
	}
	return e.Type == st.Type && e.MtimeNs == st.ModTime && e.Size == st.Size
}

// Len returns the number of distinct paths in the index.
func (idx *Index) Len() int { return len(idx.byPath) }
