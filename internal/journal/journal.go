// Package journal implements the append-only, crash-tolerant hash journal
// described in spec §4.2: a header line fixing version/algorithm/root,
// followed by one JSON entry per line. Appends are serialized through a
// single writer; scans tolerate a torn trailing line and skip unparsable
// ones without aborting.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/avbrook/bddj/internal/hasher"
)

// Magic is the fixed header magic value for every bddj journal.
const Magic = "BDDJ"

// Version is the current on-disk journal format version.
const Version = 1

// mmapThreshold is the file size at or above which Scan memory-maps the journal
// instead of using a buffered line scanner.
const mmapThreshold = 8 << 20 // 8 MiB

// FileType tags the kind of filesystem entry an Entry describes.
type FileType string

const (
	TypeFile      FileType = "file"
	TypeDirectory FileType = "dir"
	TypeSymlink   FileType = "symlink"
	TypeOther     FileType = "other"
)

// Status is the outcome recorded for an Entry.
type Status string

const (
	StatusOk  Status = "ok"
	StatusErr Status = "err"
)

// Header is the fixed-format first line of a journal file.
type Header struct {
	Magic   string           `json:"magic"`
	Version int              `json:"version"`
	Hash    hasher.Algorithm `json:"hash"`
	Root    string           `json:"root"`
}

// Entry is one line of the journal: the tuple described in spec §3 "E".
type Entry struct {
	Path     string   `json:"path"`
	Type     FileType `json:"type"`
	MtimeNs  int64    `json:"mtime_ns"`
	Size     int64    `json:"size"`
	Hash     string   `json:"hash"`
	Children []string `json:"children,omitempty"`
	Status   Status   `json:"status"`
	Error    string   `json:"error,omitempty"`
}

// ErrJournalIncompatible is returned when an existing journal's header
// does not match the version/algorithm requested for this run. It is a
// fatal, journal-level error per spec §7.
var ErrJournalIncompatible = fmt.Errorf("journal: incompatible header")

// Writer appends entries to a journal file. One Writer is exclusive to one
// build run; Append is safe for concurrent callers (it serializes writes
// through an internal mutex, matching the "journal append mutex" in §5).
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	header Header
}

// OpenForAppend opens path for appending, creating it (and writing header)
// if it does not exist. If the file exists, its header is validated against
// header; a mismatch in version or hash algorithm is ErrJournalIncompatible
// and the file is left untouched.
func OpenForAppend(path string, header Header) (*Writer, error) {
	existing, err := readHeader(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if existing == nil {
		header.Magic = Magic
		header.Version = Version
		line, err := json.Marshal(header)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: encode header: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: sync header: %w", err)
		}
	} else {
		if existing.Version != Version || existing.Hash != header.Hash || existing.Root != header.Root {
			_ = f.Close()
			return nil, fmt.Errorf("%w: have version=%d hash=%s root=%s, want version=%d hash=%s root=%s",
				ErrJournalIncompatible, existing.Version, existing.Hash, existing.Root,
				Version, header.Hash, header.Root)
		}
		header = *existing
	}

	return &Writer{f: f, header: header}, nil
}

// Header returns the header in effect for this journal.
func (w *Writer) Header() Header { return w.header }

// Append serializes e as one LF-terminated JSON line and flushes it before
// returning, per the crash-tolerance invariant in spec §4.2: a process
// killed immediately after Append returns never loses that entry, and a
// process killed mid-write leaves at worst a torn trailing line that Scan
// silently drops.
func (w *Writer) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode entry %s: %w", e.Path, err)
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("journal: entry %s serialized with embedded newline", e.Path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: append %s: %w", e.Path, err)
	}
	return w.f.Sync()
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

// readHeader reads just the first line of path and parses it as a Header.
// Returns os.ErrNotExist-wrapped errors unchanged so callers can distinguish
// "no journal yet" from a genuine parse failure.
func readHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("journal: read header: %w", err)
		}
		return nil, fmt.Errorf("journal: %s is empty", path)
	}

	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return nil, fmt.Errorf("journal: parse header: %w", err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrJournalIncompatible, h.Magic)
	}
	return &h, nil
}

// ReadHeader is the exported form of readHeader, used by callers (the CLI,
// the Cleaner) that need the header without opening for append.
func ReadHeader(path string) (*Header, error) {
	return readHeader(path)
}

// ScannedLine is one result yielded by Scan: either a successfully parsed
// Entry at Offset, or a ParseErr describing why the line could not be
// parsed. Per spec §4.2, parse errors are reported but never abort the scan.
type ScannedLine struct {
	Offset   int64
	Entry    Entry
	ParseErr error
}

// Scan reads path and invokes fn once per entry line (the header line is
// skipped). fn returning an error stops the scan early and that error is
// returned from Scan; a nil-returning fn drains the whole file.
//
// Below mmapThreshold, scanning uses a plain bufio.Scanner; at or above it, the
// file is memory-mapped and split in place, avoiding a full buffered copy
// for multi-gigabyte journals.
func Scan(path string, fn func(ScannedLine) error) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("journal: stat %s: %w", path, err)
	}

	if fi.Size() >= mmapThreshold {
		return scanMmap(path, fn)
	}
	return scanBuffered(path, fn)
}

func scanBuffered(path string, fn func(ScannedLine) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF {
			// Torn trailing line: no terminating LF, drop it per §4.2.
			return len(data), nil, nil
		}
		return 0, nil, nil
	})

	var offset int64
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		lineLen := int64(len(line)) + 1 // + LF
		if first {
			first = false
			offset += lineLen
			continue // header line
		}
		if err := emitLine(offset, line, fn); err != nil {
			return err
		}
		offset += lineLen
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return nil
}

func scanMmap(path string, fn func(ScannedLine) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("journal: mmap %s: %w", path, err)
	}
	defer func() { _ = m.Unmap() }()

	data := []byte(m)
	var offset int64
	first := true
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			// Torn trailing line: no terminating LF, drop it per §4.2.
			break
		}
		line := data[:idx]
		lineLen := int64(idx) + 1
		if first {
			first = false
		} else if err := emitLine(offset, line, fn); err != nil {
			return err
		}
		data = data[idx+1:]
		offset += lineLen
	}
	return nil
}

func emitLine(offset int64, line []byte, fn func(ScannedLine) error) error {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return fn(ScannedLine{Offset: offset, ParseErr: fmt.Errorf("journal: parse line at offset %d: %w", offset, err)})
	}
	return fn(ScannedLine{Offset: offset, Entry: e})
}

// Rewrite atomically replaces path's contents with header followed by
// entries, used only by the Cleaner (spec §4.2 "rewrite", §4.8). The new
// content is written to a sibling temp file and renamed over path so a
// crash mid-rewrite never leaves a half-written journal.
func Rewrite(path string, header Header, entries []Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	header.Magic = Magic
	header.Version = Version
	bw := bufio.NewWriter(tmp)

	headerLine, err := json.Marshal(header)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: encode header: %w", err)
	}
	if _, err := bw.Write(append(headerLine, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: write header: %w", err)
	}

	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("journal: encode entry %s: %w", e.Path, err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("journal: write entry %s: %w", e.Path, err)
		}
	}

	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("journal: rename into place: %w", err)
	}
	return nil
}
