// Package hasher computes content digests for files and composes them into
// directory digests under a fixed, version-stable framing.
package hasher

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	xxhashone "github.com/OneOfOne/xxhash"
	xxhashtwo "github.com/cespare/xxhash/v2"
)

// Algorithm selects a hash function. The journal header fixes one for the
// life of a run; there is no per-entry polymorphism in the hot path.
type Algorithm string

const (
	SHA1     Algorithm = "sha1"
	SHA2_256 Algorithm = "sha2-256"
	XXH32    Algorithm = "xxh32"
	XXH64    Algorithm = "xxh64"
)

// blockSize bounds the read buffer used when streaming file content.
const blockSize = 64 * 1024

// ErrUnknownAlgorithm is returned by New and Width for an unrecognized
// algorithm id.
var ErrUnknownAlgorithm = fmt.Errorf("hasher: unknown algorithm")

// New returns a fresh hash.Hash for the given algorithm.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA1:
		return sha1.New(), nil
	case SHA2_256:
		return sha256.New(), nil
	case XXH32:
		return xxhashone.New32(), nil
	case XXH64:
		return xxhashtwo.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Width returns the digest width in bytes for alg.
func Width(alg Algorithm) (int, error) {
	switch alg {
	case SHA1:
		return sha1.Size, nil
	case SHA2_256:
		return sha256.Size, nil
	case XXH32:
		return 4, nil
	case XXH64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// HashIoError wraps an I/O failure encountered while streaming a file.
// Hasher never returns a partial digest: on I/O failure the caller gets
// this error and nothing else.
type HashIoError struct {
	Path string
	Err  error
}

func (e *HashIoError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *HashIoError) Unwrap() error { return e.Err }

// HashFile streams path through alg's hash function using a bounded buffer
// and returns the resulting digest. It never loads the whole file into
// memory.
func HashFile(path string, alg Algorithm) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &HashIoError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	h, err := New(alg)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, &HashIoError{Path: path, Err: err}
	}

	return h.Sum(nil), nil
}

// ChildDigest is one entry in the canonical child ordering fed into a
// directory's digest, per the framing fixed in spec §4.1.
type ChildDigest struct {
	Name   string
	Type   byte // type tag: 'f'ile, 'd'irectory, 's'ymlink, 'o'ther
	Digest []byte
}

// DirDigest computes a directory's digest by feeding, in the given order,
// the tuple (name || 0x00 || type_tag || 0x00 || digest) of every Ok child
// into a fresh hash instance. Callers are responsible for sorting children
// lexicographically by name before calling this (§4.1 canonical order) and
// for omitting Error children (they poison the parent instead, per §7).
func DirDigest(children []ChildDigest, alg Algorithm) ([]byte, error) {
	h, err := New(alg)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if _, err := h.Write([]byte(c.Name)); err != nil {
			return nil, err
		}
		if _, err := h.Write([]byte{0x00, c.Type, 0x00}); err != nil {
			return nil, err
		}
		if _, err := h.Write(c.Digest); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

// SymlinkDigest hashes a symlink's target string as the symlink's content
// digest (§4.6: a never-followed symlink is recorded with H = hash of the
// target string).
func SymlinkDigest(target string, alg Algorithm) ([]byte, error) {
	h, err := New(alg)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write([]byte(target)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
