// Package analyzer consumes a finalized journal and emits maximal duplicate
// sets, per spec §4.7: entries are bucketed by (type, size, hash), buckets
// with fewer than two members are discarded, and a directory bucket fully
// explained by an already-accepted ancestor bucket is pruned so only the
// largest duplicated subtree is reported.
package analyzer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avbrook/bddj/internal/journal"
	"github.com/avbrook/bddj/internal/progress"
)

// DuplicateSet is one output record, per spec §6.2.
type DuplicateSet struct {
	Type    journal.FileType `json:"type"`
	Hash    string           `json:"hash"`
	Size    int64            `json:"size"`
	Members []string         `json:"members"`
}

// Options configures one Analyze run.
type Options struct {
	// IncludeOther/IncludeSymlink opt in to grouping T=Other/T=Symlink
	// entries; spec §4.7 step 2 excludes them by default.
	IncludeOther   bool
	IncludeSymlink bool

	// Progress, if non-nil, is driven off the count of Ok entries loaded
	// from the journal during the scan phase.
	Progress *progress.Bar
}

// scanStats renders the progress description during the journal scan.
type scanStats struct{ loaded int }

func (s scanStats) String() string {
	return fmt.Sprintf("loaded %d entries", s.loaded)
}

type bucketKey struct {
	Type journal.FileType
	Size int64
	Hash string
}

// Analyze reads journalPath and returns the maximal duplicate sets, sorted
// per spec §4.7 step 5.
func Analyze(journalPath string, opts Options) ([]DuplicateSet, error) {
	entries, err := loadOkEntries(journalPath, opts.Progress)
	if err != nil {
		return nil, err
	}

	buckets := bucketEntries(entries, opts)
	sets := toDuplicateSets(buckets)
	sets = pruneRedundant(sets)
	sortSets(sets)

	if opts.Progress != nil {
		opts.Progress.Finish(setStats{count: len(sets)})
	}
	return sets, nil
}

type setStats struct{ count int }

func (s setStats) String() string {
	return fmt.Sprintf("%d duplicate set(s)", s.count)
}

// loadOkEntries loads the last Ok entry for every path, per spec §4.7 step
// 1 ("Load all Ok entries into memory indexed by P") composed with the
// journal's own "only the last entry is authoritative" rule (§3 J).
func loadOkEntries(journalPath string, bar *progress.Bar) (map[string]journal.Entry, error) {
	byPath := make(map[string]journal.Entry)
	stats := scanStats{}
	err := journal.Scan(journalPath, func(l journal.ScannedLine) error {
		if l.ParseErr != nil {
			return nil
		}
		if l.Entry.Status != journal.StatusOk {
			delete(byPath, l.Entry.Path)
			return nil
		}
		byPath[l.Entry.Path] = l.Entry
		stats.loaded++
		if bar != nil {
			bar.Describe(stats)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyzer: load %s: %w", journalPath, err)
	}
	return byPath, nil
}

func bucketEntries(entries map[string]journal.Entry, opts Options) map[bucketKey][]string {
	buckets := make(map[bucketKey][]string)
	for path, e := range entries {
		if e.Type == journal.TypeOther && !opts.IncludeOther {
			continue
		}
		if e.Type == journal.TypeSymlink && !opts.IncludeSymlink {
			continue
		}
		if e.Hash == "" {
			continue
		}
		k := bucketKey{Type: e.Type, Size: e.Size, Hash: e.Hash}
		buckets[k] = append(buckets[k], path)
	}
	for k, members := range buckets {
		if len(members) < 2 {
			delete(buckets, k)
		}
	}
	return buckets
}

func toDuplicateSets(buckets map[bucketKey][]string) []DuplicateSet {
	sets := make([]DuplicateSet, 0, len(buckets))
	for k, members := range buckets {
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		sets = append(sets, DuplicateSet{Type: k.Type, Hash: k.Hash, Size: k.Size, Members: sorted})
	}
	return sets
}

// pruneRedundant implements spec §4.7 step 4: every candidate DuplicateSet D
// (directory or leaf) is redundant, and dropped, when every member's parent
// path is itself a member of some directory DuplicateSet D' pairing those
// parents the same way D pairs their children. Directory sets are resolved
// first, in increasing member-path depth, so a parent directory set is
// always resolved before any child directory set it could explain; a
// redundant directory set still records its pairing, so the explanation
// carries down to its own descendants. Leaf sets (file, symlink, other)
// are then checked once against the directory sets, since a leaf can never
// itself be another set's parent.
func pruneRedundant(sets []DuplicateSet) []DuplicateSet {
	dirSets := make([]int, 0)
	leafSets := make([]int, 0)
	for i, s := range sets {
		if s.Type == journal.TypeDirectory {
			dirSets = append(dirSets, i)
		} else {
			leafSets = append(leafSets, i)
		}
	}
	sort.Slice(dirSets, func(a, b int) bool {
		return maxDepth(sets[dirSets[a]].Members) < maxDepth(sets[dirSets[b]].Members)
	})

	// accepted maps a member path to the directory DuplicateSet that claims
	// it, used to test whether a deeper set's members' parents are all
	// paired together inside one already-resolved set.
	accepted := make(map[string]int)
	redundant := make(map[int]bool)

	for _, i := range dirSets {
		s := sets[i]
		parents := make([]string, len(s.Members))
		for j, m := range s.Members {
			parents[j] = parentOf(m)
		}

		if _, ok := sameAcceptedSet(parents, accepted, sets); ok {
			redundant[i] = true
		}

		for _, m := range s.Members {
			accepted[m] = i
		}
	}

	for _, i := range leafSets {
		s := sets[i]
		parents := make([]string, len(s.Members))
		for j, m := range s.Members {
			parents[j] = parentOf(m)
		}
		if _, ok := sameAcceptedSet(parents, accepted, sets); ok {
			redundant[i] = true
		}
	}

	result := make([]DuplicateSet, 0, len(sets))
	for i, s := range sets {
		if redundant[i] {
			continue
		}
		result = append(result, s)
	}
	return result
}

// sameAcceptedSet reports whether every entry in parents maps (via
// accepted) to the same DuplicateSet index, and that set's member count
// equals len(parents) — i.e. the parent duplicate fully, and exclusively,
// pairs these children's parents.
func sameAcceptedSet(parents []string, accepted map[string]int, sets []DuplicateSet) (int, bool) {
	if len(parents) == 0 {
		return 0, false
	}
	first, ok := accepted[parents[0]]
	if !ok || len(sets[first].Members) != len(parents) {
		return 0, false
	}
	seen := make(map[string]bool, len(parents))
	for _, p := range parents {
		idx, ok := accepted[p]
		if !ok || idx != first || seen[p] {
			return 0, false
		}
		seen[p] = true
	}
	return first, true
}

func parentOf(p string) string {
	dir := filepath.Dir(filepath.FromSlash(p))
	return filepath.ToSlash(dir)
}

func maxDepth(members []string) int {
	max := 0
	for _, m := range members {
		d := strings.Count(m, "/")
		if d > max {
			max = d
		}
	}
	return max
}

// sortSets orders sets per spec §4.7 step 5: decreasing size, then
// decreasing member-count, then by smallest member path.
func sortSets(sets []DuplicateSet) {
	sort.Slice(sets, func(i, j int) bool {
		a, b := sets[i], sets[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if len(a.Members) != len(b.Members) {
			return len(a.Members) > len(b.Members)
		}
		return a.Members[0] < b.Members[0]
	})
}

// WriteTo writes sets as line-delimited JSON to path, one DuplicateSet per
// line, per spec §6.2 and the line-delimited-form Open Question resolution
// recorded in DESIGN.md.
func WriteTo(path string, sets []DuplicateSet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analyzer: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	for _, s := range sets {
		line, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("analyzer: encode set: %w", err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("analyzer: write %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("analyzer: flush %s: %w", path, err)
	}
	return f.Sync()
}
