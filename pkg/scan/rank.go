package scan

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultPreferredSections are the data bearing sections a metadata blob is
// usually hidden in.
var DefaultPreferredSections = []string{"il2cpp", ".rdata", ".mrdata", ".data", ".rsrc", ".rsrc2", ".tvm0", ".pdata"}

// ErrNoPlausibleCandidate is returned when no hit passed the version check.
type ErrNoPlausibleCandidate struct {
	Suspects int
}

func (err *ErrNoPlausibleCandidate) Error() string {
	return fmt.Sprintf("no plausible metadata header found (%d suspects); try disabling the version check, scanning the whole image or using a signature", err.Suspects)
}

// ErrSelectionOutOfRange is returned by Select for an index outside of the
// candidate list.
type ErrSelectionOutOfRange struct {
	Index int
	Count int
}

func (err *ErrSelectionOutOfRange) Error() string {
	if err.Count == 0 {
		return fmt.Sprintf("candidate %d requested but there are no candidates", err.Index)
	}
	return fmt.Sprintf("candidate index must be between 1 and %d, got %d", err.Count, err.Index)
}

type dedupKey struct {
	off, start, end uint64
}

// Dedup removes from the plausible and suspect lists every candidate that
// has the same offset and section as an earlier one. The plausible list is
// visited first.
func (res *Result) Dedup() {
	seen := make(map[dedupKey]bool)
	uniq := func(cands []Candidate) []Candidate {
		out := cands[:0]
		for _, c := range cands {
			k := dedupKey{c.Offset, c.Section.RawStart, c.Section.RawEnd}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, c)
		}
		return out
	}
	res.Plausible = uniq(res.Plausible)
	res.Suspects = uniq(res.Suspects)
}

// Rank sorts cands: candidates inside a preferred section come first, then
// shorter carves, then lower offsets. A nil preferred list means
// DefaultPreferredSections.
func Rank(cands []Candidate, preferred []string) {
	if preferred == nil {
		preferred = DefaultPreferredSections
	}
	pref := make(map[string]bool, len(preferred))
	for _, name := range preferred {
		pref[strings.ToLower(strings.TrimSpace(name))] = true
	}
	rank := func(c *Candidate) int {
		if pref[strings.ToLower(c.Section.Name)] {
			return 0
		}
		return 1
	}
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := &cands[i], &cands[j]
		if ri, rj := rank(ci), rank(cj); ri != rj {
			return ri < rj
		}
		if li, lj := ci.CarveLen(), cj.CarveLen(); li != lj {
			return li < lj
		}
		return ci.Offset < cj.Offset
	})
}

// Finish deduplicates and ranks both candidate lists.
func (res *Result) Finish(preferred []string) {
	res.Dedup()
	Rank(res.Plausible, preferred)
	Rank(res.Suspects, preferred)
}

// Select returns the index-th (1-based) candidate of cands, or the first
// one if index is 0.
func Select(cands []Candidate, index int) (*Candidate, error) {
	if index == 0 {
		index = 1
	}
	if index < 1 || index > len(cands) {
		return nil, &ErrSelectionOutOfRange{Index: index, Count: len(cands)}
	}
	return &cands[index-1], nil
}

// Best picks the candidate to carve: the index-th plausible one, falling
// back to the best suspect when allowSuspect is set and nothing is
// plausible.
func (res *Result) Best(index int, allowSuspect bool) (*Candidate, error) {
	if len(res.Plausible) == 0 {
		if allowSuspect && len(res.Suspects) > 0 && index == 0 {
			return &res.Suspects[0], nil
		}
		return nil, &ErrNoPlausibleCandidate{Suspects: len(res.Suspects)}
	}
	return Select(res.Plausible, index)
}
