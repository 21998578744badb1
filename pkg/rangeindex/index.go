// Package rangeindex tracks which byte ranges of a resource are present in the cache.
//
// An Index is an ordered set of disjoint, merged [start, end) intervals. Adjacent or overlapping
// inserts coalesce, so the set never holds two intervals that touch. Readers always observe a
// complete merge: every exported method runs under the index lock.
package rangeindex

import (
	"errors"
	"sort"
	"sync"

	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

type Kind int

const (
	Miss Kind = iota
	Partial
	Hit
)

func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case Partial:
		return "partial"
	default:
		return "miss"
	}
}

// Classification splits a requested range into the sub-ranges already cached and the gaps
// still to fetch. Both lists are in offset order and together tile the request exactly.
type Classification struct {
	Kind    Kind
	Covered []s.Range
	Gaps    []s.Range
}

type Index struct {
	mu     sync.RWMutex
	ranges []s.Range
}

func New() *Index {
	return &Index{ranges: make([]s.Range, 0)}
}

// FromRanges rebuilds an index from persisted intervals. The input must already be sorted,
// disjoint and non-adjacent; anything else means the record was not written by an Index.
func FromRanges(ranges []s.Range) (*Index, error) {
	idx := New()
	for i, r := range ranges {
		if r.Start < 0 || r.Empty() {
			return nil, errors.New("empty or negative interval in range list")
		}
		if i > 0 && r.Start <= ranges[i-1].End {
			return nil, errors.New("range list is not sorted and merged")
		}
		idx.ranges = append(idx.ranges, r)
	}
	return idx, nil
}

// Covered returns a copy of the merged intervals.
func (idx *Index) Covered() []s.Range {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]s.Range, len(idx.ranges))
	copy(out, idx.ranges)
	return out
}

// CoveredBytes is the total number of cached bytes.
func (idx *Index) CoveredBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var total int64
	for _, r := range idx.ranges {
		total += r.Len()
	}
	return total
}

func (idx *Index) Contains(r s.Range) bool {
	if r.Empty() {
		return true
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := idx.search(r.Start)
	return i < len(idx.ranges) && idx.ranges[i].ContainsRange(r)
}

// CoveredFrom returns the end of the cached interval containing offset, or offset itself when
// the byte at offset is not cached.
func (idx *Index) CoveredFrom(offset int64) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := idx.search(offset)
	if i < len(idx.ranges) && idx.ranges[i].Contains(offset) {
		return idx.ranges[i].End
	}
	return offset
}

// NextCovered returns the start of the first cached interval beginning after offset, and false
// when there is none.
func (idx *Index) NextCovered(offset int64) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].Start > offset })
	if i == len(idx.ranges) {
		return 0, false
	}
	return idx.ranges[i].Start, true
}

func (idx *Index) Classify(r s.Range) (Classification, error) {
	if r.Start < 0 || r.End < r.Start {
		return Classification{}, e.ErrInvalidRange
	}
	result := Classification{Covered: make([]s.Range, 0), Gaps: make([]s.Range, 0)}
	if r.Empty() {
		result.Kind = Hit
		return result, nil
	}

	idx.mu.RLock()
	pos := r.Start
	for i := idx.search(r.Start); i < len(idx.ranges) && idx.ranges[i].Start < r.End; i++ {
		seg := idx.ranges[i].Intersect(r)
		if seg.Empty() {
			continue
		}
		if seg.Start > pos {
			result.Gaps = append(result.Gaps, s.Range{Start: pos, End: seg.Start})
		}
		result.Covered = append(result.Covered, seg)
		pos = seg.End
	}
	idx.mu.RUnlock()

	if pos < r.End {
		result.Gaps = append(result.Gaps, s.Range{Start: pos, End: r.End})
	}

	switch {
	case len(result.Gaps) == 0:
		result.Kind = Hit
	case len(result.Covered) == 0:
		result.Kind = Miss
	default:
		result.Kind = Partial
	}
	return result, nil
}

// MarkWritten records r as cached. Re-marking cached bytes is a no-op.
func (idx *Index) MarkWritten(r s.Range) {
	if r.Empty() || r.Start < 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// first interval that could touch r: its end reaches r.Start
	lo := sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].End >= r.Start })
	hi := lo
	merged := r
	for hi < len(idx.ranges) && idx.ranges[hi].Start <= r.End {
		if idx.ranges[hi].Start < merged.Start {
			merged.Start = idx.ranges[hi].Start
		}
		if idx.ranges[hi].End > merged.End {
			merged.End = idx.ranges[hi].End
		}
		hi++
	}

	out := make([]s.Range, 0, len(idx.ranges)-(hi-lo)+1)
	out = append(out, idx.ranges[:lo]...)
	out = append(out, merged)
	out = append(out, idx.ranges[hi:]...)
	idx.ranges = out
}

// Complete reports whether [0, length) is cached. An unknown length is never complete.
func (idx *Index) Complete(length int64) bool {
	if length == s.UnknownLength {
		return false
	}
	return idx.Contains(s.Range{Start: 0, End: length})
}

// search returns the index of the first interval whose end lies beyond offset.
// Callers hold mu.
func (idx *Index) search(offset int64) int {
	return sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].End > offset })
}
