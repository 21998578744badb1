package rangeindex

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/terrycain/media-cache-server/pkg/s"
)

func r(start, end int64) s.Range { return s.Range{Start: start, End: end} }

func TestMarkWrittenMerges(t *testing.T) {
	tables := []struct {
		name     string
		writes   []s.Range
		expected []s.Range
	}{
		{"single", []s.Range{r(0, 10)}, []s.Range{r(0, 10)}},
		{"disjoint out of order", []s.Range{r(20, 30), r(0, 10)}, []s.Range{r(0, 10), r(20, 30)}},
		{"adjacent coalesce", []s.Range{r(0, 10), r(10, 20)}, []s.Range{r(0, 20)}},
		{"overlap coalesce", []s.Range{r(0, 15), r(10, 20)}, []s.Range{r(0, 20)}},
		{"bridge gap", []s.Range{r(0, 10), r(20, 30), r(10, 20)}, []s.Range{r(0, 30)}},
		{"swallow many", []s.Range{r(5, 6), r(8, 9), r(12, 14), r(0, 20)}, []s.Range{r(0, 20)}},
		{"idempotent", []s.Range{r(0, 10), r(0, 10), r(2, 8)}, []s.Range{r(0, 10)}},
		{"empty ignored", []s.Range{r(5, 5), r(9, 3)}, []s.Range{}},
		{"extend left", []s.Range{r(10, 20), r(5, 12)}, []s.Range{r(5, 20)}},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			idx := New()
			for _, w := range table.writes {
				idx.MarkWritten(w)
			}
			if diff := cmp.Diff(table.expected, idx.Covered()); diff != "" {
				t.Errorf("Covered() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	idx := New()
	idx.MarkWritten(r(0, 100))
	idx.MarkWritten(r(200, 300))

	tables := []struct {
		name     string
		request  s.Range
		expected Classification
	}{
		{"hit", r(10, 90), Classification{Kind: Hit, Covered: []s.Range{r(10, 90)}, Gaps: []s.Range{}}},
		{"hit exact", r(200, 300), Classification{Kind: Hit, Covered: []s.Range{r(200, 300)}, Gaps: []s.Range{}}},
		{"miss", r(100, 200), Classification{Kind: Miss, Covered: []s.Range{}, Gaps: []s.Range{r(100, 200)}}},
		{"miss past end", r(400, 500), Classification{Kind: Miss, Covered: []s.Range{}, Gaps: []s.Range{r(400, 500)}}},
		{"partial head", r(50, 150), Classification{Kind: Partial, Covered: []s.Range{r(50, 100)}, Gaps: []s.Range{r(100, 150)}}},
		{"partial tail", r(150, 250), Classification{Kind: Partial, Covered: []s.Range{r(200, 250)}, Gaps: []s.Range{r(150, 200)}}},
		{
			"straddles two segments",
			r(50, 350),
			Classification{Kind: Partial, Covered: []s.Range{r(50, 100), r(200, 300)}, Gaps: []s.Range{r(100, 200), r(300, 350)}},
		},
		{"empty request", r(70, 70), Classification{Kind: Hit, Covered: []s.Range{}, Gaps: []s.Range{}}},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			result, err := idx.Classify(table.request)
			if err != nil {
				t.Fatalf("Classify() error: %s", err.Error())
			}
			if diff := cmp.Diff(table.expected, result); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := idx.Classify(r(10, 5)); err == nil {
		t.Fatal("Classify() should reject an inverted range")
	}
}

func TestFromRangesRejectsUnmerged(t *testing.T) {
	tables := []struct {
		name   string
		ranges []s.Range
		ok     bool
	}{
		{"valid", []s.Range{r(0, 100), r(200, 300)}, true},
		{"unsorted", []s.Range{r(200, 300), r(0, 100)}, false},
		{"overlapping", []s.Range{r(0, 100), r(50, 150)}, false},
		{"adjacent", []s.Range{r(0, 100), r(100, 150)}, false},
		{"empty interval", []s.Range{r(10, 10)}, false},
		{"negative", []s.Range{r(-5, 10)}, false},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			idx, err := FromRanges(table.ranges)
			if table.ok && err != nil {
				t.Fatalf("Expected no error, got %s", err.Error())
			}
			if !table.ok && err == nil {
				t.Fatal("Expected an error")
			}
			if table.ok {
				if diff := cmp.Diff(table.ranges, idx.Covered()); diff != "" {
					t.Fatal(diff)
				}
			}
		})
	}
}

func TestHelpers(t *testing.T) {
	idx := New()
	idx.MarkWritten(r(0, 100))
	idx.MarkWritten(r(200, 300))

	if diff := cmp.Diff(int64(200), idx.CoveredBytes()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(int64(100), idx.CoveredFrom(40)); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(int64(150), idx.CoveredFrom(150)); diff != "" {
		t.Fatal(diff)
	}
	next, ok := idx.NextCovered(150)
	if !ok || next != 200 {
		t.Fatalf("NextCovered(150) = %d, %v", next, ok)
	}
	if _, ok = idx.NextCovered(250); ok {
		t.Fatal("NextCovered(250) should report nothing")
	}
	if idx.Complete(300) {
		t.Fatal("Index has a gap, should not be complete")
	}
	if idx.Complete(s.UnknownLength) {
		t.Fatal("Unknown length is never complete")
	}
	idx.MarkWritten(r(100, 200))
	if !idx.Complete(300) {
		t.Fatal("Index should be complete for 300 bytes")
	}
}

// TestMarkWrittenMatchesUnion checks the merged set against a byte-level truth table for
// random write sequences.
func TestMarkWrittenMatchesUnion(t *testing.T) {
	const size = 512
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		idx := New()
		truth := make([]bool, size)

		for w := 0; w < 1+rng.Intn(30); w++ {
			start := int64(rng.Intn(size))
			end := start + int64(rng.Intn(64))
			if end > size {
				end = size
			}
			idx.MarkWritten(r(start, end))
			for i := start; i < end; i++ {
				truth[i] = true
			}

			covered := idx.Covered()
			for i := 1; i < len(covered); i++ {
				if covered[i].Start <= covered[i-1].End {
					t.Fatalf("Round %d: intervals not disjoint and merged: %v", round, covered)
				}
			}
			if diff := cmp.Diff(fromTruth(truth), covered); diff != "" {
				t.Fatalf("Round %d: union mismatch (-want +got):\n%s", round, diff)
			}
		}

		// Hit must only ever be reported when every byte is present
		for q := 0; q < 50; q++ {
			start := int64(rng.Intn(size))
			end := start + int64(rng.Intn(size-int(start)+1))
			result, err := idx.Classify(r(start, end))
			if err != nil {
				t.Fatal(err)
			}
			allPresent := true
			for i := start; i < end; i++ {
				if !truth[i] {
					allPresent = false
					break
				}
			}
			if (result.Kind == Hit) != allPresent {
				t.Fatalf("Round %d: Classify(%d,%d) = %s but allPresent=%v", round, start, end, result.Kind, allPresent)
			}
		}
	}
}

func fromTruth(truth []bool) []s.Range {
	out := make([]s.Range, 0)
	for i := 0; i < len(truth); {
		if !truth[i] {
			i++
			continue
		}
		j := i
		for j < len(truth) && truth[j] {
			j++
		}
		out = append(out, r(int64(i), int64(j)))
		i = j
	}
	return out
}
