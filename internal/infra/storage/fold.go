package storage

import (
	"sort"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

// IndexSet is a set of unit indices.
type IndexSet map[int64]struct{}

func (s IndexSet) Has(i int64) bool {
	_, ok := s[i]
	return ok
}

func (s IndexSet) Add(i int64) {
	s[i] = struct{}{}
}

// Minus returns the indices in s that are not in o.
func (s IndexSet) Minus(o IndexSet) IndexSet {
	out := make(IndexSet, len(s))
	for i := range s {
		if !o.Has(i) {
			out.Add(i)
		}
	}
	return out
}

// Sorted returns the indices in ascending order.
func (s IndexSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Folder accumulates outcomes in append order and keeps the latest per index.
type Folder struct {
	latest  map[int64]domain.Outcome
	skipped int
}

func NewFolder() *Folder {
	return &Folder{latest: make(map[int64]domain.Outcome)}
}

// Add folds one record. Invalid records are counted and ignored.
func (f *Folder) Add(o domain.Outcome) {
	if !o.Valid() {
		f.skipped++
		return
	}
	f.latest[o.Index] = o
}

// Skip counts a record that could not be decoded.
func (f *Folder) Skip() { f.skipped++ }

// Skipped returns the number of discarded records.
func (f *Folder) Skipped() int { return f.skipped }

func (f *Folder) Latest() map[int64]domain.Outcome { return f.latest }

// Fold keeps the last valid outcome per index from records in append order.
func Fold(records []domain.Outcome) map[int64]domain.Outcome {
	f := NewFolder()
	for _, r := range records {
		f.Add(r)
	}
	return f.Latest()
}

// Completed returns every index present in latest.
func Completed(latest map[int64]domain.Outcome) IndexSet {
	out := make(IndexSet, len(latest))
	for i := range latest {
		out.Add(i)
	}
	return out
}

// Failed returns the indices whose latest outcome is a failure.
func Failed(latest map[int64]domain.Outcome) IndexSet {
	out := make(IndexSet)
	for i, o := range latest {
		if o.IsFailure() {
			out.Add(i)
		}
	}
	return out
}

// Failures returns the failure outcomes of latest ordered by index.
func Failures(latest map[int64]domain.Outcome) []domain.Outcome {
	var out []domain.Outcome
	for _, o := range latest {
		if o.IsFailure() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// Ordered returns the outcomes of latest ordered by index.
func Ordered(latest map[int64]domain.Outcome) []domain.Outcome {
	out := make([]domain.Outcome, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}
