package buckets

import (
	"fmt"
	"math"
	"slices"

	"dreambooth-backend/internal/storage"
)

var DefaultBuckets = []float64{1.0, 1.5, 0.67, 0.75, 1.78}

// Skipped records an image index that was left out of every bucket under the
// skip policy.
type Skipped struct {
	Index  int
	Reason string
}

// Assignment is the flat, persistable form of one index's placement.
type Assignment struct {
	Index   int
	Bucket  float64
	Skipped bool
	Reason  string
}

// Index maps every aspect-ratio bucket to the ascending image indices placed in
// it. Each index in [0, Len()) is either in exactly one bucket or listed in
// Skipped. An Index is never modified after it is built.
type Index struct {
	order    []float64
	indices  map[float64][]int
	bucketOf []int
	skipped  []Skipped
}

// ValidateBuckets checks that the bucket list is usable: non-empty, finite,
// strictly positive, without duplicates.
func ValidateBuckets(buckets []float64) error {
	if len(buckets) == 0 {
		return fmt.Errorf("%w: at least one aspect ratio bucket is required", storage.ErrConfiguration)
	}
	seen := make(map[float64]struct{}, len(buckets))
	for _, b := range buckets {
		if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
			return fmt.Errorf("%w: invalid aspect ratio bucket %v", storage.ErrConfiguration, b)
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("%w: duplicate aspect ratio bucket %v", storage.ErrConfiguration, b)
		}
		seen[b] = struct{}{}
	}
	return nil
}

func newIndex(buckets []float64, n int) *Index {
	x := &Index{
		order:    slices.Clone(buckets),
		indices:  make(map[float64][]int, len(buckets)),
		bucketOf: make([]int, n),
	}
	for _, b := range x.order {
		x.indices[b] = []int{}
	}
	for i := range x.bucketOf {
		x.bucketOf[i] = -1
	}
	return x
}

func (x *Index) place(i int, bucket float64) {
	x.indices[bucket] = append(x.indices[bucket], i)
	x.bucketOf[i] = slices.Index(x.order, bucket)
}

func (x *Index) skip(i int, reason string) {
	x.skipped = append(x.skipped, Skipped{Index: i, Reason: reason})
}

// Len is the number of image indices the index was built over, including
// skipped ones.
func (x *Index) Len() int {
	return len(x.bucketOf)
}

func (x *Index) Buckets() []float64 {
	return slices.Clone(x.order)
}

// Indices returns the indices assigned to bucket, or nil for a bucket that is
// not part of the index.
func (x *Index) Indices(bucket float64) []int {
	indices, ok := x.indices[bucket]
	if !ok {
		return nil
	}
	return slices.Clone(indices)
}

func (x *Index) BucketOf(i int) (float64, bool) {
	if i < 0 || i >= len(x.bucketOf) || x.bucketOf[i] < 0 {
		return 0, false
	}
	return x.order[x.bucketOf[i]], true
}

func (x *Index) Skipped() []Skipped {
	return slices.Clone(x.skipped)
}

// Assignments lists one entry per image index in ascending order.
func (x *Index) Assignments() []Assignment {
	reasons := make(map[int]string, len(x.skipped))
	for _, s := range x.skipped {
		reasons[s.Index] = s.Reason
	}

	out := make([]Assignment, 0, len(x.bucketOf))
	for i, pos := range x.bucketOf {
		if pos < 0 {
			out = append(out, Assignment{Index: i, Skipped: true, Reason: reasons[i]})
			continue
		}
		out = append(out, Assignment{Index: i, Bucket: x.order[pos]})
	}
	return out
}

// Restore rebuilds an Index from persisted assignments. It fails unless every
// index in [0, n) is accounted for exactly once.
func Restore(buckets []float64, n int, assignments []Assignment) (*Index, error) {
	if err := ValidateBuckets(buckets); err != nil {
		return nil, err
	}
	if len(assignments) != n {
		return nil, fmt.Errorf("%w: expected %d assignments, got %d", storage.ErrConfiguration, n, len(assignments))
	}

	sorted := slices.Clone(assignments)
	slices.SortFunc(sorted, func(a, b Assignment) int { return a.Index - b.Index })

	x := newIndex(buckets, n)
	for pos, a := range sorted {
		if a.Index != pos {
			return nil, fmt.Errorf("%w: assignment for index %d is missing or duplicated", storage.ErrConfiguration, pos)
		}
		if a.Skipped {
			x.skip(a.Index, a.Reason)
			continue
		}
		if _, ok := x.indices[a.Bucket]; !ok {
			return nil, fmt.Errorf("%w: index %d assigned to unknown bucket %v", storage.ErrConfiguration, a.Index, a.Bucket)
		}
		x.place(a.Index, a.Bucket)
	}
	return x, nil
}
