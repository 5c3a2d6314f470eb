// Package gap implements the gap registry (spec §4.B component B): the
// ordered, size-bucketed set of free virtual regions a memory space
// allocates mappings out of.
package gap

import (
	"kmemspace/mem"
)

// BucketsCount is the number of size buckets the registry indexes gaps
// into (spec's GAPS_BUCKETS_COUNT).
const BucketsCount = 8

// Gap is a free virtual region: a half-open interval of whole pages with
// no associated physical memory and no flags.
type Gap struct {
	Begin mem.Va_t
	Size  int // pages
}

// New returns a gap of size pages starting at begin. size must be >= 1.
func New(begin mem.Va_t, size int) Gap {
	if size < 1 {
		panic("gap: size must be at least one page")
	}
	return Gap{Begin: begin, Size: size}
}

// End returns the address just past the gap.
func (g Gap) End() mem.Va_t { return g.Begin.Add(g.Size) }

// BucketIndex returns the bucket a gap of the given size in pages belongs
// in: floor(log2(size)), capped at the last bucket.
func BucketIndex(sizePages int) int {
	return bucketIndex(sizePages)
}

// Consume carves a region of size pages at page offset off out of g,
// returning up to two residual gaps: one before the carved region (if
// off > 0) and one after it (if anything remains). Both returns are nil
// when the corresponding residual would be empty — in particular,
// consuming the whole gap from its low end (off == 0, size == g.Size)
// yields (nil, nil).
func (g Gap) Consume(off, size int) (left, right *Gap) {
	if off < 0 || size < 0 || off+size > g.Size {
		panic("gap: consume range outside gap")
	}
	if off > 0 {
		l := New(g.Begin, off)
		left = &l
	}
	if rem := g.Size - (off + size); rem > 0 {
		r := New(g.Begin.Add(off+size), rem)
		right = &r
	}
	return left, right
}

// Merge folds other into g if they are adjacent, returning true when a
// merge happened. other is assumed to be disjoint from g otherwise.
func (g *Gap) Merge(other Gap) bool {
	switch {
	case g.Begin == other.End():
		g.Begin = other.Begin
		g.Size += other.Size
		return true
	case g.End() == other.Begin:
		g.Size += other.Size
		return true
	default:
		return false
	}
}
