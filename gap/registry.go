package gap

import (
	"sort"

	"kmemspace/mem"
	"kmemspace/util"
)

func bucketIndex(sizePages int) int {
	return util.Min(util.Log2(sizePages), BucketsCount-1)
}

// Registry stores gaps under two concurrent indices: an ordered index
// keyed by Begin, supporting predecessor/successor queries for
// merge-on-free, and a size-bucketed index supporting first-fit-by-size
// allocation (spec §4.B). It is not itself concurrency-safe: the owning
// memory space's mutex is the only synchronization, exactly as the
// teacher's Vmregion_t is only ever touched under Vm_t's lock.
type Registry struct {
	ordered []*Gap          // sorted by Begin
	buckets [BucketsCount][]*Gap
}

// NewRegistry returns an empty gap registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// search returns the index in r.ordered of the first gap whose Begin is
// >= addr.
func (r *Registry) search(addr mem.Va_t) int {
	return sort.Search(len(r.ordered), func(i int) bool {
		return r.ordered[i].Begin >= addr
	})
}

// Insert adds g to both indices.
func (r *Registry) Insert(g Gap) *Gap {
	ng := new(Gap)
	*ng = g
	i := r.search(g.Begin)
	r.ordered = append(r.ordered, nil)
	copy(r.ordered[i+1:], r.ordered[i:])
	r.ordered[i] = ng

	bi := bucketIndex(g.Size)
	r.buckets[bi] = append(r.buckets[bi], ng)
	return ng
}

// Remove deletes the gap beginning at begin from both indices. It
// reports whether a gap was found.
func (r *Registry) Remove(begin mem.Va_t) (Gap, bool) {
	i := r.search(begin)
	if i >= len(r.ordered) || r.ordered[i].Begin != begin {
		return Gap{}, false
	}
	g := *r.ordered[i]
	r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)

	bi := bucketIndex(g.Size)
	bucket := r.buckets[bi]
	for j, gp := range bucket {
		if gp.Begin == begin {
			r.buckets[bi] = append(bucket[:j], bucket[j+1:]...)
			break
		}
	}
	return g, true
}

// FindFit walks the buckets from bucketIndex(size) upward and returns
// the first gap with capacity >= size (first-fit-by-bucket, not
// best-fit: this bounds search time while avoiding the pathological
// fragmentation a pure first-fit-by-address scan invites). The returned
// gap is not removed.
func (r *Registry) FindFit(size int) (Gap, bool) {
	start := bucketIndex(size)
	for bi := start; bi < BucketsCount; bi++ {
		for _, g := range r.buckets[bi] {
			if g.Size >= size {
				return *g, true
			}
		}
	}
	return Gap{}, false
}

// Predecessor returns the gap whose End equals addr, if any — the gap
// immediately before addr on the virtual address line.
func (r *Registry) Predecessor(addr mem.Va_t) (Gap, bool) {
	i := r.search(addr)
	if i == 0 {
		return Gap{}, false
	}
	g := r.ordered[i-1]
	if g.End() != addr {
		return Gap{}, false
	}
	return *g, true
}

// Successor returns the gap whose Begin equals addr, if any — the gap
// immediately after addr on the virtual address line.
func (r *Registry) Successor(addr mem.Va_t) (Gap, bool) {
	i := r.search(addr)
	if i >= len(r.ordered) || r.ordered[i].Begin != addr {
		return Gap{}, false
	}
	return *r.ordered[i], true
}

// All returns every gap in ascending address order, for fork traversal
// and invariant checks. The returned slice is a snapshot; mutating the
// registry afterward does not affect it.
func (r *Registry) All() []Gap {
	out := make([]Gap, len(r.ordered))
	for i, g := range r.ordered {
		out[i] = *g
	}
	return out
}

// Len returns the number of gaps currently registered.
func (r *Registry) Len() int { return len(r.ordered) }
