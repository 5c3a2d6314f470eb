package mapping

import (
	"sort"

	"kmemspace/mem"
)

// Registry stores the mappings of a memory space under a single index
// ordered by Begin (spec §4.C). Unlike the gap registry it needs no
// size bucketing: mapping lookup is always "find the mapping containing
// address p", never "find a mapping of at least size s". It is not
// itself concurrency-safe; the owning memory space's mutex guards it.
type Registry struct {
	ordered []*Mapping
}

// NewRegistry returns an empty mapping registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) search(addr mem.Va_t) int {
	return sort.Search(len(r.ordered), func(i int) bool {
		return r.ordered[i].Begin >= addr
	})
}

// Insert adds m to the registry and returns a stable pointer to the
// stored copy.
func (r *Registry) Insert(m Mapping) *Mapping {
	nm := new(Mapping)
	*nm = m
	i := r.search(m.Begin)
	r.ordered = append(r.ordered, nil)
	copy(r.ordered[i+1:], r.ordered[i:])
	r.ordered[i] = nm
	return nm
}

// Remove deletes the mapping beginning at begin. It reports whether one
// was found.
func (r *Registry) Remove(begin mem.Va_t) (Mapping, bool) {
	i := r.search(begin)
	if i >= len(r.ordered) || r.ordered[i].Begin != begin {
		return Mapping{}, false
	}
	m := *r.ordered[i]
	r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
	return m, true
}

// Lookup returns the mapping containing addr, if any.
func (r *Registry) Lookup(addr mem.Va_t) (*Mapping, bool) {
	i := r.search(addr)
	if i < len(r.ordered) && r.ordered[i].Begin == addr {
		return r.ordered[i], true
	}
	if i == 0 {
		return nil, false
	}
	cand := r.ordered[i-1]
	if addr < cand.End() {
		return cand, true
	}
	return nil, false
}

// All returns every mapping in ascending Begin order.
func (r *Registry) All() []Mapping {
	out := make([]Mapping, len(r.ordered))
	for i, m := range r.ordered {
		out[i] = *m
	}
	return out
}

// Len returns the number of mappings currently registered.
func (r *Registry) Len() int { return len(r.ordered) }
