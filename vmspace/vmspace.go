// Package vmspace implements the memory space (spec §4.E, component E):
// the per-process virtual address space that composes the gap registry,
// the mapping registry, the physical reference counter, and a VMem
// handler, and exposes the public map/unmap/fork/handle_page_fault/bind
// contract while maintaining the cross-component invariants of §3.
package vmspace

import (
	"sync"

	"kmemspace/defs"
	"kmemspace/gap"
	"kmemspace/mapping"
	"kmemspace/mem"
	"kmemspace/stack"
	"kmemspace/vmem"
)

// Space is one process's memory space. It owns exactly one VMem and is
// guarded by its own mutex; fault handling acquires it like every other
// public operation.
type Space struct {
	mu sync.Mutex

	gaps *gap.Registry
	maps *mapping.Registry

	refcnt *mem.PhysRefcnt
	alloc  mem.FrameAllocator
	vm     vmem.VMem
	stack  stack.Switcher
}

func pages(bytes int) int { return mem.PageRound(bytes) / mem.PGSIZE }

// New constructs a memory space with one gap covering the whole
// [AllocBegin, ProcessEnd) window and the given VMem, which must already
// be a fresh, empty address space. The frame allocator, physical
// reference counter, and stack switcher are process-wide collaborators
// shared across every memory space in the system; only the VMem is
// private to this one.
func New(alloc mem.FrameAllocator, refcnt *mem.PhysRefcnt, vm vmem.VMem, sw stack.Switcher) *Space {
	g := gap.NewRegistry()
	g.Insert(gap.New(mem.AllocBegin, pages(int(mem.ProcessEnd-mem.AllocBegin))))
	return &Space{
		gaps:   g,
		maps:   mapping.NewRegistry(),
		refcnt: refcnt,
		alloc:  alloc,
		vm:     vm,
		stack:  sw,
	}
}

func (s *Space) deps() mapping.Deps {
	return mapping.Deps{Alloc: s.alloc, Refcnt: s.refcnt, VM: s.vm, Stack: s.stack}
}

// carve removes size pages from a suitable gap — the one found at hintAddr
// if hint is non-nil, otherwise the first-fit-by-bucket result — and
// reinserts whatever residual gaps remain. It reports the begin address
// of the carved region, or an error if no gap could supply it.
func (s *Space) carve(hint *mem.Va_t, size int) (mem.Va_t, defs.Err_t) {
	var g gap.Gap
	var ok bool
	if hint != nil {
		g, ok = s.gaps.Successor(*hint)
		if ok && g.Size < size {
			ok = false
		}
	} else {
		g, ok = s.gaps.FindFit(size)
	}
	if !ok {
		return 0, defs.ENOMEM
	}
	s.gaps.Remove(g.Begin)
	left, right := g.Consume(0, size)
	if left != nil {
		s.gaps.Insert(*left)
	}
	if right != nil {
		s.gaps.Insert(*right)
	}
	return g.Begin, 0
}

// uncarve is carve's inverse, used to roll back a map that failed after
// the gap was already removed: it reinserts a gap of size pages at
// begin, merging with whatever residual gaps carve left behind.
func (s *Space) uncarve(begin mem.Va_t, size int) {
	g := gap.New(begin, size)
	if pred, ok := s.gaps.Predecessor(begin); ok {
		s.gaps.Remove(pred.Begin)
		g.Merge(pred)
	}
	if succ, ok := s.gaps.Successor(g.End()); ok {
		s.gaps.Remove(succ.Begin)
		g.Merge(succ)
	}
	s.gaps.Insert(g)
}

// Map reserves size bytes of virtual address space with the given flags
// and returns the begin address of the new mapping. hint, if non-nil,
// requests placement inside the gap beginning at exactly *hint; the
// MVP does not support placement at an arbitrary address inside a
// larger gap, so a hint that does not name a sufficiently large gap's
// exact begin address fails with out-of-memory rather than falling back
// to an unrelated address. A misaligned hint, or one whose range would
// run past ProcessEnd, fails with EINVAL.
func (s *Space) Map(hint *mem.Va_t, sizeBytes int, flags mapping.Flags) (mem.Va_t, defs.Err_t) {
	if sizeBytes <= 0 {
		return 0, defs.EINVAL
	}
	size := pages(sizeBytes)
	if hint != nil && (!hint.Aligned() || hint.Add(size) > mem.ProcessEnd) {
		return 0, defs.EINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	begin, err := s.carve(hint, size)
	if err != 0 {
		return 0, err
	}

	m := s.maps.Insert(mapping.New(begin, size, flags))
	if err := m.MapDefault(s.deps()); err != 0 {
		s.maps.Remove(begin)
		s.uncarve(begin, size)
		return 0, err
	}
	return begin, 0
}

// MapStack is Map, but returns the address just past the mapping — the
// initial top-of-stack pointer for a downward-growing stack.
func (s *Space) MapStack(hint *mem.Va_t, sizeBytes int, flags mapping.Flags) (mem.Va_t, defs.Err_t) {
	begin, err := s.Map(hint, sizeBytes, flags)
	if err != 0 {
		return 0, err
	}
	return begin.Add(pages(sizeBytes)), 0
}

// Unmap releases the mapping(s) covering [ptr, ptr+sizeBytes). A range
// that coincides exactly with a whole mapping is torn down directly; a
// range that covers only part of a mapping splits it, releasing frames
// only in the removed sub-range and leaving the retained sub-range(s) as
// mapping(s) of their own. A range entirely outside any mapping is a
// no-op, matching Unix unmap semantics (spec §7 NotFound is not an
// error here).
func (s *Space) Unmap(ptr mem.Va_t, sizeBytes int) defs.Err_t {
	if sizeBytes <= 0 {
		return defs.EINVAL
	}
	size := pages(sizeBytes)
	end := ptr.Add(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	for ptr < end {
		m, ok := s.maps.Lookup(ptr)
		if !ok {
			// No mapping contains ptr: advance to the next mapping's
			// begin if one starts before end, otherwise we're done.
			next, found := s.nextMappingFrom(ptr, end)
			if !found {
				break
			}
			ptr = next
			continue
		}
		removeEnd := minVa(m.End(), end)
		s.unmapRange(*m, ptr, removeEnd)
		ptr = removeEnd
	}
	return 0
}

func minVa(a, b mem.Va_t) mem.Va_t {
	if a < b {
		return a
	}
	return b
}

// nextMappingFrom scans the mapping registry for the first mapping whose
// begin lies in [from, limit); it exists only to keep Unmap's no-op gap
// skipping out of the hot path below.
func (s *Space) nextMappingFrom(from, limit mem.Va_t) (mem.Va_t, bool) {
	for _, m := range s.maps.All() {
		if m.Begin >= from && m.Begin < limit {
			return m.Begin, true
		}
	}
	return 0, false
}

// unmapRange removes the [from, to) sub-range of mapping m, which may be
// the whole mapping, a prefix, a suffix, or a strict interior range
// (splitting m into a retained prefix and a retained suffix).
func (s *Space) unmapRange(m mapping.Mapping, from, to mem.Va_t) {
	d := s.deps()
	removedPages := m.Begin.Pageno(to) - m.Begin.Pageno(from)
	doomed := mapping.New(from, removedPages, m.Flags)

	s.maps.Remove(m.Begin)
	doomed.Unmap(d)

	if from > m.Begin {
		s.maps.Insert(mapping.New(m.Begin, m.Begin.Pageno(from), m.Flags))
	}
	if to < m.End() {
		s.maps.Insert(mapping.New(to, m.Begin.Pageno(m.End())-m.Begin.Pageno(to), m.Flags))
	}
	s.uncarve(from, removedPages)
}

// Bind makes this memory space's VMem the active MMU context.
func (s *Space) Bind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vm.Bind()
}

// Fork produces a sibling memory space sharing every currently allocated
// frame: the VMem is cloned structurally, every gap is duplicated, and
// every mapping is forked into the sibling's registry with reference
// counts bumped accordingly. Protection bits are then refreshed on both
// sides for every resident page so freshly shared frames become
// read-only until the next write fault.
func (s *Space) Fork() (*Space, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	childVM, err := s.vm.Clone()
	if err != nil {
		return nil, defs.ENOMEM
	}

	child := &Space{
		gaps:   gap.NewRegistry(),
		maps:   mapping.NewRegistry(),
		refcnt: s.refcnt,
		alloc:  s.alloc,
		vm:     childVM,
		stack:  s.stack,
	}
	for _, g := range s.gaps.All() {
		child.gaps.Insert(g)
	}

	d := s.deps()
	cd := child.deps()

	parents := s.maps.All()

	// unshare reverses what Fork's increment loop did for the first n
	// parent mappings: it drops the refcount bump each of their resident
	// frames received (freeing a frame that drops to zero), then
	// recomputes those mappings' own protection bits now that the share
	// count is back down, since the UpdateVmem loop below may already
	// have cleared a parent page's write bit before the failure. The
	// child (its registries, gaps, and cloned VMem) needs no teardown of
	// its own: nothing outside this call ever observes it, so letting it
	// be garbage-collected is sufficient.
	unshare := func(n int) {
		defaultPg, derr := mem.DefaultPage(d.Alloc)
		if derr != 0 {
			panic("vmspace: fork rollback cannot resolve default page")
		}
		for i := 0; i < n; i++ {
			m := parents[i]
			for off := 0; off < m.Size; off++ {
				virt := m.Begin.Add(off)
				if phys, ok := d.VM.Translate(virt); ok && phys != defaultPg {
					if d.Refcnt.Decrement(phys) {
						d.Alloc.Free(phys, 0)
					}
				}
			}
		}
		for i := 0; i < n; i++ {
			m := parents[i]
			for off := 0; off < m.Size; off++ {
				if err := m.UpdateVmem(d, off); err != 0 {
					panic("vmspace: fork rollback could not restore parent protection bits")
				}
			}
		}
	}

	var forked []*mapping.Mapping
	for idx, m := range parents {
		mCopy := m
		twin, ferr := mCopy.Fork(d, child.maps)
		if ferr != 0 {
			unshare(idx)
			return nil, ferr
		}
		forked = append(forked, twin)
	}

	for i, m := range parents {
		for off := 0; off < m.Size; off++ {
			if err := m.UpdateVmem(d, off); err != 0 {
				unshare(len(parents))
				return nil, err
			}
			if err := forked[i].UpdateVmem(cd, off); err != 0 {
				unshare(len(parents))
				return nil, err
			}
		}
	}
	return child, 0
}

// PRESENT and WRITE are the x86 page-fault error code bits this core
// consults: whether the faulting page had any translation at all, and
// whether the fault was a write access.
const (
	codePresent uint32 = 1 << 0
	codeWrite   uint32 = 1 << 1
)

// HandlePageFault resolves a page fault at virt with the given x86
// page-fault error code. If the PRESENT bit is clear the fault is an
// access to unmapped virtual memory and false is returned (the caller
// delivers a segmentation violation). If the fault is a write to a
// mapping that never carries WRITE, it is a genuine protection
// violation and false is returned without touching the mapping.
// Otherwise the containing mapping is located and its fault_in is
// invoked; on allocation failure the fault is retried once before
// panicking, since OOM on the fault path has no recovery in this
// design.
func (s *Space) HandlePageFault(virt mem.Va_t, code uint32) bool {
	if code&codePresent == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.maps.Lookup(virt)
	if !ok {
		return false
	}
	if code&codeWrite != 0 && m.Flags&mapping.WRITE == 0 {
		return false
	}
	offset := m.Begin.Pageno(virt)

	d := s.deps()
	if err := m.FaultIn(d, offset); err == 0 {
		return true
	}
	if err := m.FaultIn(d, offset); err != 0 {
		panic("vmspace: out of memory resolving page fault")
	}
	return true
}
