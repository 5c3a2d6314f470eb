package vmspace

import (
	"testing"

	"kmemspace/gap"
	"kmemspace/mapping"
	"kmemspace/mem"
	"kmemspace/mem/memtest"
	"kmemspace/stack"
	"kmemspace/vmem/vmemsim"
)

func newSpace(alloc *memtest.Allocator, refcnt *mem.PhysRefcnt) (*Space, *vmemsim.Sim) {
	vm := vmemsim.New()
	return New(alloc, refcnt, vm, stack.Trampoline{}), vm
}

func TestLazyAllocationDefaultMapsAndFaultsIn(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, vm := newSpace(alloc, refcnt)

	p, err := s.Map(nil, 4*mem.PGSIZE, mapping.WRITE|mapping.USER)
	if err != 0 {
		t.Fatalf("Map() = %v, want 0", err)
	}

	defaultPg, _ := mem.DefaultPage(alloc)
	for i := 0; i < 4; i++ {
		if phys, ok := vm.Translate(p.Add(i)); !ok || phys != defaultPg {
			t.Fatalf("page %d: expected default-mapped, got %v, %v", i, phys, ok)
		}
	}
	liveBefore := alloc.Live()

	if ok := s.HandlePageFault(p, codePresent|codeWrite); !ok {
		t.Fatal("expected the fault on page 0 to resolve")
	}
	phys, ok := vm.Translate(p)
	if !ok || phys == defaultPg {
		t.Fatalf("expected page 0 to have a dedicated frame after fault, got %v, %v", phys, ok)
	}
	if refcnt.Refcnt(phys) != 1 {
		t.Fatalf("refcnt = %d, want 1", refcnt.Refcnt(phys))
	}
	if !vm.Writable(p) {
		t.Fatal("expected the faulted-in page to be writable")
	}
	if got := alloc.Live(); got != liveBefore+1 {
		t.Fatalf("live frames = %d, want %d", got, liveBefore+1)
	}
}

func TestForkThenWriteCopyOnWrite(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	parent, parentVM := newSpace(alloc, refcnt)

	p, _ := parent.Map(nil, 4*mem.PGSIZE, mapping.WRITE|mapping.USER)
	parent.HandlePageFault(p, codePresent|codeWrite)
	parentPhys, _ := parentVM.Translate(p)
	copy(alloc.Bytes(parentPhys), []byte("parent-data"))

	child, err := parent.Fork()
	if err != 0 {
		t.Fatalf("Fork() = %v, want 0", err)
	}

	if refcnt.Refcnt(parentPhys) != 2 {
		t.Fatalf("refcnt after fork = %d, want 2", refcnt.Refcnt(parentPhys))
	}
	if parentVM.Writable(p) {
		t.Fatal("expected parent's shared page to become read-only after fork")
	}

	childVM := child.vm.(*vmemsim.Sim)
	if childVM.Writable(p) {
		t.Fatal("expected child's shared page to be read-only after fork")
	}
	childPhysBefore, _ := childVM.Translate(p)
	if childPhysBefore != parentPhys {
		t.Fatalf("child's page should still point at the shared frame before any write")
	}

	if ok := child.HandlePageFault(p, codePresent|codeWrite); !ok {
		t.Fatal("expected child's write fault to resolve")
	}

	childPhys, _ := childVM.Translate(p)
	if childPhys == parentPhys {
		t.Fatal("expected child to receive a new frame distinct from the shared one")
	}
	if refcnt.Refcnt(childPhys) != 1 {
		t.Fatalf("child's new frame refcnt = %d, want 1", refcnt.Refcnt(childPhys))
	}
	if refcnt.Refcnt(parentPhys) != 1 {
		t.Fatalf("parent's frame refcnt after child's COW = %d, want 1", refcnt.Refcnt(parentPhys))
	}
	if got := string(alloc.Bytes(childPhys)[:11]); got != "parent-data" {
		t.Fatalf("child's copied content = %q, want %q", got, "parent-data")
	}
	if got := string(alloc.Bytes(parentPhys)[:11]); got != "parent-data" {
		t.Fatalf("parent's content changed unexpectedly: %q", got)
	}
}

func TestForkPreservesUntouchedPagesAsDefaultMapped(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	parent, parentVM := newSpace(alloc, refcnt)

	p, _ := parent.Map(nil, 4*mem.PGSIZE, mapping.WRITE|mapping.USER)
	parent.HandlePageFault(p, codePresent|codeWrite) // only page 0 touched

	liveBefore := alloc.Live()
	child, err := parent.Fork()
	if err != 0 {
		t.Fatalf("Fork() = %v", err)
	}
	childVM := child.vm.(*vmemsim.Sim)

	defaultPg, _ := mem.DefaultPage(alloc)
	for i := 1; i < 4; i++ {
		virt := p.Add(i)
		if phys, ok := parentVM.Translate(virt); !ok || phys != defaultPg {
			t.Fatalf("parent page %d: expected still default-mapped, got %v, %v", i, phys, ok)
		}
		if phys, ok := childVM.Translate(virt); !ok || phys != defaultPg {
			t.Fatalf("child page %d: expected default-mapped, got %v, %v", i, phys, ok)
		}
	}
	if got := alloc.Live(); got != liveBefore {
		t.Fatalf("fork consumed USER-zone frames for untouched pages: live = %d, want %d", got, liveBefore)
	}
}

func TestUnmapReleasesFramesAndCoalescesGaps(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	parent, parentVM := newSpace(alloc, refcnt)

	p, _ := parent.Map(nil, 4*mem.PGSIZE, mapping.WRITE|mapping.USER)
	parent.HandlePageFault(p, codePresent|codeWrite)
	phys, _ := parentVM.Translate(p)

	child, _ := parent.Fork()
	_ = child

	if refcnt.Refcnt(phys) != 2 {
		t.Fatalf("refcnt before unmap = %d, want 2", refcnt.Refcnt(phys))
	}

	if err := parent.Unmap(p, 4*mem.PGSIZE); err != 0 {
		t.Fatalf("Unmap() = %v, want 0", err)
	}
	if refcnt.Refcnt(phys) != 1 {
		t.Fatalf("refcnt after parent unmap = %d, want 1 (child still holds it)", refcnt.Refcnt(phys))
	}
	if parent.maps.Len() != 0 {
		t.Fatalf("expected no mappings left in parent, got %d", parent.maps.Len())
	}
	gaps := parent.gaps.All()
	if len(gaps) != 1 || gaps[0].Begin != mem.AllocBegin || gaps[0].Size != pages(int(mem.ProcessEnd-mem.AllocBegin)) {
		t.Fatalf("expected the freed mapping to coalesce back into one whole-range gap, got %v", gaps)
	}
}

func TestSharedMappingNeverCopiesOnWrite(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	parent, parentVM := newSpace(alloc, refcnt)

	p, _ := parent.Map(nil, mem.PGSIZE, mapping.WRITE|mapping.USER|mapping.SHARED)
	parent.HandlePageFault(p, codePresent|codeWrite)
	origPhys, _ := parentVM.Translate(p)

	child, err := parent.Fork()
	if err != 0 {
		t.Fatalf("Fork() = %v", err)
	}
	childVM := child.vm.(*vmemsim.Sim)

	if !parentVM.Writable(p) {
		t.Fatal("expected a SHARED mapping to remain writable after fork")
	}
	if !childVM.Writable(p) {
		t.Fatal("expected the child's SHARED mapping to be writable after fork")
	}

	child.HandlePageFault(p, codePresent|codeWrite)

	childPhys, _ := childVM.Translate(p)
	if childPhys != origPhys {
		t.Fatal("expected a SHARED mapping's write fault not to allocate a new frame")
	}
}

func TestMapSizeBucketingAfterCarve(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	vm := vmemsim.New()
	s := New(alloc, refcnt, vm, stack.Trampoline{})

	// Replace the default whole-range gap with one of exactly 1024 pages
	// to match the scenario's stated starting condition.
	whole := s.gaps.All()[0]
	s.gaps.Remove(whole.Begin)
	s.gaps.Insert(gap.New(whole.Begin, 1024))

	if _, err := s.Map(nil, 3*mem.PGSIZE, mapping.WRITE|mapping.USER); err != 0 {
		t.Fatalf("Map() = %v, want 0", err)
	}

	gaps := s.gaps.All()
	if len(gaps) != 1 || gaps[0].Size != 1021 {
		t.Fatalf("expected a single residual gap of 1021 pages, got %v", gaps)
	}
}

func TestMapSizeZeroIsInvalid(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, _ := newSpace(alloc, refcnt)

	if _, err := s.Map(nil, 0, mapping.WRITE); err == 0 {
		t.Fatal("expected Map(size=0) to fail with an invalid argument")
	}
}

func TestHandlePageFaultNotPresentReturnsFalse(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, _ := newSpace(alloc, refcnt)

	if s.HandlePageFault(mem.AllocBegin, 0) {
		t.Fatal("expected PRESENT=0 to return false")
	}
}

func TestHandlePageFaultUnmappedAddressReturnsFalse(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, _ := newSpace(alloc, refcnt)

	if s.HandlePageFault(mem.AllocBegin, codePresent) {
		t.Fatal("expected a fault outside any mapping to return false")
	}
}

func TestHandlePageFaultWriteOnNonWritableMappingReturnsFalse(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, _ := newSpace(alloc, refcnt)

	p, _ := s.Map(nil, mem.PGSIZE, mapping.USER) // no WRITE
	if s.HandlePageFault(p, codePresent|codeWrite) {
		t.Fatal("expected a write fault on a non-WRITE mapping to return false")
	}
}

func TestPartialUnmapSplitsMapping(t *testing.T) {
	mem.ResetDefaultPageForTest()
	alloc := memtest.NewAllocator()
	refcnt := mem.NewPhysRefcnt()
	s, vm := newSpace(alloc, refcnt)

	p, _ := s.Map(nil, 4*mem.PGSIZE, mapping.WRITE|mapping.USER|mapping.NOLAZY)
	// Remove the middle two pages, leaving a one-page mapping on each side.
	if err := s.Unmap(p.Add(1), 2*mem.PGSIZE); err != 0 {
		t.Fatalf("Unmap() = %v, want 0", err)
	}

	if s.maps.Len() != 2 {
		t.Fatalf("expected two retained mappings after a partial unmap, got %d", s.maps.Len())
	}
	if _, ok := vm.Translate(p); !ok {
		t.Fatal("expected the first retained page to keep its translation")
	}
	if _, ok := vm.Translate(p.Add(3)); !ok {
		t.Fatal("expected the last retained page to keep its translation")
	}
	if _, ok := vm.Translate(p.Add(1)); ok {
		t.Fatal("expected the unmapped middle pages to lose their translation")
	}
}
