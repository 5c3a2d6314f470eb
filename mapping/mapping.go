// Package mapping implements the mapping registry (spec §4.C, component
// C) and the mapping engine (spec §4.D, component D): the allocated
// virtual regions of a memory space, and the per-mapping operations —
// default-map, fault-in, copy-on-write, fork-share, unmap — that give
// them meaning.
package mapping

import (
	"kmemspace/mem"
	"kmemspace/stack"
	"kmemspace/vmem"
)

// Flags is the set of attributes a mapping carries. The bit values match
// spec §6 exactly, since they are part of the core's exposed contract.
type Flags uint

const (
	WRITE  Flags = 0b00001
	EXEC   Flags = 0b00010
	USER   Flags = 0b00100
	NOLAZY Flags = 0b01000
	SHARED Flags = 0b10000
)

// Mapping is an allocated virtual region: an interval plus a flag set.
// It does not store a reference to its owning memory space's VMem —
// every engine method below takes the collaborators it needs as an
// explicit Deps bundle instead, so a mapping is a plain value with no
// back-pointer to keep consistent (spec §9's re-architecture of the
// self-referential NonNull<dyn VMem>).
type Mapping struct {
	Begin mem.Va_t
	Size  int // pages
	Flags Flags
}

// New returns a mapping of size pages starting at begin. size must be >= 1.
func New(begin mem.Va_t, size int, flags Flags) Mapping {
	if size < 1 {
		panic("mapping: size must be at least one page")
	}
	return Mapping{Begin: begin, Size: size, Flags: flags}
}

// End returns the address just past the mapping.
func (m Mapping) End() mem.Va_t { return m.Begin.Add(m.Size) }

// Contains reports whether addr falls within the mapping.
func (m Mapping) Contains(addr mem.Va_t) bool {
	return addr >= m.Begin && addr < m.End()
}

// Deps bundles the collaborators every engine operation needs: the frame
// allocator and physical reference counter (process-wide, but passed
// explicitly rather than read from a package global so tests can use
// isolated instances), the owning memory space's VMem, and the stack
// switcher used to isolate the fault-in remap. Passing this bundle per
// call is the capability-borrowing scheme spec §9 calls for in place of
// a stored back-pointer.
type Deps struct {
	Alloc  mem.FrameAllocator
	Refcnt *mem.PhysRefcnt
	VM     vmem.VMem
	Stack  stack.Switcher
}
