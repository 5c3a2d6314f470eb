// Package mem holds the physical-memory side of the address-space core:
// physical and virtual address newtypes, the page-size architecture
// constants, the frame-allocator collaborator interface, and the
// process-wide physical reference counter (component A of the memory-space
// core).
package mem

import (
	"sync"
	"sync/atomic"

	"kmemspace/defs"
	"kmemspace/util"
)

// PGSHIFT is the base-2 exponent of the page size (4 KiB on x86-32).
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset bits of an address.
const PGOFFSET uintptr = uintptr(PGSIZE) - 1

// AllocBegin and ProcessEnd bound the user virtual-address window that
// mappings may be created in; both are architecture constants for the x86
// user/kernel split this core targets.
const (
	AllocBegin Va_t = 0x10000000 // 256 MiB
	ProcessEnd Va_t = 0xc0000000 // 3 GiB
)

// Pa_t is a physical address. Identity is the address itself; there is no
// per-frame metadata beyond the share count tracked by PhysRefcnt.
type Pa_t uintptr

// Aligned reports whether pa is page-aligned.
func (pa Pa_t) Aligned() bool { return uintptr(pa)&PGOFFSET == 0 }

// Va_t is a virtual address. It is an opaque integer newtype rather than a
// raw pointer so that page-alignment can be checked once, at construction,
// instead of at every call site that touches it.
type Va_t uintptr

// NewVa validates that raw is page-aligned and returns it as a Va_t.
func NewVa(raw uintptr) (Va_t, defs.Err_t) {
	if raw&PGOFFSET != 0 {
		return 0, defs.EINVAL
	}
	return Va_t(raw), 0
}

// Aligned reports whether va is page-aligned.
func (va Va_t) Aligned() bool { return uintptr(va)&PGOFFSET == 0 }

// Add returns va advanced by n pages.
func (va Va_t) Add(pages int) Va_t { return va + Va_t(pages*PGSIZE) }

// Pageno returns the page-aligned offset of addr from va, in pages. addr
// must be >= va.
func (va Va_t) Pageno(addr Va_t) int { return int(addr-va) / PGSIZE }

// Zone names a physical-memory zone the frame allocator serves frames
// from: KERNEL backs kernel-only allocations (the default page), USER
// backs everything a mapping ever installs for user access.
type Zone int

const (
	ZoneKernel Zone = iota
	ZoneUser
)

// FrameAllocator is the external buddy allocator collaborator (spec §6):
// it returns and frees page-aligned physical frames from a named zone.
// Order 0 means a single page; the memory-space core never requests a
// higher order.
// A FrameAllocator also directly maps frame content, exactly as biscuit's
// Physmem_t plays both roles (Page_i allocation and Dmap byte access):
// there is no separate "direct map" collaborator in this spec, so the
// mapping engine's fault-in path (copy-on-write snapshot, zero-fill) reads
// and writes frame content through the allocator that handed the frame
// out.
type FrameAllocator interface {
	Alloc(order int, zone Zone) (Pa_t, defs.Err_t)
	Free(frame Pa_t, order int)
	// Bytes returns a mutable PGSIZE-length view of frame's content.
	Bytes(frame Pa_t) []byte
}

// PhysRefcnt is the process-wide physical reference counter (component A).
// It is a flat map from frame address to share count guarded by a mutex;
// mutations are brief and never nest a call that itself touches the
// counter, so a single lock suffices.
type PhysRefcnt struct {
	mu     sync.Mutex
	counts map[Pa_t]int32
}

// NewPhysRefcnt constructs an empty physical reference counter.
func NewPhysRefcnt() *PhysRefcnt {
	return &PhysRefcnt{counts: make(map[Pa_t]int32)}
}

// Increment bumps frame's share count, inserting it at 1 if absent.
func (p *PhysRefcnt) Increment(frame Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[frame]++
}

// Decrement drops frame's share count by one. frame must already be
// present; it is a kernel-invariant violation otherwise. Decrement
// reports whether the count reached zero, in which case the entry is
// removed and the caller is responsible for returning the frame to the
// allocator.
func (p *PhysRefcnt) Decrement(frame Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counts[frame]
	if !ok {
		panic("refcount: decrement of untracked frame")
	}
	c--
	if c < 0 {
		panic("refcount: negative share count")
	}
	if c == 0 {
		delete(p.counts, frame)
		return true
	}
	p.counts[frame] = c
	return false
}

// IsShared reports whether frame's share count is greater than one.
func (p *PhysRefcnt) IsShared(frame Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[frame] > 1
}

// Refcnt returns frame's current share count, or 0 if untracked.
func (p *PhysRefcnt) Refcnt(frame Pa_t) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.counts[frame])
}

// defaultPageState backs the process-wide default page singleton: a
// lazily allocated, zero-filled, read-only frame used as the placeholder
// target for virtual pages that have been reserved but never written.
// It is initialized on first use and never torn down, per spec §9's
// design note on the teacher's global Zeropg/P_zeropg pattern
// (biscuit/src/mem/dmap.go).
var defaultPageState struct {
	once sync.Once
	addr atomic.Uint64
	err  defs.Err_t
}

// DefaultPage returns the process-wide default page, allocating it from
// alloc on the first call. Every subsequent call, regardless of which
// allocator is passed, returns the same frame: the allocator argument is
// only consulted once.
func DefaultPage(alloc FrameAllocator) (Pa_t, defs.Err_t) {
	defaultPageState.once.Do(func() {
		frame, err := alloc.Alloc(0, ZoneKernel)
		if err != 0 {
			defaultPageState.err = err
			return
		}
		clear(alloc.Bytes(frame))
		defaultPageState.addr.Store(uint64(frame))
	})
	if defaultPageState.err != 0 {
		return 0, defaultPageState.err
	}
	return Pa_t(defaultPageState.addr.Load()), 0
}

// ResetDefaultPageForTest clears the default-page singleton so tests can
// observe a fresh allocation under an isolated allocator. Production code
// never calls this: the default page is meant to live for the lifetime of
// the kernel.
func ResetDefaultPageForTest() {
	defaultPageState = struct {
		once sync.Once
		addr atomic.Uint64
		err  defs.Err_t
	}{}
}

// PageRound rounds size bytes up to a whole number of pages.
func PageRound(size int) int {
	return util.Roundup(size, PGSIZE)
}
