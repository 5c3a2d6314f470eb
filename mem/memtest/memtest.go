// Package memtest provides a host-mode physical frame allocator used by
// every test in this module, the way gopher-os's pmm/vmm tests back onto
// hand-written fakes rather than real hardware.
package memtest

import (
	"sync"

	"kmemspace/defs"
	"kmemspace/mem"
)

// Allocator is a FrameAllocator backed by host memory. Frame addresses
// are synthetic (a monotonically increasing counter scaled by page size)
// so they can be used as map keys and compared like real physical
// addresses without touching actual hardware.
type Allocator struct {
	mu      sync.Mutex
	next    mem.Pa_t
	free    []mem.Pa_t
	pages   map[mem.Pa_t]*[4096]byte
	Limit   int // 0 means unlimited
	allocs  int
	failNow bool
}

// NewAllocator returns an Allocator with no allocation limit.
func NewAllocator() *Allocator {
	return &Allocator{
		next:  mem.Pa_t(mem.PGSIZE), // keep 0 reserved as a sentinel "no frame"
		pages: make(map[mem.Pa_t]*[4096]byte),
	}
}

// SetLimit caps the number of live frames the allocator will hand out;
// further Alloc calls fail with ENOMEM. Used to exercise the
// rollback/retry paths.
func (a *Allocator) SetLimit(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Limit = n
}

// FailNext forces the very next Alloc call to report out-of-memory,
// regardless of Limit.
func (a *Allocator) FailNext() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNow = true
}

func (a *Allocator) Alloc(order int, zone mem.Zone) (mem.Pa_t, defs.Err_t) {
	if order != 0 {
		panic("memtest: only order 0 is supported")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNow {
		a.failNow = false
		return 0, defs.ENOMEM
	}
	if a.Limit != 0 && a.allocs >= a.Limit {
		return 0, defs.ENOMEM
	}
	var frame mem.Pa_t
	if n := len(a.free); n > 0 {
		frame = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		frame = a.next
		a.next += mem.Pa_t(mem.PGSIZE)
		a.pages[frame] = &[4096]byte{}
	}
	a.allocs++
	return frame, 0
}

func (a *Allocator) Free(frame mem.Pa_t, order int) {
	if order != 0 {
		panic("memtest: only order 0 is supported")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pages[frame]; !ok {
		panic("memtest: freeing frame never allocated")
	}
	a.allocs--
	a.free = append(a.free, frame)
}

// Bytes returns the backing page content for frame. It panics if frame
// was never allocated, matching the direct map's assumption that callers
// only ever dereference live frames.
func (a *Allocator) Bytes(frame mem.Pa_t) []byte {
	a.mu.Lock()
	pg, ok := a.pages[frame]
	a.mu.Unlock()
	if !ok {
		panic("memtest: dereferencing frame never allocated")
	}
	return pg[:]
}

// Live returns the number of frames currently allocated (not yet freed).
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}
