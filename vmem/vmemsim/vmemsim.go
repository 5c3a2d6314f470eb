// Package vmemsim implements vmem.VMem as an in-memory page table, the
// way gopher-os's kernel/mem/vmm tests fake the MMU layer instead of
// programming real page tables. It is the only VMem implementation this
// module ships; the real x86 page-table mechanics are out of scope
// (spec §1 Non-goals).
package vmemsim

import (
	"sync"

	"kmemspace/mem"
	"kmemspace/vmem"
)

type entry struct {
	phys  mem.Pa_t
	flags vmem.Flags
}

// Sim is a simulated VMem: a plain map from virtual to physical address
// plus the flags last installed for it.
type Sim struct {
	mu      sync.Mutex
	table   map[mem.Va_t]entry
	flushes int
	bound   bool
}

// New returns an empty simulated address space.
func New() *Sim {
	return &Sim{table: make(map[mem.Va_t]entry)}
}

func (s *Sim) Map(phys mem.Pa_t, virt mem.Va_t, flags vmem.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[virt] = entry{phys: phys, flags: flags}
	return nil
}

func (s *Sim) Unmap(virt mem.Va_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, virt)
}

func (s *Sim) Translate(virt mem.Va_t) (mem.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[virt]
	return e.phys, ok
}

// Writable reports whether virt is currently mapped with the write bit
// set. Tests use this to check invariant 6 (COW writability) directly
// against the simulated MMU state.
func (s *Sim) Writable(virt mem.Va_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table[virt].flags&vmem.Write != 0
}

func (s *Sim) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *Sim) FlushAddr(mem.Va_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

// Flushes returns the number of Flush/FlushAddr calls observed so far.
func (s *Sim) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Sim) Bind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = true
}

// Clone returns a structural copy: every current translation is
// duplicated into the new Sim. It does not touch the physical reference
// counter; vmspace.Space.Fork is responsible for that.
func (s *Sim) Clone() (vmem.VMem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := New()
	for va, e := range s.table {
		clone.table[va] = e
	}
	return clone, nil
}
