// Package vmem declares the VMem hardware-handler collaborator (spec §6):
// the MMU-layer abstraction that installs and queries virtual-to-physical
// translations for one address space. The memory-space core only ever
// talks to this interface; the x86 page-table mechanics it stands in for
// are out of scope (spec §1 Non-goals).
package vmem

import "kmemspace/mem"

// Flags are the VMem-level protection bits a mapping installs for a
// page. They are derived from a mapping's own flag set by the mapping
// engine (spec §4.D, "VMem flag derivation") and are distinct from that
// higher-level flag set.
type Flags uint

const (
	Write Flags = 1 << iota
	User
	Exec
)

// VMem is the per-address-space MMU handler. Every memory space owns
// exactly one.
type VMem interface {
	// Map installs virt -> phys with the given protection flags,
	// replacing any existing translation for virt.
	Map(phys mem.Pa_t, virt mem.Va_t, flags Flags) error
	// Unmap removes the translation for virt, if any.
	Unmap(virt mem.Va_t)
	// Translate returns the physical frame virt currently resolves to,
	// or false if virt has no translation.
	Translate(virt mem.Va_t) (mem.Pa_t, bool)
	// Flush invalidates the entire TLB for this address space.
	Flush()
	// FlushAddr invalidates the TLB entry for a single virtual address.
	// It is the narrow counterpart to Flush used on the fault path,
	// where only one page's translation changed.
	FlushAddr(virt mem.Va_t)
	// Bind makes this VMem the currently active MMU context.
	Bind()
	// Clone produces a structural copy of the page tables: every
	// existing translation is duplicated into the new VMem. It does not
	// adjust physical-frame share counts; the caller (vmspace.Space.Fork) is
	// responsible for that via the physical reference counter.
	Clone() (VMem, error)
}
