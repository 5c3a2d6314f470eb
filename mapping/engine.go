package mapping

import (
	"kmemspace/defs"
	"kmemspace/mem"
	"kmemspace/vmem"
)

// flagsFor derives the VMem protection bits for a page given whether it
// currently holds an allocated (non-default) frame and whether that
// frame is presently copy-on-write. The write bit is granted only when
// the mapping wants it, a real frame backs the page, and that frame
// isn't shared — exactly the condition spec §4.D's vmem_flags names.
func (m *Mapping) flagsFor(allocated, cow bool) vmem.Flags {
	var f vmem.Flags
	if m.Flags&USER != 0 {
		f |= vmem.User
	}
	if m.Flags&WRITE != 0 && allocated && !cow {
		f |= vmem.Write
	}
	if m.Flags&EXEC != 0 {
		f |= vmem.Exec
	}
	return f
}

// IsCow reports whether the page at the given page offset is presently
// shared and would need a copy-on-write fault before it could be
// written — false for pages still on the default page, for pages with
// an exclusive frame, and for any page of a SHARED mapping.
func (m *Mapping) IsCow(d Deps, offset int) bool {
	defaultPg, err := mem.DefaultPage(d.Alloc)
	if err != 0 {
		return false
	}
	phys, ok := d.VM.Translate(m.Begin.Add(offset))
	if !ok || phys == defaultPg {
		return false
	}
	return d.Refcnt.IsShared(phys) && m.Flags&SHARED == 0
}

// VmemFlags is the public form of vmem_flags: the protection bits that
// should be installed for the page at offset, given whether it is
// currently backed by an allocated frame.
func (m *Mapping) VmemFlags(d Deps, allocated bool, offset int) vmem.Flags {
	return m.flagsFor(allocated, m.IsCow(d, offset))
}

// installed records one page this mapping has wired into the VMem, so
// MapDefault can unwind a partial failure.
type installed struct {
	virt  mem.Va_t
	frame mem.Pa_t
	owned bool
}

// MapDefault installs the mapping's initial translations (spec §4.D
// map_default): NOLAZY pages get a freshly allocated, zeroed, exclusive
// frame immediately; all other pages are pointed at the process-wide
// default page, read-only, to be faulted in on first access. On any
// allocation or VMem failure every page installed so far by this call
// is rolled back.
func (m *Mapping) MapDefault(d Deps) defs.Err_t {
	defaultPg, derr := mem.DefaultPage(d.Alloc)
	if derr != 0 {
		return derr
	}
	nolazy := m.Flags&NOLAZY != 0

	var done []installed
	rollback := func() {
		for _, in := range done {
			d.VM.Unmap(in.virt)
			if in.owned {
				if d.Refcnt.Decrement(in.frame) {
					d.Alloc.Free(in.frame, 0)
				}
			}
		}
	}

	for i := 0; i < m.Size; i++ {
		virt := m.Begin.Add(i)
		frame := defaultPg
		owned := false
		if nolazy {
			f, aerr := d.Alloc.Alloc(0, mem.ZoneUser)
			if aerr != 0 {
				rollback()
				return aerr
			}
			clear(d.Alloc.Bytes(f))
			frame, owned = f, true
		}

		flags := m.VmemFlags(d, nolazy, i)
		if err := d.VM.Map(frame, virt, flags); err != nil {
			if owned {
				d.Alloc.Free(frame, 0)
			}
			rollback()
			return defs.ENOMEM
		}
		if owned {
			d.Refcnt.Increment(frame)
		}
		done = append(done, installed{virt: virt, frame: frame, owned: owned})
	}

	d.VM.Flush()
	return 0
}

// FaultIn resolves a page fault at the given page offset (spec §4.D
// fault_in): a page still on the default page is given a fresh zeroed
// frame; a page whose current frame is shared (copy-on-write) is given
// a fresh frame preloaded with a copy of the old content, taken while
// the old frame is still mapped. The new frame's reference count is
// incremented before the old frame's is decremented, so a concurrent
// fault on a sibling mapping can never observe the frame's count drop
// to zero while it is still live. A fault on a page that is already
// exclusively owned, or on an already-backed page of a SHARED mapping,
// is a no-op.
func (m *Mapping) FaultIn(d Deps, offset int) defs.Err_t {
	virt := m.Begin.Add(offset)
	defaultPg, derr := mem.DefaultPage(d.Alloc)
	if derr != 0 {
		return derr
	}

	curPhys, mapped := d.VM.Translate(virt)
	hasPhys := mapped && curPhys != defaultPg
	isCow := hasPhys && d.Refcnt.IsShared(curPhys) && m.Flags&SHARED == 0

	if hasPhys && !isCow {
		return 0
	}

	var cowBuf []byte
	if isCow {
		cowBuf = append([]byte(nil), d.Alloc.Bytes(curPhys)...)
	}

	newFrame, aerr := d.Alloc.Alloc(0, mem.ZoneUser)
	if aerr != 0 {
		return aerr
	}

	flags := m.flagsFor(true, false)
	if err := d.VM.Map(newFrame, virt, flags); err != nil {
		d.Alloc.Free(newFrame, 0)
		return defs.ENOMEM
	}
	d.Refcnt.Increment(newFrame)

	d.Stack.Switch(func() {
		dst := d.Alloc.Bytes(newFrame)
		if isCow {
			copy(dst, cowBuf)
		} else {
			clear(dst)
		}
	})

	if isCow {
		if d.Refcnt.Decrement(curPhys) {
			d.Alloc.Free(curPhys, 0)
		}
	}

	d.VM.FlushAddr(virt)
	return 0
}

// UpdateVmem recomputes and reinstalls the protection bits for the page
// at offset against its current translation, without changing which
// frame it points at. Fork calls this on both sibling mappings for
// every already-resident page once reference counts reflect the new
// sharing, which is what clears the write bit on pages that just became
// copy-on-write (and leaves it alone on SHARED mappings, since IsCow is
// always false for those). A page not yet translated is left alone;
// it will get its flags from FaultIn or MapDefault instead.
func (m *Mapping) UpdateVmem(d Deps, offset int) defs.Err_t {
	virt := m.Begin.Add(offset)
	phys, ok := d.VM.Translate(virt)
	if !ok {
		return 0
	}
	defaultPg, err := mem.DefaultPage(d.Alloc)
	if err != 0 {
		return err
	}
	allocated := phys != defaultPg
	flags := m.VmemFlags(d, allocated, offset)
	if verr := d.VM.Map(phys, virt, flags); verr != nil {
		return defs.ENOMEM
	}
	d.VM.FlushAddr(virt)
	return 0
}

// Unmap tears down every page of the mapping: pages backed by an
// allocated frame are unmapped and have their reference count
// decremented (freeing the frame if it drops to zero); pages still on
// the default page are simply unmapped. The TLB is flushed once at the
// end, covering the whole range.
func (m *Mapping) Unmap(d Deps) {
	defaultPg, err := mem.DefaultPage(d.Alloc)
	if err != 0 {
		panic("mapping: unmap cannot resolve default page: " + err.String())
	}
	for i := 0; i < m.Size; i++ {
		virt := m.Begin.Add(i)
		phys, ok := d.VM.Translate(virt)
		d.VM.Unmap(virt)
		if ok && phys != defaultPg {
			if d.Refcnt.Decrement(phys) {
				d.Alloc.Free(phys, 0)
			}
		}
	}
	d.VM.Flush()
}

// Fork inserts a twin of m into the sibling memory space's mapping
// registry and bumps the reference count of every page currently backed
// by an allocated frame, marking those frames shared (spec §4.D fork).
// It assumes the sibling's VMem has already had m's existing
// translations structurally cloned into it (spec §4.E fork clones the
// whole address space's VMem once, up front) — this call only accounts
// for the sharing and creates the registry entry. The caller is
// responsible for calling UpdateVmem(offset) on both the original and
// the twin for every resident page afterward, to install the
// now-possibly-copy-on-write protection bits.
func (m *Mapping) Fork(d Deps, into *Registry) (*Mapping, defs.Err_t) {
	defaultPg, err := mem.DefaultPage(d.Alloc)
	if err != 0 {
		return nil, err
	}
	twin := into.Insert(Mapping{Begin: m.Begin, Size: m.Size, Flags: m.Flags})

	for i := 0; i < m.Size; i++ {
		virt := m.Begin.Add(i)
		if phys, ok := d.VM.Translate(virt); ok && phys != defaultPg {
			d.Refcnt.Increment(phys)
		}
	}
	return twin, 0
}
