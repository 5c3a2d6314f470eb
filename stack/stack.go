// Package stack models the temporary kernel stack switcher collaborator
// (spec §6): a way to run a closure on an isolated stack so the caller's
// own stack pages can be safely remapped underneath it.
//
// On real x86 this swaps %esp to a throwaway stack, invokes the closure,
// and never returns to the old stack frame; it is pure architecture
// assembly and out of scope here. This package models the effect the
// mapping engine actually depends on — isolation during a remap, not the
// mechanics of the switch — so Switcher implementations are free to just
// call the closure directly, as Trampoline does.
package stack

// Switcher runs fn in isolation from the caller's current stack.
type Switcher interface {
	Switch(fn func())
}

// Trampoline is the default Switcher. There is no separate kernel stack
// to swap to outside a real x86 build, so it invokes fn in place; callers
// that need to observe ordering use a test double instead.
type Trampoline struct{}

// Switch invokes fn directly.
func (Trampoline) Switch(fn func()) { fn() }
