// Package stacktest provides a Switcher double that records invocations,
// for tests that need to assert the mapping engine actually isolates its
// remap through the stack switcher rather than running inline.
package stacktest

import "sync/atomic"

// Counter is a stack.Switcher that counts calls and then runs fn
// directly, mirroring stack.Trampoline's behavior.
type Counter struct {
	calls atomic.Int64
}

// Switch records the call and invokes fn.
func (c *Counter) Switch(fn func()) {
	c.calls.Add(1)
	fn()
}

// Calls returns the number of times Switch has been invoked.
func (c *Counter) Calls() int64 { return c.calls.Load() }
