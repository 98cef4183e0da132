// Package refcount implements reference counts a thread can block on
// until they drain to zero.
package refcount

import (
	"errors"
	"fmt"
	"sync/atomic"

	"lwkt/kernel"
)

// Waiting is set in the counter word while a thread sleeps in Wait.
const Waiting uint32 = 0x80000000

// Count is a reference count with a WAITING flag in bit 31.
//
// The release that drops the count to zero observes the flag and wakes
// the sleepers. A waiter sets the flag only after registering on the
// sleep queue, so that wakeup cannot be lost.
type Count struct {
	v atomic.Uint32
}

// Init sets the count to n and clears the WAITING flag.
func (c *Count) Init(n uint32) { c.v.Store(n &^ Waiting) }

// Value returns the number of references.
func (c *Count) Value() uint32 { return c.v.Load() &^ Waiting }

// HasWaiters reports whether the WAITING flag is set.
func (c *Count) HasWaiters() bool { return c.v.Load()&Waiting != 0 }

func (c *Count) Acquire()          { c.v.Add(1) }
func (c *Count) AcquireN(n uint32) { c.v.Add(n) }

// Release drops one reference and reports whether it was the last.
// Waiters are not woken; use ReleaseWakeup when a thread may be in Wait.
func (c *Count) Release() bool {
	for {
		old := c.v.Load()
		n := old &^ Waiting
		if n == 0 {
			panic(&kernel.Panic{Msg: fmt.Sprintf("refcount: release of %#x underflows", old)})
		}
		if c.v.CompareAndSwap(old, old-1) {
			return n == 1
		}
	}
}

// ReleaseWakeup drops one reference. On the last one it clears the
// WAITING flag and wakes every thread in Wait. It reports whether the
// count reached zero.
func (c *Count) ReleaseWakeup(sys *kernel.System) bool {
	return c.ReleaseWakeupN(sys, 1)
}

// ReleaseWakeupN drops n references at once.
func (c *Count) ReleaseWakeupN(sys *kernel.System, n uint32) bool {
	for {
		old := c.v.Load()
		refs := old &^ Waiting
		sys.Assert(refs >= n, "refcount: release of %d from %#x underflows", n, old)
		if refs == n {
			if c.v.CompareAndSwap(old, 0) {
				if old&Waiting != 0 {
					sys.Wakeup(c)
				}
				return true
			}
			continue
		}
		if c.v.CompareAndSwap(old, old-n) {
			return false
		}
	}
}

// Wait blocks until the count is zero. wmesg names the wait in
// diagnostics. A wait lasting longer than ten seconds of ticks is logged
// and continued.
func (c *Count) Wait(sys *kernel.System, wmesg string) {
	if c.Value() == 0 {
		return
	}
	sys.Yield()
	if c.Value() == 0 {
		return
	}
	c.WaitTicks(sys, wmesg, 10*sys.Hz())
}

// WaitTicks is Wait with the long-wait period given in ticks.
func (c *Count) WaitTicks(sys *kernel.System, wmesg string, period int) {
	sys.Assert(period > 0, "refcount_wait %s: period %d", wmesg, period)
	timeout := sys.TickDuration(period)
	for {
		old := c.v.Load()
		if old&^Waiting == 0 {
			return
		}
		sl := sys.Interlock(c)
		if !c.v.CompareAndSwap(old, old|Waiting) {
			sl.Cancel()
			continue
		}
		if err := sl.Sleep(wmesg, timeout); errors.Is(err, kernel.ErrTimeout) {
			sys.Logger().WriteLineString(fmt.Sprintf("refcount_wait %s: long wait (%d refs)", wmesg, c.Value()))
		}
	}
}
