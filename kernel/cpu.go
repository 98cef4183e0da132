package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	xcpu "golang.org/x/sys/cpu"
)

// CPU is the per-CPU context (globaldata).
//
// Each CPU runs one goroutine that plays the role of the CPU's interrupt
// context: it drains the IPI queues addressed to it. Threads bound to the
// CPU run on their own goroutines.
type CPU struct {
	_ xcpu.CacheLinePad

	id  int
	sys *System

	// ipiq[d] is the FIFO from this CPU to CPU d. This CPU is the only
	// producer side, d is the only consumer.
	ipiq []ipiq

	notify chan struct{}

	// deferred holds IPI functions re-queued by a handler on this CPU.
	// Only the CPU goroutine touches it.
	deferred []ipiEntry

	ipiqCount    atomic.Uint64
	ipiqFifoFull atomic.Uint64
	ipiqRun      atomic.Uint64

	_ xcpu.CacheLinePad
}

func newCPU(s *System, id, ncpu, depth int) *CPU {
	c := &CPU{
		id:     id,
		sys:    s,
		ipiq:   make([]ipiq, ncpu),
		notify: make(chan struct{}, 1),
	}
	for i := range c.ipiq {
		c.ipiq[i].slots = make([]ipiEntry, depth)
	}
	return c
}

// ID returns the CPU id.
func (c *CPU) ID() int { return c.id }

// System returns the owning kernel.
func (c *CPU) System() *System { return c.sys }

// Mask returns the single-bit mask of this CPU.
func (c *CPU) Mask() CPUMask { return MaskOf(c.id) }

// Online reports whether the CPU is in the active mask.
func (c *CPU) Online() bool { return c.sys.ActiveMask().Has(c.id) }

// IPIStats is a snapshot of a CPU's IPI counters.
type IPIStats struct {
	Sent     uint64 // IPIs sent from this CPU
	FifoFull uint64 // sends that found the FIFO more than half full
	Run      uint64 // IPI functions executed on this CPU
}

// IPIStats returns the CPU's IPI counters.
func (c *CPU) IPIStats() IPIStats {
	return IPIStats{
		Sent:     c.ipiqCount.Load(),
		FifoFull: c.ipiqFifoFull.Load(),
		Run:      c.ipiqRun.Load(),
	}
}

// signal raises the IPI on this CPU. Redundant signals collapse.
func (c *CPU) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *CPU) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.sys.triggerPanic(PanicInfo{CPU: c.id, Value: r})
			panic(r)
		}
	}()

	for {
		if len(c.deferred) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.notify:
			}
		} else {
			if ctx.Err() != nil {
				return nil
			}
			runtime.Gosched()
		}
		c.processIPIQ()
	}
}

// Requeue schedules fn to run again on this CPU after the IPIs currently
// pending. It may only be called from an IPI function running on c.
func (c *CPU) Requeue(fn IPIFunc, arg any) {
	c.deferred = append(c.deferred, ipiEntry{fn: fn, arg: arg})
}

func (c *CPU) String() string { return fmt.Sprintf("cpu%d", c.id) }
