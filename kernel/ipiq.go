package kernel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// IPIFunc is a function executed on a remote CPU. It runs on the target
// CPU's goroutine and must not block.
type IPIFunc func(cpu *CPU, arg any)

type ipiEntry struct {
	fn  IPIFunc
	arg any
}

// ipiq is a fixed-size FIFO of IPI functions from one CPU to another.
//
// windex is advanced by the producer after the slot is written; rindex is
// advanced by the consumer after the function has returned, so a waiter
// that observes rindex >= seq knows entry seq has completed.
type ipiq struct {
	mu     sync.Mutex // serializes threads sending from the same CPU
	windex atomic.Uint64
	rindex atomic.Uint64
	slots  []ipiEntry
	warned bool // guarded by mu
}

// SendIPIQ queues fn for execution on CPU dcpu and raises the IPI.
//
// It returns the sequence number of the queued entry for WaitIPIQ. When
// the FIFO is more than half full the sender waits for the target to drain
// it first.
func (c *CPU) SendIPIQ(dcpu int, fn IPIFunc, arg any) uint64 {
	s := c.sys
	s.Assert(dcpu >= 0 && dcpu < len(s.cpus), "send_ipiq: cpu %d out of range", dcpu)
	s.Assert(fn != nil, "send_ipiq: nil function")

	dst := s.cpus[dcpu]
	ip := &c.ipiq[dcpu]
	depth := uint64(len(ip.slots))

	ip.mu.Lock()
	defer ip.mu.Unlock()

	c.ipiqCount.Add(1)
	if ip.windex.Load()-ip.rindex.Load() > depth/2 {
		c.ipiqFifoFull.Add(1)
		if !ip.warned {
			ip.warned = true
			s.log.WriteLineString(fmt.Sprintf("cpu%d: ipiq fifo full to cpu%d", c.id, dcpu))
		}
		wd := s.NewWatchdog()
		for ip.windex.Load()-ip.rindex.Load() > depth/2 {
			dst.signal()
			wd.Check("send_ipiq: cpu%d -> cpu%d not draining", c.id, dcpu)
			runtime.Gosched()
		}
	} else {
		ip.warned = false
	}

	wi := ip.windex.Load()
	ip.slots[wi&(depth-1)] = ipiEntry{fn: fn, arg: arg}
	ip.windex.Store(wi + 1)
	dst.signal()
	return wi + 1
}

// WaitIPIQ waits until CPU dcpu has executed the entry numbered seq.
func (c *CPU) WaitIPIQ(dcpu int, seq uint64) {
	s := c.sys
	s.Assert(dcpu >= 0 && dcpu < len(s.cpus), "wait_ipiq: cpu %d out of range", dcpu)

	ip := &c.ipiq[dcpu]
	if ip.rindex.Load() >= seq {
		return
	}
	wd := s.NewWatchdog()
	for ip.rindex.Load() < seq {
		wd.Check("wait_ipiq: cpu%d -> cpu%d seq %d not acknowledged", c.id, dcpu, seq)
		runtime.Gosched()
	}
}

// SendIPIQMask queues fn on every CPU in mask, sourced from src.
func (s *System) SendIPIQMask(src *CPU, mask CPUMask, fn IPIFunc, arg any) {
	mask.ForEach(func(id int) {
		src.SendIPIQ(id, fn, arg)
	})
}

// processIPIQ runs every pending IPI addressed to c, then one pass over
// the deferred list. Only the CPU goroutine calls it.
func (c *CPU) processIPIQ() {
	for _, src := range c.sys.cpus {
		ip := &src.ipiq[c.id]
		mask := uint64(len(ip.slots) - 1)
		for {
			ri := ip.rindex.Load()
			if ri == ip.windex.Load() {
				break
			}
			e := ip.slots[ri&mask]
			ip.slots[ri&mask] = ipiEntry{}
			e.fn(c, e.arg)
			c.ipiqRun.Add(1)
			ip.rindex.Store(ri + 1)
		}
	}

	if len(c.deferred) == 0 {
		return
	}
	pending := c.deferred
	c.deferred = nil
	for _, e := range pending {
		e.fn(c, e.arg)
	}
}
