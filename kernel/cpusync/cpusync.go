// Package cpusync implements the cross-CPU synchronization barrier.
//
// An initiator interlocks a set of CPUs: each target acknowledges an IPI
// and then holds in its IPI context. While they hold, the initiator
// changes shared state that the targets cache. Deinterlock releases
// them; every target runs the barrier function once and acknowledges
// again, and Wait joins on those acknowledgements.
package cpusync

import (
	"runtime"
	"sync/atomic"

	"lwkt/kernel"
)

// Func is run once on every target CPU after the barrier is released.
type Func func(cpu *kernel.CPU, arg any)

const (
	stateIdle uint32 = iota
	stateInterlocked
	stateReleased
)

// Sync is one barrier. It may be reused with Init once Wait has returned.
type Sync struct {
	sys  *kernel.System
	mask kernel.CPUMask
	fn   Func
	arg  any

	self   *kernel.CPU
	remote kernel.CPUMask // targets other than self, fixed at Interlock
	mack   atomic.Uint64
	state  atomic.Uint32
}

// New returns a barrier over mask that runs fn(arg) on each target.
func New(sys *kernel.System, mask kernel.CPUMask, fn Func, arg any) *Sync {
	cs := &Sync{}
	cs.Init(sys, mask, fn, arg)
	return cs
}

// Init prepares cs for a new round.
func (cs *Sync) Init(sys *kernel.System, mask kernel.CPUMask, fn Func, arg any) {
	if cs.sys != nil {
		cs.sys.Assert(cs.state.Load() == stateIdle, "cpusync: init of a busy barrier")
	}
	cs.sys = sys
	cs.mask = mask
	cs.fn = fn
	cs.arg = arg
	cs.self = nil
	cs.remote = 0
	cs.mack.Store(0)
}

// Mask returns the CPUs the barrier was initialized with.
func (cs *Sync) Mask() kernel.CPUMask { return cs.mask }

// Targets returns the CPUs that run the barrier function: the online
// remote CPUs of the mask, plus the initiator if it is in the mask.
func (cs *Sync) Targets() kernel.CPUMask {
	t := cs.remote
	if cs.self != nil && cs.mask.Has(cs.self.ID()) {
		t = t.Set(cs.self.ID())
	}
	return t
}

// Pending returns the remote CPUs that have not yet acknowledged the
// current phase.
func (cs *Sync) Pending() kernel.CPUMask {
	return cs.remote.Without(kernel.CPUMask(cs.mack.Load()))
}

// Interlock sends the barrier to every online CPU in the mask other than
// self and waits until all of them have acknowledged and are holding.
// Offline CPUs are skipped.
func (cs *Sync) Interlock(self *kernel.CPU) {
	sys := cs.sys
	sys.Assert(cs.state.CompareAndSwap(stateIdle, stateInterlocked), "cpusync: interlock of a busy barrier")
	cs.self = self
	cs.remote = cs.mask & sys.ActiveMask() &^ self.Mask()
	cs.mack.Store(0)
	if cs.remote.Empty() {
		return
	}
	sys.SendIPIQMask(self, cs.remote, remote1, cs)
	cs.spin("interlock")
}

// Deinterlock releases the held CPUs. If self is in the mask the barrier
// function runs here before Deinterlock returns. It does not wait for the
// remote CPUs.
func (cs *Sync) Deinterlock(self *kernel.CPU) {
	sys := cs.sys
	sys.Assert(cs.self == self, "cpusync: deinterlock from %s, interlocked from %s", self, cs.self)
	sys.Assert(cs.state.CompareAndSwap(stateInterlocked, stateReleased), "cpusync: deinterlock without interlock")
	cs.mack.Store(0)
	if cs.mask.Has(self.ID()) && cs.fn != nil {
		cs.fn(self, cs.arg)
	}
}

// Wait blocks until every remote target has run the barrier function.
func (cs *Sync) Wait(self *kernel.CPU) {
	sys := cs.sys
	sys.Assert(cs.self == self, "cpusync: wait from %s, interlocked from %s", self, cs.self)
	sys.Assert(cs.state.Load() == stateReleased, "cpusync: wait without deinterlock")
	cs.spin("wait")
	cs.state.Store(stateIdle)
}

// Run executes a full round: Interlock, Deinterlock and Wait.
func (cs *Sync) Run(self *kernel.CPU) {
	cs.Interlock(self)
	cs.Deinterlock(self)
	cs.Wait(self)
}

// RunMask runs fn(arg) once on every online CPU in mask, initiated from self.
func RunMask(self *kernel.CPU, mask kernel.CPUMask, fn Func, arg any) {
	var cs Sync
	cs.Init(self.System(), mask, fn, arg)
	cs.Run(self)
}

func (cs *Sync) spin(phase string) {
	wd := cs.sys.NewWatchdog()
	for kernel.CPUMask(cs.mack.Load()) != cs.remote {
		wd.Check("cpusync %s: cpus %s not responding", phase, cs.Pending())
		runtime.Gosched()
	}
}

func (cs *Sync) ack(cpu *kernel.CPU) {
	bit := uint64(cpu.Mask())
	for {
		old := cs.mack.Load()
		if cs.mack.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// remote1 is the first IPI on a target: acknowledge, then hold.
func remote1(cpu *kernel.CPU, arg any) {
	cs := arg.(*Sync)
	cs.ack(cpu)
	remote2(cpu, arg)
}

// remote2 holds while the target's acknowledgement bit is still set. The
// initiator clears it on release; the target then runs the function and
// acknowledges again. cs must not be touched after the final ack.
func remote2(cpu *kernel.CPU, arg any) {
	cs := arg.(*Sync)
	if kernel.CPUMask(cs.mack.Load()).Has(cpu.ID()) {
		cpu.Requeue(remote2, arg)
		return
	}
	if cs.fn != nil {
		cs.fn(cpu, cs.arg)
	}
	cs.ack(cpu)
}
