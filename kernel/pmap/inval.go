package pmap

import (
	"sync/atomic"

	"lwkt/kernel"
	"lwkt/kernel/cpusync"
)

const (
	invalIdle = iota
	invalInterlocked
	invalPending // released, remote CPUs may still be invalidating
	invalDone
)

// invlpgMax is the largest range invalidated page by page. Larger ranges
// use a full flush.
const invlpgMax = 8

// InvalInfo tracks one invalidation sequence started from one CPU:
//
//	info.Init(mmu, self)
//	info.Interlock(pm, va)
//	... change pm's entry for va ...
//	info.Deinterlock(pm)
//	info.Done()
//
// Interlock may be repeated after Deinterlock to batch several changes;
// it first joins the previous round. After Done returns every CPU that had
// pm active has dropped its cached translation, and the InvalInfo must not
// be touched by any other CPU.
type InvalInfo struct {
	mmu   *MMU
	self  *kernel.CPU
	state int

	// read by the remote callbacks
	pm   *Pmap
	va   uintptr
	all  bool
	done atomic.Bool

	sync cpusync.Sync
	// skipped are CPUs that had pm active but were offline at Interlock.
	// They get no IPI and are flushed by the initiator on release.
	skipped kernel.CPUMask
}

// Init prepares info for a sequence initiated from self.
func (info *InvalInfo) Init(mmu *MMU, self *kernel.CPU) {
	info.mmu = mmu
	info.self = self
	info.state = invalIdle
	info.pm = nil
	info.va = 0
	info.all = false
	info.skipped = 0
	info.done.Store(false)
}

// Interlock locks pm against concurrent invalidations and holds every CPU
// that has pm active. va selects the page to invalidate; InvalAll flushes
// the whole TLB of each target.
func (info *InvalInfo) Interlock(pm *Pmap, va uintptr) {
	sys := info.mmu.sys
	sys.Assert(info.state != invalDone, "pmap_inval: interlock after done")
	sys.Assert(info.state != invalInterlocked, "pmap_inval: %s already interlocked", info.pm)
	if info.state == invalPending {
		info.sync.Wait(info.self)
		info.state = invalIdle
	}

	oactive := pm.lock(sys)
	info.pm = pm
	info.all = va == InvalAll
	if !info.all {
		info.va = Trunc(va)
	}
	info.sync.Init(sys, oactive, invalidateCPU, info)
	info.sync.Interlock(info.self)
	info.skipped = oactive.Without(info.sync.Targets()).Clear(info.self.ID())
	info.state = invalInterlocked
}

// Deinterlock releases pm and lets the held CPUs invalidate. The local
// invalidation, and that of CPUs skipped because they were offline, is
// done before it returns; the remote ones are joined by the next
// Interlock or by Done.
func (info *InvalInfo) Deinterlock(pm *Pmap) {
	sys := info.mmu.sys
	sys.Assert(info.state == invalInterlocked, "pmap_inval: deinterlock without interlock")
	sys.Assert(pm == info.pm, "pmap_inval: deinterlock of %s, interlocked %s", pm, info.pm)
	info.skipped.ForEach(func(id int) {
		invalidateCPU(sys.CPU(id), info)
	})
	pm.unlock()
	info.sync.Deinterlock(info.self)
	info.state = invalPending
}

// Done waits until every target CPU has invalidated.
func (info *InvalInfo) Done() {
	sys := info.mmu.sys
	sys.Assert(info.state != invalInterlocked, "pmap_inval: done while %s interlocked", info.pm)
	sys.Assert(info.state != invalDone, "pmap_inval: done twice")
	if info.state == invalPending {
		info.sync.Wait(info.self)
	}
	info.state = invalDone
	info.done.Store(true)
}

// Targets returns the CPUs invalidated by IPI in the current round.
func (info *InvalInfo) Targets() kernel.CPUMask { return info.sync.Targets() }

// Skipped returns the offline CPUs of the current round. The initiator
// invalidates them itself in Deinterlock.
func (info *InvalInfo) Skipped() kernel.CPUMask { return info.skipped }

func invalidateCPU(cpu *kernel.CPU, arg any) {
	info := arg.(*InvalInfo)
	info.mmu.sys.Assert(!info.done.Load(), "pmap_inval: %s invalidating after done", cpu)
	if info.all {
		info.mmu.invltlb(cpu)
		return
	}
	info.mmu.invlpg(cpu, info.pm, info.va)
}

// Update replaces the mapping of va in pm, initiated from self, and
// returns the previous entry. An invalid pte unmaps the page.
func (mmu *MMU) Update(self *kernel.CPU, pm *Pmap, va uintptr, pte PTE) PTE {
	var info InvalInfo
	info.Init(mmu, self)
	info.Interlock(pm, va)
	old := pm.Store(va, pte)
	info.Deinterlock(pm)
	info.Done()
	return old
}

// Unmap removes the mapping of va and returns it.
func (mmu *MMU) Unmap(self *kernel.CPU, pm *Pmap, va uintptr) PTE {
	return mmu.Update(self, pm, va, 0)
}

// Protect clears bits in every mapping in [start, end) and returns the
// number of pages changed. Small ranges are invalidated page by page in
// one batched sequence, larger ones with a full flush.
func (mmu *MMU) Protect(self *kernel.CPU, pm *Pmap, start, end uintptr, bits PTE) int {
	if end <= start {
		return 0
	}
	var info InvalInfo
	info.Init(mmu, self)
	defer info.Done()

	if (end-Trunc(start))/PageSize > invlpgMax {
		info.Interlock(pm, InvalAll)
		n := len(pm.clearRange(start, end, bits))
		info.Deinterlock(pm)
		return n
	}
	n := 0
	for va := Trunc(start); va < end; va += PageSize {
		info.Interlock(pm, va)
		n += len(pm.clearRange(va, va+PageSize, bits))
		info.Deinterlock(pm)
	}
	return n
}

// FlushAll flushes the TLB of every CPU that has pm active.
func (mmu *MMU) FlushAll(self *kernel.CPU, pm *Pmap) {
	var info InvalInfo
	info.Init(mmu, self)
	info.Interlock(pm, InvalAll)
	info.Deinterlock(pm)
	info.Done()
}
