package pmap

import (
	"runtime"
	"sync"

	xcpu "golang.org/x/sys/cpu"

	"lwkt/kernel"
)

type tlbKey struct {
	pm *Pmap
	va uintptr
}

// tlb is one CPU's translation cache.
type tlb struct {
	_ xcpu.CacheLinePad

	mu      sync.Mutex
	entries map[tlbKey]PTE

	invlpg  uint64
	invltlb uint64
	fills   uint64
	hits    uint64

	_ xcpu.CacheLinePad
}

// TLBStats is a snapshot of one CPU's TLB counters.
type TLBStats struct {
	Entries int
	Invlpg  uint64 // single-page invalidations
	Invltlb uint64 // full flushes
	Fills   uint64 // misses filled from a page table
	Hits    uint64
}

// MMU holds the TLBs of every CPU of a kernel.
type MMU struct {
	sys  *kernel.System
	tlbs []tlb
}

// NewMMU creates one empty TLB per CPU of sys.
func NewMMU(sys *kernel.System) *MMU {
	mmu := &MMU{sys: sys, tlbs: make([]tlb, sys.NCPU())}
	for i := range mmu.tlbs {
		mmu.tlbs[i].entries = make(map[tlbKey]PTE)
	}
	return mmu
}

// System returns the kernel the MMU belongs to.
func (mmu *MMU) System() *kernel.System { return mmu.sys }

// Activate loads pm on cpu. It waits while an invalidation is interlocked
// on pm, so a CPU joining the active set cannot miss one in progress.
func (mmu *MMU) Activate(cpu *kernel.CPU, pm *Pmap) {
	bit := uint64(cpu.Mask())
	wd := mmu.sys.NewWatchdog()
	for {
		old := pm.active.Load()
		if old&lockBit == 0 && pm.active.CompareAndSwap(old, old|bit) {
			return
		}
		wd.Check("pmap_activate: %s interlock held too long", pm.name)
		runtime.Gosched()
	}
}

// Deactivate unloads pm from cpu and drops the CPU's cached translations
// for it.
func (mmu *MMU) Deactivate(cpu *kernel.CPU, pm *Pmap) {
	bit := uint64(cpu.Mask())
	for {
		old := pm.active.Load()
		if pm.active.CompareAndSwap(old, old&^bit) {
			break
		}
	}
	t := &mmu.tlbs[cpu.ID()]
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.pm == pm {
			delete(t.entries, k)
		}
	}
}

// Translate resolves va through cpu's TLB, filling it from pm on a miss.
// pm must be active on cpu.
func (mmu *MMU) Translate(cpu *kernel.CPU, pm *Pmap, va uintptr) (PTE, bool) {
	mmu.sys.Assert(pm.Active().Has(cpu.ID()), "translate: %s not active on %s", pm, cpu)
	key := tlbKey{pm: pm, va: Trunc(va)}
	t := &mmu.tlbs[cpu.ID()]

	// The page table is read with the TLB locked so that a fill cannot
	// slip in behind an invalidation of the same CPU.
	t.mu.Lock()
	defer t.mu.Unlock()
	if pte, ok := t.entries[key]; ok {
		t.hits++
		return pte, true
	}
	pte, ok := pm.Lookup(key.va)
	if !ok || !pte.Valid() {
		return 0, false
	}
	t.entries[key] = pte
	t.fills++
	return pte, true
}

// Cached returns the translation cpu's TLB holds for va, if any, without
// filling.
func (mmu *MMU) Cached(cpu *kernel.CPU, pm *Pmap, va uintptr) (PTE, bool) {
	t := &mmu.tlbs[cpu.ID()]
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[tlbKey{pm: pm, va: Trunc(va)}]
	return pte, ok
}

// Stats returns cpu's TLB counters.
func (mmu *MMU) Stats(cpu *kernel.CPU) TLBStats {
	t := &mmu.tlbs[cpu.ID()]
	t.mu.Lock()
	defer t.mu.Unlock()
	return TLBStats{
		Entries: len(t.entries),
		Invlpg:  t.invlpg,
		Invltlb: t.invltlb,
		Fills:   t.fills,
		Hits:    t.hits,
	}
}

func (mmu *MMU) invlpg(cpu *kernel.CPU, pm *Pmap, va uintptr) {
	t := &mmu.tlbs[cpu.ID()]
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tlbKey{pm: pm, va: va})
	t.invlpg++
}

func (mmu *MMU) invltlb(cpu *kernel.CPU) {
	t := &mmu.tlbs[cpu.ID()]
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
	t.invltlb++
}
