// Package pmap models per-address-space page tables, per-CPU TLBs and
// the interlocked invalidation protocol that keeps them coherent.
package pmap

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"lwkt/kernel"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// InvalAll passed as a virtual address requests a full TLB flush.
	InvalAll = ^uintptr(0)

	// lockBit is packed into pm_active next to the CPU bits.
	lockBit = uint64(1) << 63
)

// ErrMapped is returned by Enter when the page already has a valid mapping.
var ErrMapped = errors.New("pmap: page already mapped")

// PTE is a page table entry: the physical frame number above PageShift
// and flag bits below.
type PTE uint64

const (
	PTEValid PTE = 1 << iota
	PTEWrite
	PTEUser

	pteFlags = PageSize - 1
)

// MakePTE builds an entry for frame with the given flags.
func MakePTE(frame uint64, flags PTE) PTE {
	return PTE(frame<<PageShift) | flags&pteFlags
}

func (p PTE) Frame() uint64 { return uint64(p) >> PageShift }
func (p PTE) Valid() bool   { return p&PTEValid != 0 }

func (p PTE) String() string {
	if !p.Valid() {
		return "pte(invalid)"
	}
	mode := "r"
	if p&PTEWrite != 0 {
		mode += "w"
	}
	if p&PTEUser != 0 {
		mode += "u"
	}
	return fmt.Sprintf("pte(%#x %s)", p.Frame(), mode)
}

// Trunc rounds va down to its page.
func Trunc(va uintptr) uintptr { return va &^ (PageSize - 1) }

// Pmap is one address space.
type Pmap struct {
	name string

	// active holds the CPUs the pmap is loaded on, plus lockBit while an
	// invalidation is interlocked on it.
	active atomic.Uint64

	mu   sync.RWMutex
	ptes map[uintptr]PTE
}

// New returns an empty address space.
func New(name string) *Pmap {
	return &Pmap{name: name, ptes: make(map[uintptr]PTE)}
}

func (pm *Pmap) Name() string   { return pm.name }
func (pm *Pmap) String() string { return "pmap " + pm.name }

// Active returns the CPUs the pmap is loaded on.
func (pm *Pmap) Active() kernel.CPUMask {
	return kernel.CPUMask(pm.active.Load() &^ lockBit)
}

// Locked reports whether an invalidation is interlocked on the pmap.
func (pm *Pmap) Locked() bool { return pm.active.Load()&lockBit != 0 }

// Lookup returns the entry for the page containing va.
func (pm *Pmap) Lookup(va uintptr) (PTE, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pte, ok := pm.ptes[Trunc(va)]
	return pte, ok
}

// Len returns the number of mapped pages.
func (pm *Pmap) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.ptes)
}

// Enter installs a mapping for a page that has none. No TLB can hold a
// translation for an unmapped page, so no invalidation is needed; use
// MMU.Update to change an existing mapping.
func (pm *Pmap) Enter(va uintptr, pte PTE) error {
	va = Trunc(va)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if old, ok := pm.ptes[va]; ok && old.Valid() {
		return fmt.Errorf("enter %s va %#x: %w", pm.name, va, ErrMapped)
	}
	if pte.Valid() {
		pm.ptes[va] = pte
	}
	return nil
}

// Store replaces the entry for va and returns the previous one. An invalid
// pte removes the mapping. The caller must hold an InvalInfo interlock on
// pm for va, or cached translations of the old entry survive.
func (pm *Pmap) Store(va uintptr, pte PTE) PTE {
	va = Trunc(va)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	old := pm.ptes[va]
	if pte.Valid() {
		pm.ptes[va] = pte
	} else {
		delete(pm.ptes, va)
	}
	return old
}

// clearRange clears bits in every valid entry in [start, end) and returns
// the pages that changed.
func (pm *Pmap) clearRange(start, end uintptr, bits PTE) []uintptr {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var changed []uintptr
	for va := Trunc(start); va < end; va += PageSize {
		old, ok := pm.ptes[va]
		if !ok || old&bits == 0 {
			continue
		}
		nv := old &^ bits
		if nv.Valid() {
			pm.ptes[va] = nv
		} else {
			delete(pm.ptes, va)
		}
		changed = append(changed, va)
	}
	return changed
}

// lock sets the interlock bit, waiting out any holder, and returns the
// active mask at the moment it was taken.
func (pm *Pmap) lock(sys *kernel.System) kernel.CPUMask {
	wd := sys.NewWatchdog()
	for {
		old := pm.active.Load()
		if old&lockBit == 0 && pm.active.CompareAndSwap(old, old|lockBit) {
			return kernel.CPUMask(old)
		}
		wd.Check("pmap_inval: %s interlock held too long", pm.name)
		runtime.Gosched()
	}
}

func (pm *Pmap) unlock() {
	for {
		old := pm.active.Load()
		if pm.active.CompareAndSwap(old, old&^lockBit) {
			return
		}
	}
}
