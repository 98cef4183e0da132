// Package token implements serializing tokens.
//
// A token is owned by one CPU at a time. A thread on the owning CPU takes
// it without any cross-CPU traffic; a thread elsewhere asks the owner with
// an IPI, and the owner hands the token over as soon as nobody on it holds
// the token. Every acquisition bumps a generation number, so a thread that
// let the token go can tell on reacquiring whether anyone else had it.
package token

import (
	"fmt"
	"sync/atomic"

	"lwkt/kernel"
)

const (
	cpuMask = 0xff
	heldBit = 1 << 8
)

// Token is a serializing token. The zero value is a free token owned by
// cpu0.
type Token struct {
	// word packs the owner CPU and the held bit. Only the owner CPU sets
	// the held bit or gives the token away.
	word atomic.Uint32
	// reqcpu is the CPU to pass the token to on release, plus one.
	reqcpu atomic.Int32
	gen    atomic.Uint64

	holder atomic.Pointer[kernel.Thread]
	last   atomic.Pointer[kernel.Thread]
}

type request struct {
	tok *Token
	cpu int
}

// Init resets tok to a free token owned by cpu.
func (tok *Token) Init(cpu int) {
	tok.word.Store(uint32(cpu) & cpuMask)
	tok.reqcpu.Store(0)
	tok.gen.Store(0)
	tok.holder.Store(nil)
	tok.last.Store(nil)
}

// Owner returns the CPU that currently owns the token.
func (tok *Token) Owner() int { return int(tok.word.Load() & cpuMask) }

// Held reports whether a thread holds the token.
func (tok *Token) Held() bool { return tok.word.Load()&heldBit != 0 }

// Holder returns the thread holding the token, or nil.
func (tok *Token) Holder() *kernel.Thread { return tok.holder.Load() }

// Generation returns the number of acquisitions so far.
func (tok *Token) Generation() uint64 { return tok.gen.Load() }

func (tok *Token) String() string {
	w := tok.word.Load()
	if w&heldBit != 0 {
		return fmt.Sprintf("token{cpu%d held gen=%d}", w&cpuMask, tok.gen.Load())
	}
	return fmt.Sprintf("token{cpu%d gen=%d}", w&cpuMask, tok.gen.Load())
}

// Get acquires tok for td, migrating it to td's CPU if needed, and returns
// the new generation number. It blocks while another thread holds it.
func (tok *Token) Get(td *kernel.Thread) uint64 {
	tok.acquire(td, "gettoken")
	return tok.gen.Add(1)
}

// TryGet acquires tok only if td's CPU owns it and nobody holds it.
func (tok *Token) TryGet(td *kernel.Thread) bool {
	sys := td.System()
	sys.Assert(tok.holder.Load() != td, "trytoken: %s already held by %s", tok, td)
	me := uint32(td.CPU().ID())
	if !tok.word.CompareAndSwap(me, me|heldBit) {
		return false
	}
	tok.take(td)
	tok.gen.Add(1)
	return true
}

// Release gives up td's hold on tok. A pending request from another CPU
// is granted by passing ownership to it.
func (tok *Token) Release(td *kernel.Thread) {
	sys := td.System()
	if h := tok.holder.Load(); h != td {
		sys.Panicf("reltoken: %s held by %v, not %s", tok, h, td)
	}
	tok.holder.Store(nil)
	owner := uint32(td.CPU().ID())
	if req := tok.reqcpu.Swap(0); req > 0 {
		owner = uint32(req - 1)
	}
	tok.word.Store(owner)
	sys.Wakeup(tok)
}

// Reget reacquires a token td released and returns the generation. The
// generation is unchanged when no other thread acquired tok in between.
// It returns at once if td still holds tok.
func (tok *Token) Reget(td *kernel.Thread) uint64 {
	if tok.holder.Load() == td {
		return tok.gen.Load()
	}
	if prev := tok.acquire(td, "regettoken"); prev != td {
		return tok.gen.Add(1)
	}
	return tok.gen.Load()
}

// Gen reacquires tok like Reget and reports whether the generation moved
// away from *gen, updating *gen if it did.
func (tok *Token) Gen(td *kernel.Thread, gen *uint64) bool {
	g := tok.Reget(td)
	if g == *gen {
		return false
	}
	*gen = g
	return true
}

// acquire takes the hold for td and returns the previous holder.
func (tok *Token) acquire(td *kernel.Thread, op string) *kernel.Thread {
	sys := td.System()
	sys.Assert(tok.holder.Load() != td, "%s: %s already held by %s", op, tok, td)
	cpu := td.CPU()
	me := uint32(cpu.ID())
	for {
		w := tok.word.Load()
		owner := w & cpuMask
		if owner == me {
			if w&heldBit == 0 {
				if tok.word.CompareAndSwap(w, w|heldBit) {
					return tok.take(td)
				}
				continue
			}
		} else {
			seq := cpu.SendIPIQ(int(owner), getRemote, &request{tok: tok, cpu: int(me)})
			cpu.WaitIPIQ(int(owner), seq)
			// Free elsewhere means the request raced a hand-off: ask again.
			if w = tok.word.Load(); w&cpuMask == me || w&heldBit == 0 {
				continue
			}
		}
		// Held: the release changes word and wakes tok.
		sl := sys.Interlock(tok)
		if tok.word.Load() != w {
			sl.Cancel()
			continue
		}
		_ = sl.Sleep(op, 0)
	}
}

func (tok *Token) take(td *kernel.Thread) *kernel.Thread {
	tok.holder.Store(td)
	return tok.last.Swap(td)
}

// getRemote runs on the owning CPU. A free token moves to the requester;
// a held one is promised to it on release.
func getRemote(cpu *kernel.CPU, arg any) {
	req := arg.(*request)
	tok := req.tok
	me := uint32(cpu.ID())
	for {
		w := tok.word.Load()
		if w&cpuMask != me {
			return
		}
		if w&heldBit != 0 {
			tok.reqcpu.Store(int32(req.cpu) + 1)
			return
		}
		if tok.word.CompareAndSwap(w, uint32(req.cpu)) {
			cpu.System().Wakeup(tok)
			return
		}
	}
}
