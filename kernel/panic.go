package kernel

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PanicInfo contains details about a kernel panic.
type PanicInfo struct {
	CPU    int // -1 when raised outside a CPU goroutine
	Thread string
	Value  any
	Stack  []byte
}

// Panic is the value a kernel panic unwinds with.
type Panic struct {
	Msg string
}

func (p *Panic) Error() string { return "panic: " + p.Msg }

type panicState struct {
	panicActive  atomic.Bool
	panicOnce    sync.Once
	panicHandler atomic.Value // func(PanicInfo)
}

// InPanicMode reports whether the kernel has panicked.
func (s *System) InPanicMode() bool {
	return s.panicActive.Load()
}

// SetPanicHandler installs the kernel panic handler.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func (s *System) SetPanicHandler(fn func(PanicInfo)) {
	s.panicHandler.Store(fn)
}

// Panicf panics the kernel. It does not return.
func (s *System) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.triggerPanic(PanicInfo{CPU: -1, Value: msg})
	panic(&Panic{Msg: msg})
}

// Assert panics the kernel when cond is false (KKASSERT).
func (s *System) Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	s.Panicf("assertion failed: "+format, args...)
}

func (s *System) triggerPanic(info PanicInfo) {
	s.panicOnce.Do(func() {
		s.panicActive.Store(true)
		info.Stack = debug.Stack()
		if p, ok := info.Value.(*Panic); ok {
			info.Value = p.Msg
		}
		s.log.WriteLineString(fmt.Sprintf("panic: cpu=%d thread=%q %v", info.CPU, info.Thread, info.Value))
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line == "" {
				continue
			}
			s.log.WriteLineString(line)
		}
		if v := s.panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// Watchdog bounds a spin-wait by Config.SyncTimeout.
type Watchdog struct {
	sys      *System
	deadline time.Time
	spins    uint32
}

// NewWatchdog starts a watchdog. With SyncTimeout zero it never fires.
func (s *System) NewWatchdog() Watchdog {
	if s.cfg.SyncTimeout <= 0 {
		return Watchdog{}
	}
	return Watchdog{sys: s, deadline: time.Now().Add(s.cfg.SyncTimeout)}
}

// Check panics the kernel with the formatted message once the deadline
// has passed. The clock is sampled every 64 calls.
func (w *Watchdog) Check(format string, args ...any) {
	if w.sys == nil {
		return
	}
	w.spins++
	if w.spins&63 != 0 {
		return
	}
	if time.Now().After(w.deadline) {
		w.sys.Panicf(format, args...)
	}
}
