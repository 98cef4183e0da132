package kernel

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssertRunsHandlerOnce(t *testing.T) {
	s := bootTest(t, Config{NCPU: 1})

	var calls atomic.Int32
	var last atomic.Value
	s.SetPanicHandler(func(info PanicInfo) {
		calls.Add(1)
		last.Store(info)
	})

	p := mustPanic(t, func() { s.Assert(false, "port %d", 7) })
	if !strings.Contains(p.Msg, "port 7") {
		t.Fatalf("panic message = %q, want it to mention port 7", p.Msg)
	}
	mustPanic(t, func() { s.Panicf("second") })

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if !s.InPanicMode() {
		t.Fatal("InPanicMode() = false after panic")
	}
	info := last.Load().(PanicInfo)
	if info.CPU != -1 || len(info.Stack) == 0 {
		t.Fatalf("PanicInfo = {CPU:%d Stack:%d bytes}, want CPU -1 and a stack", info.CPU, len(info.Stack))
	}
}

func TestAssertTrueDoesNothing(t *testing.T) {
	s := bootTest(t, Config{NCPU: 1})
	s.Assert(true, "unused")
	if s.InPanicMode() {
		t.Fatal("InPanicMode() = true after passing assert")
	}
}

func TestWatchdogFires(t *testing.T) {
	s := bootTest(t, Config{NCPU: 1, SyncTimeout: 5 * time.Millisecond})

	p := mustPanic(t, func() {
		wd := s.NewWatchdog()
		for {
			wd.Check("stuck cpu%d", 3)
			time.Sleep(10 * time.Microsecond)
		}
	})
	if p.Msg != "stuck cpu3" {
		t.Fatalf("panic message = %q, want %q", p.Msg, "stuck cpu3")
	}
}

func TestWatchdogDisabled(t *testing.T) {
	s := bootTest(t, Config{NCPU: 1})

	wd := s.NewWatchdog()
	for i := 0; i < 10_000; i++ {
		wd.Check("never")
	}
}
