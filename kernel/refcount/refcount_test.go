package refcount

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lwkt/hal"
	"lwkt/kernel"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func bootTest(t *testing.T, cfg kernel.Config) *kernel.System {
	t.Helper()
	sys, err := kernel.Boot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = sys.Shutdown() })
	return sys
}

func mustPanic(t *testing.T, fn func()) *kernel.Panic {
	t.Helper()
	var got *kernel.Panic
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err, ok := r.(error)
			if !ok || !errors.As(err, &got) {
				panic(r)
			}
		}()
		fn()
	}()
	if got == nil {
		t.Fatal("expected kernel panic")
	}
	return got
}

func waitSleepers(t *testing.T, sys *kernel.System, wmesg string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := 0
		for _, si := range sys.Sleepers() {
			if si.Wmesg == wmesg {
				got++
			}
		}
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d sleepers on %q, want %d", got, wmesg, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaitZeroReturns(t *testing.T) {
	sys := bootTest(t, kernel.Config{NCPU: 1})
	var c Count
	c.Wait(sys, "zero")
	if c.HasWaiters() {
		t.Fatal("HasWaiters() = true after an immediate return")
	}
}

func TestWaitersWokenOnLastRelease(t *testing.T) {
	sys := bootTest(t, kernel.Config{NCPU: 2})
	var c Count
	c.Init(2)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c.Wait(sys, "drain")
			done <- struct{}{}
		}()
	}
	waitSleepers(t, sys, "drain", 2)
	if !c.HasWaiters() {
		t.Fatal("HasWaiters() = false with two sleepers")
	}

	if c.ReleaseWakeup(sys) {
		t.Fatal("ReleaseWakeup() = true on first release, want false")
	}
	select {
	case <-done:
		t.Fatal("waiter returned with one reference left")
	case <-time.After(10 * time.Millisecond):
	}

	if !c.ReleaseWakeup(sys) {
		t.Fatal("ReleaseWakeup() = false on last release, want true")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}
	if c.HasWaiters() || c.Value() != 0 {
		t.Fatalf("count word = %d waiting=%v, want 0", c.Value(), c.HasWaiters())
	}
}

func TestNoLostWakeup(t *testing.T) {
	sys := bootTest(t, kernel.Config{NCPU: 2})
	for i := 0; i < 200; i++ {
		var c Count
		c.Init(1)
		done := make(chan struct{})
		go func() {
			c.Wait(sys, "race")
			close(done)
		}()
		c.ReleaseWakeup(sys)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: waiter missed the wakeup", i)
		}
	}
}

func TestReleaseWakeupN(t *testing.T) {
	sys := bootTest(t, kernel.Config{NCPU: 1})
	var c Count
	c.Init(1)
	c.AcquireN(4)

	if c.ReleaseWakeupN(sys, 3) {
		t.Fatal("ReleaseWakeupN(3) of 5 = true, want false")
	}
	if got := c.Value(); got != 2 {
		t.Fatalf("Value() = %d, want 2", got)
	}
	if !c.ReleaseWakeupN(sys, 2) {
		t.Fatal("ReleaseWakeupN(2) of 2 = false, want true")
	}
}

func TestRelease(t *testing.T) {
	var c Count
	c.Init(1)
	c.Acquire()
	if c.Release() {
		t.Fatal("Release() = true with a reference left")
	}
	if !c.Release() {
		t.Fatal("Release() = false on the last reference")
	}
	mustPanic(t, func() { c.Release() })
}

func TestReleaseWakeupUnderflowPanics(t *testing.T) {
	sys := bootTest(t, kernel.Config{NCPU: 1})
	var c Count
	p := mustPanic(t, func() { c.ReleaseWakeup(sys) })
	if !strings.Contains(p.Msg, "underflows") {
		t.Fatalf("panic = %q, want underflows", p.Msg)
	}
}

func TestLongWaitLogged(t *testing.T) {
	var buf syncBuffer
	sys := bootTest(t, kernel.Config{NCPU: 1, Hz: 1000, Logger: hal.NewWriterLogger(&buf)})
	var c Count
	c.Init(1)

	done := make(chan struct{})
	go func() {
		c.WaitTicks(sys, "slowio", 5)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(buf.String(), "refcount_wait slowio: long wait") {
		if time.Now().After(deadline) {
			t.Fatalf("log = %q, want a long wait line", buf.String())
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("Wait returned after a timeout")
	default:
	}

	c.ReleaseWakeup(sys)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after long wait")
	}
}
