package msgport

import (
	"context"
	"errors"
	"testing"
	"time"

	"lwkt/kernel"
)

func newTestRegistry(t *testing.T, ncpu int) *Registry {
	t.Helper()
	sys, err := kernel.Boot(context.Background(), kernel.Config{NCPU: ncpu})
	if err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = sys.Shutdown() })
	return NewRegistry(sys)
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

// waitDone fails the test if m does not complete within a second.
func waitDone(t *testing.T, r *Registry, m *Msg) error {
	t.Helper()
	ch := make(chan error, 1)
	go func() { ch <- r.WaitMsg(m) }()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", m)
		return nil
	}
}

// waitPort fails the test if nothing arrives on id within a second.
func waitPort(t *testing.T, r *Registry, id PortID) *Msg {
	t.Helper()
	ch := make(chan *Msg, 1)
	go func() { ch <- r.WaitPort(nil, id) }()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting on %s", id)
		return nil
	}
}
