package kernel

import (
	"context"
	"errors"
	"testing"
)

func bootTest(t *testing.T, cfg Config) *System {
	t.Helper()
	s, err := Boot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func mustPanic(t *testing.T, fn func()) *Panic {
	t.Helper()
	var got *Panic
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
