package hal

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterLoggerLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.WriteLineString("cpu: hello")
				l.WriteLineBytes([]byte("cpu: bytes"))
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 800 {
		t.Fatalf("got %d lines, want 800", len(lines))
	}
	for _, line := range lines {
		if line != "cpu: hello" && line != "cpu: bytes" {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestWriterLoggerNil(t *testing.T) {
	if l := NewWriterLogger(nil); l != Discard {
		t.Fatalf("NewWriterLogger(nil) = %T, want Discard", l)
	}
}

func TestManualTime(t *testing.T) {
	clk := NewManualTime()
	clk.Step(3)
	for want := uint64(1); want <= 3; want++ {
		select {
		case got := <-clk.Ticks():
			if got != want {
				t.Fatalf("tick = %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("tick %d never delivered", want)
		}
	}
}

func TestHostTimeTicks(t *testing.T) {
	clk := NewHostTime(1000)
	defer clk.Stop()

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case seq := <-clk.Ticks():
			if seq <= last {
				t.Fatalf("tick %d after %d", seq, last)
			}
			last = seq
		case <-time.After(time.Second):
			t.Fatal("host ticker stalled")
		}
	}
	clk.Stop()
}
