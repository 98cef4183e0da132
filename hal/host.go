package hal

import (
	"fmt"
	"io"
	"sync"
)

// NewWriterLogger returns a Logger writing one line per call to w.
//
// Calls are serialized, so concurrent CPUs never interleave partial lines.
func NewWriterLogger(w io.Writer) Logger {
	if w == nil {
		return Discard
	}
	return &hostLogger{w: w}
}

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
