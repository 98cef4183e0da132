package hal

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// Time provides a base tick stream.
//
// Each value is the sequence number of the tick just elapsed. The tick
// duration is defined by the implementation.
type Time interface {
	Ticks() <-chan uint64
}

// Discard is a Logger that drops every line.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) WriteLineString(string) {}
func (discardLogger) WriteLineBytes([]byte)  {}
