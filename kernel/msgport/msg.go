package msgport

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Cmd identifies the operation a message requests. The upper 16 bits
// select the subsystem, the lower 16 bits the operation within it.
type Cmd uint32

// MakeCmd builds a command from a subsystem and an operation number.
func MakeCmd(subsys, op uint16) Cmd {
	return Cmd(subsys)<<16 | Cmd(op)
}

func (c Cmd) Subsystem() uint16 { return uint16(c >> 16) }
func (c Cmd) Op() uint16        { return uint16(c) }

func (c Cmd) String() string {
	return fmt.Sprintf("%04x:%04x", c.Subsystem(), c.Op())
}

// Subsystem 0 is reserved for the port layer itself.
const (
	// CmdShutdown asks a Service to reply and exit.
	CmdShutdown = Cmd(1)
)

// Flags is the message state bitset.
type Flags uint32

const (
	MsgDone    Flags = 1 << iota // processing finished
	MsgReply                     // returned to the reply port
	MsgQueued                    // sitting in a port's queue
	MsgAsync                     // sender does not block; reply is queued on the reply port
	MsgAborted                   // completed as the result of an abort request

	msgInFlight Flags = 1 << 16 // sent and not yet done
	publicFlags       = MsgDone | MsgReply | MsgQueued | MsgAsync | MsgAborted
)

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, e := range []struct {
		f    Flags
		name string
	}{
		{MsgDone, "DONE"},
		{MsgReply, "REPLY"},
		{MsgQueued, "QUEUED"},
		{MsgAsync, "ASYNC"},
		{MsgAborted, "ABORTED"},
	} {
		if f&e.f != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Msg is a message envelope.
//
// The sender owns the Msg. Once sent it must not be modified or resent
// until it is done and, for asynchronous sends, collected from the reply
// port. Error and Result are written by the processing side before the
// message is marked done.
type Msg struct {
	Cmd Cmd
	// Arg carries the request payload. Its type is fixed by Cmd.
	Arg    any
	Error  error
	Result Result

	flags    atomic.Uint32
	abortreq atomic.Bool
	replied  atomic.Bool

	target atomic.Uint64 // packed PortID, rewritten by ForwardMsg
	reply  PortID

	// queuedOn is the port whose queue holds the message, guarded by that
	// port's mutex.
	queuedOn *Port
}

// NewMsg allocates and initializes a message.
func NewMsg(cmd Cmd, reply PortID, flags Flags) *Msg {
	m := &Msg{}
	m.Init(cmd, reply, flags)
	return m
}

// Init prepares m for a new send. Only MsgAsync is honored in flags.
func (m *Msg) Init(cmd Cmd, reply PortID, flags Flags) {
	m.Cmd = cmd
	m.Arg = nil
	m.Error = nil
	m.Result = nil
	m.flags.Store(uint32(flags & MsgAsync))
	m.abortreq.Store(false)
	m.replied.Store(false)
	m.target.Store(0)
	m.reply = reply
}

// Flags returns the current state bits.
func (m *Msg) Flags() Flags { return Flags(m.flags.Load()) & publicFlags }

// Done reports whether processing has finished.
func (m *Msg) Done() bool { return m.Flags()&MsgDone != 0 }

// Aborted reports whether the message completed because of an abort.
func (m *Msg) Aborted() bool { return m.Flags()&MsgAborted != 0 }

// AbortRequested reports whether AbortMsg was called on the in-flight
// message. Processing code polls it at points where cancellation is safe.
func (m *Msg) AbortRequested() bool { return m.abortreq.Load() }

// Target returns the port the message was last sent to.
func (m *Msg) Target() PortID { return unpackPortID(m.target.Load()) }

// ReplyPort returns the port replies are returned to.
func (m *Msg) ReplyPort() PortID { return m.reply }

func (m *Msg) String() string {
	return fmt.Sprintf("msg{cmd=%s flags=%s target=%s reply=%s}", m.Cmd, m.Flags(), m.Target(), m.reply)
}

func (m *Msg) rawFlags() Flags { return Flags(m.flags.Load()) }

// setClear atomically sets set and clears clr.
func (m *Msg) setClear(set, clr Flags) {
	for {
		old := m.flags.Load()
		nf := (old &^ uint32(clr)) | uint32(set)
		if m.flags.CompareAndSwap(old, nf) {
			return
		}
	}
}

func (m *Msg) setFlags(f Flags)   { m.setClear(f, 0) }
func (m *Msg) clearFlags(f Flags) { m.setClear(0, f) }

// markDone sets DONE together with extra and leaves the in-flight state.
func (m *Msg) markDone(extra Flags) {
	m.setClear(MsgDone|extra, msgInFlight)
}
