package msgport

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lwkt/kernel"
)

var testCmd = MakeCmd(1, 1)

func TestSyncPortCompletesInline(t *testing.T) {
	r := newTestRegistry(t, 1)
	r.DefineCmd(testCmd, "double", ResultInt)

	calls := 0
	id := r.NewSyncPort(nil, func(m *Msg) error {
		calls++
		m.Result = IntResult(m.Arg.(int) * 2)
		return nil
	})
	p, ok := r.Port(id)
	if !ok {
		t.Fatalf("Port(%s) not found", id)
	}

	for i := 0; i < 100; i++ {
		m := NewMsg(testCmd, r.NullPort(), 0)
		m.Arg = i
		if err := r.DoMsg(id, m); err != nil {
			t.Fatalf("DoMsg() error = %v", err)
		}
		if !m.Done() {
			t.Fatalf("message %d not done after DoMsg", i)
		}
		if got, _ := ResultAs[IntResult](m); got != IntResult(i*2) {
			t.Fatalf("Result = %d, want %d", got, i*2)
		}
		if got := p.Len(); got != 0 {
			t.Fatalf("Len() = %d, want 0", got)
		}
	}
	if calls != 100 {
		t.Fatalf("handler calls = %d, want 100", calls)
	}
}

func TestSyncPortErrorReturned(t *testing.T) {
	r := newTestRegistry(t, 1)
	errBad := errors.New("bad request")
	id := r.NewSyncPort(nil, func(*Msg) error { return errBad })

	m := NewMsg(testCmd, PortID{}, 0)
	if err := r.DoMsg(id, m); !errors.Is(err, errBad) {
		t.Fatalf("DoMsg() error = %v, want %v", err, errBad)
	}
	if !errors.Is(m.Error, errBad) {
		t.Fatalf("Msg.Error = %v, want %v", m.Error, errBad)
	}
}

func TestSendMsgSyncPortAsyncReply(t *testing.T) {
	r := newTestRegistry(t, 1)
	reply := r.NewReplyPort(nil)
	id := r.NewSyncPort(nil, func(*Msg) error { return nil })

	m := NewMsg(testCmd, reply, MsgAsync)
	r.SendMsg(id, m)
	if got, want := m.Flags(), MsgDone|MsgReply|MsgQueued|MsgAsync; got != want {
		t.Fatalf("Flags() = %s, want %s", got, want)
	}
	if got := r.GetPort(nil, reply); got != m {
		t.Fatalf("GetPort() = %v, want %v", got, m)
	}
	if m.Flags()&MsgQueued != 0 {
		t.Fatalf("Flags() = %s after GetPort, want QUEUED clear", m.Flags())
	}
}

func TestPortFIFO(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})

	msgs := make([]*Msg, 50)
	for i := range msgs {
		msgs[i] = NewMsg(testCmd, r.NullPort(), 0)
		msgs[i].Arg = i
		r.SendMsg(id, msgs[i])
	}
	if got := len(r.Pending(id)); got != len(msgs) {
		t.Fatalf("len(Pending()) = %d, want %d", got, len(msgs))
	}
	for i := range msgs {
		m := r.GetPort(nil, id)
		if m != msgs[i] {
			t.Fatalf("GetPort() #%d = %v, want %v", i, m, msgs[i])
		}
		if m.Flags()&MsgQueued != 0 {
			t.Fatalf("dequeued message still QUEUED")
		}
		r.ReplyMsg(m, nil)
		if !m.Done() {
			t.Fatalf("message %d not done after reply", i)
		}
	}
	if m := r.GetPort(nil, id); m != nil {
		t.Fatalf("GetPort() on empty port = %v, want nil", m)
	}
}

func TestReplyTwicePanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)
	r.ReplyMsg(r.GetPort(nil, id), nil)

	p := mustPanic(t, func() { r.ReplyMsg(m, nil) })
	if !strings.Contains(p.Msg, "replied twice") {
		t.Fatalf("panic = %q, want replied twice", p.Msg)
	}
}

func TestResendInFlightPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)

	p := mustPanic(t, func() { r.SendMsg(id, m) })
	if !strings.Contains(p.Msg, "still queued") {
		t.Fatalf("panic = %q, want still queued", p.Msg)
	}
	r.GetPort(nil, id)
	p = mustPanic(t, func() { r.SendMsg(id, m) })
	if !strings.Contains(p.Msg, "still in flight") {
		t.Fatalf("panic = %q, want still in flight", p.Msg)
	}
}

func TestMsgReusableAfterDone(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewSyncPort(nil, func(*Msg) error { return nil })
	m := NewMsg(testCmd, PortID{}, 0)
	for i := 0; i < 3; i++ {
		if err := r.DoMsg(id, m); err != nil {
			t.Fatalf("DoMsg() #%d error = %v", i, err)
		}
	}
}

func TestWaitMsgNeverSentPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	m := NewMsg(testCmd, PortID{}, 0)
	p := mustPanic(t, func() { _ = r.WaitMsg(m) })
	if !strings.Contains(p.Msg, "never sent") {
		t.Fatalf("panic = %q, want never sent", p.Msg)
	}
}

func TestAbortQueued(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)

	if !r.AbortMsg(m) {
		t.Fatal("AbortMsg() = false, want true")
	}
	if !m.Done() || !m.Aborted() {
		t.Fatalf("Flags() = %s, want DONE and ABORTED", m.Flags())
	}
	if err := r.WaitMsg(m); !errors.Is(err, ErrAborted) {
		t.Fatalf("WaitMsg() error = %v, want %v", err, ErrAborted)
	}
	if got := len(r.Pending(id)); got != 0 {
		t.Fatalf("len(Pending()) = %d, want 0", got)
	}
	if r.AbortMsg(m) {
		t.Fatal("AbortMsg() on done message = true, want false")
	}
}

func TestCustomAbortHook(t *testing.T) {
	r := newTestRegistry(t, 1)
	var calls atomic.Int32
	id := r.NewPort(nil, Ops{Abort: func(*Port, *Msg) { calls.Add(1) }})
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)

	r.AbortMsg(m)
	r.AbortMsg(m)
	if got := calls.Load(); got != 1 {
		t.Fatalf("abort hook calls = %d, want 1", got)
	}
	if m.Done() {
		t.Fatal("message done without the hook replying")
	}
	got := r.GetPort(nil, id)
	if !got.AbortRequested() {
		t.Fatal("AbortRequested() = false, want true")
	}
	r.ReplyMsg(got, ErrAborted)
	if err := r.WaitMsg(m); !errors.Is(err, ErrAborted) {
		t.Fatalf("WaitMsg() error = %v, want %v", err, ErrAborted)
	}
}

func TestCustomReturnHook(t *testing.T) {
	r := newTestRegistry(t, 1)
	var returned atomic.Int32
	reply := r.NewPort(nil, Ops{Return: func(p *Port, m *Msg) {
		returned.Add(1)
		p.Complete(m)
	}})
	id := r.NewSyncPort(nil, func(*Msg) error { return nil })

	m := NewMsg(testCmd, reply, 0)
	r.SendMsg(id, m)
	if got := returned.Load(); got != 1 {
		t.Fatalf("return hook calls = %d, want 1", got)
	}
	if !m.Done() {
		t.Fatal("message not done after return hook")
	}
}

func TestReplyOnlyPortRejectsRequests(t *testing.T) {
	r := newTestRegistry(t, 1)
	reply := r.NewReplyPort(nil)
	p := mustPanic(t, func() { r.SendMsg(reply, NewMsg(testCmd, PortID{}, 0)) })
	if !strings.Contains(p.Msg, "reply-only") {
		t.Fatalf("panic = %q, want reply-only", p.Msg)
	}
}

func TestSendToExitedOwnerPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	var id PortID
	td := r.System().Spawn(0, "short", func(td *kernel.Thread) {
		id = r.NewPort(td, Ops{})
	})
	td.Join()

	p := mustPanic(t, func() { r.SendMsg(id, NewMsg(testCmd, PortID{}, 0)) })
	if !strings.Contains(p.Msg, "has exited") {
		t.Fatalf("panic = %q, want has exited", p.Msg)
	}
}

func TestGetPortWrongOwnerPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	var id PortID
	td := r.System().Spawn(0, "owner", func(td *kernel.Thread) {
		id = r.NewPort(td, Ops{})
	})
	td.Join()

	mustPanic(t, func() { r.GetPort(nil, id) })
}

func TestClosedHandleIsStale(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})
	r.ClosePort(id)

	if _, ok := r.Port(id); ok {
		t.Fatalf("Port(%s) found after close", id)
	}
	id2 := r.NewPort(nil, Ops{})
	if id2.idx != id.idx || id2.gen == id.gen {
		t.Fatalf("NewPort() = %s, want slot %d reused with a new generation", id2, id.idx)
	}
	p := mustPanic(t, func() { r.SendMsg(id, NewMsg(testCmd, PortID{}, 0)) })
	if !strings.Contains(p.Msg, "stale") {
		t.Fatalf("panic = %q, want stale", p.Msg)
	}
}

func TestClosePortCompletesQueued(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)

	r.ClosePort(id)
	if err := waitDone(t, r, m); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("WaitMsg() error = %v, want %v", err, ErrPortClosed)
	}
}

func TestClosePortWakesWaiter(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})

	ch := make(chan *Msg, 1)
	go func() { ch <- r.WaitPort(nil, id) }()

	deadline := time.Now().Add(time.Second)
	for !hasSleeper(r.System(), "waitport") {
		if time.Now().After(deadline) {
			t.Fatal("WaitPort never blocked")
		}
		time.Sleep(time.Millisecond)
	}
	r.ClosePort(id)

	select {
	case m := <-ch:
		if m != nil {
			t.Fatalf("WaitPort() = %v, want nil", m)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPort did not return after close")
	}
}

func hasSleeper(sys *kernel.System, wmesg string) bool {
	for _, si := range sys.Sleepers() {
		if si.Wmesg == wmesg {
			return true
		}
	}
	return false
}

func TestPublishLookup(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})

	if err := r.Publish("vfs", id); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := r.Publish("vfs", id); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("Publish() twice error = %v, want %v", err, ErrNameInUse)
	}
	got, err := r.Lookup("vfs")
	if err != nil || got != id {
		t.Fatalf("Lookup() = %s, %v, want %s", got, err, id)
	}

	r.ClosePort(id)
	if _, err := r.Lookup("vfs"); !errors.Is(err, ErrNoPort) {
		t.Fatalf("Lookup() after close error = %v, want %v", err, ErrNoPort)
	}
	if r.Unpublish("vfs") {
		t.Fatal("Unpublish() = true after close, want false")
	}
}

func TestResultKindMismatchPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	r.DefineCmd(testCmd, "stat", ResultInt64)
	id := r.NewPort(nil, Ops{})
	r.SendMsg(id, NewMsg(testCmd, PortID{}, 0))

	m := r.GetPort(nil, id)
	m.Result = IntResult(1)
	p := mustPanic(t, func() { r.ReplyMsg(m, nil) })
	if !strings.Contains(p.Msg, "stat returns int64, got int") {
		t.Fatalf("panic = %q, want result kind mismatch", p.Msg)
	}
}

func TestSyncResultKindMismatchPanics(t *testing.T) {
	r := newTestRegistry(t, 1)
	r.DefineCmd(testCmd, "pipe", ResultFds)
	id := r.NewSyncPort(nil, func(m *Msg) error {
		m.Result = OffResult(10)
		return nil
	})
	mustPanic(t, func() { _ = r.DoMsg(id, NewMsg(testCmd, PortID{}, 0)) })
}

func TestGetPortEmptyReturnsNil(t *testing.T) {
	r := newTestRegistry(t, 1)
	id := r.NewPort(nil, Ops{})

	if m := r.GetPort(nil, id); m != nil {
		t.Fatalf("GetPort() on an empty port = %s, want nil", m)
	}
	m := NewMsg(testCmd, PortID{}, 0)
	r.SendMsg(id, m)
	if got := r.GetPort(nil, id); got != m {
		t.Fatalf("GetPort() = %v, want %s", got, m)
	}
	r.ReplyMsg(m, nil)
	if !m.Done() {
		t.Fatal("message not done after reply")
	}
}
