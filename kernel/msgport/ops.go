package msgport

import (
	"errors"

	"lwkt/kernel"
)

// prepare validates a send of m to id and moves m into the in-flight state.
func (r *Registry) prepare(id PortID, m *Msg, op string) *Port {
	p := r.mustPort(id, op)
	f := m.rawFlags()
	r.sys.Assert(f&MsgQueued == 0, "%s: %s is still queued", op, m)
	r.sys.Assert(f&msgInFlight == 0, "%s: %s is still in flight", op, m)
	if p.owner != nil && p.owner.Exited() {
		r.sys.Panicf("%s: owner %s of %s has exited", op, p.owner, id)
	}
	m.setClear(msgInFlight, MsgDone|MsgReply|MsgAborted)
	m.abortreq.Store(false)
	m.replied.Store(false)
	m.Error = nil
	m.target.Store(id.pack())
	return p
}

// SendMsg submits m to port id without waiting. The reply is delivered
// through m's reply port: an asynchronous message is queued there, any
// other message is marked done and its waiter woken.
func (r *Registry) SendMsg(id PortID, m *Msg) {
	p := r.prepare(id, m, "sendmsg")
	if err := p.ops.Begin(p, m); !errors.Is(err, ErrAsync) {
		r.ReplyMsg(m, err)
	}
}

// DoMsg submits m to port id and blocks until it completes.
func (r *Registry) DoMsg(id PortID, m *Msg) error {
	p := r.prepare(id, m, "domsg")
	m.clearFlags(MsgAsync)
	err := p.ops.Begin(p, m)
	if !errors.Is(err, ErrAsync) {
		m.replied.Store(true)
		r.checkResult(m)
		m.Error = err
		m.markDone(MsgReply)
		return err
	}
	return r.WaitMsg(m)
}

// WaitMsg blocks until m is done and returns its error. A reply queued on
// the reply port is removed from it.
func (r *Registry) WaitMsg(m *Msg) error {
	r.sys.Assert(m.rawFlags()&(MsgDone|msgInFlight) != 0, "waitmsg: %s was never sent", m)
	for !m.Done() {
		sl := r.sys.Interlock(m)
		if m.Done() {
			sl.Cancel()
			break
		}
		_ = sl.Sleep("waitmsg", 0)
	}
	if m.Flags()&MsgQueued != 0 {
		if p := r.lookup(m.reply); p != nil {
			p.remove(m)
		}
	}
	return m.Error
}

// ReplyMsg completes m with err and returns it to its reply port. Each
// send is replied exactly once; a second reply panics.
func (r *Registry) ReplyMsg(m *Msg, err error) {
	if !m.replied.CompareAndSwap(false, true) {
		r.sys.Panicf("replymsg: %s replied twice", m)
	}
	r.sys.Assert(m.rawFlags()&MsgQueued == 0, "replymsg: %s is still queued", m)
	r.sys.Assert(!errors.Is(err, ErrAsync), "replymsg: %s replied with ErrAsync", m)
	r.checkResult(m)
	m.Error = err

	p := r.lookup(m.reply)
	if p == nil {
		m.markDone(MsgReply)
		r.sys.Wakeup(m)
		return
	}
	p.ops.Return(p, m)
}

// checkResult panics if m carries a Result variant other than the one
// defined for its command. A nil Result is always accepted.
func (r *Registry) checkResult(m *Msg) {
	if m.Result == nil {
		return
	}
	if kind, ok := r.CmdResult(m.Cmd); ok && resultKind(m.Result) != kind {
		r.sys.Panicf("replymsg: %s returns %s, got %s", r.CmdName(m.Cmd), kind, resultKind(m.Result))
	}
}

// AbortMsg requests cancellation of m. It returns false if m is already
// done. A message still queued on its target is completed with
// ErrAborted; one already being processed is flagged and completes when
// its processor notices.
func (r *Registry) AbortMsg(m *Msg) bool {
	if m.Done() {
		return false
	}
	if !m.abortreq.CompareAndSwap(false, true) {
		return true
	}
	if p := r.lookup(m.Target()); p != nil {
		p.ops.Abort(p, m)
	}
	return true
}

// ForwardMsg passes an in-flight message on to another port. The caller
// must currently own m, having dequeued it or received it in a hook.
func (r *Registry) ForwardMsg(id PortID, m *Msg) {
	f := m.rawFlags()
	r.sys.Assert(f&msgInFlight != 0 && f&MsgQueued == 0, "forwardmsg: %s is not held by the caller", m)
	p := r.mustPort(id, "forwardmsg")
	if p.owner != nil && p.owner.Exited() {
		r.sys.Panicf("forwardmsg: owner %s of %s has exited", p.owner, id)
	}
	m.target.Store(id.pack())
	if err := p.ops.Begin(p, m); !errors.Is(err, ErrAsync) {
		r.ReplyMsg(m, err)
	}
}

// PutPort queues m on id directly, bypassing the port's Begin hook.
func (r *Registry) PutPort(id PortID, m *Msg) error {
	return r.mustPort(id, "putport").Put(m)
}

// GetPort dequeues the oldest message on id, or returns nil without
// blocking. Use WaitPort to block until a message arrives. Only the
// port's owner may call it.
func (r *Registry) GetPort(td *kernel.Thread, id PortID) *Msg {
	p := r.mustPort(id, "getport")
	r.sys.Assert(p.owner == td, "getport: %s is owned by %v, not %v", id, p.owner, td)
	return p.dequeue()
}

// WaitPort blocks until a message is queued on id and dequeues it. It
// returns nil if the port is closed while waiting.
func (r *Registry) WaitPort(td *kernel.Thread, id PortID) *Msg {
	p := r.mustPort(id, "waitport")
	r.sys.Assert(p.owner == td, "waitport: %s is owned by %v, not %v", id, p.owner, td)
	for {
		if m := p.dequeue(); m != nil {
			return m
		}
		sl := r.sys.Interlock(p)
		if m := p.dequeue(); m != nil {
			sl.Cancel()
			return m
		}
		if p.isClosed() {
			sl.Cancel()
			return nil
		}
		_ = sl.Sleep("waitport", 0)
	}
}

// Pending returns a snapshot of the messages queued on id.
func (r *Registry) Pending(id PortID) []*Msg {
	return r.mustPort(id, "pending").snapshot()
}
