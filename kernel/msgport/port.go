package msgport

import (
	"sync"

	"lwkt/kernel"
)

// Ops are the hooks that give a port its behavior.
type Ops struct {
	// Begin is called by the sender when a message is submitted. It
	// returns ErrAsync if the message was queued for later processing;
	// any other value completes the message synchronously with that error.
	Begin func(p *Port, m *Msg) error
	// Abort is called when cancellation is requested on a message that
	// is not yet done.
	Abort func(p *Port, m *Msg)
	// Return is called on the reply port when a message is replied. It
	// must mark the message done and wake its sender; Port.Complete does both.
	Return func(p *Port, m *Msg)
}

func (o Ops) withDefaults() Ops {
	if o.Begin == nil {
		o.Begin = defaultBegin
	}
	if o.Abort == nil {
		o.Abort = defaultAbort
	}
	if o.Return == nil {
		o.Return = defaultReturn
	}
	return o
}

// Port is a message mailbox: a FIFO of pending messages plus the hooks
// that process them.
type Port struct {
	reg   *Registry
	id    PortID
	owner *kernel.Thread
	ops   Ops

	mu     sync.Mutex
	msgq   []*Msg
	closed bool
}

func (p *Port) ID() PortID             { return p.id }
func (p *Port) Owner() *kernel.Thread  { return p.owner }
func (p *Port) Registry() *Registry    { return p.reg }
func (p *Port) System() *kernel.System { return p.reg.sys }

// Len returns the number of queued messages.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgq)
}

// Put appends m to the queue and wakes a thread blocked in WaitPort.
// It returns ErrAsync, or ErrPortClosed if the port has been closed.
func (p *Port) Put(m *Msg) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.enqueueLocked(m)
	p.mu.Unlock()
	p.reg.sys.Wakeup(p)
	return ErrAsync
}

func (p *Port) enqueueLocked(m *Msg) {
	p.reg.sys.Assert(m.queuedOn == nil, "putport: %s already queued", m)
	m.queuedOn = p
	m.setFlags(MsgQueued)
	p.msgq = append(p.msgq, m)
}

// Complete marks a replied message done and wakes its sender. An
// asynchronous message is also queued on p for the sender to collect.
func (p *Port) Complete(m *Msg) {
	sys := p.reg.sys
	if m.rawFlags()&MsgAsync != 0 {
		p.mu.Lock()
		if !p.closed {
			p.reg.sys.Assert(m.queuedOn == nil, "replyport: %s already queued", m)
			m.queuedOn = p
			p.msgq = append(p.msgq, m)
			m.markDone(MsgReply | MsgQueued)
			p.mu.Unlock()
			sys.Wakeup(p)
			sys.Wakeup(m)
			return
		}
		p.mu.Unlock()
	}
	m.markDone(MsgReply)
	sys.Wakeup(m)
}

func (p *Port) dequeue() *Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgq) == 0 {
		return nil
	}
	m := p.msgq[0]
	p.msgq[0] = nil
	p.msgq = p.msgq[1:]
	if len(p.msgq) == 0 {
		p.msgq = nil
	}
	m.queuedOn = nil
	m.clearFlags(MsgQueued)
	return m
}

// remove takes m out of the queue if it is still there.
func (p *Port) remove(m *Msg) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.queuedOn != p {
		return false
	}
	for i, q := range p.msgq {
		if q == m {
			copy(p.msgq[i:], p.msgq[i+1:])
			p.msgq[len(p.msgq)-1] = nil
			p.msgq = p.msgq[:len(p.msgq)-1]
			break
		}
	}
	m.queuedOn = nil
	m.clearFlags(MsgQueued)
	return true
}

func (p *Port) snapshot() []*Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Msg(nil), p.msgq...)
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func defaultBegin(p *Port, m *Msg) error {
	return p.Put(m)
}

// defaultAbort completes a message still waiting in the queue. A message
// already picked up keeps running; its processor sees AbortRequested.
func defaultAbort(p *Port, m *Msg) {
	if !p.remove(m) {
		return
	}
	m.setFlags(MsgAborted)
	p.reg.ReplyMsg(m, ErrAborted)
}

func defaultReturn(p *Port, m *Msg) {
	p.Complete(m)
}

func replyOnlyBegin(p *Port, m *Msg) error {
	p.reg.sys.Panicf("sendmsg: %s is a reply-only port (%s)", p.id, m)
	return nil
}

func nullReturn(p *Port, m *Msg) {
	m.markDone(MsgReply)
	p.reg.sys.Wakeup(m)
}
