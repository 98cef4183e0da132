package msgport

import (
	"errors"
	"fmt"
	"sync"

	"lwkt/kernel"
)

var (
	// ErrAsync is returned by a Begin hook that queued the message; the
	// reply arrives later through the reply port.
	ErrAsync = errors.New("msgport: message queued")
	// ErrAborted completes a message whose abort request was honored.
	ErrAborted = errors.New("msgport: message aborted")
	// ErrPortClosed completes messages still queued on a port when it closes.
	ErrPortClosed = errors.New("msgport: port closed")
	// ErrNoPort is returned when a name lookup finds nothing.
	ErrNoPort = errors.New("msgport: no such port")
	// ErrNameInUse is returned when publishing a name twice.
	ErrNameInUse = errors.New("msgport: name already published")
)

// PortID is a non-owning handle to a port: a table index plus the
// generation of the slot. Handles to a closed port go stale and are
// rejected instead of reaching whatever port reuses the slot.
type PortID struct {
	idx uint32
	gen uint32
}

// Valid reports whether id was issued by a Registry.
func (id PortID) Valid() bool { return id.gen != 0 }

func (id PortID) pack() uint64 { return uint64(id.idx)<<32 | uint64(id.gen) }

func unpackPortID(v uint64) PortID {
	return PortID{idx: uint32(v >> 32), gen: uint32(v)}
}

func (id PortID) String() string {
	if !id.Valid() {
		return "port(none)"
	}
	return fmt.Sprintf("port%d.%d", id.idx, id.gen)
}

type portSlot struct {
	port *Port
	gen  uint32
}

type cmdInfo struct {
	name string
	kind ResultKind
}

// Registry owns the port table of one kernel.
type Registry struct {
	sys *kernel.System

	mu     sync.RWMutex
	slots  []portSlot
	free   []uint32
	names  map[string]PortID
	cmds   map[Cmd]cmdInfo
	percpu []*Service

	null PortID
}

// NewRegistry creates an empty port table for sys.
func NewRegistry(sys *kernel.System) *Registry {
	r := &Registry{
		sys:    sys,
		names:  make(map[string]PortID),
		cmds:   make(map[Cmd]cmdInfo),
		percpu: make([]*Service, sys.NCPU()),
	}
	r.null = r.NewPort(nil, Ops{Begin: replyOnlyBegin, Return: nullReturn})
	r.DefineCmd(CmdShutdown, "shutdown", ResultNone)
	return r
}

// System returns the kernel the registry belongs to.
func (r *Registry) System() *kernel.System { return r.sys }

// NewPort creates a port owned by owner. Nil hooks in ops take the
// defaults: Begin queues, Abort dequeues or flags, Return wakes the sender.
//
// owner is the only thread allowed to dequeue from the port. It may be
// nil for ports that are only ever replied to.
func (r *Registry) NewPort(owner *kernel.Thread, ops Ops) PortID {
	p := &Port{reg: r, owner: owner, ops: ops.withDefaults()}

	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, portSlot{})
	}
	sl := &r.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.port = p
	p.id = PortID{idx: idx, gen: sl.gen}
	return p.id
}

// NewSyncPort creates a port whose Begin runs h inline. Every message
// sent to it completes before SendMsg or DoMsg returns, unless h itself
// returns ErrAsync after taking ownership of the message.
func (r *Registry) NewSyncPort(owner *kernel.Thread, h func(m *Msg) error) PortID {
	return r.NewPort(owner, Ops{
		Begin: func(_ *Port, m *Msg) error { return h(m) },
	})
}

// NewReplyPort creates a port that only receives replies. Sending a
// request to it panics.
func (r *Registry) NewReplyPort(owner *kernel.Thread) PortID {
	return r.NewPort(owner, Ops{Begin: replyOnlyBegin})
}

// NullPort returns the shared port whose replies are dropped after the
// message is marked done.
func (r *Registry) NullPort() PortID { return r.null }

// Port resolves id. It returns false for stale or closed handles.
func (r *Registry) Port(id PortID) (*Port, bool) {
	p := r.lookup(id)
	return p, p != nil
}

func (r *Registry) lookup(id PortID) *Port {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id PortID) *Port {
	if !id.Valid() || int(id.idx) >= len(r.slots) {
		return nil
	}
	sl := r.slots[id.idx]
	if sl.gen != id.gen {
		return nil
	}
	return sl.port
}

func (r *Registry) mustPort(id PortID, op string) *Port {
	p := r.lookup(id)
	if p == nil {
		r.sys.Panicf("%s: stale or closed %s", op, id)
	}
	return p
}

// ClosePort removes id from the table. Requests still queued on it are
// completed with ErrPortClosed; replies parked on it are dropped.
func (r *Registry) ClosePort(id PortID) {
	r.mu.Lock()
	p := r.lookupLocked(id)
	if p == nil {
		r.mu.Unlock()
		r.sys.Panicf("closeport: stale or closed %s", id)
	}
	r.slots[id.idx].port = nil
	r.free = append(r.free, id.idx)
	for name, nid := range r.names {
		if nid == id {
			delete(r.names, name)
		}
	}
	r.mu.Unlock()

	p.mu.Lock()
	p.closed = true
	pending := p.msgq
	p.msgq = nil
	for _, m := range pending {
		m.queuedOn = nil
		m.clearFlags(MsgQueued)
	}
	p.mu.Unlock()

	for _, m := range pending {
		if m.Done() {
			continue
		}
		r.ReplyMsg(m, ErrPortClosed)
	}
	r.sys.Wakeup(p)
}

// Publish makes id reachable by name.
func (r *Registry) Publish(name string, id PortID) error {
	r.mustPort(id, "publish")
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("publish %q: %w", name, ErrNameInUse)
	}
	r.names[name] = id
	return nil
}

// Lookup finds a published port.
func (r *Registry) Lookup(name string) (PortID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return PortID{}, fmt.Errorf("lookup %q: %w", name, ErrNoPort)
	}
	return id, nil
}

// Unpublish removes a name. It reports whether the name was published.
func (r *Registry) Unpublish(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	delete(r.names, name)
	return ok
}

// DefineCmd records the name of cmd and the Result variant it returns.
// Replying to cmd with any other variant panics.
func (r *Registry) DefineCmd(cmd Cmd, name string, kind ResultKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds[cmd] = cmdInfo{name: name, kind: kind}
}

// CmdName returns the name given to cmd, or its numeric form.
func (r *Registry) CmdName(cmd Cmd) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ci, ok := r.cmds[cmd]; ok {
		return ci.name
	}
	return cmd.String()
}

// CmdResult returns the Result variant defined for cmd.
func (r *Registry) CmdResult(cmd Cmd) (ResultKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ci, ok := r.cmds[cmd]
	return ci.kind, ok
}
