package msgport

import (
	"errors"
	"fmt"
	"sync/atomic"

	"lwkt/kernel"
)

// Handler processes one request on a service thread. Returning ErrAsync
// means the handler kept or forwarded the message and will see to its
// reply; any other value is the reply error.
type Handler func(td *kernel.Thread, m *Msg) error

// Service is a thread that owns a port and serves the messages queued on it.
type Service struct {
	reg  *Registry
	name string
	td   *kernel.Thread
	port PortID

	handled atomic.Uint64
	aborted atomic.Uint64
}

// StartService spawns a thread on cpu that serves messages with h. The
// service port is ready when StartService returns.
func (r *Registry) StartService(cpu int, name string, h Handler) *Service {
	svc := &Service{reg: r, name: name}
	ready := make(chan PortID, 1)
	svc.td = r.sys.Spawn(cpu, name, func(td *kernel.Thread) {
		id := r.NewPort(td, Ops{})
		ready <- id
		svc.serve(td, id, h)
	})
	svc.port = <-ready
	return svc
}

func (s *Service) serve(td *kernel.Thread, id PortID, h Handler) {
	r := s.reg
	defer r.ClosePort(id)
	for {
		m := r.WaitPort(td, id)
		if m == nil {
			return
		}
		if m.Cmd == CmdShutdown {
			r.ReplyMsg(m, nil)
			return
		}
		if m.AbortRequested() {
			s.aborted.Add(1)
			m.setFlags(MsgAborted)
			r.ReplyMsg(m, ErrAborted)
			continue
		}
		err := h(td, m)
		s.handled.Add(1)
		if errors.Is(err, ErrAsync) {
			continue
		}
		r.ReplyMsg(m, err)
	}
}

func (s *Service) Name() string           { return s.name }
func (s *Service) Port() PortID           { return s.port }
func (s *Service) Thread() *kernel.Thread { return s.td }

// Handled returns the number of requests passed to the handler.
func (s *Service) Handled() uint64 { return s.handled.Load() }

// Aborted returns the number of requests dropped because of an abort.
func (s *Service) Aborted() uint64 { return s.aborted.Load() }

// Stop asks the service to exit and waits for it. Requests queued behind
// the shutdown message are completed with ErrPortClosed.
func (s *Service) Stop() {
	m := NewMsg(CmdShutdown, s.reg.NullPort(), 0)
	_ = s.reg.DoMsg(s.port, m)
	s.td.Join()
}

// StartPerCPU starts one service per online CPU, each bound to its CPU.
// CPUPort finds the instance for a given CPU.
func (r *Registry) StartPerCPU(name string, h Handler) []*Service {
	var svcs []*Service
	r.sys.ActiveMask().ForEach(func(cpu int) {
		r.mu.RLock()
		prev := r.percpu[cpu]
		r.mu.RUnlock()
		r.sys.Assert(prev == nil, "startpercpu %q: cpu%d already has %s", name, cpu, prev)

		svc := r.StartService(cpu, fmt.Sprintf("%s%d", name, cpu), h)
		r.mu.Lock()
		prev = r.percpu[cpu]
		if prev == nil {
			r.percpu[cpu] = svc
		}
		r.mu.Unlock()
		if prev != nil {
			svc.Stop()
			r.sys.Panicf("startpercpu %q: cpu%d already has %s", name, cpu, prev)
		}
		svcs = append(svcs, svc)
	})
	return svcs
}

// CPUPort returns the port of the per-CPU service on cpu.
func (r *Registry) CPUPort(cpu int) (PortID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cpu < 0 || cpu >= len(r.percpu) || r.percpu[cpu] == nil {
		return PortID{}, false
	}
	return r.percpu[cpu].port, true
}

// StopPerCPU stops every per-CPU service.
func (r *Registry) StopPerCPU() {
	r.mu.Lock()
	svcs := r.percpu
	r.percpu = make([]*Service, len(svcs))
	r.mu.Unlock()
	for _, svc := range svcs {
		if svc != nil {
			svc.Stop()
		}
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("service %s on %s", s.name, s.port)
}
