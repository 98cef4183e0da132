package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lwkt/hal"
)

// System is the process-wide kernel registry: the CPU table, the online
// mask, the tick counter, sleep queues and the panic state.
//
// A System is created once by Boot and lives until Shutdown. Every other
// kernel object (threads, ports, barriers) is looked up through it.
type System struct {
	cfg  Config
	log  hal.Logger
	cpus []*CPU

	active atomic.Uint64 // smp_active_mask
	ticks  atomic.Uint64

	sleepq sleepQueue

	threadSeq atomic.Uint32
	threads   sync.WaitGroup

	panicState

	cancel   context.CancelFunc
	group    *errgroup.Group
	hostTime *hal.HostTime
	downOnce sync.Once
}

// Boot brings up cfg.NCPU CPUs and the tick source.
//
// Every CPU starts online. The returned System must be stopped with
// Shutdown.
func Boot(ctx context.Context, cfg Config) (*System, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg: cfg,
		log: cfg.Logger,
	}
	s.sleepq.init()

	s.cpus = make([]*CPU, cfg.NCPU)
	for i := range s.cpus {
		s.cpus[i] = newCPU(s, i, cfg.NCPU, cfg.IPIQDepth)
	}
	s.active.Store(uint64(MaskAll(cfg.NCPU)))

	clock := cfg.Clock
	if clock == nil {
		s.hostTime = hal.NewHostTime(cfg.Hz)
		clock = s.hostTime
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	for _, c := range s.cpus {
		c := c
		g.Go(func() error { return c.run(gctx) })
	}
	g.Go(func() error { return s.runTick(gctx, clock) })

	s.log.WriteLineString(fmt.Sprintf("kernel: %d cpus online, hz %d", cfg.NCPU, cfg.Hz))
	return s, nil
}

// Shutdown stops every CPU and the tick source and waits for them.
//
// Threads are not joined; a thread still blocked at shutdown stays blocked.
func (s *System) Shutdown() error {
	var err error
	s.downOnce.Do(func() {
		s.cancel()
		if s.hostTime != nil {
			s.hostTime.Stop()
		}
		err = s.group.Wait()
		s.log.WriteLineString("kernel: halted")
	})
	return err
}

// Config returns the effective configuration.
func (s *System) Config() Config { return s.cfg }

// Logger returns the kernel logger.
func (s *System) Logger() hal.Logger { return s.log }

// NCPU returns the number of CPUs brought up by Boot.
func (s *System) NCPU() int { return len(s.cpus) }

// CPU returns the per-CPU context for id.
func (s *System) CPU(id int) *CPU {
	s.Assert(id >= 0 && id < len(s.cpus), "cpu %d out of range", id)
	return s.cpus[id]
}

// ActiveMask returns the set of online CPUs.
func (s *System) ActiveMask() CPUMask {
	return CPUMask(s.active.Load())
}

// SetOnline adds a CPU to, or removes it from, the online set.
//
// Offline CPUs keep draining their IPI queues but are excluded from
// broadcast targets. CPU 0 cannot be taken offline.
func (s *System) SetOnline(id int, online bool) {
	s.Assert(id >= 0 && id < len(s.cpus), "setonline: cpu %d out of range", id)
	s.Assert(online || id != 0, "setonline: cpu0 cannot go offline")
	for {
		old := s.active.Load()
		m := CPUMask(old)
		if online {
			m = m.Set(id)
		} else {
			m = m.Clear(id)
		}
		if s.active.CompareAndSwap(old, uint64(m)) {
			break
		}
	}
	state := "offline"
	if online {
		state = "online"
	}
	s.log.WriteLineString(fmt.Sprintf("cpu%d: %s", id, state))
}

// Hz returns the tick rate.
func (s *System) Hz() int { return s.cfg.Hz }

// TickDuration returns the nominal length of n ticks.
func (s *System) TickDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.cfg.Hz)
}

// Ticks returns the current tick count.
func (s *System) Ticks() uint64 {
	return s.ticks.Load()
}

// WaitTick blocks until the tick count advances past after and returns it.
func (s *System) WaitTick(after uint64) uint64 {
	for {
		if t := s.ticks.Load(); t > after {
			return t
		}
		sl := s.Interlock(&s.ticks)
		if t := s.ticks.Load(); t > after {
			sl.Cancel()
			return t
		}
		_ = sl.Sleep("tick", 0)
	}
}

// Yield lets other goroutines run.
func (s *System) Yield() {
	runtime.Gosched()
}

func (s *System) runTick(ctx context.Context, clock hal.Time) error {
	ch := clock.Ticks()
	for {
		select {
		case <-ctx.Done():
			return nil
		case seq := <-ch:
			if seq <= s.ticks.Load() {
				continue
			}
			s.ticks.Store(seq)
			s.Wakeup(&s.ticks)
		}
	}
}
