package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"lwkt/kernel"
	"lwkt/kernel/msgport"
	"lwkt/kernel/pmap"
	"lwkt/kernel/refcount"
	"lwkt/kernel/token"
)

const simSubsys = 0x10

var (
	cmdSum   = msgport.MakeCmd(simSubsys, 1)
	cmdCheck = msgport.MakeCmd(simSubsys, 2)

	errOdd = errors.New("odd request")
)

// scenarioA sends n messages to a port whose Begin completes inline; none
// may ever be queued.
func scenarioA(_ context.Context, sys *kernel.System, opts Options) (string, error) {
	n, err := opts.Int("n", 100)
	if err != nil {
		return "", err
	}
	reg := msgport.NewRegistry(sys)
	reg.DefineCmd(cmdSum, "sum", msgport.ResultLong)

	var sum int64
	id := reg.NewSyncPort(nil, func(m *msgport.Msg) error {
		sum += int64(m.Arg.(int))
		m.Result = msgport.LongResult(sum)
		return nil
	})
	defer reg.ClosePort(id)
	p, _ := reg.Port(id)

	peak := 0
	for i := 1; i <= n; i++ {
		m := msgport.NewMsg(cmdSum, reg.NullPort(), 0)
		m.Arg = i
		reg.SendMsg(id, m)
		if !m.Done() {
			return "", fmt.Errorf("message %d not completed inline: %s", i, m)
		}
		if l := p.Len(); l > peak {
			peak = l
		}
	}
	if peak != 0 {
		return "", fmt.Errorf("sync port queued up to %d messages", peak)
	}
	if want := int64(n) * int64(n+1) / 2; sum != want {
		return "", fmt.Errorf("sum = %d, want %d", sum, want)
	}
	return fmt.Sprintf("%d messages, queue peak %d", n, peak), nil
}

// scenarioB round-trips n requests through a worker thread with DoMsg.
// Odd requests fail in the worker and the error must reach the sender.
func scenarioB(_ context.Context, sys *kernel.System, opts Options) (string, error) {
	n, err := opts.Int("n", 10)
	if err != nil {
		return "", err
	}
	reg := msgport.NewRegistry(sys)
	reg.DefineCmd(cmdCheck, "check", msgport.ResultInt)

	svc := reg.StartService(min(1, sys.NCPU()-1), "simworker", func(_ *kernel.Thread, m *msgport.Msg) error {
		v := m.Arg.(int)
		m.Result = msgport.IntResult(v * v)
		if v%2 == 1 {
			return fmt.Errorf("request %d: %w", v, errOdd)
		}
		return nil
	})
	defer svc.Stop()
	reply := reg.NewReplyPort(nil)
	defer reg.ClosePort(reply)

	failed := 0
	for i := 0; i < n; i++ {
		m := msgport.NewMsg(cmdCheck, reply, 0)
		m.Arg = i
		err := reg.DoMsg(svc.Port(), m)
		switch {
		case i%2 == 1 && !errors.Is(err, errOdd):
			return "", fmt.Errorf("request %d: error = %v, want %v", i, err, errOdd)
		case i%2 == 0 && err != nil:
			return "", fmt.Errorf("request %d: %w", i, err)
		case !m.Done():
			return "", fmt.Errorf("request %d returned before done", i)
		}
		if err != nil {
			failed++
		}
		if got, _ := msgport.ResultAs[msgport.IntResult](m); got != msgport.IntResult(i*i) {
			return "", fmt.Errorf("request %d: result %d, want %d", i, got, i*i)
		}
	}
	return fmt.Sprintf("%d round trips via %s, %d errors returned", n, svc.Thread(), failed), nil
}

// scenarioC blocks waiters on a count of the same size and drains it from
// a third thread with ReleaseWakeup.
func scenarioC(ctx context.Context, sys *kernel.System, opts Options) (string, error) {
	waiters, err := opts.Int("waiters", 2)
	if err != nil {
		return "", err
	}
	if waiters < 1 {
		return "", fmt.Errorf("waiters %d: need at least one", waiters)
	}
	const wmesg = "simdrain"

	var c refcount.Count
	c.Init(uint32(waiters))
	tds := make([]*kernel.Thread, 0, waiters+1)
	for i := 0; i < waiters; i++ {
		tds = append(tds, sys.Spawn(i%sys.NCPU(), fmt.Sprintf("waiter%d", i), func(*kernel.Thread) {
			c.Wait(sys, wmesg)
		}))
	}
	if err := waitFor(ctx, "waiters asleep", func() bool { return sleepers(sys, wmesg) == waiters }); err != nil {
		return "", err
	}
	tds = append(tds, sys.Spawn(waiters%sys.NCPU(), "releaser", func(*kernel.Thread) {
		for i := 0; i < waiters; i++ {
			c.ReleaseWakeup(sys)
		}
	}))

	g, gctx := errgroup.WithContext(ctx)
	for _, td := range tds {
		td := td
		g.Go(func() error {
			select {
			case <-td.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("%s still blocked: %w", td, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if c.Value() != 0 || c.HasWaiters() {
		return "", fmt.Errorf("count left at %d waiting=%v", c.Value(), c.HasWaiters())
	}
	return fmt.Sprintf("%d waiters released", waiters), nil
}

// scenarioD invalidates a page cached on four CPUs while one of them is
// stalled in its IPI context. Done must not return before the stalled
// CPU has invalidated.
func scenarioD(ctx context.Context, sys *kernel.System, opts Options) (string, error) {
	const ncpu = 4
	if sys.NCPU() < ncpu {
		return "", errSkip{fmt.Sprintf("needs %d cpus, have %d", ncpu, sys.NCPU())}
	}
	targets := kernel.MaskAll(ncpu)
	if off := targets.Without(sys.ActiveMask()); !off.Empty() {
		return "", errSkip{fmt.Sprintf("cpus %s offline", off)}
	}
	slowID, err := opts.Int("slow", 3)
	if err != nil {
		return "", err
	}
	if slowID < 1 || slowID >= ncpu {
		return "", fmt.Errorf("slow cpu %d out of range [1,%d)", slowID, ncpu)
	}
	delay, err := opts.Duration("delay", sys.TickDuration(1))
	if err != nil {
		return "", err
	}

	const va = 0x10_0000
	mmu := pmap.NewMMU(sys)
	pm := pmap.New("simd")
	if err := pm.Enter(va, pmap.MakePTE(1, pmap.PTEValid|pmap.PTEWrite)); err != nil {
		return "", err
	}
	targets.ForEach(func(id int) {
		mmu.Activate(sys.CPU(id), pm)
		mmu.Translate(sys.CPU(id), pm, va)
	})

	self, slow := sys.CPU(0), sys.CPU(slowID)
	var info pmap.InvalInfo
	info.Init(mmu, self)
	info.Interlock(pm, va)

	entered := make(chan time.Time, 1)
	self.SendIPIQ(slowID, func(*kernel.CPU, any) {
		entered <- time.Now()
		time.Sleep(delay)
	}, nil)
	var stalledAt time.Time
	select {
	case stalledAt = <-entered:
	case <-ctx.Done():
		return "", fmt.Errorf("%s never stalled: %w", slow, ctx.Err())
	}

	pm.Store(va, pmap.MakePTE(2, pmap.PTEValid))
	info.Deinterlock(pm)
	info.Done()
	waited := time.Since(stalledAt)

	if waited < delay {
		return "", fmt.Errorf("done returned %s after the stall began, before the %s stall ended", waited, delay)
	}
	var stale []int
	targets.ForEach(func(id int) {
		if _, ok := mmu.Cached(sys.CPU(id), pm, va); ok {
			stale = append(stale, id)
		}
	})
	if len(stale) > 0 {
		return "", fmt.Errorf("cpus %v kept a stale translation", stale)
	}
	if st := mmu.Stats(slow); st.Invlpg != 1 {
		return "", fmt.Errorf("%s invlpg = %d, want 1", slow, st.Invlpg)
	}
	return fmt.Sprintf("%s stalled %s, done after %s, %d cpus invalidated", slow, delay, waited.Round(time.Microsecond), targets.Count()), nil
}

// scenarioE has threads on every online CPU increment a shared counter
// under one token. The token migrates by IPI; no increment may be lost.
func scenarioE(ctx context.Context, sys *kernel.System, opts Options) (string, error) {
	threads, err := opts.Int("threads", 2*sys.NCPU())
	if err != nil {
		return "", err
	}
	n, err := opts.Int("n", 100)
	if err != nil {
		return "", err
	}
	if threads < 1 || n < 1 {
		return "", fmt.Errorf("threads %d n %d: need at least one of each", threads, n)
	}

	var tok token.Token
	var cpus []int
	sys.ActiveMask().ForEach(func(id int) { cpus = append(cpus, id) })
	counter := 0

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		td := sys.Spawn(cpus[i%len(cpus)], fmt.Sprintf("tok%d", i), func(td *kernel.Thread) {
			for j := 0; j < n; j++ {
				tok.Get(td)
				counter++
				tok.Release(td)
			}
		})
		g.Go(func() error {
			select {
			case <-td.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("%s still running: %w", td, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if want := threads * n; counter != want {
		return "", fmt.Errorf("counter = %d, want %d", counter, want)
	}
	return fmt.Sprintf("%d acquisitions by %d threads on %d cpus, %s", threads*n, threads, len(cpus), &tok), nil
}
