package kernel

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Sleep when the timeout expires before a wakeup.
var ErrTimeout = errors.New("kernel: sleep timed out")

// sleepQueue maps a wait identifier to the sleepers registered on it, in
// registration order.
type sleepQueue struct {
	mu sync.Mutex
	q  map[any][]*Sleeper
}

func (sq *sleepQueue) init() {
	sq.q = make(map[any][]*Sleeper)
}

// Sleeper is a registration on a sleep queue.
//
// A Sleeper is created by Interlock and used for exactly one Sleep or
// Cancel. Every Wakeup issued on the identifier after Interlock returned
// is delivered to it, which closes the window between testing a condition
// and going to sleep.
type Sleeper struct {
	sys   *System
	ident any
	ch    chan struct{}

	// guarded by sys.sleepq.mu
	queued bool
	wmesg  string
	since  time.Time
}

// Interlock registers intent to sleep on ident (tsleep_interlock).
//
// ident must be comparable; by convention it is the address of the object
// being waited on.
func (s *System) Interlock(ident any) *Sleeper {
	sl := &Sleeper{
		sys:   s,
		ident: ident,
		ch:    make(chan struct{}, 1),
	}
	sq := &s.sleepq
	sq.mu.Lock()
	sl.queued = true
	sl.since = time.Now()
	sq.q[ident] = append(sq.q[ident], sl)
	sq.mu.Unlock()
	return sl
}

// Sleep blocks until a wakeup is delivered or timeout expires. A zero
// timeout sleeps until woken. It returns ErrTimeout on expiry.
func (sl *Sleeper) Sleep(wmesg string, timeout time.Duration) error {
	sq := &sl.sys.sleepq
	sq.mu.Lock()
	sl.wmesg = wmesg
	sq.mu.Unlock()

	if timeout <= 0 {
		<-sl.ch
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-sl.ch:
		return nil
	case <-t.C:
	}
	if sl.remove() {
		return ErrTimeout
	}
	// A wakeup dequeued us after the timer fired.
	<-sl.ch
	return nil
}

// Cancel drops the registration without sleeping.
func (sl *Sleeper) Cancel() {
	sl.remove()
}

func (sl *Sleeper) remove() bool {
	sq := &sl.sys.sleepq
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if !sl.queued {
		return false
	}
	sl.queued = false
	list := sq.q[sl.ident]
	for i, w := range list {
		if w == sl {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(sq.q, sl.ident)
	} else {
		sq.q[sl.ident] = list
	}
	return true
}

// Tsleep sleeps on ident until woken or timeout expires.
//
// Callers that test a condition before sleeping must use Interlock
// instead, or a wakeup between the test and the sleep is lost.
func (s *System) Tsleep(ident any, wmesg string, timeout time.Duration) error {
	return s.Interlock(ident).Sleep(wmesg, timeout)
}

// Wakeup wakes every sleeper on ident and returns how many were woken.
func (s *System) Wakeup(ident any) int {
	return s.wakeup(ident, false)
}

// WakeupOne wakes the oldest sleeper on ident.
func (s *System) WakeupOne(ident any) int {
	return s.wakeup(ident, true)
}

func (s *System) wakeup(ident any, one bool) int {
	sq := &s.sleepq
	sq.mu.Lock()
	defer sq.mu.Unlock()

	list := sq.q[ident]
	if len(list) == 0 {
		return 0
	}
	n := len(list)
	if one {
		n = 1
	}
	for _, sl := range list[:n] {
		sl.queued = false
		sl.ch <- struct{}{}
	}
	if n == len(list) {
		delete(sq.q, ident)
	} else {
		sq.q[ident] = append([]*Sleeper(nil), list[n:]...)
	}
	return n
}

// SleepInfo describes one registered sleeper.
type SleepInfo struct {
	Ident any
	Wmesg string
	Since time.Time
}

// Sleepers returns a snapshot of every registered sleeper.
func (s *System) Sleepers() []SleepInfo {
	sq := &s.sleepq
	sq.mu.Lock()
	defer sq.mu.Unlock()

	var out []SleepInfo
	for ident, list := range sq.q {
		for _, sl := range list {
			out = append(out, SleepInfo{Ident: ident, Wmesg: sl.wmesg, Since: sl.since})
		}
	}
	return out
}
