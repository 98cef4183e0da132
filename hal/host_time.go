package hal

import (
	"sync"
	"time"
)

// HostTime is a Time backed by a wall-clock ticker.
type HostTime struct {
	ch   chan uint64
	stop chan struct{}
	once sync.Once
}

// NewHostTime starts a ticker delivering hz ticks per second.
//
// Ticks are dropped, not queued, when the consumer falls behind; the
// sequence number still advances so the consumer can observe the gap.
func NewHostTime(hz int) *HostTime {
	if hz <= 0 {
		hz = 100
	}
	t := &HostTime{
		ch:   make(chan uint64, 64),
		stop: make(chan struct{}),
	}
	go t.run(time.Second / time.Duration(hz))
	return t
}

func (t *HostTime) Ticks() <-chan uint64 { return t.ch }

// Stop halts the ticker. It is safe to call more than once.
func (t *HostTime) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *HostTime) run(d time.Duration) {
	tk := time.NewTicker(d)
	defer tk.Stop()

	var seq uint64
	for {
		select {
		case <-t.stop:
			return
		case <-tk.C:
			seq++
			select {
			case t.ch <- seq:
			default:
			}
		}
	}
}

// ManualTime is a Time advanced explicitly with Step. Tests use it to
// drive the kernel tick deterministically.
type ManualTime struct {
	mu  sync.Mutex
	ch  chan uint64
	seq uint64
}

// NewManualTime returns a stopped clock at tick 0.
func NewManualTime() *ManualTime {
	return &ManualTime{ch: make(chan uint64, 1024)}
}

func (t *ManualTime) Ticks() <-chan uint64 { return t.ch }

// Step advances the clock by n ticks.
func (t *ManualTime) Step(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
