package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// ThreadID identifies a kernel thread.
type ThreadID uint32

// Thread is a kernel thread bound to one CPU.
type Thread struct {
	id   ThreadID
	name string
	cpu  *CPU

	done   chan struct{}
	exited atomic.Bool
}

// Spawn starts fn as a new thread on CPU cpu.
//
// The thread exits when fn returns. A panic in fn panics the kernel.
func (s *System) Spawn(cpu int, name string, fn func(td *Thread)) *Thread {
	s.Assert(cpu >= 0 && cpu < len(s.cpus), "spawn %q: cpu %d out of range", name, cpu)
	s.Assert(fn != nil, "spawn %q: nil function", name)

	td := &Thread{
		id:   ThreadID(s.threadSeq.Add(1)),
		name: name,
		cpu:  s.cpus[cpu],
		done: make(chan struct{}),
	}
	s.threads.Add(1)
	go func() {
		defer s.threads.Done()
		defer close(td.done)
		defer td.exited.Store(true)
		defer func() {
			if r := recover(); r != nil {
				s.triggerPanic(PanicInfo{CPU: td.cpu.id, Thread: td.name, Value: r})
				panic(r)
			}
		}()
		fn(td)
	}()
	return td
}

func (td *Thread) ID() ThreadID    { return td.id }
func (td *Thread) Name() string    { return td.name }
func (td *Thread) CPU() *CPU       { return td.cpu }
func (td *Thread) System() *System { return td.cpu.sys }

// Exited reports whether the thread function has returned.
func (td *Thread) Exited() bool { return td.exited.Load() }

// Join blocks until the thread exits.
func (td *Thread) Join() { <-td.done }

// Done is closed when the thread exits.
func (td *Thread) Done() <-chan struct{} { return td.done }

// Yield gives up the CPU to other runnable threads.
func (td *Thread) Yield() { runtime.Gosched() }

func (td *Thread) String() string {
	return fmt.Sprintf("%s[%d]@cpu%d", td.name, td.id, td.cpu.id)
}
