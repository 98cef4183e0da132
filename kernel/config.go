package kernel

import (
	"fmt"
	"runtime"
	"time"

	"lwkt/hal"
)

const (
	// MaxCPU is the largest supported CPU count. Bit 63 of a CPUMask is
	// left free for users that pack a lock bit next to the mask.
	MaxCPU = 63

	defaultHz        = 100
	defaultIPIQDepth = 32
)

// Config controls kernel bring-up.
type Config struct {
	// NCPU is the number of logical CPUs. Zero means runtime.NumCPU().
	NCPU int
	// Hz is the tick rate. Zero means 100.
	Hz int
	// IPIQDepth is the depth of each cpu->cpu IPI FIFO. Must be a power of two.
	IPIQDepth int
	// SyncTimeout bounds IPI and barrier waits. A wait that exceeds it is
	// treated as a stuck CPU and panics the kernel. Zero disables the watchdog.
	SyncTimeout time.Duration
	// Clock overrides the tick source. Nil means a host ticker at Hz.
	Clock hal.Time
	// Logger receives kernel diagnostics. Nil discards them.
	Logger hal.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.NCPU == 0 {
		c.NCPU = runtime.NumCPU()
		if c.NCPU > MaxCPU {
			c.NCPU = MaxCPU
		}
	}
	if c.NCPU < 1 || c.NCPU > MaxCPU {
		return c, fmt.Errorf("kernel: ncpu %d out of range [1,%d]", c.NCPU, MaxCPU)
	}
	if c.Hz == 0 {
		c.Hz = defaultHz
	}
	if c.Hz < 0 {
		return c, fmt.Errorf("kernel: invalid hz %d", c.Hz)
	}
	if c.IPIQDepth == 0 {
		c.IPIQDepth = defaultIPIQDepth
	}
	if c.IPIQDepth < 4 || c.IPIQDepth&(c.IPIQDepth-1) != 0 {
		return c, fmt.Errorf("kernel: ipiq depth %d is not a power of two >= 4", c.IPIQDepth)
	}
	if c.SyncTimeout < 0 {
		return c, fmt.Errorf("kernel: negative sync timeout %s", c.SyncTimeout)
	}
	if c.Logger == nil {
		c.Logger = hal.Discard
	}
	return c, nil
}
