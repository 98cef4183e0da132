package kernel

import (
	"math/bits"
	"strconv"
	"strings"
)

// CPUMask is a set of CPU ids, one bit per CPU.
type CPUMask uint64

// MaskOf returns the mask containing ids.
func MaskOf(ids ...int) CPUMask {
	var m CPUMask
	for _, id := range ids {
		m = m.Set(id)
	}
	return m
}

// MaskAll returns the mask of CPUs [0, n).
func MaskAll(n int) CPUMask {
	if n >= 64 {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

func (m CPUMask) Has(id int) bool      { return m&(1<<uint(id)) != 0 }
func (m CPUMask) Set(id int) CPUMask   { return m | 1<<uint(id) }
func (m CPUMask) Clear(id int) CPUMask { return m &^ (1 << uint(id)) }
func (m CPUMask) Count() int           { return bits.OnesCount64(uint64(m)) }
func (m CPUMask) Empty() bool          { return m == 0 }

// Without returns the CPUs in m that are not in o.
func (m CPUMask) Without(o CPUMask) CPUMask { return m &^ o }

// First returns the lowest CPU id in the mask, or -1 if it is empty.
func (m CPUMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// ForEach calls fn for every CPU in the mask, lowest id first.
func (m CPUMask) ForEach(fn func(id int)) {
	for m != 0 {
		id := bits.TrailingZeros64(uint64(m))
		fn(id)
		m &^= 1 << uint(id)
	}
}

func (m CPUMask) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	m.ForEach(func(id int) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(strconv.Itoa(id))
	})
	b.WriteByte('}')
	return b.String()
}
