package byteslice

import (
	"math/bits"
	"sync"
)

const (
	minShift = 6  // 64B
	maxShift = 24 // 16MB
	classes  = maxShift - minShift + 1
)

var builtinPool Pool

// Pool hands out byte slices whose capacity is rounded up to a power of two.
// Requests above 16MB bypass the pool.
type Pool struct {
	classes [classes]sync.Pool
}

// Get returns a slice of len size from the shared pool.
func Get(size int) []byte {
	return builtinPool.Get(size)
}

// Put gives buf back to the shared pool.
func Put(buf []byte) {
	builtinPool.Put(buf)
}

func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	c, ok := classOf(size)
	if !ok {
		return make([]byte, size)
	}
	if bp, _ := p.classes[c].Get().(*[]byte); bp != nil {
		return (*bp)[:size]
	}
	return make([]byte, size, 1<<(c+minShift))
}

// Put accepts slices of any capacity. A slice that is not a whole class is
// filed under the largest class it can still satisfy.
func (p *Pool) Put(buf []byte) {
	n := cap(buf)
	if n < 1<<minShift || n > 1<<maxShift {
		return
	}
	shift := bits.Len(uint(n)) - 1
	buf = buf[:0:1<<shift]
	p.classes[shift-minShift].Put(&buf)
}

func classOf(size int) (int, bool) {
	if size > 1<<maxShift {
		return 0, false
	}
	shift := bits.Len(uint(size - 1))
	if shift < minShift {
		shift = minShift
	}
	return shift - minShift, true
}
