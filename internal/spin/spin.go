// Package spin provides a test-and-set lock with exponential backoff for
// short, bounded critical sections.
package spin

import (
	"runtime"
	"sync/atomic"
)

const maxBackoff = 64

// Mutex is a spinlock. The zero value is unlocked. It must not be
// copied after first use.
type Mutex struct {
	_     [0]func() // prevent accidental copying.
	state atomic.Uint32
}

// Lock acquires the lock, spinning with exponential backoff and
// yielding the processor between rounds.
func (m *Mutex) Lock() {
	backoff := 1
	for {
		if m.state.Load() == 0 && m.state.CompareAndSwap(0, 1) {
			return
		}
		for i := 0; i < backoff; i++ {
			if m.state.Load() == 0 {
				break
			}
		}
		runtime.Gosched()
		if backoff < maxBackoff {
			backoff <<= 1
		}
	}
}

// TryLock acquires the lock if it is free.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	if m.state.Swap(0) == 0 {
		panic("spin: unlock of unlocked mutex")
	}
}
