// Package rcu implements read-copy-update publication: readers load a
// versioned pointer without blocking, writers swap in a new version and
// the old one is reclaimed only after every reader that could have
// observed it has left its read-side section.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Domain tracks reader epochs and the garbage waiting for them.
type Domain struct {
	epoch  atomic.Uint64
	active [2]atomic.Int64

	mu      sync.Mutex
	garbage []retired
}

type retired struct {
	epoch uint64
	fn    func()
}

// Guard marks an active read-side section.
type Guard struct {
	d     *Domain
	epoch uint64
}

// Enter begins a read-side section.
func (d *Domain) Enter() Guard {
	for {
		e := d.epoch.Load()
		d.active[e&1].Add(1)
		if d.epoch.Load() == e {
			return Guard{d: d, epoch: e}
		}
		d.active[e&1].Add(-1)
	}
}

// Exit ends the read-side section.
func (g Guard) Exit() {
	g.d.active[g.epoch&1].Add(-1)
}

// Retire defers fn until all current readers have exited.
func (d *Domain) Retire(fn func()) {
	d.mu.Lock()
	d.garbage = append(d.garbage, retired{epoch: d.epoch.Load(), fn: fn})
	d.mu.Unlock()
	d.Collect()
}

// Collect advances the epoch where possible and runs the reclamation
// callbacks that are safe to run. It never blocks on readers and returns
// the number of callbacks still pending.
func (d *Domain) Collect() int {
	var ready []func()

	d.mu.Lock()
	for i := 0; i < 2; i++ {
		e := d.epoch.Load()
		if d.active[(e+1)&1].Load() != 0 {
			break
		}
		d.epoch.Store(e + 1)
	}
	e := d.epoch.Load()
	pending := d.garbage[:0]
	for _, r := range d.garbage {
		if r.epoch+2 <= e {
			ready = append(ready, r.fn)
		} else {
			pending = append(pending, r)
		}
	}
	d.garbage = pending
	n := len(pending)
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return n
}

// Synchronize waits until every retired callback has run.
func (d *Domain) Synchronize() {
	for d.Collect() != 0 {
		runtime.Gosched()
	}
}

// Pending returns the number of callbacks awaiting reclamation.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.garbage)
}

// Value is an RCU-protected pointer.
type Value[T any] struct {
	d *Domain
	p atomic.Pointer[T]
}

// NewValue returns a value published in the domain.
func NewValue[T any](d *Domain, initial *T) *Value[T] {
	v := &Value[T]{d: d}
	v.p.Store(initial)
	return v
}

// Read calls fn with the current version inside a read-side section.
// fn must not retain the pointer.
func (v *Value[T]) Read(fn func(*T)) {
	g := v.d.Enter()
	defer g.Exit()
	fn(v.p.Load())
}

// Swap publishes next and schedules reclaim(old) after a grace period.
// reclaim may be nil.
func (v *Value[T]) Swap(next *T, reclaim func(*T)) {
	old := v.p.Swap(next)
	if reclaim != nil && old != nil {
		v.d.Retire(func() { reclaim(old) })
	}
}

// Update applies fn to a copy of the current version and publishes the
// result. Concurrent Update calls are serialized.
func (v *Value[T]) Update(mu *sync.Mutex, fn func(cur *T) *T, reclaim func(*T)) {
	mu.Lock()
	defer mu.Unlock()
	v.Swap(fn(v.p.Load()), reclaim)
}
