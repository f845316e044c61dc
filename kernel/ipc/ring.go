package ipc

import "github.com/doublegate/VeridianOS-sub004/kernel/sched"

// note is one queued notification.
type note struct {
	seq    uint64
	label  uint64
	badge  uint64
	sender sched.ThreadID
	data   []byte
}

// ring is a fixed-size FIFO of notifications. head is the next slot to
// fill, tail the oldest occupied one; both wrap at the capacity. The
// owning port's lock guards it.
type ring struct {
	head  int
	tail  int
	n     int
	slots []note
}

func newRing(depth int) *ring {
	return &ring{slots: make([]note, depth)}
}

func (r *ring) len() int { return r.n }

func (r *ring) capacity() int { return len(r.slots) }

func (r *ring) next(i int) int {
	if i++; i == len(r.slots) {
		return 0
	}
	return i
}

// tryPush enqueues n, returning false if the ring is full.
func (r *ring) tryPush(n note) bool {
	if r.n == len(r.slots) {
		return false
	}
	r.slots[r.head] = n
	r.head = r.next(r.head)
	r.n++
	return true
}

// peek returns the oldest notification without removing it.
func (r *ring) peek() (*note, bool) {
	if r.n == 0 {
		return nil, false
	}
	return &r.slots[r.tail], true
}

// tryPop dequeues the oldest notification, returning false if empty.
func (r *ring) tryPop() (note, bool) {
	if r.n == 0 {
		return note{}, false
	}
	n := r.slots[r.tail]
	r.slots[r.tail] = note{}
	r.tail = r.next(r.tail)
	r.n--
	return n, true
}
