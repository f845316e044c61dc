package sched

import (
	"sort"

	"github.com/doublegate/VeridianOS-sub004/internal/spin"
)

// runQueue is the ready set of one core. Realtime threads with a
// deadline wait in rt; every other thread waits in the level of its
// priority, ordered by virtual runtime.
type runQueue struct {
	mu     spin.Mutex
	rt     []*Thread
	levels [NumPriorities][]*Thread
	n      int

	minVruntime uint64
}

func insertSorted(q []*Thread, t *Thread, less func(a, b *Thread) bool) []*Thread {
	i := sort.Search(len(q), func(i int) bool { return less(t, q[i]) })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = t
	return q
}

func removeFrom(q []*Thread, t *Thread) ([]*Thread, bool) {
	for i, x := range q {
		if x == t {
			return append(q[:i], q[i+1:]...), true
		}
	}
	return q, false
}

// insertLocked adds t. t.mu must be held.
func (q *runQueue) insertLocked(t *Thread) {
	if t.realtime() {
		q.rt = insertSorted(q.rt, t, (*Thread).lessDeadline)
	} else {
		q.levels[t.priority] = insertSorted(q.levels[t.priority], t, (*Thread).less)
	}
	q.n++
}

// removeLocked drops t from the queue.
func (q *runQueue) removeLocked(t *Thread) bool {
	var ok bool
	if q.rt, ok = removeFrom(q.rt, t); ok {
		q.n--
		return true
	}
	lvl := q.levels[t.priority]
	if q.levels[t.priority], ok = removeFrom(lvl, t); ok {
		q.n--
		return true
	}
	return false
}

// pickLocked selects the thread to run next on a core of type ct.
// Realtime threads go first by deadline. Otherwise the level heads
// within window of the smallest virtual runtime are candidates, and one
// preferring ct wins over one that does not.
func (q *runQueue) pickLocked(ct CoreType, window uint64) *Thread {
	if len(q.rt) > 0 {
		return q.rt[0]
	}
	var best *Thread
	for _, lvl := range q.levels {
		if len(lvl) > 0 && (best == nil || lvl[0].less(best)) {
			best = lvl[0]
		}
	}
	if best == nil {
		return nil
	}
	if pt, ok := best.preferred(); ok && pt == ct {
		return best
	}
	var match *Thread
	for _, lvl := range q.levels {
		if len(lvl) == 0 {
			continue
		}
		h := lvl[0]
		if h.vruntime > best.vruntime+window {
			continue
		}
		if pt, ok := h.preferred(); ok && pt == ct && (match == nil || h.less(match)) {
			match = h
		}
	}
	if match != nil {
		return match
	}
	return best
}

// stealableLocked returns the queued thread a core may take, preferring
// the one this queue would run last.
func (q *runQueue) stealableLocked(core int) *Thread {
	var pick *Thread
	for _, lvl := range q.levels {
		for _, t := range lvl {
			if t.allowed(core) && (pick == nil || pick.less(t)) {
				pick = t
			}
		}
	}
	if pick != nil {
		return pick
	}
	for i := len(q.rt) - 1; i >= 0; i-- {
		if q.rt[i].allowed(core) {
			return q.rt[i]
		}
	}
	return nil
}

// drainLocked empties the queue and returns its threads.
func (q *runQueue) drainLocked() []*Thread {
	out := append([]*Thread(nil), q.rt...)
	q.rt = nil
	for i := range q.levels {
		out = append(out, q.levels[i]...)
		q.levels[i] = nil
	}
	q.n = 0
	return out
}
