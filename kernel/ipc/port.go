package ipc

import (
	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/internal/spin"
	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// Port is the body of a port object. Senders and receivers pair off in
// arrival order; notifications wait in a bounded ring.
type Port struct {
	t   *Transport
	obj *cap.Object

	mu        spin.Mutex
	closed    bool
	receivers int // live capabilities carrying RightRead
	seq       uint64
	senders   []*waiter
	recvq     []*waiter
	notes     *ring
}

var _ cap.Observer = (*Port)(nil)

// NewPort creates a port object holding one reference owned by the
// caller.
func (t *Transport) NewPort(id cap.ObjectID) *cap.Object {
	p := &Port{t: t, notes: newRing(t.cfg.QueueDepth)}
	p.obj = cap.NewObject(id, cap.KindPort, p, func(*cap.Object) {
		p.close("destroyed")
	})
	t.s.ports.Add(1)
	return p.obj
}

// PortOf returns the port behind obj.
func PortOf(obj *cap.Object) (*Port, bool) {
	if obj == nil || obj.Kind() != cap.KindPort {
		return nil, false
	}
	p, ok := obj.Body().(*Port)
	return p, ok
}

// Object returns the kernel object of the port.
func (p *Port) Object() *cap.Object { return p.obj }

// Closed reports whether the port has been closed.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Waiting returns the number of blocked senders and receivers.
func (p *Port) Waiting() (senders, receivers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders), len(p.recvq)
}

// Queued returns the number of pending notifications.
func (p *Port) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notes.len()
}

func (p *Port) current(c cap.Capability) bool {
	return c.Rights.Has(cap.RightRead) && c.Generation == p.obj.Generation()
}

// CapInstalled implements cap.Observer.
func (p *Port) CapInstalled(c cap.Capability) {
	if !p.current(c) {
		return
	}
	p.mu.Lock()
	p.receivers++
	p.mu.Unlock()
}

// CapRemoved implements cap.Observer. Removing the last receive
// capability closes the port.
func (p *Port) CapRemoved(c cap.Capability) {
	if !p.current(c) {
		return
	}
	p.mu.Lock()
	p.receivers--
	last := p.receivers == 0
	p.mu.Unlock()
	if last {
		p.close("last receive capability deleted")
	}
}

// Revoked implements cap.Observer.
func (p *Port) Revoked(uint64) {
	p.close("revoked")
}

// close fails every waiter with PortClosed. It is idempotent.
func (p *Port) close(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := append(p.senders, p.recvq...)
	p.senders, p.recvq = nil, nil
	for _, w := range waiters {
		w.claimed = true
	}
	for {
		if _, ok := p.notes.tryPop(); !ok {
			break
		}
	}
	p.mu.Unlock()

	for _, w := range waiters {
		if w.settle(nil, kerr.Newf(kerr.PortClosed, "port", "%v %s", p.obj, reason)) {
			p.t.s.closedWaiters.Add(1)
		}
	}
	p.t.log.Debug("port closed",
		zap.Stringer("port", p.obj),
		zap.String("reason", reason),
		zap.Int("waiters", len(waiters)))
}

// removeLocked drops w from whichever queue holds it.
func (p *Port) removeLocked(w *waiter) {
	q := &p.recvq
	if w.out != nil {
		q = &p.senders
	}
	for i, x := range *q {
		if x == w {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}
