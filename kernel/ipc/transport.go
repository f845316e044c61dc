package ipc

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
	"github.com/doublegate/VeridianOS-sub004/kernel/mem"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

type attachment struct {
	idx  cap.Index
	c    cap.Capability
	mode cap.TransferMode
}

// outgoing is a validated message. Nothing has been mutated yet.
type outgoing struct {
	from    Party
	badge   uint64
	label   uint64
	data    []byte
	atts    []attachment
	dropped int

	pin  *mem.Pinned // zero-copy source pinned in the sender's space
	size uint64
}

// release drops the pin on the sender's buffer, if any.
func (o *outgoing) release(log *zap.Logger) {
	if o.pin == nil {
		return
	}
	if err := o.pin.Release(); err != nil {
		log.Error("buffer pin release failed", zap.Error(err))
	}
}

type result struct {
	d   *Delivery
	err error
}

// waiter is a thread blocked on a port.
type waiter struct {
	t     *Transport
	tid   sched.ThreadID
	party Party
	port  *Port
	out   *outgoing // nil for receivers
	call  bool

	// Guarded by port.mu. A claimed waiter is no longer in a queue: a
	// peer or a cancellation owns its completion.
	seq     uint64
	claimed bool

	settled atomic.Bool
	res     chan result
}

func (t *Transport) newWaiter(party Party, p *Port) *waiter {
	w := &waiter{
		t:     t,
		tid:   party.Thread,
		party: party,
		port:  p,
		res:   make(chan result, 1),
	}
	if w.tid != 0 {
		t.mu.Lock()
		t.waiting[w.tid] = w
		t.mu.Unlock()
	}
	return w
}

func (t *Transport) untrack(w *waiter) {
	if w.tid == 0 {
		return
	}
	t.mu.Lock()
	if t.waiting[w.tid] == w {
		delete(t.waiting, w.tid)
	}
	t.mu.Unlock()
}

// reserve takes the right to complete w. Only one completion wins.
func (w *waiter) reserve() bool {
	return w.settled.CompareAndSwap(false, true)
}

// finish hands the result to w and resumes its thread. w must have been
// reserved by the caller.
func (w *waiter) finish(d *Delivery, err error) {
	w.res <- result{d: d, err: err}
	if w.t.blocker != nil && w.tid != 0 {
		_ = w.t.blocker.Wake(w.tid)
	}
}

func (w *waiter) settle(d *Delivery, err error) bool {
	if !w.reserve() {
		return false
	}
	w.finish(d, err)
	return true
}

// wait suspends the calling thread until w completes or ctx is done.
func (t *Transport) wait(ctx context.Context, op string, w *waiter) (*Delivery, error) {
	if t.blocker != nil && w.tid != 0 {
		_ = t.blocker.Block(w.tid)
	}
	select {
	case r := <-w.res:
		return r.d, r.err
	case <-ctx.Done():
		t.abandon(w, kerr.Wrap(kerr.Canceled, op, ctx.Err()))
		r := <-w.res
		return r.d, r.err
	}
}

// abandon cancels w. A queued waiter is removed before abandon returns.
// A waiter already paired completes normally unless it only waits for a
// reply.
func (t *Transport) abandon(w *waiter, err error) {
	p := w.port
	p.mu.Lock()
	if !w.claimed {
		p.removeLocked(w)
		w.claimed = true
		p.mu.Unlock()
		if w.settle(nil, err) {
			t.s.canceled.Add(1)
		}
		return
	}
	p.mu.Unlock()
	if w.call && w.settle(nil, err) {
		t.s.canceled.Add(1)
	}
}

// CancelThread cancels the port operation the thread is blocked in, if
// any. On return the thread is in no port queue.
func (t *Transport) CancelThread(id sched.ThreadID) bool {
	t.mu.Lock()
	w := t.waiting[id]
	t.mu.Unlock()
	if w == nil {
		return false
	}
	t.abandon(w, kerr.Newf(kerr.Canceled, "cancel", "thread %d", id))
	return true
}

func (t *Transport) resolvePort(op string, party Party, idx cap.Index, rights cap.Rights) (*cap.Ref, *Port, error) {
	if party.Table == nil {
		return nil, nil, kerr.Newf(kerr.InvalidArgument, op, "no capability table")
	}
	ref, err := party.Table.ResolveKind(idx, cap.KindPort, rights)
	if err != nil {
		return nil, nil, err
	}
	p, ok := PortOf(ref.Object())
	if !ok || p.t != t {
		ref.Release()
		return nil, nil, kerr.Newf(kerr.InvalidCapability, op, "index %d is not a port of this kernel", idx)
	}
	return ref, p, nil
}

// prepare validates msg completely. Attachments that are empty or lack
// both RightTransfer and RightDuplicate reject the message; revoked ones
// are dropped. A shared buffer is pinned last; the caller releases it.
func (t *Transport) prepare(op string, from Party, msg Message) (*outgoing, error) {
	out := &outgoing{from: from, label: msg.Label}
	if len(msg.Caps) > t.cfg.MaxCaps {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "%d capabilities attached, limit %d",
			len(msg.Caps), t.cfg.MaxCaps)
	}
	if msg.Buffer != nil && msg.Data != nil {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "both data and buffer given")
	}
	if len(msg.Data) > MaxPayload {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "payload of %d bytes", len(msg.Data))
	}
	if len(msg.Caps) > 0 && from.Table == nil {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "no capability table")
	}

	seen := make(map[cap.Index]bool, len(msg.Caps))
	for _, idx := range msg.Caps {
		if seen[idx] {
			return nil, kerr.Newf(kerr.InvalidArgument, op, "index %d attached twice", idx)
		}
		seen[idx] = true
		c, ok := from.Table.Lookup(idx)
		if !ok {
			return nil, kerr.Newf(kerr.InvalidCapability, op, "attached index %d empty", idx)
		}
		if !c.Valid() {
			out.dropped++
			continue
		}
		mode, ok := cap.ModeFor(c.Rights)
		if !ok {
			return nil, kerr.Newf(kerr.TransferDenied, op, "attached index %d has %v", idx, c.Rights)
		}
		out.atts = append(out.atts, attachment{idx: idx, c: c, mode: mode})
	}

	switch b := msg.Buffer; {
	case b == nil:
		out.data = append([]byte(nil), msg.Data...)
	case from.Space == nil:
		return nil, kerr.Newf(kerr.InvalidArgument, op, "buffer without an address space")
	case b.Len == 0:
		out.data = []byte{}
	case b.Len > MaxBuffer:
		return nil, kerr.Newf(kerr.InvalidArgument, op, "buffer of %d bytes, limit %d", b.Len, MaxBuffer)
	case b.Len > uint64(t.cfg.InlineThreshold) && uint64(b.Addr)%mem.PageSize == 0:
		pages := (b.Len + mem.PageSize - 1) &^ (mem.PageSize - 1)
		pin, err := from.Space.Pin(mem.Range{Start: b.Addr, Len: pages}, b.KeepWrite)
		if err != nil {
			return nil, kerr.Wrap(kerr.KindOf(err), op, err)
		}
		out.pin = pin
		out.size = b.Len
	default:
		if b.Len > MaxPayload {
			return nil, kerr.Newf(kerr.InvalidArgument, op, "unaligned buffer of %d bytes", b.Len)
		}
		out.data = make([]byte, b.Len)
		if err := from.Space.Read(from.Core, b.Addr, out.data); err != nil {
			return nil, kerr.Wrap(kerr.KindOf(err), op, err)
		}
	}
	return out, nil
}

// deliver completes the transfer of out to the receiving party. Moves
// finish here with a compare-and-delete on the sender's slot.
func (t *Transport) deliver(out *outgoing, to Party, caller *waiter) *Delivery {
	d := &Delivery{
		Label:   out.label,
		Badge:   out.badge,
		Sender:  out.from.Thread,
		Data:    out.data,
		Size:    uint64(len(out.data)),
		Dropped: out.dropped,
		call:    caller,
	}
	for _, a := range out.atts {
		if !a.c.Valid() || to.Table == nil {
			d.Dropped++
			continue
		}
		idx, err := out.from.Table.TransferSnapshot(a.idx, a.c, a.mode, to.Table)
		if err != nil {
			t.log.Debug("attachment not delivered",
				zap.Uint32("index", uint32(a.idx)),
				zap.Error(err))
			d.Dropped++
			continue
		}
		d.Caps = append(d.Caps, idx)
	}
	if out.pin != nil {
		t.deliverShared(out, to, d)
	}
	if d.Dropped > 0 {
		d.CapsDropped = true
		t.s.capsDropped.Add(uint64(d.Dropped))
		t.log.Warn("attached capabilities dropped",
			zap.Uint64("sender", uint64(out.from.Thread)),
			zap.Uint64("receiver", uint64(to.Thread)),
			zap.Int("dropped", d.Dropped))
	}
	t.s.capsMoved.Add(uint64(len(d.Caps)))
	t.s.deliveries.Add(1)
	return d
}

// deliverShared maps the pinned buffer into the receiver and falls back
// to a copy when that is not possible. The pin is released on return.
func (t *Transport) deliverShared(out *outgoing, to Party, d *Delivery) {
	defer out.release(t.log)
	d.Size = out.size
	if to.Space != nil {
		at, err := to.Space.FindFree(out.pin.Len())
		if err == nil {
			var m mem.Mapping
			m, err = out.pin.MapInto(to.Space, at)
			if err == nil {
				d.Mapped = &m
				t.s.zeroCopy.Add(1)
				return
			}
		}
		t.log.Debug("zero-copy unavailable", zap.Error(err))
	}
	buf := make([]byte, out.size)
	if err := out.pin.Read(0, buf); err != nil {
		t.log.Error("pinned buffer unreadable", zap.Error(err))
	}
	d.Data = buf
}

// Send delivers msg through the port capability at idx and blocks until
// a receiver has taken it.
func (t *Transport) Send(ctx context.Context, from Party, idx cap.Index, msg Message) error {
	const op = "port send"
	ref, p, err := t.resolvePort(op, from, idx, cap.RightWrite)
	if err != nil {
		return err
	}
	defer ref.Release()
	out, err := t.prepare(op, from, msg)
	if err != nil {
		return err
	}
	defer out.release(t.log)
	out.badge = ref.Cap.Badge
	t.s.sends.Add(1)
	_, err = t.transmit(ctx, op, p, out, false)
	return err
}

// Call sends msg and blocks until the receiver replies.
func (t *Transport) Call(ctx context.Context, from Party, idx cap.Index, msg Message) (*Delivery, error) {
	const op = "port call"
	ref, p, err := t.resolvePort(op, from, idx, cap.RightWrite)
	if err != nil {
		return nil, err
	}
	defer ref.Release()
	out, err := t.prepare(op, from, msg)
	if err != nil {
		return nil, err
	}
	defer out.release(t.log)
	out.badge = ref.Cap.Badge
	t.s.calls.Add(1)
	return t.transmit(ctx, op, p, out, true)
}

func (t *Transport) transmit(ctx context.Context, op string, p *Port, out *outgoing, call bool) (*Delivery, error) {
	w := t.newWaiter(out.from, p)
	defer t.untrack(w)
	w.out = out
	w.call = call

	p.mu.Lock()
	if w.claimed {
		p.mu.Unlock()
		r := <-w.res
		return r.d, r.err
	}
	if p.closed {
		p.mu.Unlock()
		return nil, kerr.Newf(kerr.PortClosed, op, "%v", p.obj)
	}
	if len(p.recvq) > 0 {
		r := p.recvq[0]
		p.recvq = p.recvq[1:]
		r.claimed = true
		w.claimed = true
		p.mu.Unlock()

		var caller *waiter
		if call {
			caller = w
		}
		r.settle(t.deliver(out, r.party, caller), nil)
		if !call {
			return nil, nil
		}
		return t.wait(ctx, op, w)
	}
	p.seq++
	w.seq = p.seq
	p.senders = append(p.senders, w)
	p.mu.Unlock()

	return t.wait(ctx, op, w)
}

// Receive takes the earliest arrival on the port capability at idx,
// blocking until a sender or notification arrives.
func (t *Transport) Receive(ctx context.Context, to Party, idx cap.Index) (*Delivery, error) {
	const op = "port receive"
	ref, p, err := t.resolvePort(op, to, idx, cap.RightRead)
	if err != nil {
		return nil, err
	}
	defer ref.Release()

	w := t.newWaiter(to, p)
	defer t.untrack(w)

	p.mu.Lock()
	if w.claimed {
		p.mu.Unlock()
		r := <-w.res
		return r.d, r.err
	}
	if p.closed {
		p.mu.Unlock()
		return nil, kerr.Newf(kerr.PortClosed, op, "%v", p.obj)
	}
	n, hasNote := p.notes.peek()
	if hasNote && (len(p.senders) == 0 || n.seq < p.senders[0].seq) {
		nt, _ := p.notes.tryPop()
		w.claimed = true
		p.mu.Unlock()
		return noteDelivery(nt), nil
	}
	if len(p.senders) > 0 {
		s := p.senders[0]
		p.senders = p.senders[1:]
		s.claimed = true
		w.claimed = true
		p.mu.Unlock()

		if s.call {
			return t.deliver(s.out, to, s), nil
		}
		d := t.deliver(s.out, to, nil)
		s.settle(nil, nil)
		return d, nil
	}
	p.seq++
	w.seq = p.seq
	p.recvq = append(p.recvq, w)
	p.mu.Unlock()

	return t.wait(ctx, op, w)
}

// TryReceive is Receive without blocking. It reports false when nothing
// is pending.
func (t *Transport) TryReceive(to Party, idx cap.Index) (*Delivery, bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := t.Receive(ctx, to, idx)
	if kerr.KindOf(err) == kerr.Canceled {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Reply answers the call d exactly once.
func (t *Transport) Reply(from Party, d *Delivery, msg Message) error {
	const op = "port reply"
	if d == nil || d.call == nil {
		return kerr.Newf(kerr.InvalidArgument, op, "delivery is not a call")
	}
	caller := d.call
	out, err := t.prepare(op, from, msg)
	if err != nil {
		return err
	}
	defer out.release(t.log)
	if !caller.reserve() {
		return kerr.Newf(kerr.Canceled, op, "caller %d no longer waits", caller.tid)
	}
	d.call = nil
	t.s.replies.Add(1)
	caller.finish(t.deliver(out, caller.party, nil), nil)
	return nil
}

func noteDelivery(n note) *Delivery {
	return &Delivery{
		Label:        n.label,
		Badge:        n.badge,
		Sender:       n.sender,
		Data:         n.data,
		Size:         uint64(len(n.data)),
		Notification: true,
	}
}

// Notify posts an asynchronous notification through the port capability
// at idx. It never blocks; a full ring fails with QueueFull.
func (t *Transport) Notify(from Party, idx cap.Index, label uint64, data []byte) error {
	const op = "port notify"
	ref, p, err := t.resolvePort(op, from, idx, cap.RightWrite)
	if err != nil {
		return err
	}
	defer ref.Release()
	return t.post(op, p, note{
		label:  label,
		badge:  ref.Cap.Badge,
		sender: from.Thread,
		data:   data,
	})
}

// Post delivers a notification to a port object on behalf of the kernel.
// Interrupt delivery uses it.
func (t *Transport) Post(obj *cap.Object, badge, label uint64, data []byte) error {
	const op = "port post"
	p, ok := PortOf(obj)
	if !ok || p.t != t {
		return kerr.Newf(kerr.InvalidArgument, op, "%v is not a port of this kernel", obj)
	}
	return t.post(op, p, note{label: label, badge: badge, data: data})
}

func (t *Transport) post(op string, p *Port, n note) error {
	if len(n.data) > t.cfg.InlineThreshold {
		return kerr.Newf(kerr.InvalidArgument, op, "notification of %d bytes, limit %d",
			len(n.data), t.cfg.InlineThreshold)
	}
	n.data = append([]byte(nil), n.data...)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return kerr.Newf(kerr.PortClosed, op, "%v", p.obj)
	}
	if len(p.recvq) > 0 {
		r := p.recvq[0]
		p.recvq = p.recvq[1:]
		r.claimed = true
		p.mu.Unlock()
		r.settle(noteDelivery(n), nil)
		t.s.notifications.Add(1)
		return nil
	}
	p.seq++
	n.seq = p.seq
	if !p.notes.tryPush(n) {
		p.seq--
		p.mu.Unlock()
		t.s.queueFull.Add(1)
		return kerr.Newf(kerr.QueueFull, op, "%v holds %d notifications", p.obj, p.notes.capacity())
	}
	p.mu.Unlock()
	t.s.notifications.Add(1)
	return nil
}
