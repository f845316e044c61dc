package kernel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// Interrupt is the body of an interrupt object. Raising the line posts a
// notification to the bound port.
type Interrupt struct {
	k    *Kernel
	line uint32
	obj  *cap.Object

	mu    sync.Mutex
	port  *cap.Object
	badge uint64

	raised   atomic.Uint64
	overflow atomic.Uint64
}

// newInterrupt claims line. A line has at most one interrupt object.
func (k *Kernel) newInterrupt(line uint32) (*Interrupt, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.irqs[line]; ok {
		return nil, kerr.Newf(kerr.InvalidState, "interrupt create", "line %d already claimed", line)
	}
	irq := &Interrupt{k: k, line: line}
	irq.obj = cap.NewObject(k.newObjectID(), cap.KindInterrupt, irq, irq.release)
	k.irqs[line] = irq
	return irq, nil
}

// Line returns the interrupt line.
func (irq *Interrupt) Line() uint32 { return irq.line }

// Overflows returns the number of notifications lost to a full queue.
func (irq *Interrupt) Overflows() uint64 { return irq.overflow.Load() }

// bind routes the line to port, replacing any earlier binding. It takes
// over one reference to port.
func (irq *Interrupt) bind(port *cap.Object, badge uint64) {
	irq.mu.Lock()
	old := irq.port
	irq.port, irq.badge = port, badge
	irq.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

func (irq *Interrupt) release(*cap.Object) {
	irq.k.mu.Lock()
	if irq.k.irqs[irq.line] == irq {
		delete(irq.k.irqs, irq.line)
	}
	irq.k.mu.Unlock()
	irq.bind(nil, 0)
}

// RaiseInterrupt signals line. The bound port receives a notification
// labeled with the line number and badged with the badge of the port
// capability used at bind time. A full notification queue drops the
// interrupt with QueueFull.
func (k *Kernel) RaiseInterrupt(line uint32) error {
	const op = "interrupt raise"
	if err := k.check(op); err != nil {
		return err
	}
	k.mu.Lock()
	irq, ok := k.irqs[line]
	k.mu.Unlock()
	if !ok {
		return kerr.Newf(kerr.InvalidArgument, op, "line %d not claimed", line)
	}

	irq.mu.Lock()
	port, badge := irq.port, irq.badge
	if port != nil && !port.Retain() {
		port = nil
	}
	irq.mu.Unlock()
	if port == nil {
		return kerr.Newf(kerr.InvalidState, op, "line %d not bound", line)
	}
	defer port.Release()

	irq.raised.Add(1)
	err := k.ipc.Post(port, badge, uint64(line), nil)
	if kerr.KindOf(err) == kerr.QueueFull {
		n := irq.overflow.Add(1)
		k.log.Warn("interrupt overflow",
			zap.Uint32("line", line),
			zap.Uint64("overflows", n))
	}
	return err
}
