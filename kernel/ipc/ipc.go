// Package ipc implements ports: synchronous rendezvous messaging with
// capability transfer, bounded asynchronous notifications and a
// zero-copy path for large page-aligned payloads.
package ipc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/internal/klog"
	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/mem"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

// Defaults for Config fields left zero.
const (
	DefaultInlineThreshold = 256
	DefaultQueueDepth      = 64
	DefaultMaxCaps         = 4

	// MaxPayload bounds inline message data.
	MaxPayload = 64 << 10

	// MaxBuffer bounds a buffer shared from the sender's address space.
	MaxBuffer = 16 << 20
)

// Config holds transport tunables.
type Config struct {
	InlineThreshold int // payloads above this size may be shared instead of copied
	QueueDepth      int // notification ring capacity per port
	MaxCaps         int // capabilities attached per message
}

func (c Config) withDefaults() Config {
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = DefaultInlineThreshold
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxCaps <= 0 {
		c.MaxCaps = DefaultMaxCaps
	}
	return c
}

// Party identifies one end of a transfer: the calling thread, the
// capability table it acts through and its address space.
type Party struct {
	Thread sched.ThreadID
	Table  *cap.Table
	Space  *mem.AddressSpace // nil disables buffers and the zero-copy path
	Core   int               // core used for address space accesses
}

// Buffer names a payload held in the sender's address space.
type Buffer struct {
	Addr mem.VirtAddr
	Len  uint64

	// KeepWrite shares the pages copy-on-write so that the sender keeps
	// writing privately.
	KeepWrite bool
}

// Message is an outgoing message. Data and Buffer are exclusive.
type Message struct {
	Label  uint64
	Data   []byte
	Caps   []cap.Index
	Buffer *Buffer
}

// Delivery is a received message.
type Delivery struct {
	Label  uint64
	Badge  uint64 // badge of the capability the sender used
	Sender sched.ThreadID
	Data   []byte

	// Caps are the transferred capabilities, installed in the receiver's
	// table.
	Caps []cap.Index

	// CapsDropped is set when attachments were revoked before they could
	// be delivered.
	CapsDropped bool
	Dropped     int

	// Mapped is set when the payload was shared into the receiver's
	// address space instead of copied. Size is the payload length.
	Mapped *mem.Mapping
	Size   uint64

	Notification bool

	call *waiter
}

// IsCall reports whether the sender waits for a Reply.
func (d *Delivery) IsCall() bool { return d.call != nil }

// Blocker suspends and resumes threads that wait on a port.
// *sched.Scheduler implements it.
type Blocker interface {
	Block(id sched.ThreadID) error
	Wake(id sched.ThreadID) error
}

// Stats are transport counters.
type Stats struct {
	Ports          uint64
	Sends          uint64
	Calls          uint64
	Replies        uint64
	Notifications  uint64
	Deliveries     uint64
	ZeroCopy       uint64
	CapsMoved      uint64
	CapsDropped    uint64
	QueueFull      uint64
	Canceled       uint64
	ClosedWaiters  uint64
	PendingWaiters int
}

type stats struct {
	ports, sends, calls, replies, notifications atomic.Uint64
	deliveries, zeroCopy, capsMoved, capsDropped atomic.Uint64
	queueFull, canceled, closedWaiters           atomic.Uint64
}

// Transport owns the ports of one kernel.
type Transport struct {
	log     *zap.Logger
	cfg     Config
	blocker Blocker

	mu      sync.Mutex
	waiting map[sched.ThreadID]*waiter

	s stats
}

// New returns a transport. blocker may be nil when waiting threads are
// not scheduler threads.
func New(cfg Config, blocker Blocker, logger *zap.Logger) *Transport {
	return &Transport{
		log:     klog.OrNop(logger),
		cfg:     cfg.withDefaults(),
		blocker: blocker,
		waiting: make(map[sched.ThreadID]*waiter),
	}
}

// Config returns the tunables in effect.
func (t *Transport) Config() Config { return t.cfg }

// Stats returns the transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	pending := len(t.waiting)
	t.mu.Unlock()
	return Stats{
		Ports:          t.s.ports.Load(),
		Sends:          t.s.sends.Load(),
		Calls:          t.s.calls.Load(),
		Replies:        t.s.replies.Load(),
		Notifications:  t.s.notifications.Load(),
		Deliveries:     t.s.deliveries.Load(),
		ZeroCopy:       t.s.zeroCopy.Load(),
		CapsMoved:      t.s.capsMoved.Load(),
		CapsDropped:    t.s.capsDropped.Load(),
		QueueFull:      t.s.queueFull.Load(),
		Canceled:       t.s.canceled.Load(),
		ClosedWaiters:  t.s.closedWaiters.Load(),
		PendingWaiters: pending,
	}
}
