package mem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/internal/spin"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// Region describes one physical memory range supplied at boot.
type Region struct {
	Base   Frame
	Frames uint64
	Tier   Tier
	Node   int
}

// PolicyKind selects how frames are spread over NUMA nodes.
type PolicyKind uint8

// Placement policies.
const (
	PolicyLocal PolicyKind = iota
	PolicyInterleaved
	PolicyBind
)

var policyNames = map[PolicyKind]string{
	PolicyLocal:       "local",
	PolicyInterleaved: "interleaved",
	PolicyBind:        "bind",
}

func (k PolicyKind) String() string {
	name, ok := policyNames[k]
	if ok {
		return name
	}
	return fmt.Sprintf("{PolicyKind %d}", k)
}

// Policy is a NUMA placement policy. The zero value is Local.
type Policy struct {
	Kind  PolicyKind
	Nodes []int
}

// Local places frames on the requesting core's node first.
func Local() Policy {
	return Policy{Kind: PolicyLocal}
}

// Interleave spreads successive allocations round-robin over nodes.
func Interleave(nodes ...int) Policy {
	return Policy{Kind: PolicyInterleaved, Nodes: nodes}
}

// Bind restricts allocations to nodes.
func Bind(nodes ...int) Policy {
	return Policy{Kind: PolicyBind, Nodes: nodes}
}

func (p Policy) String() string {
	if p.Kind == PolicyLocal {
		return p.Kind.String()
	}
	return fmt.Sprintf("%v%v", p.Kind, p.Nodes)
}

// Request is a physical allocation request.
type Request struct {
	Frames uint64
	Align  uint64 // in frames, power of two; 0 means 1
	Hint   Hint
	Policy Policy
	Node   int // node of the requesting core, used by PolicyLocal
}

// TierStats reports the capacity of one tier.
type TierStats struct {
	Tier  Tier
	Total uint64
	Free  uint64
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	Tiers       []TierStats
	Allocations uint64
	Frees       uint64
	Fallbacks   uint64
	Splits      uint64
	Coalesces   uint64
	Shootdowns  uint64
}

// Manager owns every physical zone, the frame reference table, simulated
// physical memory and the per-core translation caches.
type Manager struct {
	log   *zap.Logger
	zones []*zone
	nodes []int
	rr    atomic.Uint64

	refMu spin.Mutex
	refs  map[Frame]int32

	phys physMem
	tlbs []*tlb

	asids atomic.Uint64

	fallbacks  atomic.Uint64
	shootdowns atomic.Uint64

	halted    atomic.Bool
	fatalOnce sync.Once
	fatalMu   sync.Mutex
	onFatal   func(error)
}

// NewManager builds the zones for regions and a translation cache for
// each of cores.
func NewManager(regions []Region, cores int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cores <= 0 {
		return nil, fmt.Errorf("mem: need at least one core, got %d", cores)
	}
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	m := &Manager{
		log:  logger,
		refs: make(map[Frame]int32),
		phys: physMem{pages: make(map[Frame]*[PageSize]byte)},
	}
	seen := make(map[int]bool)
	for i, r := range sorted {
		if r.Frames == 0 {
			return nil, fmt.Errorf("mem: region %d at %#x is empty", i, uint64(r.Base))
		}
		if r.Tier >= numTiers {
			return nil, fmt.Errorf("mem: region %d has unknown tier %v", i, r.Tier)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.Base+Frame(prev.Frames) > r.Base {
				return nil, fmt.Errorf("mem: region %#x overlaps %#x", uint64(r.Base), uint64(prev.Base))
			}
		}
		m.zones = append(m.zones, newZone(i, r))
		if !seen[r.Node] {
			seen[r.Node] = true
			m.nodes = append(m.nodes, r.Node)
		}
	}
	sort.Ints(m.nodes)
	for i := 0; i < cores; i++ {
		m.tlbs = append(m.tlbs, newTLB())
	}
	logger.Info("memory manager ready",
		zap.Int("zones", len(m.zones)),
		zap.Ints("nodes", m.nodes),
		zap.Uint64("frames", m.totalFrames()))
	return m, nil
}

func (m *Manager) totalFrames() uint64 {
	var n uint64
	for _, z := range m.zones {
		n += z.count
	}
	return n
}

// Zones returns the boot regions managed by m.
func (m *Manager) Zones() []Region {
	out := make([]Region, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, Region{Base: z.base, Frames: z.count, Tier: z.tier, Node: z.node})
	}
	return out
}

// Nodes returns the NUMA nodes that own memory.
func (m *Manager) Nodes() []int {
	return append([]int(nil), m.nodes...)
}

// Cores returns the number of translation caches.
func (m *Manager) Cores() int {
	return len(m.tlbs)
}

// SetFatalHandler installs the function called once when allocator
// metadata is found corrupted.
func (m *Manager) SetFatalHandler(fn func(error)) {
	m.fatalMu.Lock()
	m.onFatal = fn
	m.fatalMu.Unlock()
}

// Halted reports whether the manager stopped after detecting corruption.
func (m *Manager) Halted() bool {
	return m.halted.Load()
}

func (m *Manager) fatal(err error) {
	m.halted.Store(true)
	m.fatalOnce.Do(func() {
		m.log.Error("memory corruption detected", zap.Error(err))
		m.fatalMu.Lock()
		fn := m.onFatal
		m.fatalMu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

func (m *Manager) checkHalted(op string) error {
	if m.halted.Load() {
		return kerr.New(kerr.Halted, op)
	}
	return nil
}

// nodeOrder returns the nodes to try for p, in order.
func (m *Manager) nodeOrder(p Policy, local int) ([]int, error) {
	switch p.Kind {
	case PolicyLocal:
		order := []int{local}
		for _, n := range m.nodes {
			if n != local {
				order = append(order, n)
			}
		}
		return order, nil

	case PolicyInterleaved:
		if len(p.Nodes) == 0 {
			return nil, kerr.Newf(kerr.InvalidArgument, "frame allocate", "interleave without nodes")
		}
		start := int(m.rr.Add(1)-1) % len(p.Nodes)
		order := make([]int, 0, len(m.nodes)+len(p.Nodes))
		named := make(map[int]bool)
		for i := range p.Nodes {
			n := p.Nodes[(start+i)%len(p.Nodes)]
			if !named[n] {
				named[n] = true
				order = append(order, n)
			}
		}
		for _, n := range m.nodes {
			if !named[n] {
				order = append(order, n)
			}
		}
		return order, nil

	case PolicyBind:
		if len(p.Nodes) == 0 {
			return nil, kerr.Newf(kerr.InvalidArgument, "frame allocate", "bind without nodes")
		}
		return p.Nodes, nil
	}
	return nil, kerr.Newf(kerr.InvalidArgument, "frame allocate", "unknown policy %v", p.Kind)
}

// Allocate reserves a contiguous block of frames. The hint picks the
// preferred tier; exhausted tiers fall back in the order local, attached,
// persistent.
func (m *Manager) Allocate(req Request) (Block, error) {
	const op = "frame allocate"
	if err := m.checkHalted(op); err != nil {
		return Block{}, err
	}
	if req.Frames == 0 {
		return Block{}, kerr.Newf(kerr.InvalidArgument, op, "zero frames")
	}
	align := req.Align
	if align == 0 {
		align = 1
	}
	if !isPow2(align) {
		return Block{}, kerr.Newf(kerr.InvalidArgument, op, "alignment %d is not a power of two", align)
	}
	if orderFor(req.Frames) > MaxOrder || orderFor(align) > MaxOrder {
		return Block{}, kerr.Newf(kerr.InvalidArgument, op,
			"%d frames aligned to %d exceeds the largest block", req.Frames, align)
	}
	nodes, err := m.nodeOrder(req.Policy, req.Node)
	if err != nil {
		return Block{}, err
	}

	preferred := req.Hint.tier()
	for _, tier := range req.Hint.tierOrder() {
		for _, node := range nodes {
			for _, z := range m.zones {
				if z.tier != tier || z.node != node {
					continue
				}
				f, ok := z.allocate(req.Frames, align)
				if !ok {
					continue
				}
				if tier != preferred {
					m.fallbacks.Add(1)
					m.log.Debug("tier fallback",
						zap.Stringer("hint", req.Hint),
						zap.Stringer("want", preferred),
						zap.Stringer("got", tier))
				}
				return Block{Start: f, Frames: req.Frames, Tier: tier, Node: node}, nil
			}
		}
	}
	if req.Policy.Kind == PolicyBind {
		return Block{}, kerr.Newf(kerr.PolicyUnsatisfiable, op,
			"no capacity for %d frames on nodes %v", req.Frames, req.Policy.Nodes)
	}
	return Block{}, kerr.Newf(kerr.OutOfMemory, op, "%d frames", req.Frames)
}

func (m *Manager) zoneOf(start Frame, n uint64) *zone {
	for _, z := range m.zones {
		if z.contains(start) && n > 0 && z.contains(start+Frame(n)-1) {
			return z
		}
	}
	return nil
}

// Free returns a block obtained from Allocate. Frames still referenced by
// a mapping are refused. Freeing frames that are not allocated halts the
// manager with MemoryCorruptionDetected.
func (m *Manager) Free(b Block) error {
	const op = "frame free"
	if err := m.checkHalted(op); err != nil {
		return err
	}
	z := m.zoneOf(b.Start, b.Frames)
	if z == nil {
		return kerr.Newf(kerr.InvalidArgument, op, "block %v outside every zone", b)
	}
	m.refMu.Lock()
	for f := b.Start; f < b.End(); f++ {
		if m.refs[f] > 0 {
			m.refMu.Unlock()
			return kerr.Newf(kerr.InvalidState, op, "frame %#x is mapped", uint64(f))
		}
	}
	m.refMu.Unlock()
	return m.freeFrames(z, b.Start, b.Frames)
}

func (m *Manager) freeFrames(z *zone, start Frame, n uint64) error {
	if err := z.release(start, n); err != nil {
		m.fatal(err)
		return err
	}
	m.phys.drop(start, n)
	return nil
}

// Allocated reports whether every frame of b is currently allocated.
func (m *Manager) Allocated(b Block) bool {
	z := m.zoneOf(b.Start, b.Frames)
	return z != nil && z.allocated(b.Start, b.Frames)
}

// retain adds one mapping reference to each frame of [start, start+n).
func (m *Manager) retain(start Frame, n uint64) {
	m.refMu.Lock()
	for f := start; f < start+Frame(n); f++ {
		m.refs[f]++
	}
	m.refMu.Unlock()
}

// release drops one mapping reference; the frame returns to its zone
// with the last one.
func (m *Manager) release(f Frame) error {
	m.refMu.Lock()
	n, ok := m.refs[f]
	if !ok || n <= 0 {
		m.refMu.Unlock()
		err := kerr.Newf(kerr.MemoryCorruptionDetected, "frame release",
			"frame %#x has no mapping reference", uint64(f))
		m.fatal(err)
		return err
	}
	n--
	if n > 0 {
		m.refs[f] = n
		m.refMu.Unlock()
		return nil
	}
	delete(m.refs, f)
	m.refMu.Unlock()

	z := m.zoneOf(f, 1)
	if z == nil {
		return nil
	}
	return m.freeFrames(z, f, 1)
}

// FrameRefs returns the number of mappings referencing f.
func (m *Manager) FrameRefs(f Frame) int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return int(m.refs[f])
}

// mapped reports whether any frame of [start, start+n) is referenced.
func (m *Manager) mapped(start Frame, n uint64) bool {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	for f := start; f < start+Frame(n); f++ {
		if m.refs[f] > 0 {
			return true
		}
	}
	return false
}

// tierOf returns the tier and node of the zone holding f.
func (m *Manager) tierOf(f Frame) (Tier, int, bool) {
	z := m.zoneOf(f, 1)
	if z == nil {
		return 0, 0, false
	}
	return z.tier, z.node, true
}

// FreeFrames returns the number of free frames in tier.
func (m *Manager) FreeFrames(tier Tier) uint64 {
	var n uint64
	for _, z := range m.zones {
		if z.tier == tier {
			n += z.freeFrames()
		}
	}
	return n
}

// Stats returns allocator counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Fallbacks:  m.fallbacks.Load(),
		Shootdowns: m.shootdowns.Load(),
	}
	byTier := make(map[Tier]*TierStats)
	for t := TierLocal; t < numTiers; t++ {
		s.Tiers = append(s.Tiers, TierStats{Tier: t})
	}
	for i := range s.Tiers {
		byTier[s.Tiers[i].Tier] = &s.Tiers[i]
	}
	for _, z := range m.zones {
		z.mu.Lock()
		ts := byTier[z.tier]
		ts.Total += z.count
		ts.Free += z.avail
		s.Allocations += z.allocs
		s.Frees += z.frees
		s.Splits += z.splits
		s.Coalesces += z.coalesces
		z.mu.Unlock()
	}
	return s
}

// Check verifies the metadata of every zone. A failure halts the manager.
func (m *Manager) Check() error {
	for _, z := range m.zones {
		if err := z.check(); err != nil {
			m.fatal(err)
			return err
		}
	}
	return nil
}
