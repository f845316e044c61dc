package sched

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/internal/rcu"
	"github.com/doublegate/VeridianOS-sub004/internal/spin"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// MaxCores is the largest supported core count.
const MaxCores = 64

// Config holds scheduler tunables.
type Config struct {
	TimeSlice     time.Duration
	ClassifyEvery int // reclassify a thread every N ticks it runs
	Classifier    Classifier
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		TimeSlice:     4 * time.Millisecond,
		ClassifyEvery: 8,
		Classifier:    DefaultThresholds(),
	}
}

type core struct {
	id int
	rq runQueue

	// switchMu serializes context switches on the core and guards the
	// fields below.
	switchMu spin.Mutex
	current  *Thread
	regs     Regs
	vec      Vector
	vecOwner *Thread
	slice    time.Duration

	resched atomic.Bool
	idle    atomic.Bool
	kick    chan struct{}
}

// Scheduler multiplexes threads over cores.
type Scheduler struct {
	log   *zap.Logger
	cfg   Config
	cores []*core

	rcu    *rcu.Domain
	topo   *rcu.Value[Topology]
	topoMu sync.Mutex

	threadsMu sync.RWMutex
	threads   map[ThreadID]*Thread
	seq       atomic.Uint64

	sleepMu  spin.Mutex
	sleepers map[ThreadID]uint64
	now      atomic.Uint64

	m metrics
}

// New returns a scheduler for cores. Core IDs must equal their index.
func New(cfg Config, cores []CoreInfo, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cores) == 0 || len(cores) > MaxCores {
		return nil, fmt.Errorf("sched: %d cores, want 1..%d", len(cores), MaxCores)
	}
	def := DefaultConfig()
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = def.TimeSlice
	}
	if cfg.ClassifyEvery <= 0 {
		cfg.ClassifyEvery = def.ClassifyEvery
	}
	if cfg.Classifier == nil {
		cfg.Classifier = def.Classifier
	}

	s := &Scheduler{
		log:      logger,
		cfg:      cfg,
		rcu:      new(rcu.Domain),
		threads:  make(map[ThreadID]*Thread),
		sleepers: make(map[ThreadID]uint64),
	}
	topo := &Topology{}
	for i, ci := range cores {
		if ci.ID != i {
			return nil, fmt.Errorf("sched: core %d has id %d", i, ci.ID)
		}
		topo.Cores = append(topo.Cores, ci)
		s.cores = append(s.cores, &core{id: i, kick: make(chan struct{}, 1)})
	}
	s.topo = rcu.NewValue(s.rcu, topo)
	logger.Info("scheduler ready",
		zap.Int("cores", len(cores)),
		zap.Duration("time_slice", cfg.TimeSlice))
	return s, nil
}

// Config returns the tunables in effect.
func (s *Scheduler) Config() Config { return s.cfg }

// Topology returns a copy of the current topology.
func (s *Scheduler) Topology() Topology {
	var out Topology
	s.topo.Read(func(t *Topology) {
		out = *t.clone()
	})
	return out
}

func (s *Scheduler) coreInfo(id int) CoreInfo {
	var ci CoreInfo
	s.topo.Read(func(t *Topology) {
		ci = t.Cores[id]
	})
	return ci
}

func (s *Scheduler) core(op string, id int) (*core, error) {
	if id < 0 || id >= len(s.cores) {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "no core %d", id)
	}
	return s.cores[id], nil
}

// Thread returns the thread with id.
func (s *Scheduler) Thread(id ThreadID) (*Thread, bool) {
	s.threadsMu.RLock()
	defer s.threadsMu.RUnlock()
	t, ok := s.threads[id]
	return t, ok
}

func (s *Scheduler) lookup(op string, id ThreadID) (*Thread, error) {
	t, ok := s.Thread(id)
	if !ok {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "no thread %d", id)
	}
	return t, nil
}

// Now returns the global timer tick.
func (s *Scheduler) Now() uint64 { return s.now.Load() }

// Add registers a new ready thread.
func (s *Scheduler) Add(id ThreadID, p Params) (*Thread, error) {
	const op = "thread add"
	if p.Priority < PriorityHighest || p.Priority > PriorityLowest {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "priority %d", p.Priority)
	}
	all := uint64(1)<<uint(len(s.cores)) - 1
	if len(s.cores) == MaxCores {
		all = ^uint64(0)
	}
	if p.Affinity != 0 && p.Affinity&all == 0 {
		return nil, kerr.Newf(kerr.InvalidArgument, op, "affinity %#x names no core", p.Affinity)
	}
	if p.Policy == PolicyRealtime {
		now := s.Now()
		if p.Deadline == 0 {
			p.Deadline = now + 1
		}
		if p.Period == 0 {
			p.Period = 1
			if p.Deadline > now {
				p.Period = p.Deadline - now
			}
		}
	}

	t := newThread(id, s.seq.Add(1), p)
	s.threadsMu.Lock()
	if _, dup := s.threads[id]; dup {
		s.threadsMu.Unlock()
		return nil, kerr.Newf(kerr.InvalidArgument, op, "thread %d exists", id)
	}
	s.threads[id] = t
	s.threadsMu.Unlock()

	if err := s.makeReady(op, t, StateReady); err != nil {
		return nil, err
	}
	s.log.Debug("thread added",
		zap.Uint64("tid", uint64(id)),
		zap.Int("priority", p.Priority),
		zap.Stringer("policy", p.Policy))
	return t, nil
}

// place picks the run queue for t: an online core allowed by its
// affinity, preferring the core type it wants, then the lightest load,
// then the core it last ran on.
func (s *Scheduler) place(t *Thread) int {
	t.mu.Lock()
	want, hasPref := t.preferred()
	prev := t.core
	affinity := t.affinity
	t.mu.Unlock()
	allowed := func(id int) bool { return affinity == 0 || affinity&(1<<uint(id)) != 0 }

	var cores []CoreInfo
	s.topo.Read(func(topo *Topology) {
		cores = append(cores, topo.Cores...)
	})

	best, bestLoad, bestMatch := -1, 0, false
	for _, ci := range cores {
		if !ci.Online || !allowed(ci.ID) {
			continue
		}
		load := s.cores[ci.ID].load()
		match := hasPref && ci.Type == want
		better := best < 0 ||
			(match && !bestMatch) ||
			(match == bestMatch && (load < bestLoad || (load == bestLoad && ci.ID == prev)))
		if better {
			best, bestLoad, bestMatch = ci.ID, load, match
		}
	}
	if best >= 0 {
		return best
	}
	for _, ci := range cores {
		if allowed(ci.ID) {
			return ci.ID
		}
	}
	return 0
}

func (c *core) load() int {
	c.rq.mu.Lock()
	n := c.rq.n
	c.rq.mu.Unlock()
	if c.idle.Load() {
		return n
	}
	return n + 1
}

// makeReady moves t from state from onto a run queue.
func (s *Scheduler) makeReady(op string, t *Thread, from State) error {
	c := s.cores[s.place(t)]
	c.rq.mu.Lock()
	t.mu.Lock()
	if t.state != from || t.queued >= 0 || (from != StateReady && !CanTransition(from, StateReady)) {
		st := t.state
		t.mu.Unlock()
		c.rq.mu.Unlock()
		return kerr.Newf(kerr.InvalidState, op, "%v is %v", t, st)
	}
	t.state = StateReady
	if t.vruntime < c.rq.minVruntime {
		t.vruntime = c.rq.minVruntime
	}
	t.queued = c.id
	c.rq.insertLocked(t)
	t.mu.Unlock()
	c.rq.mu.Unlock()
	s.kick(c)
	return nil
}

// kick wakes c if it idles and one other idle core that may steal.
func (s *Scheduler) kick(c *core) {
	signal := func(c *core) {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	signal(c)
	for _, o := range s.cores {
		if o != c && o.idle.Load() {
			signal(o)
			return
		}
	}
}

// IdleWait returns a channel that receives when work may be available
// for an idle core.
func (s *Scheduler) IdleWait(id int) <-chan struct{} {
	return s.cores[id].kick
}

// Idle reports whether the core found nothing to run at its last
// scheduling decision.
func (s *Scheduler) Idle(id int) bool {
	return s.cores[id].idle.Load()
}

// QueueLen returns the number of threads waiting on the core.
func (s *Scheduler) QueueLen(id int) int {
	c := s.cores[id]
	c.rq.mu.Lock()
	defer c.rq.mu.Unlock()
	return c.rq.n
}

// Current returns the thread running on the core.
func (s *Scheduler) Current(id int) (ThreadID, bool) {
	c := s.cores[id]
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	if c.current == nil {
		return 0, false
	}
	return c.current.id, true
}

// saveLocked stores the live registers into t. Vector state is saved
// only when t owns it.
func (c *core) saveLocked(t *Thread, m *metrics) {
	t.ctx = c.regs
	if t.usedVector && c.vecOwner == t {
		t.vec = c.vec
		m.vectorSaves.Add(1)
	}
}

func (c *core) restoreLocked(t *Thread) {
	c.regs = t.ctx
	if t.usedVector && c.vecOwner != t {
		c.vec = t.vec
		c.vecOwner = t
	}
}

// transitionOut moves t out of Running or Ready into to. A Ready thread
// is dispatched and leaves in the same step.
func (s *Scheduler) transitionOut(op string, t *Thread, to State) (State, error) {
	for {
		t.mu.Lock()
		st, cid, q := t.state, t.core, t.queued
		t.mu.Unlock()

		if !CanTransition(st, to) {
			return st, kerr.Newf(kerr.InvalidState, op, "%v cannot go from %v to %v", t, st, to)
		}
		switch st {
		case StateBlocked:
			t.mu.Lock()
			if t.state != StateBlocked {
				t.mu.Unlock()
				continue
			}
			t.state = to
			t.mu.Unlock()
			return st, nil

		case StateRunning:
			c := s.cores[cid]
			c.switchMu.Lock()
			t.mu.Lock()
			if t.state != StateRunning || t.core != cid {
				t.mu.Unlock()
				c.switchMu.Unlock()
				continue
			}
			if c.current == t {
				c.saveLocked(t, &s.m)
				c.current = nil
				c.slice = 0
			}
			t.state = to
			t.mu.Unlock()
			c.switchMu.Unlock()
			s.m.voluntary.Add(1)
			c.resched.Store(true)
			s.kick(c)
			return st, nil

		case StateReady:
			if q < 0 {
				runtime.Gosched()
				continue
			}
			c := s.cores[q]
			c.rq.mu.Lock()
			t.mu.Lock()
			if t.state != StateReady || t.queued != q {
				t.mu.Unlock()
				c.rq.mu.Unlock()
				continue
			}
			c.rq.removeLocked(t)
			t.queued = -1
			t.state = to
			t.mu.Unlock()
			c.rq.mu.Unlock()
			return st, nil
		}
	}
}

// Block suspends t until Wake. A wake that arrived first is consumed
// instead.
func (s *Scheduler) Block(id ThreadID) error {
	const op = "thread block"
	t, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.pending {
		t.pending = false
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if _, err := s.transitionOut(op, t, StateBlocked); err != nil {
		return err
	}
	s.m.blocks.Add(1)
	return nil
}

// Wake makes a blocked thread ready. Waking a thread that has not
// blocked yet is remembered and cancels its next Block.
func (s *Scheduler) Wake(id ThreadID) error {
	const op = "thread wake"
	t, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	for {
		t.mu.Lock()
		switch t.state {
		case StateTerminated:
			t.mu.Unlock()
			return kerr.Newf(kerr.InvalidState, op, "%v is terminated", t)
		case StateReady, StateRunning:
			t.pending = true
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		err := s.makeReady(op, t, StateBlocked)
		if err == nil {
			break
		}
		if kerr.KindOf(err) != kerr.InvalidState {
			return err
		}
	}
	s.sleepMu.Lock()
	delete(s.sleepers, id)
	s.sleepMu.Unlock()
	s.m.wakeups.Add(1)
	return nil
}

// Yield gives up the rest of the time slice.
func (s *Scheduler) Yield(id ThreadID) error {
	const op = "thread yield"
	t, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	for {
		t.mu.Lock()
		st, cid := t.state, t.core
		t.mu.Unlock()
		switch st {
		case StateReady:
			return nil
		case StateRunning:
		default:
			return kerr.Newf(kerr.InvalidState, op, "%v is %v", t, st)
		}

		c := s.cores[cid]
		c.switchMu.Lock()
		c.rq.mu.Lock()
		t.mu.Lock()
		if t.state != StateRunning || t.core != cid {
			t.mu.Unlock()
			c.rq.mu.Unlock()
			c.switchMu.Unlock()
			continue
		}
		if c.current == t {
			c.saveLocked(t, &s.m)
			c.current = nil
			c.slice = 0
		}
		t.state = StateReady
		t.queued = cid
		c.rq.insertLocked(t)
		t.mu.Unlock()
		c.rq.mu.Unlock()
		c.switchMu.Unlock()

		s.m.voluntary.Add(1)
		c.resched.Store(true)
		s.kick(c)
		return nil
	}
}

// Sleep blocks t for ticks timer ticks. Zero ticks yields.
func (s *Scheduler) Sleep(id ThreadID, ticks uint64) error {
	if ticks == 0 {
		return s.Yield(id)
	}
	const op = "thread sleep"
	t, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	if _, err := s.transitionOut(op, t, StateBlocked); err != nil {
		return err
	}
	s.m.blocks.Add(1)
	s.sleepMu.Lock()
	s.sleepers[id] = s.Now() + ticks
	s.sleepMu.Unlock()
	return nil
}

// Terminate stops t and removes it from every run queue. Terminated is
// final.
func (s *Scheduler) Terminate(id ThreadID) error {
	const op = "thread terminate"
	t, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	from, err := s.transitionOut(op, t, StateTerminated)
	if err != nil {
		return err
	}
	s.sleepMu.Lock()
	delete(s.sleepers, id)
	s.sleepMu.Unlock()
	s.threadsMu.Lock()
	delete(s.threads, id)
	s.threadsMu.Unlock()
	s.log.Debug("thread terminated",
		zap.Uint64("tid", uint64(id)),
		zap.Stringer("from", from),
		zap.Duration("runtime", t.Runtime()))
	return nil
}

// Timer advances the global tick and wakes due sleepers.
func (s *Scheduler) Timer() uint64 {
	now := s.now.Add(1)
	var due []ThreadID
	s.sleepMu.Lock()
	for id, at := range s.sleepers {
		if at <= now {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(s.sleepers, id)
	}
	s.sleepMu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, id := range due {
		_ = s.Wake(id)
	}
	s.rcu.Collect()
	return now
}

// Tick accounts elapsed execution to the thread running on the core and
// reports whether the core should reschedule.
func (s *Scheduler) Tick(id int, elapsed time.Duration, sample Sample) bool {
	c := s.cores[id]
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	t := c.current
	if t == nil {
		return c.resched.Load()
	}
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return true
	}
	t.runtime += elapsed
	t.vruntime += uint64(elapsed) * weights[PriorityDefault] / weights[t.priority]
	t.window.add(sample)
	t.total.add(sample)
	t.ticks++
	if t.ticks%s.cfg.ClassifyEvery == 0 {
		next := s.cfg.Classifier.Classify(t.window)
		t.window = Sample{}
		if next != t.class {
			s.log.Debug("reclassified",
				zap.Uint64("tid", uint64(t.id)),
				zap.Stringer("from", t.class),
				zap.Stringer("to", next))
			t.class = next
			s.m.reclassifications.Add(1)
		}
	}
	c.slice += elapsed
	expired := c.slice >= s.cfg.TimeSlice
	if expired && t.realtime() {
		t.deadline += t.period
	}
	t.mu.Unlock()

	if expired {
		c.slice = 0
		s.m.preemptions.Add(1)
		c.resched.Store(true)
	}
	return c.resched.Load()
}

// Schedule makes a scheduling decision on the core and switches to the
// chosen thread. The running thread competes with the queued ones. It
// returns false when the core goes idle.
func (s *Scheduler) Schedule(id int) (ThreadID, bool) {
	c := s.cores[id]
	ci := s.coreInfo(id)
	window := uint64(s.cfg.TimeSlice)

	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.resched.Store(false)

	prev := c.current
	var evicted *Thread
	c.rq.mu.Lock()
	if prev != nil {
		prev.mu.Lock()
		c.saveLocked(prev, &s.m)
		prev.state = StateReady
		if ci.Online && prev.allowed(id) {
			prev.queued = id
			c.rq.insertLocked(prev)
		} else {
			evicted = prev
		}
		prev.mu.Unlock()
		c.current = nil
		c.slice = 0
	}
	var next *Thread
	if ci.Online {
		next = c.rq.pickLocked(ci.Type, window)
	}
	if next != nil {
		c.rq.removeLocked(next)
		next.mu.Lock()
		s.dispatchLocked(next, id)
		if next.vruntime > c.rq.minVruntime {
			c.rq.minVruntime = next.vruntime
		}
		next.mu.Unlock()
	}
	c.rq.mu.Unlock()

	if evicted != nil {
		_ = s.makeReady("schedule", evicted, StateReady)
		s.m.migrations.Add(1)
	}
	if next == nil && ci.Online {
		next = s.steal(c, ci.Type)
	}
	if next == nil {
		if !c.idle.Swap(true) {
			s.m.idleEntries.Add(1)
		}
		if prev != nil {
			s.m.involuntary.Add(1)
			s.m.switches.Add(1)
		}
		return 0, false
	}
	c.idle.Store(false)

	next.mu.Lock()
	c.restoreLocked(next)
	next.mu.Unlock()
	c.current = next

	if next != prev {
		s.m.switches.Add(1)
		if prev != nil {
			s.m.involuntary.Add(1)
		}
	}
	return next.id, true
}

// dispatchLocked marks t running on core. The caller holds that core's
// switchMu, so state changes racing the switch wait for it.
func (s *Scheduler) dispatchLocked(t *Thread, core int) {
	if t.core >= 0 && t.core != core {
		s.m.migrations.Add(1)
	}
	t.queued = -1
	t.state = StateRunning
	t.core = core
}

// steal takes a thread from another core: cores of the same type first,
// then any core, busiest first.
func (s *Scheduler) steal(c *core, ct CoreType) *Thread {
	type victim struct {
		id, load int
		same     bool
	}
	var victims []victim
	s.topo.Read(func(topo *Topology) {
		for _, ci := range topo.Cores {
			if ci.ID == c.id {
				continue
			}
			victims = append(victims, victim{id: ci.ID, same: ci.Type == ct})
		}
	})
	for i := range victims {
		victims[i].load = s.QueueLen(victims[i].id)
	}
	sort.SliceStable(victims, func(i, j int) bool {
		a, b := victims[i], victims[j]
		if a.same != b.same {
			return a.same
		}
		if a.load != b.load {
			return a.load > b.load
		}
		return a.id < b.id
	})

	for _, v := range victims {
		if v.load == 0 {
			continue
		}
		vc := s.cores[v.id]
		vc.rq.mu.Lock()
		t := vc.rq.stealableLocked(c.id)
		if t != nil {
			vc.rq.removeLocked(t)
			t.mu.Lock()
			s.dispatchLocked(t, c.id)
			t.mu.Unlock()
		}
		vc.rq.mu.Unlock()
		if t == nil {
			continue
		}

		s.m.steals.Add(1)
		if !v.same {
			s.m.crossTypeSteals.Add(1)
			t.mu.Lock()
			if !t.total.empty() {
				t.class = s.cfg.Classifier.Classify(t.total)
			}
			class := t.class
			t.mu.Unlock()
			s.log.Debug("cross-type steal",
				zap.Uint64("tid", uint64(t.id)),
				zap.Int("from", v.id),
				zap.Int("to", c.id),
				zap.Stringer("class", class),
				zap.Stringer("core_type", ct))
		}
		return t
	}
	return nil
}

// SetOnline changes the online state of a core. Threads waiting on a
// core that goes offline move to other cores.
func (s *Scheduler) SetOnline(id int, online bool) error {
	c, err := s.core("set online", id)
	if err != nil {
		return err
	}
	s.topo.Update(&s.topoMu, func(cur *Topology) *Topology {
		next := cur.clone()
		next.Cores[id].Online = online
		return next
	}, func(*Topology) {
		s.m.topologyRetired.Add(1)
	})
	s.rcu.Collect()
	s.log.Info("core state changed", zap.Int("core", id), zap.Bool("online", online))

	if online {
		s.kick(c)
		return nil
	}

	c.switchMu.Lock()
	c.rq.mu.Lock()
	moved := c.rq.drainLocked()
	for _, t := range moved {
		t.mu.Lock()
		t.queued = -1
		t.mu.Unlock()
	}
	if t := c.current; t != nil {
		t.mu.Lock()
		c.saveLocked(t, &s.m)
		t.state = StateReady
		t.mu.Unlock()
		c.current = nil
		c.slice = 0
		moved = append(moved, t)
	}
	c.rq.mu.Unlock()
	c.switchMu.Unlock()

	for _, t := range moved {
		if err := s.makeReady("set online", t, StateReady); err == nil {
			s.m.migrations.Add(1)
		}
	}
	return nil
}

// UseVector loads v into the vector registers of the core on behalf of
// its running thread, which then owns vector state.
func (s *Scheduler) UseVector(id int, v Vector) error {
	c, err := s.core("use vector", id)
	if err != nil {
		return err
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	t := c.current
	if t == nil {
		return kerr.Newf(kerr.InvalidState, "use vector", "core %d is idle", id)
	}
	t.mu.Lock()
	t.usedVector = true
	t.mu.Unlock()
	c.vec = v
	c.vecOwner = t
	return nil
}

// SetRegister writes a general register of the thread running on the
// core.
func (s *Scheduler) SetRegister(id, reg int, v uint64) error {
	c, err := s.core("set register", id)
	if err != nil {
		return err
	}
	if reg < 0 || reg >= NumRegisters {
		return kerr.Newf(kerr.InvalidArgument, "set register", "register %d", reg)
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	if c.current == nil {
		return kerr.Newf(kerr.InvalidState, "set register", "core %d is idle", id)
	}
	c.regs.GPR[reg] = v
	return nil
}

// Registers returns the live register file of the core.
func (s *Scheduler) Registers(id int) (Regs, Vector) {
	c := s.cores[id]
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.regs, c.vec
}
