// Package kernel ties the subsystems together: it boots a kernel from a
// configuration, owns the process and thread arenas and exposes the
// system call surface through Context.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/VeridianOS-sub004/internal/config"
	"github.com/doublegate/VeridianOS-sub004/internal/klog"
	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/ipc"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
	"github.com/doublegate/VeridianOS-sub004/kernel/mem"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

// Fixed slots of the root process capability table.
const (
	RootRegionCap cap.Index = iota
	RootProcessCap
	RootSpaceCap
	RootThreadCap
)

// Kernel is one kernel instance. Instances share nothing.
type Kernel struct {
	id    uuid.UUID
	base  *zap.Logger
	log   *zap.Logger
	trace *klog.Tracer
	cfg   *config.Config

	mem   *mem.Manager
	sched *sched.Scheduler
	ipc   *ipc.Transport

	nextObj atomic.Uint64
	nextTID atomic.Uint64
	nextPID atomic.Uint64

	mu      sync.Mutex
	procs   map[ProcessID]*Process
	threads map[sched.ThreadID]*Thread
	irqs    map[uint32]*Interrupt

	fatal fatalState

	stopped     atomic.Bool
	teardownMu  sync.Mutex
	teardownErr error

	root       *Process
	rootThread *Thread
}

// Boot validates cfg and brings up a kernel: physical zones from the
// memory map, the core topology, the IPC transport and the root process.
// A nil cfg boots the default configuration.
func Boot(cfg *config.Config, logger *zap.Logger) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	regions, err := memoryMap(cfg.Memory)
	if err != nil {
		return nil, err
	}
	cores, err := topology(cfg.Cores)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	base := klog.OrNop(logger).With(zap.Stringer("boot_id", id))
	k := &Kernel{
		id:      id,
		base:    base,
		log:     base.Named("kernel"),
		trace:   klog.NewTracer(base, cfg.Logging.Trace),
		cfg:     cfg,
		procs:   make(map[ProcessID]*Process),
		threads: make(map[sched.ThreadID]*Thread),
		irqs:    make(map[uint32]*Interrupt),
	}

	k.mem, err = mem.NewManager(regions, len(cores), base.Named("mem"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory: %w", err)
	}
	k.mem.SetFatalHandler(k.halt)

	k.sched, err = sched.New(sched.Config{
		TimeSlice:     cfg.Scheduler.TimeSlice,
		ClassifyEvery: cfg.Scheduler.ClassifyEvery,
		Classifier:    thresholds(cfg.Scheduler),
	}, cores, base.Named("sched"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	k.ipc = ipc.New(ipc.Config{
		InlineThreshold: cfg.IPC.InlineThreshold,
		QueueDepth:      cfg.IPC.QueueDepth,
		MaxCaps:         cfg.IPC.MaxCaps,
	}, k.sched, base.Named("ipc"))

	if err := k.bootRoot(); err != nil {
		return nil, fmt.Errorf("failed to create root process: %w", err)
	}

	var frames uint64
	for _, r := range regions {
		frames += r.Frames
	}
	k.log.Info("kernel booted",
		zap.Int("regions", len(regions)),
		zap.Uint64("frames", frames),
		zap.Int("cores", len(cores)),
		zap.Uint64("root_tid", uint64(k.rootThread.id)))
	return k, nil
}

func memoryMap(regions []config.Region) ([]mem.Region, error) {
	out := make([]mem.Region, 0, len(regions))
	for i, r := range regions {
		tier, err := mem.ParseTier(r.Tier)
		if err != nil {
			return nil, fmt.Errorf("memory[%d]: %w", i, err)
		}
		out = append(out, mem.Region{
			Base:   mem.Frame(r.Base / mem.PageSize),
			Frames: r.Size / mem.PageSize,
			Tier:   tier,
			Node:   r.Node,
		})
	}
	return out, nil
}

func topology(cores []config.Core) ([]sched.CoreInfo, error) {
	out := make([]sched.CoreInfo, 0, len(cores))
	for i, c := range cores {
		ct, err := sched.ParseCoreType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("cores[%d]: %w", i, err)
		}
		out = append(out, sched.CoreInfo{ID: c.ID, Type: ct, Node: c.Node, Online: true})
	}
	return out, nil
}

func thresholds(c config.SchedulerConfig) sched.Thresholds {
	th := sched.DefaultThresholds()
	if c.ComputeIPC > 0 {
		th.ComputeIPC = c.ComputeIPC
	}
	if c.ComputeMissRate > 0 {
		th.ComputeMissRate = c.ComputeMissRate
	}
	if c.MemoryMissRate > 0 {
		th.MemoryMissRate = c.MemoryMissRate
	}
	if c.MemoryBandwidth > 0 {
		th.MemoryBandwidth = float64(c.MemoryBandwidth)
	}
	return th
}

// bootRoot creates the root process. Its table holds the only ambient
// authority of the system: a region capability over all free frames.
func (k *Kernel) bootRoot() error {
	root := k.newProcess(0)
	th, err := k.newThread(root, sched.Params{Priority: sched.PriorityDefault})
	if err != nil {
		root.obj.Release()
		return err
	}
	region := k.newRegion(mem.Block{}, true)
	defer region.obj.Release()

	want := []struct {
		idx cap.Index
		obj *cap.Object
	}{
		{RootRegionCap, region.obj},
		{RootProcessCap, root.obj},
		{RootSpaceCap, root.spaceObj},
		{RootThreadCap, th.obj},
	}
	for _, w := range want {
		idx, err := root.table.Create(w.obj, cap.RightsAll, 0)
		if err != nil {
			return err
		}
		if idx != w.idx {
			return fmt.Errorf("root capability for %v at index %d, want %d", w.obj, idx, w.idx)
		}
	}
	k.root = root
	k.rootThread = th
	return nil
}

func (k *Kernel) newObjectID() cap.ObjectID {
	return cap.ObjectID(k.nextObj.Add(1))
}

// ID returns the boot identifier of the kernel.
func (k *Kernel) ID() uuid.UUID { return k.id }

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Memory returns the physical memory manager.
func (k *Kernel) Memory() *mem.Manager { return k.mem }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Transport returns the IPC transport.
func (k *Kernel) Transport() *ipc.Transport { return k.ipc }

// RootThread returns the thread ID of the root thread.
func (k *Kernel) RootThread() sched.ThreadID { return k.rootThread.id }

// Context returns the system call surface of thread tid.
func (k *Kernel) Context(tid sched.ThreadID) (*Context, error) {
	k.mu.Lock()
	th, ok := k.threads[tid]
	k.mu.Unlock()
	if !ok {
		return nil, kerr.Newf(kerr.InvalidArgument, "context", "no thread %d", tid)
	}
	return &Context{k: k, th: th}, nil
}

// Run drives every core with exec until ctx is done.
func (k *Kernel) Run(ctx context.Context, exec sched.Executor) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range k.sched.Topology().Cores {
		id := c.ID
		g.Go(func() error {
			return k.sched.RunCore(gctx, id, exec)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stats is a snapshot of kernel-wide counters.
type Stats struct {
	BootID     uuid.UUID
	Processes  int
	Threads    int
	Interrupts int
	Memory     mem.Stats
	Scheduler  sched.Metrics
	IPC        ipc.Stats
	Halted     bool
}

// Stats returns the kernel counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	procs, threads, irqs := len(k.procs), len(k.threads), len(k.irqs)
	k.mu.Unlock()
	return Stats{
		BootID:     k.id,
		Processes:  procs,
		Threads:    threads,
		Interrupts: irqs,
		Memory:     k.mem.Stats(),
		Scheduler:  k.sched.Metrics(),
		IPC:        k.ipc.Stats(),
		Halted:     k.Halted(),
	}
}

// recordTeardown keeps errors from release hooks, which cannot return
// them, for Shutdown.
func (k *Kernel) recordTeardown(err error) {
	if err == nil {
		return
	}
	k.log.Warn("teardown failed", zap.Error(err))
	k.teardownMu.Lock()
	k.teardownErr = multierr.Append(k.teardownErr, err)
	k.teardownMu.Unlock()
}

// Shutdown terminates every thread and tears down every process. Later
// system calls fail. It returns every teardown error, including
// allocator inconsistencies found afterwards.
func (k *Kernel) Shutdown() error {
	if !k.stopped.CompareAndSwap(false, true) {
		return nil
	}

	k.mu.Lock()
	threads := make([]*Thread, 0, len(k.threads))
	for _, th := range k.threads {
		threads = append(threads, th)
	}
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.Unlock()

	var err error
	for _, th := range threads {
		if e := k.terminate(th); e != nil && kerr.KindOf(e) != kerr.InvalidState {
			err = multierr.Append(err, e)
		}
	}
	for _, p := range procs {
		p.table.Close()
	}
	if k.root != nil {
		k.root.obj.Release()
	}

	k.teardownMu.Lock()
	err = multierr.Append(err, k.teardownErr)
	k.teardownMu.Unlock()
	if !k.Halted() {
		err = multierr.Append(err, k.mem.Check())
	}

	st := k.Stats()
	k.log.Info("kernel shut down",
		zap.Int("processes", st.Processes),
		zap.Int("threads", st.Threads),
		zap.Error(err))
	return err
}

// check fails system calls on a halted or stopped kernel.
func (k *Kernel) check(op string) error {
	if k.fatal.halted.Load() {
		return kerr.Wrap(kerr.Halted, op, k.FatalError())
	}
	if k.stopped.Load() {
		return kerr.Newf(kerr.Halted, op, "kernel shut down")
	}
	return nil
}
