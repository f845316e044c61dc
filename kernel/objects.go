package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
	"github.com/doublegate/VeridianOS-sub004/kernel/mem"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

// ProcessID identifies a process within one kernel.
type ProcessID uint64

// Process owns a capability table, an address space and its threads. It
// is destroyed when no thread and no capability references it.
type Process struct {
	k      *Kernel
	id     ProcessID
	parent ProcessID
	obj    *cap.Object

	table    *cap.Table
	space    *mem.AddressSpace
	spaceObj *cap.Object

	mu      sync.Mutex
	threads map[sched.ThreadID]*Thread
}

// newProcess creates a process whose object reference is owned by the
// caller.
func (k *Kernel) newProcess(parent ProcessID) *Process {
	p := &Process{
		k:       k,
		id:      ProcessID(k.nextPID.Add(1)),
		parent:  parent,
		table:   cap.NewTable(k.cfg.Caps.Quota, k.base.Named("cap")),
		space:   k.mem.NewAddressSpace(),
		threads: make(map[sched.ThreadID]*Thread),
	}
	space := p.space
	p.spaceObj = cap.NewObject(k.newObjectID(), cap.KindAddressSpace, space, func(*cap.Object) {
		if err := space.Destroy(); err != nil {
			k.recordTeardown(fmt.Errorf("address space %d: %w", space.ASID(), err))
		}
	})
	p.obj = cap.NewObject(k.newObjectID(), cap.KindProcess, p, p.destroy)

	k.mu.Lock()
	k.procs[p.id] = p
	k.mu.Unlock()
	k.log.Debug("process created",
		zap.Uint64("pid", uint64(p.id)),
		zap.Uint64("parent", uint64(parent)),
		zap.Uint64("asid", space.ASID()))
	return p
}

// ID returns the process identifier.
func (p *Process) ID() ProcessID { return p.id }

// Table returns the capability table of the process.
func (p *Process) Table() *cap.Table { return p.table }

// Space returns the address space of the process.
func (p *Process) Space() *mem.AddressSpace { return p.space }

// Threads returns the number of live threads.
func (p *Process) Threads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

func (p *Process) destroy(*cap.Object) {
	p.table.Close()
	p.spaceObj.Release()

	p.k.mu.Lock()
	delete(p.k.procs, p.id)
	p.k.mu.Unlock()
	p.k.log.Debug("process destroyed", zap.Uint64("pid", uint64(p.id)))
}

// Thread is the kernel object of a thread. Scheduling state lives in the
// scheduler under the same ID.
type Thread struct {
	id     sched.ThreadID
	proc   *Process
	obj    *cap.Object
	exited atomic.Bool
}

// newThread registers a thread of p with the scheduler. The kernel keeps
// one reference to the thread object until the thread terminates; the
// thread keeps its process alive.
func (k *Kernel) newThread(p *Process, params sched.Params) (*Thread, error) {
	if !p.obj.Retain() {
		return nil, kerr.Newf(kerr.InvalidState, "thread create", "process %d destroyed", p.id)
	}
	th := &Thread{id: sched.ThreadID(k.nextTID.Add(1)), proc: p}
	if _, err := k.sched.Add(th.id, params); err != nil {
		p.obj.Release()
		return nil, err
	}
	th.obj = cap.NewObject(k.newObjectID(), cap.KindThread, th, nil)

	k.mu.Lock()
	k.threads[th.id] = th
	k.mu.Unlock()
	p.mu.Lock()
	p.threads[th.id] = th
	p.mu.Unlock()

	k.log.Debug("thread created",
		zap.Uint64("tid", uint64(th.id)),
		zap.Uint64("pid", uint64(p.id)),
		zap.Int("priority", params.Priority),
		zap.Stringer("policy", params.Policy))
	return th, nil
}

// ID returns the thread identifier.
func (th *Thread) ID() sched.ThreadID { return th.id }

// Process returns the owning process.
func (th *Thread) Process() *Process { return th.proc }

// terminate stops th: its port wait is canceled, it leaves the scheduler
// and every capability to it is invalidated. Terminating twice fails
// with InvalidState.
func (k *Kernel) terminate(th *Thread) error {
	if !th.exited.CompareAndSwap(false, true) {
		return kerr.Newf(kerr.InvalidState, "thread terminate", "thread %d already terminated", th.id)
	}
	k.ipc.CancelThread(th.id)
	err := k.sched.Terminate(th.id)
	th.obj.Invalidate()

	k.mu.Lock()
	delete(k.threads, th.id)
	k.mu.Unlock()
	p := th.proc
	p.mu.Lock()
	delete(p.threads, th.id)
	p.mu.Unlock()

	th.obj.Release()
	p.obj.Release()
	return err
}

// Region is the body of a physical memory region object. The root
// region carries no block: it is the authority to allocate from every
// zone.
type Region struct {
	k      *Kernel
	obj    *cap.Object
	block  mem.Block
	root   bool
	mapped atomic.Bool
	freed  atomic.Bool
}

func (k *Kernel) newRegion(b mem.Block, root bool) *Region {
	r := &Region{k: k, block: b, root: root}
	r.obj = cap.NewObject(k.newObjectID(), cap.KindMemoryRegion, r, r.reclaim)
	return r
}

// Block returns the frames of the region.
func (r *Region) Block() mem.Block { return r.block }

// Root reports whether the region is the boot-time root region.
func (r *Region) Root() bool { return r.root }

// reclaim frees the block once no capability references the region.
// Frames handed to a mapping are freed by the address space instead.
func (r *Region) reclaim(*cap.Object) {
	if r.root || r.mapped.Load() || !r.freed.CompareAndSwap(false, true) {
		return
	}
	if err := r.k.mem.Free(r.block); err != nil {
		r.k.recordTeardown(fmt.Errorf("region %v: %w", r.block, err))
	}
}

// bodyOf returns the body of obj as T.
func bodyOf[T any](obj *cap.Object) (T, bool) {
	v, ok := obj.Body().(T)
	return v, ok
}
