package kernel

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/ipc"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
	"github.com/doublegate/VeridianOS-sub004/kernel/mem"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

// Context provides thread-local access to kernel operations. Capability
// indices refer to the table of the thread's process.
type Context struct {
	k  *Kernel
	th *Thread
}

// Thread returns the calling thread ID.
func (c *Context) Thread() sched.ThreadID { return c.th.id }

// Process returns the calling thread's process.
func (c *Context) Process() *Process { return c.th.proc }

func (c *Context) table() *cap.Table { return c.th.proc.table }

// core returns the core the thread runs or last ran on.
func (c *Context) core() int {
	if st, ok := c.k.sched.Thread(c.th.id); ok {
		if id := st.Core(); id >= 0 {
			return id
		}
	}
	return 0
}

func (c *Context) node() int {
	topo := c.k.sched.Topology()
	if id := c.core(); id < len(topo.Cores) {
		return topo.Cores[id].Node
	}
	return 0
}

func (c *Context) party() ipc.Party {
	return ipc.Party{
		Thread: c.th.id,
		Table:  c.th.proc.table,
		Space:  c.th.proc.space,
		Core:   c.core(),
	}
}

// enter starts a system call. It fails on a halted kernel or a
// terminated thread.
func (c *Context) enter(call string, fields ...zap.Field) error {
	c.k.trace.Call(call, append(fields, zap.Uint64("tid", uint64(c.th.id)))...)
	err := c.k.check(call)
	if err == nil && c.th.exited.Load() {
		err = kerr.Newf(kerr.InvalidState, call, "thread %d terminated", c.th.id)
	}
	if err != nil {
		c.k.trace.Return(call, err)
	}
	return err
}

// exit ends a system call. A fatal error halts the kernel.
func (c *Context) exit(call string, err error, fields ...zap.Field) {
	if kerr.IsFatal(err) {
		c.k.halt(err)
	}
	c.k.trace.Return(call, err, fields...)
}

func (c *Context) resolve(idx cap.Index, kind cap.Kind, rights cap.Rights) (*cap.Ref, error) {
	return c.table().ResolveKind(idx, kind, rights)
}

// authority validates a creation authority: a region capability with
// RightGrant.
func (c *Context) authority(idx cap.Index) error {
	ref, err := c.resolve(idx, cap.KindMemoryRegion, cap.RightGrant)
	if err != nil {
		return err
	}
	ref.Release()
	return nil
}

func idxField(key string, idx cap.Index) zap.Field {
	return zap.Uint32(key, uint32(idx))
}

// CapCreate creates a port or an interrupt object under the authority
// auth and returns a full-rights capability to it. For interrupts arg is
// the line to claim. Other kinds have dedicated calls.
func (c *Context) CapCreate(auth cap.Index, kind cap.Kind, arg uint64) (idx cap.Index, err error) {
	const call = "cap_create"
	if err := c.enter(call, idxField("auth", auth), zap.Stringer("kind", kind), zap.Uint64("arg", arg)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, idxField("idx", idx)) }()

	if err := c.authority(auth); err != nil {
		return 0, err
	}
	switch kind {
	case cap.KindPort:
		return c.createPort()
	case cap.KindInterrupt:
		if arg > math.MaxUint32 {
			return 0, kerr.Newf(kerr.InvalidArgument, call, "line %d out of range", arg)
		}
		irq, err := c.k.newInterrupt(uint32(arg))
		if err != nil {
			return 0, err
		}
		defer irq.obj.Release()
		return c.table().Create(irq.obj, cap.RightsAll, 0)
	default:
		return 0, kerr.Newf(kerr.InvalidArgument, call, "cannot create %v objects", kind)
	}
}

func (c *Context) createPort() (cap.Index, error) {
	obj := c.k.ipc.NewPort(c.k.newObjectID())
	defer obj.Release()
	return c.table().Create(obj, cap.RightsAll, 0)
}

// CapDerive installs a copy of the capability at idx with rights reduced
// to rights and the given badge.
func (c *Context) CapDerive(idx cap.Index, rights cap.Rights, badge uint64) (dst cap.Index, err error) {
	const call = "cap_derive"
	if err := c.enter(call, idxField("idx", idx), zap.Stringer("rights", rights), zap.Uint64("badge", badge)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, idxField("dst", dst)) }()
	return c.table().Derive(idx, rights, badge)
}

// CapRevoke invalidates every capability to the object at idx.
func (c *Context) CapRevoke(idx cap.Index) (err error) {
	const call = "cap_revoke"
	if err := c.enter(call, idxField("idx", idx)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.table().Revoke(idx)
}

// CapTransfer copies or moves the capability at idx into the table of
// the process named by procIdx, which needs RightGrant. It returns the
// index in the destination table.
func (c *Context) CapTransfer(idx, procIdx cap.Index) (dst cap.Index, err error) {
	const call = "cap_transfer"
	if err := c.enter(call, idxField("idx", idx), idxField("proc", procIdx)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, idxField("dst", dst)) }()

	ref, err := c.resolve(procIdx, cap.KindProcess, cap.RightGrant)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	p, _ := bodyOf[*Process](ref.Object())
	return c.table().Transfer(idx, p.table)
}

// CapInherit copies every capability of the caller carrying Duplicate
// into the process at procIdx, with rights masked by mask.
func (c *Context) CapInherit(procIdx cap.Index, mask cap.Rights) (n int, err error) {
	const call = "cap_inherit"
	if err := c.enter(call, idxField("proc", procIdx), zap.Stringer("mask", mask)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, zap.Int("copied", n)) }()

	ref, err := c.resolve(procIdx, cap.KindProcess, cap.RightGrant)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	p, _ := bodyOf[*Process](ref.Object())
	if p.table == c.table() {
		return 0, kerr.Newf(kerr.InvalidArgument, call, "process inherits from itself")
	}
	return c.table().InheritInto(p.table, mask)
}

// CapDelete removes the capability at idx.
func (c *Context) CapDelete(idx cap.Index) (err error) {
	const call = "cap_delete"
	if err := c.enter(call, idxField("idx", idx)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.table().Delete(idx)
}

func (c *Context) region(idx cap.Index, rights cap.Rights) (*cap.Ref, *Region, error) {
	ref, err := c.resolve(idx, cap.KindMemoryRegion, rights)
	if err != nil {
		return nil, nil, err
	}
	r, _ := bodyOf[*Region](ref.Object())
	return ref, r, nil
}

func (c *Context) space(idx cap.Index, rights cap.Rights) (*cap.Ref, *mem.AddressSpace, error) {
	ref, err := c.resolve(idx, cap.KindAddressSpace, rights)
	if err != nil {
		return nil, nil, err
	}
	s, _ := bodyOf[*mem.AddressSpace](ref.Object())
	return ref, s, nil
}

// MemAllocate reserves frames contiguous frames under the region
// capability at regionIdx, which needs RightWrite. The new region
// capability carries the rights of the authorizing one.
func (c *Context) MemAllocate(regionIdx cap.Index, frames uint64, hint mem.Hint) (idx cap.Index, err error) {
	const call = "mem_allocate"
	if err := c.enter(call, idxField("region", regionIdx), zap.Uint64("frames", frames), zap.Stringer("hint", hint)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, idxField("idx", idx)) }()

	ref, _, err := c.region(regionIdx, cap.RightWrite)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	blk, err := c.k.mem.Allocate(mem.Request{
		Frames: frames,
		Hint:   hint,
		Policy: mem.Local(),
		Node:   c.node(),
	})
	if err != nil {
		return 0, err
	}
	r := c.k.newRegion(blk, false)
	defer r.obj.Release()
	return c.table().Create(r.obj, ref.Cap.Rights, 0)
}

// MemFree returns the frames of the region at regionIdx and invalidates
// every capability to it. A mapped region cannot be freed.
func (c *Context) MemFree(regionIdx cap.Index) (err error) {
	const call = "mem_free"
	if err := c.enter(call, idxField("region", regionIdx)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	ref, r, err := c.region(regionIdx, cap.RightDelete)
	if err != nil {
		return err
	}
	defer ref.Release()
	switch {
	case r.root:
		return kerr.Newf(kerr.InvalidArgument, call, "root region cannot be freed")
	case r.mapped.Load():
		return kerr.Newf(kerr.InvalidState, call, "region %v is mapped", r.block)
	case !r.freed.CompareAndSwap(false, true):
		return kerr.Newf(kerr.InvalidState, call, "region %v already freed", r.block)
	}
	if err := c.k.mem.Free(r.block); err != nil {
		r.freed.Store(false)
		return err
	}
	r.obj.Invalidate()
	return c.table().Delete(regionIdx)
}

// MemMap maps length bytes of fresh zero-filled memory at va in the
// address space at spaceIdx, which needs RightWrite.
func (c *Context) MemMap(spaceIdx cap.Index, va mem.VirtAddr, length uint64, flags mem.Flags, hint mem.Hint) (m mem.Mapping, err error) {
	const call = "mem_map"
	if err := c.enter(call, idxField("space", spaceIdx), zap.Uint64("va", uint64(va)),
		zap.Uint64("len", length), zap.Stringer("flags", flags)); err != nil {
		return mem.Mapping{}, err
	}
	defer func() { c.exit(call, err) }()

	ref, s, err := c.space(spaceIdx, cap.RightWrite)
	if err != nil {
		return mem.Mapping{}, err
	}
	defer ref.Release()
	return s.Map(mem.Range{Start: va, Len: length}, mem.Anonymous(hint), flags|mem.FlagUser,
		mem.Placement{Policy: mem.Local(), Node: c.node()})
}

// MemMapRegion maps the frames of the region at regionIdx at va. The
// frames belong to the mapping from then on and return to their zone
// when it is unmapped.
func (c *Context) MemMapRegion(spaceIdx, regionIdx cap.Index, va mem.VirtAddr, flags mem.Flags) (m mem.Mapping, err error) {
	const call = "mem_map_region"
	if err := c.enter(call, idxField("space", spaceIdx), idxField("region", regionIdx),
		zap.Uint64("va", uint64(va)), zap.Stringer("flags", flags)); err != nil {
		return mem.Mapping{}, err
	}
	defer func() { c.exit(call, err) }()

	sref, s, err := c.space(spaceIdx, cap.RightWrite)
	if err != nil {
		return mem.Mapping{}, err
	}
	defer sref.Release()
	rref, r, err := c.region(regionIdx, cap.RightWrite)
	if err != nil {
		return mem.Mapping{}, err
	}
	defer rref.Release()
	if r.root {
		return mem.Mapping{}, kerr.Newf(kerr.InvalidArgument, call, "root region cannot be mapped")
	}
	if r.freed.Load() || !r.mapped.CompareAndSwap(false, true) {
		return mem.Mapping{}, kerr.Newf(kerr.InvalidState, call, "region %v is mapped or freed", r.block)
	}
	m, err = s.Map(mem.Range{Start: va, Len: r.block.Frames * mem.PageSize}, mem.FrameSet(r.block),
		flags|mem.FlagUser, mem.Placement{})
	if err != nil {
		r.mapped.Store(false)
		return mem.Mapping{}, err
	}
	return m, nil
}

// MemUnmap removes every mapping in [va, va+length).
func (c *Context) MemUnmap(spaceIdx cap.Index, va mem.VirtAddr, length uint64) (err error) {
	const call = "mem_unmap"
	if err := c.enter(call, idxField("space", spaceIdx), zap.Uint64("va", uint64(va)), zap.Uint64("len", length)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	ref, s, err := c.space(spaceIdx, cap.RightWrite)
	if err != nil {
		return err
	}
	defer ref.Release()
	return s.Unmap(mem.Range{Start: va, Len: length})
}

// MemRead copies len(buf) bytes at va of the address space at spaceIdx,
// which needs RightRead.
func (c *Context) MemRead(spaceIdx cap.Index, va mem.VirtAddr, buf []byte) (err error) {
	const call = "mem_read"
	if err := c.enter(call, idxField("space", spaceIdx), zap.Uint64("va", uint64(va)), zap.Int("len", len(buf))); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	ref, s, err := c.space(spaceIdx, cap.RightRead)
	if err != nil {
		return err
	}
	defer ref.Release()
	return s.Read(c.core(), va, buf)
}

// MemWrite copies data to va of the address space at spaceIdx, which
// needs RightWrite.
func (c *Context) MemWrite(spaceIdx cap.Index, va mem.VirtAddr, data []byte) (err error) {
	const call = "mem_write"
	if err := c.enter(call, idxField("space", spaceIdx), zap.Uint64("va", uint64(va)), zap.Int("len", len(data))); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	ref, s, err := c.space(spaceIdx, cap.RightWrite)
	if err != nil {
		return err
	}
	defer ref.Release()
	return s.Write(c.core(), va, data)
}

// ProcessCreate creates an empty process under the authority auth and
// returns full-rights capabilities to it and to its address space. The
// new table is empty; capabilities reach it through CapTransfer.
func (c *Context) ProcessCreate(auth cap.Index) (procIdx, spaceIdx cap.Index, err error) {
	const call = "process_create"
	if err := c.enter(call, idxField("auth", auth)); err != nil {
		return 0, 0, err
	}
	defer func() { c.exit(call, err, idxField("proc", procIdx), idxField("space", spaceIdx)) }()

	if err := c.authority(auth); err != nil {
		return 0, 0, err
	}
	p := c.k.newProcess(c.th.proc.id)
	defer p.obj.Release()
	procIdx, err = c.table().Create(p.obj, cap.RightsAll, 0)
	if err != nil {
		return 0, 0, err
	}
	spaceIdx, err = c.table().Create(p.spaceObj, cap.RightsAll, 0)
	if err != nil {
		_ = c.table().Delete(procIdx)
		return 0, 0, err
	}
	return procIdx, spaceIdx, nil
}

// ThreadCreate starts a thread in the process at procIdx, which needs
// RightWrite. The thread is ready to run on return.
func (c *Context) ThreadCreate(procIdx cap.Index, params sched.Params) (idx cap.Index, tid sched.ThreadID, err error) {
	const call = "thread_create"
	if err := c.enter(call, idxField("proc", procIdx), zap.Int("priority", params.Priority),
		zap.Stringer("policy", params.Policy)); err != nil {
		return 0, 0, err
	}
	defer func() { c.exit(call, err, idxField("idx", idx), zap.Uint64("new_tid", uint64(tid))) }()

	ref, err := c.resolve(procIdx, cap.KindProcess, cap.RightWrite)
	if err != nil {
		return 0, 0, err
	}
	defer ref.Release()
	p, _ := bodyOf[*Process](ref.Object())
	th, err := c.k.newThread(p, params)
	if err != nil {
		return 0, 0, err
	}
	idx, err = c.table().Create(th.obj, cap.RightsAll, 0)
	if err != nil {
		_ = c.k.terminate(th)
		return 0, 0, err
	}
	return idx, th.id, nil
}

// ThreadYield gives up the rest of the calling thread's time slice.
func (c *Context) ThreadYield() (err error) {
	const call = "thread_yield"
	if err := c.enter(call); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.k.sched.Yield(c.th.id)
}

// ThreadSleep blocks the calling thread for ticks timer ticks. It
// returns once the thread is off the run queues; the scheduler resumes
// it when the timer expires.
func (c *Context) ThreadSleep(ticks uint64) (err error) {
	const call = "thread_sleep"
	if err := c.enter(call, zap.Uint64("ticks", ticks)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.k.sched.Sleep(c.th.id, ticks)
}

// ThreadTerminate stops the thread at threadIdx, which needs
// RightDelete. A thread may terminate itself.
func (c *Context) ThreadTerminate(threadIdx cap.Index) (err error) {
	const call = "thread_terminate"
	if err := c.enter(call, idxField("thread", threadIdx)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	ref, err := c.resolve(threadIdx, cap.KindThread, cap.RightDelete)
	if err != nil {
		return err
	}
	defer ref.Release()
	th, _ := bodyOf[*Thread](ref.Object())
	return c.k.terminate(th)
}

// PortCreate creates a port under the authority auth and returns a
// full-rights capability to it.
func (c *Context) PortCreate(auth cap.Index) (idx cap.Index, err error) {
	const call = "port_create"
	if err := c.enter(call, idxField("auth", auth)); err != nil {
		return 0, err
	}
	defer func() { c.exit(call, err, idxField("idx", idx)) }()

	if err := c.authority(auth); err != nil {
		return 0, err
	}
	return c.createPort()
}

// PortSend sends msg through the port at idx and blocks until a receiver
// takes it.
func (c *Context) PortSend(ctx context.Context, idx cap.Index, msg ipc.Message) (err error) {
	const call = "port_send"
	if err := c.enter(call, idxField("port", idx), zap.Uint64("label", msg.Label),
		zap.Int("data", len(msg.Data)), zap.Int("caps", len(msg.Caps))); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.k.ipc.Send(ctx, c.party(), idx, msg)
}

// PortCall sends msg through the port at idx and blocks until the
// receiver replies.
func (c *Context) PortCall(ctx context.Context, idx cap.Index, msg ipc.Message) (d *ipc.Delivery, err error) {
	const call = "port_call"
	if err := c.enter(call, idxField("port", idx), zap.Uint64("label", msg.Label),
		zap.Int("data", len(msg.Data)), zap.Int("caps", len(msg.Caps))); err != nil {
		return nil, err
	}
	defer func() { c.exit(call, err) }()
	return c.k.ipc.Call(ctx, c.party(), idx, msg)
}

// PortReceive blocks until a message or notification arrives on the port
// at idx.
func (c *Context) PortReceive(ctx context.Context, idx cap.Index) (d *ipc.Delivery, err error) {
	const call = "port_receive"
	if err := c.enter(call, idxField("port", idx)); err != nil {
		return nil, err
	}
	defer func() {
		var fields []zap.Field
		if d != nil {
			fields = append(fields, zap.Uint64("label", d.Label), zap.Uint64("size", d.Size),
				zap.Int("caps", len(d.Caps)), zap.Bool("caps_dropped", d.CapsDropped))
		}
		c.exit(call, err, fields...)
	}()
	return c.k.ipc.Receive(ctx, c.party(), idx)
}

// PortPoll is PortReceive without blocking. It reports false when
// nothing is pending on the port.
func (c *Context) PortPoll(idx cap.Index) (d *ipc.Delivery, ok bool, err error) {
	const call = "port_poll"
	if err := c.enter(call, idxField("port", idx)); err != nil {
		return nil, false, err
	}
	defer func() { c.exit(call, err, zap.Bool("ok", ok)) }()
	return c.k.ipc.TryReceive(c.party(), idx)
}

// PortReply answers the call d.
func (c *Context) PortReply(d *ipc.Delivery, msg ipc.Message) (err error) {
	const call = "port_reply"
	if err := c.enter(call, zap.Uint64("label", msg.Label), zap.Int("data", len(msg.Data))); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.k.ipc.Reply(c.party(), d, msg)
}

// PortNotify posts an asynchronous notification to the port at idx.
func (c *Context) PortNotify(idx cap.Index, label uint64, data []byte) (err error) {
	const call = "port_notify"
	if err := c.enter(call, idxField("port", idx), zap.Uint64("label", label), zap.Int("data", len(data))); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()
	return c.k.ipc.Notify(c.party(), idx, label, data)
}

// InterruptBind routes the interrupt at irqIdx to the port at portIdx.
// Both need RightWrite. The badge of the port capability tags every
// delivered interrupt.
func (c *Context) InterruptBind(irqIdx, portIdx cap.Index) (err error) {
	const call = "interrupt_bind"
	if err := c.enter(call, idxField("irq", irqIdx), idxField("port", portIdx)); err != nil {
		return err
	}
	defer func() { c.exit(call, err) }()

	iref, err := c.resolve(irqIdx, cap.KindInterrupt, cap.RightWrite)
	if err != nil {
		return err
	}
	defer iref.Release()
	pref, err := c.resolve(portIdx, cap.KindPort, cap.RightWrite)
	if err != nil {
		return err
	}
	defer pref.Release()

	irq, _ := bodyOf[*Interrupt](iref.Object())
	port := pref.Object()
	if !port.Retain() {
		return kerr.Newf(kerr.InvalidCapability, call, "port %v destroyed", port)
	}
	irq.bind(port, pref.Cap.Badge)
	c.k.log.Debug("interrupt bound",
		zap.Uint32("line", irq.line),
		zap.Stringer("port", port),
		zap.Uint64("badge", pref.Cap.Badge))
	return nil
}
