// Package sched implements the per-core scheduler: priority partitioned
// run queues ordered by weighted virtual runtime, workload classification
// for heterogeneous cores, work stealing and context switching.
package sched

import (
	"fmt"
	"time"

	"github.com/doublegate/VeridianOS-sub004/internal/spin"
)

// ThreadID is the arena handle of a thread.
type ThreadID uint64

// State is the scheduling state of a thread.
type State uint8

// Thread states.
const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

var stateNames = map[State]string{
	StateReady:      "ready",
	StateRunning:    "running",
	StateBlocked:    "blocked",
	StateTerminated: "terminated",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if ok {
		return name
	}
	return fmt.Sprintf("{State %d}", s)
}

// Policy is the scheduling class of a thread.
type Policy uint8

// Scheduling policies.
const (
	PolicyNormal Policy = iota
	PolicyRealtime
	PolicyBackground
)

var policyNames = map[Policy]string{
	PolicyNormal:     "normal",
	PolicyRealtime:   "realtime",
	PolicyBackground: "background",
}

func (p Policy) String() string {
	name, ok := policyNames[p]
	if ok {
		return name
	}
	return fmt.Sprintf("{Policy %d}", p)
}

// Priority levels. Lower values are more important.
const (
	NumPriorities   = 8
	PriorityHighest = 0
	PriorityDefault = 3
	PriorityLowest  = NumPriorities - 1
)

// weights are the fair-share weights per priority level. Virtual
// runtime advances by runtime*weights[PriorityDefault]/weights[p].
var weights = [NumPriorities]uint64{4096, 2560, 1600, 1024, 655, 420, 268, 172}

// NumRegisters is the size of the general register file.
const NumRegisters = 16

// NumVectorRegisters is the size of the vector register file.
const NumVectorRegisters = 32

// Regs is a saved general register context.
type Regs struct {
	GPR [NumRegisters]uint64
	PC  uint64
	SP  uint64
}

// Vector is a saved vector register file.
type Vector [NumVectorRegisters]uint64

// Params configures a new thread.
type Params struct {
	Priority int
	Policy   Policy
	Affinity uint64 // bitmask of allowed cores; 0 allows every core
	Deadline uint64 // absolute timer tick for realtime threads
	Period   uint64 // ticks a realtime deadline moves at each replenishment
	Entry    uint64
	Stack    uint64
	Arg      uint64
}

// Thread is the scheduling node of one kernel thread.
type Thread struct {
	id  ThreadID
	seq uint64

	mu       spin.Mutex
	state    State
	priority int
	policy   Policy
	affinity uint64
	deadline uint64
	period   uint64
	vruntime uint64
	runtime  time.Duration
	class    Class
	core     int  // core running or last ran the thread, -1 if never
	queued   int  // core whose run queue holds the thread, -1 if none
	pending  bool // woken before it blocked

	ctx        Regs
	vec        Vector
	usedVector bool

	window Sample
	total  Sample
	ticks  int
}

func newThread(id ThreadID, seq uint64, p Params) *Thread {
	t := &Thread{
		id:       id,
		seq:      seq,
		state:    StateReady,
		priority: p.Priority,
		policy:   p.Policy,
		affinity: p.Affinity,
		deadline: p.Deadline,
		period:   p.Period,
		core:     -1,
		queued:   -1,
	}
	t.ctx.PC = p.Entry
	t.ctx.SP = p.Stack
	t.ctx.GPR[0] = p.Arg
	return t
}

// ID returns the thread handle.
func (t *Thread) ID() ThreadID { return t.id }

// State returns the current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Runtime returns the total execution time accounted to the thread.
func (t *Thread) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtime
}

// VRuntime returns the weighted virtual runtime.
func (t *Thread) VRuntime() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vruntime
}

// Class returns the current workload classification.
func (t *Thread) Class() Class {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.class
}

// Core returns the core that runs or last ran the thread, or -1.
func (t *Thread) Core() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.core
}

// Context returns the saved register context.
func (t *Thread) Context() Regs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

func (t *Thread) allowed(core int) bool {
	return t.affinity == 0 || t.affinity&(1<<uint(core)) != 0
}

// preferred returns the core type the thread would like to run on.
func (t *Thread) preferred() (CoreType, bool) {
	if t.policy == PolicyBackground {
		return CoreEfficiency, true
	}
	switch t.class {
	case ClassComputeBound:
		return CorePerformance, true
	case ClassMemoryBound:
		return CoreEfficiency, true
	}
	return 0, false
}

func (t *Thread) realtime() bool {
	return t.policy == PolicyRealtime && t.deadline != 0
}

// less orders threads by virtual runtime, then creation order.
func (t *Thread) less(o *Thread) bool {
	if t.vruntime != o.vruntime {
		return t.vruntime < o.vruntime
	}
	return t.seq < o.seq
}

// lessDeadline orders realtime threads earliest deadline first.
func (t *Thread) lessDeadline(o *Thread) bool {
	if t.deadline != o.deadline {
		return t.deadline < o.deadline
	}
	return t.seq < o.seq
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread#%d", t.id)
}

// validTransitions lists the state machine edges.
var validTransitions = map[State][]State{
	StateReady:   {StateRunning, StateBlocked, StateTerminated},
	StateRunning: {StateReady, StateBlocked, StateTerminated},
	StateBlocked: {StateReady, StateTerminated},
}

// CanTransition reports whether from -> to is a valid state change.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
