package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

func cores(types ...CoreType) []CoreInfo {
	out := make([]CoreInfo, len(types))
	for i, ct := range types {
		out[i] = CoreInfo{ID: i, Type: ct, Online: true}
	}
	return out
}

func newTestScheduler(t *testing.T, cfg Config, ci []CoreInfo) *Scheduler {
	t.Helper()
	s, err := New(cfg, ci, nil)
	require.NoError(t, err)
	return s
}

func mustAdd(t *testing.T, s *Scheduler, id ThreadID, p Params) *Thread {
	t.Helper()
	th, err := s.Add(id, p)
	require.NoError(t, err)
	return th
}

func normal(prio int) Params {
	return Params{Priority: prio}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReady, StateRunning, true},
		{StateRunning, StateReady, true},
		{StateRunning, StateBlocked, true},
		{StateBlocked, StateReady, true},
		{StateBlocked, StateTerminated, true},
		{StateReady, StateTerminated, true},
		{StateBlocked, StateRunning, false},
		{StateTerminated, StateReady, false},
		{StateTerminated, StateRunning, false},
		{StateReady, StateBlocked, true},
		{StateBlocked, StateBlocked, false},
		{StateRunning, StateRunning, false},
	}
	for _, test := range tests {
		if got := CanTransition(test.from, test.to); got != test.want {
			t.Fatalf("CanTransition(%v, %v) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}

func TestNewRejectsBadTopology(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{}, []CoreInfo{{ID: 1}}, nil)
	require.Error(t, err)

	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	require.Equal(t, DefaultConfig().TimeSlice, s.Config().TimeSlice)
}

func TestAddValidates(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance, CorePerformance))

	_, err := s.Add(1, Params{Priority: NumPriorities})
	require.True(t, errors.Is(err, kerr.InvalidArgument))

	_, err = s.Add(1, Params{Priority: 0, Affinity: 1 << 5})
	require.True(t, errors.Is(err, kerr.InvalidArgument))

	mustAdd(t, s, 1, normal(PriorityDefault))
	_, err = s.Add(1, normal(PriorityDefault))
	require.True(t, errors.Is(err, kerr.InvalidArgument))
}

func TestScheduleRunsThread(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, Params{Priority: PriorityDefault, Entry: 0x1000, Stack: 0x8000, Arg: 7})

	tid, ok := s.Schedule(0)
	require.True(t, ok)
	require.Equal(t, ThreadID(1), tid)
	require.Equal(t, StateRunning, th.State())
	require.Equal(t, 0, th.Core())

	regs, _ := s.Registers(0)
	require.Equal(t, uint64(0x1000), regs.PC)
	require.Equal(t, uint64(0x8000), regs.SP)
	require.Equal(t, uint64(7), regs.GPR[0])

	cur, ok := s.Current(0)
	require.True(t, ok)
	require.Equal(t, ThreadID(1), cur)
}

func TestStateMachineErrors(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	mustAdd(t, s, 1, normal(PriorityDefault))
	s.Schedule(0)

	require.NoError(t, s.Block(1))
	err := s.Block(1)
	require.True(t, errors.Is(err, kerr.InvalidState), "Block(blocked) = %v", err)

	err = s.Yield(1)
	require.True(t, errors.Is(err, kerr.InvalidState), "Yield(blocked) = %v", err)

	require.NoError(t, s.Terminate(1))
	err = s.Terminate(1)
	require.True(t, errors.Is(err, kerr.InvalidState), "Terminate(terminated) = %v", err)
	err = s.Wake(1)
	require.True(t, errors.Is(err, kerr.InvalidArgument), "Wake(terminated) = %v", err)

	_, ok := s.Schedule(0)
	require.False(t, ok)
}

func TestWakeBeforeBlockIsNotLost(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, normal(PriorityDefault))
	s.Schedule(0)

	require.NoError(t, s.Wake(1))
	require.NoError(t, s.Block(1))
	require.Equal(t, StateRunning, th.State())

	require.NoError(t, s.Block(1))
	require.Equal(t, StateBlocked, th.State())
	_, running := s.Current(0)
	require.False(t, running)

	require.NoError(t, s.Wake(1))
	require.Equal(t, StateReady, th.State())
	m := s.Metrics()
	require.Equal(t, uint64(1), m.Blocks)
	require.Equal(t, uint64(1), m.Wakeups)
}

func TestBlockReadyThread(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, normal(PriorityDefault))
	require.NoError(t, s.Block(1))
	require.Equal(t, StateBlocked, th.State())
	require.Equal(t, 0, s.QueueLen(0))

	_, ok := s.Schedule(0)
	require.False(t, ok)
	require.NoError(t, s.Wake(1))
	tid, ok := s.Schedule(0)
	require.True(t, ok)
	require.Equal(t, ThreadID(1), tid)
}

func TestRealtimeEarliestDeadlineFirst(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	mustAdd(t, s, 1, normal(PriorityHighest))
	mustAdd(t, s, 2, Params{Priority: PriorityDefault, Policy: PolicyRealtime, Deadline: 10})
	mustAdd(t, s, 3, Params{Priority: PriorityLowest, Policy: PolicyRealtime, Deadline: 5})

	var order []ThreadID
	for i := 0; i < 3; i++ {
		tid, ok := s.Schedule(0)
		require.True(t, ok)
		order = append(order, tid)
		require.NoError(t, s.Terminate(tid))
	}
	require.Equal(t, []ThreadID{3, 2, 1}, order)
}

func TestRealtimeDeadlineAdvances(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	a := mustAdd(t, s, 1, Params{Priority: PriorityDefault, Policy: PolicyRealtime, Deadline: 5, Period: 10})
	mustAdd(t, s, 2, Params{Priority: PriorityDefault, Policy: PolicyRealtime, Deadline: 8, Period: 10})

	slice := s.Config().TimeSlice
	counts := runRounds(t, s, 0, 40, slice)
	require.Positive(t, counts[1])
	require.Positive(t, counts[2])
	require.InDelta(t, counts[1], counts[2], 1)

	a.mu.Lock()
	deadline := a.deadline
	a.mu.Unlock()
	require.Greater(t, deadline, uint64(5))
}

func TestRealtimeDefaultPeriod(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, Params{Policy: PolicyRealtime, Deadline: 4})
	require.Equal(t, uint64(4), th.period)
	th = mustAdd(t, s, 2, Params{Policy: PolicyRealtime})
	require.Equal(t, uint64(1), th.period)
	require.Equal(t, uint64(1), th.deadline)
}

func runRounds(t *testing.T, s *Scheduler, core, rounds int, elapsed time.Duration) map[ThreadID]int {
	t.Helper()
	counts := make(map[ThreadID]int)
	need := true
	for i := 0; i < rounds; i++ {
		if need {
			_, ok := s.Schedule(core)
			require.True(t, ok)
		}
		tid, ok := s.Current(core)
		require.True(t, ok)
		counts[tid]++
		need = s.Tick(core, elapsed, Sample{Elapsed: elapsed})
	}
	return counts
}

func TestFairShareEqualPriority(t *testing.T) {
	s := newTestScheduler(t, Config{TimeSlice: time.Millisecond}, cores(CorePerformance))
	mustAdd(t, s, 1, normal(PriorityDefault))
	mustAdd(t, s, 2, normal(PriorityDefault))

	counts := runRounds(t, s, 0, 100, time.Millisecond)
	require.Equal(t, 50, counts[1])
	require.Equal(t, 50, counts[2])
	require.Equal(t, uint64(100), s.Metrics().Preemptions)
}

func TestPriorityWeighting(t *testing.T) {
	s := newTestScheduler(t, Config{TimeSlice: time.Millisecond}, cores(CorePerformance))
	mustAdd(t, s, 1, normal(PriorityHighest))
	mustAdd(t, s, 2, normal(PriorityLowest))

	counts := runRounds(t, s, 0, 200, time.Millisecond)
	if counts[2] == 0 {
		t.Fatalf("lowest priority thread never ran")
	}
	if counts[1] < 5*counts[2] {
		t.Fatalf("runs = %v, want priority 0 to dominate", counts)
	}
}

func TestClassifyThresholds(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name   string
		sample Sample
		want   Class
	}{
		{"empty", Sample{}, ClassBalanced},
		{"compute", Sample{Instructions: 3000, Cycles: 1000, CacheMisses: 1, CacheRefs: 100}, ClassComputeBound},
		{"misses", Sample{Instructions: 500, Cycles: 1000, CacheMisses: 40, CacheRefs: 100}, ClassMemoryBound},
		{"bandwidth", Sample{Instructions: 500, Cycles: 1000, BytesMoved: 4 << 30, Elapsed: time.Second}, ClassMemoryBound},
		{"balanced", Sample{Instructions: 1000, Cycles: 1000, CacheMisses: 10, CacheRefs: 100}, ClassBalanced},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := th.Classify(test.sample); got != test.want {
				t.Fatalf("Classify(%+v) = %v, want %v", test.sample, got, test.want)
			}
		})
	}
}

func TestTickReclassifies(t *testing.T) {
	s := newTestScheduler(t, Config{ClassifyEvery: 2, TimeSlice: time.Second}, cores(CorePerformance))
	th := mustAdd(t, s, 1, normal(PriorityDefault))
	s.Schedule(0)

	compute := Sample{Instructions: 3000, Cycles: 1000, CacheMisses: 1, CacheRefs: 100, Elapsed: time.Millisecond}
	require.False(t, s.Tick(0, time.Millisecond, compute))
	require.Equal(t, ClassBalanced, th.Class())
	require.False(t, s.Tick(0, time.Millisecond, compute))
	require.Equal(t, ClassComputeBound, th.Class())

	memory := Sample{Instructions: 100, Cycles: 1000, CacheMisses: 50, CacheRefs: 100, Elapsed: time.Millisecond}
	s.Tick(0, time.Millisecond, memory)
	s.Tick(0, time.Millisecond, memory)
	require.Equal(t, ClassMemoryBound, th.Class())
	require.Equal(t, uint64(2), s.Metrics().Reclassifications)
	require.Equal(t, 4*time.Millisecond, th.Runtime())
}

func TestPickPrefersMatchingClass(t *testing.T) {
	var q runQueue
	balanced := newThread(1, 1, normal(3))
	balanced.vruntime = 100
	compute := newThread(2, 2, normal(4))
	compute.vruntime = 150
	compute.class = ClassComputeBound
	q.insertLocked(balanced)
	q.insertLocked(compute)

	if got := q.pickLocked(CorePerformance, 100); got != compute {
		t.Fatalf("pickLocked(performance, 100) = %v, want %v", got, compute)
	}
	if got := q.pickLocked(CoreEfficiency, 100); got != balanced {
		t.Fatalf("pickLocked(efficiency, 100) = %v, want %v", got, balanced)
	}
	if got := q.pickLocked(CorePerformance, 10); got != balanced {
		t.Fatalf("pickLocked(performance, 10) = %v, want %v", got, balanced)
	}
}

func TestContextSwitchPreservesRegisters(t *testing.T) {
	s := newTestScheduler(t, Config{TimeSlice: time.Millisecond}, cores(CorePerformance))
	mustAdd(t, s, 1, Params{Priority: PriorityDefault, Entry: 0x1000})
	mustAdd(t, s, 2, Params{Priority: PriorityDefault, Entry: 0x2000})

	tid, _ := s.Schedule(0)
	require.Equal(t, ThreadID(1), tid)
	require.NoError(t, s.SetRegister(0, 3, 42))
	require.True(t, s.Tick(0, time.Millisecond, Sample{}))

	tid, _ = s.Schedule(0)
	require.Equal(t, ThreadID(2), tid)
	regs, _ := s.Registers(0)
	require.Equal(t, uint64(0x2000), regs.PC)
	require.Equal(t, uint64(0), regs.GPR[3])
	th1, _ := s.Thread(1)
	require.Equal(t, uint64(42), th1.Context().GPR[3])
	require.True(t, s.Tick(0, time.Millisecond, Sample{}))

	tid, _ = s.Schedule(0)
	require.Equal(t, ThreadID(1), tid)
	regs, _ = s.Registers(0)
	require.Equal(t, uint64(0x1000), regs.PC)
	require.Equal(t, uint64(42), regs.GPR[3])

	m := s.Metrics()
	require.Equal(t, uint64(3), m.ContextSwitches)
	require.Equal(t, uint64(2), m.Involuntary)
}

func TestVectorStateSavedLazily(t *testing.T) {
	s := newTestScheduler(t, Config{TimeSlice: time.Millisecond}, cores(CorePerformance))
	mustAdd(t, s, 1, normal(PriorityDefault))
	mustAdd(t, s, 2, normal(PriorityDefault))

	tid, _ := s.Schedule(0)
	require.Equal(t, ThreadID(1), tid)
	var v Vector
	v[0], v[31] = 0xdead, 0xbeef
	require.NoError(t, s.UseVector(0, v))
	s.Tick(0, time.Millisecond, Sample{})

	tid, _ = s.Schedule(0)
	require.Equal(t, ThreadID(2), tid)
	require.Equal(t, uint64(1), s.Metrics().VectorSaves)
	_, live := s.Registers(0)
	require.Equal(t, v, live)
	s.Tick(0, time.Millisecond, Sample{})

	tid, _ = s.Schedule(0)
	require.Equal(t, ThreadID(1), tid)
	require.Equal(t, uint64(1), s.Metrics().VectorSaves)
	_, live = s.Registers(0)
	require.Equal(t, v, live)
}

func TestStealSameTypeFirst(t *testing.T) {
	ci := cores(CorePerformance, CorePerformance, CoreEfficiency)
	ci[0].Online = false
	s := newTestScheduler(t, Config{}, ci)

	for id := ThreadID(1); id <= 3; id++ {
		mustAdd(t, s, id, Params{Priority: PriorityDefault, Policy: PolicyBackground})
	}
	mustAdd(t, s, 4, normal(PriorityDefault))
	require.Equal(t, 3, s.QueueLen(2))
	require.Equal(t, 1, s.QueueLen(1))

	require.NoError(t, s.SetOnline(0, true))
	tid, ok := s.Schedule(0)
	require.True(t, ok)
	require.Equal(t, ThreadID(4), tid)
	m := s.Metrics()
	require.Equal(t, uint64(1), m.Steals)
	require.Equal(t, uint64(0), m.CrossTypeSteals)

	require.NoError(t, s.Terminate(4))
	tid, ok = s.Schedule(0)
	require.True(t, ok)
	require.NotEqual(t, ThreadID(4), tid)
	m = s.Metrics()
	require.Equal(t, uint64(2), m.Steals)
	require.Equal(t, uint64(1), m.CrossTypeSteals)
	require.Equal(t, 2, s.QueueLen(2))
}

func TestStealRespectsAffinity(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance, CorePerformance))
	mustAdd(t, s, 1, Params{Priority: PriorityDefault, Affinity: 1 << 1})
	mustAdd(t, s, 2, Params{Priority: PriorityDefault, Affinity: 1 << 1})
	require.Equal(t, 2, s.QueueLen(1))

	_, ok := s.Schedule(0)
	require.False(t, ok)
	require.True(t, s.Idle(0))
	require.Equal(t, uint64(1), s.Metrics().IdleEntries)
}

func TestSetOnlineMigratesThreads(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance, CorePerformance))
	mustAdd(t, s, 1, normal(PriorityDefault))
	mustAdd(t, s, 2, normal(PriorityDefault))
	mustAdd(t, s, 3, normal(PriorityDefault))
	require.Equal(t, 2, s.QueueLen(0))
	tid, _ := s.Schedule(0)
	require.Equal(t, ThreadID(1), tid)

	require.NoError(t, s.SetOnline(0, false))
	require.Equal(t, []int{1}, s.Topology().Online())
	_, running := s.Current(0)
	require.False(t, running)
	require.Equal(t, 0, s.QueueLen(0))
	require.Equal(t, 3, s.QueueLen(1))
	require.GreaterOrEqual(t, s.Metrics().Migrations, uint64(2))

	_, ok := s.Schedule(0)
	require.False(t, ok)

	seen := make(map[ThreadID]bool)
	for i := 0; i < 3; i++ {
		tid, ok := s.Schedule(1)
		require.True(t, ok)
		seen[tid] = true
		require.NoError(t, s.Terminate(tid))
	}
	require.Len(t, seen, 3)
}

func TestSleepWakesOnTimer(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, normal(PriorityDefault))
	s.Schedule(0)

	require.NoError(t, s.Sleep(1, 3))
	require.Equal(t, StateBlocked, th.State())
	s.Timer()
	s.Timer()
	require.Equal(t, StateBlocked, th.State())
	s.Timer()
	require.Equal(t, StateReady, th.State())
	require.Equal(t, uint64(3), s.Now())
}

func TestSleepZeroYields(t *testing.T) {
	s := newTestScheduler(t, Config{}, cores(CorePerformance))
	th := mustAdd(t, s, 1, normal(PriorityDefault))
	s.Schedule(0)
	require.NoError(t, s.Sleep(1, 0))
	require.Equal(t, StateReady, th.State())
	require.Equal(t, uint64(1), s.Metrics().Voluntary)
}

func TestRunCoresLiveness(t *testing.T) {
	s := newTestScheduler(t, Config{TimeSlice: 200 * time.Microsecond, ClassifyEvery: 4},
		cores(CorePerformance, CorePerformance, CoreEfficiency, CoreEfficiency))

	const threads = 12
	for i := 0; i < threads; i++ {
		p := Params{Priority: i % NumPriorities}
		if i%3 == 0 {
			p.Policy = PolicyBackground
		}
		mustAdd(t, s, ThreadID(i+1), p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		runs    = make(map[ThreadID]int)
		running = make(map[ThreadID]int)
		fault   error
	)
	exec := ExecutorFunc(func(core int, tid ThreadID, slice time.Duration) Sample {
		mu.Lock()
		if c, dup := running[tid]; dup && fault == nil {
			fault = fmt.Errorf("thread %d on cores %d and %d", tid, c, core)
		}
		running[tid] = core
		runs[tid]++
		done := len(runs) == threads
		for _, n := range runs {
			done = done && n >= 3
		}
		mu.Unlock()

		time.Sleep(10 * time.Microsecond)

		mu.Lock()
		delete(running, tid)
		mu.Unlock()
		if done {
			cancel()
		}
		return Sample{Instructions: 2000, Cycles: 1000, CacheRefs: 100, CacheMisses: 1, Elapsed: 100 * time.Microsecond}
	})

	g, gctx := errgroup.WithContext(ctx)
	for core := 0; core < 4; core++ {
		core := core
		g.Go(func() error { return s.RunCore(gctx, core, exec) })
	}
	err := g.Wait()
	require.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, fault)
	for id := ThreadID(1); id <= threads; id++ {
		require.GreaterOrEqual(t, runs[id], 3, "thread %d", id)
	}
}
