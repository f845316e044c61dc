package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/doublegate/VeridianOS-sub004/kernel"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

var (
	stressThreads  int
	stressDuration time.Duration
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run mixed-priority threads on every core",
	Long: `stress creates threads at every priority level and runs all cores
against a synthetic executor for the given duration. Even threads report
compute-bound counter samples, odd threads memory-bound ones.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		k, err := kernel.Boot(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, k.Shutdown()) }()
		return runStress(cmd.Context(), k, stressThreads, stressDuration, cmd.OutOrStdout())
	},
}

func init() {
	stressCmd.Flags().IntVar(&stressThreads, "threads", 16, "number of threads to create")
	stressCmd.Flags().DurationVar(&stressDuration, "duration", time.Second, "how long to run")
}

// syntheticSample fakes the hardware counters of one slice.
func syntheticSample(tid sched.ThreadID, slice time.Duration) sched.Sample {
	if tid%2 == 0 {
		return sched.Sample{Instructions: 4_000_000, Cycles: 2_000_000, CacheRefs: 10_000, CacheMisses: 100, Elapsed: slice}
	}
	return sched.Sample{Instructions: 500_000, Cycles: 2_000_000, CacheRefs: 10_000, CacheMisses: 4_000, BytesMoved: 1 << 20, Elapsed: slice}
}

func runStress(ctx context.Context, k *kernel.Kernel, threads int, d time.Duration, out io.Writer) error {
	if threads <= 0 {
		return fmt.Errorf("--threads must be positive, got %d", threads)
	}
	root, err := k.Context(k.RootThread())
	if err != nil {
		return err
	}
	for i := 0; i < threads; i++ {
		p := sched.Params{Priority: i % sched.NumPriorities}
		if p.Priority == sched.PriorityLowest {
			p.Policy = sched.PolicyBackground
		}
		if _, _, err := root.ThreadCreate(kernel.RootProcessCap, p); err != nil {
			return fmt.Errorf("create thread %d: %w", i, err)
		}
	}

	var (
		mu   sync.Mutex
		runs = map[sched.ThreadID]int{}
	)
	exec := sched.ExecutorFunc(func(core int, tid sched.ThreadID, slice time.Duration) sched.Sample {
		mu.Lock()
		runs[tid]++
		mu.Unlock()
		time.Sleep(slice / 20)
		return syntheticSample(tid, slice)
	})

	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	start := time.Now()
	if err := k.Run(runCtx, exec); err != nil {
		return err
	}
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	ids := make([]sched.ThreadID, 0, len(runs))
	for tid := range runs {
		ids = append(ids, tid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintf(out, "ran %d of %d threads for %v\n", len(ids), threads+1, elapsed.Round(time.Millisecond))
	for _, tid := range ids {
		fmt.Fprintf(out, "  tid %-4d %6d slices\n", tid, runs[tid])
	}

	m := k.Stats().Scheduler
	fmt.Fprintf(out, "switches %d (voluntary %d, involuntary %d), preemptions %d\n",
		m.ContextSwitches, m.Voluntary, m.Involuntary, m.Preemptions)
	fmt.Fprintf(out, "steals %d (cross-type %d), migrations %d, reclassifications %d\n",
		m.Steals, m.CrossTypeSteals, m.Migrations, m.Reclassifications)
	return nil
}
