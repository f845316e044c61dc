package sched

import (
	"context"
	"time"
)

// Executor runs a thread for up to one slice and reports what the
// hardware counters observed.
type Executor interface {
	Execute(core int, tid ThreadID, slice time.Duration) Sample
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(core int, tid ThreadID, slice time.Duration) Sample

// Execute calls f.
func (f ExecutorFunc) Execute(core int, tid ThreadID, slice time.Duration) Sample {
	return f(core, tid, slice)
}

// idlePoll bounds how long an idle core sleeps before looking for work
// to steal again.
const idlePoll = time.Millisecond

// RunCore drives one core until ctx is done. Core 0 also drives the
// global timer.
func (s *Scheduler) RunCore(ctx context.Context, id int, exec Executor) error {
	if _, err := s.core("run core", id); err != nil {
		return err
	}
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()

	need := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if id == 0 {
			s.Timer()
		}
		if need {
			if _, ok := s.Schedule(id); !ok {
				timer.Reset(idlePoll)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.IdleWait(id):
				case <-timer.C:
				}
				continue
			}
			need = false
		}

		tid, ok := s.Current(id)
		if !ok {
			need = true
			continue
		}
		slice := s.cfg.TimeSlice
		start := time.Now()
		sample := exec.Execute(id, tid, slice)
		elapsed := sample.Elapsed
		if elapsed <= 0 {
			elapsed = time.Since(start)
		}
		need = s.Tick(id, elapsed, sample)
	}
}
