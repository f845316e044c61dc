package sched

import (
	"fmt"
	"time"
)

// Class is a workload classification.
type Class uint8

// Workload classes.
const (
	ClassBalanced Class = iota
	ClassComputeBound
	ClassMemoryBound
)

var classNames = map[Class]string{
	ClassBalanced:     "balanced",
	ClassComputeBound: "compute",
	ClassMemoryBound:  "memory",
}

func (c Class) String() string {
	name, ok := classNames[c]
	if ok {
		return name
	}
	return fmt.Sprintf("{Class %d}", c)
}

// Sample holds hardware counters observed while a thread ran.
type Sample struct {
	Instructions uint64
	Cycles       uint64
	CacheMisses  uint64
	CacheRefs    uint64
	BytesMoved   uint64
	Elapsed      time.Duration
}

func (s *Sample) add(o Sample) {
	s.Instructions += o.Instructions
	s.Cycles += o.Cycles
	s.CacheMisses += o.CacheMisses
	s.CacheRefs += o.CacheRefs
	s.BytesMoved += o.BytesMoved
	s.Elapsed += o.Elapsed
}

// IPC returns instructions per cycle.
func (s Sample) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Instructions) / float64(s.Cycles)
}

// MissRate returns the fraction of cache references that missed.
func (s Sample) MissRate() float64 {
	if s.CacheRefs == 0 {
		return 0
	}
	return float64(s.CacheMisses) / float64(s.CacheRefs)
}

// Bandwidth returns bytes moved per second.
func (s Sample) Bandwidth() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesMoved) / s.Elapsed.Seconds()
}

func (s Sample) empty() bool {
	return s.Cycles == 0 && s.CacheRefs == 0 && s.BytesMoved == 0
}

// Classifier buckets a thread by the counters of its recent execution.
type Classifier interface {
	Classify(Sample) Class
}

// Thresholds is the default fixed-threshold Classifier.
type Thresholds struct {
	ComputeIPC      float64 // minimum IPC for compute bound
	ComputeMissRate float64 // compute bound threads miss less than this
	MemoryMissRate  float64 // minimum miss rate for memory bound
	MemoryBandwidth float64 // minimum bytes per second for memory bound
}

// DefaultThresholds returns the stock classification thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ComputeIPC:      1.5,
		ComputeMissRate: 0.05,
		MemoryMissRate:  0.20,
		MemoryBandwidth: 1 << 30,
	}
}

// Classify implements Classifier.
func (th Thresholds) Classify(s Sample) Class {
	if s.empty() {
		return ClassBalanced
	}
	if s.IPC() >= th.ComputeIPC && s.MissRate() < th.ComputeMissRate {
		return ClassComputeBound
	}
	if s.MissRate() >= th.MemoryMissRate || s.Bandwidth() >= th.MemoryBandwidth {
		return ClassMemoryBound
	}
	return ClassBalanced
}
