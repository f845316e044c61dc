package sched

import "sync/atomic"

// Metrics is a snapshot of scheduler counters.
type Metrics struct {
	ContextSwitches   uint64
	Voluntary         uint64
	Involuntary       uint64
	Preemptions       uint64
	Steals            uint64
	CrossTypeSteals   uint64
	Migrations        uint64
	IdleEntries       uint64
	Blocks            uint64
	Wakeups           uint64
	Reclassifications uint64
	VectorSaves       uint64
	TopologyRetired   uint64
}

type metrics struct {
	switches          atomic.Uint64
	voluntary         atomic.Uint64
	involuntary       atomic.Uint64
	preemptions       atomic.Uint64
	steals            atomic.Uint64
	crossTypeSteals   atomic.Uint64
	migrations        atomic.Uint64
	idleEntries       atomic.Uint64
	blocks            atomic.Uint64
	wakeups           atomic.Uint64
	reclassifications atomic.Uint64
	vectorSaves       atomic.Uint64
	topologyRetired   atomic.Uint64
}

// Metrics returns the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	m := &s.m
	return Metrics{
		ContextSwitches:   m.switches.Load(),
		Voluntary:         m.voluntary.Load(),
		Involuntary:       m.involuntary.Load(),
		Preemptions:       m.preemptions.Load(),
		Steals:            m.steals.Load(),
		CrossTypeSteals:   m.crossTypeSteals.Load(),
		Migrations:        m.migrations.Load(),
		IdleEntries:       m.idleEntries.Load(),
		Blocks:            m.blocks.Load(),
		Wakeups:           m.wakeups.Load(),
		Reclassifications: m.reclassifications.Load(),
		VectorSaves:       m.vectorSaves.Load(),
		TopologyRetired:   m.topologyRetired.Load(),
	}
}
