package services

import "sync/atomic"

// Counters are process-wide operator counters. Invariant breaches are counted here, never raised.
type Counters struct {
	CycleHeads        atomic.Int64
	OrphanNodeData    atomic.Int64
	InvariantBreaches atomic.Int64
	RebuildsStarted   atomic.Int64
	RebuildsFailed    atomic.Int64
	BatchesDeferred   atomic.Int64
	ChangesDeferred   atomic.Int64
	StuckRebuilds     atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"cycle_heads":        c.CycleHeads.Load(),
		"orphan_node_data":   c.OrphanNodeData.Load(),
		"invariant_breaches": c.InvariantBreaches.Load(),
		"rebuilds_started":   c.RebuildsStarted.Load(),
		"rebuilds_failed":    c.RebuildsFailed.Load(),
		"batches_deferred":   c.BatchesDeferred.Load(),
		"changes_deferred":   c.ChangesDeferred.Load(),
		"stuck_rebuilds":     c.StuckRebuilds.Load(),
	}
}
