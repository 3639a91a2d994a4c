// Package liscconfig holds the tunables the learned-index storage core
// recognizes, grounded on the teacher's pager.Options / turdb.Options
// pattern: a plain struct of defaults normalized once at open time.
package liscconfig

import "go.uber.org/zap"

// Options configures every tunable knob named in the core's on-disk
// and in-memory layout. Every field has a default applied by
// WithDefaults.
type Options struct {
	// Leaf / gapped array (C2)
	LeafInitialCapacity int
	LeafDensityMin      float64
	LeafDensityMax      float64
	LeafDensityInit     float64
	LeafShiftWindow     int
	LeafEpsilonMax      float64

	// Hierarchical index (C3)
	InnerEpsilonMax    float64
	InnerFanoutTarget  int
	InnerFanoutMax     int

	// WAL (C5)
	WALGroupCommitWindowMs int
	WALSegmentBytes        int64

	// Segment store (C4)
	CompactionTriggerCount int
	CompactionSizeRatio    int
	MemoryBudgetBytes      int64
	SegmentChunkBytes      int64

	// Ambient
	Logger *zap.Logger
}

// Defaults returns an Options populated with spec-mandated defaults.
func Defaults() Options {
	return Options{
		LeafInitialCapacity: 64,
		LeafDensityMin:      0.25,
		LeafDensityMax:      0.80,
		LeafDensityInit:     0.50,
		LeafShiftWindow:     8,
		LeafEpsilonMax:      64,

		InnerEpsilonMax:   16,
		InnerFanoutTarget: 32,
		InnerFanoutMax:    64,

		WALGroupCommitWindowMs: 1,
		WALSegmentBytes:        64 * 1024 * 1024,

		CompactionTriggerCount: 8,
		CompactionSizeRatio:    4,
		MemoryBudgetBytes:      256 * 1024 * 1024,
		SegmentChunkBytes:      4 * 1024 * 1024,
	}
}

// WithDefaults fills in zero-valued fields of o with spec defaults and
// returns the normalized copy. Logger defaults to a no-op logger.
func (o Options) WithDefaults() Options {
	d := Defaults()

	if o.LeafInitialCapacity <= 0 {
		o.LeafInitialCapacity = d.LeafInitialCapacity
	}
	if o.LeafDensityMin <= 0 {
		o.LeafDensityMin = d.LeafDensityMin
	}
	if o.LeafDensityMax <= 0 {
		o.LeafDensityMax = d.LeafDensityMax
	}
	if o.LeafDensityInit <= 0 {
		o.LeafDensityInit = d.LeafDensityInit
	}
	if o.LeafShiftWindow <= 0 {
		o.LeafShiftWindow = d.LeafShiftWindow
	}
	if o.LeafEpsilonMax <= 0 {
		o.LeafEpsilonMax = d.LeafEpsilonMax
	}
	if o.InnerEpsilonMax <= 0 {
		o.InnerEpsilonMax = d.InnerEpsilonMax
	}
	if o.InnerFanoutTarget <= 0 {
		o.InnerFanoutTarget = d.InnerFanoutTarget
	}
	if o.InnerFanoutMax <= 0 {
		o.InnerFanoutMax = d.InnerFanoutMax
	}
	if o.WALGroupCommitWindowMs <= 0 {
		o.WALGroupCommitWindowMs = d.WALGroupCommitWindowMs
	}
	if o.WALSegmentBytes <= 0 {
		o.WALSegmentBytes = d.WALSegmentBytes
	}
	if o.CompactionTriggerCount <= 0 {
		o.CompactionTriggerCount = d.CompactionTriggerCount
	}
	if o.CompactionSizeRatio <= 0 {
		o.CompactionSizeRatio = d.CompactionSizeRatio
	}
	if o.MemoryBudgetBytes <= 0 {
		o.MemoryBudgetBytes = d.MemoryBudgetBytes
	}
	if o.SegmentChunkBytes <= 0 {
		o.SegmentChunkBytes = d.SegmentChunkBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
