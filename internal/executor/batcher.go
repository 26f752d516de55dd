package executor

import (
	"runtime"
	"time"

	"relmigrate/internal/config"
)

// batchSizer decides the size of the next batch. In adaptive mode it steers
// toward the target batch latency and halves when memory nears the ceiling.
type batchSizer struct {
	adaptive bool
	size     int
	min      int
	max      int
	target   time.Duration
	ceiling  uint64
}

func newBatchSizer(cfg config.Migration) *batchSizer {
	return &batchSizer{
		adaptive: cfg.BatchMode == config.BatchModeAdaptive,
		size:     cfg.BatchSize,
		min:      cfg.MinBatchSize,
		max:      cfg.MaxBatchSize,
		target:   cfg.TargetBatchLatency(),
		ceiling:  cfg.MemoryCeiling(),
	}
}

// restore continues from a checkpointed size.
func (b *batchSizer) restore(size int) {
	if b.adaptive && size > 0 {
		b.size = b.clamp(size)
	}
}

func (b *batchSizer) next() int {
	return b.size
}

// observe adjusts the size after a committed batch of n records.
func (b *batchSizer) observe(n int, took time.Duration, memory uint64) {
	if !b.adaptive || n <= 0 {
		return
	}

	if b.ceiling > 0 && memory >= b.ceiling*8/10 {
		b.size = b.clamp(b.size / 2)
		return
	}
	if took <= 0 {
		b.size = b.clamp(b.size * 2)
		return
	}

	perRecord := took / time.Duration(n)
	if perRecord <= 0 {
		perRecord = time.Nanosecond
	}
	ideal := int(b.target / perRecord)
	// Move halfway toward the ideal to damp oscillation.
	b.size = b.clamp((b.size + ideal) / 2)
}

func (b *batchSizer) clamp(n int) int {
	if n < b.min {
		n = b.min
	}
	if b.max > 0 && n > b.max {
		n = b.max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// partition returns the next batch of ids starting at offset.
func partition(ids []string, offset, size int) []string {
	if offset >= len(ids) {
		return nil
	}
	end := offset + size
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
