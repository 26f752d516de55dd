package executor

import (
	"fmt"

	"relmigrate/internal/progress"
)

// checkAlerts raises threshold alerts after a committed batch. Throughput and
// memory alerts fire when the threshold is first crossed, not on every batch.
func (t *taskRunner) checkAlerts(br BatchResult, snap progress.Snapshot, memory uint64) {
	cfg := t.e.alerts

	if floor := cfg.ThroughputFloor; floor > 0 && snap.Performance.Throughput > 0 {
		low := snap.Performance.Throughput < floor
		if low && !t.lowThroughput {
			t.alert(progress.SeverityWarning, progress.AlertLowThroughput,
				fmt.Sprintf("throughput %.1f rec/s below %.1f rec/s", snap.Performance.Throughput, floor),
				map[string]any{"throughput": snap.Performance.Throughput, "floor": floor, "batch": br.BatchNumber})
		}
		t.lowThroughput = low
	}

	if threshold := cfg.RetryThreshold; threshold > 0 && br.Retries > threshold {
		t.alert(progress.SeverityWarning, progress.AlertHighRetryRate,
			fmt.Sprintf("batch %d needed %d retries", br.BatchNumber, br.Retries),
			map[string]any{"retries": br.Retries, "threshold": threshold, "batch": br.BatchNumber})
	}

	ceiling := t.e.cfg.MemoryCeiling()
	if ceiling > 0 && cfg.MemoryRatio > 0 {
		limit := uint64(float64(ceiling) * cfg.MemoryRatio)
		high := memory >= limit
		if high && !t.memoryPressure {
			t.alert(progress.SeverityWarning, progress.AlertMemoryPressure,
				fmt.Sprintf("heap %d bytes at or above %d bytes", memory, limit),
				map[string]any{"memory_bytes": memory, "limit_bytes": limit})
		}
		t.memoryPressure = high
	}
}
