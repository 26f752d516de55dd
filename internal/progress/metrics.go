package progress

import (
	"math"
	"time"
)

// PerformanceMetrics summarises the trailing window of batches of an entity.
type PerformanceMetrics struct {
	EntityType      string          `json:"entity_type"`
	Samples         int             `json:"samples"`
	Throughput      ThroughputStats `json:"throughput"`
	Memory          MemoryStats     `json:"memory"`
	BatchTiming     TimingStats     `json:"batch_timing"`
	EfficiencyScore float64         `json:"efficiency_score"`
}

// ThroughputStats in records/second
type ThroughputStats struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
	Minimum float64 `json:"minimum"`
}

// MemoryStats in bytes
type MemoryStats struct {
	Current uint64 `json:"current"`
	Peak    uint64 `json:"peak"`
	Average uint64 `json:"average"`
}

// TimingStats of batch durations. Variance is in ms².
type TimingStats struct {
	Average  time.Duration `json:"average"`
	Fastest  time.Duration `json:"fastest"`
	Slowest  time.Duration `json:"slowest"`
	Variance float64       `json:"variance"`
}

// PerformanceMetrics returns aggregates over the entity's recent batches.
func (t *Tracker) PerformanceMetrics(entityType string) (PerformanceMetrics, bool) {
	s := t.slot(entityType)
	if s == nil {
		return PerformanceMetrics{}, false
	}
	return computeMetrics(entityType, s.state.Load().samples), true
}

func computeMetrics(entityType string, samples []sample) PerformanceMetrics {
	m := PerformanceMetrics{EntityType: entityType, Samples: len(samples)}
	if len(samples) == 0 {
		return m
	}

	var (
		totalRecords, totalFailed int
		totalDuration             time.Duration
		totalMemory               uint64
		durationsMs               = make([]float64, 0, len(samples))
	)
	m.Throughput.Minimum = math.MaxFloat64
	m.BatchTiming.Fastest = samples[0].duration

	for _, s := range samples {
		totalRecords += s.records
		totalFailed += s.failed
		totalDuration += s.duration
		totalMemory += s.memory

		if s.duration > 0 {
			tp := float64(s.records) / s.duration.Seconds()
			m.Throughput.Peak = math.Max(m.Throughput.Peak, tp)
			m.Throughput.Minimum = math.Min(m.Throughput.Minimum, tp)
		}
		if s.memory > m.Memory.Peak {
			m.Memory.Peak = s.memory
		}
		if s.duration < m.BatchTiming.Fastest {
			m.BatchTiming.Fastest = s.duration
		}
		if s.duration > m.BatchTiming.Slowest {
			m.BatchTiming.Slowest = s.duration
		}
		durationsMs = append(durationsMs, float64(s.duration)/float64(time.Millisecond))
	}
	if m.Throughput.Minimum == math.MaxFloat64 {
		m.Throughput.Minimum = 0
	}

	last := samples[len(samples)-1]
	if last.duration > 0 {
		m.Throughput.Current = float64(last.records) / last.duration.Seconds()
	}
	if totalDuration > 0 {
		m.Throughput.Average = float64(totalRecords) / totalDuration.Seconds()
	}
	m.Memory.Current = last.memory
	m.Memory.Average = totalMemory / uint64(len(samples))

	n := float64(len(samples))
	m.BatchTiming.Average = totalDuration / time.Duration(len(samples))
	mean := float64(m.BatchTiming.Average) / float64(time.Millisecond)
	var sq float64
	for _, d := range durationsMs {
		sq += (d - mean) * (d - mean)
	}
	m.BatchTiming.Variance = sq / n

	m.EfficiencyScore = efficiency(totalRecords, totalFailed, mean, m.BatchTiming.Variance)
	return m
}

// efficiency blends the success ratio (60%) with timing consistency (40%)
// into a 0-100 score.
func efficiency(records, failed int, meanMs, varianceMs float64) float64 {
	success := 1.0
	if records > 0 {
		success = float64(records-failed) / float64(records)
	}
	consistency := 1.0
	if meanMs > 0 {
		cv := math.Sqrt(varianceMs) / meanMs
		consistency = 1 / (1 + cv)
	}
	return clamp((0.6*success+0.4*consistency)*100, 0, 100)
}
