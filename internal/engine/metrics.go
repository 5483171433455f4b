package engine

import "sync"

// Metrics are the engine's rolling counters. They accumulate for the process
// lifetime and only reset on an explicit request. The processing-time figure
// is a cumulative running average, never windowed or decayed.
type Metrics struct {
	TotalVerifications      uint64  `json:"total_verifications"`
	SuccessfulVerifications uint64  `json:"successful_verifications"`
	AverageProcessingMs     float64 `json:"average_processing_ms"`
	CacheHits               uint64  `json:"cache_hits"`
	CacheMisses             uint64  `json:"cache_misses"`
}

type metricsTracker struct {
	mu sync.Mutex
	m  Metrics
}

func newMetricsTracker() *metricsTracker {
	return &metricsTracker{}
}

func (t *metricsTracker) record(success bool, processingMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.TotalVerifications++
	if success {
		t.m.SuccessfulVerifications++
	}
	n := float64(t.m.TotalVerifications)
	t.m.AverageProcessingMs = (t.m.AverageProcessingMs*(n-1) + processingMs) / n
}

func (t *metricsTracker) cacheHit() {
	t.mu.Lock()
	t.m.CacheHits++
	t.mu.Unlock()
}

func (t *metricsTracker) cacheMiss() {
	t.mu.Lock()
	t.m.CacheMisses++
	t.mu.Unlock()
}

func (t *metricsTracker) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}

func (t *metricsTracker) reset() {
	t.mu.Lock()
	t.m = Metrics{}
	t.mu.Unlock()
}
