package decoder

import "sync"

// RunningStats accumulates latency telemetry for one decoder. The
// exponential moving average gives the health display a stable latency
// figure without retaining per-decode samples.
type RunningStats struct {
	mu        sync.Mutex
	alpha     float64
	emaMs     float64
	lastMs    float64
	successes int64
	failures  int64
	seeded    bool
}

// StatsSnapshot is a point-in-time copy of a decoder's running stats.
type StatsSnapshot struct {
	EMALatencyMs  float64 `json:"ema_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
}

// NewRunningStats creates stats with the given EMA smoothing factor.
// Values outside (0, 1] fall back to 0.2.
func NewRunningStats(alpha float64) *RunningStats {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &RunningStats{alpha: alpha}
}

// RecordSuccess folds one successful decode's latency into the average.
func (s *RunningStats) RecordSuccess(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.lastMs = latencyMs
	if !s.seeded {
		s.emaMs = latencyMs
		s.seeded = true
		return
	}
	s.emaMs = s.alpha*latencyMs + (1-s.alpha)*s.emaMs
}

// RecordFailure counts a failed decode attempt. Latency of failed
// attempts is not folded into the average.
func (s *RunningStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

// Restore seeds the stats from persisted counters, for catalog reload
// at startup.
func (s *RunningStats) Restore(snap StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emaMs = snap.EMALatencyMs
	s.successes = snap.Successes
	s.failures = snap.Failures
	s.seeded = snap.Successes > 0
}

// Snapshot returns a copy of the current values.
func (s *RunningStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		EMALatencyMs:  s.emaMs,
		LastLatencyMs: s.lastMs,
		Successes:     s.successes,
		Failures:      s.failures,
	}
}
