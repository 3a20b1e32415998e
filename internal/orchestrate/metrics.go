package orchestrate

import "time"

// RunMetrics describes one completed orchestration run.
type RunMetrics struct {
	Complexity string
	Strategy   string
	PlanCount  int
	Degraded   bool
	Unrelated  bool
	Duration   time.Duration
}

// MetricsSink receives per-run observations. Injected so the core holds no
// process-wide mutable state.
type MetricsSink interface {
	ObserveRun(m RunMetrics)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) ObserveRun(RunMetrics) {}
