package scheduler

import (
	"github.com/dreamware/forge/internal/registry"
)

// pickLocked chooses a worker for a job needing c under the configured
// algorithm. Every algorithm only considers workers the registry deems
// eligible, so saturated and incapable workers are never returned.
func (s *Scheduler) pickLocked(c registry.Criteria) (*registry.Worker, bool) {
	if s.cfg.Algorithm == Weighted {
		return s.pool.SelectWorker(c)
	}

	eligible := s.pool.Eligible(c)
	if len(eligible) == 0 {
		return nil, false
	}

	switch s.cfg.Algorithm {
	case RoundRobin:
		w := eligible[s.rr%len(eligible)]
		s.rr++
		return w, true

	case LeastLoaded:
		best := eligible[0]
		for _, w := range eligible[1:] {
			if w.Load() < best.Load() {
				best = w
			}
		}
		return best, true

	case LeastLatency:
		best := eligible[0]
		for _, w := range eligible[1:] {
			if w.LatencyMs < best.LatencyMs {
				best = w
			}
		}
		return best, true

	case Random:
		return eligible[s.rng.IntN(len(eligible))], true
	}
	return s.pool.SelectWorker(c)
}
