package registry

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/forge/internal/protocol"
)

// Criteria describes the worker a job needs.
type Criteria struct {
	// Required capabilities are mandatory.
	Required protocol.Capability
	// Preferred capabilities raise the score of workers that have them.
	Preferred protocol.Capability
	// Arch and OS, when set, are preferences rather than requirements.
	Arch string
	OS   string
	// MinAvailableSlots is the number of free slots needed; at least 1.
	MinAvailableSlots int
	// Exclude lists worker ids that must not be chosen, for example the
	// worker that just failed the job.
	Exclude []string
}

// Selection score bonuses added on top of the health score.
const (
	bonusPreferred = 0.2
	bonusSlots     = 0.3
	bonusArch      = 0.1
	bonusOS        = 0.1
)

// score rates w for c, or returns -1 if w cannot take the job.
func score(w *Worker, c Criteria) float64 {
	if !w.State.Selectable() {
		return -1
	}
	if !w.Capabilities.Has(c.Required) {
		return -1
	}
	need := c.MinAvailableSlots
	if need < 1 {
		need = 1
	}
	if w.AvailableSlots() < need {
		return -1
	}
	if slices.Contains(c.Exclude, w.ID) {
		return -1
	}

	s := w.HealthScore
	if n := c.Preferred.Count(); n > 0 {
		s += bonusPreferred * float64((w.Capabilities & c.Preferred).Count()) / float64(n)
	}
	if w.MaxJobs > 0 {
		s += bonusSlots * float64(w.AvailableSlots()) / float64(w.MaxJobs)
	}
	if c.Arch != "" && c.Arch == w.System.Arch {
		s += bonusArch
	}
	if c.OS != "" && c.OS == w.System.OS {
		s += bonusOS
	}
	return s
}

// SelectWorker returns the highest scoring worker able to take a job matching
// c. Ties go to the worker registered first.
//
// A worker qualifies when it is selectable (online or busy, not draining),
// has every Required capability, has MinAvailableSlots free slots and is not
// excluded. Qualifying workers are ranked by health and load, with bonuses
// for Preferred capabilities and a matching Arch or OS.
//
// Example:
//
//	w, ok := r.SelectWorker(Criteria{Required: protocol.CapGCC, Arch: "arm64"})
//	if !ok {
//		// leave the job queued
//	}
func (r *Registry) SelectWorker(c Criteria) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Worker
	bestScore := -1.0
	for _, w := range r.sortedLocked() {
		if s := score(w, c); s >= 0 && s > bestScore {
			best, bestScore = w, s
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// SelectWorkers returns up to n eligible workers, best first.
func (r *Registry) SelectWorkers(c Criteria, n int) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	type scored struct {
		w *Worker
		s float64
	}
	var candidates []scored
	for _, w := range r.sortedLocked() {
		if s := score(w, c); s >= 0 {
			candidates = append(candidates, scored{w, s})
		}
	}
	slices.SortStableFunc(candidates, func(a, b scored) int {
		switch {
		case a.s > b.s:
			return -1
		case a.s < b.s:
			return 1
		}
		return 0
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]*Worker, len(candidates))
	for i, cand := range candidates {
		out[i] = cand.w.clone()
	}
	return out
}

// Eligible returns every worker able to take a job matching c, in
// registration order.
func (r *Registry) Eligible(c Criteria) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Worker
	for _, w := range r.sortedLocked() {
		if score(w, c) >= 0 {
			out = append(out, w.clone())
		}
	}
	return out
}
