package registry

import "time"

// Health score weights. They sum to 1. These are tunable; nothing depends on
// their exact values beyond ranking workers sensibly.
const (
	weightSuccessRate = 0.3
	weightLatency     = 0.2
	weightLoad        = 0.2
	weightHeartbeat   = 0.2
	weightUptime      = 0.1

	latencyCapMs     = 1000.0
	missedHeartbeats = 3.0
	uptimeCap        = 24 * time.Hour
)

// DefaultHealthChangeThreshold is the minimum score movement that fires a
// health-changed event.
const DefaultHealthChangeThreshold = 0.05

// computeHealth returns the worker's health score in [0,1]:
//
//	0.3 success rate (1 with no history)
//	0.2 inverted latency, capped at 1s
//	0.2 inverted mean of cpu and memory usage
//	0.2 inverted missed heartbeats out of 3
//	0.1 uptime, capped at 24h
func computeHealth(w *Worker, now time.Time) float64 {
	success := 1.0
	if total := w.JobsCompleted + w.JobsFailed; total > 0 {
		success = float64(w.JobsCompleted) / float64(total)
	}

	latency := 1 - clamp(w.LatencyMs, 0, latencyCapMs)/latencyCapMs
	load := 1 - (clamp(w.CPUUsage, 0, 1)+clamp(w.MemoryUsage, 0, 1))/2
	heartbeat := 1 - clamp(float64(w.MissedHeartbeats), 0, missedHeartbeats)/missedHeartbeats

	uptime := 0.0
	if !w.RegisteredAt.IsZero() {
		up := now.Sub(w.RegisteredAt)
		if up > uptimeCap {
			up = uptimeCap
		}
		if up > 0 {
			uptime = float64(up) / float64(uptimeCap)
		}
	}

	score := weightSuccessRate*success +
		weightLatency*latency +
		weightLoad*load +
		weightHeartbeat*heartbeat +
		weightUptime*uptime
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
