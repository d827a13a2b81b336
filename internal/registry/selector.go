package registry

import "time"

// Strategy names a worker selection policy.
type Strategy string

const (
	// StrategyRoundRobin rotates fairly through eligible workers,
	// ignoring load.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastBusy picks the worker with the fewest in-flight
	// dispatches.
	StrategyLeastBusy Strategy = "least_busy"
	// StrategyHealthWeighted maximizes a weighted combination of health,
	// capability match, and an estimated queuing delay.
	StrategyHealthWeighted Strategy = "health_weighted"
)

// ParseStrategy maps a config string to a Strategy, defaulting to
// health-weighted selection.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastBusy, StrategyHealthWeighted:
		return Strategy(s)
	default:
		return StrategyHealthWeighted
	}
}

// Weights of the health-weighted score. Health dominates; the match term
// favors dedicated workers over generalists; the delay term penalizes
// workers already stacked with in-flight calls.
const (
	weightHealth = 0.6
	weightMatch  = 0.2
	weightDelay  = 0.2
)

// leastBusy returns the candidate with the fewest active connections.
// Candidates arrive in registration order, which breaks ties.
func leastBusy(candidates []*entry) *entry {
	best := candidates[0]
	for _, e := range candidates[1:] {
		if e.worker.ActiveConnections < best.worker.ActiveConnections {
			best = e
		}
	}
	return best
}

// healthWeighted returns the candidate maximizing
// w1*health + w2*match - w3*delay, with ties broken by lowest active
// connections and then registration order for determinism.
func healthWeighted(candidates []*entry, targetLatency time.Duration) *entry {
	best := candidates[0]
	bestScore := weightedScore(best, targetLatency)
	for _, e := range candidates[1:] {
		score := weightedScore(e, targetLatency)
		switch {
		case score > bestScore:
			best, bestScore = e, score
		case score == bestScore && e.worker.ActiveConnections < best.worker.ActiveConnections:
			best = e
		}
	}
	return best
}

func weightedScore(e *entry, targetLatency time.Duration) float64 {
	match := 1.0 / float64(len(e.worker.Capabilities))
	delay := delayEstimate(e, targetLatency)
	return weightHealth*e.worker.HealthScore + weightMatch*match - weightDelay*delay
}

// delayEstimate approximates time-to-service: in-flight calls times the
// worker's observed latency, normalized by the target and clamped to [0,1].
func delayEstimate(e *entry, targetLatency time.Duration) float64 {
	if targetLatency <= 0 {
		return 0
	}
	lat := e.emaLatency
	if lat == 0 {
		lat = targetLatency
	}
	est := float64(e.worker.ActiveConnections) * float64(lat) / float64(targetLatency)
	return clamp(est, 0, 1)
}
