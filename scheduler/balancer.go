// ABOUTME: Load-balancing strategies for picking one instance out of a pool.
// ABOUTME: Round-robin, smooth weighted round-robin, least-connections, and random.

package scheduler

import (
	"math/rand"
	"sync"

	"github.com/2389-research/relay/pipeline"
)

// Strategy names accepted in configuration.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyWeighted         = "weighted-round-robin"
	StrategyLeastConnections = "least-connections"
	StrategyRandom           = "random"
)

// ValidStrategy reports whether name is a known balancing strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyRoundRobin, StrategyWeighted, StrategyLeastConnections, StrategyRandom:
		return true
	}
	return false
}

// Balancer picks one candidate per attempt. Cursor and weight state is per
// virtual model and survives pool membership changes; candidates are
// pre-filtered for eligibility by the caller.
type Balancer struct {
	mu      sync.Mutex
	cursors map[string]uint64
	current map[string]map[string]int
}

func NewBalancer() *Balancer {
	return &Balancer{
		cursors: make(map[string]uint64),
		current: make(map[string]map[string]int),
	}
}

// Pick selects one instance from candidates using the given strategy. The
// caller guarantees candidates is non-empty and ordered by creation.
func (b *Balancer) Pick(strategy, vmID string, candidates []*pipeline.Instance) *pipeline.Instance {
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch strategy {
	case StrategyWeighted:
		return b.pickWeighted(vmID, candidates)
	case StrategyLeastConnections:
		return pickLeastConnections(candidates)
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	default:
		return b.pickRoundRobin(vmID, candidates)
	}
}

// Forget drops balancing state for a virtual model. Called when its pool is
// destroyed or replaced.
func (b *Balancer) Forget(vmID string) {
	b.mu.Lock()
	delete(b.cursors, vmID)
	delete(b.current, vmID)
	b.mu.Unlock()
}

func (b *Balancer) pickRoundRobin(vmID string, candidates []*pipeline.Instance) *pipeline.Instance {
	b.mu.Lock()
	n := b.cursors[vmID]
	b.cursors[vmID] = n + 1
	b.mu.Unlock()
	return candidates[n%uint64(len(candidates))]
}

// pickWeighted runs the smooth weighted round-robin used by nginx: every
// pick raises each candidate's current weight by its configured weight,
// takes the highest, then lowers the winner by the total. A weight-5/1 pair
// yields 5:1 interleaved, never 5 in a row.
func (b *Balancer) pickWeighted(vmID string, candidates []*pipeline.Instance) *pipeline.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.current[vmID]
	if current == nil {
		current = make(map[string]int, len(candidates))
		b.current[vmID] = current
	}

	total := 0
	var best *pipeline.Instance
	for _, inst := range candidates {
		w := inst.Weight()
		total += w
		current[inst.ID()] += w
		if best == nil || current[inst.ID()] > current[best.ID()] {
			best = inst
		}
	}
	current[best.ID()] -= total
	return best
}

// pickLeastConnections takes the lowest in-flight count, breaking ties by
// average response time and then by instance ID so selection stays
// deterministic.
func pickLeastConnections(candidates []*pipeline.Instance) *pipeline.Instance {
	best := candidates[0]
	bestActive := best.ActiveRequests()
	bestLatency := best.AverageResponseTime()

	for _, inst := range candidates[1:] {
		active := inst.ActiveRequests()
		latency := inst.AverageResponseTime()
		switch {
		case active < bestActive:
		case active == bestActive && latency < bestLatency:
		case active == bestActive && latency == bestLatency && inst.ID() < best.ID():
		default:
			continue
		}
		best, bestActive, bestLatency = inst, active, latency
	}
	return best
}
