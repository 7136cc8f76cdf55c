// ABOUTME: Aggregated scheduler statistics for the stats and admin endpoints.
// ABOUTME: Combines request counters, error-center tallies, and pool snapshots.

package scheduler

import (
	"sort"

	"github.com/2389-research/relay/pipeline"
)

// PoolStats summarizes one virtual model's instance pool.
type PoolStats struct {
	VirtualModelID string              `json:"virtualModelId"`
	Size           int                 `json:"size"`
	Eligible       int                 `json:"eligible"`
	Instances      []pipeline.Snapshot `json:"instances"`
}

// Stats is a point-in-time view of the whole scheduler.
type Stats struct {
	TotalRequests      int64       `json:"totalRequests"`
	SuccessfulRequests int64       `json:"successfulRequests"`
	FailedRequests     int64       `json:"failedRequests"`
	RetriedRequests    int64       `json:"retriedRequests"`
	RejectedRequests   int64       `json:"rejectedRequests"`
	ActiveRequests     int64       `json:"activeRequests"`
	BlacklistedEntries int         `json:"blacklistedEntries"`
	VirtualModels      int         `json:"virtualModels"`
	Errors             ErrorStats  `json:"errors"`
	Pools              []PoolStats `json:"pools"`
}

// Stats snapshots the counters and every pool.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	pools := make(map[string]*pool, len(s.pools))
	for id, p := range s.pools {
		pools[id] = p
	}
	s.mu.RUnlock()

	out := Stats{
		TotalRequests:      s.totalRequests.Load(),
		SuccessfulRequests: s.successfulRequests.Load(),
		FailedRequests:     s.failedRequests.Load(),
		RetriedRequests:    s.retriedRequests.Load(),
		RejectedRequests:   s.rejectedRequests.Load(),
		ActiveRequests:     s.activeRequests.Load(),
		BlacklistedEntries: s.blacklist.Len(),
		VirtualModels:      len(pools),
		Errors:             s.center.Stats(),
	}

	ids := make([]string, 0, len(pools))
	for id := range pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := pools[id]
		ps := PoolStats{VirtualModelID: id}
		for _, inst := range p.list() {
			ps.Size++
			if s.eligible(inst) {
				ps.Eligible++
			}
			ps.Instances = append(ps.Instances, inst.Snapshot())
		}
		out.Pools = append(out.Pools, ps)
	}
	return out
}

// Snapshots returns per-model instance snapshots for the admin surface.
func (s *Scheduler) Snapshots() map[string][]pipeline.Snapshot {
	s.mu.RLock()
	pools := make(map[string]*pool, len(s.pools))
	for id, p := range s.pools {
		pools[id] = p
	}
	s.mu.RUnlock()

	out := make(map[string][]pipeline.Snapshot, len(pools))
	for id, p := range pools {
		instances := p.list()
		snaps := make([]pipeline.Snapshot, 0, len(instances))
		for _, inst := range instances {
			snaps = append(snaps, inst.Snapshot())
		}
		out[id] = snaps
	}
	return out
}
