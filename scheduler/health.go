// ABOUTME: Background health checker probing pooled instances on a ticker.
// ABOUTME: Repeated probe failures eject an instance; repeated passes recover it.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389-research/relay/pipeline"
)

// HealthCheckConfig tunes the probe loop. Zero values use the defaults
// noted per field.
type HealthCheckConfig struct {
	// Interval between probe rounds. Default 30s.
	Interval time.Duration

	// Timeout per individual probe. Default 5s.
	Timeout time.Duration

	// UnhealthyThreshold is the consecutive probe failures that move an
	// instance to Error. Default 3.
	UnhealthyThreshold int

	// HealthyThreshold is the consecutive probe passes that re-initialize
	// an errored instance. Default 2.
	HealthyThreshold int

	Logger *slog.Logger
}

// HealthChecker drives periodic liveness probes against every pooled
// instance. It is the only component that moves instances between Error and
// Ready based on upstream reachability.
type HealthChecker struct {
	scheduler *Scheduler
	interval  time.Duration
	timeout   time.Duration
	unhealthy int
	healthy   int
	logger    *slog.Logger

	mu     sync.Mutex
	fails  map[string]int
	passes map[string]int

	started  atomic.Bool
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

func NewHealthChecker(s *Scheduler, cfg HealthCheckConfig) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		scheduler: s,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		unhealthy: cfg.UnhealthyThreshold,
		healthy:   cfg.HealthyThreshold,
		logger:    logger,
		fails:     make(map[string]int),
		passes:    make(map[string]int),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Start launches the probe loop. Stop terminates it and waits for the
// current round to finish.
func (h *HealthChecker) Start() {
	if h.started.CompareAndSwap(false, true) {
		go h.run()
	}
}

func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopC) })
	if h.started.Load() {
		<-h.doneC
	}
}

func (h *HealthChecker) run() {
	defer close(h.doneC)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopC:
			return
		case <-ticker.C:
			h.CheckOnce(context.Background())
		}
	}
}

// CheckOnce probes every pooled instance a single time and applies the
// threshold arithmetic. Exposed for the admin trigger and tests.
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	for _, inst := range h.scheduler.instances() {
		select {
		case <-h.stopC:
			return
		default:
		}
		h.probe(ctx, inst)
	}
}

func (h *HealthChecker) probe(ctx context.Context, inst *pipeline.Instance) {
	switch inst.State() {
	case pipeline.StateReady, pipeline.StateRunning, pipeline.StateError:
	default:
		// Creating, paused, maintenance, and destroyed instances are not
		// probed; their state is owned elsewhere.
		return
	}

	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := inst.Probe(pctx)
	cancel()

	id := inst.ID()
	if err != nil {
		h.mu.Lock()
		h.passes[id] = 0
		h.fails[id]++
		fails := h.fails[id]
		h.mu.Unlock()

		h.logger.Warn("health probe failed", "instance", id, "consecutive", fails, "error", err)
		if fails >= h.unhealthy && inst.State() != pipeline.StateError {
			if merr := inst.MarkError(err); merr != nil {
				h.logger.Error("could not eject unhealthy instance", "instance", id, "error", merr)
			}
		}
		return
	}

	h.mu.Lock()
	h.fails[id] = 0
	h.passes[id]++
	passes := h.passes[id]
	h.mu.Unlock()

	if inst.State() == pipeline.StateError && passes >= h.healthy {
		if ierr := inst.Initialize(ctx); ierr != nil {
			h.logger.Error("instance recovery failed", "instance", id, "error", ierr)
			return
		}
		h.logger.Info("instance recovered", "instance", id, "consecutive_passes", passes)
	}
}
