// ABOUTME: Scheduler owning the instance pools, the execute-with-retry loop,
// ABOUTME: and the recovery actions resolved by the error response center.

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/wire"
)

// Config tunes the scheduler. Zero values fall back to the defaults noted
// per field.
type Config struct {
	// Strategy is the default load-balancing strategy. Default round-robin.
	Strategy string

	// DefaultTimeout bounds one execute call end to end. Default 30s.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the retry budget when neither the pool nor the
	// caller sets one. Default 2.
	DefaultMaxRetries int

	// DefaultRetryDelay, when set, overrides per-strategy delays for plain
	// retries. Retry-After floors still apply.
	DefaultRetryDelay time.Duration

	// MaxConcurrent caps in-flight execute calls. Zero means unlimited.
	MaxConcurrent int

	// RejectWhenSaturated rejects excess callers with RATE_LIMIT_EXCEEDED
	// instead of blocking them on the semaphore.
	RejectWhenSaturated bool

	// BreakerThreshold is the consecutive-failure count that opens an
	// instance's circuit breaker. Default 6.
	BreakerThreshold uint32

	// BreakerCooldown is how long an open breaker waits before probing
	// half-open. Default 30s.
	BreakerCooldown time.Duration

	// BreakerMinRequests is the request volume a breaker window must see
	// before it may trip. Zero trips on consecutive failures alone.
	BreakerMinRequests uint32

	// CleanupInterval is the blacklist sweep cadence. Default 30s.
	CleanupInterval time.Duration

	Blacklist BlacklistConfig
	Center    CenterConfig
	Logger    *slog.Logger
}

// ExecOptions are the per-call knobs recognized by Execute. Zero values
// inherit pool and scheduler defaults.
type ExecOptions struct {
	// Timeout bounds this call. MaxRetries uses -1 for "inherit" so an
	// explicit zero can mean exactly one attempt.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Strategy overrides the load-balancing strategy for this call.
	Strategy string

	// PreferredInstanceID forces the first attempt onto a specific instance
	// when it is eligible. Later attempts go back to the balancer.
	PreferredInstanceID string

	ClientDialect wire.Dialect
	WantStream    bool

	// ClientAuthorization carries the caller's Authorization header for
	// providers configured with passthrough auth.
	ClientAuthorization string

	Metadata map[string]any
}

// DefaultExecOptions returns options with every inheritable field unset.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{MaxRetries: -1}
}

// Result is the outcome of a successful execute call.
type Result struct {
	Response       wire.Response
	ExecutionID    string
	VirtualModelID string
	InstanceID     string
	RetryCount     int
	Attempted      []string
	Duration       time.Duration

	// Instance is the pipeline that served the request, kept so the caller
	// can record stream failures that happen after Execute returns.
	Instance *pipeline.Instance
}

// pool is the instance set for one virtual model plus its inherited options.
type pool struct {
	mu         sync.RWMutex
	instances  []*pipeline.Instance
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	backoff    float64
}

func newPool() *pool {
	return &pool{maxRetries: -1}
}

func (p *pool) list() []*pipeline.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*pipeline.Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

func (p *pool) add(inst *pipeline.Instance, opts pipeline.PoolOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances = append(p.instances, inst)
	if opts.Timeout > 0 {
		p.timeout = opts.Timeout
	}
	if opts.MaxRetries >= 0 {
		p.maxRetries = opts.MaxRetries
	}
	if opts.RetryDelay > 0 {
		p.retryDelay = opts.RetryDelay
	}
	if opts.Backoff > 0 {
		p.backoff = opts.Backoff
	}
}

func (p *pool) remove(instanceID string) *pipeline.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, inst := range p.instances {
		if inst.ID() == instanceID {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return inst
		}
	}
	return nil
}

// Scheduler routes execute calls onto pooled pipeline instances, retrying
// and failing over according to the error response center's resolutions.
type Scheduler struct {
	strategy        string
	defaultTimeout  time.Duration
	defaultRetries  int
	defaultDelay    time.Duration
	rejectSaturated bool
	breakerTrip     uint32
	breakerVolume   uint32
	breakerCooldown time.Duration

	balancer  *Balancer
	blacklist *Blacklist
	center    *Center
	logger    *slog.Logger

	sem chan struct{}

	mu       sync.RWMutex
	stopped  bool
	pools    map[string]*pool
	breakers map[string]*gobreaker.TwoStepCircuitBreaker

	inflight  sync.WaitGroup
	sweepC    chan struct{}
	sweepOnce sync.Once

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	retriedRequests    atomic.Int64
	activeRequests     atomic.Int64
	rejectedRequests   atomic.Int64
}

// New builds a scheduler and starts the blacklist sweeper.
func New(cfg Config) *Scheduler {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	} else if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 2
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 6
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Blacklist.Logger == nil {
		cfg.Blacklist.Logger = logger
	}
	if cfg.Center.Logger == nil {
		cfg.Center.Logger = logger
	}

	s := &Scheduler{
		strategy:        cfg.Strategy,
		defaultTimeout:  cfg.DefaultTimeout,
		defaultRetries:  cfg.DefaultMaxRetries,
		defaultDelay:    cfg.DefaultRetryDelay,
		rejectSaturated: cfg.RejectWhenSaturated,
		breakerTrip:     cfg.BreakerThreshold,
		breakerVolume:   cfg.BreakerMinRequests,
		breakerCooldown: cfg.BreakerCooldown,
		balancer:        NewBalancer(),
		blacklist:       NewBlacklist(cfg.Blacklist),
		center:          NewCenter(cfg.Center),
		logger:          logger,
		pools:           make(map[string]*pool),
		breakers:        make(map[string]*gobreaker.TwoStepCircuitBreaker),
		sweepC:          make(chan struct{}),
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	go s.sweep(cfg.CleanupInterval)
	return s
}

// Center exposes the error response center for custom handler registration
// and stats.
func (s *Scheduler) Center() *Center { return s.center }

// BlacklistEntries returns the live blacklist, sorted by key.
func (s *Scheduler) BlacklistEntries() []BlacklistEntry { return s.blacklist.List() }

// RemoveFromBlacklist lifts one entry early.
func (s *Scheduler) RemoveFromBlacklist(key string) bool { return s.blacklist.Remove(key) }

func (s *Scheduler) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepC:
			return
		case <-ticker.C:
			if n := s.blacklist.Cleanup(time.Now()); n > 0 {
				s.logger.Debug("blacklist sweep", "expired", n)
			}
		}
	}
}

// AddInstance registers an assembled instance under its virtual model.
// Implements pipeline.Registry; later templates override pool-level options.
func (s *Scheduler) AddInstance(virtualModelID string, inst *pipeline.Instance, opts pipeline.PoolOptions) {
	s.mu.Lock()
	p, ok := s.pools[virtualModelID]
	if !ok {
		p = newPool()
		s.pools[virtualModelID] = p
	}
	s.breakers[inst.ID()] = s.newBreaker(inst.ID())
	s.mu.Unlock()

	p.add(inst, opts)
	s.logger.Info("instance added to pool", "virtual_model", virtualModelID, "instance", inst.ID(), "weight", inst.Weight())
}

func (s *Scheduler) newBreaker(instanceID string) *gobreaker.TwoStepCircuitBreaker {
	trip := s.breakerTrip
	volume := s.breakerVolume
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        instanceID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= volume && counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "instance", name, "from", from.String(), "to", to.String())
		},
	})
}

func (s *Scheduler) breaker(instanceID string) *gobreaker.TwoStepCircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[instanceID]
}

func (s *Scheduler) pool(virtualModelID string) *pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pools[virtualModelID]
}

// HasVirtualModel reports whether a pool exists for id. The router uses it
// to let a request's model field name a pool directly.
func (s *Scheduler) HasVirtualModel(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pools[id]
	return ok
}

// VirtualModels lists registered virtual-model ids, sorted.
func (s *Scheduler) VirtualModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pools))
	for id := range s.pools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Instance finds a pooled instance by id.
func (s *Scheduler) Instance(instanceID string) (*pipeline.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pools {
		for _, inst := range p.list() {
			if inst.ID() == instanceID {
				return inst, true
			}
		}
	}
	return nil, false
}

// instances snapshots every pooled instance across virtual models.
func (s *Scheduler) instances() []*pipeline.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pipeline.Instance
	for _, p := range s.pools {
		out = append(out, p.list()...)
	}
	return out
}

// Execute runs one request against the named virtual model, retrying and
// failing over per the error center's resolutions until success, exhaustion,
// or deadline.
func (s *Scheduler) Execute(ctx context.Context, virtualModelID string, req wire.Request, opts ExecOptions) (*Result, error) {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return nil, pipeline.New(pipeline.CodeSchedulerStopped, "scheduler is shut down").WithVirtualModel(virtualModelID)
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	if s.sem != nil {
		if s.rejectSaturated {
			select {
			case s.sem <- struct{}{}:
			default:
				s.rejectedRequests.Add(1)
				return nil, pipeline.New(pipeline.CodeRateLimitExceeded, "scheduler at max concurrent requests").WithVirtualModel(virtualModelID)
			}
		} else {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return nil, Classify(ctx.Err()).WithVirtualModel(virtualModelID)
			}
		}
		defer func() { <-s.sem }()
	}

	// The execution context exists before any lookup so that even routing
	// failures carry an executionId back to the caller.
	now := time.Now()
	ec := &pipeline.ExecContext{
		ExecutionID:         uuid.NewString(),
		VirtualModelID:      virtualModelID,
		StartTime:           now,
		ClientDialect:       opts.ClientDialect,
		WantStream:          opts.WantStream,
		ClientAuthorization: opts.ClientAuthorization,
		StreamParent:        ctx,
		Metadata:            opts.Metadata,
	}
	s.totalRequests.Add(1)
	s.activeRequests.Add(1)
	defer s.activeRequests.Add(-1)

	p := s.pool(virtualModelID)
	if p == nil {
		return nil, s.finishFailure(ec, pipeline.Newf(pipeline.CodeVirtualModelNotFound, "virtual model %q is not registered", virtualModelID).WithVirtualModel(virtualModelID))
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	if timeout <= 0 {
		return nil, s.finishFailure(ec, pipeline.Newf(pipeline.CodeInvalidTimeout, "timeout %s is not positive", timeout).WithVirtualModel(virtualModelID))
	}

	p.mu.RLock()
	maxRetries := p.maxRetries
	attemptBudget := p.timeout
	poolDelay := p.retryDelay
	poolBackoff := p.backoff
	p.mu.RUnlock()
	if opts.MaxRetries >= 0 {
		maxRetries = opts.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = s.defaultRetries
	}
	// Without a per-attempt budget from the template, split the call budget
	// evenly across the attempts the retry policy allows.
	if attemptBudget <= 0 {
		attemptBudget = timeout / time.Duration(maxRetries+1)
	}
	callDelay := opts.RetryDelay
	if callDelay == 0 {
		callDelay = poolDelay
	}
	if callDelay == 0 {
		callDelay = s.defaultDelay
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.strategy
	}

	ec.Deadline = now.Add(timeout)
	ec.MaxRetries = maxRetries
	execCtx, cancel := context.WithDeadline(ctx, ec.Deadline)
	defer cancel()

	excluded := make(map[string]bool)
	codeRetries := make(map[int]int)
	var pinned *pipeline.Instance
	var lastErr *pipeline.Error

	for {
		if time.Now().After(ec.Deadline) {
			if lastErr == nil {
				lastErr = pipeline.New(pipeline.CodeExecutionTimeout, "execution deadline passed before any attempt")
			}
			return nil, s.finishFailure(ec, lastErr)
		}

		inst := s.selectInstance(p, strategy, ec, opts.PreferredInstanceID, excluded, pinned)
		pinned = nil
		if inst == nil {
			return nil, s.finishFailure(ec, s.noCandidates(virtualModelID, lastErr))
		}

		cb := s.breaker(inst.ID())
		var done func(bool)
		if cb != nil {
			var err error
			done, err = cb.Allow()
			if err != nil {
				// Open or half-open-full breaker: skip this candidate for
				// the rest of the call without spending retry budget.
				excluded[inst.ID()] = true
				continue
			}
		} else {
			done = func(bool) {}
		}

		attemptDeadline := time.Now().Add(attemptBudget)
		if attemptDeadline.After(ec.Deadline) {
			attemptDeadline = ec.Deadline
		}
		attemptCtx, cancelAttempt := context.WithDeadline(execCtx, attemptDeadline)

		ec.InstanceID = inst.ID()
		ec.CredentialIndex = inst.CredentialIndex()

		resp, err := inst.Execute(attemptCtx, ec, req)
		cancelAttempt()

		if errors.Is(err, pipeline.ErrSaturated) {
			// Saturation is not the instance's failure; skip it for this
			// call without counting an attempt or feeding the breaker.
			done(true)
			excluded[inst.ID()] = true
			continue
		}
		if pipeline.IsCode(err, pipeline.CodeInstanceNotFound) || pipeline.IsCode(err, pipeline.CodeInvalidStateTransition) {
			// Lost a race with disable, maintenance, or teardown between
			// selection and acquire. Skip without spending retry budget.
			done(true)
			excluded[inst.ID()] = true
			continue
		}
		ec.Attempted = append(ec.Attempted, inst.ID())

		if err == nil {
			done(true)
			s.successfulRequests.Add(1)
			return &Result{
				Response:       resp,
				ExecutionID:    ec.ExecutionID,
				VirtualModelID: virtualModelID,
				InstanceID:     inst.ID(),
				RetryCount:     ec.RetryCount,
				Attempted:      ec.Attempted,
				Duration:       time.Since(ec.StartTime),
				Instance:       inst,
			}, nil
		}
		done(false)

		res := s.center.Resolve(err, ec, inst)
		lastErr = res.Err
		s.logger.Warn("attempt failed",
			"execution_id", ec.ExecutionID,
			"virtual_model", virtualModelID,
			"instance", inst.ID(),
			"code", res.Err.Code,
			"name", res.Err.Name,
			"action", res.Strategy.Action,
			"retry_count", ec.RetryCount,
		)

		switch res.Strategy.Action {
		case ActionSurface:
			return nil, s.finishFailure(ec, lastErr)

		case ActionIgnore:
			s.successfulRequests.Add(1)
			return &Result{
				Response:       wire.Response{Dialect: req.Dialect, Status: http.StatusOK, Raw: []byte("{}")},
				ExecutionID:    ec.ExecutionID,
				VirtualModelID: virtualModelID,
				InstanceID:     inst.ID(),
				RetryCount:     ec.RetryCount,
				Attempted:      ec.Attempted,
				Duration:       time.Since(ec.StartTime),
				Instance:       inst,
			}, nil

		case ActionRetry:
			if res.Strategy.RefreshCredential {
				if rerr := inst.RefreshAuth(execCtx); rerr != nil {
					s.logger.Warn("credential refresh failed", "instance", inst.ID(), "error", rerr)
				}
			}
			if res.Strategy.SameInstance {
				pinned = inst
			}

		case ActionFailover:
			excluded[inst.ID()] = true

		case ActionBlacklistTemporary:
			s.applyTemporaryBlacklist(inst, res, excluded)
			if res.Strategy.SameInstance && res.Strategy.RotateCredential && inst.CredentialCount() > 1 {
				pinned = inst
			}

		case ActionBlacklistPermanent:
			s.blacklist.AddPermanent(inst.ID(), res.Err)
			excluded[inst.ID()] = true
			if res.Strategy.DestroyInstance {
				go s.destroyWhenIdle(inst, 30*time.Second)
			}

		case ActionMaintenance:
			inst.EnterMaintenance(res.Strategy.MaintenanceDuration)
			excluded[inst.ID()] = true
		}

		ec.RetryCount++
		if ec.RetryCount == 1 {
			s.retriedRequests.Add(1)
		}
		if ec.RetryCount > maxRetries {
			return nil, s.finishFailure(ec, lastErr)
		}
		codeRetries[res.Err.Code]++
		switch {
		case res.Strategy.MaxRetries > 0 && codeRetries[res.Err.Code] > res.Strategy.MaxRetries:
			return nil, s.finishFailure(ec, lastErr)
		case res.Strategy.MaxRetries == 0 && res.Strategy.Action == ActionRetry:
			return nil, s.finishFailure(ec, lastErr)
		}

		// Only same-target retries wait; failing over to a different
		// instance proceeds immediately.
		var delay time.Duration
		if res.Strategy.Action == ActionRetry || pinned != nil {
			delay = res.Delay
			if callDelay > 0 && res.Strategy.Action == ActionRetry {
				delay = callDelay
				if poolBackoff > 1 && ec.RetryCount > 1 {
					delay = time.Duration(float64(delay) * math.Pow(poolBackoff, float64(ec.RetryCount-1)))
				}
				if delay > maxRetryDelay {
					delay = maxRetryDelay
				}
				if ra, ok := RetryAfter(res.Err); ok && ra > delay {
					delay = ra
				}
			}
			// A locally aborted attempt already burned its budget; waiting
			// on top of that buys nothing.
			if errors.Is(err, context.DeadlineExceeded) {
				delay = 0
			}
		}
		if delay > 0 {
			if time.Now().Add(delay).After(ec.Deadline) {
				return nil, s.finishFailure(ec, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, s.finishFailure(ec, Classify(ctx.Err()))
			case <-timer.C:
			}
		}
	}
}

// applyTemporaryBlacklist blocks either the failing credential slot or the
// whole instance. Rotating first keeps the instance selectable under its
// next credential.
func (s *Scheduler) applyTemporaryBlacklist(inst *pipeline.Instance, res Resolution, excluded map[string]bool) {
	d := res.Strategy.BlacklistDuration
	if res.Strategy.RotateCredential && inst.CredentialCount() > 1 {
		old, _ := inst.RotateCredential()
		s.blacklist.Add(CredentialKey(inst.ID(), old), res.Err, d)
		return
	}
	s.blacklist.Add(inst.ID(), res.Err, d)
	excluded[inst.ID()] = true
}

// selectInstance picks the next attempt's target: a pinned instance from a
// same-instance strategy, the caller's preferred instance on the first
// attempt, else the load balancer's choice among eligible candidates.
func (s *Scheduler) selectInstance(p *pool, strategy string, ec *pipeline.ExecContext, preferred string, excluded map[string]bool, pinned *pipeline.Instance) *pipeline.Instance {
	if pinned != nil && !excluded[pinned.ID()] && s.eligible(pinned) {
		return pinned
	}

	candidates := make([]*pipeline.Instance, 0, 4)
	for _, inst := range p.list() {
		if excluded[inst.ID()] || !s.eligible(inst) {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return nil
	}

	if preferred != "" && len(ec.Attempted) == 0 {
		for _, inst := range candidates {
			if inst.ID() == preferred {
				return inst
			}
		}
	}
	return s.balancer.Pick(strategy, ec.VirtualModelID, candidates)
}

// eligible layers the scheduler-level checks on top of the instance's own:
// blacklist membership for the instance and its active credential slot, and
// the circuit breaker not being open.
func (s *Scheduler) eligible(inst *pipeline.Instance) bool {
	if !inst.Eligible() {
		return false
	}
	if s.blacklist.Contains(inst.ID()) {
		return false
	}
	if s.blacklist.Contains(CredentialKey(inst.ID(), inst.CredentialIndex())) {
		return false
	}
	if cb := s.breaker(inst.ID()); cb != nil && cb.State() == gobreaker.StateOpen {
		return false
	}
	return true
}

func (s *Scheduler) noCandidates(virtualModelID string, lastErr *pipeline.Error) *pipeline.Error {
	if lastErr == nil {
		return pipeline.Newf(pipeline.CodeNoAvailablePipelines, "no eligible instances for virtual model %q", virtualModelID).WithVirtualModel(virtualModelID)
	}
	return pipeline.Wrap(pipeline.CodeNoAvailablePipelines, lastErr,
		"all candidate instances failed or were excluded").WithVirtualModel(virtualModelID)
}

// finishFailure decorates the terminal error with the execution trail.
func (s *Scheduler) finishFailure(ec *pipeline.ExecContext, perr *pipeline.Error) *pipeline.Error {
	s.failedRequests.Add(1)
	if perr.VirtualModelID == "" {
		perr.VirtualModelID = ec.VirtualModelID
	}
	perr.WithDetail("executionId", ec.ExecutionID).
		WithDetail("retryCount", ec.RetryCount)
	if len(ec.Attempted) > 0 {
		perr.WithDetail("attempted", append([]string(nil), ec.Attempted...))
	}
	s.logger.Error("execution failed",
		"execution_id", ec.ExecutionID,
		"virtual_model", ec.VirtualModelID,
		"code", perr.Code,
		"name", perr.Name,
		"retry_count", ec.RetryCount,
		"attempted", ec.Attempted,
	)
	return perr
}

// SetInstanceEnabled flips operator enablement on one instance.
func (s *Scheduler) SetInstanceEnabled(instanceID string, enabled bool) error {
	inst, ok := s.Instance(instanceID)
	if !ok {
		return pipeline.Newf(pipeline.CodeInstanceNotFound, "instance %q is not pooled", instanceID)
	}
	inst.SetEnabled(enabled)
	return nil
}

// SetMaintenance toggles maintenance mode on one instance. A zero duration
// holds until explicitly cleared.
func (s *Scheduler) SetMaintenance(instanceID string, on bool, d time.Duration) error {
	inst, ok := s.Instance(instanceID)
	if !ok {
		return pipeline.Newf(pipeline.CodeInstanceNotFound, "instance %q is not pooled", instanceID)
	}
	if on {
		inst.EnterMaintenance(d)
	} else {
		inst.ExitMaintenance()
	}
	return nil
}

// RemoveInstance takes an instance out of its pool and destroys it once
// drained.
func (s *Scheduler) RemoveInstance(instanceID string) error {
	s.mu.Lock()
	var removed *pipeline.Instance
	for _, p := range s.pools {
		if inst := p.remove(instanceID); inst != nil {
			removed = inst
			break
		}
	}
	delete(s.breakers, instanceID)
	s.mu.Unlock()

	if removed == nil {
		return pipeline.Newf(pipeline.CodeInstanceNotFound, "instance %q is not pooled", instanceID)
	}
	s.blacklist.Remove(instanceID)
	go s.destroyWhenIdle(removed, 30*time.Second)
	s.logger.Info("instance removed from pool", "instance", instanceID)
	return nil
}

// DestroyVirtualModel removes a whole pool and tears its instances down.
func (s *Scheduler) DestroyVirtualModel(virtualModelID string) error {
	s.mu.Lock()
	p, ok := s.pools[virtualModelID]
	if ok {
		delete(s.pools, virtualModelID)
	}
	s.mu.Unlock()
	if !ok {
		return pipeline.Newf(pipeline.CodeVirtualModelNotFound, "virtual model %q is not registered", virtualModelID)
	}

	instances := p.list()
	s.mu.Lock()
	for _, inst := range instances {
		delete(s.breakers, inst.ID())
	}
	s.mu.Unlock()

	s.balancer.Forget(virtualModelID)
	for _, inst := range instances {
		s.blacklist.Remove(inst.ID())
		go s.destroyWhenIdle(inst, 30*time.Second)
	}
	s.logger.Info("virtual model destroyed", "virtual_model", virtualModelID, "instances", len(instances))
	return nil
}

// Staging collects assembled instances so a config reload can swap every
// pool at once. Implements pipeline.Registry.
type Staging struct {
	mu    sync.Mutex
	pools map[string][]*pipeline.Instance
	opts  map[string]pipeline.PoolOptions
}

func NewStaging() *Staging {
	return &Staging{
		pools: make(map[string][]*pipeline.Instance),
		opts:  make(map[string]pipeline.PoolOptions),
	}
}

func (st *Staging) AddInstance(virtualModelID string, inst *pipeline.Instance, opts pipeline.PoolOptions) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pools[virtualModelID] = append(st.pools[virtualModelID], inst)
	st.opts[virtualModelID] = opts
}

// Instances returns every staged instance, for rollback teardown.
func (st *Staging) Instances() []*pipeline.Instance {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*pipeline.Instance
	for _, pool := range st.pools {
		out = append(out, pool...)
	}
	return out
}

// Pools snapshots the staged instances and pool options per virtual model.
func (st *Staging) Pools() (map[string][]*pipeline.Instance, map[string]pipeline.PoolOptions) {
	st.mu.Lock()
	defer st.mu.Unlock()
	pools := make(map[string][]*pipeline.Instance, len(st.pools))
	for vmID, instances := range st.pools {
		pools[vmID] = append([]*pipeline.Instance(nil), instances...)
	}
	opts := make(map[string]pipeline.PoolOptions, len(st.opts))
	for vmID, o := range st.opts {
		opts[vmID] = o
	}
	return pools, opts
}

// ReplaceAll swaps every pool for the staged set. Old instances drain in the
// background; balancer cursors for replaced models reset.
func (s *Scheduler) ReplaceAll(st *Staging) {
	st.mu.Lock()
	staged := st.pools
	stagedOpts := st.opts
	st.pools = make(map[string][]*pipeline.Instance)
	st.opts = make(map[string]pipeline.PoolOptions)
	st.mu.Unlock()

	s.mu.Lock()
	oldPools := s.pools
	s.pools = make(map[string]*pool, len(staged))
	s.breakers = make(map[string]*gobreaker.TwoStepCircuitBreaker)
	for vmID, instances := range staged {
		p := newPool()
		for _, inst := range instances {
			p.add(inst, stagedOpts[vmID])
			s.breakers[inst.ID()] = s.newBreaker(inst.ID())
		}
		s.pools[vmID] = p
	}
	s.mu.Unlock()

	var drained int
	for vmID, p := range oldPools {
		s.balancer.Forget(vmID)
		for _, inst := range p.list() {
			s.blacklist.Remove(inst.ID())
			go s.destroyWhenIdle(inst, 30*time.Second)
			drained++
		}
	}
	s.logger.Info("pools replaced", "virtual_models", len(staged), "drained_instances", drained)
}

// ReplacePool swaps one virtual model's pool for the given instances, leaving
// every other pool untouched. Old instances drain in the background; the
// model's balancer state resets.
func (s *Scheduler) ReplacePool(virtualModelID string, instances []*pipeline.Instance, opts pipeline.PoolOptions) {
	p := newPool()
	for _, inst := range instances {
		p.add(inst, opts)
	}

	s.mu.Lock()
	old := s.pools[virtualModelID]
	s.pools[virtualModelID] = p
	if old != nil {
		for _, inst := range old.list() {
			delete(s.breakers, inst.ID())
		}
	}
	for _, inst := range instances {
		s.breakers[inst.ID()] = s.newBreaker(inst.ID())
	}
	s.mu.Unlock()

	s.balancer.Forget(virtualModelID)
	var drained int
	if old != nil {
		for _, inst := range old.list() {
			s.blacklist.Remove(inst.ID())
			go s.destroyWhenIdle(inst, 30*time.Second)
			drained++
		}
	}
	s.logger.Info("pool replaced",
		"virtual_model", virtualModelID,
		"instances", len(instances),
		"drained_instances", drained)
}

// destroyWhenIdle waits for in-flight work to drain, then destroys. The
// grace period bounds the wait; a stuck instance is destroyed anyway.
func (s *Scheduler) destroyWhenIdle(inst *pipeline.Instance, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for inst.ActiveRequests() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.Destroy(ctx); err != nil {
		s.logger.Error("instance destroy failed", "instance", inst.ID(), "error", err)
	}
}

// Shutdown stops intake, waits for in-flight calls up to the context
// deadline, then destroys every instance.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.sweepOnce.Do(func() { close(s.sweepC) })

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
		s.logger.Warn("shutdown proceeding with requests still in flight")
	}

	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string]*pool)
	s.breakers = make(map[string]*gobreaker.TwoStepCircuitBreaker)
	s.mu.Unlock()

	for vmID, p := range pools {
		s.balancer.Forget(vmID)
		for _, inst := range p.list() {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := inst.Destroy(dctx); err != nil {
				s.logger.Error("instance destroy failed during shutdown", "instance", inst.ID(), "error", err)
			}
			cancel()
		}
	}
	s.logger.Info("scheduler shut down")
	return waitErr
}
