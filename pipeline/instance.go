// ABOUTME: Pipeline instance lifecycle, per-instance metrics, and derived health.
// ABOUTME: An instance owns one stage chain bound to one upstream target.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389-research/relay/wire"
)

// State is the lifecycle phase of an instance. States progress one at a
// time; Destroyed is terminal.
type State string

const (
	StateCreating     State = "creating"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateMaintenance  State = "maintenance"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
)

var validTransitions = map[State][]State{
	StateCreating:     {StateInitializing, StateDestroying},
	StateInitializing: {StateReady, StateError, StateDestroying},
	StateReady:        {StateRunning, StatePaused, StateMaintenance, StateError, StateDestroying},
	StateRunning:      {StateReady, StateError, StateMaintenance, StateDestroying},
	StatePaused:       {StateReady, StateDestroying},
	StateError:        {StateInitializing, StateMaintenance, StateDestroying},
	StateMaintenance:  {StateReady, StateDestroying},
	StateDestroying:   {StateDestroyed},
	StateDestroyed:    {},
}

func transitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HealthStatus is derived from the error counters, never stored.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Health derivation thresholds.
const (
	degradedErrorRate    = 0.10
	unhealthyErrorRate   = 0.30
	unhealthyConsecutive = 5
	ewmaAlpha            = 0.2
)

// ErrSaturated signals the instance is at its concurrent-request cap. The
// load balancer treats it as "skip this candidate", not as a failure.
var ErrSaturated = errors.New("instance at max concurrent requests")

// Target describes the upstream endpoint an instance talks to.
type Target struct {
	Provider string       `json:"provider"`
	BaseURL  string       `json:"baseUrl"`
	Model    string       `json:"model"`
	Dialect  wire.Dialect `json:"dialect"`
}

// Metrics is a point-in-time snapshot of an instance's counters.
type Metrics struct {
	RequestCount        int64         `json:"requestCount"`
	SuccessCount        int64         `json:"successCount"`
	ErrorCount          int64         `json:"errorCount"`
	ConsecutiveErrors   int64         `json:"consecutiveErrors"`
	ActiveRequests      int64         `json:"activeRequests"`
	AverageResponseTime time.Duration `json:"averageResponseTimeMs"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt"`
	LastErrorAt         time.Time     `json:"lastErrorAt"`
	Uptime              time.Duration `json:"uptimeMs"`
}

// InstanceConfig assembles an Instance.
type InstanceConfig struct {
	ID             string
	VirtualModelID string
	Target         Target
	Weight         int
	MaxConcurrent  int
	Stages         []Stage
	Terminal       Terminal
	Logger         *slog.Logger

	// CredentialCount is how many credentials the terminal can sign with.
	// Rotation wraps modulo this count; zero or one disables rotation.
	CredentialCount int

	// OnStateChange fires after every state transition, outside the
	// instance lock.
	OnStateChange func(instanceID string, from, to State)
}

// Instance is the runtime object the scheduler hands work to. Hot-path
// counters are atomics so the load balancer reads them without locking.
type Instance struct {
	id             string
	virtualModelID string
	target         Target
	weight         int
	maxConcurrent  int
	credCount      int
	stages         []Stage
	terminal       Terminal
	logger         *slog.Logger
	onStateChange  func(string, State, State)

	curCredential atomic.Int64

	mu               sync.Mutex
	state            State
	enabled          bool
	inMaintenance    bool
	maintenanceUntil time.Time
	createdAt        time.Time
	readyAt          time.Time

	requestCount      atomic.Int64
	successCount      atomic.Int64
	errorCount        atomic.Int64
	consecutiveErrors atomic.Int64
	activeRequests    atomic.Int64
	avgResponseMicros atomic.Int64
	lastSuccessNanos  atomic.Int64
	lastErrorNanos    atomic.Int64
}

// NewInstance builds an instance in the Creating state. Initialize must be
// called before it can receive work.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.Terminal == nil {
		return nil, fmt.Errorf("instance %s has no terminal stage", cfg.ID)
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Instance{
		id:             cfg.ID,
		virtualModelID: cfg.VirtualModelID,
		target:         cfg.Target,
		weight:         weight,
		maxConcurrent:  cfg.MaxConcurrent,
		credCount:      cfg.CredentialCount,
		stages:         cfg.Stages,
		terminal:       cfg.Terminal,
		logger:         logger.With("instance", cfg.ID, "virtual_model", cfg.VirtualModelID),
		onStateChange:  cfg.OnStateChange,
		state:          StateCreating,
		enabled:        true,
		createdAt:      time.Now(),
	}, nil
}

func (i *Instance) ID() string             { return i.id }
func (i *Instance) VirtualModelID() string { return i.virtualModelID }
func (i *Instance) Target() Target         { return i.target }
func (i *Instance) Weight() int            { return i.weight }
func (i *Instance) MaxConcurrent() int     { return i.maxConcurrent }

// ActiveRequests returns the in-flight request count.
func (i *Instance) ActiveRequests() int64 { return i.activeRequests.Load() }

// ConsecutiveErrors returns the current unbroken failure streak.
func (i *Instance) ConsecutiveErrors() int64 { return i.consecutiveErrors.Load() }

// CredentialIndex returns the credential slot new attempts sign with.
func (i *Instance) CredentialIndex() int {
	if i.credCount <= 1 {
		return 0
	}
	return int(i.curCredential.Load()) % i.credCount
}

// CredentialCount returns how many credential slots the terminal holds.
func (i *Instance) CredentialCount() int { return i.credCount }

// RotateCredential advances to the next credential slot and returns the old
// and new indices. Rotation sticks: later requests use the new slot too.
func (i *Instance) RotateCredential() (old, next int) {
	if i.credCount <= 1 {
		return 0, 0
	}
	n := i.curCredential.Add(1)
	old = int(n-1) % i.credCount
	next = int(n) % i.credCount
	i.logger.Info("credential rotated", "from", old, "to", next)
	return old, next
}

// AuthRefresher is implemented by terminals whose credential source can
// mint a fresh token on demand.
type AuthRefresher interface {
	RefreshAuth(ctx context.Context) error
}

// RefreshAuth forces a token refresh on the terminal stage when it supports
// one. Used on TOKEN_EXPIRED before retrying the same instance.
func (i *Instance) RefreshAuth(ctx context.Context) error {
	if r, ok := i.terminal.(AuthRefresher); ok {
		return r.RefreshAuth(ctx)
	}
	return Newf(CodeCredentialsMissing, "instance %s cannot refresh credentials", i.id).WithInstance(i.id)
}

// AverageResponseTime returns the exponentially weighted response time.
func (i *Instance) AverageResponseTime() time.Duration {
	return time.Duration(i.avgResponseMicros.Load()) * time.Microsecond
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Enabled reports whether the instance accepts new work.
func (i *Instance) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// SetEnabled flips operator-level enablement.
func (i *Instance) SetEnabled(on bool) {
	i.mu.Lock()
	i.enabled = on
	i.mu.Unlock()
	i.logger.Info("instance enablement changed", "enabled", on)
}

// transition moves the state machine, enforcing the allowed edges.
func (i *Instance) transition(to State) error {
	i.mu.Lock()
	from := i.state
	if !transitionAllowed(from, to) {
		i.mu.Unlock()
		return Newf(CodeInvalidStateTransition, "cannot transition %s from %s to %s", i.id, from, to).WithInstance(i.id)
	}
	i.state = to
	if to == StateReady && i.readyAt.IsZero() {
		i.readyAt = time.Now()
	}
	i.mu.Unlock()

	if i.onStateChange != nil {
		i.onStateChange(i.id, from, to)
	}
	return nil
}

// Initialize wires the stage chain in declared order. On any stage failure
// the instance lands in Error and the failure surfaces as code 2002.
func (i *Instance) Initialize(ctx context.Context) error {
	if err := i.transition(StateInitializing); err != nil {
		return err
	}

	all := make([]Stage, 0, len(i.stages)+1)
	all = append(all, i.stages...)
	all = append(all, i.terminal)

	for _, s := range all {
		if err := s.Init(ctx); err != nil {
			i.forceState(StateError)
			i.logger.Error("stage init failed", "stage", s.Name(), "error", err)
			return Wrap(CodePipelineInitializationFailed, err, fmt.Sprintf("initializing stage %s", s.Name())).WithInstance(i.id).WithVirtualModel(i.virtualModelID)
		}
	}

	if err := i.transition(StateReady); err != nil {
		return err
	}
	i.logger.Info("instance ready", "stages", len(i.stages)+1)
	return nil
}

// forceState is for error paths where the normal edge set must not block
// the move.
func (i *Instance) forceState(to State) {
	i.mu.Lock()
	from := i.state
	i.state = to
	i.mu.Unlock()
	if i.onStateChange != nil && from != to {
		i.onStateChange(i.id, from, to)
	}
}

// InMaintenance reports maintenance mode, lazily expiring timed windows.
func (i *Instance) InMaintenance() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.inMaintenance {
		return false
	}
	if !i.maintenanceUntil.IsZero() && time.Now().After(i.maintenanceUntil) {
		i.inMaintenance = false
		i.maintenanceUntil = time.Time{}
		if i.state == StateMaintenance {
			i.state = StateReady
		}
		return false
	}
	return true
}

// EnterMaintenance takes the instance out of rotation. A zero duration
// means until ExitMaintenance is called.
func (i *Instance) EnterMaintenance(d time.Duration) {
	i.mu.Lock()
	i.inMaintenance = true
	if d > 0 {
		i.maintenanceUntil = time.Now().Add(d)
	} else {
		i.maintenanceUntil = time.Time{}
	}
	if i.state == StateReady {
		i.state = StateMaintenance
	}
	i.mu.Unlock()
	i.logger.Info("instance entered maintenance", "duration", d)
}

// ExitMaintenance returns the instance to rotation.
func (i *Instance) ExitMaintenance() {
	i.mu.Lock()
	i.inMaintenance = false
	i.maintenanceUntil = time.Time{}
	if i.state == StateMaintenance {
		i.state = StateReady
	}
	i.mu.Unlock()
	i.logger.Info("instance exited maintenance")
}

// MarkError moves the instance to Error, taking it out of rotation until
// Initialize recovers it. Used by the health checker on repeated probe
// failures.
func (i *Instance) MarkError(reason error) error {
	if err := i.transition(StateError); err != nil {
		return err
	}
	i.logger.Warn("instance marked unhealthy", "reason", reason)
	return nil
}

// Pause stops new work without tearing the instance down.
func (i *Instance) Pause() error { return i.transition(StatePaused) }

// Resume returns a paused instance to Ready.
func (i *Instance) Resume() error { return i.transition(StateReady) }

// Eligible reports whether the instance may receive new work right now.
// Blacklist membership is the load balancer's concern, not the instance's.
func (i *Instance) Eligible() bool {
	if i.InMaintenance() {
		return false
	}
	i.mu.Lock()
	ok := i.enabled && (i.state == StateReady || i.state == StateRunning)
	i.mu.Unlock()
	if !ok {
		return false
	}
	if i.maxConcurrent > 0 && i.activeRequests.Load() >= int64(i.maxConcurrent) {
		return false
	}
	return true
}

// acquire claims an execution slot and flips Ready to Running.
func (i *Instance) acquire() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.enabled || i.inMaintenance {
		return Newf(CodeInstanceNotFound, "instance %s is not accepting work", i.id).WithInstance(i.id)
	}
	if i.state != StateReady && i.state != StateRunning {
		return Newf(CodeInvalidStateTransition, "instance %s is %s, not ready", i.id, i.state).WithInstance(i.id)
	}
	if i.maxConcurrent > 0 && i.activeRequests.Load() >= int64(i.maxConcurrent) {
		return ErrSaturated
	}
	i.activeRequests.Add(1)
	i.state = StateRunning
	return nil
}

// release frees the slot and returns to Ready when drained.
func (i *Instance) release() {
	if i.activeRequests.Add(-1) > 0 {
		return
	}
	i.mu.Lock()
	if i.state == StateRunning {
		i.state = StateReady
	}
	i.mu.Unlock()
}

// Execute runs one attempt through the stage chain. Process hooks run in
// declared order, the terminal exchange fires once, and ProcessResponse
// hooks run in reverse. Terminal failures return raw for classification.
func (i *Instance) Execute(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error) {
	if err := i.acquire(); err != nil {
		return wire.Response{}, err
	}

	start := time.Now()
	resp, err := i.runChain(ctx, ec, req)
	elapsed := time.Since(start)
	i.release()

	if err != nil {
		i.RecordError()
		return wire.Response{}, err
	}
	i.RecordSuccess(elapsed)
	return resp, nil
}

func (i *Instance) runChain(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error) {
	cur := req
	for _, s := range i.stages {
		var err error
		cur, err = s.Process(ctx, ec, cur)
		if err != nil {
			return wire.Response{}, stageFailure(s, err)
		}
	}

	resp, err := i.terminal.Exchange(ctx, ec, cur)
	if err != nil {
		return wire.Response{}, err
	}

	for j := len(i.stages) - 1; j >= 0; j-- {
		resp, err = i.stages[j].ProcessResponse(ctx, ec, resp)
		if err != nil {
			return wire.Response{}, stageFailure(i.stages[j], err)
		}
	}
	return resp, nil
}

// stageFailure wraps a stage error unless it is already classified.
func stageFailure(s Stage, err error) error {
	if _, ok := AsError(err); ok {
		return err
	}
	return Wrap(CodeStageProcessingFailed, err, fmt.Sprintf("stage %s", s.Name()))
}

// RecordSuccess updates counters after a successful attempt. Consecutive
// errors always reset to zero here.
func (i *Instance) RecordSuccess(elapsed time.Duration) {
	i.requestCount.Add(1)
	i.successCount.Add(1)
	i.consecutiveErrors.Store(0)
	i.lastSuccessNanos.Store(time.Now().UnixNano())
	i.observeLatency(elapsed)
}

// RecordError updates counters after a failed attempt. Also used by the
// gateway when a stream dies after Execute already returned.
func (i *Instance) RecordError() {
	i.requestCount.Add(1)
	i.errorCount.Add(1)
	i.consecutiveErrors.Add(1)
	i.lastErrorNanos.Store(time.Now().UnixNano())
}

func (i *Instance) observeLatency(d time.Duration) {
	sample := d.Microseconds()
	for {
		old := i.avgResponseMicros.Load()
		next := sample
		if old != 0 {
			next = old + int64(float64(sample-old)*ewmaAlpha)
		}
		if i.avgResponseMicros.CompareAndSwap(old, next) {
			return
		}
	}
}

// Health derives status from the counters. A fresh instance with no
// traffic is Unknown.
func (i *Instance) Health() HealthStatus {
	total := i.requestCount.Load()
	if total == 0 {
		return HealthUnknown
	}
	consec := i.consecutiveErrors.Load()
	rate := float64(i.errorCount.Load()) / float64(total)
	switch {
	case consec >= unhealthyConsecutive || rate > unhealthyErrorRate:
		return HealthUnhealthy
	case rate >= degradedErrorRate || consec > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Probe asks the terminal stage to check upstream liveness.
func (i *Instance) Probe(ctx context.Context) error {
	return i.terminal.Probe(ctx)
}

// Destroy tears the chain down in reverse order and lands in the terminal
// Destroyed state. Safe to call more than once.
func (i *Instance) Destroy(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateDestroyed || i.state == StateDestroying {
		i.mu.Unlock()
		return nil
	}
	from := i.state
	i.state = StateDestroying
	i.mu.Unlock()
	if i.onStateChange != nil {
		i.onStateChange(i.id, from, StateDestroying)
	}

	var firstErr error
	if err := i.terminal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for j := len(i.stages) - 1; j >= 0; j-- {
		if err := i.stages[j].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	i.forceState(StateDestroyed)
	i.logger.Info("instance destroyed")

	if firstErr != nil {
		return Wrap(CodePipelineDestroyFailed, firstErr, "closing stage chain").WithInstance(i.id)
	}
	return nil
}

// Snapshot captures the instance for stats and the admin surface.
type Snapshot struct {
	ID             string       `json:"instanceId"`
	VirtualModelID string       `json:"virtualModelId"`
	Target         Target       `json:"target"`
	State          State        `json:"state"`
	Health         HealthStatus `json:"health"`
	Enabled        bool         `json:"enabled"`
	InMaintenance  bool         `json:"inMaintenance"`
	Weight         int          `json:"weight"`
	Metrics        Metrics      `json:"metrics"`
}

// Snapshot returns a consistent-enough view for reporting. Counters are
// read individually; exact cross-field consistency is not required.
func (i *Instance) Snapshot() Snapshot {
	inMaint := i.InMaintenance()
	i.mu.Lock()
	state := i.state
	enabled := i.enabled
	created := i.createdAt
	i.mu.Unlock()

	m := Metrics{
		RequestCount:        i.requestCount.Load(),
		SuccessCount:        i.successCount.Load(),
		ErrorCount:          i.errorCount.Load(),
		ConsecutiveErrors:   i.consecutiveErrors.Load(),
		ActiveRequests:      i.activeRequests.Load(),
		AverageResponseTime: i.AverageResponseTime(),
		Uptime:              time.Since(created),
	}
	if n := i.lastSuccessNanos.Load(); n > 0 {
		m.LastSuccessAt = time.Unix(0, n)
	}
	if n := i.lastErrorNanos.Load(); n > 0 {
		m.LastErrorAt = time.Unix(0, n)
	}

	return Snapshot{
		ID:             i.id,
		VirtualModelID: i.virtualModelID,
		Target:         i.target,
		State:          state,
		Health:         i.Health(),
		Enabled:        enabled,
		InMaintenance:  inMaint,
		Weight:         i.weight,
		Metrics:        m,
	}
}
