// ABOUTME: Error response center classifying raw failures into the numeric taxonomy.
// ABOUTME: Resolves each classified error to a recovery action via per-code strategies.

package scheduler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/wire"
)

// Action is what the scheduler does with a failed attempt.
type Action string

const (
	ActionRetry              Action = "retry"
	ActionFailover           Action = "failover"
	ActionBlacklistTemporary Action = "blacklist-temporary"
	ActionBlacklistPermanent Action = "blacklist-permanent"
	ActionMaintenance        Action = "maintenance"
	ActionIgnore             Action = "ignore"
	ActionSurface            Action = "surface"
)

// ValidAction reports whether name is a recognized recovery action.
func ValidAction(name string) bool {
	switch Action(name) {
	case ActionRetry, ActionFailover, ActionBlacklistTemporary, ActionBlacklistPermanent,
		ActionMaintenance, ActionIgnore, ActionSurface:
		return true
	}
	return false
}

// Strategy is the recovery recipe for one error code.
type Strategy struct {
	Action              Action
	MaxRetries          int
	RetryDelay          time.Duration
	BackoffMultiplier   float64
	BlacklistDuration   time.Duration
	MaintenanceDuration time.Duration

	// SameInstance pins the next attempt to the failing instance instead of
	// letting the balancer reselect.
	SameInstance bool

	// RotateCredential advances the instance's credential index before the
	// next attempt and blacklists the failing (instance, credential) pair.
	RotateCredential bool

	// RefreshCredential forces a token refresh before the next attempt.
	RefreshCredential bool

	// DestroyInstance tears the instance down after a permanent blacklist.
	DestroyInstance bool
}

// Retryable reports whether the action consumes retry budget and loops.
func (s Strategy) Retryable() bool {
	switch s.Action {
	case ActionRetry, ActionFailover, ActionBlacklistTemporary, ActionBlacklistPermanent, ActionMaintenance:
		return true
	}
	return false
}

// Default per-code strategies. Codes not listed fall back to their
// category's default.
func defaultStrategies() map[int]Strategy {
	return map[int]Strategy{
		pipeline.CodeExecutionTimeout: {Action: ActionRetry, MaxRetries: 2, RetryDelay: time.Second},
		pipeline.CodeConnectionFailed: {Action: ActionRetry, MaxRetries: 3, RetryDelay: 500 * time.Millisecond, BackoffMultiplier: 2},

		pipeline.CodeAuthFailed: {
			Action:            ActionBlacklistTemporary,
			MaxRetries:        1,
			BlacklistDuration: 300 * time.Second,
			RotateCredential:  true,
			SameInstance:      true,
		},
		pipeline.CodeTokenExpired: {
			Action:            ActionRetry,
			MaxRetries:        1,
			RefreshCredential: true,
			SameInstance:      true,
		},
		pipeline.CodePermissionDenied:   {Action: ActionBlacklistPermanent},
		pipeline.CodeAccountSuspended:   {Action: ActionBlacklistPermanent, DestroyInstance: true},
		pipeline.CodeCredentialsMissing: {Action: ActionSurface},

		pipeline.CodeRateLimitExceeded: {Action: ActionRetry, MaxRetries: 3, RetryDelay: time.Second, BackoffMultiplier: 2},
		pipeline.CodeQuotaExhausted:    {Action: ActionBlacklistTemporary, BlacklistDuration: time.Hour},

		pipeline.CodeUpstreamServerError:      {Action: ActionFailover, MaxRetries: 2, RetryDelay: 500 * time.Millisecond},
		pipeline.CodeInternalError:            {Action: ActionFailover, MaxRetries: 2},
		pipeline.CodeResourceExhausted:        {Action: ActionFailover, MaxRetries: 1},
		pipeline.CodeResponseDecodeFailed:     {Action: ActionFailover, MaxRetries: 1},
		pipeline.CodeResponseValidationFailed: {Action: ActionFailover, MaxRetries: 1},
		pipeline.CodeRequestValidationFailed:  {Action: ActionSurface},
		pipeline.CodeStreamInterrupted:        {Action: ActionRetry, MaxRetries: 2, RetryDelay: 500 * time.Millisecond, BackoffMultiplier: 2},
		pipeline.CodeExecutionCanceled:        {Action: ActionSurface},
		pipeline.CodeNoAvailablePipelines:     {Action: ActionSurface},

		pipeline.CodeDeviceCodePending: {Action: ActionRetry, MaxRetries: 3, RetryDelay: 5 * time.Second, SameInstance: true},
	}
}

var categoryDefaults = map[pipeline.Category]Strategy{
	pipeline.CategoryConfiguration: {Action: ActionSurface},
	pipeline.CategoryLifecycle:     {Action: ActionSurface},
	pipeline.CategoryScheduling:    {Action: ActionSurface},
	pipeline.CategoryExecution:     {Action: ActionRetry, MaxRetries: 2, RetryDelay: time.Second},
	pipeline.CategoryNetwork:       {Action: ActionRetry, MaxRetries: 3, RetryDelay: 500 * time.Millisecond, BackoffMultiplier: 2},
	pipeline.CategoryAuth:          {Action: ActionBlacklistTemporary, MaxRetries: 1, BlacklistDuration: 300 * time.Second, RotateCredential: true, SameInstance: true},
	pipeline.CategoryRateLimit:     {Action: ActionRetry, MaxRetries: 3, RetryDelay: time.Second, BackoffMultiplier: 2},
	pipeline.CategoryResource:      {Action: ActionFailover, MaxRetries: 1},
	pipeline.CategoryData:          {Action: ActionFailover, MaxRetries: 1},
	pipeline.CategorySystem:        {Action: ActionFailover, MaxRetries: 2},
	pipeline.CategoryProviderAuth:  {Action: ActionSurface},
}

const maxRetryDelay = 30 * time.Second

// Handler lets callers override resolutions for errors they recognize.
// Handlers run highest priority first and must be idempotent; the same
// error can pass through them once per attempt.
type Handler interface {
	Name() string
	Priority() int
	Handle(err *pipeline.Error, res Resolution) (Resolution, bool)
}

// Resolution is the center's verdict on one failed attempt.
type Resolution struct {
	Err      *pipeline.Error
	Strategy Strategy

	// Delay is the sleep before the next attempt, already including
	// exponential backoff and any upstream Retry-After floor.
	Delay time.Duration
}

// ErrorRecord is one entry of the bounded recent-error history.
type ErrorRecord struct {
	Time           time.Time         `json:"time"`
	Code           int               `json:"code"`
	Name           string            `json:"name"`
	Category       pipeline.Category `json:"category"`
	Message        string            `json:"message"`
	InstanceID     string            `json:"instanceId,omitempty"`
	VirtualModelID string            `json:"virtualModelId,omitempty"`
	ExecutionID    string            `json:"executionId,omitempty"`
}

// ErrorStats is a snapshot of the center's counters.
type ErrorStats struct {
	Total          int64                       `json:"total"`
	ByCode         map[int]int64               `json:"byCode"`
	ByCategory     map[pipeline.Category]int64 `json:"byCategory"`
	ByInstance     map[string]int64            `json:"byInstance"`
	ByVirtualModel map[string]int64            `json:"byVirtualModel"`
}

// CenterConfig tunes classification bookkeeping and escalation.
type CenterConfig struct {
	// Strategies overrides the default per-code table.
	Strategies map[int]Strategy

	// MaxHistory bounds the recent-error ring buffer.
	MaxHistory int

	// EscalationThreshold is the consecutive-failure streak on one instance
	// that escalates a retry or failover into a temporary blacklist.
	EscalationThreshold int

	// EscalationDuration is the blacklist window applied on escalation.
	EscalationDuration time.Duration

	// Jitter randomizes backoff delays in [0, d]. Retry-After floors are
	// never jittered.
	Jitter bool

	Logger *slog.Logger
}

// Center classifies raw failures, keeps error statistics, and resolves
// recovery actions.
type Center struct {
	strategies map[int]Strategy
	maxHistory int
	threshold  int
	escalation time.Duration
	jitter     bool
	logger     *slog.Logger

	mu             sync.Mutex
	handlers       []Handler
	total          int64
	byCode         map[int]int64
	byCategory     map[pipeline.Category]int64
	byInstance     map[string]int64
	byVirtualModel map[string]int64
	history        []ErrorRecord
	next           int
}

func NewCenter(cfg CenterConfig) *Center {
	strategies := defaultStrategies()
	for code, s := range cfg.Strategies {
		strategies[code] = s
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 256
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 3
	}
	if cfg.EscalationDuration <= 0 {
		cfg.EscalationDuration = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		strategies:     strategies,
		maxHistory:     cfg.MaxHistory,
		threshold:      cfg.EscalationThreshold,
		escalation:     cfg.EscalationDuration,
		jitter:         cfg.Jitter,
		logger:         logger,
		byCode:         make(map[int]int64),
		byCategory:     make(map[pipeline.Category]int64),
		byInstance:     make(map[string]int64),
		byVirtualModel: make(map[string]int64),
		history:        make([]ErrorRecord, 0, cfg.MaxHistory),
	}
}

// Register adds a custom handler. Handlers run highest priority first.
func (c *Center) Register(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := len(c.handlers)
	for i, existing := range c.handlers {
		if h.Priority() > existing.Priority() {
			at = i
			break
		}
	}
	c.handlers = append(c.handlers, nil)
	copy(c.handlers[at+1:], c.handlers[at:])
	c.handlers[at] = h
}

// Resolve classifies err, updates counters and history, and produces the
// recovery resolution for this attempt.
func (c *Center) Resolve(err error, ec *pipeline.ExecContext, inst *pipeline.Instance) Resolution {
	perr := Classify(err)
	if ec != nil {
		if perr.VirtualModelID == "" {
			perr.VirtualModelID = ec.VirtualModelID
		}
		if perr.InstanceID == "" {
			perr.InstanceID = ec.InstanceID
		}
	}

	c.record(perr, ec)

	strat, ok := c.strategies[perr.Code]
	if !ok {
		strat, ok = categoryDefaults[perr.Category]
		if !ok {
			strat = Strategy{Action: ActionSurface}
		}
	}

	// A long failure streak on one instance stops being a retry problem;
	// take the instance out of rotation for a while.
	if inst != nil && (strat.Action == ActionRetry || strat.Action == ActionFailover) &&
		inst.ConsecutiveErrors() >= int64(c.threshold) {
		strat.Action = ActionBlacklistTemporary
		strat.SameInstance = false
		if strat.BlacklistDuration <= 0 {
			strat.BlacklistDuration = c.escalation
		}
	}

	retryCount := 0
	if ec != nil {
		retryCount = ec.RetryCount
	}
	res := Resolution{
		Err:      perr,
		Strategy: strat,
		Delay:    c.delayFor(strat, perr, retryCount),
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		if out, applied := h.Handle(perr, res); applied {
			res = out
			c.logger.Debug("custom error handler applied", "handler", h.Name(), "code", perr.Code, "action", res.Strategy.Action)
		}
	}
	return res
}

// delayFor computes the pre-attempt sleep: base delay grown exponentially
// per retry, capped, jittered if configured, floored by Retry-After.
func (c *Center) delayFor(strat Strategy, perr *pipeline.Error, retryCount int) time.Duration {
	d := strat.RetryDelay
	if d > 0 && strat.BackoffMultiplier > 1 && retryCount > 0 {
		d = time.Duration(float64(d) * math.Pow(strat.BackoffMultiplier, float64(retryCount)))
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	if c.jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	if ra, ok := RetryAfter(perr); ok && ra > d {
		d = ra
	}
	return d
}

func (c *Center) record(perr *pipeline.Error, ec *pipeline.ExecContext) {
	rec := ErrorRecord{
		Time:           perr.Timestamp,
		Code:           perr.Code,
		Name:           perr.Name,
		Category:       perr.Category,
		Message:        perr.Message,
		InstanceID:     perr.InstanceID,
		VirtualModelID: perr.VirtualModelID,
	}
	if ec != nil {
		rec.ExecutionID = ec.ExecutionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byCode[perr.Code]++
	c.byCategory[perr.Category]++
	if perr.InstanceID != "" {
		c.byInstance[perr.InstanceID]++
	}
	if perr.VirtualModelID != "" {
		c.byVirtualModel[perr.VirtualModelID]++
	}
	if len(c.history) < c.maxHistory {
		c.history = append(c.history, rec)
	} else {
		c.history[c.next] = rec
		c.next = (c.next + 1) % c.maxHistory
	}
}

// Stats returns a copy of the counters.
func (c *Center) Stats() ErrorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ErrorStats{
		Total:          c.total,
		ByCode:         make(map[int]int64, len(c.byCode)),
		ByCategory:     make(map[pipeline.Category]int64, len(c.byCategory)),
		ByInstance:     make(map[string]int64, len(c.byInstance)),
		ByVirtualModel: make(map[string]int64, len(c.byVirtualModel)),
	}
	for k, v := range c.byCode {
		out.ByCode[k] = v
	}
	for k, v := range c.byCategory {
		out.ByCategory[k] = v
	}
	for k, v := range c.byInstance {
		out.ByInstance[k] = v
	}
	for k, v := range c.byVirtualModel {
		out.ByVirtualModel[k] = v
	}
	return out
}

// Recent returns up to n history entries, newest first.
func (c *Center) Recent(n int) []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]ErrorRecord, 0, n)
	// history is a ring; c.next-1 is the newest once the buffer wrapped.
	newest := len(c.history) - 1
	if len(c.history) == c.maxHistory {
		newest = (c.next - 1 + c.maxHistory) % c.maxHistory
	}
	for i := 0; i < n; i++ {
		idx := (newest - i + len(c.history)) % len(c.history)
		out = append(out, c.history[idx])
	}
	return out
}

// RetryAfter extracts an upstream Retry-After hint attached during
// classification.
func RetryAfter(perr *pipeline.Error) (time.Duration, bool) {
	if perr == nil || perr.Details == nil {
		return 0, false
	}
	ms, ok := perr.Details["retryAfterMs"].(int64)
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Classify maps a raw failure onto the numeric taxonomy. Already-classified
// errors keep their code.
func Classify(err error) *pipeline.Error {
	if perr, ok := pipeline.AsError(err); ok {
		return perr
	}

	var ue *pipeline.UpstreamError
	if errors.As(err, &ue) {
		return classifyUpstream(ue)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.Wrap(pipeline.CodeExecutionTimeout, err, "attempt exceeded its deadline")
	case errors.Is(err, context.Canceled):
		return pipeline.Wrap(pipeline.CodeExecutionCanceled, err, "execution canceled")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return pipeline.Wrap(pipeline.CodeDNSLookupFailed, err, "resolving upstream host")
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return pipeline.Wrap(pipeline.CodeTLSHandshakeFailed, err, "verifying upstream certificate")
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return pipeline.Wrap(pipeline.CodeTLSHandshakeFailed, err, "tls handshake failed")
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return pipeline.Wrap(pipeline.CodeConnectionFailed, err, "connecting to upstream")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return pipeline.Wrap(pipeline.CodeConnectionReset, err, "upstream closed the connection")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return pipeline.Wrap(pipeline.CodeExecutionTimeout, err, "network operation timed out")
		}
		return pipeline.Wrap(pipeline.CodeConnectionFailed, err, "network failure")
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return pipeline.Wrap(pipeline.CodeResponseDecodeFailed, err, "decoding upstream payload")
	}

	return pipeline.Wrap(pipeline.CodeInternalError, err, "unclassified failure")
}

func classifyUpstream(ue *pipeline.UpstreamError) *pipeline.Error {
	msg := wire.ErrorMessage(ue.Body)
	if msg == "" {
		msg = ue.Error()
	}

	var perr *pipeline.Error
	switch {
	case ue.Status == 401:
		if ue.Refreshable {
			perr = pipeline.Wrap(pipeline.CodeTokenExpired, ue, msg)
		} else {
			perr = pipeline.Wrap(pipeline.CodeAuthFailed, ue, msg)
		}
	case ue.Status == 403:
		if strings.Contains(strings.ToLower(msg), "suspend") {
			perr = pipeline.Wrap(pipeline.CodeAccountSuspended, ue, msg)
		} else {
			perr = pipeline.Wrap(pipeline.CodePermissionDenied, ue, msg)
		}
	case ue.Status == 408:
		perr = pipeline.Wrap(pipeline.CodeExecutionTimeout, ue, msg)
	case ue.Status == 429:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			perr = pipeline.Wrap(pipeline.CodeQuotaExhausted, ue, msg)
		} else {
			perr = pipeline.Wrap(pipeline.CodeRateLimitExceeded, ue, msg)
		}
	case ue.Status >= 500:
		perr = pipeline.Wrap(pipeline.CodeUpstreamServerError, ue, msg)
	case ue.Status == 400, ue.Status == 404, ue.Status == 413, ue.Status == 422:
		perr = pipeline.Wrap(pipeline.CodeRequestValidationFailed, ue, msg)
	default:
		perr = pipeline.Wrap(pipeline.CodeExecutionFailed, ue, msg)
	}

	perr.WithDetail("provider", ue.Provider).WithDetail("upstreamStatus", ue.Status)
	if ue.HasRetryAfter {
		perr.WithDetail("retryAfterMs", ue.RetryAfter.Milliseconds())
	}
	return perr
}
