// ABOUTME: YAML service configuration: server, scheduler tuning, assembly table location.
// ABOUTME: Load validates against the configuration error band before anything starts.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/scheduler"
)

// Config is the top-level service configuration. Every section is optional;
// zero values fall through to the runtime defaults of the component they
// configure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Assembly   AssemblyConfig   `yaml:"assembly"`
	Audit      AuditConfig      `yaml:"audit"`
	TokenCache TokenCacheConfig `yaml:"tokenCache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	ListenAddr      string `yaml:"listenAddr"`
	ReadTimeoutMs   int    `yaml:"readTimeoutMs"`
	ShutdownGraceMs int    `yaml:"shutdownGraceMs"`

	// MaxBodyBytes caps request bodies. Default 10 MiB.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// SchedulerConfig is the scheduler tuning block.
type SchedulerConfig struct {
	LoadBalancing LoadBalancingConfig `yaml:"loadBalancing"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

// LoadBalancingConfig selects the strategy and its supporting loops.
type LoadBalancingConfig struct {
	Strategy string `yaml:"strategy"`

	// Weights overrides template weights by templateId without editing the
	// assembly table.
	Weights map[string]int `yaml:"weights"`

	HealthCheck HealthCheckConfig `yaml:"healthCheck"`
	Failover    FailoverConfig    `yaml:"failover"`
}

// HealthCheckConfig tunes the background probe loop.
type HealthCheckConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalMs         int  `yaml:"intervalMs"`
	TimeoutMs          *int `yaml:"timeoutMs"`
	HealthyThreshold   int  `yaml:"healthyThreshold"`
	UnhealthyThreshold int  `yaml:"unhealthyThreshold"`
}

// FailoverConfig sets the default retry budget. Disabled means one attempt
// per request unless a pool or caller raises it.
type FailoverConfig struct {
	Enabled           bool                 `yaml:"enabled"`
	MaxRetries        int                  `yaml:"maxRetries"`
	RetryDelayMs      int                  `yaml:"retryDelayMs"`
	BackoffMultiplier float64              `yaml:"backoffMultiplier"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// CircuitBreakerConfig tunes the per-instance breakers.
type CircuitBreakerConfig struct {
	FailureThreshold       int `yaml:"failureThreshold"`
	RecoveryTimeMs         int `yaml:"recoveryTimeMs"`
	RequestVolumeThreshold int `yaml:"requestVolumeThreshold"`
}

// ErrorHandlingConfig overrides recovery strategies and blacklist limits.
type ErrorHandlingConfig struct {
	// Strategies is keyed by numeric error code.
	Strategies map[int]StrategyConfig `yaml:"strategies"`

	Blacklist BlacklistConfig `yaml:"blacklist"`

	// EscalationThreshold is the consecutive-failure streak on one instance
	// that escalates a retry into a temporary blacklist.
	EscalationThreshold  int  `yaml:"escalationThreshold"`
	EscalationDurationMs int  `yaml:"escalationDurationMs"`
	MaxHistory           int  `yaml:"maxHistory"`
	Jitter               bool `yaml:"jitter"`
}

// StrategyConfig is the YAML shape of one per-code recovery strategy.
type StrategyConfig struct {
	Action                string  `yaml:"action"`
	MaxRetries            int     `yaml:"maxRetries"`
	RetryDelayMs          int     `yaml:"retryDelayMs"`
	BackoffMultiplier     float64 `yaml:"backoffMultiplier"`
	BlacklistDurationMs   int     `yaml:"blacklistDurationMs"`
	MaintenanceDurationMs int     `yaml:"maintenanceDurationMs"`
	SameInstance          bool    `yaml:"sameInstance"`
	RotateCredential      bool    `yaml:"rotateCredential"`
	RefreshCredential     bool    `yaml:"refreshCredential"`
	DestroyInstanceOnHit  bool    `yaml:"destroyInstanceOnHit"`
}

// BlacklistConfig bounds the suppression table. Blacklisting is on unless
// switched off: omitting enabled keeps it active, and an explicit
// maxEntries of 0 disables it entirely.
type BlacklistConfig struct {
	Enabled           *bool `yaml:"enabled"`
	MaxEntries        *int  `yaml:"maxEntries"`
	DefaultDurationMs int   `yaml:"defaultDurationMs"`
	MaxDurationMs     int   `yaml:"maxDurationMs"`
	CleanupIntervalMs int   `yaml:"cleanupIntervalMs"`
}

// PerformanceConfig caps concurrency and sets the default deadline.
type PerformanceConfig struct {
	MaxConcurrentRequests int  `yaml:"maxConcurrentRequests"`
	DefaultTimeoutMs      *int `yaml:"defaultTimeoutMs"`

	// RejectWhenSaturated rejects excess requests instead of queueing them.
	RejectWhenSaturated bool `yaml:"rejectWhenSaturated"`
}

// MonitoringConfig tunes metrics collection.
type MonitoringConfig struct {
	Enabled                     bool `yaml:"enabled"`
	MetricsCollectionIntervalMs int  `yaml:"metricsCollectionIntervalMs"`
}

// AssemblyConfig locates the assembly table and its reload behavior.
type AssemblyConfig struct {
	TablePath  string `yaml:"tablePath"`
	Watch      bool   `yaml:"watch"`
	DebounceMs int    `yaml:"debounceMs"`
}

// AuditConfig switches the SQLite request log on.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queueSize"`
}

// TokenCacheConfig declares OAuth-backed providers and where their token
// files live.
type TokenCacheConfig struct {
	Dir       string                   `yaml:"dir"`
	Providers map[string]OAuthProvider `yaml:"providers"`
}

// OAuthProvider is the refresh endpoint for one provider's token cache.
type OAuthProvider struct {
	TokenURL string `yaml:"tokenUrl"`
	ClientID string `yaml:"clientId"`
}

// LoggingConfig selects slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, parses, and validates the YAML service configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "reading service config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration document. Unknown keys
// are rejected, catching typos before they silently default.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "parsing service config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section against the configuration error band.
func (c *Config) Validate() error {
	lb := c.Scheduler.LoadBalancing
	if lb.Strategy != "" && !scheduler.ValidStrategy(lb.Strategy) {
		return pipeline.Newf(pipeline.CodeInvalidStrategy, "unknown load-balancing strategy %q", lb.Strategy)
	}
	for tplID, w := range lb.Weights {
		if w < 0 {
			return pipeline.Newf(pipeline.CodeConfigValidationFailed, "weight override for template %s is negative", tplID)
		}
	}

	hc := lb.HealthCheck
	if hc.TimeoutMs != nil && *hc.TimeoutMs <= 0 {
		return pipeline.Newf(pipeline.CodeInvalidTimeout, "healthCheck.timeoutMs must be positive, got %d", *hc.TimeoutMs)
	}
	if hc.IntervalMs < 0 || hc.HealthyThreshold < 0 || hc.UnhealthyThreshold < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "healthCheck values cannot be negative")
	}

	fo := lb.Failover
	if fo.MaxRetries < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "failover.maxRetries cannot be negative")
	}
	if fo.RetryDelayMs < 0 || fo.BackoffMultiplier < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "failover delay values cannot be negative")
	}
	cb := fo.CircuitBreaker
	if cb.FailureThreshold < 0 || cb.RecoveryTimeMs < 0 || cb.RequestVolumeThreshold < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "circuitBreaker values cannot be negative")
	}

	eh := c.Scheduler.ErrorHandling
	for code, st := range eh.Strategies {
		if !scheduler.ValidAction(st.Action) {
			return pipeline.Newf(pipeline.CodeConfigValidationFailed, "strategy for code %d names unknown action %q", code, st.Action)
		}
		if st.MaxRetries < 0 || st.RetryDelayMs < 0 || st.BlacklistDurationMs < 0 || st.MaintenanceDurationMs < 0 {
			return pipeline.Newf(pipeline.CodeConfigValidationFailed, "strategy for code %d has negative values", code)
		}
	}
	bl := eh.Blacklist
	if bl.MaxEntries != nil && *bl.MaxEntries < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "blacklist.maxEntries cannot be negative")
	}
	if bl.DefaultDurationMs < 0 || bl.MaxDurationMs < 0 || bl.CleanupIntervalMs < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "blacklist values cannot be negative")
	}
	if eh.EscalationThreshold < 0 || eh.EscalationDurationMs < 0 || eh.MaxHistory < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "errorHandling values cannot be negative")
	}

	perf := c.Scheduler.Performance
	if perf.DefaultTimeoutMs != nil && *perf.DefaultTimeoutMs <= 0 {
		return pipeline.Newf(pipeline.CodeInvalidTimeout, "performance.defaultTimeoutMs must be positive, got %d", *perf.DefaultTimeoutMs)
	}
	if perf.MaxConcurrentRequests < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "performance.maxConcurrentRequests cannot be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return pipeline.Newf(pipeline.CodeConfigValidationFailed, "unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return pipeline.Newf(pipeline.CodeConfigValidationFailed, "unknown log format %q", c.Logging.Format)
	}

	if c.Assembly.DebounceMs < 0 || c.Audit.QueueSize < 0 {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "reload and audit values cannot be negative")
	}
	if len(c.TokenCache.Providers) > 0 && c.TokenCache.Dir == "" {
		return pipeline.New(pipeline.CodeConfigValidationFailed, "tokenCache.dir is required when providers are configured")
	}
	for name, p := range c.TokenCache.Providers {
		if p.TokenURL == "" {
			return pipeline.Newf(pipeline.CodeConfigValidationFailed, "token provider %s has no tokenUrl", name)
		}
	}
	return nil
}

// defaultBlacklistEntries caps the suppression table when maxEntries is
// omitted.
const defaultBlacklistEntries = 1000

// SchedulerConfig maps the scheduler section onto the runtime's knobs.
func (c *Config) SchedulerConfig(logger *slog.Logger) scheduler.Config {
	sc := c.Scheduler
	out := scheduler.Config{
		Strategy:            sc.LoadBalancing.Strategy,
		MaxConcurrent:       sc.Performance.MaxConcurrentRequests,
		RejectWhenSaturated: sc.Performance.RejectWhenSaturated,
		CleanupInterval:     ms(sc.ErrorHandling.Blacklist.CleanupIntervalMs),
		Logger:              logger,
	}
	if sc.Performance.DefaultTimeoutMs != nil {
		out.DefaultTimeout = ms(*sc.Performance.DefaultTimeoutMs)
	}

	fo := sc.LoadBalancing.Failover
	if fo.Enabled {
		out.DefaultMaxRetries = fo.MaxRetries
		out.DefaultRetryDelay = ms(fo.RetryDelayMs)
	} else {
		out.DefaultMaxRetries = -1
	}
	cb := fo.CircuitBreaker
	if cb.FailureThreshold > 0 {
		out.BreakerThreshold = uint32(cb.FailureThreshold)
	}
	if cb.RecoveryTimeMs > 0 {
		out.BreakerCooldown = ms(cb.RecoveryTimeMs)
	}
	if cb.RequestVolumeThreshold > 0 {
		out.BreakerMinRequests = uint32(cb.RequestVolumeThreshold)
	}

	eh := sc.ErrorHandling
	blEnabled := eh.Blacklist.Enabled == nil || *eh.Blacklist.Enabled
	blEntries := defaultBlacklistEntries
	if eh.Blacklist.MaxEntries != nil {
		blEntries = *eh.Blacklist.MaxEntries
	}
	// maxEntries 0 switches blacklisting off; the scheduler runs without it.
	if blEntries == 0 {
		blEnabled = false
	}
	out.Blacklist = scheduler.BlacklistConfig{
		Enabled:         blEnabled,
		MaxEntries:      blEntries,
		DefaultDuration: ms(eh.Blacklist.DefaultDurationMs),
		MaxDuration:     ms(eh.Blacklist.MaxDurationMs),
		Logger:          logger,
	}
	out.Center = scheduler.CenterConfig{
		Strategies:          strategies(eh.Strategies),
		MaxHistory:          eh.MaxHistory,
		EscalationThreshold: eh.EscalationThreshold,
		EscalationDuration:  ms(eh.EscalationDurationMs),
		Jitter:              eh.Jitter,
		Logger:              logger,
	}
	return out
}

func strategies(in map[int]StrategyConfig) map[int]scheduler.Strategy {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]scheduler.Strategy, len(in))
	for code, st := range in {
		out[code] = scheduler.Strategy{
			Action:              scheduler.Action(st.Action),
			MaxRetries:          st.MaxRetries,
			RetryDelay:          ms(st.RetryDelayMs),
			BackoffMultiplier:   st.BackoffMultiplier,
			BlacklistDuration:   ms(st.BlacklistDurationMs),
			MaintenanceDuration: ms(st.MaintenanceDurationMs),
			SameInstance:        st.SameInstance,
			RotateCredential:    st.RotateCredential,
			RefreshCredential:   st.RefreshCredential,
			DestroyInstance:     st.DestroyInstanceOnHit,
		}
	}
	return out
}

// HealthCheck maps the health-check block. The bool reports whether the
// probe loop should run at all.
func (c *Config) HealthCheck(logger *slog.Logger) (scheduler.HealthCheckConfig, bool) {
	hc := c.Scheduler.LoadBalancing.HealthCheck
	out := scheduler.HealthCheckConfig{
		Interval:           ms(hc.IntervalMs),
		UnhealthyThreshold: hc.UnhealthyThreshold,
		HealthyThreshold:   hc.HealthyThreshold,
		Logger:             logger,
	}
	if hc.TimeoutMs != nil {
		out.Timeout = ms(*hc.TimeoutMs)
	}
	return out, hc.Enabled
}

// MetricsInterval is the monitoring collection cadence, or zero when
// monitoring is off.
func (c *Config) MetricsInterval() time.Duration {
	if !c.Scheduler.Monitoring.Enabled {
		return 0
	}
	if c.Scheduler.Monitoring.MetricsCollectionIntervalMs <= 0 {
		return 15 * time.Second
	}
	return ms(c.Scheduler.Monitoring.MetricsCollectionIntervalMs)
}

// Logger builds the root slog logger from the logging section.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ListenAddr returns the configured bind address, defaulting to :8080.
func (c *Config) ListenAddr() string {
	if c.Server.ListenAddr == "" {
		return ":8080"
	}
	return c.Server.ListenAddr
}

// ShutdownGrace is how long a stopping server waits for in-flight requests.
func (c *Config) ShutdownGrace() time.Duration {
	if c.Server.ShutdownGraceMs <= 0 {
		return 15 * time.Second
	}
	return ms(c.Server.ShutdownGraceMs)
}

// Debounce is the reload coalescing window for assembly-table changes.
func (c *Config) Debounce() time.Duration {
	if c.Assembly.DebounceMs <= 0 {
		return 250 * time.Millisecond
	}
	return ms(c.Assembly.DebounceMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
