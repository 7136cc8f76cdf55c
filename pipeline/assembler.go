// ABOUTME: Assembler materializing runnable instances from declarative templates.
// ABOUTME: Validates module configs against registry schemas, wires stage chains, and registers pools.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389-research/relay/wire"
)

// Module types the assembler can instantiate. The provider module is the
// terminal and must close every chain.
const (
	ModuleProtocol      = "protocol-switch"
	ModuleWorkflow      = "workflow"
	ModuleCompatibility = "compatibility"
	ModuleProvider      = "provider"
)

// Template declares one instance of one virtual model: its stage chain, its
// upstream target, and its scheduling envelope. Several templates may share
// a virtualModelId; each materializes one pool member.
type Template struct {
	TemplateID     string         `json:"templateId"`
	VirtualModelID string         `json:"virtualModelId"`
	InstanceID     string         `json:"instanceId,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	BaseConfig     BaseConfig     `json:"baseConfig"`
	ModuleAssembly ModuleAssembly `json:"moduleAssembly"`
}

// BaseConfig is the scheduling envelope shared by every attempt against the
// materialized instance.
type BaseConfig struct {
	TimeoutMs             *int         `json:"timeoutMs,omitempty"`
	MaxConcurrentRequests int          `json:"maxConcurrentRequests,omitempty"`
	Weight                int          `json:"weight,omitempty"`
	RetryPolicy           *RetryPolicy `json:"retryPolicy,omitempty"`
}

// RetryPolicy overrides the scheduler's retry defaults for one virtual model.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int     `json:"retryDelayMs,omitempty"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
}

// ModuleAssembly lists the modules of a chain and, optionally, explicit
// connections. Without connections the declared order is the chain order.
type ModuleAssembly struct {
	ModuleInstances []ModuleInstance `json:"moduleInstances"`
	Connections     []Connection     `json:"connections,omitempty"`
}

// ModuleInstance binds a module type to its JSON config within one template.
type ModuleInstance struct {
	ModuleID   string          `json:"moduleId"`
	ModuleType string          `json:"moduleType"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Connection is one edge of the chain graph.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ModuleSchema overrides the built-in config schema for a module type.
type ModuleSchema struct {
	ModuleType   string          `json:"moduleType"`
	Version      string          `json:"version,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema"`
}

// Built-in config schemas, one per module type. A moduleRegistry entry in
// the assembly table replaces the schema for its type.
const (
	protocolSchema = `{
		"type": "object",
		"properties": {
			"upstreamDialect": {"type": "string", "enum": ["openai", "anthropic"]}
		},
		"additionalProperties": false
	}`

	workflowSchema = `{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "enum": ["passthrough", "buffer", "stream"]}
		},
		"additionalProperties": false
	}`

	compatSchema = `{
		"type": "object",
		"properties": {
			"requestRules": {"$ref": "#/$defs/rules"},
			"responseRules": {"$ref": "#/$defs/rules"}
		},
		"additionalProperties": false,
		"$defs": {
			"rules": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["op", "path"],
					"properties": {
						"op": {"type": "string", "enum": ["rename", "drop", "default", "set"]},
						"path": {"type": "string", "minLength": 1},
						"to": {"type": "string"},
						"value": {}
					},
					"additionalProperties": false
				}
			}
		}
	}`

	providerSchema = `{
		"type": "object",
		"required": ["provider", "baseUrl"],
		"properties": {
			"provider": {"type": "string", "minLength": 1},
			"baseUrl": {"type": "string", "minLength": 1},
			"model": {"type": "string"},
			"dialect": {"type": "string", "enum": ["openai", "anthropic"]},
			"clientMode": {"type": "string", "enum": ["http", "sdk"]},
			"auth": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"type": "string", "enum": ["api_key", "bearer", "oauth", "passthrough"]},
					"credentials": {"type": "array", "items": {"type": "string"}}
				},
				"additionalProperties": false
			},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"apiVersion": {"type": "string"},
			"probePath": {"type": "string"},
			"responseHeaderTimeoutMs": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`
)

var builtinSchemas = map[string]string{
	ModuleProtocol:      protocolSchema,
	ModuleWorkflow:      workflowSchema,
	ModuleCompatibility: compatSchema,
	ModuleProvider:      providerSchema,
}

// Per-module config shapes, decoded after schema validation.

type protocolModuleConfig struct {
	UpstreamDialect string `json:"upstreamDialect"`
}

type workflowModuleConfig struct {
	Mode string `json:"mode"`
}

type compatModuleConfig struct {
	RequestRules  []FieldRule `json:"requestRules"`
	ResponseRules []FieldRule `json:"responseRules"`
}

type providerAuthConfig struct {
	Kind        string   `json:"kind"`
	Credentials []string `json:"credentials"`
}

type providerModuleConfig struct {
	Provider                string             `json:"provider"`
	BaseURL                 string             `json:"baseUrl"`
	Model                   string             `json:"model"`
	Dialect                 string             `json:"dialect"`
	ClientMode              string             `json:"clientMode"`
	Auth                    providerAuthConfig `json:"auth"`
	Headers                 map[string]string  `json:"headers"`
	APIVersion              string             `json:"apiVersion"`
	ProbePath               string             `json:"probePath"`
	ResponseHeaderTimeoutMs int                `json:"responseHeaderTimeoutMs"`
}

// PoolOptions carries a template's scheduling defaults to the registry.
// MaxRetries -1 means the template set no retry policy.
type PoolOptions struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Backoff    float64
}

// Registry receives assembled instances. The scheduler implements it.
type Registry interface {
	AddInstance(virtualModelID string, inst *Instance, opts PoolOptions)
}

// AssemblerConfig wires the assembler's collaborators.
type AssemblerConfig struct {
	Registry Registry
	Logger   *slog.Logger

	// TokenSources resolves the token source for oauth-backed providers.
	TokenSources func(provider string) (TokenSource, bool)

	// OnStateChange is installed on every assembled instance.
	OnStateChange func(instanceID string, from, to State)

	// Catalog resolves dialects for templates that omit one. Nil means the
	// built-in model catalog.
	Catalog *wire.Catalog
}

// Assembler turns templates into initialized, registered instances.
type Assembler struct {
	registry Registry
	logger   *slog.Logger
	tokens   func(string) (TokenSource, bool)
	onState  func(string, State, State)
	catalog  *wire.Catalog
	schemas  map[string]*jsonschema.Schema
}

// NewAssembler compiles the built-in module schemas and returns an
// assembler bound to the given registry.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("assembler needs a registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = wire.DefaultCatalog()
	}
	a := &Assembler{
		registry: cfg.Registry,
		logger:   logger,
		tokens:   cfg.TokenSources,
		onState:  cfg.OnStateChange,
		catalog:  catalog,
		schemas:  make(map[string]*jsonschema.Schema, len(builtinSchemas)),
	}
	for moduleType, src := range builtinSchemas {
		sch, err := compileModuleSchema(moduleType, []byte(src))
		if err != nil {
			return nil, fmt.Errorf("compiling built-in schema for %s: %w", moduleType, err)
		}
		a.schemas[moduleType] = sch
	}
	return a, nil
}

func compileModuleSchema(moduleType string, src []byte) (*jsonschema.Schema, error) {
	url := "assembly://modules/" + moduleType + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(src))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// LoadRegistry replaces built-in schemas with the assembly table's
// moduleRegistry entries. A bad registry schema is a table-level failure.
func (a *Assembler) LoadRegistry(entries []ModuleSchema) error {
	for _, entry := range entries {
		if entry.ModuleType == "" {
			return New(CodeInvalidTemplate, "module registry entry has no moduleType")
		}
		if len(entry.ConfigSchema) == 0 {
			return Newf(CodeInvalidTemplate, "module registry entry %s has no configSchema", entry.ModuleType)
		}
		sch, err := compileModuleSchema(entry.ModuleType, entry.ConfigSchema)
		if err != nil {
			return Wrap(CodeInvalidTemplate, err, fmt.Sprintf("compiling registry schema for %s", entry.ModuleType))
		}
		a.schemas[entry.ModuleType] = sch
	}
	return nil
}

// Result reports one assembly run. Failures are isolated per template; one
// bad template never blocks its siblings.
type Result struct {
	Instances []*Instance
	Failed    map[string]error
}

// Assemble materializes every template, registering each built instance
// with the registry. The returned Result lists per-template failures.
func (a *Assembler) Assemble(ctx context.Context, templates []Template) *Result {
	res := &Result{Failed: make(map[string]error)}
	for _, tpl := range templates {
		inst, err := a.AssembleOne(ctx, tpl)
		if err != nil {
			key := tpl.TemplateID
			if key == "" {
				key = fmt.Sprintf("template[%d]", len(res.Instances)+len(res.Failed))
			}
			res.Failed[key] = err
			a.logger.Error("template assembly failed", "template", key, "virtual_model", tpl.VirtualModelID, "error", err)
			continue
		}
		res.Instances = append(res.Instances, inst)
	}
	return res
}

// AssembleOne validates, builds, initializes, and registers one template.
func (a *Assembler) AssembleOne(ctx context.Context, tpl Template) (*Instance, error) {
	if err := a.validateTemplate(tpl); err != nil {
		return nil, err
	}

	ordered, err := chainOrder(tpl.ModuleAssembly)
	if err != nil {
		return nil, err
	}

	stages, terminal, target, credCount, err := a.buildChain(tpl, ordered)
	if err != nil {
		return nil, err
	}

	id := tpl.InstanceID
	if id == "" {
		id = tpl.TemplateID + "-" + ulid.Make().String()
	}

	inst, err := NewInstance(InstanceConfig{
		ID:              id,
		VirtualModelID:  tpl.VirtualModelID,
		Target:          target,
		Weight:          tpl.BaseConfig.Weight,
		MaxConcurrent:   tpl.BaseConfig.MaxConcurrentRequests,
		CredentialCount: credCount,
		Stages:          stages,
		Terminal:        terminal,
		Logger:          a.logger,
		OnStateChange:   a.onState,
	})
	if err != nil {
		return nil, Wrap(CodePipelineCreationFailed, err, fmt.Sprintf("template %s", tpl.TemplateID)).WithVirtualModel(tpl.VirtualModelID)
	}

	if err := inst.Initialize(ctx); err != nil {
		inst.Destroy(ctx)
		return nil, err
	}

	if tpl.Enabled != nil && !*tpl.Enabled {
		inst.SetEnabled(false)
	}

	a.registry.AddInstance(tpl.VirtualModelID, inst, poolOptions(tpl.BaseConfig))
	a.logger.Info("instance assembled",
		"instance", inst.ID(),
		"virtual_model", tpl.VirtualModelID,
		"provider", target.Provider,
		"model", target.Model)
	return inst, nil
}

func poolOptions(bc BaseConfig) PoolOptions {
	opts := PoolOptions{MaxRetries: -1}
	if bc.TimeoutMs != nil {
		opts.Timeout = time.Duration(*bc.TimeoutMs) * time.Millisecond
	}
	if rp := bc.RetryPolicy; rp != nil {
		opts.MaxRetries = rp.MaxRetries
		opts.RetryDelay = time.Duration(rp.RetryDelayMs) * time.Millisecond
		opts.Backoff = rp.BackoffMultiplier
	}
	return opts
}

func (a *Assembler) validateTemplate(tpl Template) error {
	if tpl.TemplateID == "" {
		return New(CodeInvalidTemplate, "template has no templateId")
	}
	if tpl.VirtualModelID == "" {
		return Newf(CodeInvalidTemplate, "template %s has no virtualModelId", tpl.TemplateID)
	}
	if tpl.BaseConfig.TimeoutMs != nil && *tpl.BaseConfig.TimeoutMs <= 0 {
		return Newf(CodeInvalidTimeout, "template %s declares timeoutMs %d", tpl.TemplateID, *tpl.BaseConfig.TimeoutMs).WithVirtualModel(tpl.VirtualModelID)
	}
	if rp := tpl.BaseConfig.RetryPolicy; rp != nil && rp.MaxRetries < 0 {
		return Newf(CodeInvalidTemplate, "template %s declares negative maxRetries", tpl.TemplateID)
	}
	if len(tpl.ModuleAssembly.ModuleInstances) == 0 {
		return Newf(CodeInvalidTemplate, "template %s has no modules", tpl.TemplateID)
	}

	seen := make(map[string]bool, len(tpl.ModuleAssembly.ModuleInstances))
	for _, m := range tpl.ModuleAssembly.ModuleInstances {
		if m.ModuleID == "" {
			return Newf(CodeInvalidTemplate, "template %s has a module without a moduleId", tpl.TemplateID)
		}
		if seen[m.ModuleID] {
			return Newf(CodeInvalidTemplate, "template %s declares module %s twice", tpl.TemplateID, m.ModuleID)
		}
		seen[m.ModuleID] = true
		if err := a.validateModuleConfig(m); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) validateModuleConfig(m ModuleInstance) error {
	sch, ok := a.schemas[m.ModuleType]
	if !ok {
		return Newf(CodeInvalidTemplate, "module %s has unknown type %q", m.ModuleID, m.ModuleType)
	}
	raw := m.Config
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Wrap(CodeInvalidTemplate, err, fmt.Sprintf("module %s config is not valid JSON", m.ModuleID))
	}
	if err := sch.Validate(v); err != nil {
		return Wrap(CodeInvalidTemplate, err, fmt.Sprintf("module %s config rejected by %s schema", m.ModuleID, m.ModuleType))
	}
	return nil
}

// chainOrder resolves the execution order of a module assembly. Explicit
// connections must form a single unbranched chain covering every module.
func chainOrder(ma ModuleAssembly) ([]ModuleInstance, error) {
	if len(ma.Connections) == 0 {
		return ma.ModuleInstances, nil
	}

	byID := make(map[string]ModuleInstance, len(ma.ModuleInstances))
	for _, m := range ma.ModuleInstances {
		byID[m.ModuleID] = m
	}

	next := make(map[string]string, len(ma.Connections))
	hasIncoming := make(map[string]bool, len(ma.Connections))
	for _, c := range ma.Connections {
		if _, ok := byID[c.From]; !ok {
			return nil, Newf(CodeInvalidTemplate, "connection references unknown module %q", c.From)
		}
		if _, ok := byID[c.To]; !ok {
			return nil, Newf(CodeInvalidTemplate, "connection references unknown module %q", c.To)
		}
		if _, dup := next[c.From]; dup {
			return nil, Newf(CodeInvalidTemplate, "module %s has more than one outgoing connection", c.From)
		}
		if hasIncoming[c.To] {
			return nil, Newf(CodeInvalidTemplate, "module %s has more than one incoming connection", c.To)
		}
		next[c.From] = c.To
		hasIncoming[c.To] = true
	}

	head := ""
	for _, m := range ma.ModuleInstances {
		if !hasIncoming[m.ModuleID] {
			if head != "" {
				return nil, Newf(CodeInvalidTemplate, "connections leave both %s and %s without an incoming edge", head, m.ModuleID)
			}
			head = m.ModuleID
		}
	}
	if head == "" {
		return nil, New(CodeInvalidTemplate, "connections form a cycle")
	}

	ordered := make([]ModuleInstance, 0, len(ma.ModuleInstances))
	for id := head; id != ""; id = next[id] {
		ordered = append(ordered, byID[id])
		if len(ordered) > len(ma.ModuleInstances) {
			return nil, New(CodeInvalidTemplate, "connections form a cycle")
		}
	}
	if len(ordered) != len(ma.ModuleInstances) {
		return nil, New(CodeInvalidTemplate, "connections do not cover every module")
	}
	return ordered, nil
}

// buildChain instantiates each module in order. The provider module must be
// last and is the only terminal.
func (a *Assembler) buildChain(tpl Template, ordered []ModuleInstance) (stages []Stage, terminal Terminal, target Target, credCount int, err error) {
	for i, m := range ordered {
		last := i == len(ordered)-1
		switch m.ModuleType {
		case ModuleProvider:
			if !last {
				return nil, nil, Target{}, 0, Newf(CodeInvalidTemplate, "template %s places provider module %s before the end of the chain", tpl.TemplateID, m.ModuleID)
			}
			terminal, target, credCount, err = a.buildProvider(tpl, m)
			if err != nil {
				return nil, nil, Target{}, 0, err
			}
		case ModuleProtocol:
			stage, perr := a.buildProtocol(m)
			if perr != nil {
				return nil, nil, Target{}, 0, perr
			}
			stages = append(stages, stage)
		case ModuleWorkflow:
			stage, werr := a.buildWorkflow(m)
			if werr != nil {
				return nil, nil, Target{}, 0, werr
			}
			stages = append(stages, stage)
		case ModuleCompatibility:
			stage, cerr := a.buildCompat(m)
			if cerr != nil {
				return nil, nil, Target{}, 0, cerr
			}
			stages = append(stages, stage)
		default:
			return nil, nil, Target{}, 0, Newf(CodeInvalidTemplate, "module %s has type %q with no factory", m.ModuleID, m.ModuleType)
		}
	}
	if terminal == nil {
		return nil, nil, Target{}, 0, Newf(CodeInvalidTemplate, "template %s has no provider module", tpl.TemplateID)
	}
	return stages, terminal, target, credCount, nil
}

func decodeModuleConfig(m ModuleInstance, out any) error {
	raw := m.Config
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Wrap(CodeInvalidTemplate, err, fmt.Sprintf("decoding %s config", m.ModuleID))
	}
	return nil
}

func (a *Assembler) buildProtocol(m ModuleInstance) (Stage, error) {
	var cfg protocolModuleConfig
	if err := decodeModuleConfig(m, &cfg); err != nil {
		return nil, err
	}
	upstream := wire.Dialect(cfg.UpstreamDialect)
	if upstream == "" {
		upstream = wire.DialectOpenAI
	}
	return NewProtocolStage(upstream, a.logger), nil
}

func (a *Assembler) buildWorkflow(m ModuleInstance) (Stage, error) {
	var cfg workflowModuleConfig
	if err := decodeModuleConfig(m, &cfg); err != nil {
		return nil, err
	}
	stage, err := NewWorkflowStage(cfg.Mode, a.logger)
	if err != nil {
		return nil, err
	}
	return stage, nil
}

func (a *Assembler) buildCompat(m ModuleInstance) (Stage, error) {
	var cfg compatModuleConfig
	if err := decodeModuleConfig(m, &cfg); err != nil {
		return nil, err
	}
	stage, err := NewCompatStage(cfg.RequestRules, cfg.ResponseRules, a.logger)
	if err != nil {
		return nil, Wrap(CodeInvalidTemplate, err, fmt.Sprintf("module %s field rules", m.ModuleID))
	}
	return stage, nil
}

func (a *Assembler) buildProvider(tpl Template, m ModuleInstance) (Terminal, Target, int, error) {
	var cfg providerModuleConfig
	if err := decodeModuleConfig(m, &cfg); err != nil {
		return nil, Target{}, 0, err
	}

	creds := make([]string, 0, len(cfg.Auth.Credentials))
	for _, c := range cfg.Auth.Credentials {
		expanded := os.ExpandEnv(c)
		if expanded == "" {
			continue
		}
		creds = append(creds, expanded)
	}

	dialect := wire.Dialect(cfg.Dialect)
	if cfg.Dialect == "" {
		if m, ok := a.catalog.Lookup(cfg.Model); ok {
			dialect = m.Dialect
		} else {
			dialect = a.catalog.DialectForProvider(cfg.Provider)
		}
		if dialect == wire.DialectUnknown {
			return nil, Target{}, 0, Newf(CodeInvalidTemplate, "template %s omits a dialect and model %q is not in the catalog", tpl.TemplateID, cfg.Model)
		}
	}

	pc := ProviderConfig{
		Provider:    cfg.Provider,
		BaseURL:     os.ExpandEnv(cfg.BaseURL),
		Dialect:     dialect,
		Model:       cfg.Model,
		ClientMode:  cfg.ClientMode,
		AuthKind:    cfg.Auth.Kind,
		Credentials: creds,
		Headers:     cfg.Headers,
		APIVersion:  cfg.APIVersion,
		ProbePath:   cfg.ProbePath,
		Logger:      a.logger,
	}
	if cfg.ResponseHeaderTimeoutMs > 0 {
		pc.ResponseHeaderTimeout = time.Duration(cfg.ResponseHeaderTimeoutMs) * time.Millisecond
	}

	credCount := len(creds)
	if cfg.Auth.Kind == AuthOAuth {
		if a.tokens == nil {
			return nil, Target{}, 0, Newf(CodeCredentialsMissing, "provider %s uses oauth but no token sources are configured", cfg.Provider)
		}
		ts, ok := a.tokens(cfg.Provider)
		if !ok {
			return nil, Target{}, 0, Newf(CodeCredentialsMissing, "no token source for provider %s", cfg.Provider)
		}
		pc.TokenSource = ts
		credCount = 1
	}

	stage, err := NewProviderStage(pc)
	if err != nil {
		return nil, Target{}, 0, Wrap(CodeInvalidTemplate, err, fmt.Sprintf("module %s provider config", m.ModuleID))
	}

	target := Target{
		Provider: cfg.Provider,
		BaseURL:  pc.BaseURL,
		Model:    cfg.Model,
		Dialect:  pc.Dialect,
	}
	return stage, target, credCount, nil
}
