// ABOUTME: Tests for template validation, chain ordering, and instance assembly.
// ABOUTME: Failures must stay isolated per template and carry configuration codes.

package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/2389-research/relay/wire"
)

type fakeRegistry struct {
	added map[string][]*Instance
	opts  map[string]PoolOptions
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{added: make(map[string][]*Instance), opts: make(map[string]PoolOptions)}
}

func (r *fakeRegistry) AddInstance(vmID string, inst *Instance, opts PoolOptions) {
	r.added[vmID] = append(r.added[vmID], inst)
	r.opts[vmID] = opts
}

func testAssembler(t *testing.T, reg Registry) *Assembler {
	t.Helper()
	a, err := NewAssembler(AssemblerConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	return a
}

func validTemplate(id, vm string) Template {
	timeout := 30000
	return Template{
		TemplateID:     id,
		VirtualModelID: vm,
		BaseConfig: BaseConfig{
			TimeoutMs:             &timeout,
			MaxConcurrentRequests: 4,
			Weight:                2,
			RetryPolicy:           &RetryPolicy{MaxRetries: 2, RetryDelayMs: 500, BackoffMultiplier: 2},
		},
		ModuleAssembly: ModuleAssembly{
			ModuleInstances: []ModuleInstance{
				{ModuleID: "proto", ModuleType: ModuleProtocol, Config: json.RawMessage(`{"upstreamDialect":"openai"}`)},
				{ModuleID: "flow", ModuleType: ModuleWorkflow, Config: json.RawMessage(`{"mode":"passthrough"}`)},
				{ModuleID: "out", ModuleType: ModuleProvider, Config: json.RawMessage(`{
					"provider": "openai",
					"baseUrl": "https://api.openai.com/v1",
					"model": "gpt-4o",
					"dialect": "openai",
					"auth": {"kind": "api_key", "credentials": ["sk-a", "sk-b"]}
				}`)},
			},
		},
	}
}

func TestAssembleOneBuildsInstance(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	inst, err := a.AssembleOne(context.Background(), validTemplate("tpl-1", "gpt-4o-vm"))
	if err != nil {
		t.Fatalf("AssembleOne: %v", err)
	}
	defer inst.Destroy(context.Background())

	if inst.State() != StateReady {
		t.Errorf("state = %s, want ready", inst.State())
	}
	if inst.VirtualModelID() != "gpt-4o-vm" {
		t.Errorf("virtual model = %s", inst.VirtualModelID())
	}
	if inst.Weight() != 2 {
		t.Errorf("weight = %d", inst.Weight())
	}
	if inst.CredentialCount() != 2 {
		t.Errorf("credential count = %d", inst.CredentialCount())
	}
	if got := inst.Target(); got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("target = %+v", got)
	}

	if len(reg.added["gpt-4o-vm"]) != 1 {
		t.Fatalf("registry received %d instances", len(reg.added["gpt-4o-vm"]))
	}
	opts := reg.opts["gpt-4o-vm"]
	if opts.Timeout != 30*time.Second {
		t.Errorf("pool timeout = %v", opts.Timeout)
	}
	if opts.MaxRetries != 2 || opts.RetryDelay != 500*time.Millisecond {
		t.Errorf("pool retry opts = %+v", opts)
	}
}

func TestAssembleOneHonorsExplicitInstanceID(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	tpl := validTemplate("tpl-1", "vm")
	tpl.InstanceID = "A"
	inst, err := a.AssembleOne(context.Background(), tpl)
	if err != nil {
		t.Fatalf("AssembleOne: %v", err)
	}
	defer inst.Destroy(context.Background())
	if inst.ID() != "A" {
		t.Errorf("instance id = %s", inst.ID())
	}
}

func TestAssembleOneChainOrderFromConnections(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	tpl := validTemplate("tpl-1", "vm")
	// Declare modules out of order; connections define the real chain.
	tpl.ModuleAssembly.ModuleInstances = []ModuleInstance{
		tpl.ModuleAssembly.ModuleInstances[2],
		tpl.ModuleAssembly.ModuleInstances[0],
		tpl.ModuleAssembly.ModuleInstances[1],
	}
	tpl.ModuleAssembly.Connections = []Connection{
		{From: "flow", To: "out"},
		{From: "proto", To: "flow"},
	}

	inst, err := a.AssembleOne(context.Background(), tpl)
	if err != nil {
		t.Fatalf("AssembleOne: %v", err)
	}
	inst.Destroy(context.Background())
}

func TestAssembleOneRejectsBadTemplates(t *testing.T) {
	zero := 0
	tests := []struct {
		name     string
		mutate   func(*Template)
		wantCode int
	}{
		{
			"zero timeout",
			func(tpl *Template) { tpl.BaseConfig.TimeoutMs = &zero },
			CodeInvalidTimeout,
		},
		{
			"missing virtual model",
			func(tpl *Template) { tpl.VirtualModelID = "" },
			CodeInvalidTemplate,
		},
		{
			"no modules",
			func(tpl *Template) { tpl.ModuleAssembly.ModuleInstances = nil },
			CodeInvalidTemplate,
		},
		{
			"unknown module type",
			func(tpl *Template) { tpl.ModuleAssembly.ModuleInstances[1].ModuleType = "transmogrifier" },
			CodeInvalidTemplate,
		},
		{
			"schema rejects bad workflow mode",
			func(tpl *Template) {
				tpl.ModuleAssembly.ModuleInstances[1].Config = json.RawMessage(`{"mode":"firehose"}`)
			},
			CodeInvalidTemplate,
		},
		{
			"provider not last",
			func(tpl *Template) {
				ms := tpl.ModuleAssembly.ModuleInstances
				ms[0], ms[2] = ms[2], ms[0]
			},
			CodeInvalidTemplate,
		},
		{
			"no provider module",
			func(tpl *Template) {
				tpl.ModuleAssembly.ModuleInstances = tpl.ModuleAssembly.ModuleInstances[:2]
			},
			CodeInvalidTemplate,
		},
		{
			"duplicate module ids",
			func(tpl *Template) {
				tpl.ModuleAssembly.ModuleInstances[1].ModuleID = "proto"
			},
			CodeInvalidTemplate,
		},
		{
			"connection cycle",
			func(tpl *Template) {
				tpl.ModuleAssembly.Connections = []Connection{
					{From: "proto", To: "flow"},
					{From: "flow", To: "out"},
					{From: "out", To: "proto"},
				}
			},
			CodeInvalidTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			a := testAssembler(t, reg)
			tpl := validTemplate("tpl-bad", "vm")
			tt.mutate(&tpl)

			_, err := a.AssembleOne(context.Background(), tpl)
			if err == nil {
				t.Fatal("bad template accepted")
			}
			if !IsCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %d", err, tt.wantCode)
			}
			if len(reg.added) != 0 {
				t.Error("registry received an instance from a bad template")
			}
		})
	}
}

func TestAssembleIsolatesFailures(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	bad := validTemplate("tpl-bad", "vm-bad")
	bad.ModuleAssembly.ModuleInstances[1].ModuleType = "nope"

	res := a.Assemble(context.Background(), []Template{
		validTemplate("tpl-a", "vm-good"),
		bad,
		validTemplate("tpl-b", "vm-good"),
	})
	defer func() {
		for _, inst := range res.Instances {
			inst.Destroy(context.Background())
		}
	}()

	if len(res.Instances) != 2 {
		t.Fatalf("built %d instances, want 2", len(res.Instances))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %v, want one entry", res.Failed)
	}
	if _, ok := res.Failed["tpl-bad"]; !ok {
		t.Errorf("failure keyed as %v", res.Failed)
	}
	if len(reg.added["vm-good"]) != 2 {
		t.Errorf("vm-good pool has %d instances", len(reg.added["vm-good"]))
	}
}

func TestAssembleDisabledTemplate(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	off := false
	tpl := validTemplate("tpl-off", "vm")
	tpl.Enabled = &off

	inst, err := a.AssembleOne(context.Background(), tpl)
	if err != nil {
		t.Fatalf("AssembleOne: %v", err)
	}
	defer inst.Destroy(context.Background())

	if inst.Enabled() {
		t.Error("disabled template produced an enabled instance")
	}
	if inst.Eligible() {
		t.Error("disabled instance reported eligible")
	}
}

func TestLoadRegistryOverridesSchema(t *testing.T) {
	reg := newFakeRegistry()
	a := testAssembler(t, reg)

	// Tighten the workflow schema to allow only buffer mode.
	err := a.LoadRegistry([]ModuleSchema{{
		ModuleType:   ModuleWorkflow,
		ConfigSchema: json.RawMessage(`{"type":"object","properties":{"mode":{"const":"buffer"}}}`),
	}})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	tpl := validTemplate("tpl-1", "vm")
	if _, err := a.AssembleOne(context.Background(), tpl); !IsCode(err, CodeInvalidTemplate) {
		t.Errorf("passthrough mode survived the tightened schema: %v", err)
	}

	tpl.ModuleAssembly.ModuleInstances[1].Config = json.RawMessage(`{"mode":"buffer"}`)
	inst, err := a.AssembleOne(context.Background(), tpl)
	if err != nil {
		t.Fatalf("AssembleOne with conforming config: %v", err)
	}
	inst.Destroy(context.Background())
}

func TestLoadRegistryRejectsBadSchema(t *testing.T) {
	a := testAssembler(t, newFakeRegistry())
	err := a.LoadRegistry([]ModuleSchema{{
		ModuleType:   "custom",
		ConfigSchema: json.RawMessage(`{"type": 42}`),
	}})
	if !IsCode(err, CodeInvalidTemplate) {
		t.Errorf("LoadRegistry = %v, want code %d", err, CodeInvalidTemplate)
	}
}

func TestChainOrderDiagnostics(t *testing.T) {
	mods := []ModuleInstance{
		{ModuleID: "a", ModuleType: ModuleProtocol},
		{ModuleID: "b", ModuleType: ModuleWorkflow},
		{ModuleID: "c", ModuleType: ModuleProvider},
	}

	tests := []struct {
		name  string
		conns []Connection
	}{
		{"branching", []Connection{{From: "a", To: "b"}, {From: "a", To: "c"}}},
		{"merging", []Connection{{From: "a", To: "c"}, {From: "b", To: "c"}}},
		{"unknown endpoint", []Connection{{From: "a", To: "zz"}}},
		{"disconnected", []Connection{{From: "a", To: "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chainOrder(ModuleAssembly{ModuleInstances: mods, Connections: tt.conns})
			if err == nil {
				t.Error("invalid connection graph accepted")
			}
		})
	}
}

func TestAssembleFailureKeysUnnamedTemplates(t *testing.T) {
	a := testAssembler(t, newFakeRegistry())
	res := a.Assemble(context.Background(), []Template{{}})
	if len(res.Failed) != 1 {
		t.Fatalf("Failed = %v", res.Failed)
	}
	for key := range res.Failed {
		if key == "" {
			t.Error("failure keyed by empty string")
		}
	}
}

func TestAssembleOneInfersDialectFromCatalog(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantCode int
		want     wire.Dialect
	}{
		{"model in catalog", `{
			"provider": "anthropic",
			"baseUrl": "https://api.anthropic.com",
			"model": "claude-sonnet-4-5",
			"auth": {"kind": "api_key", "credentials": ["sk-a"]}
		}`, 0, wire.DialectAnthropic},
		{"alias in catalog", `{
			"provider": "anthropic",
			"baseUrl": "https://api.anthropic.com",
			"model": "sonnet",
			"auth": {"kind": "api_key", "credentials": ["sk-a"]}
		}`, 0, wire.DialectAnthropic},
		{"unknown model, known provider", `{
			"provider": "openai",
			"baseUrl": "https://api.openai.com/v1",
			"model": "gpt-4o",
			"auth": {"kind": "api_key", "credentials": ["sk-a"]}
		}`, 0, wire.DialectOpenAI},
		{"unknown model and provider", `{
			"provider": "mystery",
			"baseUrl": "https://example.com",
			"model": "llama-12",
			"auth": {"kind": "api_key", "credentials": ["sk-a"]}
		}`, CodeInvalidTemplate, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAssembler(t, newFakeRegistry())
			tpl := validTemplate("tpl-1", "vm")
			tpl.ModuleAssembly.ModuleInstances[2].Config = json.RawMessage(tt.provider)

			inst, err := a.AssembleOne(context.Background(), tpl)
			if tt.wantCode != 0 {
				if !IsCode(err, tt.wantCode) {
					t.Fatalf("error = %v, want code %d", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("AssembleOne: %v", err)
			}
			defer inst.Destroy(context.Background())
			if got := inst.Target().Dialect; got != tt.want {
				t.Errorf("dialect = %s, want %s", got, tt.want)
			}
		})
	}
}
