// ABOUTME: Tests for virtual-model resolution: overrides, rule operators, priority, fallbacks.
// ABOUTME: Covers compile-time validation failures and the weighted/round-robin selection split.

package router

import (
	"net/http"
	"testing"

	"github.com/2389-research/relay/pipeline"
)

func boolPtr(b bool) *bool { return &b }

func singleTarget(vm string) Selection {
	return Selection{Weights: map[string]int{vm: 1}}
}

func mustRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func chatReq(body string) Request {
	return Request{
		Path:   "/v1/chat/completions",
		Method: "POST",
		Header: http.Header{},
		Body:   []byte(body),
	}
}

func TestResolveHeaderOverrideWinsOverEverything(t *testing.T) {
	r := mustRouter(t, Config{
		Rules: []Rule{{
			RuleID:            "catch-all",
			PipelineSelection: singleTarget("vm-rules"),
		}},
		DefaultVirtualModel: "vm-default",
	})
	req := chatReq(`{"model":"gpt-4o","virtual_model":"vm-body"}`)
	req.Header.Set(HeaderVirtualModel, "vm-header")

	dec, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "vm-header" || dec.Source != SourceHeader {
		t.Fatalf("decision = %+v, want vm-header via header", dec)
	}
}

func TestResolveBodyOverrideBeatsRules(t *testing.T) {
	r := mustRouter(t, Config{
		Rules: []Rule{{RuleID: "catch-all", PipelineSelection: singleTarget("vm-rules")}},
	})
	dec, err := r.Resolve(chatReq(`{"model":"gpt-4o","virtual_model":"vm-body"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "vm-body" || dec.Source != SourceBody {
		t.Fatalf("decision = %+v, want vm-body via body", dec)
	}
}

func TestResolveOperators(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		req   Request
		match bool
	}{
		{"equals path", Condition{Field: "path", Operator: OpEquals, Value: "/v1/messages"},
			Request{Path: "/v1/messages"}, true},
		{"equals path miss", Condition{Field: "path", Operator: OpEquals, Value: "/v1/messages"},
			Request{Path: "/v1/chat/completions"}, false},
		{"method case folded", Condition{Field: "method", Operator: OpEquals, Value: "POST"},
			Request{Method: "post"}, true},
		{"not_equals", Condition{Field: "method", Operator: OpNotEquals, Value: "GET"},
			Request{Method: "POST"}, true},
		{"not_equals on missing body field", Condition{Field: "user", Operator: OpNotEquals, Value: "blocked"},
			Request{Body: []byte(`{}`)}, true},
		{"contains", Condition{Field: "model", Operator: OpContains, Value: "claude"},
			Request{Body: []byte(`{"model":"claude-sonnet-4"}`)}, true},
		{"contains miss", Condition{Field: "model", Operator: OpContains, Value: "claude"},
			Request{Body: []byte(`{"model":"gpt-4o"}`)}, false},
		{"regex", Condition{Field: "model", Operator: OpRegex, Value: `^gpt-4o(-mini)?$`},
			Request{Body: []byte(`{"model":"gpt-4o-mini"}`)}, true},
		{"regex miss", Condition{Field: "model", Operator: OpRegex, Value: `^gpt-4o(-mini)?$`},
			Request{Body: []byte(`{"model":"gpt-4o-mini-high"}`)}, false},
		{"in", Condition{Field: "model", Operator: OpIn, Values: []string{"gpt-4o", "gpt-4o-mini"}},
			Request{Body: []byte(`{"model":"gpt-4o"}`)}, true},
		{"in miss", Condition{Field: "model", Operator: OpIn, Values: []string{"gpt-4o"}},
			Request{Body: []byte(`{"model":"o3"}`)}, false},
		{"body prefix stripped", Condition{Field: "body.model", Operator: OpEquals, Value: "gpt-4o"},
			Request{Body: []byte(`{"model":"gpt-4o"}`)}, true},
		{"nested body path", Condition{Field: "metadata.tier", Operator: OpEquals, Value: "pro"},
			Request{Body: []byte(`{"metadata":{"tier":"pro"}}`)}, true},
		{"header field", Condition{Field: "header.X-Team", Operator: OpEquals, Value: "research"},
			Request{Header: http.Header{"X-Team": []string{"research"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRouter(t, Config{Rules: []Rule{{
				RuleID:            "r",
				Conditions:        []Condition{tt.cond},
				PipelineSelection: singleTarget("vm-hit"),
			}}})
			dec, err := r.Resolve(tt.req)
			if tt.match {
				if err != nil {
					t.Fatalf("Resolve: %v", err)
				}
				if dec.VirtualModelID != "vm-hit" || dec.RuleID != "r" {
					t.Fatalf("decision = %+v, want rule hit", dec)
				}
				return
			}
			if !pipeline.IsCode(err, pipeline.CodePipelineSelectionFailed) {
				t.Fatalf("err = %v, want PIPELINE_SELECTION_FAILED", err)
			}
		})
	}
}

func TestResolveAllConditionsMustMatch(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{{
		RuleID: "and",
		Conditions: []Condition{
			{Field: "path", Operator: OpEquals, Value: "/v1/chat/completions"},
			{Field: "model", Operator: OpContains, Value: "gpt"},
		},
		PipelineSelection: singleTarget("vm-and"),
	}}})

	if _, err := r.Resolve(chatReq(`{"model":"claude-sonnet-4"}`)); err == nil {
		t.Fatal("rule matched with only one of two conditions satisfied")
	}
	dec, err := r.Resolve(chatReq(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "vm-and" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{
		{RuleID: "low", Priority: 1, PipelineSelection: singleTarget("vm-low")},
		{RuleID: "high", Priority: 10, PipelineSelection: singleTarget("vm-high")},
		{RuleID: "mid", Priority: 5, PipelineSelection: singleTarget("vm-mid")},
	}})

	dec, err := r.Resolve(chatReq(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.RuleID != "high" {
		t.Fatalf("rule = %s, want high (priority order)", dec.RuleID)
	}

	rules := r.Rules()
	for i, want := range []string{"high", "mid", "low"} {
		if rules[i].RuleID != want {
			t.Fatalf("Rules()[%d] = %s, want %v", i, rules[i].RuleID, want)
		}
	}
}

func TestResolveEqualPriorityKeepsDeclarationOrder(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{
		{RuleID: "first", Priority: 5, PipelineSelection: singleTarget("vm-first")},
		{RuleID: "second", Priority: 5, PipelineSelection: singleTarget("vm-second")},
	}})
	dec, err := r.Resolve(chatReq(`{}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.RuleID != "first" {
		t.Fatalf("rule = %s, want first (stable order)", dec.RuleID)
	}
}

func TestResolveSkipsDisabledRule(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{
		{RuleID: "off", Priority: 10, Enabled: boolPtr(false), PipelineSelection: singleTarget("vm-off")},
		{RuleID: "on", Priority: 1, PipelineSelection: singleTarget("vm-on")},
	}})
	dec, err := r.Resolve(chatReq(`{}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.RuleID != "on" {
		t.Fatalf("rule = %s, disabled rule must be skipped", dec.RuleID)
	}
}

func TestResolveModelNamingKnownPool(t *testing.T) {
	r := mustRouter(t, Config{
		KnownVirtualModel: func(id string) bool { return id == "gpt-4o" },
	})

	dec, err := r.Resolve(chatReq(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "gpt-4o" || dec.Source != SourceModel {
		t.Fatalf("decision = %+v, want model-field fallback", dec)
	}

	if _, err := r.Resolve(chatReq(`{"model":"o3"}`)); !pipeline.IsCode(err, pipeline.CodePipelineSelectionFailed) {
		t.Fatalf("err = %v, want PIPELINE_SELECTION_FAILED for unknown model", err)
	}
}

func TestResolveRuleBeatsModelFallback(t *testing.T) {
	r := mustRouter(t, Config{
		Rules: []Rule{{
			RuleID:            "canary",
			Conditions:        []Condition{{Field: "model", Operator: OpEquals, Value: "gpt-4o"}},
			PipelineSelection: singleTarget("vm-canary"),
		}},
		KnownVirtualModel: func(id string) bool { return true },
	})
	dec, err := r.Resolve(chatReq(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "vm-canary" {
		t.Fatalf("decision = %+v, rules must outrank the model fallback", dec)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	r := mustRouter(t, Config{DefaultVirtualModel: "vm-default"})
	dec, err := r.Resolve(chatReq(`{"model":"anything"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.VirtualModelID != "vm-default" || dec.Source != SourceDefault {
		t.Fatalf("decision = %+v, want default fallback", dec)
	}
}

func TestResolveNothingMatches(t *testing.T) {
	r := mustRouter(t, Config{})
	_, err := r.Resolve(chatReq(`{"model":"gpt-4o"}`))
	if !pipeline.IsCode(err, pipeline.CodePipelineSelectionFailed) {
		t.Fatalf("err = %v, want PIPELINE_SELECTION_FAILED", err)
	}
	perr, ok := pipeline.AsError(err)
	if !ok {
		t.Fatal("error is not classified")
	}
	if perr.HTTPStatus != 404 {
		t.Fatalf("HTTPStatus = %d, want 404", perr.HTTPStatus)
	}
}

func TestWeightedSelectionRespectsZeroWeight(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{{
		RuleID: "split",
		PipelineSelection: Selection{
			Strategy: SelectWeighted,
			Weights:  map[string]int{"vm-live": 1, "vm-drained": 0},
		},
	}}})

	for i := 0; i < 50; i++ {
		dec, err := r.Resolve(chatReq(`{}`))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if dec.VirtualModelID != "vm-live" {
			t.Fatalf("picked %s, zero-weight targets must never win", dec.VirtualModelID)
		}
	}
}

func TestWeightedSelectionCoversTargets(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{{
		RuleID: "split",
		PipelineSelection: Selection{
			Weights: map[string]int{"vm-a": 1, "vm-b": 1},
		},
	}}})

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		dec, err := r.Resolve(chatReq(`{}`))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[dec.VirtualModelID]++
	}
	if counts["vm-a"] == 0 || counts["vm-b"] == 0 {
		t.Fatalf("weighted split never reached a target: %v", counts)
	}
}

func TestRoundRobinSelectionRotates(t *testing.T) {
	r := mustRouter(t, Config{Rules: []Rule{{
		RuleID: "rotate",
		PipelineSelection: Selection{
			Strategy: SelectRoundRobin,
			Weights:  map[string]int{"vm-b": 1, "vm-a": 1},
		},
	}}})

	var got []string
	for i := 0; i < 4; i++ {
		dec, err := r.Resolve(chatReq(`{}`))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		got = append(got, dec.VirtualModelID)
	}
	want := []string{"vm-a", "vm-b", "vm-a", "vm-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestNewRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		code int
	}{
		{"no ruleId", Rule{PipelineSelection: singleTarget("vm")}, pipeline.CodeConfigValidationFailed},
		{"no field", Rule{RuleID: "r", Conditions: []Condition{{Operator: OpEquals}}, PipelineSelection: singleTarget("vm")}, pipeline.CodeConfigValidationFailed},
		{"unknown operator", Rule{RuleID: "r", Conditions: []Condition{{Field: "path", Operator: "matches"}}, PipelineSelection: singleTarget("vm")}, pipeline.CodeConfigValidationFailed},
		{"bad regex", Rule{RuleID: "r", Conditions: []Condition{{Field: "path", Operator: OpRegex, Value: "("}}, PipelineSelection: singleTarget("vm")}, pipeline.CodeConfigValidationFailed},
		{"in without values", Rule{RuleID: "r", Conditions: []Condition{{Field: "path", Operator: OpIn}}, PipelineSelection: singleTarget("vm")}, pipeline.CodeConfigValidationFailed},
		{"no weights", Rule{RuleID: "r"}, pipeline.CodeConfigValidationFailed},
		{"negative weight", Rule{RuleID: "r", PipelineSelection: Selection{Weights: map[string]int{"vm": -1}}}, pipeline.CodeConfigValidationFailed},
		{"zero total weight", Rule{RuleID: "r", PipelineSelection: Selection{Weights: map[string]int{"vm": 0}}}, pipeline.CodeConfigValidationFailed},
		{"empty target id", Rule{RuleID: "r", PipelineSelection: Selection{Weights: map[string]int{"": 1}}}, pipeline.CodeConfigValidationFailed},
		{"unknown strategy", Rule{RuleID: "r", PipelineSelection: Selection{Strategy: "fastest", Weights: map[string]int{"vm": 1}}}, pipeline.CodeInvalidStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Rules: []Rule{tt.rule}})
			if !pipeline.IsCode(err, tt.code) {
				t.Fatalf("err = %v, want code %d", err, tt.code)
			}
		})
	}
}
