// ABOUTME: Virtual-model resolution for incoming requests.
// ABOUTME: Explicit overrides first, then priority-ordered rules, then the default pool.

package router

import (
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/2389-research/relay/pipeline"
)

// HeaderVirtualModel names the explicit override header.
const HeaderVirtualModel = "X-Virtual-Model"

// bodyOverrideField is the explicit override field accepted in request
// bodies of either dialect.
const bodyOverrideField = "virtual_model"

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpRegex     = "regex"
	OpIn        = "in"
)

// Selection strategies for rules that target more than one virtual model.
const (
	SelectWeighted   = "weighted"
	SelectRoundRobin = "round-robin"
)

// Condition is one predicate of a routing rule. Field is "path", "method",
// "header.<Name>", or a JSON path into the body (a "body." prefix is
// accepted and stripped). Method values compare upper-cased; everything else
// is case-sensitive.
type Condition struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// Selection says which virtual models a matched rule routes to and how the
// split is made. Weighted picks randomly in proportion to weight; zero-weight
// entries are never picked. Round-robin rotates evenly over the entries.
type Selection struct {
	Strategy string         `json:"strategy,omitempty"`
	Weights  map[string]int `json:"weights"`
}

// Rule is one entry of the routing table. Higher priority evaluates first;
// equal priorities keep declaration order. A rule with no conditions matches
// every request.
type Rule struct {
	RuleID            string      `json:"ruleId"`
	Priority          int         `json:"priority"`
	Enabled           *bool       `json:"enabled,omitempty"`
	Conditions        []Condition `json:"conditions,omitempty"`
	PipelineSelection Selection   `json:"pipelineSelection"`
}

func (r Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// Request is the slice of an HTTP request the router inspects.
type Request struct {
	Path   string
	Method string
	Header http.Header
	Body   []byte
}

// Source says which resolution step produced a decision.
type Source string

const (
	SourceHeader  Source = "header"
	SourceBody    Source = "body"
	SourceRule    Source = "rule"
	SourceModel   Source = "model"
	SourceDefault Source = "default"
)

// Decision is a resolved virtual model plus where it came from.
type Decision struct {
	VirtualModelID string
	RuleID         string
	Source         Source
}

// Config assembles a Router.
type Config struct {
	Rules []Rule

	// DefaultVirtualModel is returned when nothing else resolves. Empty
	// means unresolved requests fail with PIPELINE_SELECTION_FAILED.
	DefaultVirtualModel string

	// KnownVirtualModel, when set, lets a request's model field name a pool
	// directly. Checked after the rules so a rule can redirect traffic for
	// a model the scheduler also knows.
	KnownVirtualModel func(id string) bool

	Logger *slog.Logger
}

type target struct {
	id     string
	weight int
}

// compiledRule carries a rule with its regexes precompiled and its selection
// flattened for picking. cursor is the round-robin position.
type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
	targets  []target
	total    int
	cursor   atomic.Uint64
}

// Router resolves requests to virtual-model ids. Immutable after New aside
// from round-robin cursors, so a reload can swap a fresh Router in place.
type Router struct {
	rules     []*compiledRule
	defaultVM string
	known     func(string) bool
	logger    *slog.Logger
}

func New(cfg Config) (*Router, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		rules:     make([]*compiledRule, 0, len(cfg.Rules)),
		defaultVM: cfg.DefaultVirtualModel,
		known:     cfg.KnownVirtualModel,
		logger:    logger,
	}
	for _, rule := range cfg.Rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, cr)
	}
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].rule.Priority > r.rules[j].rule.Priority
	})
	return r, nil
}

func compileRule(rule Rule) (*compiledRule, error) {
	if rule.RuleID == "" {
		return nil, pipeline.New(pipeline.CodeConfigValidationFailed, "routing rule has no ruleId")
	}

	cr := &compiledRule{rule: rule, patterns: make([]*regexp.Regexp, len(rule.Conditions))}
	for i, c := range rule.Conditions {
		if c.Field == "" {
			return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s condition %d has no field", rule.RuleID, i)
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains:
		case OpIn:
			if len(c.Values) == 0 {
				return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s condition %d uses %q with no values", rule.RuleID, i, OpIn)
			}
		case OpRegex:
			pat, err := regexp.Compile(c.Value)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.CodeConfigValidationFailed, err, "rule "+rule.RuleID+" regex")
			}
			cr.patterns[i] = pat
		default:
			return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s condition %d has unknown operator %q", rule.RuleID, i, c.Operator)
		}
	}

	sel := rule.PipelineSelection
	switch sel.Strategy {
	case "", SelectWeighted, SelectRoundRobin:
	default:
		return nil, pipeline.Newf(pipeline.CodeInvalidStrategy, "rule %s has unknown selection strategy %q", rule.RuleID, sel.Strategy)
	}
	if len(sel.Weights) == 0 {
		return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s selects no virtual models", rule.RuleID)
	}
	for id, w := range sel.Weights {
		if id == "" {
			return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s has a weight entry with an empty virtual model", rule.RuleID)
		}
		if w < 0 {
			return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s gives %s a negative weight", rule.RuleID, id)
		}
		cr.targets = append(cr.targets, target{id: id, weight: w})
		cr.total += w
	}
	if cr.total == 0 {
		return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "rule %s has zero total weight", rule.RuleID)
	}
	sort.Slice(cr.targets, func(i, j int) bool { return cr.targets[i].id < cr.targets[j].id })
	return cr, nil
}

// Rules returns the table in evaluation order, for the admin surface.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, cr := range r.rules {
		out[i] = cr.rule
	}
	return out
}

// Resolve determines the virtual model for one request:
// 1. X-Virtual-Model header.
// 2. virtual_model body field.
// 3. First enabled rule whose conditions all match, highest priority first.
// 4. The model body field, when it names a known pool.
// 5. The configured default.
// Anything else fails with PIPELINE_SELECTION_FAILED.
func (r *Router) Resolve(req Request) (Decision, error) {
	if req.Header != nil {
		if vm := strings.TrimSpace(req.Header.Get(HeaderVirtualModel)); vm != "" {
			return Decision{VirtualModelID: vm, Source: SourceHeader}, nil
		}
	}
	if vm := gjson.GetBytes(req.Body, bodyOverrideField).String(); vm != "" {
		return Decision{VirtualModelID: vm, Source: SourceBody}, nil
	}

	for _, cr := range r.rules {
		if !cr.rule.enabled() || !cr.matches(req) {
			continue
		}
		vm := cr.pick()
		r.logger.Debug("routing rule matched", "rule", cr.rule.RuleID, "virtual_model", vm)
		return Decision{VirtualModelID: vm, RuleID: cr.rule.RuleID, Source: SourceRule}, nil
	}

	if r.known != nil {
		if model := gjson.GetBytes(req.Body, "model").String(); model != "" && r.known(model) {
			return Decision{VirtualModelID: model, Source: SourceModel}, nil
		}
	}
	if r.defaultVM != "" {
		return Decision{VirtualModelID: r.defaultVM, Source: SourceDefault}, nil
	}
	return Decision{}, pipeline.Newf(pipeline.CodePipelineSelectionFailed, "no routing rule matched %s %s", req.Method, req.Path)
}

func (cr *compiledRule) matches(req Request) bool {
	for i, c := range cr.rule.Conditions {
		if !matchCondition(c, cr.patterns[i], fieldValue(req, c.Field)) {
			return false
		}
	}
	return true
}

func fieldValue(req Request, field string) string {
	switch {
	case field == "path":
		return req.Path
	case field == "method":
		return strings.ToUpper(req.Method)
	case strings.HasPrefix(field, "header."):
		if req.Header == nil {
			return ""
		}
		return req.Header.Get(field[len("header."):])
	default:
		return gjson.GetBytes(req.Body, strings.TrimPrefix(field, "body.")).String()
	}
}

func matchCondition(c Condition, pattern *regexp.Regexp, got string) bool {
	switch c.Operator {
	case OpEquals:
		return got == c.Value
	case OpNotEquals:
		return got != c.Value
	case OpContains:
		return strings.Contains(got, c.Value)
	case OpRegex:
		return pattern.MatchString(got)
	case OpIn:
		for _, v := range c.Values {
			if got == v {
				return true
			}
		}
		return false
	}
	return false
}

// pick selects one target id from the rule's selection.
func (cr *compiledRule) pick() string {
	if len(cr.targets) == 1 {
		return cr.targets[0].id
	}
	if cr.rule.PipelineSelection.Strategy == SelectRoundRobin {
		n := cr.cursor.Add(1) - 1
		return cr.targets[n%uint64(len(cr.targets))].id
	}
	n := rand.Intn(cr.total)
	for _, t := range cr.targets {
		n -= t.weight
		if n < 0 {
			return t.id
		}
	}
	return cr.targets[len(cr.targets)-1].id
}
