// ABOUTME: Compatibility stage applying a declarative field-mapping table per provider family.
// ABOUTME: Rules rename, drop, default, or set JSON fields without a full decode.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389-research/relay/wire"
)

// Field rule operations.
const (
	FieldRename  = "rename"
	FieldDrop    = "drop"
	FieldDefault = "default"
	FieldSet     = "set"
)

// FieldRule is one declarative edit. Path uses dotted gjson syntax.
type FieldRule struct {
	Op    string `json:"op" yaml:"op"`
	Path  string `json:"path" yaml:"path"`
	To    string `json:"to,omitempty" yaml:"to,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

func (r FieldRule) validate() error {
	switch r.Op {
	case FieldRename:
		if r.To == "" {
			return fmt.Errorf("rename rule for %q needs a target path", r.Path)
		}
	case FieldDrop:
	case FieldDefault, FieldSet:
		if r.Value == nil {
			return fmt.Errorf("%s rule for %q needs a value", r.Op, r.Path)
		}
	default:
		return fmt.Errorf("unknown field rule op %q", r.Op)
	}
	if r.Path == "" {
		return fmt.Errorf("field rule with op %q has no path", r.Op)
	}
	return nil
}

// CompatStage edits raw bodies in place. Streaming responses pass through
// untouched; field rules only make sense on buffered JSON.
type CompatStage struct {
	BaseStage
	requestRules  []FieldRule
	responseRules []FieldRule
	logger        *slog.Logger
}

func NewCompatStage(requestRules, responseRules []FieldRule, logger *slog.Logger) (*CompatStage, error) {
	for _, r := range requestRules {
		if err := r.validate(); err != nil {
			return nil, Wrap(CodeInvalidTemplate, err, "request field rule")
		}
	}
	for _, r := range responseRules {
		if err := r.validate(); err != nil {
			return nil, Wrap(CodeInvalidTemplate, err, "response field rule")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompatStage{
		BaseStage:     BaseStage{StageName: "compatibility"},
		requestRules:  requestRules,
		responseRules: responseRules,
		logger:        logger,
	}, nil
}

func (s *CompatStage) Process(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Request, error) {
	raw, err := applyFieldRules(req.Raw, s.requestRules)
	if err != nil {
		return wire.Request{}, Wrap(CodeRequestValidationFailed, err, "applying request field rules")
	}
	return wire.NewRequest(req.Dialect, raw), nil
}

func (s *CompatStage) ProcessResponse(ctx context.Context, ec *ExecContext, resp wire.Response) (wire.Response, error) {
	if resp.Streaming() || len(s.responseRules) == 0 {
		return resp, nil
	}
	raw, err := applyFieldRules(resp.Raw, s.responseRules)
	if err != nil {
		return wire.Response{}, Wrap(CodeResponseDecodeFailed, err, "applying response field rules")
	}
	resp.Raw = raw
	return resp, nil
}

func applyFieldRules(raw []byte, rules []FieldRule) ([]byte, error) {
	var err error
	for _, r := range rules {
		switch r.Op {
		case FieldRename:
			v := gjson.GetBytes(raw, r.Path)
			if !v.Exists() {
				continue
			}
			raw, err = sjson.SetBytes(raw, r.To, v.Value())
			if err != nil {
				return nil, fmt.Errorf("rename %s to %s: %w", r.Path, r.To, err)
			}
			raw, err = sjson.DeleteBytes(raw, r.Path)
			if err != nil {
				return nil, fmt.Errorf("rename %s to %s: %w", r.Path, r.To, err)
			}
		case FieldDrop:
			raw, err = sjson.DeleteBytes(raw, r.Path)
			if err != nil {
				return nil, fmt.Errorf("drop %s: %w", r.Path, err)
			}
		case FieldDefault:
			if gjson.GetBytes(raw, r.Path).Exists() {
				continue
			}
			raw, err = sjson.SetBytes(raw, r.Path, r.Value)
			if err != nil {
				return nil, fmt.Errorf("default %s: %w", r.Path, err)
			}
		case FieldSet:
			raw, err = sjson.SetBytes(raw, r.Path, r.Value)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", r.Path, err)
			}
		}
	}
	return raw, nil
}
