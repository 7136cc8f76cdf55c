// ABOUTME: Protocol-switch stage translating between caller and upstream dialects.
// ABOUTME: Requests convert on the way down; buffered responses convert back on the way up.

package pipeline

import (
	"context"
	"log/slog"

	"github.com/2389-research/relay/wire"
)

// ProtocolStage converts request bodies to the upstream dialect and
// response bodies back to the caller's. Same-dialect traffic passes through
// byte-identical so fields outside the mappable subset survive.
type ProtocolStage struct {
	BaseStage
	upstream wire.Dialect
	logger   *slog.Logger
}

func NewProtocolStage(upstream wire.Dialect, logger *slog.Logger) *ProtocolStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProtocolStage{
		BaseStage: BaseStage{StageName: "protocol-switch"},
		upstream:  upstream,
		logger:    logger,
	}
}

func (s *ProtocolStage) Process(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Request, error) {
	if ec.ClientDialect == "" {
		ec.ClientDialect = req.Dialect
	}
	if req.Dialect == s.upstream {
		return req, nil
	}
	out, err := req.Translate(s.upstream)
	if err != nil {
		return wire.Request{}, Wrap(CodeRequestValidationFailed, err, "translating request").WithDetail("from", string(req.Dialect)).WithDetail("to", string(s.upstream))
	}
	return out, nil
}

func (s *ProtocolStage) ProcessResponse(ctx context.Context, ec *ExecContext, resp wire.Response) (wire.Response, error) {
	to := ec.ClientDialect
	if to == "" || to == resp.Dialect {
		return resp, nil
	}
	out, err := resp.Translate(to)
	if err != nil {
		return wire.Response{}, Wrap(CodeResponseDecodeFailed, err, "translating response").WithDetail("from", string(resp.Dialect)).WithDetail("to", string(to))
	}
	return out, nil
}
