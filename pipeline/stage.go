// ABOUTME: Stage contract for instance chains plus the per-execution context.
// ABOUTME: Stages transform tagged payloads; the terminal stage owns the upstream exchange.

package pipeline

import (
	"context"
	"time"

	"github.com/2389-research/relay/wire"
)

// ExecContext carries one logical request through every retry attempt.
// ExecutionID stays stable across retries of the same request; InstanceID,
// RetryCount, and CredentialIndex are rewritten by the scheduler between
// attempts.
type ExecContext struct {
	ExecutionID    string
	VirtualModelID string
	InstanceID     string
	StartTime      time.Time
	Deadline       time.Time
	RetryCount     int
	MaxRetries     int

	// ClientDialect is the dialect the caller spoke; responses are
	// translated back to it at the gateway edge.
	ClientDialect wire.Dialect

	// WantStream records whether the caller asked for a streamed response,
	// independent of what the upstream exchange uses.
	WantStream bool

	// ClientAuthorization is the caller's Authorization header value,
	// forwarded upstream verbatim by passthrough-auth providers.
	ClientAuthorization string

	// CredentialIndex selects which upstream credential the provider stage
	// signs with. Rotated on auth failures.
	CredentialIndex int

	// Attempted lists instance IDs tried so far, in order.
	Attempted []string

	// StreamParent bounds a stream handed back to the caller. Attempt
	// contexts cover connect and first byte only; once open, the stream
	// lives until this context ends. Nil means the stream stays tied to
	// the attempt context.
	StreamParent context.Context

	Metadata map[string]any
}

// Remaining returns the time left before the execution deadline.
func (ec *ExecContext) Remaining() time.Duration {
	if ec.Deadline.IsZero() {
		return 0
	}
	return time.Until(ec.Deadline)
}

// Stage is one transform in an instance's chain. Process runs on the way
// down in declared order; ProcessResponse runs on the way back up in
// reverse order. Stages hold no per-request state; anything request-scoped
// rides on the ExecContext.
type Stage interface {
	Name() string
	Init(ctx context.Context) error
	Process(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Request, error)
	ProcessResponse(ctx context.Context, ec *ExecContext, resp wire.Response) (wire.Response, error)
	Close() error
}

// Terminal is the last stage in a chain. It performs the single-shot
// upstream exchange; retries belong to the scheduler, never to the stage.
type Terminal interface {
	Stage
	Exchange(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error)

	// Probe performs a lightweight liveness check against the upstream.
	Probe(ctx context.Context) error
}

// BaseStage provides no-op defaults so stages only implement the hooks
// they need.
type BaseStage struct {
	StageName string
}

func (b *BaseStage) Name() string { return b.StageName }

func (b *BaseStage) Init(ctx context.Context) error { return nil }

func (b *BaseStage) Process(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Request, error) {
	return req, nil
}

func (b *BaseStage) ProcessResponse(ctx context.Context, ec *ExecContext, resp wire.Response) (wire.Response, error) {
	return resp, nil
}

func (b *BaseStage) Close() error { return nil }
