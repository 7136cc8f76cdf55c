// ABOUTME: Workflow stage adapting between streaming and buffered exchanges.
// ABOUTME: Buffers streams on the way up or expands completions into events, per the chain's mode.

package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389-research/relay/wire"
)

// Workflow modes. The mode pins what the upstream exchange uses; the
// caller's preference is recorded on the ExecContext and reconciled on the
// way back up.
const (
	// WorkflowPassthrough aligns the upstream with whatever the caller
	// asked for.
	WorkflowPassthrough = "passthrough"
	// WorkflowBuffer always exchanges non-streaming, synthesizing events
	// when the caller wants a stream.
	WorkflowBuffer = "buffer"
	// WorkflowStream always exchanges streaming, accumulating events when
	// the caller wants a buffered body.
	WorkflowStream = "stream"
)

// WorkflowStage owns the stream flag on the way down and the
// streamify/destreamify conversion on the way up.
type WorkflowStage struct {
	BaseStage
	mode   string
	logger *slog.Logger
}

func NewWorkflowStage(mode string, logger *slog.Logger) (*WorkflowStage, error) {
	switch mode {
	case "", WorkflowPassthrough:
		mode = WorkflowPassthrough
	case WorkflowBuffer, WorkflowStream:
	default:
		return nil, Newf(CodeInvalidTemplate, "unknown workflow mode %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowStage{
		BaseStage: BaseStage{StageName: "workflow"},
		mode:      mode,
		logger:    logger,
	}, nil
}

func (s *WorkflowStage) Process(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Request, error) {
	ec.WantStream = req.Streaming()

	wantUpstream := ec.WantStream
	switch s.mode {
	case WorkflowBuffer:
		wantUpstream = false
	case WorkflowStream:
		wantUpstream = true
	}

	if wantUpstream == req.Streaming() {
		return req, nil
	}
	out, err := req.WithStream(wantUpstream)
	if err != nil {
		return wire.Request{}, Wrap(CodeRequestValidationFailed, err, "adjusting stream flag")
	}
	return out, nil
}

func (s *WorkflowStage) ProcessResponse(ctx context.Context, ec *ExecContext, resp wire.Response) (wire.Response, error) {
	switch {
	case ec.WantStream && !resp.Streaming():
		return streamify(resp)
	case !ec.WantStream && resp.Streaming():
		return destreamify(ctx, resp)
	default:
		return resp, nil
	}
}

// streamify expands a buffered completion into the event sequence its
// stream would have produced. Concatenating the emitted deltas reproduces
// the buffered content exactly.
func streamify(resp wire.Response) (wire.Response, error) {
	completion, err := resp.Decode()
	if err != nil {
		return wire.Response{}, Wrap(CodeResponseDecodeFailed, err, "decoding buffered response for streaming")
	}

	events := wire.Synthesize(completion)
	ch := make(chan wire.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	return wire.Response{Dialect: resp.Dialect, Status: resp.Status, Events: ch}, nil
}

// destreamify drains the event stream and re-encodes it as one buffered
// body. Stream errors surface raw so classification sees the true cause.
func destreamify(ctx context.Context, resp wire.Response) (wire.Response, error) {
	var events []wire.StreamEvent
	for {
		select {
		case <-ctx.Done():
			return wire.Response{}, contextFailure(ctx.Err())
		case ev, ok := <-resp.Events:
			if !ok {
				completion, err := wire.Accumulate(events)
				if err != nil {
					return wire.Response{}, err
				}
				raw, err := wire.EncodeCompletion(resp.Dialect, completion)
				if err != nil {
					return wire.Response{}, Wrap(CodeResponseDecodeFailed, err, "encoding accumulated response")
				}
				return wire.Response{Dialect: resp.Dialect, Status: resp.Status, Raw: raw}, nil
			}
			events = append(events, ev)
		}
	}
}

// contextFailure maps context expiry onto the execution codes.
func contextFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeExecutionTimeout, err, "attempt deadline exceeded")
	}
	return Wrap(CodeExecutionCanceled, err, "execution canceled")
}
