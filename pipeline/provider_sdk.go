// ABOUTME: SDK-backed exchange path for OpenAI-dialect upstreams.
// ABOUTME: Maps tagged payloads through the vendor client instead of raw HTTP.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/2389-research/relay/wire"
	"github.com/2389-research/relay/wire/sse"
)

// sdkClient speaks chat completions through the vendor client. One client
// per credential so rotation is an index change, not a reconnect.
type sdkClient struct {
	provider string
	clients  []openai.Client
}

func newSDKClient(cfg ProviderConfig) (*sdkClient, error) {
	if cfg.AuthKind == AuthOAuth {
		return nil, fmt.Errorf("sdk client mode does not support oauth credentials")
	}
	clients := make([]openai.Client, 0, len(cfg.Credentials))
	for _, key := range cfg.Credentials {
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		for k, v := range cfg.Headers {
			opts = append(opts, option.WithHeader(k, v))
		}
		clients = append(clients, openai.NewClient(opts...))
	}
	return &sdkClient{provider: cfg.Provider, clients: clients}, nil
}

func (s *sdkClient) clientFor(ec *ExecContext) openai.Client {
	idx := 0
	if ec != nil {
		idx = ec.CredentialIndex
	}
	return s.clients[idx%len(s.clients)]
}

func (s *sdkClient) exchange(ctx context.Context, ec *ExecContext, req wire.Request) (wire.Response, error) {
	prompt, err := req.Decode()
	if err != nil {
		return wire.Response{}, Wrap(CodeRequestValidationFailed, err, "decoding request for sdk client")
	}
	params, err := sdkParams(prompt)
	if err != nil {
		return wire.Response{}, Wrap(CodeRequestValidationFailed, err, "mapping request for sdk client")
	}
	client := s.clientFor(ec)

	if prompt.Stream {
		reqCtx := ctx
		guard := newStreamGuard(ctx, ec, req)
		if guard != nil {
			reqCtx = guard.ctx
		}
		defer guard.close()

		stream := client.Chat.Completions.NewStreaming(reqCtx, params)
		// Pull the first chunk here so pre-stream failures (bad key, rate
		// limit) surface as classifiable errors, not mid-stream events.
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				return wire.Response{}, s.classify(err)
			}
			empty := make(chan wire.StreamEvent)
			close(empty)
			return wire.Response{Dialect: wire.DialectOpenAI, Status: http.StatusOK, Events: empty}, nil
		}
		release := func() {}
		done := ctx.Done()
		if guard != nil {
			release = guard.handoff()
			done = guard.ctx.Done()
		}
		return wire.Response{
			Dialect: wire.DialectOpenAI,
			Status:  http.StatusOK,
			Events:  s.consume(stream, done, release),
		}, nil
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return wire.Response{}, s.classify(err)
	}
	return wire.Response{Dialect: wire.DialectOpenAI, Status: http.StatusOK, Raw: []byte(resp.RawJSON())}, nil
}

// consume drains the vendor stream, feeding each chunk's raw JSON through
// the shared dialect parser. The current chunk has already been pulled.
// Sends abandon the channel once done fires so a vanished consumer cannot
// strand the goroutine.
func (s *sdkClient) consume(stream *ssestream.Stream[openai.ChatCompletionChunk], done <-chan struct{}, release func()) <-chan wire.StreamEvent {
	events := make(chan wire.StreamEvent, streamEventBuffer)

	go func() {
		defer release()
		defer close(events)

		send := func(ev wire.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-done:
				return false
			}
		}

		parser, err := wire.NewStreamParser(wire.DialectOpenAI)
		if err != nil {
			send(wire.StreamEvent{Type: wire.StreamError, Err: err})
			return
		}

		emit := func(chunk openai.ChatCompletionChunk) bool {
			evs, err := parser.Parse(sse.Event{Data: chunk.RawJSON()})
			if err != nil {
				send(wire.StreamEvent{Type: wire.StreamError, Err: Wrap(CodeResponseDecodeFailed, err, "decoding sdk stream chunk")})
				return false
			}
			for _, ev := range evs {
				if !send(ev) {
					return false
				}
			}
			return true
		}

		if !emit(stream.Current()) {
			return
		}
		for stream.Next() {
			if !emit(stream.Current()) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(wire.StreamEvent{Type: wire.StreamError, Err: Wrap(CodeStreamInterrupted, err, "sdk stream failed")})
			return
		}
		for _, ev := range parser.Close() {
			if !send(ev) {
				return
			}
		}
	}()

	return events
}

// classify converts a vendor client error into the raw forms the error
// response center inspects.
func (s *sdkClient) classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		up := &UpstreamError{
			Provider: s.provider,
			Status:   apierr.StatusCode,
			Body:     []byte(apierr.RawJSON()),
		}
		if apierr.Response != nil {
			up.RetryAfter = retryAfterOf(apierr.Response.Header)
			up.HasRetryAfter = apierr.Response.Header.Get("Retry-After") != ""
		}
		return up
	}
	return err
}

// sdkParams maps the unified prompt onto vendor request params. Image parts
// require the http client mode and are skipped here.
func sdkParams(p *wire.Prompt) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: p.Model,
	}
	if p.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*p.MaxTokens))
	}
	if p.Temperature != nil {
		params.Temperature = openai.Float(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = openai.Float(*p.TopP)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range p.Messages {
		switch msg.Role {
		case wire.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Text()))
		case wire.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Text()))
		case wire.RoleTool:
			for _, part := range msg.Content {
				if part.Kind == wire.ContentToolResult && part.ToolResult != nil {
					messages = append(messages, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ToolCallID))
				}
			}
		case wire.RoleAssistant:
			messages = append(messages, sdkAssistantMessage(msg))
		}
	}
	params.Messages = messages

	if len(p.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(p.Tools))
		for _, tool := range p.Tools {
			var schema map[string]any
			if len(tool.Parameters) > 0 {
				if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
					return params, fmt.Errorf("tool %s has invalid parameters: %w", tool.Name, err)
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func sdkAssistantMessage(msg wire.Message) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, call := range msg.ToolCalls() {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}

	text := msg.Text()
	if len(toolCalls) > 0 {
		asst := openai.ChatCompletionAssistantMessageParam{
			Role:      "assistant",
			ToolCalls: toolCalls,
		}
		if text != "" {
			asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: openai.String(text),
			}
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
	return openai.AssistantMessage(text)
}
