// ABOUTME: Tagged request/response payloads that flow through pipeline stages.
// ABOUTME: Raw bytes stay authoritative; typed decoding and dialect translation happen on demand.

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Request is the tagged request payload flowing down a stage chain.
// Raw holds the authoritative body encoded in Dialect. Transformations
// return a new Request; the original is never mutated.
type Request struct {
	Dialect Dialect
	Raw     json.RawMessage
}

// NewRequest tags a raw body with its dialect.
func NewRequest(dialect Dialect, body []byte) Request {
	return Request{Dialect: dialect, Raw: body}
}

// Model returns the model field of the body, or "" when absent.
func (r Request) Model() string {
	return gjson.GetBytes(r.Raw, "model").String()
}

// Streaming reports whether the body requests a streamed response.
func (r Request) Streaming() bool {
	return gjson.GetBytes(r.Raw, "stream").Bool()
}

// WithModel returns a copy of the request with the model field replaced.
func (r Request) WithModel(model string) (Request, error) {
	raw, err := sjson.SetBytes(r.Raw, "model", model)
	if err != nil {
		return Request{}, fmt.Errorf("setting model: %w", err)
	}
	return Request{Dialect: r.Dialect, Raw: raw}, nil
}

// WithStream returns a copy of the request with the stream flag replaced.
// Turning streaming off deletes the field rather than writing false.
func (r Request) WithStream(on bool) (Request, error) {
	if !on {
		raw, err := sjson.DeleteBytes(r.Raw, "stream")
		if err != nil {
			return Request{}, fmt.Errorf("clearing stream flag: %w", err)
		}
		return Request{Dialect: r.Dialect, Raw: raw}, nil
	}
	raw, err := sjson.SetBytes(r.Raw, "stream", true)
	if err != nil {
		return Request{}, fmt.Errorf("setting stream flag: %w", err)
	}
	return Request{Dialect: r.Dialect, Raw: raw}, nil
}

// Decode parses the raw body into the dialect-neutral Prompt form.
func (r Request) Decode() (*Prompt, error) {
	switch r.Dialect {
	case DialectOpenAI:
		return decodeOpenAIPrompt(r.Raw)
	case DialectAnthropic:
		return decodeAnthropicPrompt(r.Raw)
	default:
		return nil, fmt.Errorf("cannot decode %q dialect body", r.Dialect)
	}
}

// Translate re-encodes the request in another dialect. Translating to the
// request's own dialect returns it untouched, preserving fields the
// unified form does not model.
func (r Request) Translate(to Dialect) (Request, error) {
	if to == r.Dialect {
		return r, nil
	}
	prompt, err := r.Decode()
	if err != nil {
		return Request{}, fmt.Errorf("decoding %s request: %w", r.Dialect, err)
	}
	raw, err := EncodePrompt(to, prompt)
	if err != nil {
		return Request{}, err
	}
	return Request{Dialect: to, Raw: raw}, nil
}

// EncodePrompt renders a Prompt in the given dialect.
func EncodePrompt(dialect Dialect, p *Prompt) ([]byte, error) {
	switch dialect {
	case DialectOpenAI:
		return encodeOpenAIPrompt(p)
	case DialectAnthropic:
		return encodeAnthropicPrompt(p)
	default:
		return nil, fmt.Errorf("cannot encode %q dialect body", dialect)
	}
}

// Response is the tagged response payload on the way back up a stage chain.
// Exactly one of Raw (buffered) or Events (streaming) is populated.
type Response struct {
	Dialect Dialect
	Status  int
	Raw     json.RawMessage
	Events  <-chan StreamEvent
}

// Streaming reports whether the response arrives as a stream of events.
func (r Response) Streaming() bool {
	return r.Events != nil
}

// Decode parses a buffered body into the dialect-neutral Completion form.
func (r Response) Decode() (*Completion, error) {
	if r.Streaming() {
		return nil, fmt.Errorf("cannot decode a streaming response; drain it first")
	}
	switch r.Dialect {
	case DialectOpenAI:
		return decodeOpenAICompletion(r.Raw)
	case DialectAnthropic:
		return decodeAnthropicCompletion(r.Raw)
	default:
		return nil, fmt.Errorf("cannot decode %q dialect body", r.Dialect)
	}
}

// Translate re-encodes a buffered response in another dialect. Streaming
// responses carry dialect-neutral events, so only the tag changes.
func (r Response) Translate(to Dialect) (Response, error) {
	if to == r.Dialect {
		return r, nil
	}
	if r.Streaming() {
		return Response{Dialect: to, Status: r.Status, Events: r.Events}, nil
	}
	completion, err := r.Decode()
	if err != nil {
		return Response{}, fmt.Errorf("decoding %s response: %w", r.Dialect, err)
	}
	raw, err := EncodeCompletion(to, completion)
	if err != nil {
		return Response{}, err
	}
	return Response{Dialect: to, Status: r.Status, Raw: raw}, nil
}

// EncodeCompletion renders a Completion in the given dialect.
func EncodeCompletion(dialect Dialect, c *Completion) ([]byte, error) {
	switch dialect {
	case DialectOpenAI:
		return encodeOpenAICompletion(c)
	case DialectAnthropic:
		return encodeAnthropicCompletion(c)
	default:
		return nil, fmt.Errorf("cannot encode %q dialect body", dialect)
	}
}

// Usage returns token accounting parsed from a buffered body.
func (r Response) Usage() (Usage, bool) {
	if r.Streaming() || len(r.Raw) == 0 {
		return Usage{}, false
	}
	u := gjson.GetBytes(r.Raw, "usage")
	if !u.Exists() {
		return Usage{}, false
	}
	switch r.Dialect {
	case DialectOpenAI:
		return Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:  int(u.Get("total_tokens").Int()),
		}, true
	case DialectAnthropic:
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}, true
	default:
		return Usage{}, false
	}
}

// DialectForPath maps a request path to the dialect it speaks.
func DialectForPath(path string) Dialect {
	switch path {
	case "/v1/chat/completions", "/chat/completions":
		return DialectOpenAI
	case "/v1/messages", "/messages":
		return DialectAnthropic
	default:
		return DialectUnknown
	}
}
