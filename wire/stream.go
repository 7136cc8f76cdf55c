// ABOUTME: Stream parsing and encoding between dialect SSE frames and unified stream events.
// ABOUTME: Parsers stash the finish so Finish is always the last non-error event and carries final usage.

package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389-research/relay/wire/sse"
)

// StreamParser turns one dialect's SSE events into unified stream events.
//
// Parsers buffer the upstream finish signal and emit a single StreamFinish,
// carrying final usage, when the stream terminates. Callers must invoke
// Close after the last SSE event so a stream that ends without an explicit
// terminator still produces its Finish.
type StreamParser interface {
	Parse(ev sse.Event) ([]StreamEvent, error)
	Close() []StreamEvent
}

// NewStreamParser returns the parser for the given dialect.
func NewStreamParser(d Dialect) (StreamParser, error) {
	switch d {
	case DialectOpenAI:
		return &openaiStreamParser{openTool: -1}, nil
	case DialectAnthropic:
		return &anthropicStreamParser{blockTypes: make(map[int]string)}, nil
	}
	return nil, fmt.Errorf("no stream parser for dialect %q", d)
}

// Frame is one outgoing SSE frame. An empty Event means a bare data frame.
type Frame struct {
	Event string
	Data  string
}

// StreamEncoder turns unified stream events into one dialect's SSE frames.
// StreamError events are not encoded; the transport layer owns error frames.
type StreamEncoder interface {
	Encode(ev StreamEvent) ([]Frame, error)
}

// NewStreamEncoder returns the encoder for the given dialect.
func NewStreamEncoder(d Dialect) (StreamEncoder, error) {
	switch d {
	case DialectOpenAI:
		return &openaiStreamEncoder{created: time.Now().Unix()}, nil
	case DialectAnthropic:
		return &anthropicStreamEncoder{openIndex: -1}, nil
	}
	return nil, fmt.Errorf("no stream encoder for dialect %q", d)
}

// openaiStreamParser reads chat.completion.chunk frames. The finish_reason
// chunk and the trailing usage-only chunk are both stashed and folded into
// the Finish emitted at [DONE].
type openaiStreamParser struct {
	started  bool
	done     bool
	openTool int
	finish   *FinishReason
	usage    *Usage
}

func (p *openaiStreamParser) Parse(ev sse.Event) ([]StreamEvent, error) {
	if p.done {
		return nil, nil
	}
	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return nil, nil
	}
	if data == "[DONE]" {
		p.done = true
		return p.finishEvents(), nil
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("parsing completion chunk: %w", err)
	}

	var events []StreamEvent
	if !p.started {
		p.started = true
		events = append(events, StreamEvent{Type: StreamStart, ID: chunk.ID, Model: chunk.Model})
	}
	if chunk.Usage != nil {
		p.usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		// Single-completion streams only; parallel choices are not routed.
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			events = append(events, StreamEvent{Type: StreamTextDelta, Delta: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" && idx != p.openTool {
				if p.openTool >= 0 {
					events = append(events, StreamEvent{Type: StreamToolEnd, Index: p.openTool})
				}
				p.openTool = idx
				events = append(events, StreamEvent{Type: StreamToolStart, Index: idx, ToolID: tc.ID, ToolName: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				events = append(events, StreamEvent{Type: StreamToolDelta, Index: idx, Delta: tc.Function.Arguments})
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			f := mapOpenAIFinish(*choice.FinishReason)
			p.finish = &f
			if p.openTool >= 0 {
				events = append(events, StreamEvent{Type: StreamToolEnd, Index: p.openTool})
				p.openTool = -1
			}
		}
	}
	return events, nil
}

func (p *openaiStreamParser) Close() []StreamEvent {
	if p.done || !p.started {
		return nil
	}
	p.done = true
	return p.finishEvents()
}

func (p *openaiStreamParser) finishEvents() []StreamEvent {
	var events []StreamEvent
	if p.openTool >= 0 {
		events = append(events, StreamEvent{Type: StreamToolEnd, Index: p.openTool})
		p.openTool = -1
	}
	finish := FinishReason{Reason: FinishStop, Raw: "stop"}
	if p.finish != nil {
		finish = *p.finish
	}
	return append(events, StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: p.usage})
}

type anthropicStreamEnvelope struct {
	Type         string                  `json:"type"`
	Message      *anthropicStreamMessage `json:"message,omitempty"`
	Index        *int                    `json:"index,omitempty"`
	ContentBlock *anthropicBlock         `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
	Error        *anthropicErrorDetail   `json:"error,omitempty"`
}

type anthropicStreamMessage struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Role    string           `json:"role"`
	Model   string           `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   anthropicUsage   `json:"usage"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamParser reads messages-API stream envelopes. Block types
// are tracked by index so deltas and stops land on the right unified event.
type anthropicStreamParser struct {
	started    bool
	done       bool
	blockTypes map[int]string
	finish     *FinishReason
	usage      Usage
	hasUsage   bool
}

func (p *anthropicStreamParser) Parse(ev sse.Event) ([]StreamEvent, error) {
	if p.done {
		return nil, nil
	}
	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return nil, nil
	}

	var env anthropicStreamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("parsing messages stream event: %w", err)
	}
	idx := 0
	if env.Index != nil {
		idx = *env.Index
	}

	switch env.Type {
	case "message_start":
		p.started = true
		start := StreamEvent{Type: StreamStart}
		if env.Message != nil {
			start.ID = env.Message.ID
			start.Model = env.Message.Model
			if env.Message.Usage.InputTokens > 0 {
				p.usage.InputTokens = env.Message.Usage.InputTokens
				p.hasUsage = true
				start.Usage = &Usage{InputTokens: env.Message.Usage.InputTokens}
			}
		}
		return []StreamEvent{start}, nil

	case "content_block_start":
		if env.ContentBlock == nil {
			return nil, nil
		}
		p.blockTypes[idx] = env.ContentBlock.Type
		if env.ContentBlock.Type == "tool_use" {
			return []StreamEvent{{Type: StreamToolStart, Index: idx, ToolID: env.ContentBlock.ID, ToolName: env.ContentBlock.Name}}, nil
		}
		return nil, nil

	case "content_block_delta":
		if env.Delta == nil {
			return nil, nil
		}
		switch env.Delta.Type {
		case "text_delta":
			return []StreamEvent{{Type: StreamTextDelta, Index: idx, Delta: env.Delta.Text}}, nil
		case "input_json_delta":
			return []StreamEvent{{Type: StreamToolDelta, Index: idx, Delta: env.Delta.PartialJSON}}, nil
		case "thinking_delta":
			return []StreamEvent{{Type: StreamThinkingDelta, Index: idx, Delta: env.Delta.Thinking}}, nil
		}
		return nil, nil

	case "content_block_stop":
		if p.blockTypes[idx] == "tool_use" {
			return []StreamEvent{{Type: StreamToolEnd, Index: idx}}, nil
		}
		return nil, nil

	case "message_delta":
		if env.Delta != nil && env.Delta.StopReason != "" {
			f := mapAnthropicStop(env.Delta.StopReason)
			p.finish = &f
		}
		if env.Usage != nil {
			p.usage.OutputTokens = env.Usage.OutputTokens
			p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens
			p.hasUsage = true
		}
		return nil, nil

	case "message_stop":
		p.done = true
		return []StreamEvent{p.finishEvent()}, nil

	case "error":
		msg := "upstream stream error"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return []StreamEvent{{Type: StreamError, Err: fmt.Errorf("%s", msg)}}, nil
	}
	// ping and unknown envelope types carry nothing.
	return nil, nil
}

func (p *anthropicStreamParser) Close() []StreamEvent {
	if p.done || !p.started {
		return nil
	}
	p.done = true
	return []StreamEvent{p.finishEvent()}
}

func (p *anthropicStreamParser) finishEvent() StreamEvent {
	finish := FinishReason{Reason: FinishStop, Raw: "end_turn"}
	if p.finish != nil {
		finish = *p.finish
	}
	ev := StreamEvent{Type: StreamFinish, FinishReason: &finish}
	if p.hasUsage {
		u := p.usage
		ev.Usage = &u
	}
	return ev
}

// openaiStreamEncoder writes chat.completion.chunk frames and terminates
// with a [DONE] frame.
type openaiStreamEncoder struct {
	id      string
	model   string
	created int64
}

func (e *openaiStreamEncoder) Encode(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case StreamStart:
		e.id = ev.ID
		e.model = ev.Model
		frame, err := e.chunk(openaiDelta{Role: "assistant"}, nil, nil)
		if err != nil {
			return nil, err
		}
		return []Frame{frame}, nil

	case StreamTextDelta:
		frame, err := e.chunk(openaiDelta{Content: ev.Delta}, nil, nil)
		if err != nil {
			return nil, err
		}
		return []Frame{frame}, nil

	case StreamToolStart:
		idx := ev.Index
		call := openaiToolCall{Index: &idx, ID: ev.ToolID, Type: "function", Function: openaiFunctionCall{Name: ev.ToolName}}
		frame, err := e.chunk(openaiDelta{ToolCalls: []openaiToolCall{call}}, nil, nil)
		if err != nil {
			return nil, err
		}
		return []Frame{frame}, nil

	case StreamToolDelta:
		idx := ev.Index
		call := openaiToolCall{Index: &idx, Function: openaiFunctionCall{Arguments: ev.Delta}}
		frame, err := e.chunk(openaiDelta{ToolCalls: []openaiToolCall{call}}, nil, nil)
		if err != nil {
			return nil, err
		}
		return []Frame{frame}, nil

	case StreamFinish:
		finish := "stop"
		if ev.FinishReason != nil {
			finish = encodeOpenAIFinish(*ev.FinishReason)
		}
		frames := make([]Frame, 0, 3)
		frame, err := e.chunk(openaiDelta{}, &finish, nil)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		if ev.Usage != nil {
			usage := &openaiUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.TotalTokens,
			}
			raw, err := json.Marshal(openaiChunk{
				ID:      e.id,
				Object:  "chat.completion.chunk",
				Created: e.created,
				Model:   e.model,
				Choices: []openaiChunkChoice{},
				Usage:   usage,
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, Frame{Data: string(raw)})
		}
		return append(frames, Frame{Data: "[DONE]"}), nil
	}
	// Thinking deltas, tool ends, and errors have no chunk representation.
	return nil, nil
}

func (e *openaiStreamEncoder) chunk(delta openaiDelta, finish *string, usage *openaiUsage) (Frame, error) {
	raw, err := json.Marshal(openaiChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openaiChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: string(raw)}, nil
}

// anthropicStreamEncoder writes messages-API stream envelopes, synthesizing
// content_block_start/stop bracketing as unified deltas arrive.
type anthropicStreamEncoder struct {
	id        string
	model     string
	openIndex int
	openType  string
	nextIndex int
	inputToks int
}

func (e *anthropicStreamEncoder) Encode(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case StreamStart:
		e.id = ev.ID
		e.model = ev.Model
		if ev.Usage != nil {
			e.inputToks = ev.Usage.InputTokens
		}
		return e.frames(anthropicStreamEnvelope{
			Type: "message_start",
			Message: &anthropicStreamMessage{
				ID:      ev.ID,
				Type:    "message",
				Role:    "assistant",
				Model:   ev.Model,
				Content: []anthropicBlock{},
				Usage:   anthropicUsage{InputTokens: e.inputToks},
			},
		})

	case StreamTextDelta:
		frames, err := e.ensureBlock("text", anthropicBlock{Type: "text"})
		if err != nil {
			return nil, err
		}
		return e.appendFrame(frames, anthropicStreamEnvelope{
			Type:  "content_block_delta",
			Index: IntPtr(e.openIndex),
			Delta: &anthropicStreamDelta{Type: "text_delta", Text: ev.Delta},
		})

	case StreamThinkingDelta:
		frames, err := e.ensureBlock("thinking", anthropicBlock{Type: "thinking"})
		if err != nil {
			return nil, err
		}
		return e.appendFrame(frames, anthropicStreamEnvelope{
			Type:  "content_block_delta",
			Index: IntPtr(e.openIndex),
			Delta: &anthropicStreamDelta{Type: "thinking_delta", Thinking: ev.Delta},
		})

	case StreamToolStart:
		frames, err := e.closeBlock(nil)
		if err != nil {
			return nil, err
		}
		e.openIndex = e.nextIndex
		e.openType = "tool_use"
		e.nextIndex++
		return e.appendFrame(frames, anthropicStreamEnvelope{
			Type:         "content_block_start",
			Index:        IntPtr(e.openIndex),
			ContentBlock: &anthropicBlock{Type: "tool_use", ID: ev.ToolID, Name: ev.ToolName, Input: json.RawMessage(`{}`)},
		})

	case StreamToolDelta:
		if e.openType != "tool_use" {
			return nil, nil
		}
		return e.frames(anthropicStreamEnvelope{
			Type:  "content_block_delta",
			Index: IntPtr(e.openIndex),
			Delta: &anthropicStreamDelta{Type: "input_json_delta", PartialJSON: ev.Delta},
		})

	case StreamToolEnd:
		return e.closeBlock(nil)

	case StreamFinish:
		frames, err := e.closeBlock(nil)
		if err != nil {
			return nil, err
		}
		stop := "end_turn"
		if ev.FinishReason != nil {
			stop = encodeAnthropicStop(*ev.FinishReason)
		}
		usage := &anthropicUsage{InputTokens: e.inputToks}
		if ev.Usage != nil {
			usage.InputTokens = ev.Usage.InputTokens
			usage.OutputTokens = ev.Usage.OutputTokens
		}
		frames, err = e.appendFrame(frames, anthropicStreamEnvelope{
			Type:  "message_delta",
			Delta: &anthropicStreamDelta{StopReason: stop},
			Usage: usage,
		})
		if err != nil {
			return nil, err
		}
		return e.appendFrame(frames, anthropicStreamEnvelope{Type: "message_stop"})
	}
	return nil, nil
}

// ensureBlock opens a block of the wanted type, closing any open block of a
// different type first.
func (e *anthropicStreamEncoder) ensureBlock(blockType string, block anthropicBlock) ([]Frame, error) {
	if e.openType == blockType {
		return nil, nil
	}
	frames, err := e.closeBlock(nil)
	if err != nil {
		return nil, err
	}
	e.openIndex = e.nextIndex
	e.openType = blockType
	e.nextIndex++
	return e.appendFrame(frames, anthropicStreamEnvelope{
		Type:         "content_block_start",
		Index:        IntPtr(e.openIndex),
		ContentBlock: &block,
	})
}

func (e *anthropicStreamEncoder) closeBlock(frames []Frame) ([]Frame, error) {
	if e.openType == "" {
		return frames, nil
	}
	frames, err := e.appendFrame(frames, anthropicStreamEnvelope{
		Type:  "content_block_stop",
		Index: IntPtr(e.openIndex),
	})
	if err != nil {
		return nil, err
	}
	e.openType = ""
	return frames, nil
}

func (e *anthropicStreamEncoder) frames(env anthropicStreamEnvelope) ([]Frame, error) {
	return e.appendFrame(nil, env)
}

func (e *anthropicStreamEncoder) appendFrame(frames []Frame, env anthropicStreamEnvelope) ([]Frame, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(frames, Frame{Event: env.Type, Data: string(raw)}), nil
}

// Accumulate folds a unified event sequence into a Completion. Part order
// follows the order regions opened in the stream.
func Accumulate(events []StreamEvent) (*Completion, error) {
	type accumPart struct {
		kind     ContentKind
		toolIdx  int
		toolID   string
		toolName string
		text     strings.Builder
	}

	c := &Completion{FinishReason: FinishReason{Reason: FinishStop, Raw: "stop"}}
	var parts []*accumPart

	tail := func(kind ContentKind) *accumPart {
		if len(parts) > 0 && parts[len(parts)-1].kind == kind {
			return parts[len(parts)-1]
		}
		p := &accumPart{kind: kind}
		parts = append(parts, p)
		return p
	}

	for _, ev := range events {
		switch ev.Type {
		case StreamStart:
			c.ID = ev.ID
			c.Model = ev.Model
		case StreamTextDelta:
			tail(ContentText).text.WriteString(ev.Delta)
		case StreamThinkingDelta:
			tail(ContentThinking).text.WriteString(ev.Delta)
		case StreamToolStart:
			parts = append(parts, &accumPart{kind: ContentToolCall, toolIdx: ev.Index, toolID: ev.ToolID, toolName: ev.ToolName})
		case StreamToolDelta:
			for i := len(parts) - 1; i >= 0; i-- {
				if parts[i].kind == ContentToolCall && parts[i].toolIdx == ev.Index {
					parts[i].text.WriteString(ev.Delta)
					break
				}
			}
		case StreamFinish:
			if ev.FinishReason != nil {
				c.FinishReason = *ev.FinishReason
			}
			if ev.Usage != nil {
				c.Usage = *ev.Usage
			}
		case StreamError:
			if ev.Err != nil {
				return nil, ev.Err
			}
			return nil, fmt.Errorf("stream terminated with an error event")
		}
	}

	for _, p := range parts {
		switch p.kind {
		case ContentText:
			c.Content = append(c.Content, TextPart(p.text.String()))
		case ContentThinking:
			c.Content = append(c.Content, ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: p.text.String()}})
		case ContentToolCall:
			args := p.text.String()
			if args == "" {
				args = "{}"
			}
			c.Content = append(c.Content, ToolCallPart(p.toolID, p.toolName, json.RawMessage(args)))
		}
	}
	return c, nil
}

// Synthesize expands a Completion into the unified event sequence a stream
// of it would have produced. Each part becomes a single delta.
func Synthesize(c *Completion) []StreamEvent {
	start := StreamEvent{Type: StreamStart, ID: c.ID, Model: c.Model}
	if c.Usage.InputTokens > 0 {
		start.Usage = &Usage{InputTokens: c.Usage.InputTokens}
	}
	events := []StreamEvent{start}

	toolIdx := 0
	for _, p := range c.Content {
		switch p.Kind {
		case ContentText:
			events = append(events, StreamEvent{Type: StreamTextDelta, Delta: p.Text})
		case ContentThinking:
			if p.Thinking != nil {
				events = append(events, StreamEvent{Type: StreamThinkingDelta, Delta: p.Thinking.Text})
			}
		case ContentToolCall:
			if p.ToolCall != nil {
				events = append(events,
					StreamEvent{Type: StreamToolStart, Index: toolIdx, ToolID: p.ToolCall.ID, ToolName: p.ToolCall.Name},
					StreamEvent{Type: StreamToolDelta, Index: toolIdx, Delta: string(p.ToolCall.Arguments)},
					StreamEvent{Type: StreamToolEnd, Index: toolIdx},
				)
				toolIdx++
			}
		}
	}

	finish := c.FinishReason
	usage := c.Usage
	return append(events, StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage})
}

// ErrorMessage extracts the human-readable message from an upstream error
// body. Both dialects nest it under error.message.
func ErrorMessage(body []byte) string {
	return gjson.GetBytes(body, "error.message").String()
}
