// ABOUTME: Core data model for protocol dialects flowing through the gateway.
// ABOUTME: Defines the unified Prompt/Completion forms, content parts, and stream events shared by all stages.

package wire

import (
	"encoding/json"
)

// Dialect identifies a chat-completion wire protocol.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectUnknown   Dialect = "unknown"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the variants of a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ImageData holds image content by URL or as raw bytes.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCallData is a model-initiated tool invocation.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultData carries the outcome of a tool call back to the model.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ThinkingData holds model reasoning content.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is one piece of message content. The Kind field selects
// which data field is populated.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

// TextPart builds a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart builds a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args}}
}

// ToolResultPart builds a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError}}
}

// Message is one turn of conversation in the unified form.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns all tool call parts of the message.
func (m Message) ToolCalls() []ToolCallData {
	var calls []ToolCallData
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// SystemMessage builds a system message with plain text.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage builds a user message with plain text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage builds an assistant message with plain text.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

// ToolChoice controls whether and how the model may call tools.
type ToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"` // set when Mode is "named"
}

// Unified finish reasons. Raw preserves the provider's own value.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishOther         = "other"
)

// FinishReason reports why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token accounting for one exchange.
type Usage struct {
	InputTokens      int  `json:"input_tokens"`
	OutputTokens     int  `json:"output_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CacheReadTokens  *int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

// Add returns the sum of two Usage values.
func (u Usage) Add(other Usage) Usage {
	out := Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
	out.CacheReadTokens = addOptional(u.CacheReadTokens, other.CacheReadTokens)
	out.CacheWriteTokens = addOptional(u.CacheWriteTokens, other.CacheWriteTokens)
	return out
}

func addOptional(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	v := 0
	if a != nil {
		v += *a
	}
	if b != nil {
		v += *b
	}
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }

// Prompt is the dialect-neutral form of a chat-completion request.
// Dialect codecs decode their wire shape into a Prompt and encode a
// Prompt back out, which is what makes protocol switching a two-codec
// problem instead of a translator per dialect pair.
type Prompt struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	User        string           `json:"user,omitempty"`
}

// Completion is the dialect-neutral form of a buffered model response.
type Completion struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Content      []ContentPart `json:"content"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
}

// Text returns the concatenated text content of the completion.
func (c Completion) Text() string {
	var out string
	for _, p := range c.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	StreamStart         StreamEventType = "start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolStart     StreamEventType = "tool_start"
	StreamToolDelta     StreamEventType = "tool_delta"
	StreamToolEnd       StreamEventType = "tool_end"
	StreamFinish        StreamEventType = "finish"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one unit of a streamed response in dialect-neutral form.
// A well-formed stream is Start, any number of delta events, then exactly
// one Finish. Errors terminate the stream in place of Finish.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	ID           string          `json:"id,omitempty"`    // on Start
	Model        string          `json:"model,omitempty"` // on Start
	Delta        string          `json:"delta,omitempty"` // text, thinking, or tool-argument fragment
	Index        int             `json:"index,omitempty"` // tool slot the delta belongs to
	ToolID       string          `json:"tool_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}
