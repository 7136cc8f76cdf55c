// ABOUTME: Codec for the Anthropic messages dialect.
// ABOUTME: Decodes wire bodies into the unified Prompt/Completion forms and encodes them back out.

package wire

import (
	"encoding/json"
	"fmt"
)

// max_tokens is required by the messages API; applied when the unified
// form carries no budget.
const anthropicDefaultMaxTokens = 4096

type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	Messages      []anthropicMessage   `json:"messages"`
	System        anthropicSystem      `json:"system,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Metadata      *anthropicMetadata   `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content anthropicContent `json:"content"`
}

// anthropicSystem accepts both the string form and the block array form.
type anthropicSystem string

func (s *anthropicSystem) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = anthropicSystem(text)
		return nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var text string
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	*s = anthropicSystem(text)
	return nil
}

func (s anthropicSystem) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// anthropicContent accepts both the string form and the block array form.
type anthropicContent struct {
	Text     string
	Blocks   []anthropicBlock
	IsBlocks bool
}

func (c *anthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	c.IsBlocks = true
	return json.Unmarshal(data, &c.Blocks)
}

func (c anthropicContent) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Signature string           `json:"signature,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool", "none"
	Name string `json:"name,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

func decodeAnthropicPrompt(raw []byte) (*Prompt, error) {
	var req anthropicRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parsing messages request: %w", err)
	}

	p := &Prompt{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		p.MaxTokens = IntPtr(req.MaxTokens)
	}
	if req.Metadata != nil {
		p.User = req.Metadata.UserID
	}

	if req.System != "" {
		p.Messages = append(p.Messages, SystemMessage(string(req.System)))
	}
	for _, m := range req.Messages {
		p.Messages = append(p.Messages, decodeAnthropicMessage(m))
	}

	for _, t := range req.Tools {
		p.Tools = append(p.Tools, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			p.ToolChoice = &ToolChoice{Mode: ToolChoiceAuto}
		case "any":
			p.ToolChoice = &ToolChoice{Mode: ToolChoiceRequired}
		case "none":
			p.ToolChoice = &ToolChoice{Mode: ToolChoiceNone}
		case "tool":
			p.ToolChoice = &ToolChoice{Mode: ToolChoiceNamed, Name: req.ToolChoice.Name}
		}
	}

	return p, nil
}

func decodeAnthropicMessage(m anthropicMessage) Message {
	msg := Message{Role: Role(m.Role)}

	if !m.Content.IsBlocks {
		if m.Content.Text != "" {
			msg.Content = append(msg.Content, TextPart(m.Content.Text))
		}
		return msg
	}

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			msg.Content = append(msg.Content, TextPart(b.Text))
		case "image":
			if b.Source != nil {
				img := &ImageData{MediaType: b.Source.MediaType, URL: b.Source.URL}
				if b.Source.Data != "" {
					img.Data = []byte(b.Source.Data)
				}
				msg.Content = append(msg.Content, ContentPart{Kind: ContentImage, Image: img})
			}
		case "tool_use":
			msg.Content = append(msg.Content, ToolCallPart(b.ID, b.Name, b.Input))
		case "tool_result":
			msg.Content = append(msg.Content, ToolResultPart(b.ToolUseID, anthropicToolResultText(b.Content), b.IsError))
		case "thinking":
			msg.Content = append(msg.Content, ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: b.Thinking, Signature: b.Signature}})
		}
	}
	return msg
}

// anthropicToolResultText flattens a tool_result content value, which may
// be a plain string or an array of text blocks.
func anthropicToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			return text
		}
		return ""
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func encodeAnthropicPrompt(p *Prompt) ([]byte, error) {
	system, rest := extractSystem(p.Messages)
	merged := mergeConsecutive(rest)

	req := anthropicRequest{
		Model:         p.Model,
		MaxTokens:     anthropicDefaultMaxTokens,
		System:        anthropicSystem(system),
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		StopSequences: p.Stop,
		Stream:        p.Stream,
	}
	if p.MaxTokens != nil {
		req.MaxTokens = *p.MaxTokens
	}
	if p.User != "" {
		req.Metadata = &anthropicMetadata{UserID: p.User}
	}

	for _, m := range merged {
		req.Messages = append(req.Messages, encodeAnthropicMessage(m))
	}

	// Tool choice "none" means the upstream should not see tools at all.
	if p.ToolChoice == nil || p.ToolChoice.Mode != ToolChoiceNone {
		for _, t := range p.Tools {
			req.Tools = append(req.Tools, anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters,
			})
		}
		if p.ToolChoice != nil {
			switch p.ToolChoice.Mode {
			case ToolChoiceAuto:
				req.ToolChoice = &anthropicToolChoice{Type: "auto"}
			case ToolChoiceRequired:
				req.ToolChoice = &anthropicToolChoice{Type: "any"}
			case ToolChoiceNamed:
				req.ToolChoice = &anthropicToolChoice{Type: "tool", Name: p.ToolChoice.Name}
			}
		}
	}

	return json.Marshal(req)
}

func encodeAnthropicMessage(m Message) anthropicMessage {
	role := "user"
	if m.Role == RoleAssistant {
		role = "assistant"
	}

	var blocks []anthropicBlock
	for _, p := range m.Content {
		switch p.Kind {
		case ContentText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case ContentImage:
			if p.Image != nil {
				src := &anthropicSource{}
				if p.Image.URL != "" {
					src.Type = "url"
					src.URL = p.Image.URL
				} else {
					src.Type = "base64"
					src.MediaType = p.Image.MediaType
					src.Data = string(p.Image.Data)
				}
				blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
			}
		case ContentToolCall:
			if p.ToolCall != nil {
				input := p.ToolCall.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: input})
			}
		case ContentToolResult:
			if p.ToolResult != nil {
				content, _ := json.Marshal(p.ToolResult.Content)
				blocks = append(blocks, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolCallID,
					Content:   content,
					IsError:   p.ToolResult.IsError,
				})
			}
		case ContentThinking:
			if p.Thinking != nil {
				blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: p.Thinking.Text, Signature: p.Thinking.Signature})
			}
		}
	}

	return anthropicMessage{Role: role, Content: anthropicContent{IsBlocks: true, Blocks: blocks}}
}

func decodeAnthropicCompletion(raw []byte) (*Completion, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing messages response: %w", err)
	}

	c := &Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: mapAnthropicStop(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.Usage.CacheCreationInputTokens > 0 {
		c.Usage.CacheWriteTokens = IntPtr(resp.Usage.CacheCreationInputTokens)
	}
	if resp.Usage.CacheReadInputTokens > 0 {
		c.Usage.CacheReadTokens = IntPtr(resp.Usage.CacheReadInputTokens)
	}

	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			c.Content = append(c.Content, TextPart(b.Text))
		case "tool_use":
			c.Content = append(c.Content, ToolCallPart(b.ID, b.Name, b.Input))
		case "thinking":
			c.Content = append(c.Content, ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: b.Thinking, Signature: b.Signature}})
		}
	}

	return c, nil
}

func encodeAnthropicCompletion(c *Completion) ([]byte, error) {
	resp := anthropicResponse{
		ID:         c.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      c.Model,
		StopReason: encodeAnthropicStop(c.FinishReason),
		Usage: anthropicUsage{
			InputTokens:  c.Usage.InputTokens,
			OutputTokens: c.Usage.OutputTokens,
		},
	}

	for _, p := range c.Content {
		switch p.Kind {
		case ContentText:
			resp.Content = append(resp.Content, anthropicBlock{Type: "text", Text: p.Text})
		case ContentToolCall:
			if p.ToolCall != nil {
				input := p.ToolCall.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				resp.Content = append(resp.Content, anthropicBlock{Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: input})
			}
		case ContentThinking:
			if p.Thinking != nil {
				resp.Content = append(resp.Content, anthropicBlock{Type: "thinking", Thinking: p.Thinking.Text, Signature: p.Thinking.Signature})
			}
		}
	}

	return json.Marshal(resp)
}

func mapAnthropicStop(reason string) FinishReason {
	var unified string
	switch reason {
	case "end_turn", "stop_sequence":
		unified = FinishStop
	case "max_tokens":
		unified = FinishLength
	case "tool_use":
		unified = FinishToolCalls
	default:
		unified = FinishOther
	}
	return FinishReason{Reason: unified, Raw: reason}
}

func encodeAnthropicStop(f FinishReason) string {
	switch f.Reason {
	case FinishStop:
		return "end_turn"
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	}
	if f.Raw != "" {
		return f.Raw
	}
	return "end_turn"
}

// extractSystem pulls system messages out of the conversation, joining
// their text with newlines. The messages dialect carries system text in a
// dedicated top-level field.
func extractSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			if text := m.Text(); text != "" {
				if system != "" {
					system += "\n"
				}
				system += text
			}
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// mergeConsecutive combines adjacent messages with the same role. The
// messages dialect rejects conversations that do not alternate roles.
func mergeConsecutive(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := []Message{{
		Role:    messages[0].Role,
		Content: append([]ContentPart(nil), messages[0].Content...),
		Name:    messages[0].Name,
	}}
	for _, m := range messages[1:] {
		last := &out[len(out)-1]
		if m.Role == last.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, Message{
			Role:    m.Role,
			Content: append([]ContentPart(nil), m.Content...),
			Name:    m.Name,
		})
	}
	return out
}
