// ABOUTME: Codec for the OpenAI chat-completions dialect.
// ABOUTME: Decodes wire bodies into the unified Prompt/Completion forms and encodes them back out.

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire shapes for /v1/chat/completions. Fields the gateway never inspects
// survive untouched inside Raw; these structs cover the mappable subset.

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Stop                openaiStop      `json:"stop,omitempty"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	User                string          `json:"user,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    openaiContent    `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// openaiContent accepts both the string form and the content-part array form.
type openaiContent struct {
	Text    string
	Parts   []openaiContentPart
	IsParts bool
}

func (c *openaiContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	c.IsParts = true
	return json.Unmarshal(data, &c.Parts)
}

func (c openaiContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

type openaiContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"` // present in stream deltas
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// openaiStop accepts both a single string and an array of strings.
type openaiStop []string

func (s *openaiStop) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = openaiStop{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = openaiStop(many)
	return nil
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openaiChunkChoice `json:"choices"`
	Usage   *openaiUsage        `json:"usage,omitempty"`
}

type openaiChunkChoice struct {
	Index        int         `json:"index"`
	Delta        openaiDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openaiDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

func decodeOpenAIPrompt(raw []byte) (*Prompt, error) {
	var req openaiRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parsing chat-completions request: %w", err)
	}

	p := &Prompt{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        []string(req.Stop),
		User:        req.User,
	}
	// Newer models take max_completion_tokens; both mean the same budget here.
	if req.MaxCompletionTokens != nil {
		p.MaxTokens = req.MaxCompletionTokens
	} else {
		p.MaxTokens = req.MaxTokens
	}

	for _, m := range req.Messages {
		p.Messages = append(p.Messages, decodeOpenAIMessage(m))
	}

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		p.Tools = append(p.Tools, ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	p.ToolChoice = decodeOpenAIToolChoice(req.ToolChoice)
	return p, nil
}

func decodeOpenAIMessage(m openaiMessage) Message {
	role := Role(m.Role)
	if m.Role == "developer" {
		role = RoleSystem
	}

	msg := Message{Role: role, Name: m.Name, ToolCallID: m.ToolCallID}

	if role == RoleTool {
		msg.Content = []ContentPart{ToolResultPart(m.ToolCallID, openaiContentText(m.Content), false)}
		return msg
	}

	if m.Content.IsParts {
		for _, part := range m.Content.Parts {
			switch part.Type {
			case "text":
				msg.Content = append(msg.Content, TextPart(part.Text))
			case "image_url":
				if part.ImageURL != nil {
					msg.Content = append(msg.Content, ContentPart{Kind: ContentImage, Image: &ImageData{URL: part.ImageURL.URL}})
				}
			}
		}
	} else if m.Content.Text != "" {
		msg.Content = append(msg.Content, TextPart(m.Content.Text))
	}

	for _, tc := range m.ToolCalls {
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	return msg
}

func openaiContentText(c openaiContent) string {
	if !c.IsParts {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

func decodeOpenAIToolChoice(raw json.RawMessage) *ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &ToolChoice{Mode: ToolChoiceAuto}
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}
		case "required":
			return &ToolChoice{Mode: ToolChoiceRequired}
		}
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &ToolChoice{Mode: ToolChoiceNamed, Name: named.Function.Name}
	}
	return nil
}

func encodeOpenAIPrompt(p *Prompt) ([]byte, error) {
	req := openaiRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Stream:      p.Stream,
		Stop:        openaiStop(p.Stop),
		User:        p.User,
	}

	for _, m := range p.Messages {
		req.Messages = append(req.Messages, encodeOpenAIMessages(m)...)
	}

	for _, t := range p.Tools {
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if tc := encodeOpenAIToolChoice(p.ToolChoice); tc != nil {
		req.ToolChoice = tc
	}

	return json.Marshal(req)
}

// encodeOpenAIMessages renders one unified message as one or more wire
// messages. Tool results each become their own tool-role message.
func encodeOpenAIMessages(m Message) []openaiMessage {
	var out []openaiMessage

	var text string
	var images []openaiContentPart
	var toolCalls []openaiToolCall
	for _, p := range m.Content {
		switch p.Kind {
		case ContentText:
			text += p.Text
		case ContentImage:
			if p.Image != nil {
				images = append(images, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: p.Image.URL}})
			}
		case ContentToolCall:
			if p.ToolCall != nil {
				toolCalls = append(toolCalls, openaiToolCall{
					ID:   p.ToolCall.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      p.ToolCall.Name,
						Arguments: string(p.ToolCall.Arguments),
					},
				})
			}
		case ContentToolResult:
			if p.ToolResult != nil {
				out = append(out, openaiMessage{
					Role:       "tool",
					ToolCallID: p.ToolResult.ToolCallID,
					Content:    openaiContent{Text: p.ToolResult.Content},
				})
			}
		}
	}

	if m.Role == RoleTool {
		// Tool results were already emitted above.
		return out
	}

	msg := openaiMessage{Role: string(m.Role), Name: m.Name, ToolCalls: toolCalls}
	if len(images) > 0 {
		parts := []openaiContentPart{}
		if text != "" {
			parts = append(parts, openaiContentPart{Type: "text", Text: text})
		}
		parts = append(parts, images...)
		msg.Content = openaiContent{IsParts: true, Parts: parts}
	} else {
		msg.Content = openaiContent{Text: text}
	}

	return append([]openaiMessage{msg}, out...)
}

func encodeOpenAIToolChoice(tc *ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case ToolChoiceRequired:
		return json.RawMessage(`"required"`)
	case ToolChoiceNamed:
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return raw
	}
	return nil
}

func decodeOpenAICompletion(raw []byte) (*Completion, error) {
	var resp openaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing chat-completions response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat-completions response has no choices")
	}

	choice := resp.Choices[0]
	c := &Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: mapOpenAIFinish(choice.FinishReason),
	}

	if text := openaiContentText(choice.Message.Content); text != "" {
		c.Content = append(c.Content, TextPart(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		c.Content = append(c.Content, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	if resp.Usage != nil {
		c.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	return c, nil
}

func encodeOpenAICompletion(c *Completion) ([]byte, error) {
	msg := openaiMessage{Role: "assistant"}
	var text string
	for _, p := range c.Content {
		switch p.Kind {
		case ContentText:
			text += p.Text
		case ContentToolCall:
			if p.ToolCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:   p.ToolCall.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      p.ToolCall.Name,
						Arguments: string(p.ToolCall.Arguments),
					},
				})
			}
		}
	}
	msg.Content = openaiContent{Text: text}

	resp := openaiResponse{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   c.Model,
		Choices: []openaiChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: encodeOpenAIFinish(c.FinishReason),
		}},
		Usage: &openaiUsage{
			PromptTokens:     c.Usage.InputTokens,
			CompletionTokens: c.Usage.OutputTokens,
			TotalTokens:      c.Usage.TotalTokens,
		},
	}
	return json.Marshal(resp)
}

func mapOpenAIFinish(raw string) FinishReason {
	var unified string
	switch raw {
	case "stop":
		unified = FinishStop
	case "length":
		unified = FinishLength
	case "tool_calls", "function_call":
		unified = FinishToolCalls
	case "content_filter":
		unified = FinishContentFilter
	default:
		unified = FinishOther
	}
	return FinishReason{Reason: unified, Raw: raw}
}

func encodeOpenAIFinish(f FinishReason) string {
	switch f.Reason {
	case FinishStop:
		return "stop"
	case FinishLength:
		return "length"
	case FinishToolCalls:
		return "tool_calls"
	case FinishContentFilter:
		return "content_filter"
	}
	if f.Raw != "" {
		return f.Raw
	}
	return "stop"
}
