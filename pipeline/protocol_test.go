// ABOUTME: Tests for the protocol stage's dialect translation on both directions.
// ABOUTME: Verifies client dialect capture and same-dialect passthrough.

package pipeline

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/2389-research/relay/wire"
)

func TestProtocolStageTranslatesDown(t *testing.T) {
	stage := NewProtocolStage(wire.DialectAnthropic, nil)
	ec := &ExecContext{}
	req := wire.NewRequest(wire.DialectOpenAI, []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 64
	}`))

	out, err := stage.Process(context.Background(), ec, req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Dialect != wire.DialectAnthropic {
		t.Fatalf("out dialect = %s", out.Dialect)
	}
	if ec.ClientDialect != wire.DialectOpenAI {
		t.Errorf("ClientDialect = %s, want openai", ec.ClientDialect)
	}
	if got := gjson.GetBytes(out.Raw, "system").String(); got != "be brief" {
		t.Errorf("system = %q, want hoisted system prompt", got)
	}
	if got := gjson.GetBytes(out.Raw, "messages.#").Int(); got != 1 {
		t.Errorf("messages length = %d, want 1 after hoisting system", got)
	}
}

func TestProtocolStageTranslatesBack(t *testing.T) {
	stage := NewProtocolStage(wire.DialectAnthropic, nil)
	ec := &ExecContext{ClientDialect: wire.DialectOpenAI}
	resp := wire.Response{
		Dialect: wire.DialectAnthropic,
		Status:  200,
		Raw: []byte(`{
			"id": "msg_1",
			"model": "claude-sonnet-4",
			"role": "assistant",
			"content": [{"type": "text", "text": "hello"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`),
	}

	out, err := stage.ProcessResponse(context.Background(), ec, resp)
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if out.Dialect != wire.DialectOpenAI {
		t.Fatalf("out dialect = %s", out.Dialect)
	}
	if got := gjson.GetBytes(out.Raw, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	if got := gjson.GetBytes(out.Raw, "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.GetBytes(out.Raw, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
}

func TestProtocolStageSameDialectPassthrough(t *testing.T) {
	stage := NewProtocolStage(wire.DialectOpenAI, nil)
	ec := &ExecContext{}
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"seed":7}`)

	out, err := stage.Process(context.Background(), ec, wire.NewRequest(wire.DialectOpenAI, body))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(out.Raw) != string(body) {
		t.Errorf("same-dialect body changed:\n got %s\nwant %s", out.Raw, body)
	}
}
