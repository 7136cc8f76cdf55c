// ABOUTME: Tests for error classification, strategy lookup, escalation, and backoff delays.
// ABOUTME: Covers the HTTP-status mapping table, raw network errors, and the history ring.

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/2389-research/relay/pipeline"
)

func upstreamErr(status int, body string) *pipeline.UpstreamError {
	return &pipeline.UpstreamError{Provider: "openai", Status: status, Body: []byte(body)}
}

func TestClassifyUpstreamStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  *pipeline.UpstreamError
		code int
	}{
		{"401 rotatable", upstreamErr(401, `{"error":{"message":"invalid api key"}}`), pipeline.CodeAuthFailed},
		{"403 denied", upstreamErr(403, `{"error":{"message":"no access to model"}}`), pipeline.CodePermissionDenied},
		{"403 suspended", upstreamErr(403, `{"error":{"message":"account suspended for abuse"}}`), pipeline.CodeAccountSuspended},
		{"408 timeout", upstreamErr(408, `{}`), pipeline.CodeExecutionTimeout},
		{"429 rate limit", upstreamErr(429, `{"error":{"message":"rate limit reached"}}`), pipeline.CodeRateLimitExceeded},
		{"429 quota", upstreamErr(429, `{"error":{"message":"monthly quota exceeded"}}`), pipeline.CodeQuotaExhausted},
		{"429 billing", upstreamErr(429, `{"error":{"message":"billing hard limit"}}`), pipeline.CodeQuotaExhausted},
		{"500", upstreamErr(500, `{}`), pipeline.CodeUpstreamServerError},
		{"502", upstreamErr(502, `{}`), pipeline.CodeUpstreamServerError},
		{"503", upstreamErr(503, `{}`), pipeline.CodeUpstreamServerError},
		{"400 validation", upstreamErr(400, `{"error":{"message":"max_tokens too large"}}`), pipeline.CodeRequestValidationFailed},
		{"404 model", upstreamErr(404, `{"error":{"message":"model not found"}}`), pipeline.CodeRequestValidationFailed},
		{"413 too large", upstreamErr(413, `{}`), pipeline.CodeRequestValidationFailed},
		{"422 unprocessable", upstreamErr(422, `{}`), pipeline.CodeRequestValidationFailed},
		{"418 other", upstreamErr(418, `{}`), pipeline.CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := Classify(tt.err)
			if perr.Code != tt.code {
				t.Fatalf("code = %d, want %d", perr.Code, tt.code)
			}
			if got := perr.Details["upstreamStatus"]; got != tt.err.Status {
				t.Fatalf("upstreamStatus detail = %v, want %d", got, tt.err.Status)
			}
			if got := perr.Details["provider"]; got != "openai" {
				t.Fatalf("provider detail = %v, want openai", got)
			}
		})
	}
}

func TestClassifyRefreshable401(t *testing.T) {
	ue := upstreamErr(401, `{"error":{"message":"token expired"}}`)
	ue.Refreshable = true
	if got := Classify(ue).Code; got != pipeline.CodeTokenExpired {
		t.Fatalf("refreshable 401 code = %d, want TOKEN_EXPIRED", got)
	}
}

func TestClassifyRetryAfterDetail(t *testing.T) {
	ue := upstreamErr(429, `{}`)
	ue.RetryAfter = 2 * time.Second
	ue.HasRetryAfter = true

	perr := Classify(ue)
	ra, ok := RetryAfter(perr)
	if !ok {
		t.Fatal("RetryAfter hint lost during classification")
	}
	if ra != 2*time.Second {
		t.Fatalf("RetryAfter = %v, want 2s", ra)
	}
}

func TestClassifyRawErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"deadline", context.DeadlineExceeded, pipeline.CodeExecutionTimeout},
		{"wrapped deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), pipeline.CodeExecutionTimeout},
		{"canceled", context.Canceled, pipeline.CodeExecutionCanceled},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, pipeline.CodeDNSLookupFailed},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, pipeline.CodeConnectionFailed},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, pipeline.CodeConnectionReset},
		{"broken pipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, pipeline.CodeConnectionReset},
		{"json syntax", &json.SyntaxError{Offset: 3}, pipeline.CodeResponseDecodeFailed},
		{"json type", &json.UnmarshalTypeError{Value: "string", Offset: 9}, pipeline.CodeResponseDecodeFailed},
		{"unknown", errors.New("weird"), pipeline.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Code; got != tt.code {
				t.Fatalf("code = %d, want %d", got, tt.code)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyNetTimeout(t *testing.T) {
	err := &net.OpError{Op: "read", Err: timeoutErr{}}
	if got := Classify(err).Code; got != pipeline.CodeExecutionTimeout {
		t.Fatalf("net timeout code = %d, want EXECUTION_TIMEOUT", got)
	}
}

func TestClassifyKeepsExistingCode(t *testing.T) {
	orig := pipeline.New(pipeline.CodeVirtualModelNotFound, "no such model")
	if got := Classify(orig); got != orig {
		t.Fatal("already-classified error was rewrapped")
	}
	wrapped := fmt.Errorf("outer: %w", orig)
	if got := Classify(wrapped).Code; got != pipeline.CodeVirtualModelNotFound {
		t.Fatalf("wrapped classified error code = %d, want original", got)
	}
}

func TestResolveUsesPerCodeStrategy(t *testing.T) {
	c := NewCenter(CenterConfig{})
	res := c.Resolve(upstreamErr(500, `{}`), &pipeline.ExecContext{}, nil)
	if res.Strategy.Action != ActionFailover {
		t.Fatalf("action = %s, want failover", res.Strategy.Action)
	}
	if res.Strategy.MaxRetries != 2 {
		t.Fatalf("maxRetries = %d, want 2", res.Strategy.MaxRetries)
	}
}

func TestResolveStrategyOverride(t *testing.T) {
	c := NewCenter(CenterConfig{Strategies: map[int]Strategy{
		pipeline.CodeUpstreamServerError: {Action: ActionSurface},
	}})
	res := c.Resolve(upstreamErr(500, `{}`), nil, nil)
	if res.Strategy.Action != ActionSurface {
		t.Fatalf("action = %s, want configured surface override", res.Strategy.Action)
	}
}

func TestResolveFallsBackToCategoryDefault(t *testing.T) {
	c := NewCenter(CenterConfig{})
	// 5002 has no per-code entry; Network category default applies.
	err := pipeline.New(pipeline.CodeConnectionReset, "reset by peer")
	res := c.Resolve(err, nil, nil)
	if res.Strategy.Action != ActionRetry {
		t.Fatalf("action = %s, want category-default retry", res.Strategy.Action)
	}
	if res.Strategy.MaxRetries != 3 {
		t.Fatalf("maxRetries = %d, want 3", res.Strategy.MaxRetries)
	}
}

func TestResolveUnknownCategorySurfaces(t *testing.T) {
	c := NewCenter(CenterConfig{})
	perr := pipeline.New(pipeline.CodeInternalError, "boom")
	perr.Category = "Mystery"
	res := c.Resolve(perr, nil, nil)
	if res.Strategy.Action != ActionSurface {
		t.Fatalf("action = %s, want surface for unknown category", res.Strategy.Action)
	}
}

func TestResolveFillsContextIdentity(t *testing.T) {
	c := NewCenter(CenterConfig{})
	ec := &pipeline.ExecContext{VirtualModelID: "vm-x", InstanceID: "inst-7"}
	res := c.Resolve(errors.New("raw"), ec, nil)
	if res.Err.VirtualModelID != "vm-x" || res.Err.InstanceID != "inst-7" {
		t.Fatalf("identity = %s/%s, want vm-x/inst-7", res.Err.VirtualModelID, res.Err.InstanceID)
	}
}

func TestResolveEscalatesAfterConsecutiveFailures(t *testing.T) {
	c := NewCenter(CenterConfig{EscalationThreshold: 3, EscalationDuration: 45 * time.Second})
	inst := schedInstance(t, pipeline.InstanceConfig{ID: "flaky"})
	for i := 0; i < 3; i++ {
		inst.RecordError()
	}

	res := c.Resolve(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, nil, inst)
	if res.Strategy.Action != ActionBlacklistTemporary {
		t.Fatalf("action = %s, want escalation to blacklist-temporary", res.Strategy.Action)
	}
	if res.Strategy.BlacklistDuration != 45*time.Second {
		t.Fatalf("blacklist duration = %v, want 45s", res.Strategy.BlacklistDuration)
	}
	if res.Strategy.SameInstance {
		t.Fatal("escalated strategy must not pin the failing instance")
	}
}

func TestResolveBelowThresholdKeepsRetry(t *testing.T) {
	c := NewCenter(CenterConfig{EscalationThreshold: 3})
	inst := schedInstance(t, pipeline.InstanceConfig{ID: "ok-ish"})
	inst.RecordError()
	inst.RecordError()

	res := c.Resolve(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, nil, inst)
	if res.Strategy.Action != ActionRetry {
		t.Fatalf("action = %s, want retry below the streak threshold", res.Strategy.Action)
	}
}

func TestResolveNeverEscalatesSurface(t *testing.T) {
	c := NewCenter(CenterConfig{EscalationThreshold: 1})
	inst := schedInstance(t, pipeline.InstanceConfig{ID: "cfg"})
	inst.RecordError()

	res := c.Resolve(pipeline.New(pipeline.CodeExecutionCanceled, "client went away"), nil, inst)
	if res.Strategy.Action != ActionSurface {
		t.Fatalf("action = %s, surface strategies are exempt from escalation", res.Strategy.Action)
	}
}

func TestDelayBackoffGrowth(t *testing.T) {
	c := NewCenter(CenterConfig{})
	strat := Strategy{Action: ActionRetry, RetryDelay: 500 * time.Millisecond, BackoffMultiplier: 2}
	perr := pipeline.New(pipeline.CodeConnectionFailed, "x")

	for i, want := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		if got := c.delayFor(strat, perr, i); got != want {
			t.Fatalf("delay at retry %d = %v, want %v", i, got, want)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	c := NewCenter(CenterConfig{})
	strat := Strategy{Action: ActionRetry, RetryDelay: time.Second, BackoffMultiplier: 10}
	perr := pipeline.New(pipeline.CodeConnectionFailed, "x")

	if got := c.delayFor(strat, perr, 5); got != maxRetryDelay {
		t.Fatalf("delay = %v, want cap %v", got, maxRetryDelay)
	}
}

func TestDelayRetryAfterFloor(t *testing.T) {
	c := NewCenter(CenterConfig{Jitter: true})
	ue := upstreamErr(429, `{}`)
	ue.RetryAfter = 5 * time.Second
	ue.HasRetryAfter = true
	perr := Classify(ue)

	strat := Strategy{Action: ActionRetry, RetryDelay: 100 * time.Millisecond}
	// The upstream floor wins over the configured delay and is never
	// jittered down.
	for i := 0; i < 20; i++ {
		if got := c.delayFor(strat, perr, 0); got != 5*time.Second {
			t.Fatalf("delay = %v, want Retry-After floor 5s", got)
		}
	}
}

func TestDelayJitterBounded(t *testing.T) {
	c := NewCenter(CenterConfig{Jitter: true})
	strat := Strategy{Action: ActionRetry, RetryDelay: time.Second}
	perr := pipeline.New(pipeline.CodeConnectionFailed, "x")

	for i := 0; i < 50; i++ {
		got := c.delayFor(strat, perr, 0)
		if got < 0 || got > time.Second {
			t.Fatalf("jittered delay %v outside [0, 1s]", got)
		}
	}
}

func TestDelayZeroWithoutRetryDelay(t *testing.T) {
	c := NewCenter(CenterConfig{})
	if got := c.delayFor(Strategy{Action: ActionFailover}, nil, 2); got != 0 {
		t.Fatalf("delay = %v, want 0 when no base delay is set", got)
	}
}

func TestCenterStatsCounters(t *testing.T) {
	c := NewCenter(CenterConfig{})
	ec := &pipeline.ExecContext{VirtualModelID: "vm-a", InstanceID: "inst-1"}
	c.Resolve(upstreamErr(429, `{}`), ec, nil)
	c.Resolve(upstreamErr(500, `{}`), ec, nil)
	c.Resolve(upstreamErr(500, `{}`), &pipeline.ExecContext{VirtualModelID: "vm-b", InstanceID: "inst-2"}, nil)

	stats := c.Stats()
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByCode[pipeline.CodeUpstreamServerError] != 2 {
		t.Fatalf("byCode[4005] = %d, want 2", stats.ByCode[pipeline.CodeUpstreamServerError])
	}
	if stats.ByCategory[pipeline.CategoryRateLimit] != 1 {
		t.Fatalf("byCategory[RateLimiting] = %d, want 1", stats.ByCategory[pipeline.CategoryRateLimit])
	}
	if stats.ByInstance["inst-1"] != 2 || stats.ByInstance["inst-2"] != 1 {
		t.Fatalf("byInstance = %v", stats.ByInstance)
	}
	if stats.ByVirtualModel["vm-a"] != 2 {
		t.Fatalf("byVirtualModel[vm-a] = %d, want 2", stats.ByVirtualModel["vm-a"])
	}

	// Mutating the snapshot must not touch the live counters.
	stats.ByCode[pipeline.CodeUpstreamServerError] = 99
	if c.Stats().ByCode[pipeline.CodeUpstreamServerError] != 2 {
		t.Fatal("stats snapshot aliases the live map")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	c := NewCenter(CenterConfig{MaxHistory: 8})
	for i := 0; i < 3; i++ {
		c.Resolve(pipeline.Newf(pipeline.CodeInternalError, "failure %d", i), nil, nil)
	}

	recent := c.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Message != "failure 2" || recent[1].Message != "failure 1" {
		t.Fatalf("order = [%s, %s], want newest first", recent[0].Message, recent[1].Message)
	}
}

func TestRecentAfterWraparound(t *testing.T) {
	c := NewCenter(CenterConfig{MaxHistory: 4})
	for i := 0; i < 6; i++ {
		c.Resolve(pipeline.Newf(pipeline.CodeInternalError, "failure %d", i), nil, nil)
	}

	recent := c.Recent(0)
	if len(recent) != 4 {
		t.Fatalf("len = %d, want full ring of 4", len(recent))
	}
	for i, want := range []string{"failure 5", "failure 4", "failure 3", "failure 2"} {
		if recent[i].Message != want {
			t.Fatalf("recent[%d] = %s, want %s", i, recent[i].Message, want)
		}
	}
}

func TestHandlerPriorityOrder(t *testing.T) {
	c := NewCenter(CenterConfig{})
	var order []string
	mk := func(name string, priority int) Handler {
		return handlerFunc{name: name, priority: priority, fn: func(err *pipeline.Error, res Resolution) (Resolution, bool) {
			order = append(order, name)
			return res, true
		}}
	}
	c.Register(mk("low", 1))
	c.Register(mk("high", 10))
	c.Register(mk("mid", 5))

	c.Resolve(errors.New("raw"), nil, nil)
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order = %v, want %v", order, want)
		}
	}
}

func TestHandlerCanRewriteResolution(t *testing.T) {
	c := NewCenter(CenterConfig{})
	c.Register(handlerFunc{name: "mute-500", priority: 1, fn: func(err *pipeline.Error, res Resolution) (Resolution, bool) {
		if err.Code != pipeline.CodeUpstreamServerError {
			return res, false
		}
		res.Strategy = Strategy{Action: ActionIgnore}
		res.Delay = 0
		return res, true
	}})

	res := c.Resolve(upstreamErr(500, `{}`), nil, nil)
	if res.Strategy.Action != ActionIgnore {
		t.Fatalf("action = %s, want handler override", res.Strategy.Action)
	}
	res = c.Resolve(upstreamErr(429, `{}`), nil, nil)
	if res.Strategy.Action != ActionRetry {
		t.Fatalf("action = %s, handler must not touch other codes", res.Strategy.Action)
	}
}

func TestStrategyRetryable(t *testing.T) {
	if (Strategy{Action: ActionSurface}).Retryable() {
		t.Fatal("surface must not be retryable")
	}
	if (Strategy{Action: ActionIgnore}).Retryable() {
		t.Fatal("ignore must not be retryable")
	}
	for _, a := range []Action{ActionRetry, ActionFailover, ActionBlacklistTemporary, ActionBlacklistPermanent, ActionMaintenance} {
		if !(Strategy{Action: a}).Retryable() {
			t.Fatalf("%s should be retryable", a)
		}
	}
}
