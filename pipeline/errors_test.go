// ABOUTME: Tests for the numeric error taxonomy and classified Error type.
// ABOUTME: Verifies total HTTP mapping, band defaults, and error chain behavior.

package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestCodeTableMapsEveryCode(t *testing.T) {
	for code, info := range codeTable {
		if info.name == "" {
			t.Errorf("code %d has no name", code)
		}
		if info.httpStatus < 400 || info.httpStatus > 599 {
			t.Errorf("code %d maps to status %d, want 4xx or 5xx", code, info.httpStatus)
		}
		if info.category == "" {
			t.Errorf("code %d has no category", code)
		}
		wantBand := code / 1000
		if band, ok := bandDefaults[wantBand]; !ok {
			t.Errorf("code %d sits in band %d with no band default", code, wantBand)
		} else if band.category != info.category {
			t.Errorf("code %d category %s disagrees with band %d category %s", code, info.category, wantBand, band.category)
		}
	}
}

func TestHTTPStatusForIsTotal(t *testing.T) {
	tests := []struct {
		name string
		code int
		want int
	}{
		{"known code", CodeExecutionTimeout, http.StatusGatewayTimeout},
		{"rate limit", CodeRateLimitExceeded, http.StatusTooManyRequests},
		{"no pipelines", CodeNoAvailablePipelines, http.StatusServiceUnavailable},
		{"unknown code in known band", 5999, http.StatusBadGateway},
		{"unknown auth code", 6999, http.StatusUnauthorized},
		{"unknown band", 99001, http.StatusInternalServerError},
		{"zero", 0, http.StatusInternalServerError},
		{"negative", -7, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFor(tt.code); got != tt.want {
				t.Errorf("HTTPStatusFor(%d) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestBandDefaultsNeverSucceed(t *testing.T) {
	for band, info := range bandDefaults {
		if info.httpStatus < 400 {
			t.Errorf("band %d default maps to %d", band, info.httpStatus)
		}
	}
}

func TestNewFillsFromTable(t *testing.T) {
	err := New(CodeAuthFailed, "key rejected")

	if err.Name != "AUTH_FAILED" {
		t.Errorf("Name = %q", err.Name)
	}
	if err.Category != CategoryAuth {
		t.Errorf("Category = %q", err.Category)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d", err.HTTPStatus)
	}
	if err.Recoverability != AutoRecoverable {
		t.Errorf("Recoverability = %q", err.Recoverability)
	}
	if err.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeConnectionFailed, cause, "dialing upstream")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	wrapped := fmt.Errorf("attempt 2: %w", err)
	got, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError failed through fmt.Errorf chain")
	}
	if got.Code != CodeConnectionFailed {
		t.Errorf("Code = %d", got.Code)
	}
}

func TestErrorChaining(t *testing.T) {
	err := Newf(CodeRateLimitExceeded, "upstream said slow down").
		WithInstance("inst-1").
		WithVirtualModel("gpt-4o-vm").
		WithDetail("retryAfterMs", 2000)

	if err.InstanceID != "inst-1" || err.VirtualModelID != "gpt-4o-vm" {
		t.Errorf("identity fields: instance=%q vm=%q", err.InstanceID, err.VirtualModelID)
	}
	if err.Details["retryAfterMs"] != 2000 {
		t.Errorf("Details = %v", err.Details)
	}
	if !IsCode(err, CodeRateLimitExceeded) {
		t.Error("IsCode failed")
	}
	if IsCode(err, CodeAuthFailed) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), CodeAuthFailed) {
		t.Error("IsCode matched an unclassified error")
	}
}

func TestErrorStringIncludesInstance(t *testing.T) {
	err := New(CodeExecutionTimeout, "attempt exceeded budget").WithInstance("inst-9")
	msg := err.Error()
	if want := "EXECUTION_TIMEOUT (4002)"; !strings.Contains(msg, want) {
		t.Errorf("Error() = %q, want substring %q", msg, want)
	}
	if !strings.Contains(msg, "inst-9") {
		t.Errorf("Error() = %q, want instance id", msg)
	}
}
