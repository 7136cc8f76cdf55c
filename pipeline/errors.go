// ABOUTME: Error taxonomy for routing, assembly, and execution failures.
// ABOUTME: Every failure that leaves the scheduler is an *Error carrying a numeric code.

package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Category groups error codes by subsystem. Codes within one band share a
// category.
type Category string

const (
	CategoryConfiguration Category = "Configuration"
	CategoryLifecycle     Category = "Lifecycle"
	CategoryScheduling    Category = "Scheduling"
	CategoryExecution     Category = "Execution"
	CategoryNetwork       Category = "Network"
	CategoryAuth          Category = "Authentication"
	CategoryRateLimit     Category = "RateLimiting"
	CategoryResource      Category = "Resource"
	CategoryData          Category = "Data"
	CategorySystem        Category = "System"
	CategoryProviderAuth  Category = "ProviderAuthentication"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Recoverability states whether retrying or internal recovery can clear the
// failure without operator action.
type Recoverability string

const (
	Recoverable     Recoverability = "recoverable"
	AutoRecoverable Recoverability = "auto-recoverable"
	NonRecoverable  Recoverability = "non-recoverable"
)

// Numeric error codes. The thousands digit is the category band.
const (
	CodeConfigLoadFailed       = 1001
	CodeConfigValidationFailed = 1002
	CodeInvalidTimeout         = 1003
	CodeInvalidStrategy        = 1004
	CodeInvalidTemplate        = 1005

	CodePipelineCreationFailed       = 2001
	CodePipelineInitializationFailed = 2002
	CodePipelineDestroyFailed        = 2003
	CodeInvalidStateTransition       = 2004
	CodePipelineNotFound             = 2005

	CodeNoAvailablePipelines    = 3001
	CodeVirtualModelNotFound    = 3002
	CodeSchedulerStopped        = 3003
	CodeInstanceNotFound        = 3004
	CodePipelineSelectionFailed = 3005

	CodeExecutionFailed       = 4001
	CodeExecutionTimeout      = 4002
	CodeExecutionCanceled     = 4003
	CodeStageProcessingFailed = 4004
	CodeUpstreamServerError   = 4005

	CodeConnectionFailed   = 5001
	CodeConnectionReset    = 5002
	CodeDNSLookupFailed    = 5003
	CodeTLSHandshakeFailed = 5004
	CodeStreamInterrupted  = 5005

	CodeAuthFailed         = 6001
	CodePermissionDenied   = 6002
	CodeTokenExpired       = 6003
	CodeCredentialsMissing = 6004
	CodeAccountSuspended   = 6005

	CodeRateLimitExceeded = 7001
	CodeQuotaExhausted    = 7002

	CodeResourceExhausted = 8001

	CodeResponseDecodeFailed     = 9001
	CodeRequestValidationFailed  = 9002
	CodeResponseValidationFailed = 9003

	CodeInternalError = 10001

	CodeDeviceCodePending = 11001
	CodeDeviceCodeExpired = 11002
	CodeGrantRejected     = 11003
	CodeClientInvalid     = 11004
	CodeScopeInsufficient = 11005
)

type codeInfo struct {
	name           string
	category       Category
	severity       Severity
	recoverability Recoverability
	httpStatus     int
}

var codeTable = map[int]codeInfo{
	CodeConfigLoadFailed:       {"CONFIG_LOAD_FAILED", CategoryConfiguration, SeverityCritical, NonRecoverable, http.StatusInternalServerError},
	CodeConfigValidationFailed: {"CONFIG_VALIDATION_FAILED", CategoryConfiguration, SeverityCritical, NonRecoverable, http.StatusInternalServerError},
	CodeInvalidTimeout:         {"INVALID_TIMEOUT", CategoryConfiguration, SeverityHigh, NonRecoverable, http.StatusInternalServerError},
	CodeInvalidStrategy:        {"INVALID_STRATEGY", CategoryConfiguration, SeverityHigh, NonRecoverable, http.StatusInternalServerError},
	CodeInvalidTemplate:        {"INVALID_TEMPLATE", CategoryConfiguration, SeverityHigh, NonRecoverable, http.StatusInternalServerError},

	CodePipelineCreationFailed:       {"PIPELINE_CREATION_FAILED", CategoryLifecycle, SeverityHigh, NonRecoverable, http.StatusInternalServerError},
	CodePipelineInitializationFailed: {"PIPELINE_INITIALIZATION_FAILED", CategoryLifecycle, SeverityCritical, NonRecoverable, http.StatusInternalServerError},
	CodePipelineDestroyFailed:        {"PIPELINE_DESTROY_FAILED", CategoryLifecycle, SeverityMedium, Recoverable, http.StatusInternalServerError},
	CodeInvalidStateTransition:       {"INVALID_STATE_TRANSITION", CategoryLifecycle, SeverityMedium, NonRecoverable, http.StatusInternalServerError},
	CodePipelineNotFound:             {"PIPELINE_NOT_FOUND", CategoryLifecycle, SeverityMedium, NonRecoverable, http.StatusNotFound},

	CodeNoAvailablePipelines:    {"NO_AVAILABLE_PIPELINES", CategoryScheduling, SeverityHigh, Recoverable, http.StatusServiceUnavailable},
	CodeVirtualModelNotFound:    {"VIRTUAL_MODEL_NOT_FOUND", CategoryScheduling, SeverityMedium, NonRecoverable, http.StatusNotFound},
	CodeSchedulerStopped:        {"SCHEDULER_STOPPED", CategoryScheduling, SeverityHigh, NonRecoverable, http.StatusServiceUnavailable},
	CodeInstanceNotFound:        {"INSTANCE_NOT_FOUND", CategoryScheduling, SeverityMedium, NonRecoverable, http.StatusNotFound},
	CodePipelineSelectionFailed: {"PIPELINE_SELECTION_FAILED", CategoryScheduling, SeverityMedium, NonRecoverable, http.StatusNotFound},

	CodeExecutionFailed:       {"EXECUTION_FAILED", CategoryExecution, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeExecutionTimeout:      {"EXECUTION_TIMEOUT", CategoryExecution, SeverityMedium, Recoverable, http.StatusGatewayTimeout},
	CodeExecutionCanceled:     {"EXECUTION_CANCELED", CategoryExecution, SeverityLow, NonRecoverable, http.StatusRequestTimeout},
	CodeStageProcessingFailed: {"STAGE_PROCESSING_FAILED", CategoryExecution, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeUpstreamServerError:   {"UPSTREAM_SERVER_ERROR", CategoryExecution, SeverityHigh, Recoverable, http.StatusBadGateway},

	CodeConnectionFailed:   {"CONNECTION_FAILED", CategoryNetwork, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeConnectionReset:    {"CONNECTION_RESET", CategoryNetwork, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeDNSLookupFailed:    {"DNS_LOOKUP_FAILED", CategoryNetwork, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeTLSHandshakeFailed: {"TLS_HANDSHAKE_FAILED", CategoryNetwork, SeverityHigh, Recoverable, http.StatusBadGateway},
	CodeStreamInterrupted:  {"STREAM_INTERRUPTED", CategoryNetwork, SeverityMedium, Recoverable, http.StatusBadGateway},

	CodeAuthFailed:         {"AUTH_FAILED", CategoryAuth, SeverityHigh, AutoRecoverable, http.StatusUnauthorized},
	CodePermissionDenied:   {"PERMISSION_DENIED", CategoryAuth, SeverityHigh, NonRecoverable, http.StatusForbidden},
	CodeTokenExpired:       {"TOKEN_EXPIRED", CategoryAuth, SeverityMedium, AutoRecoverable, http.StatusUnauthorized},
	CodeCredentialsMissing: {"CREDENTIALS_MISSING", CategoryAuth, SeverityCritical, NonRecoverable, http.StatusUnauthorized},
	CodeAccountSuspended:   {"ACCOUNT_SUSPENDED", CategoryAuth, SeverityCritical, NonRecoverable, http.StatusForbidden},

	CodeRateLimitExceeded: {"RATE_LIMIT_EXCEEDED", CategoryRateLimit, SeverityMedium, AutoRecoverable, http.StatusTooManyRequests},
	CodeQuotaExhausted:    {"QUOTA_EXHAUSTED", CategoryRateLimit, SeverityHigh, NonRecoverable, http.StatusTooManyRequests},

	CodeResourceExhausted: {"RESOURCE_EXHAUSTED", CategoryResource, SeverityHigh, Recoverable, http.StatusServiceUnavailable},

	CodeResponseDecodeFailed:     {"RESPONSE_DECODE_FAILED", CategoryData, SeverityMedium, Recoverable, http.StatusBadGateway},
	CodeRequestValidationFailed:  {"REQUEST_VALIDATION_FAILED", CategoryData, SeverityLow, NonRecoverable, http.StatusBadRequest},
	CodeResponseValidationFailed: {"RESPONSE_VALIDATION_FAILED", CategoryData, SeverityMedium, Recoverable, http.StatusBadGateway},

	CodeInternalError: {"INTERNAL_ERROR", CategorySystem, SeverityCritical, Recoverable, http.StatusInternalServerError},

	CodeDeviceCodePending: {"DEVICE_CODE_PENDING", CategoryProviderAuth, SeverityMedium, AutoRecoverable, http.StatusUnauthorized},
	CodeDeviceCodeExpired: {"DEVICE_CODE_EXPIRED", CategoryProviderAuth, SeverityHigh, NonRecoverable, http.StatusUnauthorized},
	CodeGrantRejected:     {"GRANT_REJECTED", CategoryProviderAuth, SeverityHigh, NonRecoverable, http.StatusUnauthorized},
	CodeClientInvalid:     {"CLIENT_INVALID", CategoryProviderAuth, SeverityCritical, NonRecoverable, http.StatusUnauthorized},
	CodeScopeInsufficient: {"SCOPE_INSUFFICIENT", CategoryProviderAuth, SeverityHigh, NonRecoverable, http.StatusForbidden},
}

// bandDefaults cover codes not in the table so lookup stays total.
var bandDefaults = map[int]codeInfo{
	1:  {"CONFIGURATION_ERROR", CategoryConfiguration, SeverityHigh, NonRecoverable, http.StatusInternalServerError},
	2:  {"LIFECYCLE_ERROR", CategoryLifecycle, SeverityHigh, NonRecoverable, http.StatusInternalServerError},
	3:  {"SCHEDULING_ERROR", CategoryScheduling, SeverityMedium, Recoverable, http.StatusServiceUnavailable},
	4:  {"EXECUTION_ERROR", CategoryExecution, SeverityHigh, Recoverable, http.StatusBadGateway},
	5:  {"NETWORK_ERROR", CategoryNetwork, SeverityHigh, Recoverable, http.StatusBadGateway},
	6:  {"AUTH_ERROR", CategoryAuth, SeverityHigh, NonRecoverable, http.StatusUnauthorized},
	7:  {"RATE_LIMIT_ERROR", CategoryRateLimit, SeverityMedium, AutoRecoverable, http.StatusTooManyRequests},
	8:  {"RESOURCE_ERROR", CategoryResource, SeverityHigh, Recoverable, http.StatusServiceUnavailable},
	9:  {"DATA_ERROR", CategoryData, SeverityMedium, Recoverable, http.StatusBadGateway},
	10: {"SYSTEM_ERROR", CategorySystem, SeverityCritical, Recoverable, http.StatusInternalServerError},
	11: {"PROVIDER_AUTH_ERROR", CategoryProviderAuth, SeverityHigh, NonRecoverable, http.StatusUnauthorized},
}

func lookupCode(code int) codeInfo {
	if info, ok := codeTable[code]; ok {
		return info
	}
	if info, ok := bandDefaults[code/1000]; ok {
		return info
	}
	return codeInfo{"UNKNOWN_ERROR", CategorySystem, SeverityHigh, Recoverable, http.StatusInternalServerError}
}

// HTTPStatusFor maps an error code to its response status. Total over all
// ints; never returns a 2xx.
func HTTPStatusFor(code int) int {
	return lookupCode(code).httpStatus
}

// CodeName returns the symbolic name for a code.
func CodeName(code int) string {
	return lookupCode(code).name
}

// CategoryFor returns the category band a code belongs to.
func CategoryFor(code int) Category {
	return lookupCode(code).category
}

// Error is the classified form every failure takes before leaving the
// scheduler.
type Error struct {
	Code           int
	Name           string
	Category       Category
	Severity       Severity
	Recoverability Recoverability
	HTTPStatus     int
	Message        string
	VirtualModelID string
	InstanceID     string
	Details        map[string]any
	Timestamp      time.Time
	Cause          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
	if e.InstanceID != "" {
		msg += fmt.Sprintf(" [instance %s]", e.InstanceID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error for code, filling category, severity, recoverability,
// and HTTP status from the code table.
func New(code int, message string) *Error {
	info := lookupCode(code)
	return &Error{
		Code:           code,
		Name:           info.name,
		Category:       info.category,
		Severity:       info.severity,
		Recoverability: info.recoverability,
		HTTPStatus:     info.httpStatus,
		Message:        message,
		Timestamp:      time.Now(),
	}
}

// Newf is New with a formatted message.
func Newf(code int, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds an Error for code with cause attached for unwrapping.
func Wrap(code int, cause error, message string) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithInstance records which instance the error occurred on.
func (e *Error) WithInstance(id string) *Error {
	e.InstanceID = id
	return e
}

// WithVirtualModel records which virtual model the request targeted.
func (e *Error) WithVirtualModel(id string) *Error {
	e.VirtualModelID = id
	return e
}

// WithDetail attaches a key/value pair to the error diagnostics.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts a classified *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// CodeOf returns the classified code in err's chain, or 0 when the error is
// unclassified.
func CodeOf(err error) int {
	if perr, ok := AsError(err); ok {
		return perr.Code
	}
	return 0
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code int) bool {
	return CodeOf(err) == code
}
