package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindBusinessRule      Kind = "business_rule"
	KindSecuritySensitive Kind = "security_sensitive"
	KindAvailability      Kind = "availability"
	KindInternal          Kind = "internal"
)

// Stable error codes surfaced to callers.
const (
	CodeIdempotencyMissing       = "IDEMPOTENCY_MISSING"
	CodeIdempotencyConflict      = "IDEMPOTENCY_CONFLICT"
	CodeTransitionInvalid        = "WF_STATE_TRANSITION_INVALID"
	CodeResumeInvalid            = "WF_INTERRUPT_RESUME_INVALID"
	CodeTenantScopeViolation     = "TENANT_SCOPE_VIOLATION"
	CodeJobNotFound              = "JOB_NOT_FOUND"
	CodeEvaluationNotFound       = "EVALUATION_NOT_FOUND"
	CodeDLQItemNotFound          = "DLQ_ITEM_NOT_FOUND"
	CodeDLQItemNotOpen           = "DLQ_ITEM_NOT_OPEN"
	CodeOutboxEventNotFound      = "OUTBOX_EVENT_NOT_FOUND"
	CodeQueueMessageNotFound     = "QUEUE_MESSAGE_NOT_FOUND"
	CodeApprovalRequired         = "APPROVAL_REQUIRED"
	CodeToolNotFound             = "TOOL_NOT_FOUND"
	CodeToolDisabled             = "TOOL_DISABLED"
	CodeToolInputInvalid         = "TOOL_INPUT_INVALID"
	CodeToolCircuitOpen          = "TOOL_CIRCUIT_OPEN"
	CodeToolTimeout              = "TOOL_TIMEOUT"
	CodeToolOutputInvalid        = "TOOL_OUTPUT_INVALID"
	CodeToolExecutionFailed      = "TOOL_EXECUTION_FAILED"
	CodeLegalHoldActive          = "LEGAL_HOLD_ACTIVE"
	CodeRetentionActive          = "RETENTION_ACTIVE"
	CodeLegalHoldNotFound        = "LEGAL_HOLD_NOT_FOUND"
	CodeLegalHoldReleaseConflict = "LEGAL_HOLD_RELEASE_CONFLICT"
	CodeObjectNotFound           = "OBJECT_NOT_FOUND"
	CodeAuditIntegrityBroken     = "AUDIT_INTEGRITY_BROKEN"
	CodeReleasePolicyNotFound    = "RELEASE_POLICY_NOT_FOUND"
	CodeReqValidationFailed      = "REQ_VALIDATION_FAILED"
	CodeAuthUnauthorized         = "AUTH_UNAUTHORIZED"
	CodeAuthForbidden            = "AUTH_FORBIDDEN"
	CodeRateLimited              = "RATE_LIMITED"
	CodeInternal                 = "INTERNAL_ERROR"
)

// Error is the tagged error carried across package boundaries. Retry loops
// inspect Retryable and Kind instead of matching concrete types.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Kind       Kind           `json:"class"`
	Retryable  bool           `json:"retryable"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code so errors.Is works against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithDetails returns a copy carrying extra details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New builds an Error.
func New(code string, kind Kind, status int, retryable bool, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kind, Retryable: retryable, HTTPStatus: status}
}

// Wrap builds an Error that keeps cause in its chain.
func Wrap(cause error, code string, kind Kind, status int, retryable bool, message string) *Error {
	e := New(code, kind, status, retryable, message)
	e.cause = cause
	return e
}

func Validation(code, message string) *Error {
	return New(code, KindValidation, http.StatusBadRequest, false, message)
}

func NotFound(code, message string) *Error {
	return New(code, KindValidation, http.StatusNotFound, false, message)
}

func BusinessRule(code string, status int, message string) *Error {
	return New(code, KindBusinessRule, status, false, message)
}

func Security(code string, status int, message string) *Error {
	return New(code, KindSecuritySensitive, status, false, message)
}

func Availability(code string, status int, message string) *Error {
	return New(code, KindAvailability, status, true, message)
}

// Internal wraps an unexpected infrastructure failure.
func Internal(cause error) *Error {
	return Wrap(cause, CodeInternal, KindInternal, http.StatusInternalServerError, false, "internal error")
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is a tagged error marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Sentinels for errors.Is comparisons.
var (
	ErrIdempotencyMissing   = Validation(CodeIdempotencyMissing, "Idempotency-Key header is required")
	ErrIdempotencyConflict  = BusinessRule(CodeIdempotencyConflict, http.StatusConflict, "idempotency key reused with a different payload")
	ErrTenantScopeViolation = Security(CodeTenantScopeViolation, http.StatusForbidden, "resource belongs to another tenant")
	ErrResumeInvalid        = BusinessRule(CodeResumeInvalid, http.StatusConflict, "resume token is invalid, expired or already used")
	ErrLegalHoldActive      = BusinessRule(CodeLegalHoldActive, http.StatusConflict, "object is under legal hold")
	ErrRetentionActive      = BusinessRule(CodeRetentionActive, http.StatusConflict, "object retention period has not expired")
	ErrAuditIntegrityBroken = Security(CodeAuditIntegrityBroken, http.StatusConflict, "audit log hash chain is broken")
)
