package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
)

// Code identifies an error family shared across packages.
type Code string

// Severity describes how loudly an error should be reported.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes gives a code its default behaviour.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeConfigInvalid         Code = "CONFIG_INVALID"

	// Structural errors are raised before anything is hashed.
	CodeStructuralInvalid Code = "STRUCTURAL_INVALID"
	CodePackageTooDeep    Code = "PACKAGE_TOO_DEEP"
	CodePackageTooLarge   Code = "PACKAGE_TOO_LARGE"

	// Policy errors mean nothing was issued or transmitted.
	CodeLedgerDenied       Code = "POLICY_LEDGER_DENIED"
	CodeGateRejected       Code = "POLICY_GATE_REJECTED"
	CodePayloadTooLarge    Code = "POLICY_PAYLOAD_TOO_LARGE"
	CodeClassificationNone Code = "POLICY_CLASSIFICATION_MISSING"

	// Ledger errors are retryable and never invalidate a receipt.
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeLedgerFeeEstimate Code = "LEDGER_FEE_ESTIMATE"
	CodeLedgerNotFound    Code = "LEDGER_NOT_FOUND"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeConfigInvalid:         {Message: "invalid configuration", Severity: SeverityCritical},

		CodeStructuralInvalid: {Message: "package is structurally invalid", Severity: SeverityInfo},
		CodePackageTooDeep:    {Message: "package nesting exceeds the configured depth", Severity: SeverityInfo},
		CodePackageTooLarge:   {Message: "package exceeds the configured size", Severity: SeverityInfo},

		CodeLedgerDenied:       {Message: "ledger not permitted for security tier", Severity: SeverityWarning},
		CodeGateRejected:       {Message: "pre-publication gate rejected the package", Severity: SeverityInfo},
		CodePayloadTooLarge:    {Message: "commitment payload exceeds ledger limit", Severity: SeverityWarning},
		CodeClassificationNone: {Message: "classification label is required", Severity: SeverityInfo},

		CodeLedgerUnavailable: {Message: "ledger unavailable", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeLedgerFeeEstimate: {Message: "fee estimation failed", Severity: SeverityWarning, Retryable: true},
		CodeLedgerNotFound:    {Message: "transaction not found on ledger", Severity: SeverityInfo, Retryable: true},
	}
)

// Register lets a package describe its own codes at init time.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes for code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the error type shared by every package in the module.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option customises an Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the code's retry default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity overrides the code's severity.
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New creates an Error. An empty message uses the registered default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on code so sentinel errors work with errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the operation may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert reports whether the error warrants an alert.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Alert
}

// Severity returns the effective severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether any error is retryable.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert reports whether any error warrants an alert.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf returns the severity of any error.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// IsStructural reports a malformed, too deep or too large package.
func IsStructural(err error) bool {
	switch CodeOf(err) {
	case CodeStructuralInvalid, CodePackageTooDeep, CodePackageTooLarge:
		return true
	}
	return false
}

// IsPolicy reports a tier, gate or payload policy refusal.
func IsPolicy(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "POLICY_")
}

// IsLedger reports a ledger-side failure.
func IsLedger(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "LEDGER_")
}
