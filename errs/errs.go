// Package errs provides structured error types and helpers for AgriSync services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category recognised across the sync stack.
type Code string

const (
	// CodeUnavailable indicates that a dependency (typically the status oracle) is temporarily unreachable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates a rejected write, such as a lifecycle regression.
	CodeConflict Code = "conflict"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing order, subscription, or record.
	CodeNotFound Code = "not_found"
	// CodePermission indicates the viewer is not a party to the requested resource.
	CodePermission Code = "permission_denied"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates the caller exceeded the oracle's request budget.
	CodeRateLimited Code = "rate_limited"
	// CodeInternal captures uncategorised internal failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the AgriSync stack.
type E struct {
	Op          string
	Code        Code
	Message     string
	OrderID     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		Message:     "",
		OrderID:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOrderID records the order the failure relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single contextual key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// IsUnavailable reports whether err represents a transient dependency outage.
func IsUnavailable(err error) bool {
	code := CodeOf(err)
	return code == CodeUnavailable || code == CodeNetwork || code == CodeRateLimited
}

// IsConflict reports whether err represents a rejected conflicting write.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}
