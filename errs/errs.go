// Package errs provides structured error types and helpers for Kora services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a transport-level error category.
type Code string

const (
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict or a replayed operation.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeVenue indicates a swap venue failure.
	CodeVenue Code = "venue_error"
	// CodeInternal indicates a broken invariant inside the engine.
	CodeInternal Code = "internal"
)

// CanonicalCode captures the engine's domain error names.
type CanonicalCode string

const (
	CanonicalUnknown                         CanonicalCode = "unknown"
	CanonicalUnsupportedHandleKind           CanonicalCode = "UnsupportedHandleKind"
	CanonicalInvalidInputProof               CanonicalCode = "InvalidInputProof"
	CanonicalTooManyHooks                    CanonicalCode = "TooManyHooks"
	CanonicalHookNotAContract                CanonicalCode = "HookNotAContract"
	CanonicalDuplicateStrategy               CanonicalCode = "DuplicateStrategy"
	CanonicalNonExistentStrategy             CanonicalCode = "NonExistentStrategy"
	CanonicalNotExecutor                     CanonicalCode = "NotExecutor"
	CanonicalNotStrategyOwner                CanonicalCode = "NotStrategyOwner"
	CanonicalStrategyNotInitialized          CanonicalCode = "StrategyNotInitialized"
	CanonicalBatchSizeExceedsMaximum         CanonicalCode = "BatchSizeExceedsMaximum"
	CanonicalDuplicateIntent                 CanonicalCode = "DuplicateIntent"
	CanonicalHandlesAlreadySavedForRequestID CanonicalCode = "HandlesAlreadySavedForRequestID"
	CanonicalNoHandleFoundForRequestID       CanonicalCode = "NoHandleFoundForRequestID"
	CanonicalInvalidKMSSignatures            CanonicalCode = "InvalidKMSSignatures"
	CanonicalNonExistentBatch                CanonicalCode = "NonExistentBatch"
	CanonicalBatchAlreadyCompleted           CanonicalCode = "BatchAlreadyCompleted"
	CanonicalBatchNotExpired                 CanonicalCode = "BatchNotExpired"
	CanonicalContractPaused                  CanonicalCode = "ContractPaused"
	CanonicalZeroAddress                     CanonicalCode = "ZeroAddress"
	CanonicalNotOwner                        CanonicalCode = "OwnableUnauthorizedAccount"
	CanonicalZeroSwapAmount                  CanonicalCode = "ZeroSwapAmount"
	CanonicalSwapDeadlineExpired             CanonicalCode = "SwapDeadlineExpired"
	CanonicalInsufficientLiquidity           CanonicalCode = "InsufficientLiquidity"
	CanonicalInsufficientOutputAmount        CanonicalCode = "InsufficientOutputAmount"
	CanonicalInsufficientBalance             CanonicalCode = "InsufficientBalance"
)

// E captures structured error information produced across the Kora stack.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Canonical   CanonicalCode
	Fields      map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Canonical: CanonicalUnknown,
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

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single key/value pair of call-site context.
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

// With returns a copy of the envelope with additional options applied.
// Sentinels stay untouched so errors.Is keeps matching the copy.
func (e *E) With(opts ...Option) *E {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.Fields) > 0 {
		clone.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = v
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&clone)
		}
	}
	return &clone
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
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

// Is reports whether target names the same failure. Canonical envelopes match on the
// canonical code; others match on component, code and message.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Canonical != CanonicalUnknown {
		return e.Canonical == t.Canonical
	}
	return e.Canonical == CanonicalUnknown && e.Component == t.Component && e.Code == t.Code && e.Message == t.Message
}

// CanonicalOf extracts the canonical code from err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	for err != nil {
		if e, ok := err.(*E); ok && e.Canonical != CanonicalUnknown {
			return e.Canonical
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CanonicalUnknown
}

// Domain constructs a sentinel for a canonical domain error.
func Domain(component string, code Code, canonical CanonicalCode) *E {
	return New(component, code, WithCanonicalCode(canonical), WithMessage(string(canonical)))
}
