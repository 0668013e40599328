package device

import (
	"errors"
	"fmt"
)

// Kind classifies device and engine failures.
type Kind int

const (
	KindBusy Kind = iota + 1
	KindProhibited
	KindFatal
	KindNoData
	KindFrameDecode
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindProhibited:
		return "prohibited"
	case KindFatal:
		return "fatal"
	case KindNoData:
		return "no data"
	case KindFrameDecode:
		return "frame decode"
	case KindConfiguration:
		return "configuration"
	}
	return "unknown"
}

// Device busy codes.
const (
	CodeBusy    uint32 = 0xAA
	CodeMTPBusy uint32 = 0x2019
)

// Error is the single error type for device and engine failures.
type Error struct {
	Kind   Kind
	Op     string
	Code   uint32
	Reason string
	Err    error
}

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrBusy          = &Error{Kind: KindBusy}
	ErrProhibited    = &Error{Kind: KindProhibited}
	ErrFatal         = &Error{Kind: KindFatal}
	ErrNoData        = &Error{Kind: KindNoData}
	ErrFrameDecode   = &Error{Kind: KindFrameDecode}
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (0x%X)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewBusyError reports a transient busy condition with the device code.
func NewBusyError(code uint32) error {
	return &Error{Kind: KindBusy, Code: code}
}

// NewProhibitedError reports an operation the device refuses in its current state.
func NewProhibitedError(op, reason string) error {
	return &Error{Kind: KindProhibited, Op: op, Reason: reason}
}

// NewFatalError wraps an unrecoverable device failure.
func NewFatalError(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// NewConfigurationError rejects a request before any device call is made.
func NewConfigurationError(op, reason string) error {
	return &Error{Kind: KindConfiguration, Op: op, Reason: reason}
}

// NewFrameDecodeError reports a frame that could not be decoded.
func NewFrameDecodeError(err error) error {
	return &Error{Kind: KindFrameDecode, Op: "decode", Err: err}
}

// Outcome is the typed result the retry wrapper branches on.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBusy
	OutcomeFatal
)

// Result is the value form of a gateway call's error.
type Result struct {
	Outcome Outcome
	Code    uint32
	Err     error
}

// ResultOf converts a gateway error into a Result. Anything that is not a
// busy *Error is fatal for retry purposes; the original error is kept.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Outcome: OutcomeOK}
	}
	var de *Error
	if errors.As(err, &de) && de.Kind == KindBusy {
		return Result{Outcome: OutcomeBusy, Code: de.Code, Err: err}
	}
	return Result{Outcome: OutcomeFatal, Err: err}
}
