package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess           Code = 0
	CodeInternal          Code = 1
	CodeUsage             Code = 2
	CodeConfig            Code = 3
	CodeAuth              Code = 10
	CodeRateLimited       Code = 11
	CodeUnavailable       Code = 12
	CodeUnsupported       Code = 13
	CodeParse             Code = 14
	CodeReport            Code = 17
	CodeSettlementTimeout Code = 18
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
	// Hint is an optional corrective action shown with the error.
	Hint string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithHint returns e with a corrective hint attached.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether the outermost typed error in err's chain carries code.
func HasCode(err error, code Code) bool {
	cErr, ok := As(err)
	return ok && cErr.Code == code
}

// IsTransport reports whether err is a network or HTTP level failure.
func IsTransport(err error) bool {
	cErr, ok := As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case CodeUnavailable, CodeRateLimited, CodeAuth, CodeUnsupported:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName maps an error to the envelope error type string.
func TypeName(err error) string {
	cErr, ok := As(err)
	if !ok {
		return "internal_error"
	}
	switch cErr.Code {
	case CodeUsage:
		return "usage_error"
	case CodeConfig:
		return "config_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "transport_error"
	case CodeUnsupported:
		return "unsupported"
	case CodeParse:
		return "parse_error"
	case CodeReport:
		return "report_error"
	case CodeSettlementTimeout:
		return "settlement_timeout"
	default:
		return "internal_error"
	}
}
