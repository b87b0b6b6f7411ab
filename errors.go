package authmw

import (
	"errors"
	"fmt"
)

// ErrorCode represents authentication failure categories.
type ErrorCode string

const (
	ErrCodeHeaderMissing      ErrorCode = "header_missing"
	ErrCodeInvalidToken       ErrorCode = "invalid_token"
	ErrCodeSignatureInvalid   ErrorCode = "signature_invalid"
	ErrCodeExpired            ErrorCode = "token_expired"
	ErrCodeNotYetValid        ErrorCode = "token_not_yet_valid"
	ErrCodeClaimMismatch      ErrorCode = "claim_mismatch"
	ErrCodeVerificationFailed ErrorCode = "verification_failed"
	ErrCodeRefreshFailed      ErrorCode = "refresh_failed"
	ErrCodeKeyUnavailable     ErrorCode = "key_unavailable"
	ErrCodeInvalidConfig      ErrorCode = "invalid_config"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeHeaderMissing:      "Authorization header missing",
	ErrCodeInvalidToken:       "Invalid token",
	ErrCodeSignatureInvalid:   "Invalid token signature",
	ErrCodeExpired:            "Token expired",
	ErrCodeNotYetValid:        "Token not yet valid",
	ErrCodeClaimMismatch:      "Token claims rejected",
	ErrCodeVerificationFailed: "Authorization header verification failed",
	ErrCodeRefreshFailed:      "Token refresh failed",
	ErrCodeKeyUnavailable:     "Verification key unavailable",
	ErrCodeInvalidConfig:      "Invalid configuration",
}

// Sentinels for errors.Is. Any *Error carrying the same code matches.
var (
	ErrHeaderMissing      = &Error{Code: ErrCodeHeaderMissing}
	ErrInvalidToken       = &Error{Code: ErrCodeInvalidToken}
	ErrSignatureInvalid   = &Error{Code: ErrCodeSignatureInvalid}
	ErrTokenExpired       = &Error{Code: ErrCodeExpired}
	ErrNotYetValid        = &Error{Code: ErrCodeNotYetValid}
	ErrClaimMismatch      = &Error{Code: ErrCodeClaimMismatch}
	ErrVerificationFailed = &Error{Code: ErrCodeVerificationFailed}
	ErrRefreshFailed      = &Error{Code: ErrCodeRefreshFailed}
	ErrKeyUnavailable     = &Error{Code: ErrCodeKeyUnavailable}
	ErrInvalidConfig      = &Error{Code: ErrCodeInvalidConfig}
)

// Error wraps authentication errors with a stable code and a client-safe message.
// The wrapped Err carries diagnostics and is never written to responses by the
// default error handlers.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// PublicMessage returns the text that may be shown to a client.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if msg, ok := errorMessages[e.Code]; ok {
		return msg
	}
	return string(e.Code)
}

// CodeOf extracts the ErrorCode from err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func configError(format string, args ...any) error {
	return newError(ErrCodeInvalidConfig, fmt.Errorf(format, args...))
}
