package model

import "fmt"

// Error codes surfaced to clients. AUTH_* and VALIDATION_* reject the whole
// request; the remaining codes are carried in per-command result slots.
const (
	CodeAuthBadToken      = "AUTH_BAD_TOKEN"
	CodeAuthBadNonce      = "AUTH_BAD_NONCE"
	CodeAuthDecryptFailed = "AUTH_DECRYPT_FAILED"
	CodeAuthBadSequence   = "AUTH_BAD_SEQUENCE"
	CodeValidation        = "VALIDATION_FAILED"
	CodeCreateConflict    = "CREATE_CONFLICT"
	CodeNotFound          = "NOT_FOUND"
	CodeDeleteNonexistent = "DELETE_NONEXISTENT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeStreamFailure     = "STREAM_FAILURE"
)

// GatewayError is an error with a client-visible code.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return e.Code + ": " + e.Message
}

// NewError creates a GatewayError with a formatted message.
func NewError(code, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}
