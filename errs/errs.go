// Package errs defines the coded errors surfaced by the gateway. Every
// component failure carries a stable machine code, an HTTP status, and
// optional structured details, so callers can catch by code.
package errs

import (
	"errors"
	"fmt"
)

// Error codes
const (
	CodeConfigMissing      = "CONFIG_MISSING"
	CodeUnsupportedNetwork = "UNSUPPORTED_NETWORK"
	CodeInvalidParams      = "INVALID_PARAMS"
	CodeInvalidXDR         = "INVALID_XDR"
	CodeInvalidEnvelope    = "INVALID_ENVELOPE_TYPE"
	CodeInvalidTimeBounds  = "INVALID_TIME_BOUNDS"
	CodeFeeMismatch        = "FEE_MISMATCH"
	CodeTimeboundsTooFar   = "TIMEBOUNDS_TOO_FAR"
	CodeInvalidUnsignedXDR = "INVALID_UNSIGNED_XDR"
	CodeNoChannels         = "NO_CHANNELS_CONFIGURED"
	CodePoolCapacity       = "POOL_CAPACITY"
	CodeRelayerUnavailable = "RELAYER_UNAVAILABLE"
	CodeFailedToGetSeq     = "FAILED_TO_GET_SEQUENCE"
	CodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	CodeSimNetworkError    = "SIMULATION_NETWORK_ERROR"
	CodeSimRPCFailure      = "SIMULATION_RPC_FAILURE"
	CodeSimFailed          = "SIMULATION_FAILED"
	CodeSimSignedAuth      = "SIMULATION_SIGNED_AUTH_VALIDATION_FAILED"
	CodeAssemblyFailed     = "ASSEMBLY_FAILED"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeOnchainFailed      = "ONCHAIN_FAILED"
	CodeWaitTimeout        = "WAIT_TIMEOUT"
	CodeFeeLimitExceeded   = "FEE_LIMIT_EXCEEDED"
	CodeAPIKeyRequired     = "API_KEY_REQUIRED"
	CodeManagementDisabled = "MANAGEMENT_DISABLED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeLockedConflict     = "LOCKED_CONFLICT"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidAction      = "INVALID_ACTION"
	CodeKVError            = "KV_ERROR"
)

// Error is a coded gateway error. Status is the HTTP status the gateway
// responds with when the error reaches the outer handler.
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a coded error.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsCoded unwraps err into a coded *Error if there is one in its chain.
func AsCoded(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	ce, ok := AsCoded(err)
	return ok && ce.Code == code
}
