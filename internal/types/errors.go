package types

import "errors"

// Failure classes of a device cycle. Adapters and clients wrap these with
// fmt.Errorf("...: %w", ...) so callers can branch with errors.Is.
var (
	// ErrDeviceUnreachable covers connect failures, timeouts and transport
	// errors. The device is skipped for the current cycle only.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrProtocol covers short, malformed or exception register responses.
	ErrProtocol = errors.New("protocol error")

	// ErrReconciliationUnavailable means the authoritative cache could not be
	// reached; the cycle broadcasts unreconciled local values.
	ErrReconciliationUnavailable = errors.New("reconciliation unavailable")

	// ErrPublishUnavailable means the hub link is down; the snapshot is dropped.
	ErrPublishUnavailable = errors.New("publish unavailable")

	ErrUnknownDevice = errors.New("unknown device")
	ErrNoRegister    = errors.New("register not configured")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
