package errors

import (
	stderrors "errors"
	"net/http"
)

// Error taxonomy shared by the escrow, dispute, fraud and trust modules.
// Components wrap these sentinels with context; callers match with errors.Is.
var (
	ErrNotFound        = stderrors.New("not found")
	ErrInvalidState    = stderrors.New("invalid state")
	ErrInvalidAmount   = stderrors.New("invalid amount")
	ErrForbidden       = stderrors.New("forbidden")
	ErrExternalFailure = stderrors.New("external failure")
	ErrModulePaused    = stderrors.New("module paused")
)

// Status maps an error produced by the core to the HTTP status an agent-facing
// layer should answer with. Payment gateway failures map to 402 so callers can
// render a "payment required / pending" response.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case stderrors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrExternalFailure):
		return http.StatusPaymentRequired
	case stderrors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case stderrors.Is(err, ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short label for the taxonomy member matched by err. It is used
// as a metrics and audit label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ErrNotFound):
		return "not_found"
	case stderrors.Is(err, ErrForbidden):
		return "forbidden"
	case stderrors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case stderrors.Is(err, ErrExternalFailure):
		return "external_failure"
	case stderrors.Is(err, ErrInvalidState):
		return "invalid_state"
	case stderrors.Is(err, ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
