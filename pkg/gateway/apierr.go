package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/session"
	"github.com/beamlink/beam/pkg/transfer"
)

// Error codes returned on the HTTP surface and inside ack error replies.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMITED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeShareSessionFull   = "SHARE_SESSION_FULL"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
)

// APIError is the body of every non-2xx HTTP response:
// {"error": {"code": ..., "message": ..., "details": ...}}.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// codeForError maps session and transfer errors onto the HTTP taxonomy.
// Unrecognized errors become 503 so load balancers retry them elsewhere.
func codeForError(err error) (int, string, map[string]any) {
	var rateErr *session.RateLimitedError

	switch {
	case errors.Is(err, session.ErrShareExists),
		errors.Is(err, session.ErrAlreadyInShare),
		errors.Is(err, transfer.ErrUploadCompleted):
		return http.StatusConflict, CodeConflict, nil
	case errors.Is(err, session.ErrShareFull):
		return http.StatusConflict, CodeShareSessionFull, nil
	case errors.Is(err, session.ErrShareNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, transfer.ErrClientNotRegistered),
		errors.Is(err, transfer.ErrUploadNotFound):
		return http.StatusNotFound, CodeNotFound, nil
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, CodeRateLimited, map[string]any{
			"resetAt": rateErr.ResetAt,
		}
	case errors.Is(err, transfer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, CodeFileTooLarge, nil
	case errors.Is(err, transfer.ErrChunkOutOfRange),
		errors.Is(err, transfer.ErrNotUploadOwner):
		return http.StatusBadRequest, CodeBadRequest, nil
	case errors.Is(err, transfer.ErrReceiversBusy),
		errors.Is(err, transfer.ErrTooManyUploads),
		errors.Is(err, transfer.ErrTooManyTransfers),
		errors.Is(err, transfer.ErrUploadFailed),
		errors.Is(err, transfer.ErrUploadCancelled),
		errors.Is(err, transfer.ErrUploadPaused):
		return http.StatusInternalServerError, CodeUploadFailed, nil
	default:
		return http.StatusServiceUnavailable, CodeServiceUnavailable, nil
	}
}

// writeJSON serializes v with the canonical content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", logger.Err(err))
	}
}

// writeError serializes an error envelope with the given status and code.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: APIError{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// writeDomainError serializes a session or transfer error.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code, details := codeForError(err)
	writeError(w, status, code, err.Error(), details)
}

// ackErrorPayload is the error envelope carried in a websocket ack reply.
func ackErrorPayload(err error) map[string]any {
	_, code, details := codeForError(err)
	payload := map[string]any{
		"code":    code,
		"message": err.Error(),
	}
	if details != nil {
		payload["details"] = details
	}
	return map[string]any{"error": payload}
}
