package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/workflow"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late to change the status code; nothing useful to do.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error onto an HTTP status and body.
// Retirement conflicts additionally carry the blocking dependent ids so
// callers can act on them.
func writeDomainError(w http.ResponseWriter, err error) {
	var blocked *workflow.DependentsActiveError
	if errors.As(err, &blocked) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       blocked.Error(),
			"blockingIds": blocked.BlockingIDs,
		})
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// statusFor picks the HTTP status for a domain error. Unknown errors
// are treated as internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrTimedOut):
		return http.StatusGone
	case errors.Is(err, workflow.ErrInsufficientAuthority),
		errors.Is(err, workflow.ErrNotSubmitter):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrDuplicateVote),
		errors.Is(err, workflow.ErrAlreadyDecided),
		errors.Is(err, workflow.ErrDuplicatePending),
		errors.Is(err, workflow.ErrNotApproved),
		errors.Is(err, workflow.ErrInsufficientApprovers),
		errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, workflow.ErrInvalidDecision),
		errors.Is(err, workflow.ErrMissingReason),
		errors.Is(err, rules.ErrUnknownChangeType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
