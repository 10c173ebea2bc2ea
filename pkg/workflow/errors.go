package workflow

import (
	"fmt"
	"strings"
)

// Error is a domain error with a machine-readable code. Errors.Is matches
// on the code, so wrapped instances still compare equal to the sentinel.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors per failure class. The transport layer maps codes onto
// status codes; nothing here knows about HTTP.
var (
	ErrInvalidRequest        = &Error{Code: "INVALID_REQUEST", Message: "invalid request"}
	ErrInvalidDecision       = &Error{Code: "INVALID_DECISION", Message: "decision must be APPROVED, REJECTED, or ABSTAIN"}
	ErrRequestNotFound       = &Error{Code: "REQUEST_NOT_FOUND", Message: "change request not found"}
	ErrAlreadyDecided        = &Error{Code: "ALREADY_DECIDED", Message: "change request is no longer pending"}
	ErrTimedOut              = &Error{Code: "TIMED_OUT", Message: "voting deadline has passed"}
	ErrInsufficientAuthority = &Error{Code: "INSUFFICIENT_AUTHORITY", Message: "voter is not authorized for this request"}
	ErrDuplicateVote         = &Error{Code: "DUPLICATE_VOTE", Message: "voter has already voted on this request"}
	ErrMissingReason         = &Error{Code: "MISSING_REASON", Message: "a reason is required when rejecting"}
	ErrDuplicatePending      = &Error{Code: "DUPLICATE_PENDING_REQUEST", Message: "entity already has an open change request"}
	ErrInsufficientApprovers = &Error{Code: "INSUFFICIENT_APPROVERS", Message: "not enough active validators to form the approver set"}
	ErrNotApproved           = &Error{Code: "NOT_APPROVED", Message: "only approved requests can be executed"}
	ErrNotSubmitter          = &Error{Code: "NOT_SUBMITTER", Message: "only the original submitter may cancel"}
	ErrInvalidTransition     = &Error{Code: "INVALID_TRANSITION", Message: "state transition not allowed"}
)

// DependentsActiveError blocks a retirement-class submission while the
// entity still has active dependents.
type DependentsActiveError struct {
	EntityID    string
	BlockingIDs []string
}

func (e *DependentsActiveError) Error() string {
	return fmt.Sprintf("entity %s has active dependents: %s",
		e.EntityID, strings.Join(e.BlockingIDs, ", "))
}
