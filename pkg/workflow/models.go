// Package workflow owns the lifecycle of change requests: submission,
// the append-only vote ledger, consensus-driven state transitions, the
// timeout sweep, execution, and cancellation. Every terminal transition
// is a compare-and-set on the PENDING status, so concurrent votes and
// sweeps decide a request exactly once.
package workflow

import (
	"time"

	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/store"
)

// Status is the lifecycle state of a change request.
type Status string

const (
	// StatusCreated is transient: a request advances to PENDING in the
	// same transaction that persists it. It exists so the transition
	// table is complete.
	StatusCreated   Status = "CREATED"
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusExecuted  Status = "EXECUTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusTimedOut, StatusExecuted, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions is the full state machine. Anything absent is denied.
var allowedTransitions = map[Status][]Status{
	StatusCreated:  {StatusPending},
	StatusPending:  {StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled},
	StatusApproved: {StatusExecuted},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChangeRequest is the aggregate root. Approval requirements (tier, role,
// approver set, cascade flag, deadline) are frozen at creation; later
// rule or roster changes never alter an in-flight request.
type ChangeRequest struct {
	ID                 string                `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ChangeType         string                `gorm:"column:change_type;index:idx_request_type" json:"changeType"`
	EntityID           string                `gorm:"column:entity_id;index:idx_request_entity" json:"entityId"`
	ApprovalTier       rules.Tier            `gorm:"column:approval_tier" json:"approvalTier"`
	RequiredRole       rules.Role            `gorm:"column:required_role" json:"requiredRole"`
	RequiredApprovers  store.JSONStringSlice `gorm:"column:required_approvers;type:text" json:"requiredApprovers"`
	Status             Status                `gorm:"column:status;index:idx_request_status" json:"status"`
	Payload            store.JSONAny         `gorm:"column:payload;type:text" json:"payload,omitempty"`
	Submitter          string                `gorm:"column:submitter;index:idx_request_submitter" json:"submitter"`
	Reason             string                `gorm:"column:reason" json:"reason,omitempty"`
	ParentID           string                `gorm:"column:parent_id;index:idx_request_parent" json:"parentId,omitempty"`
	CascadeOnRejection bool                  `gorm:"column:cascade_on_rejection" json:"cascadeOnRejection"`
	Deadline           time.Time             `gorm:"column:deadline;index:idx_request_deadline" json:"deadline"`
	DecidedAt          *time.Time            `gorm:"column:decided_at" json:"decidedAt,omitempty"`
	ExecutedAt         *time.Time            `gorm:"column:executed_at" json:"executedAt,omitempty"`
	ExecutedBy         string                `gorm:"column:executed_by" json:"executedBy,omitempty"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_request_created" json:"createdAt"`
	UpdatedAt          time.Time             `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName sets the table name for ChangeRequest.
func (ChangeRequest) TableName() string { return "change_requests" }

// Vote is one immutable ledger row. The unique index on
// (request_id, voter_id) is the duplicate-vote guard: the insert itself
// is the atomic check.
type Vote struct {
	ID        string          `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RequestID string          `gorm:"column:request_id;uniqueIndex:idx_vote_request_voter,priority:1" json:"requestId"`
	VoterID   string          `gorm:"column:voter_id;uniqueIndex:idx_vote_request_voter,priority:2" json:"voterId"`
	Decision  quorum.Decision `gorm:"column:decision" json:"decision"`
	Reason    string          `gorm:"column:reason" json:"reason,omitempty"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName sets the table name for Vote.
func (Vote) TableName() string { return "votes" }

// quorumVotes projects ledger rows into the consensus engine's input.
func quorumVotes(votes []Vote) []quorum.Vote {
	out := make([]quorum.Vote, len(votes))
	for i, v := range votes {
		out[i] = quorum.Vote{VoterID: v.VoterID, Decision: v.Decision}
	}
	return out
}
