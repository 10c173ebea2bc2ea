package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/registry"
)

// Ledger is the append-only vote store. Rows are never updated or
// deleted; deactivating a validator does not retract its past votes.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a vote ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates or updates the votes table.
func (l *Ledger) Migrate() error {
	return l.db.AutoMigrate(&Vote{})
}

// WithTx returns a ledger bound to the given transaction, so the vote
// row commits together with its timeline event.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// Record appends one vote after checking, in order: the request is known
// and still pending; its deadline has not passed; the voter is active and
// authorized for the request's frozen role and tier; the voter has not
// voted yet; a rejection carries a reason. The prior-vote read gives
// DuplicateVote precedence over MissingReason, and the unique index on
// (request_id, voter_id) closes the race between two concurrent
// identical votes: whichever insert loses surfaces as DuplicateVote.
func (l *Ledger) Record(ctx context.Context, req *ChangeRequest, voter *registry.Validator, decision quorum.Decision, reason string, now time.Time) (*Vote, error) {
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrAlreadyDecided)
	}
	if now.After(req.Deadline) {
		return nil, fmt.Errorf("request %s expired at %s: %w",
			req.ID, req.Deadline.Format(time.RFC3339), ErrTimedOut)
	}
	if voter == nil || !registry.Eligible(*voter, req.RequiredRole, req.ApprovalTier) {
		return nil, fmt.Errorf("request %s requires an active %s at tier %s or above: %w",
			req.ID, req.RequiredRole, req.ApprovalTier, ErrInsufficientAuthority)
	}

	var prior Vote
	err := l.db.WithContext(ctx).
		Where("request_id = ? AND voter_id = ?", req.ID, voter.ID).
		First(&prior).Error
	if err == nil {
		return nil, fmt.Errorf("voter %s already voted on %s: %w", voter.ID, req.ID, ErrDuplicateVote)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check prior vote: %w", err)
	}

	if decision == quorum.DecisionRejected && reason == "" {
		return nil, ErrMissingReason
	}

	vote := &Vote{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		VoterID:   voter.ID,
		Decision:  decision,
		Reason:    reason,
	}
	if err := l.db.WithContext(ctx).Create(vote).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("voter %s already voted on %s: %w", voter.ID, req.ID, ErrDuplicateVote)
		}
		return nil, fmt.Errorf("record vote: %w", err)
	}
	return vote, nil
}

// ListByRequest returns a request's votes oldest first.
func (l *Ledger) ListByRequest(ctx context.Context, requestID string) ([]Vote, error) {
	var votes []Vote
	err := l.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&votes).Error
	if err != nil {
		return nil, fmt.Errorf("list votes for %s: %w", requestID, err)
	}
	return votes, nil
}

// CountByRequest returns the number of ledger rows for a request.
func (l *Ledger) CountByRequest(ctx context.Context, requestID string) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Vote{}).
		Where("request_id = ?", requestID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count votes for %s: %w", requestID, err)
	}
	return count, nil
}
