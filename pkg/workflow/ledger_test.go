package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/registry"
	"github.com/tokenreg/quorum/pkg/rules"
)

func setupLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(setupTestDB(t))
	require.NoError(t, l.Migrate())
	return l
}

func eligibleVoter(id string) *registry.Validator {
	return &registry.Validator{
		ID:            id,
		Role:          rules.RoleValidator,
		AuthorityTier: rules.TierElevated,
		Active:        true,
	}
}

func TestRecordVote(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	req := newTestRequest("tok-1")
	req.Status = StatusPending

	vote, err := l.Record(ctx, req, eligibleVoter("alice"), quorum.DecisionApproved, "", time.Now())
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.NotEmpty(t, vote.ID)
	assert.Equal(t, req.ID, vote.RequestID)
	assert.Equal(t, "alice", vote.VoterID)

	votes, err := l.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)

	// Rejections carry their reason into the ledger.
	vote, err = l.Record(ctx, req, eligibleVoter("bob"), quorum.DecisionRejected, "schema mismatch", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "schema mismatch", vote.Reason)
}

func TestRecordPreconditionOrder(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := time.Now()

	pending := newTestRequest("tok-1")
	pending.Status = StatusPending

	decided := newTestRequest("tok-2")
	decided.Status = StatusApproved

	expired := newTestRequest("tok-3")
	expired.Status = StatusPending
	expired.Deadline = now.Add(-time.Hour)

	inactive := eligibleVoter("inactive")
	inactive.Active = false

	underTier := eligibleVoter("junior")
	underTier.AuthorityTier = rules.TierStandard

	wrongRole := eligibleVoter("admin-only")
	wrongRole.Role = rules.RoleAdmin

	tests := []struct {
		name     string
		req      *ChangeRequest
		voter    *registry.Validator
		decision quorum.Decision
		reason   string
		wantErr  error
	}{
		// A decided request wins over every later check, voter included.
		{"unknown request", nil, eligibleVoter("alice"), quorum.DecisionApproved, "", ErrRequestNotFound},
		{"already decided beats bad voter", decided, nil, quorum.DecisionApproved, "", ErrAlreadyDecided},
		{"expired beats bad voter", expired, nil, quorum.DecisionApproved, "", ErrTimedOut},
		{"nil voter", pending, nil, quorum.DecisionApproved, "", ErrInsufficientAuthority},
		{"inactive voter", pending, inactive, quorum.DecisionApproved, "", ErrInsufficientAuthority},
		{"tier below request", pending, underTier, quorum.DecisionApproved, "", ErrInsufficientAuthority},
		{"role mismatch", pending, wrongRole, quorum.DecisionApproved, "", ErrInsufficientAuthority},
		// Authority is checked before the rejection-reason rule.
		{"no authority beats missing reason", pending, inactive, quorum.DecisionRejected, "", ErrInsufficientAuthority},
		{"rejection without reason", pending, eligibleVoter("bob"), quorum.DecisionRejected, "", ErrMissingReason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(ctx, tt.req, tt.voter, tt.decision, tt.reason, now)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Nothing above left a row behind.
	votes, err := l.ListByRequest(ctx, pending.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestRecordDuplicateVote(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	req := newTestRequest("tok-1")
	req.Status = StatusPending

	_, err := l.Record(ctx, req, eligibleVoter("alice"), quorum.DecisionApproved, "", time.Now())
	require.NoError(t, err)

	// Same voter again, even switching sides, is refused.
	_, err = l.Record(ctx, req, eligibleVoter("alice"), quorum.DecisionRejected, "changed my mind", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	// The duplicate check precedes the missing-reason check.
	_, err = l.Record(ctx, req, eligibleVoter("alice"), quorum.DecisionRejected, "", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	votes, err := l.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, quorum.DecisionApproved, votes[0].Decision)

	count, err := l.CountByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordUniqueIndexClosesRace(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db)
	require.NoError(t, l.Migrate())
	ctx := context.Background()
	req := newTestRequest("tok-1")
	req.Status = StatusPending

	_, err := l.Record(ctx, req, eligibleVoter("alice"), quorum.DecisionApproved, "", time.Now())
	require.NoError(t, err)

	// A second insert slipping past the read check, as a concurrent
	// writer would, hits the unique index and surfaces as a duplicate.
	err = db.Create(&Vote{
		ID:        "race-row",
		RequestID: req.ID,
		VoterID:   "alice",
		Decision:  quorum.DecisionApproved,
	}).Error
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestVotesOfOtherRequestsInvisible(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	reqA := newTestRequest("tok-1")
	reqA.Status = StatusPending
	reqB := newTestRequest("tok-2")
	reqB.Status = StatusPending

	_, err := l.Record(ctx, reqA, eligibleVoter("alice"), quorum.DecisionApproved, "", time.Now())
	require.NoError(t, err)
	// The one-vote rule is per request, not per voter globally.
	_, err = l.Record(ctx, reqB, eligibleVoter("alice"), quorum.DecisionApproved, "", time.Now())
	require.NoError(t, err)

	votes, err := l.ListByRequest(ctx, reqA.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, reqA.ID, votes[0].RequestID)
}
