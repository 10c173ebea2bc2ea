package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
)

// VoteResult is the outcome of casting one vote: the recorded ballot,
// the request's resulting state, and the tally that produced it.
type VoteResult struct {
	Request          *ChangeRequest
	Vote             *Vote
	Outcome          quorum.Outcome
	ConsensusReached bool
}

// CastVote records one ballot and re-evaluates consensus. The vote row
// and its timeline event commit together; if the tally then crosses a
// threshold the terminal transition follows under the same per-request
// lock. A vote on an expired request transitions it to TIMED_OUT and
// fails with ErrTimedOut.
func (e *Engine) CastVote(ctx context.Context, requestID, voterID string, decision quorum.Decision, reason string) (*VoteResult, error) {
	if requestID == "" || voterID == "" {
		return nil, fmt.Errorf("requestId and voterId are required: %w", ErrInvalidRequest)
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("decision %q: %w", decision, ErrInvalidDecision)
	}

	unlock := e.requestLocks.lock(requestID)
	defer unlock()

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrRequestNotFound)
	}

	voter, err := e.validators.Get(ctx, voterID)
	if err != nil {
		return nil, fmt.Errorf("look up voter %s: %w", voterID, err)
	}

	now := time.Now().UTC()
	var vote *Vote
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := e.ledger.WithTx(tx).Record(ctx, req, voter, decision, reason, now)
		if err != nil {
			return err
		}
		vote = v
		return e.timeline.WithTx(tx).Append(ctx, &timeline.Event{
			RequestID: req.ID,
			EventType: timeline.EventVoteCast,
			Actor:     voterID,
			Details: store.JSONAny{
				"decision": string(decision),
				"reason":   reason,
			},
		})
	})
	if err != nil {
		// A ballot against an expired request is what surfaces the
		// timeout when the sweep has not reached it yet.
		if errors.Is(err, ErrTimedOut) {
			e.expirePending(ctx, req)
		}
		return nil, err
	}

	votes, err := e.ledger.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	outcome := quorum.Evaluate(req.RequiredApprovers, quorumVotes(votes))

	switch outcome.Status {
	case quorum.StatusApproved:
		if _, err := e.finalizeDecision(ctx, req, StatusApproved,
			timeline.EventApproved, outbound.EventRequestApproved, voterID,
			store.JSONAny{
				"approvals": outcome.Approvals,
				"required":  outcome.Required,
			}); err != nil {
			return nil, err
		}
	case quorum.StatusRejected:
		swapped, err := e.finalizeDecision(ctx, req, StatusRejected,
			timeline.EventRejected, outbound.EventRequestRejected, voterID,
			store.JSONAny{
				"rejections": outcome.Rejections,
				"dissentCap": outcome.DissentCap,
			})
		if err != nil {
			return nil, err
		}
		if swapped {
			e.maybeCascade(ctx, req)
		}
	}

	e.logger.Info("vote recorded",
		"requestId", req.ID,
		"voterId", voterID,
		"decision", decision,
		"status", req.Status,
		"approvals", outcome.Approvals,
		"rejections", outcome.Rejections)

	return &VoteResult{
		Request:          req,
		Vote:             vote,
		Outcome:          outcome,
		ConsensusReached: outcome.Status != quorum.StatusPending,
	}, nil
}

// expirePending transitions an expired PENDING request to TIMED_OUT.
// Callers hold the request lock. A compare-and-set miss means the sweep
// or another vote got there first, which is fine.
func (e *Engine) expirePending(ctx context.Context, req *ChangeRequest) {
	swapped, err := e.finalizeDecision(ctx, req, StatusTimedOut,
		timeline.EventTimedOut, outbound.EventRequestTimedOut, "system",
		store.JSONAny{"deadline": req.Deadline.Format(time.RFC3339)})
	if err != nil {
		e.logger.Error("expire request failed", "requestId", req.ID, "error", err)
		return
	}
	if swapped {
		e.logger.Info("request timed out", "requestId", req.ID, "deadline", req.Deadline.Format(time.RFC3339))
		e.maybeCascade(ctx, req)
	}
}

// maybeCascade invokes the cascade governor after a rejection or
// timeout (a timeout is an auto-rejection for cascade purposes). Cascade
// faults are logged, never propagated: the triggering decision stands.
func (e *Engine) maybeCascade(ctx context.Context, req *ChangeRequest) {
	if !req.CascadeOnRejection || e.cascade == nil {
		return
	}
	count, err := e.cascade.OnRejected(ctx, req)
	if err != nil {
		e.logger.Error("cascade incomplete",
			"requestId", req.ID,
			"entityId", req.EntityID,
			"cascadedCount", count,
			"error", err)
		return
	}
	if count > 0 {
		e.logger.Info("cascaded rejection",
			"requestId", req.ID,
			"entityId", req.EntityID,
			"cascadedCount", count)
	}
}
