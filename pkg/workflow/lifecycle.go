package workflow

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
)

// Execute marks an APPROVED request as applied to the registry.
// Re-invoking after success returns the prior result instead of
// erroring, so transport-level retries are safe.
func (e *Engine) Execute(ctx context.Context, requestID, executor string) (*ChangeRequest, error) {
	if executor == "" {
		return nil, fmt.Errorf("executor is required: %w", ErrInvalidRequest)
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
	if req.Status == StatusExecuted {
		return req, nil
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrNotApproved)
	}

	now := time.Now().UTC()
	var swapped bool
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := e.requests.WithTx(tx).CompareAndSwap(ctx, req.ID, StatusApproved, StatusExecuted, map[string]any{
			"executed_at": now,
			"executed_by": executor,
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		swapped = true
		return e.timeline.WithTx(tx).Append(ctx, &timeline.Event{
			RequestID: req.ID,
			EventType: timeline.EventExecuted,
			Actor:     executor,
		})
	})
	if err != nil {
		return nil, err
	}

	if !swapped {
		// APPROVED only exits to EXECUTED, so a miss means a concurrent
		// executor won; return its result.
		fresh, err := e.requests.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("request %s: %w", requestID, ErrRequestNotFound)
		}
		return fresh, nil
	}

	req.Status = StatusExecuted
	req.ExecutedAt = &now
	req.ExecutedBy = executor
	e.logger.Info("request executed", "requestId", req.ID, "changeType", req.ChangeType, "executor", executor)
	return req, nil
}

// Cancel withdraws a PENDING request. Only the original submitter may
// cancel; a decided request cannot be withdrawn.
func (e *Engine) Cancel(ctx context.Context, requestID, actor, reason string) (*ChangeRequest, error) {
	unlock := e.requestLocks.lock(requestID)
	defer unlock()

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrRequestNotFound)
	}
	if req.Submitter != actor {
		return nil, fmt.Errorf("request %s was submitted by %s: %w", requestID, req.Submitter, ErrNotSubmitter)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrAlreadyDecided)
	}

	swapped, err := e.finalizeDecision(ctx, req, StatusCancelled,
		timeline.EventCancelled, "", actor,
		store.JSONAny{"reason": reason})
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrAlreadyDecided)
	}

	e.logger.Info("request cancelled", "requestId", req.ID, "submitter", actor)
	return req, nil
}

// CascadeReject forces an entity's open request, if any, into REJECTED
// on behalf of a rejected ancestor. It returns the rejected request so
// the governor can decide whether to recurse; it never invokes the
// cascade hook itself. Entities with no open request, and compare-and-set
// misses, are quiet no-ops.
func (e *Engine) CascadeReject(ctx context.Context, entityID, parentRequestID, reason string) (*ChangeRequest, bool, error) {
	req, err := e.requests.PendingForEntity(ctx, entityID)
	if err != nil {
		return nil, false, err
	}
	if req == nil {
		return nil, false, nil
	}

	unlock := e.requestLocks.lock(req.ID)
	defer unlock()

	swapped, err := e.finalizeDecision(ctx, req, StatusRejected,
		timeline.EventRejected, outbound.EventRequestRejected, "system",
		store.JSONAny{
			"reason":       reason,
			"cascadedFrom": parentRequestID,
		})
	if err != nil {
		return nil, false, err
	}
	if swapped {
		e.logger.Info("request rejected by cascade",
			"requestId", req.ID,
			"entityId", entityID,
			"cascadedFrom", parentRequestID)
	}
	return req, swapped, nil
}
