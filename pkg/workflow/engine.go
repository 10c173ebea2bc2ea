package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/registry"
	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
)

// ValidatorDirectory is the read surface the engine needs from the
// validator registry. It is satisfied by registry.Store and
// registry.CachedStore.
type ValidatorDirectory interface {
	Get(ctx context.Context, id string) (*registry.Validator, error)
	ListActive(ctx context.Context, role rules.Role) ([]registry.Validator, error)
}

// Cascader forces open requests on an entity's dependents to REJECTED
// after a cascading rejection. It is implemented by cascade.Governor and
// declared here to break the import cycle between the two packages.
type Cascader interface {
	OnRejected(ctx context.Context, req *ChangeRequest) (int, error)
}

// Deps collects the engine's collaborators. Hierarchy may be nil when no
// rule sets blockOnActiveDependents.
type Deps struct {
	DB         *gorm.DB
	Requests   *RequestStore
	Ledger     *Ledger
	Validators ValidatorDirectory
	Rules      *rules.Resolver
	Timeline   *timeline.Store
	Outbox     *outbound.Store
	Hierarchy  hierarchy.Client
	Logger     *slog.Logger
}

// Engine orchestrates the request lifecycle: submission, voting,
// consensus-driven transitions, timeout sweeps, execution, and
// cancellation. It serializes work per request (and submissions per
// entity) with keyed mutexes; cross-replica races are closed by the
// compare-and-set transitions underneath.
type Engine struct {
	db         *gorm.DB
	requests   *RequestStore
	ledger     *Ledger
	validators ValidatorDirectory
	rules      *rules.Resolver
	timeline   *timeline.Store
	outbox     *outbound.Store
	hierarchy  hierarchy.Client
	logger     *slog.Logger

	cascade      Cascader
	requestLocks *keyedMutex
	entityLocks  *keyedMutex
}

// NewEngine wires an engine from its dependencies.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:           deps.DB,
		requests:     deps.Requests,
		ledger:       deps.Ledger,
		validators:   deps.Validators,
		rules:        deps.Rules,
		timeline:     deps.Timeline,
		outbox:       deps.Outbox,
		hierarchy:    deps.Hierarchy,
		logger:       logger,
		requestLocks: newKeyedMutex(),
		entityLocks:  newKeyedMutex(),
	}
}

// SetCascade registers the cascade governor. Wired after construction
// because the governor itself depends on the engine.
func (e *Engine) SetCascade(c Cascader) {
	e.cascade = c
}

// SubmitInput is a submission request.
type SubmitInput struct {
	ChangeType string
	EntityID   string
	Payload    map[string]any
	Submitter  string
	Reason     string
}

// Submit creates a change request in PENDING. The approval requirements
// (tier, role, approver set, cascade flag, deadline) are resolved once
// here and frozen onto the request. Fails with ErrDuplicatePending when
// the entity already has an open request, with DependentsActiveError
// when the rule blocks on active dependents, and with
// ErrInsufficientApprovers when the registry cannot field a full board.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*ChangeRequest, error) {
	if in.ChangeType == "" {
		return nil, fmt.Errorf("changeType is required: %w", ErrInvalidRequest)
	}
	if in.EntityID == "" {
		return nil, fmt.Errorf("entityId is required: %w", ErrInvalidRequest)
	}
	if in.Submitter == "" {
		return nil, fmt.Errorf("submitter is required: %w", ErrInvalidRequest)
	}

	rule, err := e.rules.Resolve(in.ChangeType)
	if err != nil {
		return nil, err
	}

	if rule.BlockOnActiveDependents {
		if e.hierarchy == nil {
			return nil, fmt.Errorf("change type %s blocks on active dependents but no hierarchy client is configured", in.ChangeType)
		}
		blocking, err := e.hierarchy.ListDependents(ctx, in.EntityID)
		if err != nil {
			return nil, fmt.Errorf("check dependents of %s: %w", in.EntityID, err)
		}
		if len(blocking) > 0 {
			return nil, &DependentsActiveError{EntityID: in.EntityID, BlockingIDs: blocking}
		}
	}

	unlock := e.entityLocks.lock(in.EntityID)
	defer unlock()

	board, err := e.selectBoard(ctx, rule)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &ChangeRequest{
		ID:                 uuid.New().String(),
		ChangeType:         in.ChangeType,
		EntityID:           in.EntityID,
		ApprovalTier:       rule.Tier,
		RequiredRole:       rule.RequiredRole,
		RequiredApprovers:  board,
		Payload:            store.JSONAny(in.Payload),
		Submitter:          in.Submitter,
		Reason:             in.Reason,
		CascadeOnRejection: rule.CascadeOnRejection,
		Deadline:           now.Add(rule.Timeout),
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.requests.WithTx(tx).CreatePending(ctx, req); err != nil {
			return err
		}
		return e.timeline.WithTx(tx).Append(ctx, &timeline.Event{
			RequestID: req.ID,
			EventType: timeline.EventSubmitted,
			Actor:     in.Submitter,
			Details: store.JSONAny{
				"changeType":        in.ChangeType,
				"entityId":          in.EntityID,
				"approvalTier":      string(rule.Tier),
				"requiredApprovers": []string(board),
				"deadline":          req.Deadline.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("change request submitted",
		"requestId", req.ID,
		"changeType", req.ChangeType,
		"entityId", req.EntityID,
		"approvalTier", req.ApprovalTier,
		"boardSize", len(board),
		"deadline", req.Deadline.Format(time.RFC3339))
	return req, nil
}

// selectBoard picks the required approvers for a rule: the active
// validators holding the rule's role at or above its tier, in id order
// so two replicas resolve the same roster to the same board.
func (e *Engine) selectBoard(ctx context.Context, rule rules.Rule) (store.JSONStringSlice, error) {
	candidates, err := e.validators.ListActive(ctx, rule.RequiredRole)
	if err != nil {
		return nil, fmt.Errorf("list validators for role %s: %w", rule.RequiredRole, err)
	}

	board := make(store.JSONStringSlice, 0, rule.Approvers)
	for _, v := range candidates {
		if !registry.Eligible(v, rule.RequiredRole, rule.Tier) {
			continue
		}
		board = append(board, v.ID)
		if len(board) == rule.Approvers {
			break
		}
	}
	if len(board) < rule.Approvers {
		return nil, fmt.Errorf("tier %s needs %d eligible approvers, registry has %d: %w",
			rule.Tier, rule.Approvers, len(board), ErrInsufficientApprovers)
	}
	return board, nil
}

// RequestDetail is a request with its votes and the current consensus
// tally over the frozen approver set.
type RequestDetail struct {
	Request *ChangeRequest
	Votes   []Vote
	Outcome quorum.Outcome
}

// Get returns a request with votes and tally, or ErrRequestNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*RequestDetail, error) {
	req, err := e.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	votes, err := e.ledger.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{
		Request: req,
		Votes:   votes,
		Outcome: quorum.Evaluate(req.RequiredApprovers, quorumVotes(votes)),
	}, nil
}

// List returns requests matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f Filter, pageSize int, pageToken string) ([]ChangeRequest, string, int, error) {
	return e.requests.List(ctx, f, pageSize, pageToken)
}

// finalizeDecision moves req from PENDING to a terminal decision,
// committing the timeline event and, when outboundEvent is non-empty,
// the outbox row in the same transaction. A compare-and-set miss means
// another vote or sweep decided first; req is reloaded and the caller
// gets swapped=false, not an error.
func (e *Engine) finalizeDecision(ctx context.Context, req *ChangeRequest, to Status, timelineEvent, outboundEvent, actor string, details store.JSONAny) (bool, error) {
	now := time.Now().UTC()
	var swapped bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := e.requests.WithTx(tx).CompareAndSwap(ctx, req.ID, StatusPending, to, map[string]any{
			"decided_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		swapped = true

		if err := e.timeline.WithTx(tx).Append(ctx, &timeline.Event{
			RequestID: req.ID,
			EventType: timelineEvent,
			Actor:     actor,
			Details:   details,
		}); err != nil {
			return err
		}
		if outboundEvent == "" {
			return nil
		}
		return e.outbox.WithTx(tx).Append(ctx, &outbound.Event{
			RequestID: req.ID,
			EventType: outboundEvent,
			Payload: store.JSONAny{
				"requestId":    req.ID,
				"changeType":   req.ChangeType,
				"entityId":     req.EntityID,
				"status":       string(to),
				"approvalTier": string(req.ApprovalTier),
				"decidedAt":    now.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return false, err
	}

	if swapped {
		req.Status = to
		req.DecidedAt = &now
		return true, nil
	}
	fresh, err := e.requests.Get(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if fresh != nil {
		*req = *fresh
	}
	return false, nil
}
