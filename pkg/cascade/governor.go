// Package cascade enforces rejection consequences across the token
// hierarchy. When a request is rejected with cascade enabled, every
// dependent entity's open request is forced to REJECTED, recursively,
// with cycle detection so a malformed graph cannot loop the walk.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
	"github.com/tokenreg/quorum/pkg/workflow"
)

// RejectedReason is recorded on every cascade-forced rejection.
const RejectedReason = "parent rejected"

// CycleError reports a dependency cycle met mid-walk. Only the offending
// branch is abandoned; siblings and the triggering rejection stand.
type CycleError struct {
	EntityID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("governance cycle detected at entity %s", e.EntityID)
}

// Rejecter is the slice of the workflow engine the governor drives: a
// forced rejection that does not itself re-enter the cascade.
type Rejecter interface {
	CascadeReject(ctx context.Context, entityID, parentRequestID, reason string) (*workflow.ChangeRequest, bool, error)
}

// Governor walks the dependent graph after a cascading rejection. One
// walk runs per triggering rejection; the engine serializes the forced
// transitions per request underneath.
type Governor struct {
	hierarchy hierarchy.Client
	rejecter  Rejecter
	timeline  *timeline.Store
	logger    *slog.Logger
}

// NewGovernor creates a governor over the hierarchy and the engine.
func NewGovernor(h hierarchy.Client, r Rejecter, tl *timeline.Store, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{hierarchy: h, rejecter: r, timeline: tl, logger: logger}
}

// OnRejected forces the open requests of req's dependents to REJECTED
// and returns how many it rejected. Recursion continues through
// dependents whose own forced-rejected request also cascades. The first
// fault met is returned after the walk completes; faults never stop
// sibling branches.
func (g *Governor) OnRejected(ctx context.Context, req *workflow.ChangeRequest) (int, error) {
	if g.hierarchy == nil {
		return 0, nil
	}
	visited := mapset.NewThreadUnsafeSet(req.EntityID)
	return g.cascadeFrom(ctx, req.EntityID, req.ID, visited)
}

func (g *Governor) cascadeFrom(ctx context.Context, entityID, parentRequestID string, visited mapset.Set[string]) (int, error) {
	dependents, err := g.hierarchy.ListDependents(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("list dependents of %s: %w", entityID, err)
	}

	count := 0
	var firstFault error
	for _, depID := range dependents {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		// Add reports false when the entity was already walked, which
		// in an acyclic graph cannot happen.
		if !visited.Add(depID) {
			fault := &CycleError{EntityID: depID}
			g.logger.Error("cascade branch aborted",
				"entityId", depID,
				"parentRequestId", parentRequestID,
				"error", fault)
			g.recordCycle(ctx, parentRequestID, depID)
			if firstFault == nil {
				firstFault = fault
			}
			continue
		}

		rejected, swapped, err := g.rejecter.CascadeReject(ctx, depID, parentRequestID, RejectedReason)
		if err != nil {
			g.logger.Error("cascade rejection failed",
				"entityId", depID,
				"parentRequestId", parentRequestID,
				"error", err)
			if firstFault == nil {
				firstFault = err
			}
			continue
		}
		if rejected == nil {
			// No open request; nothing to reject and nothing to
			// propagate below this entity.
			continue
		}
		if swapped {
			count++
		}
		if rejected.CascadeOnRejection {
			n, err := g.cascadeFrom(ctx, depID, rejected.ID, visited)
			count += n
			if err != nil && firstFault == nil {
				firstFault = err
			}
		}
	}
	return count, firstFault
}

// recordCycle appends a CASCADE_CYCLE event to the request whose walk
// met the cycle. The audit row is best effort; the walk already carries
// the fault back to the caller.
func (g *Governor) recordCycle(ctx context.Context, requestID, entityID string) {
	if g.timeline == nil {
		return
	}
	err := g.timeline.Append(ctx, &timeline.Event{
		RequestID: requestID,
		EventType: timeline.EventCascadeCycle,
		Actor:     "system",
		Details:   store.JSONAny{"entityId": entityID},
	})
	if err != nil {
		g.logger.Error("record cascade cycle", "requestId", requestID, "error", err)
	}
}

// CanRetire reports whether entityID may be retired: it may not while
// active dependents remain. Intended as a pre-check before a retirement
// request is submitted; the submission path enforces the same rule.
func (g *Governor) CanRetire(ctx context.Context, entityID string) (bool, []string, error) {
	blocking, err := g.hierarchy.ListDependents(ctx, entityID)
	if err != nil {
		return false, nil, fmt.Errorf("list dependents of %s: %w", entityID, err)
	}
	return len(blocking) == 0, blocking, nil
}
