package cascade

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/registry"
	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/timeline"
	"github.com/tokenreg/quorum/pkg/workflow"
)

type fixture struct {
	engine   *workflow.Engine
	governor *Governor
	requests *workflow.RequestStore
	ledger   *workflow.Ledger
	timeline *timeline.Store
	outbox   *outbound.Store
	tokens   *hierarchy.LocalStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	requests := workflow.NewRequestStore(db)
	require.NoError(t, requests.Migrate())
	ledger := workflow.NewLedger(db)
	require.NoError(t, ledger.Migrate())
	validators := registry.NewStore(db)
	require.NoError(t, validators.Migrate())
	tl := timeline.NewStore(db)
	require.NoError(t, tl.Migrate())
	outbox := outbound.NewStore(db)
	require.NoError(t, outbox.Migrate())
	tokens := hierarchy.NewLocalStore(db)
	require.NoError(t, tokens.Migrate())

	resolver, err := rules.NewResolver(rules.Default())
	require.NoError(t, err)

	engine := workflow.NewEngine(workflow.Deps{
		DB:         db,
		Requests:   requests,
		Ledger:     ledger,
		Validators: validators,
		Rules:      resolver,
		Timeline:   tl,
		Outbox:     outbox,
		Hierarchy:  tokens,
	})
	governor := NewGovernor(tokens, engine, tl, nil)
	engine.SetCascade(governor)

	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, validators.Upsert(ctx, &registry.Validator{
			ID:            id,
			Role:          rules.RoleValidator,
			AuthorityTier: rules.TierElevated,
			Active:        true,
		}))
	}

	return &fixture{
		engine:   engine,
		governor: governor,
		requests: requests,
		ledger:   ledger,
		timeline: tl,
		outbox:   outbox,
		tokens:   tokens,
	}
}

func (f *fixture) putToken(t *testing.T, id, parentID string) {
	t.Helper()
	require.NoError(t, f.tokens.Put(context.Background(), &hierarchy.Token{ID: id, ParentID: parentID}))
}

// submitSuspend opens a cascading ELEVATED request for the entity.
func (f *fixture) submitSuspend(t *testing.T, entityID string) *workflow.ChangeRequest {
	t.Helper()
	req, err := f.engine.Submit(context.Background(), workflow.SubmitInput{
		ChangeType: "token.suspend",
		EntityID:   entityID,
		Submitter:  "carol",
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) status(t *testing.T, requestID string) workflow.Status {
	t.Helper()
	req, err := f.requests.Get(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req.Status
}

func TestRejectionCascadesToDependents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putToken(t, "root", "")
	f.putToken(t, "child-1", "root")
	f.putToken(t, "child-2", "root")

	rootReq := f.submitSuspend(t, "root")
	child1Req := f.submitSuspend(t, "child-1")
	child2Req := f.submitSuspend(t, "child-2")

	_, err := f.engine.CastVote(ctx, rootReq.ID, "alice", quorum.DecisionRejected, "capacity exhausted")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRejected, f.status(t, rootReq.ID))
	assert.Equal(t, workflow.StatusRejected, f.status(t, child1Req.ID))
	assert.Equal(t, workflow.StatusRejected, f.status(t, child2Req.ID))

	// Forced rejections carry the cascade reason and the parent request,
	// and add no ballots to the children's ledgers.
	events, _, _, err := f.timeline.ListByRequest(ctx, child1Req.ID, 100, "")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, timeline.EventRejected, last.EventType)
	assert.Equal(t, "system", last.Actor)
	assert.Equal(t, RejectedReason, last.Details["reason"])
	assert.Equal(t, rootReq.ID, last.Details["cascadedFrom"])

	votes, err := f.ledger.ListByRequest(ctx, child1Req.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)

	// Every rejection, forced or voted, is announced downstream.
	outEvents, err := f.outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, outEvents, 3)
}

func TestCascadeRecursesThroughCascadingRequests(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putToken(t, "a", "")
	f.putToken(t, "b", "a")
	f.putToken(t, "c", "b")

	aReq := f.submitSuspend(t, "a")
	bReq := f.submitSuspend(t, "b")
	cReq := f.submitSuspend(t, "c")

	_, err := f.engine.CastVote(ctx, aReq.ID, "bob", quorum.DecisionRejected, "chain teardown")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRejected, f.status(t, aReq.ID))
	assert.Equal(t, workflow.StatusRejected, f.status(t, bReq.ID))
	assert.Equal(t, workflow.StatusRejected, f.status(t, cReq.ID))

	// The grandchild's rejection points at its own parent's request.
	events, _, _, err := f.timeline.ListByRequest(ctx, cReq.ID, 100, "")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, bReq.ID, last.Details["cascadedFrom"])
}

func TestCascadeStopsAtEntitiesWithoutOpenRequests(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putToken(t, "a", "")
	f.putToken(t, "b", "a") // no open request
	f.putToken(t, "c", "b")

	aReq := f.submitSuspend(t, "a")
	cReq := f.submitSuspend(t, "c")

	_, err := f.engine.CastVote(ctx, aReq.ID, "alice", quorum.DecisionRejected, "teardown")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRejected, f.status(t, aReq.ID))
	// Nothing was rejected at b, so nothing propagates to c.
	assert.Equal(t, workflow.StatusPending, f.status(t, cReq.ID))
}

func TestCascadeCycleAbortsBranchOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// a and b point at each other; d is a clean sibling under a.
	f.putToken(t, "a", "b")
	f.putToken(t, "b", "a")
	f.putToken(t, "d", "a")

	bReq := f.submitSuspend(t, "b")
	dReq := f.submitSuspend(t, "d")

	trigger := &workflow.ChangeRequest{
		ID:                 "rejected-at-a",
		EntityID:           "a",
		CascadeOnRejection: true,
	}
	count, err := f.governor.OnRejected(ctx, trigger)

	// b and d both fall; the walk under b finds a again and aborts that
	// branch with a cycle fault instead of looping.
	assert.Equal(t, 2, count)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "a", cycleErr.EntityID)

	assert.Equal(t, workflow.StatusRejected, f.status(t, bReq.ID))
	assert.Equal(t, workflow.StatusRejected, f.status(t, dReq.ID))

	// The walk under b met the cycle, so b's request carries the audit
	// row naming the entity that closed the loop.
	events, _, _, err := f.timeline.ListByRequest(ctx, bReq.ID, 100, "")
	require.NoError(t, err)
	var cycleEvent *timeline.Event
	for i := range events {
		if events[i].EventType == timeline.EventCascadeCycle {
			cycleEvent = &events[i]
		}
	}
	require.NotNil(t, cycleEvent)
	assert.Equal(t, "system", cycleEvent.Actor)
	assert.Equal(t, "a", cycleEvent.Details["entityId"])
}

func TestCascadeRepeatIsNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putToken(t, "root", "")
	f.putToken(t, "child", "root")

	rootReq := f.submitSuspend(t, "root")
	childReq := f.submitSuspend(t, "child")

	_, err := f.engine.CastVote(ctx, rootReq.ID, "alice", quorum.DecisionRejected, "teardown")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, f.status(t, childReq.ID))

	// Re-running the walk finds every transition already taken.
	count, err := f.governor.OnRejected(ctx, rootReq)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Exactly one rejection per request reached the outbox.
	outEvents, err := f.outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, outEvents, 2)
}

func TestCanRetire(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putToken(t, "root", "")
	f.putToken(t, "leaf", "root")

	allowed, blocking, err := f.governor.CanRetire(ctx, "root")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, []string{"leaf"}, blocking)

	require.NoError(t, f.tokens.SetState(ctx, "leaf", hierarchy.TokenRetired))

	allowed, blocking, err = f.governor.CanRetire(ctx, "root")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, blocking)
}
