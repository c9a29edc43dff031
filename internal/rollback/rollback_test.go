package rollback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/rollback"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/internal/store/memory"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
)

// pages is the live entity store: the state reader for captures and the
// applier for rollbacks.
type pages struct {
	mu      sync.Mutex
	states  map[string]*model.EntityState
	fail    error
	applied int
}

func (p *pages) ReadState(_ context.Context, id string) (*model.EntityState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("page %s", id)
	}
	cp := *s
	return &cp, nil
}

func (p *pages) ApplyState(_ context.Context, state *model.EntityState, _ model.ActorRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.applied++
	cp := *state
	p.states[state.EntityID] = &cp
	return nil
}

func (p *pages) set(id, title, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = &model.EntityState{
		EntityID:    id,
		WorkspaceID: "ws1",
		Kind:        model.KindPage,
		Title:       title,
		Format:      model.FormatMarkdown,
		Content:     []byte(body),
	}
}

func (p *pages) body(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.states[id].Content)
}

type recordingAlerter struct {
	mu       sync.Mutex
	events   []string
	payloads []map[string]any
}

func (a *recordingAlerter) Notify(_ context.Context, event string, payload map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.payloads = append(a.payloads, payload)
}

// unrecordable rejects every append, as if the chain never settled.
type unrecordable struct {
	*ledger.Ledger
}

func (unrecordable) Append(context.Context, ledger.Draft) (*model.LedgerEntry, error) {
	return nil, errclass.ErrChainConflict.WithMessage("tip moved")
}

// forgetful hides chosen entries from Get, as if they had been exported.
type forgetful struct {
	*ledger.Ledger
	gone map[string]bool
}

func (f *forgetful) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	if f.gone[id] {
		return nil, errclass.ErrNotFound.WithMessagef("ledger entry %s", id)
	}
	return f.Ledger.Get(ctx, id)
}

type env struct {
	pages   *pages
	snaps   *snapshot.Service
	store   *memory.Snapshots
	blobs   *blob.MemoryStore
	ledger  *ledger.Ledger
	entries *memory.Ledger
	alerts  *recordingAlerter
	metrics *metrics.Registry
}

func newEnv() *env {
	mem := memory.New()
	e := &env{
		pages:   &pages{states: map[string]*model.EntityState{}},
		store:   mem.Snapshots(),
		blobs:   blob.NewMemoryStore(),
		entries: mem.Ledger(),
		alerts:  &recordingAlerter{},
		metrics: metrics.NewRegistry(),
	}
	e.snaps = snapshot.NewService(e.store, e.blobs, snapshot.WithStateReader(e.pages))
	e.ledger = ledger.New(e.entries, ledger.DefaultOptions())
	return e
}

func (e *env) engine(l rollback.Ledger) *rollback.Engine {
	if l == nil {
		l = e.ledger
	}
	return rollback.NewEngine(e.snaps, l, e.pages,
		rollback.WithAlerter(e.alerts),
		rollback.WithMetrics(e.metrics))
}

var ada = model.UserActor("u1", "ada@example.com", "Ada")

// edit records an update and captures the snapshot keyed to it.
func (e *env) edit(t *testing.T, id, title, body string) (*model.LedgerEntry, *model.Snapshot) {
	t.Helper()
	ctx := context.Background()
	e.pages.set(id, title, body)
	entry, err := e.ledger.Append(ctx, ledger.Draft{
		Operation:     model.OperationUpdate,
		ResourceType:  model.ResourcePage,
		ResourceID:    id,
		ResourceTitle: title,
		Actor:         ada,
		WorkspaceID:   "ws1",
		EntityID:      id,
	})
	require.NoError(t, err)
	snap, err := e.snaps.Capture(ctx, snapshot.CaptureRequest{
		EntityID: id,
		Source:   model.SourceAuto,
		Actor:    ada,
		Activity: model.ActivityRefFor(entry),
	})
	require.NoError(t, err)
	return entry, snap
}

func TestRollback_RestoresAndRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first, v1 := e.edit(t, "p1", "Plan", "draft one")
	e.edit(t, "p1", "Plan", "draft two")

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.NoError(t, err)

	assert.Equal(t, "draft one", e.pages.body("p1"))
	assert.Equal(t, model.OperationRollback, entry.Operation)
	assert.Equal(t, model.OutcomeSucceeded, entry.Outcome)
	require.NotNil(t, entry.RollbackFromActivityID)
	assert.Equal(t, first.ID, *entry.RollbackFromActivityID)
	assert.Equal(t, model.OperationUpdate, *entry.RollbackSourceOperation)
	assert.True(t, first.Timestamp.Equal(*entry.RollbackSourceTimestamp))
	assert.Equal(t, "Plan", *entry.RollbackSourceTitle)
	assert.Equal(t, v1.StateHash, entry.StateHashAfter)
	assert.Equal(t, v1.ContentRef, entry.ContentRef)

	snaps, err := e.snaps.List(ctx, snapshot.ListQuery{EntityID: "p1"})
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	assert.Equal(t, model.SourceRestore, snaps[0].Source)
	assert.Equal(t, v1.StateHash, snaps[0].StateHash)
	require.NotNil(t, snaps[0].Activity)
	assert.Equal(t, entry.ID, snaps[0].Activity.ID)
	assert.Equal(t, model.SourcePreRestore, snaps[1].Source)
	assert.Equal(t, entry.StateHashBefore, snaps[1].StateHash)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues("succeeded")))
}

// sweepAll expires every snapshot of entity and runs a retention sweep.
func (e *env) sweepAll(t *testing.T, entity string) {
	t.Helper()
	ctx := context.Background()
	snaps, err := e.snaps.List(ctx, snapshot.ListQuery{EntityID: entity})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	for _, s := range snaps {
		require.True(t, e.store.ExpireNow(s.ID, past))
	}
	report, err := retention.NewSweeper(e.store, e.blobs.Delete, retention.SweepOptions{},
		retention.WithCheckpoints(e.store)).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, len(snaps), report.SnapshotsDeleted)

	left, err := e.snaps.List(ctx, snapshot.ListQuery{EntityID: entity})
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestRollback_EntryContentOutlivesSnapshots(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "draft one")
	e.edit(t, "p1", "Plan", "draft two")

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.NoError(t, err)
	require.Equal(t, v1.ContentRef, entry.ContentRef)

	e.sweepAll(t, "p1")

	data, err := e.snaps.GetContent(ctx, entry.ContentRef)
	require.NoError(t, err)
	state, err := snapshot.Decode(data, entry.ContentRef)
	require.NoError(t, err)
	assert.Equal(t, "draft one", string(state.Content))
}

func TestRollback_FailedEntryContentOutlivesSnapshots(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "draft one")
	e.edit(t, "p1", "Plan", "draft two")
	e.pages.fail = errors.New("page locked")

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.ErrorIs(t, err, errclass.ErrApplyFailed)
	require.NotNil(t, entry)

	e.sweepAll(t, "p1")

	_, err = e.snaps.GetContent(ctx, entry.ContentRef)
	assert.NoError(t, err)
}

func TestRollback_UnrecordedApplyAlerts(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")
	e.edit(t, "p1", "Plan", "two")

	entry, err := e.engine(unrecordable{e.ledger}).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.ErrorIs(t, err, errclass.ErrChainConflict)
	assert.Nil(t, entry)
	assert.Equal(t, "one", e.pages.body("p1"), "apply already happened")

	require.Equal(t, []string{"rollback.failed"}, e.alerts.events)
	payload := e.alerts.payloads[0]
	assert.Equal(t, "record", payload["stage"])
	assert.Equal(t, "p1", payload["entity_id"])
	assert.Equal(t, v1.ID.String(), payload["snapshot_id"])
	assert.Contains(t, payload["error"], "tip moved")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues("unrecorded")))
}

func TestRollback_SourceEntryGoneKeepsDenormalizedFields(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first, v1 := e.edit(t, "p1", "Roadmap", "q1")
	e.edit(t, "p1", "Roadmap", "q2")

	l := &forgetful{Ledger: e.ledger, gone: map[string]bool{first.ID: true}}
	entry, err := e.engine(l).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.NoError(t, err)

	assert.Nil(t, entry.RollbackFromActivityID)
	require.NotNil(t, entry.RollbackSourceOperation)
	assert.Equal(t, model.OperationUpdate, *entry.RollbackSourceOperation)
	assert.Equal(t, "Roadmap", *entry.RollbackSourceTitle)
	assert.True(t, first.Timestamp.Equal(*entry.RollbackSourceTimestamp))
}

func TestRollback_ArchivedSourceStillResolves(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first, v1 := e.edit(t, "p1", "Notes", "a")
	e.edit(t, "p1", "Notes", "b")

	n, err := e.ledger.ArchiveBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.NoError(t, err)
	require.NotNil(t, entry.RollbackFromActivityID)
	assert.Equal(t, first.ID, *entry.RollbackFromActivityID)
}

func TestRollback_ManualSnapshotFallsBackToSnapshotOperation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.pages.set("p1", "Launch plan", "v1")
	manual, err := e.snaps.Capture(ctx, snapshot.CaptureRequest{EntityID: "p1", Actor: ada, Label: "before launch"})
	require.NoError(t, err)
	e.pages.set("p1", "Launch plan", "v2")

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: manual.ID, Actor: ada})
	require.NoError(t, err)

	assert.Nil(t, entry.RollbackFromActivityID)
	assert.Equal(t, model.OperationSnapshot, *entry.RollbackSourceOperation)
	assert.Equal(t, "before launch", *entry.RollbackSourceTitle)
	assert.True(t, manual.CreatedAt.Equal(*entry.RollbackSourceTimestamp))
}

func TestRollback_ApplyFailureRecordsFailedEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")
	e.edit(t, "p1", "Plan", "two")
	e.pages.fail = errors.New("page locked")

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrApplyFailed)
	assert.Contains(t, err.Error(), "page locked")

	require.NotNil(t, entry)
	assert.Equal(t, model.OutcomeFailed, entry.Outcome)
	assert.Equal(t, "page locked", entry.FailureReason)
	assert.Equal(t, entry.StateHashBefore, entry.StateHashAfter)
	assert.Equal(t, "two", e.pages.body("p1"))
	assert.Equal(t, []string{"rollback.failed"}, e.alerts.events)

	stored, err := e.ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.Failed())

	snaps, err := e.snaps.List(ctx, snapshot.ListQuery{EntityID: "p1", Source: model.SourceRestore})
	require.NoError(t, err)
	assert.Empty(t, snaps, "no restore capture after a failed apply")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues("failed")))
}

func TestRollback_CorruptTargetAbortsBeforeMutation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")
	e.edit(t, "p1", "Plan", "two")
	e.blobs.Corrupt(v1.ContentRef, []byte("garbage"))

	before, err := e.entries.Tip(ctx, model.GlobalScope)
	require.NoError(t, err)

	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
	assert.Nil(t, entry)
	assert.Equal(t, "two", e.pages.body("p1"))
	assert.Zero(t, e.pages.applied)

	after, err := e.entries.Tip(ctx, model.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, before, after, "no ledger entry for an aborted rollback")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rollbacks.WithLabelValues("aborted")))
}

func TestRollback_PreRestoreFailureAborts(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")

	e.pages.mu.Lock()
	delete(e.pages.states, "p1")
	e.pages.mu.Unlock()

	_, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	require.ErrorIs(t, err, errclass.ErrNotFound)
	assert.Zero(t, e.pages.applied)
}

func TestRollback_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")

	_, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p2", SnapshotID: v1.ID, Actor: ada})
	assert.ErrorIs(t, err, errclass.ErrInvalidEntry)

	_, err = e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: "missing", Actor: ada})
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	none := rollback.NewEngine(e.snaps, e.ledger, nil)
	_, err = none.Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada})
	assert.ErrorIs(t, err, errclass.ErrInvalidEntry)
}

func TestRollback_ChangeGroupOnEveryArtifact(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, v1 := e.edit(t, "p1", "Plan", "one")
	e.edit(t, "p1", "Plan", "two")

	group := &model.ChangeGroup{ID: "cg-7", Type: model.ChangeGroupUser}
	entry, err := e.engine(nil).Rollback(ctx, rollback.Request{EntityID: "p1", SnapshotID: v1.ID, Actor: ada, ChangeGroup: group})
	require.NoError(t, err)
	require.NotNil(t, entry.ChangeGroupID)
	assert.Equal(t, "cg-7", *entry.ChangeGroupID)

	snaps, err := e.snaps.List(ctx, snapshot.ListQuery{EntityID: "p1", Limit: 2})
	require.NoError(t, err)
	for _, s := range snaps {
		require.NotNil(t, s.ChangeGroupID, s.Source)
		assert.Equal(t, "cg-7", *s.ChangeGroupID)
	}
}
