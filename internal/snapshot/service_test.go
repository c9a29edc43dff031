package snapshot_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
)

func TestCapture_SuppliedStateRoundTrips(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{
		Source: model.SourceManual,
		Actor:  model.UserActor("u1", "ada@example.com", "Ada"),
		Label:  "before launch",
		State:  page("p1", "# Launch plan"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.RevisionNumber)
	assert.Equal(t, snap.StateHash, snap.ContentRef)
	assert.Equal(t, "p1", snap.EntityID)
	assert.Equal(t, "ws1", snap.WorkspaceID)
	assert.Nil(t, snap.ExpiresAt)

	got, err := f.svc.Restore(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.EntityID)
	assert.Equal(t, "ws1", got.WorkspaceID)
	assert.Equal(t, "Page p1", got.Title)
	assert.Equal(t, model.FormatMarkdown, got.Format)
	assert.Equal(t, "# Launch plan", string(got.Content))
}

func TestCapture_ExpandsLabelPlaceholders(t *testing.T) {
	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	f := newFixture(snapshot.WithClock(func() time.Time { return at }))

	snap, err := f.svc.Capture(context.Background(), snapshot.CaptureRequest{
		Source: model.SourcePreAI,
		Label:  "{source} {title} {date}",
		State:  page("p1", "x"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pre_ai Page p1 2026-05-02", snap.Label)
}

func TestCapture_ReadsStateThroughReader(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.reader.Set(page("p1", "live"))

	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{EntityID: "p1", Source: model.SourcePreAI})
	require.NoError(t, err)
	assert.Equal(t, model.SourcePreAI, snap.Source)
	assert.Equal(t, 1, f.reader.reads)

	edited := page("p1", "rewritten by the assistant")
	edited.Title = "AI title"
	f.reader.Set(edited)

	restored, err := f.svc.Restore(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "live", string(restored.Content))
	assert.Equal(t, "Page p1", restored.Title)
	assert.Equal(t, 1, f.reader.reads, "restore never reads live state")

	_, err = f.svc.Capture(ctx, snapshot.CaptureRequest{EntityID: "missing"})
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestCapture_RejectsMismatchedEntity(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Capture(context.Background(), snapshot.CaptureRequest{
		EntityID: "p2",
		State:    page("p1", "x"),
	})
	require.ErrorIs(t, err, errclass.ErrInvalidEntry)

	_, err = f.svc.Capture(context.Background(), snapshot.CaptureRequest{})
	require.ErrorIs(t, err, errclass.ErrInvalidEntry)
}

func TestCapture_RevisionsAreGaplessPerEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for i := 1; i <= 3; i++ {
		snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", label(i))})
		require.NoError(t, err)
		assert.Equal(t, int64(i), snap.RevisionNumber)
	}
	other, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p2", "x")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.RevisionNumber)
}

func TestCapture_DeduplicatesAcrossEntities(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	f := newFixture(snapshot.WithMetrics(reg))

	a, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "same body")})
	require.NoError(t, err)
	b := page("p2", "same body")
	b.Title = "Page p1"
	second, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: b})
	require.NoError(t, err)

	assert.Equal(t, a.ContentRef, second.ContentRef)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DedupHits))

	rec, err := f.store.Content(ctx, a.ContentRef)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RefCount)
}

func TestCapture_JSONContentIsCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	doc := func(id, body string) *model.EntityState {
		s := page(id, body)
		s.Format = model.FormatJSON
		s.Title = "Doc"
		return s
	}
	a, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: doc("p1", `{"b": 1, "a": [1, 2.50]}`)})
	require.NoError(t, err)
	b, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: doc("p2", `{"a":[1,2.50],"b":1}`)})
	require.NoError(t, err)
	assert.Equal(t, a.StateHash, b.StateHash)

	got, err := f.svc.Restore(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2.50],"b":1}`, string(got.Content))
	assert.True(t, json.Valid(got.Content))
}

func TestCapture_WorkspaceRosterOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	ws := func(members ...model.RosterMember) *model.EntityState {
		return &model.EntityState{
			EntityID:    "ws1",
			WorkspaceID: "ws1",
			Kind:        model.KindWorkspace,
			Format:      model.FormatJSON,
			Content:     []byte(`{"name":"Acme"}`),
			Roster:      &model.Roster{Members: members},
		}
	}
	ada := model.RosterMember{UserID: "u1", Role: "owner"}
	bob := model.RosterMember{UserID: "u2", Role: "editor"}

	a, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: ws(ada, bob)})
	require.NoError(t, err)
	b, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: ws(bob, ada)})
	require.NoError(t, err)
	assert.Equal(t, a.StateHash, b.StateHash)
	assert.Equal(t, model.KindWorkspace, a.Kind)

	got, err := f.svc.Restore(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Roster)
	assert.Equal(t, []model.RosterMember{ada, bob}, got.Roster.Members)
}

func TestCapture_StampsExpiryFromTier(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := retentionEngine(map[string]string{"ws1": "free", "ws2": "enterprise", "ws3": "no-such-tier"})
	f := newFixture(snapshot.WithExpirer(engine), snapshot.WithClock(fixedClock(start)))

	free, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "x")})
	require.NoError(t, err)
	require.NotNil(t, free.ExpiresAt)
	assert.Equal(t, free.CreatedAt.Add(7*24*time.Hour), *free.ExpiresAt)

	ent := page("p2", "y")
	ent.WorkspaceID = "ws2"
	forever, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: ent})
	require.NoError(t, err)
	assert.Nil(t, forever.ExpiresAt)

	unknown := page("p3", "z")
	unknown.WorkspaceID = "ws3"
	fallback, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: unknown})
	require.NoError(t, err)
	require.NotNil(t, fallback.ExpiresAt)
	assert.Equal(t, fallback.CreatedAt.Add(7*24*time.Hour), *fallback.ExpiresAt)
}

func TestCaptureIfChanged_SkipsIdenticalState(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.reader.Set(page("p1", "a"))

	first, changed, err := f.svc.CaptureIfChanged(ctx, snapshot.CaptureRequest{EntityID: "p1", Source: model.SourceAuto})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, first)

	again, changed, err := f.svc.CaptureIfChanged(ctx, snapshot.CaptureRequest{EntityID: "p1", Source: model.SourceAuto})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, again)

	f.reader.Set(page("p1", "b"))
	next, changed, err := f.svc.CaptureIfChanged(ctx, snapshot.CaptureRequest{EntityID: "p1", Source: model.SourceAuto})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), next.RevisionNumber)
}

func TestRestore_FailsClosedOnCorruptContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "precious")})
	require.NoError(t, err)

	f.blobs.Corrupt(snap.ContentRef, []byte(`{"v":1,"kind":"page","format":"markdown","body":"ZXZpbA=="}`))

	state, err := f.svc.Restore(ctx, snap.ID)
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
	assert.Nil(t, state)
	assert.Equal(t, []string{"snapshot.corrupt"}, f.alerts.Events())
	assert.ErrorIs(t, f.svc.VerifySnapshot(ctx, snap.ID), errclass.ErrSnapshotCorrupt)
}

func TestRestore_MissingBlobIsCorrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "x")})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, snap.ContentRef))

	_, err = f.svc.Restore(ctx, snap.ID)
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
}

func TestRestore_UnknownSnapshot(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Restore(context.Background(), model.NewSnapshotID())
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestPinUnpin_KeepsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(snapshot.WithExpirer(retentionEngine(nil)))
	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "x")})
	require.NoError(t, err)

	pinned, err := f.svc.Pin(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)
	assert.False(t, pinned.IsExpired(snap.ExpiresAt.Add(time.Hour)))

	unpinned, err := f.svc.Unpin(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, unpinned.IsPinned)
	assert.Equal(t, snap.ExpiresAt, unpinned.ExpiresAt)

	_, err = f.svc.Pin(ctx, model.NewSnapshotID())
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestList_NewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(snapshot.WithClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))

	var ids []model.SnapshotID
	for i, src := range []model.SnapshotSource{model.SourceManual, model.SourceAuto, model.SourcePreAI} {
		snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{Source: src, State: page("p1", label(i))})
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}
	_, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p2", "other")})
	require.NoError(t, err)

	got, err := f.svc.List(ctx, snapshot.ListQuery{EntityID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []model.SnapshotID{ids[2], ids[1], ids[0]}, []model.SnapshotID{got[0].ID, got[1].ID, got[2].ID})

	got, err = f.svc.List(ctx, snapshot.ListQuery{EntityID: "p1", Source: model.SourceAuto})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].ID)

	got, err = f.svc.List(ctx, snapshot.ListQuery{EntityID: "p1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].ID)

	_, err = f.svc.List(ctx, snapshot.ListQuery{Limit: -1})
	require.ErrorIs(t, err, errclass.ErrInvalidEntry)
}

func TestPutContent_IsAddressedAndRetained(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	data := []byte("a very large page body")

	h1, err := f.svc.PutContent(ctx, data, model.FormatText)
	require.NoError(t, err)
	h2, err := f.svc.PutContent(ctx, data, model.FormatText)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	got, err := f.svc.GetContent(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rec, err := f.store.Content(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RefCount)

	f.blobs.Corrupt(h1, []byte("tampered"))
	_, err = f.svc.GetContent(ctx, h1)
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
}

func TestRetainSnapshotContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	snap, err := f.svc.Capture(ctx, snapshot.CaptureRequest{State: page("p1", "kept")})
	require.NoError(t, err)

	require.NoError(t, f.svc.RetainSnapshotContent(ctx, snap))
	rec, err := f.store.Content(ctx, snap.ContentRef)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RefCount)

	f.blobs.Corrupt(snap.ContentRef, []byte("tampered"))
	err = f.svc.RetainSnapshotContent(ctx, snap)
	require.ErrorIs(t, err, errclass.ErrSnapshotCorrupt)
	rec, err = f.store.Content(ctx, snap.ContentRef)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RefCount, "corrupt content is not retained")
	assert.Contains(t, f.alerts.Events(), "snapshot.corrupt")
}
