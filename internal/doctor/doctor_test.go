package doctor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/doctor"
	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/internal/store/memory"
	"github.com/jvs-project/trail/pkg/model"
)

type env struct {
	ctx   context.Context
	store *memory.Store
	blobs *blob.MemoryStore
	l     *ledger.Ledger
	svc   *snapshot.Service
	doc   *doctor.Doctor
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{ctx: context.Background(), store: memory.New(), blobs: blob.NewMemoryStore()}
	e.l = ledger.New(e.store.Ledger(), ledger.DefaultOptions())
	e.svc = snapshot.NewService(e.store.Snapshots(), e.blobs)
	e.doc = doctor.NewDoctor(e.l, e.svc, e.blobs,
		doctor.WithSweepCheckpoints(e.store.Snapshots()), doctor.WithWorkers(2))
	return e
}

func (e *env) append(t *testing.T, stream string, n int) []*model.LedgerEntry {
	t.Helper()
	var out []*model.LedgerEntry
	for i := 0; i < n; i++ {
		d := ledger.Draft{
			Operation:    model.OperationUpdate,
			ResourceType: model.ResourcePage,
			ResourceID:   fmt.Sprintf("p%d", i),
			Actor:        model.UserActor("u1", "", ""),
		}
		if stream != "" {
			d.StreamID = &stream
		}
		entry, err := e.l.Append(e.ctx, d)
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func (e *env) capture(t *testing.T, id, body string) *model.Snapshot {
	t.Helper()
	snap, err := e.svc.Capture(e.ctx, snapshot.CaptureRequest{
		EntityID: id,
		Kind:     model.KindPage,
		State: &model.EntityState{
			EntityID: id, WorkspaceID: "ws1", Kind: model.KindPage,
			Format: model.FormatMarkdown, Content: []byte(body),
		},
	})
	require.NoError(t, err)
	return snap
}

func categories(r *doctor.Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Category+"/"+f.Severity)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	e := setup(t)
	e.append(t, "", 3)
	e.append(t, "s1", 2)
	e.capture(t, "p1", "hello")

	result, err := e.doc.Check(e.ctx, true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
	require.Len(t, result.Chains, 2)
	for _, c := range result.Chains {
		assert.True(t, c.OK, c.Scope)
	}
}

func TestDoctor_Check_EmptyStore(t *testing.T) {
	e := setup(t)
	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Chains)
}

func TestDoctor_Check_BrokenChain(t *testing.T) {
	e := setup(t)
	entries := e.append(t, "s1", 3)
	e.append(t, "", 2)
	require.True(t, e.store.Ledger().TamperEntry(entries[1].ID, func(le *model.LedgerEntry) {
		le.ResourceTitle = "rewritten"
	}))

	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	f := result.Findings[0]
	assert.Equal(t, "chain", f.Category)
	assert.Equal(t, "critical", f.Severity)
	assert.Equal(t, "stream:s1", f.Subject)
}

func TestDoctor_Check_MissingBlob(t *testing.T) {
	e := setup(t)
	snap := e.capture(t, "p1", "body")
	require.NoError(t, e.blobs.Delete(e.ctx, snap.ContentRef))

	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "snapshot/critical")
}

func TestDoctor_Check_Strict_CorruptContent(t *testing.T) {
	e := setup(t)
	snap := e.capture(t, "p1", "body")
	e.blobs.Corrupt(snap.ContentRef, []byte("tampered"))

	lenient, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.True(t, lenient.Healthy)

	strict, err := e.doc.Check(e.ctx, true)
	require.NoError(t, err)
	assert.False(t, strict.Healthy)
	assert.Equal(t, []string{"snapshot/critical"}, categories(strict))
}

func TestDoctor_Check_UnreferencedContent(t *testing.T) {
	e := setup(t)
	policies, err := retention.NewStaticPolicies(map[string]int{"free": 1})
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	expiring := snapshot.NewService(e.store.Snapshots(), e.blobs,
		snapshot.WithExpirer(retention.NewEngine(policies, "free")),
		snapshot.WithClock(func() time.Time { return past }))
	snap, err := expiring.Capture(e.ctx, snapshot.CaptureRequest{
		EntityID: "p1",
		Kind:     model.KindPage,
		State:    &model.EntityState{EntityID: "p1", Kind: model.KindPage, Format: model.FormatText, Content: []byte("old")},
	})
	require.NoError(t, err)
	deleted, err := e.store.Snapshots().DeleteExpired(e.ctx, []model.SnapshotID{snap.ID}, time.Now())
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, []string{"content/info"}, categories(result))
}

func TestDoctor_Check_LedgerContentIsReferenced(t *testing.T) {
	e := setup(t)
	_, err := e.svc.PutContent(e.ctx, []byte("large body"), model.FormatText)
	require.NoError(t, err)

	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_InterruptedSweep(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.Snapshots().SaveSweepCheckpoint(e.ctx, model.SweepCheckpoint{
		SweepID:   "sw1",
		Phase:     model.PhaseContent,
		Cutoff:    time.Now().UTC(),
		Batches:   4,
		UpdatedAt: time.Now().UTC(),
	}))

	result, err := e.doc.Check(e.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "sweep", result.Findings[0].Category)
	assert.Equal(t, "sw1", result.Findings[0].Subject)
}
