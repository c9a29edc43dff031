package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/pkg/model"
)

func appendN(t *testing.T, l *ledger.Ledger, n int) []*model.LedgerEntry {
	t.Helper()
	out := make([]*model.LedgerEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), pageUpdate(fmt.Sprintf("p%d", i), fmt.Sprintf("Page %d", i)))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestVerify_EmptyChain(t *testing.T) {
	l, _ := newLedger()
	res, err := l.VerifyChain(context.Background(), model.GlobalScope, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.EntriesChecked)
}

func TestVerify_DetectsTamperedEntry(t *testing.T) {
	alerts := &recordingAlerter{}
	l, store := newLedger(ledger.WithAlerter(alerts))
	entries := appendN(t, l, 3)

	require.True(t, store.TamperEntry(entries[1].ID, func(e *model.LedgerEntry) {
		e.ResourceTitle = "Quietly edited"
	}))

	res, err := l.VerifyChain(context.Background(), model.GlobalScope, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.TamperDetected)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, entries[1].ID, res.BrokenAt.EntryID)
	assert.Equal(t, int64(2), res.BrokenAt.Position)
	assert.Equal(t, ledger.ReasonHashMismatch, res.BrokenAt.Reason)
	assert.Equal(t, int64(1), res.EntriesChecked)
	assert.Equal(t, []string{"chain.broken"}, alerts.Events())
}

func TestVerify_DetectsRelinkedEntry(t *testing.T) {
	l, store := newLedger()
	entries := appendN(t, l, 3)

	store.TamperEntry(entries[2].ID, func(e *model.LedgerEntry) {
		e.PreviousHash = entries[0].EventHash
	})

	res, err := l.VerifyChain(context.Background(), model.GlobalScope, nil)
	require.NoError(t, err)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, ledger.ReasonLinkMismatch, res.BrokenAt.Reason)
	assert.Equal(t, int64(3), res.BrokenAt.Position)
}

func TestVerify_ArchivedFlagDoesNotBreakChain(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(ledger.WithClock(newClock().Now))
	entries := appendN(t, l, 3)

	n, err := l.ArchiveBefore(ctx, entries[2].Timestamp, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := l.VerifyChain(ctx, model.GlobalScope, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

type cancelAfterWalk struct {
	ledger.Store
	cancel context.CancelFunc
}

func (s cancelAfterWalk) Walk(ctx context.Context, scope string, after int64, limit int) ([]*model.LedgerEntry, error) {
	page, err := s.Store.Walk(ctx, scope, after, limit)
	s.cancel()
	return page, err
}

func TestVerify_CancelThenResume(t *testing.T) {
	l, store := newLedger()
	appendN(t, l, 620)

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := ledger.New(cancelAfterWalk{Store: store, cancel: cancel}, fastOptions(), ledger.WithCheckpointStore(store))

	res, err := interrupted.VerifyChain(ctx, model.GlobalScope, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Interrupted)
	assert.False(t, res.OK)
	assert.Equal(t, int64(500), res.EntriesChecked)

	cp, err := store.LoadCheckpoint(context.Background(), model.GlobalScope)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(500), cp.Position)

	resumed, err := l.ResumeVerify(context.Background(), model.GlobalScope)
	require.NoError(t, err)
	assert.True(t, resumed.OK)
	assert.Equal(t, int64(120), resumed.EntriesChecked)
	assert.Equal(t, int64(620), resumed.Checkpoint.Position)
}

func TestVerify_CheckpointBeyondTipIsTruncation(t *testing.T) {
	l, _ := newLedger()
	entries := appendN(t, l, 2)

	res, err := l.VerifyChain(context.Background(), model.GlobalScope, &model.Checkpoint{
		Scope:    model.GlobalScope,
		Position: 5,
		Hash:     entries[1].EventHash,
	})
	require.NoError(t, err)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, ledger.ReasonTruncated, res.BrokenAt.Reason)
}
