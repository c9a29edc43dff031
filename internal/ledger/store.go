package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jvs-project/trail/pkg/model"
)

// ErrTipMoved is returned by Store.Commit when the chain tip no longer
// matches the expected tip.
var ErrTipMoved = errors.New("chain tip moved")

// Store persists ledger entries and chain tips.
//
// Commit must insert the entry and advance the scope's tip in one atomic
// step, and only if the current tip equals expected; otherwise it returns
// ErrTipMoved and writes nothing. Walk returns entries of one scope in
// ascending position order. Query returns entries newest first.
type Store interface {
	Tip(ctx context.Context, scope string) (model.ChainTip, error)
	Commit(ctx context.Context, entry *model.LedgerEntry, expected model.ChainTip) error
	Get(ctx context.Context, id string) (*model.LedgerEntry, error)
	Walk(ctx context.Context, scope string, afterPosition int64, limit int) ([]*model.LedgerEntry, error)
	Query(ctx context.Context, q FeedQuery) ([]*model.LedgerEntry, error)
	Scopes(ctx context.Context) ([]string, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// CheckpointStore persists chain verification progress. Load returns nil
// and no error when the scope has no checkpoint.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, scope string) (*model.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

// Sink receives every committed entry.
type Sink interface {
	Publish(ctx context.Context, entry *model.LedgerEntry) error
}

// Alerter is notified of conditions operators must act on.
type Alerter interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}
