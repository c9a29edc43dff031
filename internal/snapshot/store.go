package snapshot

import (
	"context"
	"time"

	"github.com/jvs-project/trail/pkg/model"
)

// ContentInfo describes the content a snapshot or ledger entry references.
type ContentInfo struct {
	Hash   model.HashValue
	Size   int64
	Format model.ContentFormat
}

// BlobWriter writes content into the blob store. Stores call it while
// holding the content record lock, so reclamation of the same hash cannot
// interleave.
type BlobWriter func(ctx context.Context) error

// Store persists snapshot metadata and content reference counts.
//
// CommitCapture is one unit: it takes one reference on the content record
// (creating it if absent, under a row lock), calls writeBlob, assigns the
// entity's next revision number to snap and inserts snap. Revision counters
// are never reused. It reports whether the content record already existed.
//
// RetainContent takes one permanent reference on content the same way,
// without a snapshot row.
type Store interface {
	CommitCapture(ctx context.Context, snap *model.Snapshot, content ContentInfo, writeBlob BlobWriter) (deduped bool, err error)
	RetainContent(ctx context.Context, content ContentInfo, writeBlob BlobWriter) (existed bool, err error)
	Get(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error)
	List(ctx context.Context, q ListQuery) ([]*model.Snapshot, error)
	SetPinned(ctx context.Context, id model.SnapshotID, pinned bool) (*model.Snapshot, error)
	Content(ctx context.Context, hash model.HashValue) (*model.ContentRecord, error)
	ListContent(ctx context.Context, after model.HashValue, limit int) ([]model.ContentRecord, error)
}

// StateReader reads the current full state of a tracked entity.
type StateReader interface {
	ReadState(ctx context.Context, entityID string) (*model.EntityState, error)
}

// Expirer stamps the expiry of a new snapshot. A nil result never expires.
type Expirer interface {
	ExpiryFor(ctx context.Context, workspaceID string, createdAt time.Time) (*time.Time, error)
}

// Alerter is notified of conditions operators must act on.
type Alerter interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// ListQuery filters snapshot listings. Results are newest revision first.
type ListQuery struct {
	EntityID    string               `json:"entity_id,omitempty"`
	WorkspaceID string               `json:"workspace_id,omitempty"`
	Kind        model.SnapshotKind   `json:"kind,omitempty"`
	Source      model.SnapshotSource `json:"source,omitempty"`
	PinnedOnly  bool                 `json:"pinned_only,omitempty"`
	Since       time.Time            `json:"since,omitempty"`
	Until       time.Time            `json:"until,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
}

// Matches reports whether s passes every filter in q except pagination.
func (q *ListQuery) Matches(s *model.Snapshot) bool {
	if q.EntityID != "" && s.EntityID != q.EntityID {
		return false
	}
	if q.WorkspaceID != "" && s.WorkspaceID != q.WorkspaceID {
		return false
	}
	if q.Kind != "" && s.Kind != q.Kind {
		return false
	}
	if q.Source != "" && s.Source != q.Source {
		return false
	}
	if q.PinnedOnly && !s.IsPinned {
		return false
	}
	if !q.Since.IsZero() && s.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !s.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}
