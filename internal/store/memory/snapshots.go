package memory

import (
	"context"
	"sort"
	"time"

	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Snapshots implements snapshot.Store, retention.SweepStore and
// retention.CheckpointStore. The store mutex stands in for the content row
// lock, so blob writes and reclamation of one hash never interleave.
type Snapshots struct {
	s *Store
}

var (
	_ snapshot.Store            = (*Snapshots)(nil)
	_ retention.SweepStore      = (*Snapshots)(nil)
	_ retention.CheckpointStore = (*Snapshots)(nil)
)

func (m *Snapshots) CommitCapture(ctx context.Context, snap *model.Snapshot, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, dup := m.s.snapshots[snap.ID]; dup {
		return false, errclass.ErrInvalidEntry.WithMessagef("duplicate snapshot id %s", snap.ID)
	}
	rec, existed, err := m.retainLocked(ctx, content, writeBlob)
	if err != nil {
		return false, err
	}
	rec.RefCount++

	m.s.revisions[snap.EntityID]++
	snap.RevisionNumber = m.s.revisions[snap.EntityID]
	m.s.snapshots[snap.ID] = copySnapshot(snap)
	return existed, nil
}

func (m *Snapshots) RetainContent(ctx context.Context, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	rec, existed, err := m.retainLocked(ctx, content, writeBlob)
	if err != nil {
		return false, err
	}
	rec.RefCount++
	return existed, nil
}

func (m *Snapshots) retainLocked(ctx context.Context, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (*model.ContentRecord, bool, error) {
	rec, existed := m.s.contents[content.Hash]
	if err := writeBlob(ctx); err != nil {
		return nil, false, err
	}
	if !existed {
		rec = &model.ContentRecord{
			Hash:      content.Hash,
			Size:      content.Size,
			Format:    content.Format,
			CreatedAt: time.Now().UTC(),
		}
		m.s.contents[content.Hash] = rec
	}
	return rec, existed, nil
}

func (m *Snapshots) Get(_ context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	snap, ok := m.s.snapshots[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("snapshot %s", id)
	}
	return copySnapshot(snap), nil
}

func (m *Snapshots) List(_ context.Context, q snapshot.ListQuery) ([]*model.Snapshot, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var matched []*model.Snapshot
	for _, snap := range m.s.snapshots {
		if q.Matches(snap) {
			matched = append(matched, snap)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.RevisionNumber != b.RevisionNumber {
			return a.RevisionNumber > b.RevisionNumber
		}
		return a.ID > b.ID
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]*model.Snapshot, len(matched))
	for i, snap := range matched {
		out[i] = copySnapshot(snap)
	}
	return out, nil
}

func (m *Snapshots) SetPinned(_ context.Context, id model.SnapshotID, pinned bool) (*model.Snapshot, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	snap, ok := m.s.snapshots[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("snapshot %s", id)
	}
	snap.IsPinned = pinned
	return copySnapshot(snap), nil
}

func (m *Snapshots) Content(_ context.Context, hash model.HashValue) (*model.ContentRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rec, ok := m.s.contents[hash]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("content %s", hash.Short())
	}
	cp := *rec
	return &cp, nil
}

func (m *Snapshots) ListContent(_ context.Context, after model.HashValue, limit int) ([]model.ContentRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []model.ContentRecord
	for hash, rec := range m.s.contents {
		if hash > after {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Snapshots) ExpiredSnapshots(_ context.Context, now time.Time, limit int) ([]model.SnapshotID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var due []*model.Snapshot
	for _, snap := range m.s.snapshots {
		if snap.IsExpired(now) {
			due = append(due, snap)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]model.SnapshotID, len(due))
	for i, snap := range due {
		ids[i] = snap.ID
	}
	return ids, nil
}

func (m *Snapshots) DeleteExpired(_ context.Context, ids []model.SnapshotID, now time.Time) ([]*model.Snapshot, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var deleted []*model.Snapshot
	for _, id := range ids {
		snap, ok := m.s.snapshots[id]
		if !ok || !snap.IsExpired(now) {
			continue
		}
		delete(m.s.snapshots, id)
		if rec, ok := m.s.contents[snap.ContentRef]; ok && rec.RefCount > 0 {
			rec.RefCount--
		}
		deleted = append(deleted, snap)
	}
	return deleted, nil
}

func (m *Snapshots) UnreferencedContent(_ context.Context, limit int) ([]model.HashValue, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []model.HashValue
	for hash, rec := range m.s.contents {
		if rec.RefCount == 0 {
			out = append(out, hash)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Snapshots) ReclaimContent(ctx context.Context, hash model.HashValue, deleteBlob retention.BlobDeleter) (bool, int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	rec, ok := m.s.contents[hash]
	if !ok || rec.RefCount > 0 {
		return false, 0, nil
	}
	if err := deleteBlob(ctx, hash); err != nil {
		return false, 0, err
	}
	delete(m.s.contents, hash)
	return true, rec.Size, nil
}

func (m *Snapshots) LoadSweepCheckpoint(_ context.Context) (*model.SweepCheckpoint, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.sweep == nil {
		return nil, nil
	}
	cp := *m.s.sweep
	return &cp, nil
}

func (m *Snapshots) SaveSweepCheckpoint(_ context.Context, cp model.SweepCheckpoint) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.sweep = &cp
	return nil
}

func (m *Snapshots) ClearSweepCheckpoint(_ context.Context) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.sweep = nil
	return nil
}

// ExpireNow rewrites a snapshot's expiry. Tests use it to age snapshots
// without waiting.
func (m *Snapshots) ExpireNow(id model.SnapshotID, at time.Time) bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	snap, ok := m.s.snapshots[id]
	if !ok {
		return false
	}
	snap.ExpiresAt = &at
	return true
}
