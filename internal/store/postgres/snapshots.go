package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Snapshots implements snapshot.Store, retention.SweepStore and
// retention.CheckpointStore. Capture and reclamation of one hash serialize
// on the snapshot_contents row lock.
type Snapshots struct {
	d *DB
}

var (
	_ snapshot.Store            = (*Snapshots)(nil)
	_ retention.SweepStore      = (*Snapshots)(nil)
	_ retention.CheckpointStore = (*Snapshots)(nil)
)

// Snapshots returns the snapshot and retention view.
func (d *DB) Snapshots() *Snapshots {
	return &Snapshots{d: d}
}

const snapshotColumns = `id, kind, entity_id, workspace_id, created_at,
	created_by_id, created_by_email, created_by_name,
	source, label, reason, content_ref, content_format, content_size, state_hash,
	revision_number, is_pinned, expires_at, change_group_id, change_group_type,
	activity_id, activity_operation, activity_timestamp, activity_title`

// lockAttempts bounds how often a capture retries after its content row was
// reclaimed between the upsert and the lock.
const lockAttempts = 3

func (s *Snapshots) CommitCapture(ctx context.Context, snap *model.Snapshot, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (bool, error) {
	var existed bool
	err := s.d.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if existed, err = s.retain(ctx, content, writeBlob); err != nil {
			return err
		}
		q := s.d.q(ctx)
		if err := q.QueryRowContext(ctx, `
			INSERT INTO snapshot_revisions (entity_id, last) VALUES ($1, 1)
			ON CONFLICT (entity_id) DO UPDATE SET last = snapshot_revisions.last + 1
			RETURNING last`, snap.EntityID).Scan(&snap.RevisionNumber); err != nil {
			return fmt.Errorf("next revision: %w", err)
		}
		if err := insertSnapshot(ctx, q, snap); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "snapshots_pkey" {
				return errclass.ErrInvalidEntry.WithMessagef("duplicate snapshot id %s", snap.ID)
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		snap.RevisionNumber = 0
		return false, err
	}
	return existed, nil
}

func (s *Snapshots) RetainContent(ctx context.Context, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (bool, error) {
	var existed bool
	err := s.d.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		existed, err = s.retain(ctx, content, writeBlob)
		return err
	})
	return existed, err
}

// retain creates the content record if absent, locks it, writes the blob
// and takes one reference. It must run inside a transaction.
func (s *Snapshots) retain(ctx context.Context, content snapshot.ContentInfo, writeBlob snapshot.BlobWriter) (bool, error) {
	q := s.d.q(ctx)
	for attempt := 0; attempt < lockAttempts; attempt++ {
		res, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_contents (hash, size, format, ref_count)
			VALUES ($1, $2, $3, 0)
			ON CONFLICT (hash) DO NOTHING`,
			string(content.Hash), content.Size, string(content.Format))
		if err != nil {
			return false, fmt.Errorf("upsert content %s: %w", content.Hash.Short(), err)
		}
		created, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("upsert content %s: %w", content.Hash.Short(), err)
		}

		var refs int64
		err = q.QueryRowContext(ctx,
			`SELECT ref_count FROM snapshot_contents WHERE hash = $1 FOR UPDATE`, string(content.Hash)).Scan(&refs)
		if errors.Is(err, sql.ErrNoRows) {
			// Reclaimed between the upsert and the lock.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("lock content %s: %w", content.Hash.Short(), err)
		}

		if err := writeBlob(ctx); err != nil {
			return false, err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE snapshot_contents SET ref_count = ref_count + 1 WHERE hash = $1`, string(content.Hash)); err != nil {
			return false, fmt.Errorf("reference content %s: %w", content.Hash.Short(), err)
		}
		return created == 0, nil
	}
	return false, errclass.ErrChainConflict.WithMessagef("content %s reclaimed concurrently %d times", content.Hash.Short(), lockAttempts)
}

func insertSnapshot(ctx context.Context, q querier, snap *model.Snapshot) error {
	var groupType *string
	if snap.ChangeGroupType != nil {
		t := string(*snap.ChangeGroupType)
		groupType = &t
	}
	var (
		actID, actOp, actTitle *string
		actTS                  any
	)
	if a := snap.Activity; a != nil {
		id, op, title := a.ID, string(a.Operation), a.Title
		actID, actOp, actTitle = &id, &op, &title
		actTS = a.Timestamp.UTC()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		string(snap.ID), string(snap.Kind), snap.EntityID, snap.WorkspaceID, snap.CreatedAt.UTC(),
		snap.CreatedBy.ID, snap.CreatedBy.Email, snap.CreatedBy.DisplayName,
		string(snap.Source), snap.Label, snap.Reason, string(snap.ContentRef), string(snap.ContentFormat), snap.ContentSize, string(snap.StateHash),
		snap.RevisionNumber, snap.IsPinned, utcPtr(snap.ExpiresAt), snap.ChangeGroupID, groupType,
		actID, actOp, actTS, actTitle,
	)
	return err
}

func scanSnapshot(row rowScanner) (*model.Snapshot, error) {
	var (
		snap      model.Snapshot
		expires   sql.NullTime
		groupType sql.NullString
		actID     sql.NullString
		actOp     sql.NullString
		actTS     sql.NullTime
		actTitle  sql.NullString
	)
	err := row.Scan(
		&snap.ID, &snap.Kind, &snap.EntityID, &snap.WorkspaceID, &snap.CreatedAt,
		&snap.CreatedBy.ID, &snap.CreatedBy.Email, &snap.CreatedBy.DisplayName,
		&snap.Source, &snap.Label, &snap.Reason, &snap.ContentRef, &snap.ContentFormat, &snap.ContentSize, &snap.StateHash,
		&snap.RevisionNumber, &snap.IsPinned, &expires, &snap.ChangeGroupID, &groupType,
		&actID, &actOp, &actTS, &actTitle,
	)
	if err != nil {
		return nil, err
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		snap.ExpiresAt = &t
	}
	if groupType.Valid {
		t := model.ChangeGroupType(groupType.String)
		snap.ChangeGroupType = &t
	}
	if actID.Valid {
		snap.Activity = &model.ActivityRef{
			ID:        actID.String,
			Operation: model.Operation(actOp.String),
			Timestamp: actTS.Time.UTC(),
			Title:     actTitle.String,
		}
	}
	return &snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]*model.Snapshot, error) {
	defer rows.Close()
	var out []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Snapshots) Get(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	row := s.d.q(ctx).QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, string(id))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("snapshot %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *Snapshots) List(ctx context.Context, lq snapshot.ListQuery) ([]*model.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if lq.EntityID != "" {
		add("entity_id = $%d", lq.EntityID)
	}
	if lq.WorkspaceID != "" {
		add("workspace_id = $%d", lq.WorkspaceID)
	}
	if lq.Kind != "" {
		add("kind = $%d", string(lq.Kind))
	}
	if lq.Source != "" {
		add("source = $%d", string(lq.Source))
	}
	if lq.PinnedOnly {
		where = append(where, "is_pinned")
	}
	if !lq.Since.IsZero() {
		add("created_at >= $%d", lq.Since.UTC())
	}
	if !lq.Until.IsZero() {
		add("created_at < $%d", lq.Until.UTC())
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	var limit any
	if lq.Limit > 0 {
		limit = lq.Limit
	}
	args = append(args, limit, lq.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, revision_number DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.d.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

func (s *Snapshots) SetPinned(ctx context.Context, id model.SnapshotID, pinned bool) (*model.Snapshot, error) {
	row := s.d.q(ctx).QueryRowContext(ctx,
		`UPDATE snapshots SET is_pinned = $2 WHERE id = $1 RETURNING `+snapshotColumns, string(id), pinned)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("snapshot %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("set pinned %s: %w", id, err)
	}
	return snap, nil
}

func (s *Snapshots) Content(ctx context.Context, hash model.HashValue) (*model.ContentRecord, error) {
	var rec model.ContentRecord
	err := s.d.q(ctx).QueryRowContext(ctx,
		`SELECT hash, size, format, ref_count, created_at FROM snapshot_contents WHERE hash = $1`, string(hash)).
		Scan(&rec.Hash, &rec.Size, &rec.Format, &rec.RefCount, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("content %s", hash.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", hash.Short(), err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *Snapshots) ListContent(ctx context.Context, after model.HashValue, limit int) ([]model.ContentRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.d.q(ctx).QueryContext(ctx, `
		SELECT hash, size, format, ref_count, created_at FROM snapshot_contents
		WHERE hash > $1 ORDER BY hash LIMIT $2`, string(after), lim)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()
	var out []model.ContentRecord
	for rows.Next() {
		var rec model.ContentRecord
		if err := rows.Scan(&rec.Hash, &rec.Size, &rec.Format, &rec.RefCount, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Snapshots) ExpiredSnapshots(ctx context.Context, now time.Time, limit int) ([]model.SnapshotID, error) {
	rows, err := s.d.q(ctx).QueryContext(ctx, `
		SELECT id FROM snapshots
		WHERE NOT is_pinned AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select expired snapshots: %w", err)
	}
	defer rows.Close()
	var ids []model.SnapshotID
	for rows.Next() {
		var id model.SnapshotID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpired re-checks expiry and pin state in the DELETE itself, so a
// snapshot pinned after selection survives.
func (s *Snapshots) DeleteExpired(ctx context.Context, ids []model.SnapshotID, now time.Time) ([]*model.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}

	var deleted []*model.Snapshot
	err := s.d.RunInTx(ctx, func(ctx context.Context) error {
		q := s.d.q(ctx)
		rows, err := q.QueryContext(ctx, `
			DELETE FROM snapshots
			WHERE id = ANY($1) AND NOT is_pinned AND expires_at IS NOT NULL AND expires_at <= $2
			RETURNING `+snapshotColumns, pq.Array(raw), now.UTC())
		if err != nil {
			return fmt.Errorf("delete expired snapshots: %w", err)
		}
		if deleted, err = scanSnapshots(rows); err != nil {
			return err
		}
		if len(deleted) == 0 {
			return nil
		}
		refs := make([]string, len(deleted))
		for i, snap := range deleted {
			refs[i] = string(snap.ContentRef)
		}
		// One decrement per deleted snapshot, including repeats of a hash.
		if _, err := q.ExecContext(ctx, `
			UPDATE snapshot_contents c SET ref_count = GREATEST(c.ref_count - d.n, 0)
			FROM (SELECT h, count(*) AS n FROM unnest($1::text[]) AS h GROUP BY h) d
			WHERE c.hash = d.h`, pq.Array(refs)); err != nil {
			return fmt.Errorf("release content references: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Snapshots) UnreferencedContent(ctx context.Context, limit int) ([]model.HashValue, error) {
	rows, err := s.d.q(ctx).QueryContext(ctx,
		`SELECT hash FROM snapshot_contents WHERE ref_count = 0 ORDER BY hash LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select unreferenced content: %w", err)
	}
	defer rows.Close()
	var out []model.HashValue
	for rows.Next() {
		var h model.HashValue
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReclaimContent checks the reference count only after taking the row
// lock, so a capture that is about to reference the hash either finishes
// first or finds the record gone and recreates it.
func (s *Snapshots) ReclaimContent(ctx context.Context, hash model.HashValue, deleteBlob retention.BlobDeleter) (bool, int64, error) {
	var (
		reclaimed bool
		size      int64
	)
	err := s.d.RunInTx(ctx, func(ctx context.Context) error {
		q := s.d.q(ctx)
		var refs int64
		err := q.QueryRowContext(ctx,
			`SELECT ref_count, size FROM snapshot_contents WHERE hash = $1 FOR UPDATE`, string(hash)).Scan(&refs, &size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock content %s: %w", hash.Short(), err)
		}
		if refs > 0 {
			return nil
		}
		if err := deleteBlob(ctx, hash); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM snapshot_contents WHERE hash = $1`, string(hash)); err != nil {
			return fmt.Errorf("delete content %s: %w", hash.Short(), err)
		}
		reclaimed = true
		return nil
	})
	if err != nil || !reclaimed {
		return false, 0, err
	}
	return true, size, nil
}

func (s *Snapshots) LoadSweepCheckpoint(ctx context.Context) (*model.SweepCheckpoint, error) {
	var cp model.SweepCheckpoint
	err := s.d.q(ctx).QueryRowContext(ctx,
		`SELECT sweep_id, phase, cutoff, batches, updated_at FROM sweep_checkpoints WHERE singleton`).
		Scan(&cp.SweepID, &cp.Phase, &cp.Cutoff, &cp.Batches, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sweep checkpoint: %w", err)
	}
	cp.Cutoff = cp.Cutoff.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

func (s *Snapshots) SaveSweepCheckpoint(ctx context.Context, cp model.SweepCheckpoint) error {
	_, err := s.d.q(ctx).ExecContext(ctx, `
		INSERT INTO sweep_checkpoints (singleton, sweep_id, phase, cutoff, batches, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5)
		ON CONFLICT (singleton) DO UPDATE SET
			sweep_id = EXCLUDED.sweep_id,
			phase = EXCLUDED.phase,
			cutoff = EXCLUDED.cutoff,
			batches = EXCLUDED.batches,
			updated_at = EXCLUDED.updated_at`,
		cp.SweepID, string(cp.Phase), cp.Cutoff.UTC(), cp.Batches, cp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save sweep checkpoint: %w", err)
	}
	return nil
}

func (s *Snapshots) ClearSweepCheckpoint(ctx context.Context) error {
	if _, err := s.d.q(ctx).ExecContext(ctx, `DELETE FROM sweep_checkpoints`); err != nil {
		return fmt.Errorf("clear sweep checkpoint: %w", err)
	}
	return nil
}
