package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Ledger implements ledger.Store and ledger.CheckpointStore.
type Ledger struct {
	d *DB
}

var (
	_ ledger.Store           = (*Ledger)(nil)
	_ ledger.CheckpointStore = (*Ledger)(nil)
)

// Ledger returns the ledger view.
func (d *DB) Ledger() *Ledger {
	return &Ledger{d: d}
}

const entryColumns = `id, ts, operation, resource_type, resource_id, resource_title,
	actor_id, actor_email, actor_display_name,
	is_ai_generated, ai_provider, ai_model, ai_conversation_id,
	workspace_id, entity_id,
	content_snapshot, content_ref, content_format, content_size,
	updated_fields, previous_values, new_values, state_hash_before, state_hash_after,
	chain_scope, chain_position, previous_hash, event_hash,
	stream_id, stream_seq, change_group_id, change_group_type,
	rollback_from_activity_id, rollback_source_operation, rollback_source_timestamp, rollback_source_title,
	outcome, failure_reason, is_archived`

const uniqueViolation = "23505"

func (l *Ledger) Tip(ctx context.Context, scope string) (model.ChainTip, error) {
	tip := model.ChainTip{Scope: scope}
	err := l.d.q(ctx).QueryRowContext(ctx,
		`SELECT tip_hash, position FROM ledger_chain_tips WHERE scope = $1`, scope).Scan(&tip.Hash, &tip.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GenesisTip(scope), nil
	}
	if err != nil {
		return tip, fmt.Errorf("read tip of %s: %w", scope, err)
	}
	return tip, nil
}

// Commit advances the tip with a conditional write and inserts the entry in
// the same transaction. A tip that no longer matches expected leaves both
// untouched.
func (l *Ledger) Commit(ctx context.Context, entry *model.LedgerEntry, expected model.ChainTip) error {
	return l.d.RunInTx(ctx, func(ctx context.Context) error {
		q := l.d.q(ctx)
		var (
			res sql.Result
			err error
		)
		if expected.IsGenesis() {
			res, err = q.ExecContext(ctx, `
				INSERT INTO ledger_chain_tips (scope, tip_hash, position)
				VALUES ($1, $2, $3)
				ON CONFLICT (scope) DO NOTHING`,
				entry.ChainScope, entry.EventHash, entry.ChainPosition)
		} else {
			res, err = q.ExecContext(ctx, `
				UPDATE ledger_chain_tips SET tip_hash = $2, position = $3
				WHERE scope = $1 AND tip_hash = $4 AND position = $5`,
				entry.ChainScope, entry.EventHash, entry.ChainPosition, expected.Hash, expected.Position)
		}
		if err != nil {
			return fmt.Errorf("advance tip: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("advance tip: %w", err)
		} else if n == 0 {
			return ledger.ErrTipMoved
		}

		if err := insertEntry(ctx, q, entry); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				if pqErr.Constraint == "ledger_entries_pkey" {
					return errclass.ErrInvalidEntry.WithMessagef("duplicate entry id %s", entry.ID)
				}
				return ledger.ErrTipMoved
			}
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
}

func insertEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	prev, err := marshalValues(e.PreviousValues)
	if err != nil {
		return err
	}
	next, err := marshalValues(e.NewValues)
	if err != nil {
		return err
	}
	var srcOp *string
	if e.RollbackSourceOperation != nil {
		op := string(*e.RollbackSourceOperation)
		srcOp = &op
	}
	var groupType *string
	if e.ChangeGroupType != nil {
		t := string(*e.ChangeGroupType)
		groupType = &t
	}
	var fields any
	if e.UpdatedFields != nil {
		fields = pq.Array(e.UpdatedFields)
	}

	_, err = q.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37, $38, $39)`,
		e.ID, e.Timestamp.UTC(), string(e.Operation), string(e.ResourceType), e.ResourceID, e.ResourceTitle,
		e.Actor.ID, e.Actor.Email, e.Actor.DisplayName,
		e.IsAIGenerated, e.AIProvider, e.AIModel, e.AIConversationID,
		e.WorkspaceID, e.EntityID,
		nullBytes(e.ContentSnapshot), string(e.ContentRef), string(e.ContentFormat), e.ContentSize,
		fields, prev, next, string(e.StateHashBefore), string(e.StateHashAfter),
		e.ChainScope, e.ChainPosition, string(e.PreviousHash), string(e.EventHash),
		e.StreamID, e.StreamSeq, e.ChangeGroupID, groupType,
		e.RollbackFromActivityID, srcOp, utcPtr(e.RollbackSourceTimestamp), e.RollbackSourceTitle,
		string(e.Outcome), e.FailureReason, e.IsArchived,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var (
		e          model.LedgerEntry
		content    []byte
		fields     pq.StringArray
		prev, next []byte
		srcOp      sql.NullString
		groupType  sql.NullString
		srcTS      sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Operation, &e.ResourceType, &e.ResourceID, &e.ResourceTitle,
		&e.Actor.ID, &e.Actor.Email, &e.Actor.DisplayName,
		&e.IsAIGenerated, &e.AIProvider, &e.AIModel, &e.AIConversationID,
		&e.WorkspaceID, &e.EntityID,
		&content, &e.ContentRef, &e.ContentFormat, &e.ContentSize,
		&fields, &prev, &next, &e.StateHashBefore, &e.StateHashAfter,
		&e.ChainScope, &e.ChainPosition, &e.PreviousHash, &e.EventHash,
		&e.StreamID, &e.StreamSeq, &e.ChangeGroupID, &groupType,
		&e.RollbackFromActivityID, &srcOp, &srcTS, &e.RollbackSourceTitle,
		&e.Outcome, &e.FailureReason, &e.IsArchived,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if len(content) > 0 {
		e.ContentSnapshot = content
	}
	if fields != nil {
		e.UpdatedFields = []string(fields)
	}
	if e.PreviousValues, err = unmarshalValues(prev); err != nil {
		return nil, err
	}
	if e.NewValues, err = unmarshalValues(next); err != nil {
		return nil, err
	}
	if srcOp.Valid {
		op := model.Operation(srcOp.String)
		e.RollbackSourceOperation = &op
	}
	if srcTS.Valid {
		ts := srcTS.Time.UTC()
		e.RollbackSourceTimestamp = &ts
	}
	if groupType.Valid {
		t := model.ChangeGroupType(groupType.String)
		e.ChangeGroupType = &t
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*model.LedgerEntry, error) {
	defer rows.Close()
	var out []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	row := l.d.q(ctx).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("ledger entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

func (l *Ledger) Walk(ctx context.Context, scope string, afterPosition int64, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.d.q(ctx).QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE chain_scope = $1 AND chain_position > $2
		ORDER BY chain_position
		LIMIT $3`, scope, afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", scope, err)
	}
	return scanEntries(rows)
}

// Query pushes every FeedQuery filter into SQL.
func (l *Ledger) Query(ctx context.Context, fq ledger.FeedQuery) ([]*model.LedgerEntry, error) {
	where, args := feedWhere(fq)
	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, fq.Limit, fq.Offset)
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := l.d.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	return scanEntries(rows)
}

func feedWhere(fq ledger.FeedQuery) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !fq.IncludeArchived {
		where = append(where, "NOT is_archived")
	}
	if fq.WorkspaceID != "" {
		add("workspace_id = $%d", fq.WorkspaceID)
	}
	if fq.ActorID != "" {
		add("actor_id = $%d", fq.ActorID)
	}
	if fq.ResourceType != "" {
		add("resource_type = $%d", string(fq.ResourceType))
	}
	if fq.ResourceID != "" {
		add("resource_id = $%d", fq.ResourceID)
	}
	if fq.EntityID != "" {
		add("entity_id = $%d", fq.EntityID)
	}
	if fq.ChangeGroupID != "" {
		add("change_group_id = $%d", fq.ChangeGroupID)
	}
	if fq.Operation != "" {
		add("operation = $%d", string(fq.Operation))
	}
	if !fq.Since.IsZero() {
		add("ts >= $%d", fq.Since.UTC())
	}
	if !fq.Until.IsZero() {
		add("ts < $%d", fq.Until.UTC())
	}
	if fq.AIOnly {
		where = append(where, "is_ai_generated")
	}
	if fq.HumanOnly {
		where = append(where, "NOT is_ai_generated")
	}
	return where, args
}

func (l *Ledger) Scopes(ctx context.Context) ([]string, error) {
	rows, err := l.d.q(ctx).QueryContext(ctx, `SELECT scope FROM ledger_chain_tips ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()
	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// ArchiveBefore flags the oldest unarchived entries before cutoff. Only
// is_archived changes; it is outside the event hash.
func (l *Ledger) ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := l.d.q(ctx).ExecContext(ctx, `
		UPDATE ledger_entries SET is_archived = TRUE
		WHERE id IN (
			SELECT id FROM ledger_entries
			WHERE NOT is_archived AND ts < $1
			ORDER BY ts, id
			LIMIT $2
		)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("archive entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive entries: %w", err)
	}
	return int(n), nil
}

func (l *Ledger) LoadCheckpoint(ctx context.Context, scope string) (*model.Checkpoint, error) {
	cp := model.Checkpoint{Scope: scope}
	err := l.d.q(ctx).QueryRowContext(ctx,
		`SELECT position, hash, verified_at FROM ledger_checkpoints WHERE scope = $1`, scope).
		Scan(&cp.Position, &cp.Hash, &cp.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", scope, err)
	}
	cp.VerifiedAt = cp.VerifiedAt.UTC()
	return &cp, nil
}

func (l *Ledger) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := l.d.q(ctx).ExecContext(ctx, `
		INSERT INTO ledger_checkpoints (scope, position, hash, verified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope) DO UPDATE SET
			position = EXCLUDED.position,
			hash = EXCLUDED.hash,
			verified_at = EXCLUDED.verified_at`,
		cp.Scope, cp.Position, string(cp.Hash), cp.VerifiedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Scope, err)
	}
	return nil
}

func marshalValues(v map[string]json.RawMessage) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return b, nil
}

func unmarshalValues(b []byte) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("unmarshal values: %w", err)
	}
	return v, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
