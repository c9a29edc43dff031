// Package rollback restores an entity to a prior snapshot and records the
// rollback in the ledger.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
)

// Applier writes a restored state back to the live entity. It is outside
// the engine's transactional boundary and must report whether the write
// took effect.
type Applier interface {
	ApplyState(ctx context.Context, state *model.EntityState, actor model.ActorRef) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, state *model.EntityState, actor model.ActorRef) error

func (f ApplierFunc) ApplyState(ctx context.Context, state *model.EntityState, actor model.ActorRef) error {
	return f(ctx, state, actor)
}

// Snapshots is the part of the snapshot service a rollback uses.
type Snapshots interface {
	Get(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error)
	Capture(ctx context.Context, req snapshot.CaptureRequest) (*model.Snapshot, error)
	Restore(ctx context.Context, id model.SnapshotID) (*model.EntityState, error)
	RetainSnapshotContent(ctx context.Context, snap *model.Snapshot) error
}

// Ledger is the part of the ledger a rollback uses.
type Ledger interface {
	Append(ctx context.Context, d ledger.Draft) (*model.LedgerEntry, error)
	Get(ctx context.Context, id string) (*model.LedgerEntry, error)
}

// Alerter is notified of rollbacks whose apply or record step failed.
type Alerter interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// Request describes one rollback.
type Request struct {
	EntityID    string
	SnapshotID  model.SnapshotID
	Actor       model.ActorRef
	Reason      string
	ChangeGroup *model.ChangeGroup

	// StreamID and StreamSeq place the rollback entry on a stream chain.
	StreamID  *string
	StreamSeq *int64
}

// Engine runs rollbacks.
type Engine struct {
	snapshots Snapshots
	ledger    Ledger
	applier   Applier
	alerter   Alerter
	logger    *zap.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l.Named("rollback") }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// NewEngine creates a rollback engine.
func NewEngine(snapshots Snapshots, l Ledger, applier Applier, opts ...Option) *Engine {
	e := &Engine{
		snapshots: snapshots,
		ledger:    l,
		applier:   applier,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/jvs-project/trail/internal/rollback"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Rollback restores req.EntityID to req.SnapshotID.
//
// The current state is captured as a pre_restore snapshot and the target
// snapshot is verified before anything is applied; a failure in either
// returns without mutating the entity or the ledger. Once the applier has
// run, exactly one rollback entry is appended. When the apply step fails
// that entry is marked failed and returned together with an E_APPLY_FAILED
// error.
func (e *Engine) Rollback(ctx context.Context, req Request) (*model.LedgerEntry, error) {
	ctx, span := e.tracer.Start(ctx, "rollback.Rollback", trace.WithAttributes(
		attribute.String("trail.entity_id", req.EntityID),
		attribute.String("trail.snapshot_id", req.SnapshotID.String()),
	))
	defer span.End()

	entry, outcome, err := e.rollback(ctx, req)
	e.metrics.RecordRollback(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("trail.outcome", outcome))
	return entry, err
}

func (e *Engine) rollback(ctx context.Context, req Request) (*model.LedgerEntry, string, error) {
	if e.applier == nil {
		return nil, "aborted", errclass.ErrInvalidEntry.WithMessage("rollback requires an applier")
	}
	target, err := e.snapshots.Get(ctx, req.SnapshotID)
	if err != nil {
		return nil, "aborted", fmt.Errorf("load target snapshot: %w", err)
	}
	if req.EntityID == "" {
		req.EntityID = target.EntityID
	}
	if target.EntityID != req.EntityID {
		return nil, "aborted", errclass.ErrInvalidEntry.WithMessagef("snapshot %s belongs to %s, not %s", target.ID, target.EntityID, req.EntityID)
	}

	pre, err := e.snapshots.Capture(ctx, snapshot.CaptureRequest{
		EntityID:    req.EntityID,
		Kind:        target.Kind,
		Source:      model.SourcePreRestore,
		Actor:       req.Actor,
		Reason:      fmt.Sprintf("before rollback to %s", target.ID.ShortID()),
		ChangeGroup: req.ChangeGroup,
	})
	if err != nil {
		return nil, "aborted", fmt.Errorf("pre-restore capture: %w", err)
	}

	state, err := e.snapshots.Restore(ctx, target.ID)
	if err != nil {
		return nil, "aborted", fmt.Errorf("restore %s: %w", target.ID, err)
	}

	source, err := e.resolveSource(ctx, target, state)
	if err != nil {
		return nil, "aborted", err
	}

	// The entry's ContentRef must outlive the target snapshot.
	if err := e.snapshots.RetainSnapshotContent(ctx, target); err != nil {
		return nil, "aborted", fmt.Errorf("retain content of %s: %w", target.ID, err)
	}

	draft := ledger.Draft{
		Operation:       model.OperationRollback,
		ResourceType:    resourceTypeFor(target.Kind),
		ResourceID:      req.EntityID,
		ResourceTitle:   state.Title,
		Actor:           req.Actor,
		WorkspaceID:     target.WorkspaceID,
		EntityID:        req.EntityID,
		ContentRef:      target.ContentRef,
		ContentFormat:   target.ContentFormat,
		ContentSize:     target.ContentSize,
		StateHashBefore: pre.StateHash,
		StateHashAfter:  target.StateHash,
		StreamID:        req.StreamID,
		StreamSeq:       req.StreamSeq,
		Rollback:        source,
	}.WithChangeGroup(req.ChangeGroup)

	applyErr := e.applier.ApplyState(ctx, state, req.Actor)
	if applyErr != nil {
		return e.recordFailure(ctx, req, target, draft, applyErr)
	}

	entry, err := e.ledger.Append(ctx, draft)
	if err != nil {
		e.logger.Error("rollback applied but not recorded",
			zap.String("entity_id", req.EntityID),
			zap.String("snapshot_id", target.ID.String()),
			zap.Error(err))
		if e.alerter != nil {
			e.alerter.Notify(ctx, "rollback.failed", map[string]any{
				"entity_id":    req.EntityID,
				"workspace_id": target.WorkspaceID,
				"snapshot_id":  target.ID.String(),
				"stage":        "record",
				"error":        err.Error(),
			})
		}
		return nil, "unrecorded", fmt.Errorf("append rollback entry: %w", err)
	}

	// The entry is committed; a failed restore capture only loses a
	// version, so it is logged rather than returned.
	if _, err := e.snapshots.Capture(ctx, snapshot.CaptureRequest{
		EntityID:    req.EntityID,
		Kind:        target.Kind,
		Source:      model.SourceRestore,
		Actor:       req.Actor,
		Label:       source.Title,
		Reason:      req.Reason,
		ChangeGroup: req.ChangeGroup,
		Activity:    model.ActivityRefFor(entry),
		State:       state,
	}); err != nil {
		e.logger.Warn("restore capture failed",
			zap.String("entity_id", req.EntityID),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}

	e.logger.Info("rollback applied",
		zap.String("entity_id", req.EntityID),
		zap.String("snapshot_id", target.ID.String()),
		zap.String("entry_id", entry.ID),
		zap.Bool("source_resolved", source.ActivityID != nil))
	return entry, string(model.OutcomeSucceeded), nil
}

func (e *Engine) recordFailure(ctx context.Context, req Request, target *model.Snapshot, draft ledger.Draft, applyErr error) (*model.LedgerEntry, string, error) {
	draft.Outcome = model.OutcomeFailed
	draft.FailureReason = applyErr.Error()
	draft.StateHashAfter = draft.StateHashBefore
	failure := errclass.ErrApplyFailed.Wrap(applyErr, fmt.Sprintf("apply snapshot %s to %s", target.ID.ShortID(), req.EntityID))

	e.logger.Error("rollback apply failed",
		zap.String("entity_id", req.EntityID),
		zap.String("snapshot_id", target.ID.String()),
		zap.Error(applyErr))
	if e.alerter != nil {
		e.alerter.Notify(ctx, "rollback.failed", map[string]any{
			"entity_id":    req.EntityID,
			"workspace_id": target.WorkspaceID,
			"snapshot_id":  target.ID.String(),
			"stage":        "apply",
			"error":        applyErr.Error(),
		})
	}

	entry, err := e.ledger.Append(ctx, draft)
	if err != nil {
		return nil, string(model.OutcomeFailed), errors.Join(failure, fmt.Errorf("append failed rollback entry: %w", err))
	}
	return entry, string(model.OutcomeFailed), failure
}

// resolveSource describes what the rollback restored. The denormalized
// fields come from the snapshot's own activity copy, so they survive the
// source entry being archived or exported. The entry id is kept only while
// the entry still resolves.
func (e *Engine) resolveSource(ctx context.Context, target *model.Snapshot, state *model.EntityState) (*ledger.RollbackSource, error) {
	if a := target.Activity; a != nil {
		src := &ledger.RollbackSource{
			Operation: a.Operation,
			Timestamp: a.Timestamp,
			Title:     a.Title,
		}
		if src.Title == "" {
			src.Title = state.Title
		}
		_, err := e.ledger.Get(ctx, a.ID)
		switch {
		case err == nil:
			id := a.ID
			src.ActivityID = &id
		case errors.Is(err, errclass.ErrNotFound):
			e.logger.Debug("rollback source entry gone", zap.String("activity_id", a.ID))
		default:
			return nil, fmt.Errorf("resolve source entry %s: %w", a.ID, err)
		}
		return src, nil
	}

	title := target.Label
	if title == "" {
		title = state.Title
	}
	return &ledger.RollbackSource{
		Operation: model.OperationSnapshot,
		Timestamp: target.CreatedAt,
		Title:     title,
	}, nil
}

func resourceTypeFor(kind model.SnapshotKind) model.ResourceType {
	if kind == model.KindWorkspace {
		return model.ResourceDrive
	}
	return model.ResourcePage
}
