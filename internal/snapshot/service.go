// Package snapshot captures, stores and restores point-in-time versions of
// tracked entities.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
	"github.com/jvs-project/trail/pkg/template"
)

// CaptureRequest describes one capture. When State is nil the current state
// is read through the service's StateReader.
type CaptureRequest struct {
	EntityID    string
	Kind        model.SnapshotKind
	Source      model.SnapshotSource
	Actor       model.ActorRef
	Label       string
	Reason      string
	ChangeGroup *model.ChangeGroup
	// Activity links the snapshot to the ledger entry for the same change.
	// Callers recording an event pass model.ActivityRefFor(entry); without
	// it a later rollback to this snapshot cannot name its source entry.
	Activity *model.ActivityRef
	State    *model.EntityState
}

// Service is the snapshot store front end.
type Service struct {
	store   Store
	blobs   blob.Store
	reader  StateReader
	expirer Expirer
	alerter Alerter
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("snapshot") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStateReader sets the collaborator that reads live entity state.
func WithStateReader(r StateReader) Option {
	return func(s *Service) { s.reader = r }
}

// WithExpirer sets the retention engine that stamps expiry.
func WithExpirer(e Expirer) Option {
	return func(s *Service) { s.expirer = e }
}

// WithAlerter reports corrupt snapshots to operators.
func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a snapshot service.
func NewService(store Store, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		blobs:  blobs,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/jvs-project/trail/internal/snapshot"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the metadata store.
func (s *Service) Store() Store {
	return s.store
}

// Capture records the entity's current state. It returns once both the
// snapshot row and its content blob are durable.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*model.Snapshot, error) {
	snap, _, err := s.capture(ctx, req, false)
	return snap, err
}

// CaptureIfChanged captures only when the entity's state differs from its
// newest snapshot. It returns nil and false when nothing changed.
func (s *Service) CaptureIfChanged(ctx context.Context, req CaptureRequest) (*model.Snapshot, bool, error) {
	return s.capture(ctx, req, true)
}

func (s *Service) capture(ctx context.Context, req CaptureRequest, skipUnchanged bool) (*model.Snapshot, bool, error) {
	if req.Source == "" {
		req.Source = model.SourceManual
	}
	ctx, span := s.tracer.Start(ctx, "snapshot.Capture", trace.WithAttributes(
		attribute.String("trail.entity_id", req.EntityID),
		attribute.String("trail.source", string(req.Source)),
	))
	defer span.End()

	start := s.now()
	snap, deduped, err := s.doCapture(ctx, req, skipUnchanged)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordCapture(string(req.Source), false, 0, s.now().Sub(start), err)
		return nil, false, err
	}
	if snap == nil {
		return nil, false, nil
	}
	s.metrics.RecordCapture(string(req.Source), deduped, snap.ContentSize, s.now().Sub(start), nil)
	span.SetAttributes(
		attribute.String("trail.snapshot_id", snap.ID.String()),
		attribute.Int64("trail.revision", snap.RevisionNumber),
		attribute.Bool("trail.deduped", deduped),
	)
	s.logger.Debug("snapshot captured",
		zap.String("id", snap.ID.String()),
		zap.String("entity_id", snap.EntityID),
		zap.String("source", string(snap.Source)),
		zap.Int64("revision", snap.RevisionNumber),
		zap.String("content_ref", snap.ContentRef.Short()),
		zap.Bool("deduped", deduped))
	return snap, true, nil
}

func (s *Service) doCapture(ctx context.Context, req CaptureRequest, skipUnchanged bool) (*model.Snapshot, bool, error) {
	state, err := s.resolveState(ctx, req)
	if err != nil {
		return nil, false, err
	}
	data, hash, err := Encode(state)
	if err != nil {
		return nil, false, err
	}

	if skipUnchanged {
		latest, err := s.store.List(ctx, ListQuery{EntityID: state.EntityID, Limit: 1})
		if err != nil {
			return nil, false, fmt.Errorf("read latest snapshot: %w", err)
		}
		if len(latest) > 0 && latest[0].StateHash == hash {
			return nil, false, nil
		}
	}

	createdAt := s.now().UTC().Truncate(time.Microsecond)
	var expiresAt *time.Time
	if s.expirer != nil {
		expiresAt, err = s.expirer.ExpiryFor(ctx, state.WorkspaceID, createdAt)
		if err != nil {
			return nil, false, fmt.Errorf("compute expiry: %w", err)
		}
	}

	snap := &model.Snapshot{
		ID:            model.NewSnapshotID(),
		Kind:          state.Kind,
		EntityID:      state.EntityID,
		WorkspaceID:   state.WorkspaceID,
		CreatedAt:     createdAt,
		CreatedBy:     req.Actor,
		Source:        req.Source,
		Label:         expandLabel(req, state, createdAt),
		Reason:        req.Reason,
		ContentRef:    hash,
		ContentFormat: state.Format,
		ContentSize:   int64(len(data)),
		StateHash:     hash,
		ExpiresAt:     expiresAt,
		Activity:      req.Activity,
	}
	snap.ChangeGroupID, snap.ChangeGroupType = req.ChangeGroup.Pointers()
	if snap.Activity != nil {
		a := *snap.Activity
		a.Timestamp = a.Timestamp.UTC().Truncate(time.Microsecond)
		a.Title = nameutil.NormalizeTitle(a.Title)
		snap.Activity = &a
	}

	info := ContentInfo{Hash: hash, Size: snap.ContentSize, Format: state.Format}
	deduped, err := s.store.CommitCapture(ctx, snap, info, s.blobWriter(hash, data))
	if err != nil {
		return nil, false, fmt.Errorf("commit capture: %w", err)
	}
	return snap, deduped, nil
}

// expandLabel fills label placeholders such as {date} or {title} from the
// capture.
func expandLabel(req CaptureRequest, state *model.EntityState, at time.Time) string {
	label := template.Expand(req.Label, at, map[string]string{
		"entity": state.EntityID,
		"title":  state.Title,
		"source": string(req.Source),
	})
	return nameutil.NormalizeTitle(label)
}

func (s *Service) resolveState(ctx context.Context, req CaptureRequest) (*model.EntityState, error) {
	state := req.State
	if state == nil {
		if req.EntityID == "" {
			return nil, errclass.ErrInvalidEntry.WithMessage("capture requires an entity id")
		}
		if s.reader == nil {
			return nil, errclass.ErrInvalidEntry.WithMessage("no state supplied and no state reader configured")
		}
		var err error
		state, err = s.reader.ReadState(ctx, req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("read state of %s: %w", req.EntityID, err)
		}
	}

	cp := *state
	if cp.EntityID == "" {
		cp.EntityID = req.EntityID
	}
	if req.EntityID != "" && cp.EntityID != req.EntityID {
		return nil, errclass.ErrInvalidEntry.WithMessagef("state belongs to %s, not %s", cp.EntityID, req.EntityID)
	}
	if cp.EntityID == "" {
		return nil, errclass.ErrInvalidEntry.WithMessage("capture requires an entity id")
	}
	if req.Kind != "" {
		cp.Kind = req.Kind
	}
	if cp.Kind == "" {
		cp.Kind = model.KindPage
	}
	if cp.Format == "" {
		cp.Format = model.FormatBinary
	}
	cp.Title = nameutil.NormalizeTitle(cp.Title)
	return &cp, nil
}

func (s *Service) blobWriter(hash model.HashValue, data []byte) BlobWriter {
	return func(ctx context.Context) error {
		if _, err := s.blobs.Put(ctx, hash, data); err != nil {
			return fmt.Errorf("write blob %s: %w", hash.Short(), err)
		}
		return nil
	}
}

// Restore loads the state captured by snapshot id. Content that does not
// hash to the recorded StateHash, or is missing, fails with
// E_SNAPSHOT_CORRUPT and nothing is returned.
func (s *Service) Restore(ctx context.Context, id model.SnapshotID) (*model.EntityState, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.Restore", trace.WithAttributes(
		attribute.String("trail.snapshot_id", id.String()),
	))
	defer span.End()

	state, err := s.restore(ctx, id)
	s.metrics.RecordRestore(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return state, nil
}

func (s *Service) restore(ctx context.Context, id model.SnapshotID) (*model.EntityState, error) {
	snap, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	data, err := s.loadBlob(ctx, snap)
	if err != nil {
		return nil, err
	}
	state, err := Decode(data, snap.StateHash)
	if err != nil {
		s.reportCorrupt(ctx, snap, err)
		return nil, err
	}
	state.EntityID = snap.EntityID
	state.WorkspaceID = snap.WorkspaceID
	if state.Format == "" {
		state.Format = snap.ContentFormat
	}
	return state, nil
}

func (s *Service) loadBlob(ctx context.Context, snap *model.Snapshot) ([]byte, error) {
	data, err := s.blobs.Get(ctx, snap.ContentRef)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, errclass.ErrNotFound) || errors.Is(err, errclass.ErrSnapshotCorrupt) {
		cerr := errclass.ErrSnapshotCorrupt.Wrap(err, fmt.Sprintf("snapshot %s content %s unreadable", snap.ID, snap.ContentRef.Short()))
		s.reportCorrupt(ctx, snap, cerr)
		return nil, cerr
	}
	return nil, fmt.Errorf("read blob %s: %w", snap.ContentRef.Short(), err)
}

func (s *Service) reportCorrupt(ctx context.Context, snap *model.Snapshot, err error) {
	s.logger.Error("snapshot content corrupt",
		zap.String("id", snap.ID.String()),
		zap.String("entity_id", snap.EntityID),
		zap.String("content_ref", snap.ContentRef.String()),
		zap.Error(err))
	if s.alerter != nil {
		s.alerter.Notify(ctx, "snapshot.corrupt", map[string]any{
			"snapshot_id":  snap.ID.String(),
			"entity_id":    snap.EntityID,
			"workspace_id": snap.WorkspaceID,
			"content_ref":  snap.ContentRef.String(),
			"error":        err.Error(),
		})
	}
}

// VerifySnapshot checks that the snapshot's content is present and intact
// without decoding it.
func (s *Service) VerifySnapshot(ctx context.Context, id model.SnapshotID) error {
	snap, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get snapshot %s: %w", id, err)
	}
	data, err := s.loadBlob(ctx, snap)
	if err != nil {
		return err
	}
	if err := integrity.VerifyContent(data, snap.StateHash); err != nil {
		s.reportCorrupt(ctx, snap, err)
		return err
	}
	return nil
}

// Get returns snapshot metadata.
func (s *Service) Get(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	return s.store.Get(ctx, id)
}

// List returns snapshots matching q, newest revision first.
func (s *Service) List(ctx context.Context, q ListQuery) ([]*model.Snapshot, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, errclass.ErrInvalidEntry.WithMessage("limit and offset must not be negative")
	}
	return s.store.List(ctx, q)
}

// Pin exempts the snapshot from retention.
func (s *Service) Pin(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	snap, err := s.store.SetPinned(ctx, id, true)
	if err != nil {
		return nil, fmt.Errorf("pin %s: %w", id, err)
	}
	s.logger.Info("snapshot pinned", zap.String("id", id.String()))
	return snap, nil
}

// Unpin returns the snapshot to normal retention. Its original expiry is
// kept, so a snapshot whose window already passed goes on the next sweep.
func (s *Service) Unpin(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	snap, err := s.store.SetPinned(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("unpin %s: %w", id, err)
	}
	s.logger.Info("snapshot unpinned", zap.String("id", id.String()))
	return snap, nil
}

// PutContent stores data for a ledger entry's ContentRef and takes a
// permanent reference on it. Identical data yields the same hash.
func (s *Service) PutContent(ctx context.Context, data []byte, format model.ContentFormat) (model.HashValue, error) {
	hash := integrity.StateHash(data)
	info := ContentInfo{Hash: hash, Size: int64(len(data)), Format: format}
	if _, err := s.store.RetainContent(ctx, info, s.blobWriter(hash, data)); err != nil {
		return "", fmt.Errorf("retain content: %w", err)
	}
	return hash, nil
}

// RetainSnapshotContent takes a permanent reference on snap's content so a
// ledger entry can point at it after the snapshot itself is swept.
func (s *Service) RetainSnapshotContent(ctx context.Context, snap *model.Snapshot) error {
	data, err := s.loadBlob(ctx, snap)
	if err != nil {
		return err
	}
	if err := integrity.VerifyContent(data, snap.ContentRef); err != nil {
		s.reportCorrupt(ctx, snap, err)
		return err
	}
	info := ContentInfo{Hash: snap.ContentRef, Size: snap.ContentSize, Format: snap.ContentFormat}
	if _, err := s.store.RetainContent(ctx, info, s.blobWriter(snap.ContentRef, data)); err != nil {
		return fmt.Errorf("retain snapshot content %s: %w", snap.ContentRef.Short(), err)
	}
	return nil
}

// GetContent returns verified content by hash.
func (s *Service) GetContent(ctx context.Context, hash model.HashValue) ([]byte, error) {
	data, err := s.blobs.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", hash.Short(), err)
	}
	if err := integrity.VerifyContent(data, hash); err != nil {
		return nil, err
	}
	return data, nil
}
