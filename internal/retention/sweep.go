package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/progress"
)

// BlobDeleter removes one content blob.
type BlobDeleter func(ctx context.Context, hash model.HashValue) error

// SweepStore is the storage surface the sweeper drives.
//
// DeleteExpired deletes those of ids that are still unpinned with
// expires_at <= now, re-checked atomically per row, and drops one content
// reference for each; it returns what it deleted. ReclaimContent locks the
// content record and, only if it still has zero references, calls
// deleteBlob and then removes the record.
type SweepStore interface {
	ExpiredSnapshots(ctx context.Context, now time.Time, limit int) ([]model.SnapshotID, error)
	DeleteExpired(ctx context.Context, ids []model.SnapshotID, now time.Time) ([]*model.Snapshot, error)
	UnreferencedContent(ctx context.Context, limit int) ([]model.HashValue, error)
	ReclaimContent(ctx context.Context, hash model.HashValue, deleteBlob BlobDeleter) (reclaimed bool, size int64, err error)
}

// CheckpointStore persists sweep progress. Load returns nil and no error
// when no sweep is in progress.
type CheckpointStore interface {
	LoadSweepCheckpoint(ctx context.Context) (*model.SweepCheckpoint, error)
	SaveSweepCheckpoint(ctx context.Context, cp model.SweepCheckpoint) error
	ClearSweepCheckpoint(ctx context.Context) error
}

// Archiver flags aged ledger entries as archived.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Exporter copies archived ledger entries to cold storage and reports how
// many it wrote.
type Exporter func(ctx context.Context) (int, error)

// Alerter is notified of conditions operators must act on.
type Alerter interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// SweepOptions tunes a sweep.
type SweepOptions struct {
	BatchSize int
	// LedgerArchiveAfter is the age past which ledger entries are archived.
	// Zero disables ledger archiving.
	LedgerArchiveAfter time.Duration
	// ReclaimWorkers bounds concurrent blob reclamation.
	ReclaimWorkers int
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	SweepID          string           `json:"sweep_id"`
	Resumed          bool             `json:"resumed"`
	Cutoff           time.Time        `json:"cutoff"`
	Phase            model.SweepPhase `json:"phase"`
	Batches          int              `json:"batches"`
	SnapshotsDeleted int              `json:"snapshots_deleted"`
	BlobsReclaimed   int              `json:"blobs_reclaimed"`
	BytesReclaimed   int64            `json:"bytes_reclaimed"`
	LedgerArchived   int              `json:"ledger_archived"`
	ColdExported     int              `json:"cold_exported"`
	Duration         time.Duration    `json:"duration"`
}

// Sweeper runs retention sweeps.
type Sweeper struct {
	store       SweepStore
	deleteBlob  BlobDeleter
	opts        SweepOptions
	checkpoints CheckpointStore
	archiver    Archiver
	exporter    Exporter
	alerter     Alerter
	progress    progress.Callback
	logger      *zap.Logger
	metrics     *metrics.Registry
	tracer      trace.Tracer
	now         func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger.
func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l.Named("sweep") }
}

// WithSweepMetrics sets the metrics registry.
func WithSweepMetrics(m *metrics.Registry) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithCheckpoints lets an interrupted sweep resume.
func WithCheckpoints(c CheckpointStore) SweeperOption {
	return func(s *Sweeper) { s.checkpoints = c }
}

// WithArchiver enables ledger archiving.
func WithArchiver(a Archiver) SweeperOption {
	return func(s *Sweeper) { s.archiver = a }
}

// WithExporter exports archived entries after each sweep.
func WithExporter(e Exporter) SweeperOption {
	return func(s *Sweeper) { s.exporter = e }
}

// WithSweepAlerter reports failed sweeps.
func WithSweepAlerter(a Alerter) SweeperOption {
	return func(s *Sweeper) { s.alerter = a }
}

// WithProgress reports the running total of each phase after every batch.
func WithProgress(cb progress.Callback) SweeperOption {
	return func(s *Sweeper) { s.progress = cb }
}

// WithSweepClock overrides the time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper. deleteBlob removes reclaimed content.
func NewSweeper(store SweepStore, deleteBlob BlobDeleter, opts SweepOptions, options ...SweeperOption) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ReclaimWorkers <= 0 {
		opts.ReclaimWorkers = 4
	}
	s := &Sweeper{
		store:      store,
		deleteBlob: deleteBlob,
		opts:       opts,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/jvs-project/trail/internal/retention"),
		now:        time.Now,
	}
	for _, o := range options {
		o(s)
	}
	if s.progress == nil {
		s.progress = progress.Noop
	}
	return s
}

// Sweep deletes expired unpinned snapshots, reclaims content nothing
// references any more and archives aged ledger entries, in that order and
// in batches. A cancelled sweep keeps its checkpoint; the next call resumes
// it with the same cutoff.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "retention.Sweep")
	defer span.End()

	start := s.now()
	report, err := s.sweep(ctx)
	report.Duration = s.now().Sub(start)
	s.metrics.RecordSweep(report.SnapshotsDeleted, report.BlobsReclaimed, report.BytesReclaimed,
		report.LedgerArchived, report.Duration, err)
	span.SetAttributes(
		attribute.String("trail.sweep_id", report.SweepID),
		attribute.Int("trail.snapshots_deleted", report.SnapshotsDeleted),
		attribute.Int("trail.blobs_reclaimed", report.BlobsReclaimed),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("sweep interrupted, will resume",
				zap.String("sweep_id", report.SweepID),
				zap.String("phase", string(report.Phase)))
			return report, err
		}
		s.logger.Error("sweep failed",
			zap.String("sweep_id", report.SweepID),
			zap.String("phase", string(report.Phase)),
			zap.Error(err))
		if s.alerter != nil {
			s.alerter.Notify(ctx, "sweep.failed", map[string]any{
				"sweep_id": report.SweepID,
				"phase":    string(report.Phase),
				"error":    err.Error(),
			})
		}
		return report, err
	}

	s.logger.Info("sweep complete",
		zap.String("sweep_id", report.SweepID),
		zap.Int("snapshots_deleted", report.SnapshotsDeleted),
		zap.Int("blobs_reclaimed", report.BlobsReclaimed),
		zap.Int64("bytes_reclaimed", report.BytesReclaimed),
		zap.Int("ledger_archived", report.LedgerArchived),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (s *Sweeper) sweep(ctx context.Context) (*SweepReport, error) {
	cp, err := s.begin(ctx)
	if err != nil {
		return &SweepReport{Phase: model.PhaseSnapshots}, err
	}
	report := &SweepReport{
		SweepID: cp.SweepID,
		Resumed: cp.Batches > 0 || cp.Phase != model.PhaseSnapshots,
		Cutoff:  cp.Cutoff,
		Phase:   cp.Phase,
	}

	phases := []struct {
		phase model.SweepPhase
		run   func(context.Context, *model.SweepCheckpoint, *SweepReport) error
	}{
		{model.PhaseSnapshots, s.deleteExpired},
		{model.PhaseContent, s.reclaimContent},
		{model.PhaseLedger, s.archiveLedger},
	}
	started := false
	for _, p := range phases {
		if !started && p.phase != cp.Phase {
			continue
		}
		started = true
		cp.Phase = p.phase
		report.Phase = p.phase
		if err := s.save(ctx, cp); err != nil {
			return report, err
		}
		if err := p.run(ctx, cp, report); err != nil {
			return report, err
		}
	}

	if s.exporter != nil {
		n, err := s.exporter(ctx)
		report.ColdExported = n
		if err != nil {
			return report, fmt.Errorf("export archived entries: %w", err)
		}
	}

	report.Phase = model.PhaseDone
	report.Batches = cp.Batches
	if s.checkpoints != nil {
		if err := s.checkpoints.ClearSweepCheckpoint(ctx); err != nil {
			return report, fmt.Errorf("clear sweep checkpoint: %w", err)
		}
	}
	return report, nil
}

func (s *Sweeper) begin(ctx context.Context) (*model.SweepCheckpoint, error) {
	if s.checkpoints != nil {
		cp, err := s.checkpoints.LoadSweepCheckpoint(ctx)
		if err != nil {
			return nil, fmt.Errorf("load sweep checkpoint: %w", err)
		}
		if cp != nil && cp.Phase != model.PhaseDone {
			s.logger.Info("resuming sweep",
				zap.String("sweep_id", cp.SweepID),
				zap.String("phase", string(cp.Phase)),
				zap.Int("batches", cp.Batches))
			return cp, nil
		}
	}
	return &model.SweepCheckpoint{
		SweepID: model.NewID(),
		Phase:   model.PhaseSnapshots,
		Cutoff:  s.now().UTC().Truncate(time.Microsecond),
	}, nil
}

// fenceKey carries the lease check a scheduled sweep runs between batches.
type fenceKey struct{}

func withFence(ctx context.Context, check func(context.Context) error) context.Context {
	return context.WithValue(ctx, fenceKey{}, check)
}

func (s *Sweeper) save(ctx context.Context, cp *model.SweepCheckpoint) error {
	// A holder that lost its lease stops before it records more work.
	if check, ok := ctx.Value(fenceKey{}).(func(context.Context) error); ok {
		if err := check(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("sweep lease: %w", err)
		}
	}
	if s.checkpoints == nil {
		return nil
	}
	cp.UpdatedAt = s.now().UTC()
	// Progress must be recorded even when ctx was just cancelled.
	if err := s.checkpoints.SaveSweepCheckpoint(context.WithoutCancel(ctx), *cp); err != nil {
		return fmt.Errorf("save sweep checkpoint: %w", err)
	}
	return nil
}

func (s *Sweeper) deleteExpired(ctx context.Context, cp *model.SweepCheckpoint, report *SweepReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := s.store.ExpiredSnapshots(ctx, cp.Cutoff, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("select expired snapshots: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		deleted, err := s.store.DeleteExpired(ctx, ids, cp.Cutoff)
		if err != nil {
			return fmt.Errorf("delete expired snapshots: %w", err)
		}
		report.SnapshotsDeleted += len(deleted)
		cp.Batches++
		if err := s.save(ctx, cp); err != nil {
			return err
		}
		s.progress(string(cp.Phase), report.SnapshotsDeleted, 0, "snapshots deleted")
		s.logger.Debug("expired batch deleted",
			zap.Int("selected", len(ids)),
			zap.Int("deleted", len(deleted)))
		// Every selected row was pinned or re-stamped since selection.
		if len(deleted) == 0 {
			return nil
		}
	}
}

func (s *Sweeper) reclaimContent(ctx context.Context, cp *model.SweepCheckpoint, report *SweepReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes, err := s.store.UnreferencedContent(ctx, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("select unreferenced content: %w", err)
		}
		if len(hashes) == 0 {
			return nil
		}

		var (
			mu        sync.Mutex
			reclaimed int
			bytes     int64
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.ReclaimWorkers)
		for _, h := range hashes {
			g.Go(func() error {
				ok, size, err := s.store.ReclaimContent(gctx, h, s.deleteBlob)
				if err != nil {
					return fmt.Errorf("reclaim %s: %w", h.Short(), err)
				}
				if ok {
					mu.Lock()
					reclaimed++
					bytes += size
					mu.Unlock()
				}
				return nil
			})
		}
		err = g.Wait()
		report.BlobsReclaimed += reclaimed
		report.BytesReclaimed += bytes
		if err != nil {
			return err
		}
		cp.Batches++
		if err := s.save(ctx, cp); err != nil {
			return err
		}
		s.progress(string(cp.Phase), report.BlobsReclaimed, 0, "blobs reclaimed")
		// Every selected record gained a reference since selection.
		if reclaimed == 0 {
			return nil
		}
	}
}

func (s *Sweeper) archiveLedger(ctx context.Context, cp *model.SweepCheckpoint, report *SweepReport) error {
	if s.archiver == nil || s.opts.LedgerArchiveAfter <= 0 {
		return nil
	}
	cutoff := cp.Cutoff.Add(-s.opts.LedgerArchiveAfter)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.archiver.ArchiveBefore(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("archive ledger entries: %w", err)
		}
		report.LedgerArchived += n
		if n == 0 {
			return nil
		}
		cp.Batches++
		if err := s.save(ctx, cp); err != nil {
			return err
		}
		s.progress(string(cp.Phase), report.LedgerArchived, 0, "entries archived")
	}
}
