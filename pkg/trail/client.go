package trail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/doctor"
	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/rollback"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/progress"
)

// Request and result types of the client API.
type (
	Draft           = ledger.Draft
	AIAttribution   = ledger.AIAttribution
	FeedQuery       = ledger.FeedQuery
	VerifyResult    = ledger.VerifyResult
	CaptureRequest  = snapshot.CaptureRequest
	ListQuery       = snapshot.ListQuery
	RollbackRequest = rollback.Request
	SweepReport     = retention.SweepReport
)

// Collaborators are the caller-owned pieces the engine reads from and
// writes to. Any of them may be nil: captures then need explicit state,
// rollbacks are refused and every workspace gets the default tier.
type Collaborators struct {
	StateReader snapshot.StateReader
	Applier     rollback.Applier
	Tiers       retention.TierResolver

	// Logger defaults to one built from cfg.Logging.
	Logger *zap.Logger
	// Metrics defaults to a fresh private registry.
	Metrics *metrics.Registry
	// Progress receives sweep batch progress.
	Progress progress.Callback
}

// Client provides the engine's operations.
type Client struct {
	cfg       *config.Config
	b         *backends
	logger    *zap.Logger
	metrics   *metrics.Registry
	ledger    *ledger.Ledger
	snapshots *snapshot.Service
	auto      *snapshot.AutoCapturer
	retention *retention.Engine
	rollbacks *rollback.Engine
	sweeper   *retention.Sweeper
	scheduler *retention.Scheduler

	closeOnce sync.Once
	closeErr  error
}

// Open builds a client over the backends cfg selects. A PostgreSQL store is
// migrated before use.
func Open(ctx context.Context, cfg *config.Config, c Collaborators) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg.Logging); err != nil {
			return nil, errclass.ErrConfigInvalid.Wrap(err, "logging")
		}
	}
	reg := orNewRegistry(c.Metrics)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithMetrics(reg),
		ledger.WithCheckpointStore(b.ledger),
	}
	snapOpts := []snapshot.Option{snapshot.WithLogger(logger), snapshot.WithMetrics(reg)}
	rollbackOpts := []rollback.Option{rollback.WithLogger(logger), rollback.WithMetrics(reg)}
	sweepOpts := []retention.SweeperOption{
		retention.WithSweepLogger(logger),
		retention.WithSweepMetrics(reg),
		retention.WithCheckpoints(b.snaps),
		retention.WithArchiver(b.ledger),
	}
	if b.kafka != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSinks(b.kafka))
	}
	if b.alerts != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithAlerter(b.alerts))
		snapOpts = append(snapOpts, snapshot.WithAlerter(b.alerts))
		rollbackOpts = append(rollbackOpts, rollback.WithAlerter(b.alerts))
		sweepOpts = append(sweepOpts, retention.WithSweepAlerter(b.alerts))
	}
	if c.Progress != nil {
		sweepOpts = append(sweepOpts, retention.WithProgress(c.Progress))
	}
	if c.StateReader != nil {
		snapOpts = append(snapOpts, snapshot.WithStateReader(c.StateReader))
	}
	var engineOpts []retention.EngineOption
	engineOpts = append(engineOpts, retention.WithEngineLogger(logger))
	if c.Tiers != nil {
		engineOpts = append(engineOpts, retention.WithTierResolver(c.Tiers))
	}

	cl := &Client{cfg: cfg, b: b, logger: logger.Named("trail"), metrics: reg}
	cl.ledger = ledger.New(b.ledger, ledger.Options{
		InlineContentCap: cfg.Ledger.InlineContentCap,
		MaxRetries:       cfg.Ledger.MaxRetries,
		RetryBackoff:     cfg.Ledger.RetryBackoff,
		MaxBackoff:       cfg.Ledger.MaxBackoff,
	}, ledgerOpts...)

	cl.retention = retention.NewEngine(b.policies, cfg.Retention.DefaultTier, engineOpts...)
	snapOpts = append(snapOpts, snapshot.WithExpirer(cl.retention))
	cl.snapshots = snapshot.NewService(b.snaps, b.blobs, snapOpts...)
	cl.auto = snapshot.NewAutoCapturer(cl.snapshots, snapshot.AutoOptions{
		QuietPeriod: cfg.Snapshot.AutoQuietPeriod,
		MaxWait:     cfg.Snapshot.AutoMaxWait,
	})

	cl.rollbacks = rollback.NewEngine(cl.snapshots, cl.ledger, c.Applier, rollbackOpts...)

	if dir := cfg.Retention.ColdArchiveDir; dir != "" {
		cold := ledger.NewColdArchive(dir, logger)
		sweepOpts = append(sweepOpts, retention.WithExporter(func(ctx context.Context) (int, error) {
			return cold.ExportAll(ctx, b.ledger)
		}))
	}
	cl.sweeper = retention.NewSweeper(b.snaps, b.blobs.Delete, retention.SweepOptions{
		BatchSize:          cfg.Retention.BatchSize,
		LedgerArchiveAfter: cfg.Retention.LedgerArchiveAfter,
	}, sweepOpts...)
	cl.scheduler = retention.NewScheduler(cl.sweeper, b.locker, cfg.Retention.SweepInterval, cfg.Lease.TTL, logger)

	cl.logger.Info("trail opened",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("blobs", cfg.Blobs.Driver),
		zap.String("lease", cfg.Lease.Driver),
		zap.Bool("kafka", b.kafka != nil),
		zap.Bool("alerts", b.alerts != nil))
	return cl, nil
}

// RecordEvent appends an audited event. Content above the inline cap is
// moved to the content store and referenced by hash.
func (c *Client) RecordEvent(ctx context.Context, d Draft) (*model.LedgerEntry, error) {
	if int64(len(d.ContentSnapshot)) > c.cfg.Ledger.InlineContentCap && d.ContentRef == "" {
		format := d.ContentFormat
		if format == "" {
			format = model.FormatText
		}
		ref, err := c.snapshots.PutContent(ctx, d.ContentSnapshot, format)
		if err != nil {
			return nil, fmt.Errorf("store event content: %w", err)
		}
		d.ContentRef = ref
		d.ContentFormat = format
		d.ContentSize = int64(len(d.ContentSnapshot))
		d.ContentSnapshot = nil
	}
	return c.ledger.Append(ctx, d)
}

// CaptureSnapshot captures an entity synchronously.
func (c *Client) CaptureSnapshot(ctx context.Context, req CaptureRequest) (*model.Snapshot, error) {
	return c.snapshots.Capture(ctx, req)
}

// RecordEventWithSnapshot records d and then captures req linked to the new
// entry, so a later rollback to the snapshot names d as its source.
// req.EntityID defaults to d.EntityID. When the capture fails the entry is
// still returned with the error.
func (c *Client) RecordEventWithSnapshot(ctx context.Context, d Draft, req CaptureRequest) (*model.LedgerEntry, *model.Snapshot, error) {
	entry, err := c.RecordEvent(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	if req.EntityID == "" {
		req.EntityID = d.EntityID
	}
	if req.Actor == (model.ActorRef{}) {
		req.Actor = d.Actor
	}
	req.Activity = model.ActivityRefFor(entry)
	snap, err := c.snapshots.Capture(ctx, req)
	if err != nil {
		return entry, nil, fmt.Errorf("capture after %s: %w", entry.ID, err)
	}
	return entry, snap, nil
}

// TouchEntity schedules a debounced auto capture of entityID. It reports
// false once the client is closed.
func (c *Client) TouchEntity(entityID string, actor model.ActorRef) bool {
	return c.auto.Touch(entityID, actor)
}

// FlushAutoCaptures runs every pending auto capture now.
func (c *Client) FlushAutoCaptures(ctx context.Context) error {
	return c.auto.Flush(ctx)
}

// RestoreSnapshot returns the verified state stored in a snapshot without
// applying it.
func (c *Client) RestoreSnapshot(ctx context.Context, id model.SnapshotID) (*model.EntityState, error) {
	return c.snapshots.Restore(ctx, id)
}

// Rollback restores an entity to a snapshot through the Applier and records
// the rollback.
func (c *Client) Rollback(ctx context.Context, req RollbackRequest) (*model.LedgerEntry, error) {
	return c.rollbacks.Rollback(ctx, req)
}

// GetActivityFeed returns entries matching q, newest first.
func (c *Client) GetActivityFeed(ctx context.Context, q FeedQuery) ([]*model.LedgerEntry, error) {
	return c.ledger.Feed(ctx, q)
}

// GetEntry returns one ledger entry.
func (c *Client) GetEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	return c.ledger.Get(ctx, id)
}

// VerifyChain verifies scope from genesis, or from its last checkpoint when
// resume is set.
func (c *Client) VerifyChain(ctx context.Context, scope string, resume bool) (*VerifyResult, error) {
	if scope == "" {
		scope = model.GlobalScope
	}
	if resume {
		return c.ledger.ResumeVerify(ctx, scope)
	}
	return c.ledger.VerifyChain(ctx, scope, nil)
}

// Scopes lists the chain scopes that have entries.
func (c *Client) Scopes(ctx context.Context) ([]string, error) {
	return c.ledger.Scopes(ctx)
}

// GetSnapshot returns snapshot metadata.
func (c *Client) GetSnapshot(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	return c.snapshots.Get(ctx, id)
}

// ListSnapshots lists snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context, q ListQuery) ([]*model.Snapshot, error) {
	return c.snapshots.List(ctx, q)
}

// VerifySnapshot checks a snapshot's content against its state hash.
func (c *Client) VerifySnapshot(ctx context.Context, id model.SnapshotID) error {
	return c.snapshots.VerifySnapshot(ctx, id)
}

// Pin exempts a snapshot from retention.
func (c *Client) Pin(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	return c.snapshots.Pin(ctx, id)
}

// Unpin returns a snapshot to normal retention.
func (c *Client) Unpin(ctx context.Context, id model.SnapshotID) (*model.Snapshot, error) {
	return c.snapshots.Unpin(ctx, id)
}

// GetContent returns content stored for a ledger entry's ContentRef.
func (c *Client) GetContent(ctx context.Context, ref model.HashValue) ([]byte, error) {
	return c.snapshots.GetContent(ctx, ref)
}

// Sweep runs one retention sweep under the sweep lease. It returns nil and
// no error when another instance holds the lease.
func (c *Client) Sweep(ctx context.Context) (*SweepReport, error) {
	return c.scheduler.RunOnce(ctx)
}

// RunScheduler sweeps on the configured interval until ctx is done.
func (c *Client) RunScheduler(ctx context.Context) error {
	return c.scheduler.Run(ctx)
}

// ListPolicies returns the retention policies.
func (c *Client) ListPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	return c.retention.Policies().ListPolicies(ctx)
}

// SetPolicy creates or replaces the policy of a tier. Existing snapshots
// keep their expiry.
func (c *Client) SetPolicy(ctx context.Context, p model.RetentionPolicy) error {
	return c.retention.Policies().UpsertPolicy(ctx, p)
}

// Doctor runs the health checks.
func (c *Client) Doctor(ctx context.Context, strict bool) (*doctor.Result, error) {
	d := doctor.NewDoctor(c.ledger, c.snapshots, c.b.blobs,
		doctor.WithSweepCheckpoints(c.b.snaps), doctor.WithLogger(c.logger))
	return d.Check(ctx, strict)
}

// Metrics returns the metrics registry.
func (c *Client) Metrics() *metrics.Registry {
	return c.metrics
}

// HealthCheck pings the database when one is configured.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.b.db == nil {
		return nil
	}
	return c.b.db.HealthCheck(ctx)
}

// Close flushes pending auto captures and releases every backend.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.auto.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush auto captures: %w", err))
		}
		c.b.close()
		c.closeErr = errors.Join(errs...)
		c.logger.Info("trail closed")
	})
	return c.closeErr
}
