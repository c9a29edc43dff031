// Package doctor runs read-only health checks over the ledger, the snapshot
// store and the blob store.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Subject     string `json:"subject,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool                   `json:"healthy"`
	Findings []Finding              `json:"findings"`
	Chains   []*ledger.VerifyResult `json:"chains,omitempty"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// Doctor performs health checks.
type Doctor struct {
	ledger  *ledger.Ledger
	snaps   *snapshot.Service
	blobs   blob.Store
	sweeps  retention.CheckpointStore
	workers int
	logger  *zap.Logger
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithSweepCheckpoints reports sweeps left unfinished.
func WithSweepCheckpoints(c retention.CheckpointStore) Option {
	return func(d *Doctor) { d.sweeps = c }
}

// WithWorkers bounds how many chain scopes are verified at once.
func WithWorkers(n int) Option {
	return func(d *Doctor) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Doctor) { d.logger = l.Named("doctor") }
}

// NewDoctor creates a new doctor.
func NewDoctor(l *ledger.Ledger, snaps *snapshot.Service, blobs blob.Store, opts ...Option) *Doctor {
	d := &Doctor{ledger: l, snaps: snaps, blobs: blobs, workers: 4, logger: zap.NewNop()}
	for _, o := range opts {
		o(d)
	}
	return d
}

const contentPage = 500

// Check runs all diagnostic checks. Strict mode also re-hashes every
// snapshot's content.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	if err := d.checkChains(ctx, result); err != nil {
		return nil, err
	}
	refs, err := d.checkSnapshots(ctx, result, strict)
	if err != nil {
		return nil, err
	}
	if err := d.checkContent(ctx, result, refs); err != nil {
		return nil, err
	}
	if err := d.checkSweep(ctx, result); err != nil {
		return nil, err
	}
	d.logger.Info("doctor finished", zap.Bool("healthy", result.Healthy), zap.Int("findings", len(result.Findings)))
	return result, nil
}

func (d *Doctor) checkChains(ctx context.Context, result *Result) error {
	scopes, err := d.ledger.Store().Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list chain scopes: %w", err)
	}

	results := make([]*ledger.VerifyResult, len(scopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, scope := range scopes {
		g.Go(func() error {
			res, err := d.ledger.VerifyChain(gctx, scope, nil)
			if err != nil {
				return fmt.Errorf("verify %s: %w", scope, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		result.Chains = append(result.Chains, res)
		if res.BrokenAt == nil {
			continue
		}
		result.add(Finding{
			Category: "chain",
			Description: fmt.Sprintf("chain %s diverges at position %d (%s)",
				res.Scope, res.BrokenAt.Position, res.BrokenAt.Reason),
			Severity: "critical",
			Subject:  res.Scope,
		})
	}
	return nil
}

// checkSnapshots returns how many snapshots reference each content hash.
func (d *Doctor) checkSnapshots(ctx context.Context, result *Result, strict bool) (map[model.HashValue]int64, error) {
	snaps, err := d.snaps.List(ctx, snapshot.ListQuery{})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	refs := make(map[model.HashValue]int64)
	for _, s := range snaps {
		refs[s.ContentRef]++
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, s := range snaps {
		g.Go(func() error {
			f, err := d.checkSnapshot(gctx, s, strict)
			if err != nil || f == nil {
				return err
			}
			mu.Lock()
			result.add(*f)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (d *Doctor) checkSnapshot(ctx context.Context, s *model.Snapshot, strict bool) (*Finding, error) {
	ok, err := d.blobs.Exists(ctx, s.ContentRef)
	if err != nil {
		return nil, fmt.Errorf("stat blob of %s: %w", s.ID, err)
	}
	if !ok {
		return &Finding{
			Category:    "snapshot",
			Description: fmt.Sprintf("snapshot %s content %s missing from blob store", s.ID.ShortID(), s.ContentRef.Short()),
			Severity:    "critical",
			Subject:     string(s.ID),
		}, nil
	}
	if !strict {
		return nil, nil
	}
	if err := d.snaps.VerifySnapshot(ctx, s.ID); err != nil {
		if errors.Is(err, errclass.ErrSnapshotCorrupt) {
			return &Finding{
				Category:    "snapshot",
				Description: fmt.Sprintf("snapshot %s: %v", s.ID.ShortID(), err),
				Severity:    "critical",
				Subject:     string(s.ID),
			}, nil
		}
		return nil, fmt.Errorf("verify snapshot %s: %w", s.ID, err)
	}
	return nil, nil
}

func (d *Doctor) checkContent(ctx context.Context, result *Result, refs map[model.HashValue]int64) error {
	var after model.HashValue
	for {
		page, err := d.snaps.Store().ListContent(ctx, after, contentPage)
		if err != nil {
			return fmt.Errorf("list content: %w", err)
		}
		for _, rec := range page {
			switch n := refs[rec.Hash]; {
			case rec.RefCount < n:
				result.add(Finding{
					Category:    "content",
					Description: fmt.Sprintf("content %s has %d references but %d snapshots", rec.Hash.Short(), rec.RefCount, n),
					Severity:    "error",
					Subject:     string(rec.Hash),
				})
			case rec.RefCount == 0:
				result.add(Finding{
					Category:    "content",
					Description: fmt.Sprintf("content %s is unreferenced and awaits the next sweep", rec.Hash.Short()),
					Severity:    "info",
					Subject:     string(rec.Hash),
				})
			}
		}
		if len(page) < contentPage {
			return nil
		}
		after = page[len(page)-1].Hash
	}
}

func (d *Doctor) checkSweep(ctx context.Context, result *Result) error {
	if d.sweeps == nil {
		return nil
	}
	cp, err := d.sweeps.LoadSweepCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load sweep checkpoint: %w", err)
	}
	if cp == nil {
		return nil
	}
	result.add(Finding{
		Category:    "sweep",
		Description: fmt.Sprintf("sweep %s stopped in phase %s after %d batches; the next sweep resumes it", cp.SweepID, cp.Phase, cp.Batches),
		Severity:    "warning",
		Subject:     cp.SweepID,
	})
	return nil
}
