package retention

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/lease"
	"github.com/jvs-project/trail/pkg/errclass"
)

// SweepLeaseName is the lease every sweeping instance competes for.
const SweepLeaseName = "retention-sweep"

// Scheduler runs the sweeper on an interval. A lease makes sure only one
// instance sweeps at a time; the lease is renewed while the sweep runs, the
// fencing token is checked before every checkpoint and the sweep is
// cancelled if renewal fails.
type Scheduler struct {
	sweeper  *Sweeper
	locker   lease.Locker
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(sweeper *Sweeper, locker lease.Locker, interval, ttl time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		ttl:      ttl,
		logger:   logger.Named("scheduler"),
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables scheduling and Run just waits for ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduled sweep did not complete", zap.Error(err))
			}
		}
	}
}

// RunOnce takes the lease and sweeps once. It returns nil and no error when
// another instance holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepReport, error) {
	rec, err := s.locker.Acquire(ctx, SweepLeaseName, s.ttl)
	if err != nil {
		if errors.Is(err, errclass.ErrLeaseConflict) {
			s.logger.Debug("sweep lease held elsewhere, skipping")
			return nil, nil
		}
		return nil, err
	}
	s.logger.Debug("sweep lease acquired", zap.Int64("fencing_token", rec.FencingToken))

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := rec.FencingToken
	sweepCtx = withFence(sweepCtx, func(ctx context.Context) error {
		return s.locker.ValidateFencing(ctx, SweepLeaseName, token)
	})

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(s.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				next, err := s.locker.Renew(sweepCtx, rec, s.ttl)
				if err != nil {
					s.logger.Warn("sweep lease lost, cancelling sweep", zap.Error(err))
					cancel()
					return
				}
				rec = next
			}
		}
	}()

	report, sweepErr := s.sweeper.Sweep(sweepCtx)
	cancel()
	<-renewed

	if err := s.locker.Release(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("release sweep lease", zap.Error(err))
	}
	return report, sweepErr
}
