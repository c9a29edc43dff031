package trail

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/compression"
	"github.com/jvs-project/trail/internal/lease"
	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/publish"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/internal/store/memory"
	"github.com/jvs-project/trail/internal/store/postgres"
	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/logging"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/webhook"
)

type ledgerBackend interface {
	ledger.Store
	ledger.CheckpointStore
}

type snapshotBackend interface {
	snapshot.Store
	retention.SweepStore
	retention.CheckpointStore
}

// backends holds everything Open dials, so a failed Open can release what
// it already acquired.
type backends struct {
	db       *postgres.DB
	ledger   ledgerBackend
	snaps    snapshotBackend
	policies retention.PolicyStore
	blobs    blob.Store
	locker   lease.Locker
	redis    *redis.Client
	kafka    *publish.Kafka
	alerts   *webhook.Client
}

func (b *backends) close() {
	if b.alerts != nil {
		b.alerts.Close()
	}
	if b.kafka != nil {
		b.kafka.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	return logging.New(logging.Level(cfg.Level), logging.Format(cfg.Format))
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	switch cfg.Storage.Driver {
	case "postgres":
		if b.db, err = postgres.Open(ctx, cfg.Storage, logger); err != nil {
			return nil, err
		}
		if _, err = b.db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.ledger, b.snaps = b.db.Ledger(), b.db.Snapshots()
	default:
		m := memory.New()
		b.ledger, b.snaps = m.Ledger(), m.Snapshots()
	}

	if b.policies, err = openPolicies(ctx, cfg.Retention, b.db); err != nil {
		return nil, err
	}

	comp, err := compression.New(cfg.Blobs.Compression, cfg.Blobs.CompressionLevel)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.Wrap(err, "blobs.compression")
	}
	switch cfg.Blobs.Driver {
	case "fs":
		if b.blobs, err = blob.NewFSStore(cfg.Blobs.Dir, comp); err != nil {
			return nil, err
		}
	case "postgres":
		if b.db == nil {
			return nil, errclass.ErrConfigInvalid.WithMessage("blobs.driver postgres requires storage.driver postgres")
		}
		b.blobs = b.db.Blobs(comp)
	default:
		b.blobs = blob.NewMemoryStore()
	}

	switch cfg.Lease.Driver {
	case "redis":
		if b.redis, err = lease.DialRedis(ctx, cfg.Lease.RedisURL); err != nil {
			return nil, err
		}
		b.locker = lease.NewRedis(b.redis)
	case "file":
		b.locker = lease.NewFile(cfg.Lease.Dir)
	default:
		b.locker = lease.NewMemory()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if b.kafka, err = publish.NewKafka(cfg.Kafka, publish.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	if hooks := webhook.FromAlerts(cfg.Alerts); hooks != nil {
		b.alerts = webhook.NewClient(hooks, logger)
	}
	return b, nil
}

func openPolicies(ctx context.Context, cfg config.RetentionConfig, db *postgres.DB) (retention.PolicyStore, error) {
	if cfg.PolicySource != "postgres" {
		static, err := retention.NewStaticPolicies(cfg.Tiers)
		if err != nil {
			return nil, err
		}
		return static, nil
	}
	if db == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("retention.policy_source postgres requires storage.driver postgres")
	}
	policies := db.Policies()
	if err := policies.SeedPolicies(ctx, cfg.Tiers); err != nil {
		return nil, err
	}
	return policies, nil
}

func orNewRegistry(m *metrics.Registry) *metrics.Registry {
	if m != nil {
		return m
	}
	return metrics.NewRegistry()
}
