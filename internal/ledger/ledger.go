// Package ledger implements the append-only, hash-chained event ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/metrics"
	"github.com/jvs-project/trail/pkg/model"
)

// Options tunes appends.
type Options struct {
	InlineContentCap int64
	MaxRetries       int
	RetryBackoff     time.Duration
	MaxBackoff       time.Duration
}

// DefaultOptions returns the append defaults.
func DefaultOptions() Options {
	return Options{
		InlineContentCap: DefaultInlineContentCap,
		MaxRetries:       8,
		RetryBackoff:     5 * time.Millisecond,
		MaxBackoff:       500 * time.Millisecond,
	}
}

// Ledger appends, reads and verifies hash-chained entries.
type Ledger struct {
	store       Store
	opts        Options
	checkpoints CheckpointStore
	sinks       []Sink
	alerter     Alerter
	logger      *zap.Logger
	metrics     *metrics.Registry
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.logger = l.Named("ledger") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithSinks adds sinks that receive every committed entry.
func WithSinks(s ...Sink) Option {
	return func(lg *Ledger) { lg.sinks = append(lg.sinks, s...) }
}

// WithCheckpointStore persists verification progress.
func WithCheckpointStore(c CheckpointStore) Option {
	return func(lg *Ledger) { lg.checkpoints = c }
}

// WithAlerter reports broken chains to operators.
func WithAlerter(a Alerter) Option {
	return func(lg *Ledger) { lg.alerter = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts Options, options ...Option) *Ledger {
	def := DefaultOptions()
	if opts.InlineContentCap <= 0 {
		opts.InlineContentCap = def.InlineContentCap
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.MaxBackoff < opts.RetryBackoff {
		opts.MaxBackoff = opts.RetryBackoff
	}
	l := &Ledger{
		store:  store,
		opts:   opts,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/jvs-project/trail/internal/ledger"),
		now:    time.Now,
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Append validates d, links it to the current tip of its chain scope and
// commits it with a compare-and-swap on that tip. Tip conflicts are retried
// with bounded exponential backoff, then reported as E_CHAIN_CONFLICT.
func (l *Ledger) Append(ctx context.Context, d Draft) (*model.LedgerEntry, error) {
	scope := d.Scope()
	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("trail.scope", scope),
		attribute.String("trail.operation", string(d.Operation)),
	))
	defer span.End()

	start := l.now()
	entry, conflicts, err := l.append(ctx, scope, d)
	l.metrics.RecordAppend(scopeKind(scope), conflicts, l.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("trail.position", entry.ChainPosition))

	l.publish(ctx, entry)
	return entry, nil
}

func (l *Ledger) append(ctx context.Context, scope string, d Draft) (*model.LedgerEntry, int, error) {
	if err := d.Validate(l.opts.InlineContentCap); err != nil {
		return nil, 0, err
	}
	base, err := d.build()
	if err != nil {
		return nil, 0, err
	}
	base.ID = model.NewID()
	base.ChainScope = scope

	backoff := l.opts.RetryBackoff
	conflicts := 0
	for {
		tip, err := l.store.Tip(ctx, scope)
		if err != nil {
			return nil, conflicts, fmt.Errorf("read chain tip: %w", err)
		}

		entry := *base
		entry.Timestamp = l.now().UTC().Truncate(time.Microsecond)
		entry.ChainPosition = tip.Position + 1
		entry.PreviousHash = tip.Hash
		entry.EventHash, err = integrity.EventHash(&entry)
		if err != nil {
			return nil, conflicts, fmt.Errorf("compute event hash: %w", err)
		}

		err = l.store.Commit(ctx, &entry, tip)
		if err == nil {
			l.logger.Debug("entry appended",
				zap.String("id", entry.ID),
				zap.String("scope", scope),
				zap.Int64("position", entry.ChainPosition),
				zap.Int("conflicts", conflicts))
			return &entry, conflicts, nil
		}
		if !errors.Is(err, ErrTipMoved) {
			return nil, conflicts, fmt.Errorf("commit entry: %w", err)
		}

		conflicts++
		if conflicts > l.opts.MaxRetries {
			l.logger.Warn("chain conflict retries exhausted",
				zap.String("scope", scope),
				zap.Int("conflicts", conflicts))
			return nil, conflicts, errclass.ErrChainConflict.WithMessagef("scope %s: tip moved %d times", scope, conflicts)
		}

		// Full jitter keeps racing writers from retrying in lockstep.
		wait := time.Duration(rand.Int64N(int64(backoff))) + backoff/2
		select {
		case <-ctx.Done():
			return nil, conflicts, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > l.opts.MaxBackoff {
			backoff = l.opts.MaxBackoff
		}
	}
}

func (l *Ledger) publish(ctx context.Context, entry *model.LedgerEntry) {
	for _, s := range l.sinks {
		if err := s.Publish(ctx, entry); err != nil {
			l.metrics.RecordSinkFailure()
			l.logger.Warn("sink publish failed",
				zap.String("id", entry.ID),
				zap.String("scope", entry.ChainScope),
				zap.Error(err))
		}
	}
}

// Get returns one entry by id.
func (l *Ledger) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

// Scopes lists every chain scope with at least one entry.
func (l *Ledger) Scopes(ctx context.Context) ([]string, error) {
	return l.store.Scopes(ctx)
}

// ArchiveBefore flags up to limit entries older than cutoff as archived.
func (l *Ledger) ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return l.store.ArchiveBefore(ctx, cutoff, limit)
}

func scopeKind(scope string) string {
	if strings.HasPrefix(scope, "stream:") {
		return "stream"
	}
	return "global"
}
