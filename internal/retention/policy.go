// Package retention stamps snapshot expiry from tier policies and reclaims
// expired snapshots, unreferenced content and aged ledger entries.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// PolicyStore holds the active policy per tier. GetPolicy returns
// E_NOT_FOUND for unknown tiers.
type PolicyStore interface {
	GetPolicy(ctx context.Context, tier string) (*model.RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]model.RetentionPolicy, error)
	UpsertPolicy(ctx context.Context, p model.RetentionPolicy) error
}

// TierResolver maps a workspace to its service tier key.
type TierResolver interface {
	TierFor(ctx context.Context, workspaceID string) (string, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, workspaceID string) (string, error)

func (f TierResolverFunc) TierFor(ctx context.Context, workspaceID string) (string, error) {
	return f(ctx, workspaceID)
}

// ComputeExpiry returns createdAt plus days whole days, or nil for
// RetainForever.
func ComputeExpiry(createdAt time.Time, days int) (*time.Time, error) {
	if days == model.RetainForever {
		return nil, nil
	}
	if days < 0 {
		return nil, errclass.ErrRetentionPolicy.WithMessagef("retention days %d is not -1 or non-negative", days)
	}
	exp := createdAt.Add(time.Duration(days) * 24 * time.Hour)
	return &exp, nil
}

// StaticPolicies is a PolicyStore held in memory, usually seeded from config.
type StaticPolicies struct {
	mu       sync.RWMutex
	policies map[string]model.RetentionPolicy
}

// NewStaticPolicies creates a store from tier to retention days.
func NewStaticPolicies(tiers map[string]int) (*StaticPolicies, error) {
	s := &StaticPolicies{policies: make(map[string]model.RetentionPolicy, len(tiers))}
	now := time.Now().UTC()
	for tier, days := range tiers {
		p := model.RetentionPolicy{Tier: tier, RetentionDays: days, UpdatedAt: now}
		if err := p.Validate(); err != nil {
			return nil, errclass.ErrRetentionPolicy.Wrap(err, "seed policies")
		}
		s.policies[tier] = p
	}
	return s, nil
}

func (s *StaticPolicies) GetPolicy(_ context.Context, tier string) (*model.RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tier]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("no retention policy for tier %q", tier)
	}
	return &p, nil
}

func (s *StaticPolicies) ListPolicies(_ context.Context) ([]model.RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

func (s *StaticPolicies) UpsertPolicy(_ context.Context, p model.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return errclass.ErrRetentionPolicy.Wrap(err, "upsert policy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.policies[p.Tier] = p
	return nil
}

// Engine resolves the policy that governs a workspace's snapshots.
type Engine struct {
	policies    PolicyStore
	tiers       TierResolver
	defaultTier string
	logger      *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTierResolver sets how workspaces map to tiers. Without one every
// workspace uses the default tier.
func WithTierResolver(r TierResolver) EngineOption {
	return func(e *Engine) { e.tiers = r }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l.Named("retention") }
}

// NewEngine creates an engine. Tiers without a policy fall back to
// defaultTier.
func NewEngine(policies PolicyStore, defaultTier string, opts ...EngineOption) *Engine {
	e := &Engine{
		policies:    policies,
		defaultTier: defaultTier,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policies returns the policy store.
func (e *Engine) Policies() PolicyStore {
	return e.policies
}

// PolicyFor returns the policy for tier, or the default tier's policy when
// tier has none.
func (e *Engine) PolicyFor(ctx context.Context, tier string) (*model.RetentionPolicy, error) {
	if tier != "" {
		p, err := e.policies.GetPolicy(ctx, tier)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, errclass.ErrNotFound) {
			return nil, fmt.Errorf("load policy %s: %w", tier, err)
		}
		e.logger.Warn("unknown tier, using default", zap.String("tier", tier), zap.String("default", e.defaultTier))
	}
	p, err := e.policies.GetPolicy(ctx, e.defaultTier)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return nil, errclass.ErrRetentionPolicy.WithMessagef("default tier %q has no policy", e.defaultTier)
		}
		return nil, fmt.Errorf("load default policy: %w", err)
	}
	return p, nil
}

// ExpiryFor stamps the expiry of a snapshot of workspaceID created at
// createdAt.
func (e *Engine) ExpiryFor(ctx context.Context, workspaceID string, createdAt time.Time) (*time.Time, error) {
	tier := ""
	if e.tiers != nil && workspaceID != "" {
		t, err := e.tiers.TierFor(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("resolve tier of %s: %w", workspaceID, err)
		}
		tier = t
	}
	p, err := e.PolicyFor(ctx, tier)
	if err != nil {
		return nil, err
	}
	return ComputeExpiry(createdAt, p.RetentionDays)
}
