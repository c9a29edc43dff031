package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Policies implements retention.PolicyStore. Tier is the primary key, so
// one policy is active per tier.
type Policies struct {
	d *DB
}

var _ retention.PolicyStore = (*Policies)(nil)

// Policies returns the retention policy view.
func (d *DB) Policies() *Policies {
	return &Policies{d: d}
}

func (p *Policies) GetPolicy(ctx context.Context, tier string) (*model.RetentionPolicy, error) {
	rp := model.RetentionPolicy{Tier: tier}
	err := p.d.q(ctx).QueryRowContext(ctx,
		`SELECT retention_days, updated_at FROM retention_policies WHERE tier = $1`, tier).
		Scan(&rp.RetentionDays, &rp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("retention policy for tier %q", tier)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", tier, err)
	}
	rp.UpdatedAt = rp.UpdatedAt.UTC()
	return &rp, nil
}

func (p *Policies) ListPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	rows, err := p.d.q(ctx).QueryContext(ctx,
		`SELECT tier, retention_days, updated_at FROM retention_policies ORDER BY tier`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []model.RetentionPolicy
	for rows.Next() {
		var rp model.RetentionPolicy
		if err := rows.Scan(&rp.Tier, &rp.RetentionDays, &rp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		rp.UpdatedAt = rp.UpdatedAt.UTC()
		out = append(out, rp)
	}
	return out, rows.Err()
}

// UpsertPolicy replaces the tier's policy. Existing snapshots keep the
// expiry stamped at capture.
func (p *Policies) UpsertPolicy(ctx context.Context, rp model.RetentionPolicy) error {
	if err := rp.Validate(); err != nil {
		return errclass.ErrRetentionPolicy.Wrap(err, "upsert policy")
	}
	_, err := p.d.q(ctx).ExecContext(ctx, `
		INSERT INTO retention_policies (tier, retention_days, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tier) DO UPDATE SET
			retention_days = EXCLUDED.retention_days,
			updated_at = EXCLUDED.updated_at`,
		rp.Tier, rp.RetentionDays)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", rp.Tier, err)
	}
	return nil
}

// SeedPolicies inserts tiers that have no row yet. Rows changed at runtime
// are left alone.
func (p *Policies) SeedPolicies(ctx context.Context, tiers map[string]int) error {
	for tier, days := range tiers {
		rp := model.RetentionPolicy{Tier: tier, RetentionDays: days}
		if err := rp.Validate(); err != nil {
			return errclass.ErrRetentionPolicy.Wrap(err, "seed policy")
		}
		if _, err := p.d.q(ctx).ExecContext(ctx, `
			INSERT INTO retention_policies (tier, retention_days) VALUES ($1, $2)
			ON CONFLICT (tier) DO NOTHING`, tier, days); err != nil {
			return fmt.Errorf("seed policy %s: %w", tier, err)
		}
	}
	return nil
}
