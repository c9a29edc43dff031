package retention_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

func TestComputeExpiry(t *testing.T) {
	created := time.Date(2026, 3, 28, 23, 30, 0, 0, time.UTC)

	exp, err := retention.ComputeExpiry(created, 30)
	require.NoError(t, err)
	assert.Equal(t, created.Add(720*time.Hour), *exp)

	exp, err = retention.ComputeExpiry(created, 0)
	require.NoError(t, err)
	assert.Equal(t, created, *exp)

	exp, err = retention.ComputeExpiry(created, model.RetainForever)
	require.NoError(t, err)
	assert.Nil(t, exp)

	_, err = retention.ComputeExpiry(created, -7)
	require.ErrorIs(t, err, errclass.ErrRetentionPolicy)
}

func TestStaticPolicies(t *testing.T) {
	ctx := context.Background()
	p, err := retention.NewStaticPolicies(map[string]int{"pro": 30, "free": 7})
	require.NoError(t, err)

	list, err := p.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "free", list[0].Tier)

	require.NoError(t, p.UpsertPolicy(ctx, model.RetentionPolicy{Tier: "pro", RetentionDays: 60}))
	got, err := p.GetPolicy(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, 60, got.RetentionDays)

	require.ErrorIs(t, p.UpsertPolicy(ctx, model.RetentionPolicy{Tier: "bad", RetentionDays: -3}), errclass.ErrRetentionPolicy)
	_, err = p.GetPolicy(ctx, "missing")
	require.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = retention.NewStaticPolicies(map[string]int{"": 1})
	require.ErrorIs(t, err, errclass.ErrRetentionPolicy)
}

func TestEngine_ExpiryFor(t *testing.T) {
	ctx := context.Background()
	policies, err := retention.NewStaticPolicies(map[string]int{"free": 7, "enterprise": -1})
	require.NoError(t, err)
	tiers := map[string]string{"big": "enterprise", "odd": "legacy"}
	engine := retention.NewEngine(policies, "free", retention.WithTierResolver(
		retention.TierResolverFunc(func(_ context.Context, ws string) (string, error) {
			if ws == "broken" {
				return "", errors.New("billing unavailable")
			}
			return tiers[ws], nil
		})))
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	exp, err := engine.ExpiryFor(ctx, "big", created)
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp, err = engine.ExpiryFor(ctx, "odd", created)
	require.NoError(t, err)
	assert.Equal(t, created.AddDate(0, 0, 7), *exp)

	exp, err = engine.ExpiryFor(ctx, "", created)
	require.NoError(t, err)
	assert.Equal(t, created.AddDate(0, 0, 7), *exp)

	_, err = engine.ExpiryFor(ctx, "broken", created)
	require.Error(t, err)
}

func TestEngine_MissingDefaultTier(t *testing.T) {
	policies, err := retention.NewStaticPolicies(map[string]int{"pro": 30})
	require.NoError(t, err)
	engine := retention.NewEngine(policies, "free")
	_, err = engine.ExpiryFor(context.Background(), "ws", time.Now())
	require.ErrorIs(t, err, errclass.ErrRetentionPolicy)
}
