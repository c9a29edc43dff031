//go:build integration

package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/jvs-project/trail/internal/lease"
	"github.com/jvs-project/trail/pkg/errclass"
)

func TestRedis_Lifecycle(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := lease.DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	l := lease.NewRedis(client)
	rec, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.FencingToken)

	_, err = l.Acquire(ctx, "sweep", time.Minute)
	require.ErrorIs(t, err, errclass.ErrLeaseConflict)

	renewed, err := l.Renew(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.ValidateFencing(ctx, "sweep", renewed.FencingToken))

	require.NoError(t, l.Release(ctx, renewed))
	next, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.FencingToken)

	_, err = l.Renew(ctx, rec, time.Minute)
	require.ErrorIs(t, err, errclass.ErrLeaseNotHeld)
}
