package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/trail/internal/lease"
	"github.com/jvs-project/trail/pkg/errclass"
)

func lockers(t *testing.T) map[string]lease.Locker {
	return map[string]lease.Locker{
		"memory": lease.NewMemory(),
		"file":   lease.NewFile(t.TempDir()),
	}
}

func TestLocker_AcquireConflict(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := l.Acquire(ctx, "sweep", time.Minute)
			require.NoError(t, err)
			assert.NotEmpty(t, rec.HolderNonce)
			assert.Equal(t, int64(1), rec.FencingToken)

			_, err = l.Acquire(ctx, "sweep", time.Minute)
			require.ErrorIs(t, err, errclass.ErrLeaseConflict)
			assert.True(t, errclass.IsRetryable(err))

			_, err = l.Acquire(ctx, "other", time.Minute)
			assert.NoError(t, err)
		})
	}
}

func TestLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			first, err := l.Acquire(ctx, "sweep", 20*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(50 * time.Millisecond)

			second, err := l.Acquire(ctx, "sweep", time.Minute)
			require.NoError(t, err)
			assert.Greater(t, second.FencingToken, first.FencingToken)

			_, err = l.Renew(ctx, first, time.Minute)
			require.ErrorIs(t, err, errclass.ErrLeaseNotHeld)
			require.ErrorIs(t, l.ValidateFencing(ctx, "sweep", first.FencingToken), errclass.ErrFencingMismatch)
			assert.NoError(t, l.ValidateFencing(ctx, "sweep", second.FencingToken))
		})
	}
}

func TestLocker_RenewExtends(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := l.Acquire(ctx, "sweep", 100*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(10 * time.Millisecond)

			renewed, err := l.Renew(ctx, rec, time.Minute)
			require.NoError(t, err)
			assert.True(t, renewed.ExpiresAt.After(rec.ExpiresAt))
			assert.Equal(t, rec.FencingToken, renewed.FencingToken)
		})
	}
}

func TestLocker_ReleaseKeepsTokensMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := l.Acquire(ctx, "sweep", time.Minute)
			require.NoError(t, err)

			wrong := *rec
			wrong.HolderNonce = "someone-else"
			require.ErrorIs(t, l.Release(ctx, &wrong), errclass.ErrLeaseNotHeld)

			require.NoError(t, l.Release(ctx, rec))
			require.ErrorIs(t, l.ValidateFencing(ctx, "sweep", rec.FencingToken), errclass.ErrLeaseNotHeld)

			next, err := l.Acquire(ctx, "sweep", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, rec.FencingToken+1, next.FencingToken)
		})
	}
}

func TestFile_RejectsUnsafeNames(t *testing.T) {
	l := lease.NewFile(t.TempDir())
	_, err := l.Acquire(context.Background(), "../escape", time.Minute)
	require.ErrorIs(t, err, errclass.ErrNameInvalid)
}
