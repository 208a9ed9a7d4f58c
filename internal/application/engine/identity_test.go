package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(window time.Duration, capPerIdentity int, labels ...string) *IdentityPool {
	pool := NewIdentityPool(window)
	for _, label := range labels {
		pool.AddIdentity("grupo-a", Identity{
			Label:          label,
			KeyHandle:      "key-" + label,
			PaymentAddress: "bc1q" + label,
		}, capPerIdentity)
	}
	return pool
}

func TestIdentityPool_UnknownGroup(t *testing.T) {
	pool := newTestPool(time.Minute, 2, "w1")
	assert.True(t, pool.HasGroup("grupo-a"))
	assert.False(t, pool.HasGroup("grupo-b"))

	_, _, err := pool.TryAcquire("grupo-b")
	assert.Error(t, err)
}

func TestIdentityPool_RotatesLeastRecentlyUsed(t *testing.T) {
	pool := newTestPool(time.Minute, 5, "w1", "w2", "w3")

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		id, wait, err := pool.TryAcquire("grupo-a")
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Zero(t, wait)
		seen[id.Label]++
		pool.RecordSent(id)
		pool.Release(id)
	}
	// Tres adquisiciones, tres wallets distintas: rotación real.
	assert.Len(t, seen, 3)
}

func TestIdentityPool_ExhaustedReportsMinWait(t *testing.T) {
	pool := newTestPool(time.Minute, 1, "w1", "w2")

	for i := 0; i < 2; i++ {
		id, _, err := pool.TryAcquire("grupo-a")
		require.NoError(t, err)
		require.NotNil(t, id)
		pool.RecordSent(id)
	}

	id, wait, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Greater(t, wait, time.Duration(0))
}

func TestIdentityPool_WindowSlides(t *testing.T) {
	pool := newTestPool(100*time.Millisecond, 1, "w1")

	id, _, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	require.NotNil(t, id)
	pool.RecordSent(id)

	exhausted, _, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	assert.Nil(t, exhausted)

	time.Sleep(150 * time.Millisecond)
	again, _, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestIdentityPool_AcquireBlocksUntilSlot(t *testing.T) {
	pool := newTestPool(100*time.Millisecond, 1, "w1")
	id, err := pool.Acquire(context.Background(), "grupo-a")
	require.NoError(t, err)
	pool.RecordSent(id)
	pool.Release(id)

	start := time.Now()
	id2, err := pool.Acquire(context.Background(), "grupo-a")
	require.NoError(t, err)
	require.NotNil(t, id2)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestIdentityPool_AcquireHonorsContext(t *testing.T) {
	pool := newTestPool(time.Minute, 1, "w1")
	id, err := pool.Acquire(context.Background(), "grupo-a")
	require.NoError(t, err)
	pool.RecordSent(id)
	pool.Release(id)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "grupo-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdentityPool_ClampsNonPositiveCap(t *testing.T) {
	pool := newTestPool(time.Minute, 0, "w1")

	// Cap 0 se normaliza a 1: una adquisición funciona y el agotamiento
	// reporta espera en vez de fallar.
	id, wait, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Zero(t, wait)
	pool.RecordSent(id)

	exhausted, wait, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	assert.Nil(t, exhausted)
	assert.Greater(t, wait, time.Duration(0))
}

func TestIdentityPool_HasAddress(t *testing.T) {
	pool := newTestPool(time.Minute, 2, "w1", "w2")
	assert.True(t, pool.HasAddress("bc1qw2"))
	assert.False(t, pool.HasAddress("bc1qstranger"))
	assert.False(t, pool.HasAddress(""))
}

func TestIdentityPool_Usage(t *testing.T) {
	pool := newTestPool(time.Minute, 1, "w1", "w2")
	id, _, err := pool.TryAcquire("grupo-a")
	require.NoError(t, err)
	pool.RecordSent(id)

	usage := pool.Usage()
	require.Contains(t, usage, "grupo-a")
	assert.Equal(t, 2, usage["grupo-a"].Identities)
	assert.Equal(t, 1, usage["grupo-a"].Available)
	assert.Equal(t, 1, usage["grupo-a"].SentInWindow)
}
