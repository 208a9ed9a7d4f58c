package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLocks_MutualExclusion(t *testing.T) {
	locks := NewTokenLocks()
	ctx := context.Background()

	require.NoError(t, locks.Acquire(ctx, "t1"))

	acquired := make(chan struct{})
	go func() {
		_ = locks.Acquire(ctx, "t1")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	locks.Release("t1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}
	locks.Release("t1")
	assert.Equal(t, 0, locks.Active())
}

func TestTokenLocks_FIFOOrder(t *testing.T) {
	locks := NewTokenLocks()
	ctx := context.Background()
	require.NoError(t, locks.Acquire(ctx, "t1"))

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, locks.Acquire(ctx, "t1"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			locks.Release("t1")
		}()
		// Cada waiter debe estar encolado antes de lanzar el siguiente para
		// que el orden de llegada sea determinista.
		require.Eventually(t, func() bool {
			locks.mu.Lock()
			defer locks.mu.Unlock()
			return len(locks.locks["t1"].waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	locks.Release("t1")
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, locks.Active())
}

func TestTokenLocks_IndependentTokens(t *testing.T) {
	locks := NewTokenLocks()
	ctx := context.Background()

	require.NoError(t, locks.Acquire(ctx, "t1"))
	// Un token distinto nunca espera por el lock de otro.
	done := make(chan struct{})
	go func() {
		_ = locks.Acquire(ctx, "t2")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on an unrelated token blocked")
	}
	assert.Equal(t, 2, locks.Active())
}

func TestTokenLocks_StaleHolderForceCleared(t *testing.T) {
	locks := NewTokenLocks()
	ctx := context.Background()
	require.NoError(t, locks.Acquire(ctx, "t1"))

	// Simula un holder colgado: el lock lleva más del umbral retenido.
	locks.mu.Lock()
	locks.locks["t1"].heldSince = time.Now().Add(-2 * tokenLockStaleAfter)
	locks.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- locks.Acquire(ctx, "t1") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stale lock was not force-cleared")
	}
}

func TestTokenLocks_AcquireHonorsContext(t *testing.T) {
	locks := NewTokenLocks()
	require.NoError(t, locks.Acquire(context.Background(), "t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := locks.Acquire(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// El waiter cancelado no puede dejar el lock huérfano para el siguiente.
	locks.Release("t1")
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, locks.Acquire(ctx2, "t1"))
}

func TestQuantityLocks_SerializedIncrements(t *testing.T) {
	locks := NewQuantityLocks()
	ctx := context.Background()

	const purchases = 5
	counter := 0
	seen := make(chan int, purchases)
	var wg sync.WaitGroup
	for i := 0; i < purchases; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locks.WithLock(ctx, "frogs", func() error {
				counter++
				seen <- counter
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(seen)

	// Exactamente {1..N}: sin duplicados ni huecos.
	got := make(map[int]bool)
	for v := range seen {
		got[v] = true
	}
	require.Len(t, got, purchases)
	for i := 1; i <= purchases; i++ {
		assert.True(t, got[i], "missing increment %d", i)
	}
	assert.Equal(t, purchases, counter)
}

func TestQuantityLocks_ReleasedAfterError(t *testing.T) {
	locks := NewQuantityLocks()
	ctx := context.Background()

	wantErr := fmt.Errorf("boom")
	err := locks.WithLock(ctx, "frogs", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// El fallo anterior no puede dejar el lock retenido.
	called := false
	err = locks.WithLock(ctx, "frogs", func() error { called = true; return nil })
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestQuantityLocks_ContextCancelledWhileWaiting(t *testing.T) {
	locks := NewQuantityLocks()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locks.WithLock(context.Background(), "frogs", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := locks.WithLock(ctx, "frogs", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
