package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

func TestNew_Validation(t *testing.T) {
	market := &fakeMarket{}
	exec := newFakeExecutor()
	deps := Deps{Market: market, Executor: exec, Signer: fakeSigner{}, History: &fakeStore{}}
	defaultID := &Identity{Label: "d", KeyHandle: "k", PaymentAddress: ourAddress}

	t.Run("no collections", func(t *testing.T) {
		_, err := New(Options{DefaultIdentity: defaultID}, deps)
		assert.Error(t, err)
	})

	t.Run("missing collaborator", func(t *testing.T) {
		_, err := New(Options{Collections: []domain.CollectionConfig{testConfig()}, DefaultIdentity: defaultID},
			Deps{Market: market, Executor: exec, Signer: fakeSigner{}})
		assert.Error(t, err)
	})

	t.Run("no identity at all", func(t *testing.T) {
		_, err := New(Options{Collections: []domain.CollectionConfig{testConfig()}}, deps)
		assert.Error(t, err)
	})

	t.Run("rotation requires a group per collection", func(t *testing.T) {
		pool := NewIdentityPool(time.Minute)
		pool.AddIdentity("grupo-a", Identity{Label: "w1"}, 5)
		_, err := New(Options{Collections: []domain.CollectionConfig{testConfig()}, Pool: pool}, deps)
		assert.Error(t, err)

		cfg := testConfig()
		cfg.WalletGroup = "no-existe"
		_, err = New(Options{Collections: []domain.CollectionConfig{cfg}, Pool: pool}, deps)
		assert.Error(t, err)

		cfg.WalletGroup = "grupo-a"
		_, err = New(Options{Collections: []domain.CollectionConfig{cfg}, Pool: pool}, deps)
		assert.NoError(t, err)
	})

	t.Run("distinct run ids", func(t *testing.T) {
		opts := Options{Collections: []domain.CollectionConfig{testConfig()}, DefaultIdentity: defaultID}
		a, err := New(opts, deps)
		require.NoError(t, err)
		b, err := New(opts, deps)
		require.NoError(t, err)
		assert.NotEqual(t, a.runID, b.runID)
	})
}

func TestRestoreQuantities_OnlyKnownCollections(t *testing.T) {
	market := &fakeMarket{}
	exec := newFakeExecutor()
	store := &fakeStore{quantities: map[string]int{
		"frogs":   1,
		"removed": 7, // colección que ya no está en la config
	}}
	cfg := testConfig()
	eng, err := New(Options{
		Collections:     []domain.CollectionConfig{cfg},
		DefaultIdentity: &Identity{Label: "d", KeyHandle: "k", PaymentAddress: ourAddress},
	}, Deps{Market: market, Executor: exec, Signer: fakeSigner{}, History: store})
	require.NoError(t, err)

	eng.restoreQuantities()

	assert.Equal(t, 1, eng.historyFor(cfg).Fills())
	eng.historyMu.Lock()
	_, resurrected := eng.history["removed"]
	eng.historyMu.Unlock()
	assert.False(t, resurrected)
}

func TestRunOnce_CyclesAndFlushes(t *testing.T) {
	market := &fakeMarket{floor: floorWithListings(1_000_000, "t1")}
	exec := newFakeExecutor()
	store := &fakeStore{}
	cfg := testConfig()
	eng, err := New(Options{
		Collections:     []domain.CollectionConfig{cfg},
		DefaultIdentity: &Identity{Label: "d", KeyHandle: "k", PaymentAddress: ourAddress},
	}, Deps{Market: market, Executor: exec, Signer: fakeSigner{}, History: store})
	require.NoError(t, err)

	require.NoError(t, eng.RunOnce(context.Background()))

	assert.Len(t, exec.created, 1)
	require.NotNil(t, store.saved)
	assert.Contains(t, store.saved, "frogs")
}

func TestStats_ConcurrentWithBidMutation(t *testing.T) {
	market := &fakeMarket{}
	exec := newFakeExecutor()
	cfg := testConfig()
	eng := newTestEngine(t, cfg, market, exec)
	eng.startedAt = time.Now()
	h := eng.historyFor(cfg)

	// El bucle de persistencia lee mientras los handlers mutan; bajo -race
	// ninguna de las dos partes puede tocar los mapas sin sincronizar.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.RecordBid(fmt.Sprintf("t%d", i), domain.OurBid{
				OfferID:    fmt.Sprintf("o%d", i),
				Price:      500_000,
				Expiration: time.Now().Add(time.Hour),
			})
			h.SetTop(fmt.Sprintf("t%d", i), true)
		}
	}()
	for i := 0; i < 50; i++ {
		_ = eng.Stats()
		eng.flushHistory()
	}
	<-done

	s := eng.Stats()
	require.Contains(t, s.Collections, "frogs")
	assert.Greater(t, s.Collections["frogs"].OurBids, 0)
}

func TestStats_Snapshot(t *testing.T) {
	market := &fakeMarket{floor: floorWithListings(1_000_000, "t1")}
	exec := newFakeExecutor()
	cfg := testConfig()
	eng := newTestEngine(t, cfg, market, exec)
	eng.startedAt = time.Now()

	require.NoError(t, eng.runScheduledCycle(context.Background(), cfg))

	s := eng.Stats()
	assert.Equal(t, eng.runID, s.RunID)
	assert.Equal(t, 1, s.Counters.BidsPlaced)
	require.Contains(t, s.Collections, "frogs")
	assert.Equal(t, 1, s.Collections["frogs"].OurBids)
	assert.Greater(t, s.Goroutines, 0)
}
