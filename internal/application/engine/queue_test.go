package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

func testCollections() map[string]domain.CollectionConfig {
	return map[string]domain.CollectionConfig{
		"frogs": {
			Symbol: "frogs", MinBid: 100_000, MaxBid: 900_000,
			MinFloorBid: 50, MaxFloorBid: 80,
			OfferType: domain.OfferTypeItem, BidCount: 10,
		},
	}
}

func newTestQueue(t *testing.T) *eventManager {
	t.Helper()
	m := newEventManager(testCollections(), &Counters{})
	m.SetReady()
	return m
}

func rawEventJSON(t *testing.T, kind, symbol, tokenID string, price int64) []byte {
	t.Helper()
	payload := map[string]any{
		"kind":             kind,
		"collectionSymbol": symbol,
		"createdAt":        time.Now().UTC().Format(time.RFC3339),
	}
	if tokenID != "" {
		payload["tokenId"] = tokenID
	}
	if price > 0 {
		payload["listedPrice"] = price
		payload["buyerPaymentAddress"] = "bc1qother"
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestQueue_ReadinessGateDiscardsEverything(t *testing.T) {
	m := newEventManager(testCollections(), &Counters{})

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	m.ReceiveEvent(rawEventJSON(t, "buying_broadcasted", "frogs", "t2", 0))

	// Antes de SetReady no entra nada, ni siquiera las compras.
	assert.Equal(t, 0, m.Depth())
	assert.Equal(t, 2, m.counters.Snapshot().DiscardedNotReady)

	m.SetReady()
	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	assert.Equal(t, 1, m.Depth())
}

func TestQueue_InvalidAndUnwatchedAndUnknown(t *testing.T) {
	m := newTestQueue(t)

	m.ReceiveEvent([]byte("not json"))
	m.ReceiveEvent(rawEventJSON(t, "listing_created", "frogs", "t1", 200_000))
	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "unwatched-collection", "t1", 200_000))

	c := m.counters.Snapshot()
	assert.Equal(t, 1, c.Invalid)
	assert.Equal(t, 1, c.UnwatchedKind)
	assert.Equal(t, 1, c.UnknownCollection)
	assert.Equal(t, 0, m.Depth())
}

func TestQueue_SupersessionReplacesInPlace(t *testing.T) {
	m := newTestQueue(t)

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 250_000))

	require.Equal(t, 1, m.Depth())
	assert.Equal(t, 1, m.counters.Snapshot().Superseded)
	// El dato más reciente gana.
	assert.Equal(t, int64(250_000), m.queue[0].ListedPrice)
}

func TestQueue_EditSupersedesQueuedCreate(t *testing.T) {
	m := newTestQueue(t)

	m.ReceiveEvent(rawEventJSON(t, "coll_offer_created", "frogs", "", 300_000))
	m.ReceiveEvent(rawEventJSON(t, "coll_offer_edited", "frogs", "", 350_000))

	require.Equal(t, 1, m.Depth())
	assert.Equal(t, domain.KindCollOfferEdited, m.queue[0].Kind)
	assert.Equal(t, int64(350_000), m.queue[0].ListedPrice)
}

func TestQueue_DedupWithinCooldown(t *testing.T) {
	m := newTestQueue(t)

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	// Simula el drain: el evento ya salió de la cola pero su sello sigue vivo.
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	assert.Equal(t, 0, m.Depth())
	assert.Equal(t, 1, m.counters.Snapshot().Deduped)
}

func TestQueue_PurchasesNeverDeduped(t *testing.T) {
	m := newTestQueue(t)

	m.ReceiveEvent(rawEventJSON(t, "buying_broadcasted", "frogs", "t1", 0))
	m.ReceiveEvent(rawEventJSON(t, "buying_broadcasted", "frogs", "t1", 0))

	c := m.counters.Snapshot()
	assert.Equal(t, 2, m.Depth())
	assert.Equal(t, 0, c.Deduped)
	assert.Equal(t, 0, c.Superseded)
}

func TestQueue_OverflowEvictsOldestNonPurchase(t *testing.T) {
	m := newTestQueue(t)

	// Una compra primero, luego relleno hasta desbordar.
	m.ReceiveEvent(rawEventJSON(t, "buying_broadcasted", "frogs", "purchase-token", 0))
	for i := 0; i < queueCapacity; i++ {
		m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", fmt.Sprintf("t%d", i), 200_000))
	}

	assert.Equal(t, queueCapacity, m.Depth())
	assert.Equal(t, 1, m.counters.Snapshot().Dropped)
	// La compra sobrevive; la víctima fue la oferta más antigua.
	assert.Equal(t, domain.KindBuyingBroadcasted, m.queue[0].Kind)
	assert.Equal(t, "t1", m.queue[1].TokenID)
}

func TestQueue_OverflowAllPurchasesEvictsOldest(t *testing.T) {
	m := newTestQueue(t)

	// Solo compras en cola: al desbordar cae la más antigua.
	for i := 0; i <= queueCapacity; i++ {
		m.ReceiveEvent(rawEventJSON(t, "buying_broadcasted", "frogs", fmt.Sprintf("p%d", i), 0))
	}

	assert.Equal(t, queueCapacity, m.Depth())
	assert.Equal(t, 1, m.counters.Snapshot().Dropped)
	assert.Equal(t, "p1", m.queue[0].TokenID)
	assert.Equal(t, fmt.Sprintf("p%d", queueCapacity), m.queue[len(m.queue)-1].TokenID)
}

func TestQueue_DrainHandsEventsInOrder(t *testing.T) {
	m := newTestQueue(t)
	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t2", 210_000))

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.drainLoop(ctx, func(_ context.Context, ev domain.MarketEvent, _ domain.CollectionConfig) {
			got = append(got, ev.TokenID)
			if len(got) == 2 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop did not finish")
	}
	assert.Equal(t, []string{"t1", "t2"}, got)
	assert.Equal(t, 2, m.counters.Snapshot().Processed)
}

func TestQueue_ScheduledCycleGate(t *testing.T) {
	m := newTestQueue(t)

	require.NoError(t, m.beginScheduledCycle(context.Background()))

	// Con el ciclo activo el drain cede el paso y no procesa nada.
	ctx, cancel := context.WithCancel(context.Background())
	processed := make(chan string, 1)
	go m.drainLoop(ctx, func(_ context.Context, ev domain.MarketEvent, _ domain.CollectionConfig) {
		processed <- ev.TokenID
	})

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	select {
	case <-processed:
		t.Fatal("drain ran during a scheduled cycle")
	case <-time.After(2 * drainYieldPoll):
	}

	m.endScheduledCycle()
	select {
	case tokenID := <-processed:
		assert.Equal(t, "t1", tokenID)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not resume after the cycle ended")
	}
	cancel()
}

func TestQueue_GateHoldsWhileAnyCycleActive(t *testing.T) {
	m := newTestQueue(t)

	// Dos colecciones ciclan a la vez; terminar una no reabre el drain.
	require.NoError(t, m.beginScheduledCycle(context.Background()))
	require.NoError(t, m.beginScheduledCycle(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processed := make(chan string, 1)
	go m.drainLoop(ctx, func(_ context.Context, ev domain.MarketEvent, _ domain.CollectionConfig) {
		processed <- ev.TokenID
	})

	m.ReceiveEvent(rawEventJSON(t, "offer_placed", "frogs", "t1", 200_000))
	m.endScheduledCycle()
	select {
	case <-processed:
		t.Fatal("drain ran while a scheduled cycle was still active")
	case <-time.After(2 * drainYieldPoll):
	}

	m.endScheduledCycle()
	select {
	case tokenID := <-processed:
		assert.Equal(t, "t1", tokenID)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not resume after the last cycle ended")
	}
}

func TestQueue_ScheduledCycleWaitsForDrain(t *testing.T) {
	m := newTestQueue(t)

	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.beginScheduledCycle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
