package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/ordbot/internal/ports"
)

func testJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSQLiteJournal_SaveAndReadCycles(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.SaveCycle(ctx, ports.CycleRecord{
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			Collections: 1,
			BidsPlaced:  i,
		}))
	}

	got, err := j.RecentCycles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Más reciente primero.
	assert.Equal(t, 2, got[0].BidsPlaced)
	assert.Equal(t, 1, got[1].BidsPlaced)
}

func TestSQLiteJournal_BidEventUpsert(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	ev := ports.BidEventRecord{
		CollectionSymbol: "frogs",
		TokenID:          "t1",
		Action:           "placed",
		Price:            500_000,
		At:               time.Now(),
	}
	require.NoError(t, j.RecordBidEvent(ctx, ev))

	ev.Action = "adjusted"
	ev.Price = 520_000
	require.NoError(t, j.RecordBidEvent(ctx, ev))

	// Upsert: una sola fila por (colección, token), con la última acción.
	var count int
	var action string
	var price int64
	row := j.db.QueryRow(`SELECT COUNT(*) FROM bid_events`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	row = j.db.QueryRow(`SELECT action, price FROM bid_events WHERE collection_symbol = ? AND token_id = ?`, "frogs", "t1")
	require.NoError(t, row.Scan(&action, &price))
	assert.Equal(t, "adjusted", action)
	assert.Equal(t, int64(520_000), price)
}

func TestSQLiteJournal_CollectionWideEventsUseEmptyToken(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordBidEvent(ctx, ports.BidEventRecord{
		CollectionSymbol: "frogs",
		Action:           "placed",
		Price:            400_000,
		At:               time.Now(),
	}))
	require.NoError(t, j.RecordBidEvent(ctx, ports.BidEventRecord{
		CollectionSymbol: "frogs",
		TokenID:          "t1",
		Action:           "placed",
		Price:            500_000,
		At:               time.Now(),
	}))

	var count int
	require.NoError(t, j.db.QueryRow(`SELECT COUNT(*) FROM bid_events`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSQLiteJournal_PruneOld(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	require.NoError(t, j.SaveCycle(ctx, ports.CycleRecord{
		StartedAt: time.Now().Add(-retentionCycles - 24*time.Hour),
	}))
	require.NoError(t, j.SaveCycle(ctx, ports.CycleRecord{StartedAt: time.Now()}))

	j.pruneOld(ctx)

	got, err := j.RecentCycles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
