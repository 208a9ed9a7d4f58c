package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

func testCheckpoint(t *testing.T) (*Checkpoint, string) {
	t.Helper()
	dir := t.TempDir()
	return NewCheckpoint(filepath.Join(dir, "history.json"), filepath.Join(dir, "stats.json")), dir
}

func sampleHistory() map[string]*domain.BidHistory {
	h := domain.NewBidHistory(domain.OfferTypeItem)
	h.Quantity = 2
	h.RecordBid("t1", domain.OurBid{
		OfferID:    "o1",
		Price:      500_000,
		Expiration: time.Now().Add(time.Hour),
	})
	h.TopBids["t1"] = true
	empty := domain.NewBidHistory(domain.OfferTypeCollection)
	return map[string]*domain.BidHistory{"frogs": h, "punks": empty}
}

func TestCheckpoint_RoundTripQuantitiesOnly(t *testing.T) {
	c, _ := testCheckpoint(t)
	require.NoError(t, c.SaveHistory(sampleHistory()))

	got, err := c.LoadQuantities()
	require.NoError(t, err)

	// Solo vuelve el contador de compras; las pujas se redescubren en vivo.
	assert.Equal(t, map[string]int{"frogs": 2}, got)
}

func TestCheckpoint_MissingFileIsEmptyState(t *testing.T) {
	c, _ := testCheckpoint(t)
	got, err := c.LoadQuantities()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckpoint_CorruptFileIsEmptyState(t *testing.T) {
	c, dir := testCheckpoint(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.json"), []byte("{truncated"), 0o644))

	got, err := c.LoadQuantities()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckpoint_WriteIsAtomic(t *testing.T) {
	c, dir := testCheckpoint(t)
	require.NoError(t, c.SaveHistory(sampleHistory()))

	// Sin fichero temporal residual y con JSON válido en destino.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	b, err := os.ReadFile(filepath.Join(dir, "history.json"))
	require.NoError(t, err)
	var snap map[string]any
	assert.NoError(t, json.Unmarshal(b, &snap))
	assert.Contains(t, snap, "savedAt")
	assert.Contains(t, snap, "collections")
}

func TestCheckpoint_SaveStats(t *testing.T) {
	c, dir := testCheckpoint(t)
	require.NoError(t, c.SaveStats(map[string]int{"bidsPlaced": 3}))

	b, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"bidsPlaced": 3`)
}

func TestCheckpoint_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	c := NewCheckpoint(
		filepath.Join(dir, "nested", "deep", "history.json"),
		filepath.Join(dir, "nested", "stats.json"),
	)
	assert.NoError(t, c.SaveHistory(sampleHistory()))
}
