package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

// HistoryStore checkpoints bid-history state across restarts. Both snapshot
// and restore are best-effort caches: a missing or corrupt file is empty
// state, never fatal.
type HistoryStore interface {
	// SaveHistory atomically rewrites the bid-history snapshot.
	SaveHistory(history map[string]*domain.BidHistory) error

	// LoadQuantities restores only the per-collection fill counters.
	// Everything else deliberately starts empty (resume the purchase count,
	// not the bids themselves).
	LoadQuantities() (map[string]int, error)

	// SaveStats rewrites the runtime stats snapshot.
	SaveStats(stats any) error
}

// BidJournal records bid activity and cycle summaries for offline analysis.
type BidJournal interface {
	// RecordBidEvent upserts the latest action taken on (collection, token).
	RecordBidEvent(ctx context.Context, ev BidEventRecord) error

	// SaveCycle appends one scheduled-cycle summary row.
	SaveCycle(ctx context.Context, c CycleRecord) error

	Close() error
}

// BidEventRecord is one journal row.
type BidEventRecord struct {
	CollectionSymbol string
	TokenID          string // empty for collection-wide offers
	Action           string // placed | adjusted | cancelled | skipped | error
	Price            int64
	Detail           string
	At               time.Time
}

// CycleRecord summarizes one scheduled cycle.
type CycleRecord struct {
	StartedAt   time.Time
	Collections int
	BidsPlaced  int
	BidsSkipped int
	Errors      int
	QueueDepth  int
}
