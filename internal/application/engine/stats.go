package engine

import (
	"runtime"
	"sync"
	"time"
)

// Counters are the running totals every decision and queue step folds into.
// All increments go through the mutexed inc; reads go through Snapshot.
type Counters struct {
	mu sync.Mutex

	// queue side
	Invalid           int
	UnwatchedKind     int
	UnknownCollection int
	DiscardedNotReady int
	Deduped           int
	Superseded        int
	Dropped           int
	Processed         int

	// decision side
	BidsPlaced    int
	BidsAdjusted  int
	BidsCancelled int
	BidsSkipped   int
	Purchases     int
	Errors        int
}

func (c *Counters) inc(field *int, by int) {
	c.mu.Lock()
	*field += by
	c.mu.Unlock()
}

// CounterSnapshot is a plain copy of the totals, safe to serialize and
// compare.
type CounterSnapshot struct {
	Invalid           int `json:"invalid"`
	UnwatchedKind     int `json:"unwatchedKind"`
	UnknownCollection int `json:"unknownCollection"`
	DiscardedNotReady int `json:"discardedNotReady"`
	Deduped           int `json:"deduped"`
	Superseded        int `json:"superseded"`
	Dropped           int `json:"dropped"`
	Processed         int `json:"processed"`

	BidsPlaced    int `json:"bidsPlaced"`
	BidsAdjusted  int `json:"bidsAdjusted"`
	BidsCancelled int `json:"bidsCancelled"`
	BidsSkipped   int `json:"bidsSkipped"`
	Purchases     int `json:"purchases"`
	Errors        int `json:"errors"`
}

// Snapshot returns a consistent copy of the totals.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		Invalid:           c.Invalid,
		UnwatchedKind:     c.UnwatchedKind,
		UnknownCollection: c.UnknownCollection,
		DiscardedNotReady: c.DiscardedNotReady,
		Deduped:           c.Deduped,
		Superseded:        c.Superseded,
		Dropped:           c.Dropped,
		Processed:         c.Processed,
		BidsPlaced:        c.BidsPlaced,
		BidsAdjusted:      c.BidsAdjusted,
		BidsCancelled:     c.BidsCancelled,
		BidsSkipped:       c.BidsSkipped,
		Purchases:         c.Purchases,
		Errors:            c.Errors,
	}
}

// Stats is the periodic runtime snapshot written to disk and rendered by the
// console notifier.
type Stats struct {
	RunID           string                     `json:"runId"`
	At              time.Time                  `json:"at"`
	Uptime          string                     `json:"uptime"`
	Counters        CounterSnapshot            `json:"counters"`
	QueueDepth      int                        `json:"queueDepth"`
	ActiveLocks     int                        `json:"activeLocks"`
	PacerLimited    bool                       `json:"pacerLimited"`
	PacerWaitMs     int64                      `json:"pacerWaitMs"`
	PacerRejections int                        `json:"pacerRejections"`
	Identities      map[string]GroupUsage      `json:"identities,omitempty"`
	Collections     map[string]CollectionStats `json:"collections"`
	Goroutines      int                        `json:"goroutines"`
	HeapAllocMB     float64                    `json:"heapAllocMB"`
}

// CollectionStats is the per-collection slice of the snapshot.
type CollectionStats struct {
	OurBids  int `json:"ourBids"`
	TopBids  int `json:"topBids"`
	Quantity int `json:"quantity"`
}

// memStats fills the process-health fields.
func memStats() (goroutines int, heapMB float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return runtime.NumGoroutine(), float64(m.HeapAlloc) / (1024 * 1024)
}
