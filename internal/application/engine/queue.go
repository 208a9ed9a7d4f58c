package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

const (
	queueCapacity  = 1000
	dedupCooldown  = 5 * time.Second
	drainYieldPoll = 500 * time.Millisecond // drain yields to an active scheduled cycle
	cycleWaitPoll  = 100 * time.Millisecond // scheduled cycle waits out an active drain
	dropWarnEvery  = 50                     // log every Nth overflow drop, not every one
)

// eventManager validates, dedups, supersedes, and bounds the inbound feed
// traffic so the decision engine sees one clean stream, and gates the queue
// drain against the scheduled cycle so the two producers never touch the
// same bid-history state concurrently.
type eventManager struct {
	collections map[string]domain.CollectionConfig
	counters    *Counters

	mu        sync.Mutex
	queue     []domain.MarketEvent
	lastSeen  map[string]time.Time // dedup key -> last accepted
	ready     bool
	draining  bool // a queue drain is mid-flight
	scheduled int  // scheduled cycles mid-flight; one loop per collection can overlap

	wake chan struct{}
}

func newEventManager(collections map[string]domain.CollectionConfig, counters *Counters) *eventManager {
	return &eventManager{
		collections: collections,
		counters:    counters,
		lastSeen:    make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
	}
}

// ReceiveEvent is the feed entry point. It never blocks the caller: events
// are validated and enqueued synchronously, processed asynchronously.
func (m *eventManager) ReceiveEvent(raw []byte) {
	ev, err := domain.ParseMarketEvent(raw)
	if err != nil {
		m.counters.inc(&m.counters.Invalid, 1)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pre-steady-state traffic is discarded before any other accounting.
	if !m.ready {
		m.counters.inc(&m.counters.DiscardedNotReady, 1)
		return
	}

	if !domain.WatchedKinds[ev.Kind] {
		m.counters.inc(&m.counters.UnwatchedKind, 1)
		return
	}
	if _, ok := m.collections[ev.CollectionSymbol]; !ok {
		m.counters.inc(&m.counters.UnknownCollection, 1)
		return
	}

	now := time.Now()
	if !ev.Kind.IsPurchase() {
		key := ev.DedupKey()

		// Supersession: replace a still-queued event with the same key in
		// place, latest data wins.
		for i := range m.queue {
			if m.queue[i].Kind.IsPurchase() {
				continue
			}
			if m.queue[i].DedupKey() == key {
				m.queue[i] = ev
				m.lastSeen[key] = now
				m.counters.inc(&m.counters.Superseded, 1)
				return
			}
		}

		// Dedup: an already-drained event with the same key within the
		// cooldown collapses this one away.
		if last, ok := m.lastSeen[key]; ok && now.Sub(last) < dedupCooldown {
			m.counters.inc(&m.counters.Deduped, 1)
			return
		}
		m.lastSeen[key] = now
		m.pruneLastSeenLocked(now)
	}

	m.queue = append(m.queue, ev)
	if len(m.queue) > queueCapacity {
		m.evictLocked()
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetReady opens the gate. Whatever accumulated before steady state is
// unreliable backlog: it is discarded and folded into the not-ready total.
func (m *eventManager) SetReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dropped := len(m.queue); dropped > 0 {
		m.counters.inc(&m.counters.DiscardedNotReady, dropped)
		m.queue = nil
	}
	m.ready = true
}

// Depth returns the current queue length.
func (m *eventManager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// drainLoop hands queued events to handle one at a time. It yields while a
// scheduled cycle runs, polling until the cycle clears.
func (m *eventManager) drainLoop(ctx context.Context, handle func(context.Context, domain.MarketEvent, domain.CollectionConfig)) {
	for {
		m.mu.Lock()
		if m.scheduled > 0 {
			m.draining = false
			m.mu.Unlock()
			if !sleepCtx(ctx, drainYieldPoll) {
				return
			}
			continue
		}
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
			continue
		}
		m.draining = true
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		cfg, ok := m.collections[ev.CollectionSymbol]
		if !ok {
			m.counters.inc(&m.counters.UnknownCollection, 1)
			continue
		}
		handle(ctx, ev, cfg)
		m.counters.inc(&m.counters.Processed, 1)

		if ctx.Err() != nil {
			return
		}
	}
}

// beginScheduledCycle waits until no queue drain is mid-flight, then claims
// the shared state for the scheduled producer. Advisory gating, same rule as
// the drain side: the two producers never overlap.
func (m *eventManager) beginScheduledCycle(ctx context.Context) error {
	for {
		m.mu.Lock()
		if !m.draining {
			m.scheduled++
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		if !sleepCtx(ctx, cycleWaitPoll) {
			return ctx.Err()
		}
	}
}

// endScheduledCycle releases one cycle's claim; the drain resumes only once
// every overlapping cycle has finished.
func (m *eventManager) endScheduledCycle() {
	m.mu.Lock()
	m.scheduled--
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// evictLocked enforces capacity: drop the oldest non-purchase event, or the
// oldest of any kind when only purchase events remain. Caller holds m.mu.
func (m *eventManager) evictLocked() {
	victim := -1
	for i := range m.queue {
		if !m.queue[i].Kind.IsPurchase() {
			victim = i
			break
		}
	}
	if victim < 0 {
		victim = 0
	}
	m.queue = append(m.queue[:victim], m.queue[victim+1:]...)

	m.counters.inc(&m.counters.Dropped, 1)
	if dropped := m.counters.Snapshot().Dropped; dropped%dropWarnEvery == 0 {
		slog.Warn("event queue overflow", "dropped_total", dropped, "capacity", queueCapacity)
	}
}

// pruneLastSeenLocked keeps the dedup stamp map from growing without bound.
// Caller holds m.mu.
func (m *eventManager) pruneLastSeenLocked(now time.Time) {
	if len(m.lastSeen) < 4*queueCapacity {
		return
	}
	for key, at := range m.lastSeen {
		if now.Sub(at) >= dedupCooldown {
			delete(m.lastSeen, key)
		}
	}
}

// sleepCtx sleeps d unless ctx finishes first; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
