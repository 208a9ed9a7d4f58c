package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/ordbot/internal/domain"
	"github.com/alejandrodnm/ordbot/internal/ports"
)

const (
	historyFlushInterval = 5 * time.Minute
	statsFlushInterval   = 30 * time.Second
	memReportInterval    = time.Minute
)

// Deps are the external collaborators the engine consumes as opaque
// contracts.
type Deps struct {
	Market   ports.MarketDataProvider
	Executor ports.OfferExecutor
	Signer   ports.OfferSigner
	History  ports.HistoryStore
	Journal  ports.BidJournal // optional

	// NewFeed builds the streaming connection wired to the engine's event
	// entry point. Optional: a nil factory runs the engine on the scheduled
	// cycles alone.
	NewFeed func(onMessage func([]byte)) ports.EventFeed
}

// Options is the engine's immutable runtime configuration.
type Options struct {
	Collections []domain.CollectionConfig
	PacerWindow time.Duration
	PacerMax    int

	// Pool enables identity rotation; when nil DefaultIdentity is used for
	// every submission and the pacer is the authority.
	Pool            *IdentityPool
	DefaultIdentity *Identity
}

// Engine is the constructed bid-orchestration instance. It owns its
// lifecycle: multiple engines can coexist and nothing leaks between runs.
type Engine struct {
	runID       string
	collections map[string]domain.CollectionConfig

	queue         *eventManager
	counters      *Counters
	pacer         *RatePacer
	pool          *IdentityPool
	defaultID     *Identity
	tokenLocks    *TokenLocks
	quantityLocks *QuantityLocks

	market   ports.MarketDataProvider
	executor ports.OfferExecutor
	signer   ports.OfferSigner
	store    ports.HistoryStore
	journal  ports.BidJournal
	feed     ports.EventFeed

	historyMu sync.Mutex
	history   map[string]*domain.BidHistory

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates options and builds a stopped engine.
func New(opts Options, deps Deps) (*Engine, error) {
	if len(opts.Collections) == 0 {
		return nil, fmt.Errorf("engine.New: no collections configured")
	}
	if deps.Market == nil || deps.Executor == nil || deps.Signer == nil || deps.History == nil {
		return nil, fmt.Errorf("engine.New: missing required collaborator")
	}

	collections := make(map[string]domain.CollectionConfig, len(opts.Collections))
	for _, cfg := range opts.Collections {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("engine.New: %w", err)
		}
		collections[cfg.Symbol] = cfg

		if aboveFloorGuard(cfg) {
			slog.Warn("collection bids above floor without traits, every bid will be skipped",
				"collection", cfg.Symbol, "max_floor_bid", cfg.MaxFloorBid)
		}

		// Every referenced group must exist before the first bid, not when
		// the first submission fails.
		if opts.Pool != nil {
			if cfg.WalletGroup == "" {
				return nil, fmt.Errorf("engine.New: collection %s has no wallet group but rotation is enabled", cfg.Symbol)
			}
			if !opts.Pool.HasGroup(cfg.WalletGroup) {
				return nil, fmt.Errorf("engine.New: collection %s references unknown wallet group %q", cfg.Symbol, cfg.WalletGroup)
			}
		}
	}
	if opts.Pool == nil && opts.DefaultIdentity == nil {
		return nil, fmt.Errorf("engine.New: rotation disabled and no default identity")
	}

	counters := &Counters{}
	e := &Engine{
		runID:         uuid.NewString(),
		collections:   collections,
		queue:         newEventManager(collections, counters),
		counters:      counters,
		pacer:         NewRatePacer(opts.PacerWindow, opts.PacerMax),
		pool:          opts.Pool,
		defaultID:     opts.DefaultIdentity,
		tokenLocks:    NewTokenLocks(),
		quantityLocks: NewQuantityLocks(),
		market:        deps.Market,
		executor:      deps.Executor,
		signer:        deps.Signer,
		store:         deps.History,
		journal:       deps.Journal,
		history:       make(map[string]*domain.BidHistory),
	}
	if deps.NewFeed != nil {
		e.feed = deps.NewFeed(e.ReceiveEvent)
	}
	return e, nil
}

// ReceiveEvent is the public feed entry point. Never blocks the caller.
func (e *Engine) ReceiveEvent(raw []byte) {
	e.queue.ReceiveEvent(raw)
}

// Start brings the engine up: restore counters, open the feed, run one
// priming cycle per collection, then open the readiness gate and launch the
// periodic loops.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	e.restoreQuantities()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Purchase signals must be processed even across shutdown, so an
		// in-flight event handler finishes naturally; the loop itself still
		// exits on cancellation between events.
		e.queue.drainLoop(runCtx, func(c context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
			e.handleEvent(context.WithoutCancel(c), ev, cfg)
		})
	}()

	if e.feed != nil {
		if err := e.feed.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("engine.Start: feed: %w", err)
		}
	}

	// Prime floor/listing state before trusting feed traffic; whatever the
	// feed delivered meanwhile is unreliable backlog and gets discarded at
	// the readiness transition.
	for _, cfg := range e.collections {
		if err := e.runScheduledCycle(runCtx, cfg); err != nil {
			slog.Warn("priming cycle failed", "collection", cfg.Symbol, "err", err)
		}
	}
	e.queue.SetReady()

	for _, cfg := range e.collections {
		cfg := cfg
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scheduledLoop(runCtx, cfg)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.persistenceLoop(runCtx)
	}()

	slog.Info("engine started",
		"run_id", e.runID,
		"collections", len(e.collections),
		"rotation", e.pool != nil,
	)
	return nil
}

// RunOnce restores counters, evaluates every collection once, flushes, and
// returns without opening the feed. Used by the -once flag.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.startedAt = time.Now()
	e.restoreQuantities()
	e.queue.SetReady()

	var firstErr error
	for _, cfg := range e.collections {
		if err := e.runScheduledCycle(ctx, cfg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine.RunOnce: %s: %w", cfg.Symbol, err)
		}
	}
	e.flushHistory()
	e.flushStats()
	return firstErr
}

// Stop shuts the engine down: feed first, then the periodic loops, then one
// final flush of history and stats. In-flight event handlers complete on
// their own; their late log lines are harmless.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	if e.feed != nil {
		e.feed.Stop()
	}
	e.cancel()
	e.wg.Wait()

	e.flushHistory()
	e.flushStats()
	slog.Info("engine stopped", "run_id", e.runID, "uptime", time.Since(e.startedAt).Round(time.Second))
}

// historyFor lazily initializes the collection's bid history on first touch
// by either producer.
func (e *Engine) historyFor(cfg domain.CollectionConfig) *domain.BidHistory {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	h, ok := e.history[cfg.Symbol]
	if !ok {
		h = domain.NewBidHistory(cfg.OfferType)
		e.history[cfg.Symbol] = h
	}
	return h
}

// restoreQuantities loads only the per-collection fill counters from the
// last snapshot; bids and top flags deliberately start empty.
func (e *Engine) restoreQuantities() {
	quantities, err := e.store.LoadQuantities()
	if err != nil {
		slog.Warn("bid-history restore failed, starting empty", "err", err)
		return
	}
	for symbol, qty := range quantities {
		cfg, ok := e.collections[symbol]
		if !ok {
			// Collections removed from config do not resurrect their count.
			continue
		}
		h := e.historyFor(cfg)
		h.SetFills(qty)
	}
	if len(quantities) > 0 {
		slog.Info("restored purchase counters", "collections", len(quantities))
	}
}

// persistenceLoop runs the periodic checkpoint, stats snapshot, and memory
// report timers until shutdown.
func (e *Engine) persistenceLoop(ctx context.Context) {
	historyTicker := time.NewTicker(historyFlushInterval)
	statsTicker := time.NewTicker(statsFlushInterval)
	memTicker := time.NewTicker(memReportInterval)
	defer historyTicker.Stop()
	defer statsTicker.Stop()
	defer memTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-historyTicker.C:
			e.flushHistory()
		case <-statsTicker.C:
			e.flushStats()
		case <-memTicker.C:
			goroutines, heapMB := memStats()
			slog.Debug("engine health",
				"queue_depth", e.queue.Depth(),
				"active_locks", e.tokenLocks.Active(),
				"goroutines", goroutines,
				"heap_mb", fmt.Sprintf("%.1f", heapMB),
			)
		}
	}
}

// flushHistory checkpoints the bid-history map. Each entry is deep-copied
// under its own mutex so serialization never races an event handler or a
// cycle. Best effort: failures log.
func (e *Engine) flushHistory() {
	e.historyMu.Lock()
	snapshot := make(map[string]*domain.BidHistory, len(e.history))
	for symbol, h := range e.history {
		snapshot[symbol] = h.Clone()
	}
	e.historyMu.Unlock()

	if err := e.store.SaveHistory(snapshot); err != nil {
		slog.Warn("bid-history flush failed", "err", err)
	}
}

// flushStats writes the runtime snapshot.
func (e *Engine) flushStats() {
	if err := e.store.SaveStats(e.Stats()); err != nil {
		slog.Debug("stats flush failed", "err", err)
	}
}

// Stats assembles the current runtime snapshot.
func (e *Engine) Stats() Stats {
	goroutines, heapMB := memStats()
	s := Stats{
		RunID:           e.runID,
		At:              time.Now(),
		Uptime:          time.Since(e.startedAt).Round(time.Second).String(),
		Counters:        e.counters.Snapshot(),
		QueueDepth:      e.queue.Depth(),
		ActiveLocks:     e.tokenLocks.Active(),
		PacerLimited:    e.pacer.IsLimited(),
		PacerWaitMs:     e.pacer.ResetWait().Milliseconds(),
		PacerRejections: e.pacer.Rejections(),
		Collections:     make(map[string]CollectionStats),
		Goroutines:      goroutines,
		HeapAllocMB:     heapMB,
	}
	if e.pool != nil {
		s.Identities = e.pool.Usage()
	}

	e.historyMu.Lock()
	for symbol, h := range e.history {
		bids, top, fills := h.Counts()
		s.Collections[symbol] = CollectionStats{
			OurBids:  bids,
			TopBids:  top,
			Quantity: fills,
		}
	}
	e.historyMu.Unlock()
	return s
}
