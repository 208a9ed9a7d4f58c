package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/ordbot/internal/domain"
	"github.com/alejandrodnm/ordbot/internal/ports"
)

// scheduledLoop drives the periodic re-evaluation for one collection until
// the engine stops.
func (e *Engine) scheduledLoop(ctx context.Context, cfg domain.CollectionConfig) {
	ticker := time.NewTicker(cfg.LoopInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.runScheduledCycle(ctx, cfg); err != nil && ctx.Err() == nil {
				slog.Warn("scheduled cycle failed", "collection", cfg.Symbol, "err", err)
				e.counters.inc(&e.counters.Errors, 1)
			}
		}
	}
}

// runScheduledCycle refreshes floor/listings for the collection and
// re-evaluates our bids. It skips entirely when the submission budget is
// exhausted rather than stalling a whole cycle, and claims the producer gate
// so no queue drain touches the same state while it runs.
func (e *Engine) runScheduledCycle(ctx context.Context, cfg domain.CollectionConfig) error {
	if e.budgetExhausted(cfg) {
		slog.Debug("cycle skipped, submission budget exhausted", "collection", cfg.Symbol)
		return nil
	}

	if err := e.queue.beginScheduledCycle(ctx); err != nil {
		return err
	}
	defer e.queue.endScheduledCycle()

	started := time.Now()
	before := e.counters.Snapshot()

	fl, err := e.market.GetFloorAndListings(ctx, cfg.Symbol, cfg.BidCount)
	if err != nil {
		return fmt.Errorf("floor and listings: %w", err)
	}

	h := e.historyFor(cfg)
	if len(fl.Listings) > cfg.BidCount {
		fl.Listings = fl.Listings[:cfg.BidCount]
	}
	h.SetBottomListings(fl.Listings)
	h.Prune(time.Now())

	if aboveFloorGuard(cfg) {
		e.skip(cfg.Symbol, "", "above-floor config without traits")
	} else if h.Fills() >= cfg.EffectiveQuantity() {
		e.skip(cfg.Symbol, "", "purchase cap reached")
	} else {
		switch cfg.OfferType {
		case domain.OfferTypeItem:
			e.evaluateItemBids(ctx, cfg, h, fl)
		case domain.OfferTypeCollection:
			e.evaluateCollectionBid(ctx, cfg, h, fl)
		}
	}

	after := e.counters.Snapshot()
	if e.journal != nil {
		rec := ports.CycleRecord{
			StartedAt:   started,
			Collections: 1,
			BidsPlaced:  after.BidsPlaced - before.BidsPlaced,
			BidsSkipped: after.BidsSkipped - before.BidsSkipped,
			Errors:      after.Errors - before.Errors,
			QueueDepth:  e.queue.Depth(),
		}
		if err := e.journal.SaveCycle(context.Background(), rec); err != nil {
			slog.Debug("cycle journal write failed", "err", err)
		}
	}
	return nil
}

// evaluateItemBids walks the bottom listings and places or re-prices one
// token bid per candidate. Failures are isolated per token: one bad API call
// never aborts the rest of the cycle.
func (e *Engine) evaluateItemBids(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, fl domain.FloorListings) {
	minOffer, maxOffer := priceBounds(cfg, fl.FloorPrice)
	if minOffer > maxOffer {
		e.skip(cfg.Symbol, "", "empty price range at current floor")
		return
	}

	now := time.Now()
	for _, listing := range fl.Listings {
		if ctx.Err() != nil {
			return
		}
		if err := e.tokenLocks.Acquire(ctx, listing.TokenID); err != nil {
			return
		}
		e.evaluateOneItem(ctx, cfg, h, listing.TokenID, minOffer, maxOffer, now)
		e.tokenLocks.Release(listing.TokenID)
	}
}

// evaluateOneItem decides for a single token under its lock.
func (e *Engine) evaluateOneItem(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, tokenID string, minOffer, maxOffer int64, now time.Time) {
	our, tracked := h.Bid(tokenID)
	if tracked {
		stillValid := our.Expiration.After(now) && our.Price >= minOffer && our.Price <= maxOffer
		if stillValid {
			return
		}
		// Expired or priced outside the current bounds: clear and rebuild.
		if err := e.cancelTrackedTokenBid(ctx, h, tokenID); err != nil {
			e.fail(cfg.Symbol, tokenID, err)
			return
		}
	}

	if err := e.placeTokenBid(ctx, cfg, h, tokenID, minOffer); err != nil {
		e.fail(cfg.Symbol, tokenID, err)
		return
	}
	e.counters.inc(&e.counters.BidsPlaced, 1)
	e.journalBid(cfg.Symbol, tokenID, "placed", minOffer, "scheduled cycle")
}

// evaluateCollectionBid maintains the single collection-wide offer.
func (e *Engine) evaluateCollectionBid(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, fl domain.FloorListings) {
	key := collLockKey(cfg.Symbol)
	if err := e.tokenLocks.Acquire(ctx, key); err != nil {
		return
	}
	defer e.tokenLocks.Release(key)

	minOffer, maxOffer := priceBounds(cfg, fl.FloorPrice)
	if minOffer > maxOffer {
		e.skip(cfg.Symbol, "", "empty price range at current floor")
		return
	}
	// Collection offers stay strictly below the live floor.
	if minOffer >= fl.FloorPrice {
		e.skip(cfg.Symbol, "", "offer would reach the floor")
		return
	}

	now := time.Now()
	our, tracked := h.Bid(cfg.Symbol)
	if tracked {
		stillValid := our.Expiration.After(now) && our.Price >= minOffer && our.Price <= maxOffer
		if stillValid {
			return
		}
		if err := e.cancelTrackedCollectionBid(ctx, h, cfg.Symbol); err != nil {
			e.fail(cfg.Symbol, "", err)
			return
		}
	}

	if err := e.placeCollectionBid(ctx, cfg, h, minOffer); err != nil {
		e.fail(cfg.Symbol, "", err)
		return
	}
	e.counters.inc(&e.counters.BidsPlaced, 1)
	e.journalBid(cfg.Symbol, "", "placed", minOffer, "scheduled cycle")
}

// budgetExhausted is the scheduler's non-blocking admission probe.
func (e *Engine) budgetExhausted(cfg domain.CollectionConfig) bool {
	if e.pool != nil {
		id, _, err := e.pool.TryAcquire(cfg.WalletGroup)
		if err != nil {
			return true
		}
		if id == nil {
			return true
		}
		e.pool.Release(id)
		return false
	}
	return e.pacer.IsLimited()
}
