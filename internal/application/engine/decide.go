package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/ordbot/internal/domain"
	"github.com/alejandrodnm/ordbot/internal/ports"
)

// collLockKey namespaces collection-wide offers in the token lock table so a
// collection offer and a token offer never alias.
func collLockKey(symbol string) string { return "collection:" + symbol }

// handleEvent dispatches one drained event. The switch is exhaustive over
// the watched kinds; an unhandled kind is a programming error surfaced in
// the log, never a silent branch.
func (e *Engine) handleEvent(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	switch ev.Kind {
	case domain.KindOfferPlaced:
		e.onTokenOffer(ctx, ev, cfg)
	case domain.KindCollOfferCreated, domain.KindCollOfferEdited:
		// An edit is a fresh evaluation, not a diff.
		e.onCollectionOffer(ctx, ev, cfg)
	case domain.KindOfferCancelled:
		e.onOfferCancelled(ctx, ev, cfg)
	case domain.KindCollOfferCancelled:
		e.onCollectionOfferCancelled(ctx, ev, cfg)
	case domain.KindBuyingBroadcasted, domain.KindOfferAcceptedBroadcast, domain.KindCollOfferFulfillBroadcast:
		e.onPurchase(ctx, ev, cfg)
	default:
		slog.Error("unhandled watched event kind", "kind", ev.Kind)
	}
}

// priceBounds computes the admissible offer range for a collection given the
// live floor price. Percent bounds are taken on the floor and clamped by the
// absolute sats bounds.
func priceBounds(cfg domain.CollectionConfig, floorPrice int64) (minOffer, maxOffer int64) {
	minPct := int64(math.Round(float64(floorPrice) * float64(cfg.MinFloorBid) / 100))
	maxPct := int64(math.Round(float64(floorPrice) * float64(cfg.MaxFloorBid) / 100))
	minOffer = cfg.MinBid
	if minPct > minOffer {
		minOffer = minPct
	}
	maxOffer = cfg.MaxBid
	if maxPct < maxOffer {
		maxOffer = maxPct
	}
	return minOffer, maxOffer
}

// aboveFloorGuard rejects untraited configs bidding above the floor. Bidding
// above floor only makes sense for trait-scoped bids on a scarcer subset.
func aboveFloorGuard(cfg domain.CollectionConfig) bool {
	return cfg.MaxFloorBid > 100 && !cfg.HasTraits()
}

// onTokenOffer reacts to a competing (or echoed) bid on a single token.
func (e *Engine) onTokenOffer(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	if err := e.tokenLocks.Acquire(ctx, ev.TokenID); err != nil {
		return
	}
	defer e.tokenLocks.Release(ev.TokenID)

	h := e.historyFor(cfg)
	h.Touch(ev.CreatedAt)

	our, tracked := h.Bid(ev.TokenID)
	if !tracked {
		// Untracked tokens only matter inside the current target set; the
		// early exit spares a floor lookup for everything outside it.
		if h.InBottomListings(ev.TokenID) {
			e.bidOnListedToken(ctx, cfg, h, ev)
		}
		return
	}

	// Our own submission echoing back through the feed confirms we are top.
	if ev.BuyerPaymentAddress != "" && ev.BuyerPaymentAddress == our.PaymentAddress {
		h.SetTop(ev.TokenID, true)
		return
	}

	switch {
	case ev.ListedPrice < our.Price:
		// Strictly lower never needs a network call: we are still on top.
		return

	case ev.ListedPrice == our.Price:
		// Equal price: local state may be stale, ask the authoritative
		// best-offer endpoint who is actually on top.
		best, err := e.market.GetBestOffer(ctx, ev.TokenID)
		if err != nil {
			// Conservative: assume we might already be fine rather than
			// risk a duplicate bid.
			e.skip(cfg.Symbol, ev.TokenID, "tie-break query failed")
			return
		}
		top := topOffer(best)
		if top == nil || top.MakerAddress == our.PaymentAddress {
			h.SetTop(ev.TokenID, true)
			return
		}
		h.SetTop(ev.TokenID, false)
		// Counter against the returned price, not the event's, which may
		// itself be stale.
		e.counterTokenBid(ctx, cfg, h, ev.TokenID, top.Price)

	default: // outbid
		h.SetTop(ev.TokenID, false)
		e.counterTokenBid(ctx, cfg, h, ev.TokenID, ev.ListedPrice)
	}
}

// bidOnListedToken places a first bid on a target-set token someone else just
// bid on. Caller holds the token lock.
func (e *Engine) bidOnListedToken(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, ev domain.MarketEvent) {
	if h.Fills() >= cfg.EffectiveQuantity() {
		e.skip(cfg.Symbol, ev.TokenID, "purchase cap reached")
		return
	}
	if aboveFloorGuard(cfg) {
		e.skip(cfg.Symbol, ev.TokenID, "above-floor config without traits")
		return
	}

	fl, err := e.market.GetFloorAndListings(ctx, cfg.Symbol, cfg.BidCount)
	if err != nil {
		e.fail(cfg.Symbol, ev.TokenID, fmt.Errorf("floor lookup: %w", err))
		return
	}
	minOffer, maxOffer := priceBounds(cfg, fl.FloorPrice)
	if minOffer > maxOffer {
		e.skip(cfg.Symbol, ev.TokenID, "empty price range at current floor")
		return
	}

	price := ev.ListedPrice + cfg.OutBidMargin
	if price < minOffer {
		price = minOffer
	}
	if price > maxOffer {
		e.skip(cfg.Symbol, ev.TokenID, "competing offer above max offer")
		return
	}

	if err := e.placeTokenBid(ctx, cfg, h, ev.TokenID, price); err != nil {
		e.fail(cfg.Symbol, ev.TokenID, err)
		return
	}
	e.counters.inc(&e.counters.BidsPlaced, 1)
	e.journalBid(cfg.Symbol, ev.TokenID, "placed", price, "new bid in target set")
}

// onCollectionOffer reacts to a competing collection-wide offer.
func (e *Engine) onCollectionOffer(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	key := collLockKey(ev.CollectionSymbol)
	if err := e.tokenLocks.Acquire(ctx, key); err != nil {
		return
	}
	defer e.tokenLocks.Release(key)

	h := e.historyFor(cfg)
	h.Touch(ev.CreatedAt)

	our, tracked := h.Bid(ev.CollectionSymbol)
	if !tracked {
		return
	}
	if ev.BuyerPaymentAddress != "" && ev.BuyerPaymentAddress == our.PaymentAddress {
		h.SetTop(ev.CollectionSymbol, true)
		return
	}

	switch {
	case ev.ListedPrice < our.Price:
		return
	case ev.ListedPrice == our.Price:
		best, err := e.market.GetBestCollectionOffer(ctx, ev.CollectionSymbol)
		if err != nil {
			e.skip(cfg.Symbol, "", "tie-break query failed")
			return
		}
		top := topOffer(best)
		if top == nil || top.MakerAddress == our.PaymentAddress {
			h.SetTop(ev.CollectionSymbol, true)
			return
		}
		h.SetTop(ev.CollectionSymbol, false)
		e.counterCollectionBid(ctx, cfg, h, top.Price)
	default:
		h.SetTop(ev.CollectionSymbol, false)
		e.counterCollectionBid(ctx, cfg, h, ev.ListedPrice)
	}
}

// onOfferCancelled reacts to a token offer disappearing. With no tracked bid
// it is a no-op; otherwise the authoritative query decides between "we are
// top again" and a counter-bid.
func (e *Engine) onOfferCancelled(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	if err := e.tokenLocks.Acquire(ctx, ev.TokenID); err != nil {
		return
	}
	defer e.tokenLocks.Release(ev.TokenID)

	h := e.historyFor(cfg)
	h.Touch(ev.CreatedAt)

	our, tracked := h.Bid(ev.TokenID)
	if !tracked {
		return
	}

	best, err := e.market.GetBestOffer(ctx, ev.TokenID)
	if err != nil {
		e.skip(cfg.Symbol, ev.TokenID, "post-cancel query failed")
		return
	}
	top := topOffer(best)
	switch {
	case top == nil:
		// Everything gone, ours included. Nothing to counter.
		e.skip(cfg.Symbol, ev.TokenID, "no offers after cancel")
	case top.MakerAddress == our.PaymentAddress:
		h.SetTop(ev.TokenID, true)
	default:
		h.SetTop(ev.TokenID, false)
		e.counterTokenBid(ctx, cfg, h, ev.TokenID, top.Price)
	}
}

// onCollectionOfferCancelled is the collection-wide analogue.
func (e *Engine) onCollectionOfferCancelled(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	key := collLockKey(ev.CollectionSymbol)
	if err := e.tokenLocks.Acquire(ctx, key); err != nil {
		return
	}
	defer e.tokenLocks.Release(key)

	h := e.historyFor(cfg)
	h.Touch(ev.CreatedAt)

	our, tracked := h.Bid(ev.CollectionSymbol)
	if !tracked {
		return
	}

	best, err := e.market.GetBestCollectionOffer(ctx, ev.CollectionSymbol)
	if err != nil {
		e.skip(cfg.Symbol, "", "post-cancel query failed")
		return
	}
	top := topOffer(best)
	switch {
	case top == nil:
		e.skip(cfg.Symbol, "", "no offers after cancel")
	case top.MakerAddress == our.PaymentAddress:
		h.SetTop(ev.CollectionSymbol, true)
	default:
		h.SetTop(ev.CollectionSymbol, false)
		e.counterCollectionBid(ctx, cfg, h, top.Price)
	}
}

// onPurchase registers a completed buy of one of OUR bids: exactly-once
// increment of the fill counter under the quantity lock, then drop tracking
// for the token. The feed broadcasts every sale in the collection, so a fill
// counts only when we track a bid on the token or the buyer address is one of
// our identities; a stranger's purchase never consumes the cap.
func (e *Engine) onPurchase(ctx context.Context, ev domain.MarketEvent, cfg domain.CollectionConfig) {
	tokenID := ev.TokenID
	if tokenID == "" {
		tokenID = ev.CollectionSymbol
	}

	if err := e.tokenLocks.Acquire(ctx, tokenID); err != nil {
		return
	}
	h := e.historyFor(cfg)
	h.Touch(ev.CreatedAt)
	_, tracked := h.Bid(tokenID)
	ours := tracked || e.ownsAddress(ev.BuyerPaymentAddress)
	if ours {
		h.ForgetBid(tokenID)
	}
	e.tokenLocks.Release(tokenID)

	if !ours {
		slog.Debug("unrelated purchase ignored", "collection", cfg.Symbol, "token", ev.TokenID)
		return
	}

	filled, err := e.incrementQuantity(ctx, cfg)
	if err != nil {
		slog.Error("purchase accounting failed", "collection", cfg.Symbol, "err", err)
		e.counters.inc(&e.counters.Errors, 1)
		return
	}
	e.counters.inc(&e.counters.Purchases, 1)

	slog.Info("purchase recorded",
		"collection", cfg.Symbol,
		"token", ev.TokenID,
		"filled", filled,
		"cap", cfg.EffectiveQuantity(),
	)
	if filled >= cfg.EffectiveQuantity() {
		slog.Info("purchase cap reached, collection paused", "collection", cfg.Symbol)
	}
}

// ownsAddress reports whether the payment address belongs to any of our
// identities. It covers fills on bids placed before a restart, which are no
// longer tracked.
func (e *Engine) ownsAddress(addr string) bool {
	if addr == "" {
		return false
	}
	if e.defaultID != nil && e.defaultID.PaymentAddress == addr {
		return true
	}
	return e.pool != nil && e.pool.HasAddress(addr)
}

// incrementQuantity performs the serialized read-increment-write of the
// fills counter and returns the post-increment value.
func (e *Engine) incrementQuantity(ctx context.Context, cfg domain.CollectionConfig) (int, error) {
	var filled int
	err := e.quantityLocks.WithLock(ctx, cfg.Symbol, func() error {
		h := e.historyFor(cfg)
		filled = h.AddFill()
		return nil
	})
	return filled, err
}

// counterTokenBid prices and places the response to being outbid on a token.
// Caller holds the token lock.
func (e *Engine) counterTokenBid(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, tokenID string, competitorPrice int64) {
	if !cfg.EnableCounterBidding {
		e.skip(cfg.Symbol, tokenID, "counter-bidding disabled")
		return
	}
	if competitorPrice <= 0 {
		e.skip(cfg.Symbol, tokenID, "competitor price not usable")
		return
	}
	if h.Fills() >= cfg.EffectiveQuantity() {
		e.skip(cfg.Symbol, tokenID, "purchase cap reached")
		return
	}
	if aboveFloorGuard(cfg) {
		e.skip(cfg.Symbol, tokenID, "above-floor config without traits")
		return
	}

	fl, err := e.market.GetFloorAndListings(ctx, cfg.Symbol, cfg.BidCount)
	if err != nil {
		e.fail(cfg.Symbol, tokenID, fmt.Errorf("floor lookup: %w", err))
		return
	}
	_, maxOffer := priceBounds(cfg, fl.FloorPrice)

	newPrice := competitorPrice + cfg.OutBidMargin
	if newPrice > maxOffer {
		e.skip(cfg.Symbol, tokenID, "counter-bid above max offer")
		return
	}

	if err := e.cancelTrackedTokenBid(ctx, h, tokenID); err != nil {
		e.fail(cfg.Symbol, tokenID, fmt.Errorf("cancel before counter: %w", err))
		return
	}
	if err := e.placeTokenBid(ctx, cfg, h, tokenID, newPrice); err != nil {
		e.fail(cfg.Symbol, tokenID, err)
		return
	}
	e.counters.inc(&e.counters.BidsAdjusted, 1)
	e.journalBid(cfg.Symbol, tokenID, "adjusted", newPrice, "counter-bid")
}

// counterCollectionBid is the collection-wide counter-bid. Caller holds the
// collection lock key.
func (e *Engine) counterCollectionBid(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, competitorPrice int64) {
	if !cfg.EnableCounterBidding {
		e.skip(cfg.Symbol, "", "counter-bidding disabled")
		return
	}
	if competitorPrice <= 0 {
		e.skip(cfg.Symbol, "", "competitor price not usable")
		return
	}
	if h.Fills() >= cfg.EffectiveQuantity() {
		e.skip(cfg.Symbol, "", "purchase cap reached")
		return
	}
	if aboveFloorGuard(cfg) {
		e.skip(cfg.Symbol, "", "above-floor config without traits")
		return
	}

	fl, err := e.market.GetFloorAndListings(ctx, cfg.Symbol, cfg.BidCount)
	if err != nil {
		e.fail(cfg.Symbol, "", fmt.Errorf("floor lookup: %w", err))
		return
	}
	_, maxOffer := priceBounds(cfg, fl.FloorPrice)

	newPrice := competitorPrice + cfg.OutBidMargin
	if newPrice > maxOffer {
		e.skip(cfg.Symbol, "", "counter-bid above max offer")
		return
	}
	// Collection offers never meet or beat the floor itself.
	if newPrice >= fl.FloorPrice {
		e.skip(cfg.Symbol, "", "counter-bid at or above floor")
		return
	}

	if err := e.cancelTrackedCollectionBid(ctx, h, cfg.Symbol); err != nil {
		e.fail(cfg.Symbol, "", fmt.Errorf("cancel before counter: %w", err))
		return
	}
	if err := e.placeCollectionBid(ctx, cfg, h, newPrice); err != nil {
		e.fail(cfg.Symbol, "", err)
		return
	}
	e.counters.inc(&e.counters.BidsAdjusted, 1)
	e.journalBid(cfg.Symbol, "", "adjusted", newPrice, "counter-bid")
}

// placeTokenBid runs the full placement path for one token: admission
// control, create, sign, submit, track. Caller holds the token lock.
func (e *Engine) placeTokenBid(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, tokenID string, price int64) error {
	id, release, err := e.acquireSubmission(ctx, cfg)
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	defer release()

	unsigned, err := e.executor.CreateOffer(ctx, domain.CreateOfferRequest{
		TokenID:        tokenID,
		Price:          price,
		Expiration:     time.Now().Add(cfg.OfferDuration()),
		PaymentAddress: id.PaymentAddress,
		ReceiveAddress: id.ReceiveAddress,
		FeeRate:        cfg.FeeRate,
	})
	if err != nil {
		return e.classifySubmitErr("create offer", err)
	}

	signed, err := e.signer.Sign(ctx, id.KeyHandle, unsigned.PSBT)
	if err != nil {
		return fmt.Errorf("sign offer: %w", err)
	}

	placed, err := e.executor.SubmitSignedOffer(ctx, unsigned.OfferID, signed)
	if err != nil {
		return e.classifySubmitErr("submit offer", err)
	}
	e.recordSubmission(id)

	h.RecordBid(tokenID, domain.OurBid{
		OfferID:        placed.OfferID,
		Price:          placed.Price,
		Expiration:     placed.Expiration,
		PaymentAddress: id.PaymentAddress,
	})
	h.SetTop(tokenID, true)

	slog.Info("bid placed",
		"collection", cfg.Symbol,
		"token", tokenID,
		"price", placed.Price,
		"identity", id.Label,
	)
	return nil
}

// placeCollectionBid is the collection-wide placement path.
func (e *Engine) placeCollectionBid(ctx context.Context, cfg domain.CollectionConfig, h *domain.BidHistory, price int64) error {
	id, release, err := e.acquireSubmission(ctx, cfg)
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	defer release()

	unsigned, err := e.executor.CreateCollectionOffer(ctx, domain.CreateCollectionOfferRequest{
		CollectionSymbol: cfg.Symbol,
		Price:            price,
		Quantity:         cfg.EffectiveQuantity() - h.Fills(),
		Expiration:       time.Now().Add(cfg.OfferDuration()),
		PaymentAddress:   id.PaymentAddress,
		ReceiveAddress:   id.ReceiveAddress,
		FeeRate:          cfg.FeeRate,
		Traits:           cfg.Traits,
	})
	if err != nil {
		return e.classifySubmitErr("create collection offer", err)
	}

	signed, err := e.signer.Sign(ctx, id.KeyHandle, unsigned.PSBT)
	if err != nil {
		return fmt.Errorf("sign collection offer: %w", err)
	}

	placed, err := e.executor.SubmitSignedOffer(ctx, unsigned.OfferID, signed)
	if err != nil {
		return e.classifySubmitErr("submit collection offer", err)
	}
	e.recordSubmission(id)

	h.RecordBid(cfg.Symbol, domain.OurBid{
		OfferID:        placed.OfferID,
		Price:          placed.Price,
		Expiration:     placed.Expiration,
		PaymentAddress: id.PaymentAddress,
	})
	h.SetTop(cfg.Symbol, true)

	slog.Info("collection bid placed",
		"collection", cfg.Symbol,
		"price", placed.Price,
		"identity", id.Label,
	)
	return nil
}

// cancelTrackedTokenBid cancels and forgets our current bid on a token, if
// any. An already-gone offer (ok=false, nil error) is not a failure.
func (e *Engine) cancelTrackedTokenBid(ctx context.Context, h *domain.BidHistory, tokenID string) error {
	our, tracked := h.Bid(tokenID)
	if !tracked || our.OfferID == "" {
		return nil
	}
	ok, err := e.executor.CancelOffer(ctx, our.OfferID)
	if err != nil {
		return e.classifySubmitErr("cancel offer", err)
	}
	h.ForgetBid(tokenID)
	if ok {
		e.counters.inc(&e.counters.BidsCancelled, 1)
	}
	return nil
}

// cancelTrackedCollectionBid is the collection-wide analogue.
func (e *Engine) cancelTrackedCollectionBid(ctx context.Context, h *domain.BidHistory, symbol string) error {
	our, tracked := h.Bid(symbol)
	if !tracked || our.OfferID == "" {
		return nil
	}
	ok, err := e.executor.CancelCollectionOffer(ctx, our.OfferID)
	if err != nil {
		return e.classifySubmitErr("cancel collection offer", err)
	}
	h.ForgetBid(symbol)
	if ok {
		e.counters.inc(&e.counters.BidsCancelled, 1)
	}
	return nil
}

// acquireSubmission runs admission control for one outbound bid. With
// rotation enabled the identity pool owns the budget; otherwise the single
// default identity is used and the global pacer is authoritative.
func (e *Engine) acquireSubmission(ctx context.Context, cfg domain.CollectionConfig) (*Identity, func(), error) {
	if e.pool != nil {
		id, err := e.pool.Acquire(ctx, cfg.WalletGroup)
		if err != nil {
			return nil, nil, err
		}
		return id, func() { e.pool.Release(id) }, nil
	}
	if err := e.pacer.WaitForSlot(ctx); err != nil {
		return nil, nil, err
	}
	return e.defaultID, func() {}, nil
}

// recordSubmission stamps the sent bid into whichever budget is in charge.
func (e *Engine) recordSubmission(id *Identity) {
	if e.pool != nil {
		e.pool.RecordSent(id)
		return
	}
	e.pacer.RecordSent()
}

// classifySubmitErr folds API errors into the pacer/typed-condition
// contract: 429 extends the cool-down (never retried here), insufficient
// funds stays typed for the caller, anything else passes through wrapped.
func (e *Engine) classifySubmitErr(op string, err error) error {
	if errors.Is(err, domain.ErrRateLimited) {
		e.pacer.OnRejected()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// skip counts and journals a deliberate non-action.
func (e *Engine) skip(symbol, tokenID, reason string) {
	e.counters.inc(&e.counters.BidsSkipped, 1)
	e.journalBid(symbol, tokenID, "skipped", 0, reason)
	slog.Debug("bid skipped", "collection", symbol, "token", tokenID, "reason", reason)
}

// fail counts and journals a per-token failure without aborting the caller's
// drain or cycle.
func (e *Engine) fail(symbol, tokenID string, err error) {
	e.counters.inc(&e.counters.Errors, 1)
	e.journalBid(symbol, tokenID, "error", 0, err.Error())
	slog.Warn("bid action failed", "collection", symbol, "token", tokenID, "err", err)
}

// journalBid best-effort records the action; journal failures only log.
func (e *Engine) journalBid(symbol, tokenID, action string, price int64, detail string) {
	if e.journal == nil {
		return
	}
	rec := ports.BidEventRecord{
		CollectionSymbol: symbol,
		TokenID:          tokenID,
		Action:           action,
		Price:            price,
		Detail:           detail,
		At:               time.Now(),
	}
	if err := e.journal.RecordBidEvent(context.Background(), rec); err != nil {
		slog.Debug("journal write failed", "err", err)
	}
}

// topOffer returns the best-ranked entry or nil when none exist.
func topOffer(offers []domain.BestOffer) *domain.BestOffer {
	if len(offers) == 0 {
		return nil
	}
	return &offers[0]
}
