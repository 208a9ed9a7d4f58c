package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of feed message kinds the engine acts on.
// Anything outside this set is discarded at the queue boundary, so adding a
// kind here forces the dispatch switch in the engine to grow with it.
type EventKind string

const (
	KindOfferPlaced               EventKind = "offer_placed"
	KindCollOfferCreated          EventKind = "coll_offer_created"
	KindCollOfferEdited           EventKind = "coll_offer_edited"
	KindOfferCancelled            EventKind = "offer_cancelled"
	KindCollOfferCancelled        EventKind = "coll_offer_cancelled"
	KindBuyingBroadcasted         EventKind = "buying_broadcasted"
	KindOfferAcceptedBroadcast    EventKind = "offer_accepted_broadcasted"
	KindCollOfferFulfillBroadcast EventKind = "coll_offer_fulfill_broadcasted"
)

// WatchedKinds is the set used by the queue pre-filter and by the feed
// subscription payloads.
var WatchedKinds = map[EventKind]bool{
	KindOfferPlaced:               true,
	KindCollOfferCreated:          true,
	KindCollOfferEdited:           true,
	KindOfferCancelled:            true,
	KindCollOfferCancelled:        true,
	KindBuyingBroadcasted:         true,
	KindOfferAcceptedBroadcast:    true,
	KindCollOfferFulfillBroadcast: true,
}

// IsPurchase reports whether the kind signals a completed (broadcast) buy.
// Purchase kinds are exempt from dedup, supersession, and preferred eviction:
// losing one means losing a fill.
func (k EventKind) IsPurchase() bool {
	switch k {
	case KindBuyingBroadcasted, KindOfferAcceptedBroadcast, KindCollOfferFulfillBroadcast:
		return true
	}
	return false
}

// IsTokenScoped reports whether the kind always refers to a single token.
func (k EventKind) IsTokenScoped() bool {
	switch k {
	case KindOfferPlaced, KindOfferCancelled, KindBuyingBroadcasted, KindOfferAcceptedBroadcast:
		return true
	}
	return false
}

// IsPriceBearing reports whether listedPrice/buyerPaymentAddress are required.
func (k EventKind) IsPriceBearing() bool {
	switch k {
	case KindOfferPlaced, KindCollOfferCreated, KindCollOfferEdited:
		return true
	}
	return false
}

// MarketEvent is one validated feed message.
type MarketEvent struct {
	Kind                EventKind `json:"kind"`
	CollectionSymbol    string    `json:"collectionSymbol"`
	TokenID             string    `json:"tokenId,omitempty"`
	ListedPrice         int64     `json:"listedPrice,omitempty"` // sats
	BuyerPaymentAddress string    `json:"buyerPaymentAddress,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// DedupKey returns the identity used to collapse or supersede queued events.
// Item-scoped offers and cancels key on (collection, token); collection-scoped
// offers, edits and cancels key on the collection alone.
func (e MarketEvent) DedupKey() string {
	if e.Kind.IsTokenScoped() {
		return string(e.Kind.class()) + "|" + e.CollectionSymbol + "|" + e.TokenID
	}
	return string(e.Kind.class()) + "|" + e.CollectionSymbol
}

// class folds kinds into dedup classes so an edit can supersede a create.
func (k EventKind) class() EventKind {
	if k == KindCollOfferEdited {
		return KindCollOfferCreated
	}
	return k
}

// rawEvent mirrors the wire shape before validation: kind and symbol arrive
// as untyped JSON and must be checked, not assumed.
type rawEvent struct {
	Kind                json.RawMessage `json:"kind"`
	CollectionSymbol    json.RawMessage `json:"collectionSymbol"`
	TokenID             string          `json:"tokenId"`
	ListedPrice         int64           `json:"listedPrice"`
	BuyerPaymentAddress string          `json:"buyerPaymentAddress"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// ParseMarketEvent validates a raw feed payload into a MarketEvent.
// It rejects messages whose kind or collectionSymbol is not a JSON string,
// and messages missing the kind-specific required fields.
func ParseMarketEvent(raw []byte) (MarketEvent, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: %w", err)
	}

	var kind string
	if err := json.Unmarshal(re.Kind, &kind); err != nil {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: kind is not a string")
	}
	var symbol string
	if err := json.Unmarshal(re.CollectionSymbol, &symbol); err != nil {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: collectionSymbol is not a string")
	}
	if symbol == "" {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: empty collectionSymbol")
	}

	ev := MarketEvent{
		Kind:                EventKind(kind),
		CollectionSymbol:    symbol,
		TokenID:             re.TokenID,
		ListedPrice:         re.ListedPrice,
		BuyerPaymentAddress: re.BuyerPaymentAddress,
		CreatedAt:           re.CreatedAt,
	}

	if ev.Kind.IsTokenScoped() && ev.TokenID == "" {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: %s without tokenId", ev.Kind)
	}
	if ev.Kind.IsPriceBearing() && (ev.ListedPrice <= 0 || ev.BuyerPaymentAddress == "") {
		return MarketEvent{}, fmt.Errorf("domain.ParseMarketEvent: %s missing listedPrice or buyerPaymentAddress", ev.Kind)
	}
	return ev, nil
}
