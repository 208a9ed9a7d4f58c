package domain

import (
	"sort"
	"sync"
	"time"
)

const (
	// MaxTrackedBids caps ourBids per collection; oldest expirations go first.
	MaxTrackedBids = 100
	// BidRetention is how long an expired bid stays tracked before purge.
	BidRetention = 24 * time.Hour
)

// OurBid is one bid we currently track as ours on a token (or the collection
// itself, keyed under the symbol).
type OurBid struct {
	OfferID        string    `json:"offerId"`
	Price          int64     `json:"price"` // sats
	Expiration     time.Time `json:"expiration"`
	PaymentAddress string    `json:"paymentAddress"`
}

// Listing is one currently listed token, used to build bottom listings.
type Listing struct {
	TokenID string `json:"id"`
	Price   int64  `json:"price"` // sats
}

// BidHistory is the per-collection mutable state the two producers contend
// over. Fields stay exported for the on-disk JSON shape, but concurrent
// access goes through the methods: the entry's own mutex serializes them
// against the persistence and stats readers, which hold no token lock.
type BidHistory struct {
	mu sync.Mutex

	OfferType        OfferType          `json:"offerType"`
	OurBids          map[string]*OurBid `json:"ourBids"`
	TopBids          map[string]bool    `json:"topBids"`
	BottomListings   []Listing          `json:"bottomListings"`
	LastSeenActivity *time.Time         `json:"lastSeenActivity"`
	Quantity         int                `json:"quantity"` // fills so far, monotonic while running
}

// NewBidHistory creates the lazily-initialized entry for a collection.
func NewBidHistory(offerType OfferType) *BidHistory {
	return &BidHistory{
		OfferType: offerType,
		OurBids:   make(map[string]*OurBid),
		TopBids:   make(map[string]bool),
	}
}

// Touch stamps the last time any watched activity arrived for the collection.
func (h *BidHistory) Touch(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := at
	h.LastSeenActivity = &t
}

// Bid returns a copy of our tracked bid for the token, if any.
func (h *BidHistory) Bid(tokenID string) (OurBid, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.OurBids[tokenID]
	if !ok {
		return OurBid{}, false
	}
	return *b, true
}

// RecordBid tracks a bid we placed and enforces the size cap.
func (h *BidHistory) RecordBid(tokenID string, bid OurBid) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OurBids[tokenID] = &bid
	h.enforceCapLocked()
}

// ForgetBid drops all tracking for a token.
func (h *BidHistory) ForgetBid(tokenID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgetLocked(tokenID)
}

// SetTop records whether we believe our bid is currently on top.
func (h *BidHistory) SetTop(tokenID string, top bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.TopBids[tokenID] = top
}

// SetBottomListings replaces the current target set.
func (h *BidHistory) SetBottomListings(listings []Listing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.BottomListings = listings
}

// AddFill increments the fills counter and returns the new value. Callers
// serialize fills per collection with the quantity lock; the mutex here only
// shields the snapshot readers.
func (h *BidHistory) AddFill() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Quantity++
	return h.Quantity
}

// Fills returns the current fills counter.
func (h *BidHistory) Fills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Quantity
}

// SetFills overwrites the counter; only the startup restore uses this.
func (h *BidHistory) SetFills(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Quantity = n
}

// Counts returns the sizes the stats snapshot reports.
func (h *BidHistory) Counts() (bids, top, fills int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.OurBids), len(h.TopBids), h.Quantity
}

// Prune purges bids whose expiration is older than BidRetention, together
// with their topBids flag.
func (h *BidHistory) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	purged := 0
	for tokenID, bid := range h.OurBids {
		if now.Sub(bid.Expiration) > BidRetention {
			h.forgetLocked(tokenID)
			purged++
		}
	}
	return purged
}

// Clone returns a deep copy safe to serialize while the original keeps
// mutating.
func (h *BidHistory) Clone() *BidHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &BidHistory{
		OfferType: h.OfferType,
		OurBids:   make(map[string]*OurBid, len(h.OurBids)),
		TopBids:   make(map[string]bool, len(h.TopBids)),
		Quantity:  h.Quantity,
	}
	for tokenID, bid := range h.OurBids {
		b := *bid
		c.OurBids[tokenID] = &b
	}
	for tokenID, top := range h.TopBids {
		c.TopBids[tokenID] = top
	}
	c.BottomListings = append([]Listing(nil), h.BottomListings...)
	if h.LastSeenActivity != nil {
		t := *h.LastSeenActivity
		c.LastSeenActivity = &t
	}
	return c
}

func (h *BidHistory) forgetLocked(tokenID string) {
	delete(h.OurBids, tokenID)
	delete(h.TopBids, tokenID)
}

// enforceCapLocked evicts oldest-by-expiration entries beyond MaxTrackedBids.
// Caller holds h.mu.
func (h *BidHistory) enforceCapLocked() {
	if len(h.OurBids) <= MaxTrackedBids {
		return
	}
	type entry struct {
		tokenID    string
		expiration time.Time
	}
	entries := make([]entry, 0, len(h.OurBids))
	for tokenID, bid := range h.OurBids {
		entries = append(entries, entry{tokenID, bid.Expiration})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].expiration.Before(entries[j].expiration)
	})
	for _, e := range entries[:len(entries)-MaxTrackedBids] {
		h.forgetLocked(e.tokenID)
	}
}

// InBottomListings reports whether the token is in the current target set.
func (h *BidHistory) InBottomListings(tokenID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.BottomListings {
		if l.TokenID == tokenID {
			return true
		}
	}
	return false
}
