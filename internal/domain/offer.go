package domain

import "time"

// BestOffer is one ranked entry from the authoritative best-offer endpoint.
type BestOffer struct {
	Price          int64  // sats
	MakerAddress   string // payment address of the bidder
	OfferID        string
}

// FloorListings is the floor price plus the cheapest listings for a
// collection, as returned by the market data provider.
type FloorListings struct {
	FloorPrice int64 // sats
	Listings   []Listing // ordered ascending by price
}

// UnsignedOffer is the opaque transaction data the marketplace returns for a
// created (not yet signed) offer. The core never inspects the PSBT beyond
// carrying it to the signer.
type UnsignedOffer struct {
	OfferID string
	PSBT    string
}

// PlacedOffer is the confirmation of a submitted signed offer.
type PlacedOffer struct {
	OfferID        string
	TokenID        string
	Price          int64
	Expiration     time.Time
	PaymentAddress string
}

// CreateOfferRequest carries everything the marketplace needs to build an
// unsigned token offer.
type CreateOfferRequest struct {
	TokenID        string
	Price          int64 // sats
	Expiration     time.Time
	PaymentAddress string
	ReceiveAddress string
	FeeRate        int64
}

// CreateCollectionOfferRequest is the collection-wide variant, optionally
// narrowed by traits.
type CreateCollectionOfferRequest struct {
	CollectionSymbol string
	Price            int64 // sats
	Quantity         int
	Expiration       time.Time
	PaymentAddress   string
	ReceiveAddress   string
	FeeRate          int64
	Traits           []Trait
}
