package magiceden

// types.go — wire shapes of the marketplace endpoints the bot consumes.
// Prices travel as sats (smallest-unit integers) end to end.

import "time"

type createOfferRequest struct {
	TokenID        string `json:"tokenId"`
	Price          int64  `json:"price"`
	ExpirationAt   string `json:"expirationAt"`
	MakerAddress   string `json:"makerPaymentAddress"`
	ReceiveAddress string `json:"makerReceiveAddress"`
	FeeRate        int64  `json:"feerateTier,omitempty"`
}

type createCollectionOfferRequest struct {
	CollectionSymbol string      `json:"collectionSymbol"`
	Price            int64       `json:"priceSats"`
	Quantity         int         `json:"quantity"`
	ExpirationAt     string      `json:"expirationAt"`
	MakerAddress     string      `json:"makerPaymentAddress"`
	ReceiveAddress   string      `json:"makerReceiveAddress"`
	FeeRate          int64       `json:"feerateTier,omitempty"`
	Traits           []wireTrait `json:"traits,omitempty"`
}

type wireTrait struct {
	TraitType string `json:"traitType"`
	Value     string `json:"value"`
}

type createOfferResponse struct {
	OfferID string `json:"offerId"`
	PSBT    string `json:"psbtBase64"`
}

type submitOfferRequest struct {
	OfferID    string `json:"offerId"`
	SignedPSBT string `json:"signedPsbtBase64"`
	RequestID  string `json:"requestId"` // idempotency key
}

type submitOfferResponse struct {
	OfferID        string    `json:"offerId"`
	TokenID        string    `json:"tokenId"`
	Price          int64     `json:"price"`
	ExpirationAt   time.Time `json:"expirationAt"`
	MakerAddress   string    `json:"makerPaymentAddress"`
}

type cancelOfferResponse struct {
	OK bool `json:"ok"`
}

type offersResponse struct {
	Offers []wireOffer `json:"offers"`
}

type wireOffer struct {
	ID           string `json:"id"`
	Price        int64  `json:"price"`
	MakerAddress string `json:"makerPaymentAddress"`
}

type collectionStatsResponse struct {
	FloorPrice int64 `json:"floorPrice"`
}

type listingsResponse struct {
	Tokens []wireListing `json:"tokens"`
}

type wireListing struct {
	TokenID     string `json:"id"`
	ListedPrice int64  `json:"listedPrice"`
}
