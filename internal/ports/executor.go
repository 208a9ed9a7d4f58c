package ports

import (
	"context"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

// OfferExecutor creates, submits, and cancels offers on the marketplace.
// All calls are opaque async operations: the engine only depends on the
// success/error contracts (typed insufficient-funds, ErrRateLimited on 429,
// generic error otherwise).
type OfferExecutor interface {
	// CreateOffer asks the marketplace to build an unsigned token offer.
	CreateOffer(ctx context.Context, req domain.CreateOfferRequest) (domain.UnsignedOffer, error)

	// CreateCollectionOffer builds an unsigned collection-wide offer,
	// optionally narrowed by traits.
	CreateCollectionOffer(ctx context.Context, req domain.CreateCollectionOfferRequest) (domain.UnsignedOffer, error)

	// SubmitSignedOffer broadcasts a signed offer and returns the confirmation.
	SubmitSignedOffer(ctx context.Context, offerID, signedPSBT string) (domain.PlacedOffer, error)

	// CancelOffer cancels a token offer. The bool mirrors the API's ok flag;
	// false with nil error means the offer was already gone.
	CancelOffer(ctx context.Context, offerID string) (bool, error)

	// CancelCollectionOffer cancels a collection offer.
	CancelCollectionOffer(ctx context.Context, offerID string) (bool, error)
}

// OfferSigner signs PSBTs with an identity's key material. The key handle is
// a capability the core carries around without inspecting.
type OfferSigner interface {
	Sign(ctx context.Context, keyHandle, psbt string) (string, error)
}
