package ports

import (
	"context"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

// MarketDataProvider answers the authoritative read queries the decision
// engine depends on. A nil slice with nil error means "no offers exist";
// errors mean transport failure and callers skip conservatively.
type MarketDataProvider interface {
	// GetBestOffer returns the ranked offers on a single token, best first.
	GetBestOffer(ctx context.Context, tokenID string) ([]domain.BestOffer, error)

	// GetBestCollectionOffer returns the ranked collection-wide offers.
	GetBestCollectionOffer(ctx context.Context, symbol string) ([]domain.BestOffer, error)

	// GetFloorAndListings returns the floor price and the cheapest listings
	// for a collection, ascending by price.
	GetFloorAndListings(ctx context.Context, symbol string, limit int) (domain.FloorListings, error)
}
