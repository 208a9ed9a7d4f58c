package magiceden

// tokens.go — floor price and listing endpoints.

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

const (
	collStatsPath = "/stat"
	listingsPath  = "/tokens"
)

// GetFloorAndListings returns the collection's floor price and its cheapest
// listings, ascending by price.
func (c *Client) GetFloorAndListings(ctx context.Context, symbol string, limit int) (domain.FloorListings, error) {
	if limit <= 0 {
		limit = 20
	}

	statPath := collStatsPath + "?collectionSymbol=" + url.QueryEscape(symbol)
	var stats collectionStatsResponse
	if err := c.get(ctx, statPath, &stats); err != nil {
		return domain.FloorListings{}, fmt.Errorf("magiceden.GetFloorAndListings: stats: %w", err)
	}

	listPath := fmt.Sprintf("%s?collectionSymbol=%s&sortBy=priceAsc&limit=%d",
		listingsPath, url.QueryEscape(symbol), limit)
	var listings listingsResponse
	if err := c.get(ctx, listPath, &listings); err != nil {
		return domain.FloorListings{}, fmt.Errorf("magiceden.GetFloorAndListings: listings: %w", err)
	}

	fl := domain.FloorListings{FloorPrice: stats.FloorPrice}
	for _, l := range listings.Tokens {
		fl.Listings = append(fl.Listings, domain.Listing{TokenID: l.TokenID, Price: l.ListedPrice})
	}
	return fl, nil
}
