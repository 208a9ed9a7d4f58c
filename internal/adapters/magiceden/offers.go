package magiceden

// offers.go — offer lifecycle endpoints. Implements ports.OfferExecutor and
// the best-offer half of ports.MarketDataProvider.

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

const (
	createOfferPath     = "/offers/create"
	createCollOfferPath = "/collection-offers/create"
	submitOfferPath     = "/offers/submit"
	cancelOfferPath     = "/offers/cancel"
	cancelCollOfferPath = "/collection-offers/cancel"
	tokenOffersPath     = "/offers"
	collOffersPath      = "/collection-offers"
)

// CreateOffer asks the marketplace to build an unsigned token offer.
func (c *Client) CreateOffer(ctx context.Context, req domain.CreateOfferRequest) (domain.UnsignedOffer, error) {
	body := createOfferRequest{
		TokenID:        req.TokenID,
		Price:          req.Price,
		ExpirationAt:   req.Expiration.UTC().Format(time.RFC3339),
		MakerAddress:   req.PaymentAddress,
		ReceiveAddress: req.ReceiveAddress,
		FeeRate:        req.FeeRate,
	}
	var resp createOfferResponse
	if err := c.post(ctx, createOfferPath, body, &resp); err != nil {
		return domain.UnsignedOffer{}, fmt.Errorf("magiceden.CreateOffer: %w", err)
	}
	return domain.UnsignedOffer{OfferID: resp.OfferID, PSBT: resp.PSBT}, nil
}

// CreateCollectionOffer builds an unsigned collection-wide offer.
func (c *Client) CreateCollectionOffer(ctx context.Context, req domain.CreateCollectionOfferRequest) (domain.UnsignedOffer, error) {
	body := createCollectionOfferRequest{
		CollectionSymbol: req.CollectionSymbol,
		Price:            req.Price,
		Quantity:         req.Quantity,
		ExpirationAt:     req.Expiration.UTC().Format(time.RFC3339),
		MakerAddress:     req.PaymentAddress,
		ReceiveAddress:   req.ReceiveAddress,
		FeeRate:          req.FeeRate,
	}
	for _, t := range req.Traits {
		body.Traits = append(body.Traits, wireTrait{TraitType: t.TraitType, Value: t.Value})
	}
	var resp createOfferResponse
	if err := c.post(ctx, createCollOfferPath, body, &resp); err != nil {
		return domain.UnsignedOffer{}, fmt.Errorf("magiceden.CreateCollectionOffer: %w", err)
	}
	return domain.UnsignedOffer{OfferID: resp.OfferID, PSBT: resp.PSBT}, nil
}

// SubmitSignedOffer broadcasts a signed offer. The request carries an
// idempotency key so a retried submit can never double-place.
func (c *Client) SubmitSignedOffer(ctx context.Context, offerID, signedPSBT string) (domain.PlacedOffer, error) {
	body := submitOfferRequest{
		OfferID:    offerID,
		SignedPSBT: signedPSBT,
		RequestID:  uuid.NewString(),
	}
	var resp submitOfferResponse
	if err := c.post(ctx, submitOfferPath, body, &resp); err != nil {
		return domain.PlacedOffer{}, fmt.Errorf("magiceden.SubmitSignedOffer: %w", err)
	}
	return domain.PlacedOffer{
		OfferID:        resp.OfferID,
		TokenID:        resp.TokenID,
		Price:          resp.Price,
		Expiration:     resp.ExpirationAt,
		PaymentAddress: resp.MakerAddress,
	}, nil
}

// CancelOffer cancels one token offer.
func (c *Client) CancelOffer(ctx context.Context, offerID string) (bool, error) {
	var resp cancelOfferResponse
	if err := c.post(ctx, cancelOfferPath, map[string]string{"offerId": offerID}, &resp); err != nil {
		return false, fmt.Errorf("magiceden.CancelOffer: %w", err)
	}
	return resp.OK, nil
}

// CancelCollectionOffer cancels one collection offer.
func (c *Client) CancelCollectionOffer(ctx context.Context, offerID string) (bool, error) {
	var resp cancelOfferResponse
	if err := c.post(ctx, cancelCollOfferPath, map[string]string{"offerId": offerID}, &resp); err != nil {
		return false, fmt.Errorf("magiceden.CancelCollectionOffer: %w", err)
	}
	return resp.OK, nil
}

// GetBestOffer returns the ranked offers on a token, best first. A token
// with no offers returns nil, nil.
func (c *Client) GetBestOffer(ctx context.Context, tokenID string) ([]domain.BestOffer, error) {
	path := tokenOffersPath + "?tokenId=" + url.QueryEscape(tokenID) + "&sortBy=priceDesc"
	var resp offersResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("magiceden.GetBestOffer: %w", err)
	}
	return mapOffers(resp.Offers), nil
}

// GetBestCollectionOffer returns the ranked collection-wide offers.
func (c *Client) GetBestCollectionOffer(ctx context.Context, symbol string) ([]domain.BestOffer, error) {
	path := collOffersPath + "?collectionSymbol=" + url.QueryEscape(symbol) + "&sortBy=priceDesc"
	var resp offersResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("magiceden.GetBestCollectionOffer: %w", err)
	}
	return mapOffers(resp.Offers), nil
}

func mapOffers(offers []wireOffer) []domain.BestOffer {
	if len(offers) == 0 {
		return nil
	}
	out := make([]domain.BestOffer, 0, len(offers))
	for _, o := range offers {
		out = append(out, domain.BestOffer{
			OfferID:      o.ID,
			Price:        o.Price,
			MakerAddress: o.MakerAddress,
		})
	}
	return out
}
