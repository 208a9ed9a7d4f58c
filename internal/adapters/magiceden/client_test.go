package magiceden

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, "test-key")
	c.http = srv.Client()
	return c
}

func TestClient_RateLimitNeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetBestOffer(context.Background(), "t1")

	// Un 429 sale tipado a la primera; el cool-down es cosa del pacer.
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_ServerErrorsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"offers": [{"id": "o1", "price": 500000, "makerPaymentAddress": "bc1qother"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	offers, err := c.GetBestOffer(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, offers, 1)
	assert.Equal(t, int64(500_000), offers[0].Price)
	assert.Equal(t, "bc1qother", offers[0].MakerAddress)
}

func TestClient_InsufficientFundsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "Insufficient funds to place offer", "required": 600000, "available": 120000}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.CreateOffer(context.Background(), domain.CreateOfferRequest{
		TokenID: "t1", Price: 600_000, Expiration: time.Now().Add(time.Hour),
	})

	require.Error(t, err)
	assert.True(t, domain.IsInsufficientFunds(err))
	var ife *domain.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(600_000), ife.Required)
	assert.Equal(t, int64(120_000), ife.Available)
}

func TestClient_NoOffersIsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"offers": []}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	offers, err := c.GetBestOffer(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, offers)
}

func TestClient_AuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"offers": []}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetBestOffer(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestClient_SubmitCarriesIdempotencyKey(t *testing.T) {
	requestIDs := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body submitOfferRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		requestIDs <- body.RequestID
		w.Write([]byte(`{"offerId": "o1", "tokenId": "t1", "price": 500000}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	placed, err := c.SubmitSignedOffer(context.Background(), "unsigned-1", "signed-psbt")
	require.NoError(t, err)
	assert.Equal(t, "o1", placed.OfferID)

	select {
	case id := <-requestIDs:
		assert.NotEmpty(t, id)
	default:
		t.Fatal("submit request never reached the server")
	}
}

func TestClient_GetFloorAndListings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/stat":
			w.Write([]byte(`{"floorPrice": 1000000}`))
		case r.URL.Path == "/tokens":
			assert.Equal(t, "priceAsc", r.URL.Query().Get("sortBy"))
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"tokens": [{"id": "t1", "listedPrice": 1000000}, {"id": "t2", "listedPrice": 1010000}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	fl, err := c.GetFloorAndListings(context.Background(), "frogs", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), fl.FloorPrice)
	require.Len(t, fl.Listings, 2)
	assert.Equal(t, "t1", fl.Listings[0].TokenID)
}

func TestParseAPIError_UnknownBodyFallsThrough(t *testing.T) {
	assert.Nil(t, parseAPIError([]byte(`{"error": "something else"}`)))
	assert.Nil(t, parseAPIError([]byte(`not json`)))
}
