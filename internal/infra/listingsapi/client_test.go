package listingsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainlistings "dealroom/internal/domain/listings"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/listings/coffee.eth":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ref":"Coffee.ETH","title":"coffee","seller_id":"0xseller","asking_price":{"amount":250000,"currency":"usdc"}}`))
		case "/listings/broken.eth":
			_, _ = w.Write([]byte(`{"ref":"broken.eth","asking_price":{"amount":1,"currency":"USD"}}`))
		case "/listings/slow.eth":
			time.Sleep(200 * time.Millisecond)
		case "/listings/down.eth":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetListing(t *testing.T) {
	srv := newServer(t)
	c := &Client{BaseURL: srv.URL + "/", HTTP: srv.Client()}

	l, err := c.GetListing(context.Background(), " COFFEE.eth ")
	require.NoError(t, err)
	assert.Equal(t, "coffee.eth", l.Ref)
	assert.Equal(t, "0xseller", l.SellerID)
	assert.Equal(t, int64(250000), l.AskingPrice.Amount)
	assert.Equal(t, "USDC", l.AskingPrice.Currency)
}

func TestGetListingErrors(t *testing.T) {
	srv := newServer(t)
	c := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Timeout: 50 * time.Millisecond}
	ctx := context.Background()

	_, err := c.GetListing(ctx, "missing.eth")
	assert.ErrorIs(t, err, domainlistings.ErrNotFound)

	_, err = c.GetListing(ctx, "broken.eth")
	assert.ErrorIs(t, err, domainlistings.ErrInvalidListing)

	_, err = c.GetListing(ctx, "down.eth")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "503")

	_, err = c.GetListing(ctx, "slow.eth")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.GetListing(ctx, " ")
	assert.ErrorIs(t, err, domainlistings.ErrInvalidListing)

	_, err = (&Client{}).GetListing(ctx, "coffee.eth")
	assert.ErrorIs(t, err, ErrUnavailable)
}
