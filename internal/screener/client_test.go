package screener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meanrev/internal/md"
)

func TestTopMoversParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta1/screener/stocks/movers" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("top") != "2" {
			http.Error(w, "bad top", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "gainers": [
    {"symbol": "ABCD", "percent_change": 42.5, "change": 1.2, "price": 4.02},
    {"symbol": "EFGH", "percent_change": 30.1, "change": 0.7, "price": 2.95}
  ],
  "losers": [
    {"symbol": "WXYZ", "percent_change": -20.0, "change": -0.5, "price": 2.0}
  ],
  "market_type": "stocks",
  "last_updated": "2024-03-04T15:00:00Z"
}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	gainers, losers, err := c.TopMovers(ctx, md.MarketStock, 2)
	require.NoError(t, err)
	require.Len(t, gainers, 2)
	assert.Equal(t, "ABCD", gainers[0].Symbol)
	assert.Equal(t, 42.5, gainers[0].PercentChange)
	assert.Equal(t, 4.02, gainers[0].Price)
	require.Len(t, losers, 1)
	assert.Equal(t, "WXYZ", losers[0].Symbol)
}

func TestTopMoversCryptoPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"gainers": [], "losers": []}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	require.NoError(t, err)
	_, _, err = c.TopMovers(context.Background(), md.MarketCrypto, 10)
	require.NoError(t, err)
	assert.Equal(t, "/v1beta1/screener/crypto/movers", path)
}

func TestTopMoversStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	require.NoError(t, err)
	_, _, err = c.TopMovers(context.Background(), md.MarketStock, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient("ftp://example.com", "", "", zerolog.Nop())
	assert.Error(t, err)

	c, err := NewClient("", "", "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.host)
}

func TestWatchlistFiltersAndDedupes(t *testing.T) {
	gainers := []Mover{
		{Symbol: "ABCD", Price: 4.02},
		{Symbol: "PRICY", Price: 120},
		{Symbol: "PENNY", Price: 0.4},
		{Symbol: "ABCD", Price: 4.02},
	}
	losers := []Mover{{Symbol: "WXYZ", Price: 2}, {Symbol: "ABCD", Price: 4.02}}

	assert.Equal(t, []string{"ABCD"}, Watchlist(gainers, losers, false, 1, 5))
	assert.Equal(t, []string{"ABCD", "WXYZ"}, Watchlist(gainers, losers, true, 1, 5))
	assert.Equal(t, []string{"ABCD", "PRICY", "PENNY"}, Watchlist(gainers, nil, false, 0, 0))
}
