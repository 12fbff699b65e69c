// Package screener discovers the symbols to watch from Alpaca's top movers.
package screener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"meanrev/internal/md"
)

const DefaultURL = "https://data.alpaca.markets"

type Mover struct {
	Symbol        string  `json:"symbol"`
	PercentChange float64 `json:"percent_change"`
	Change        float64 `json:"change"`
	Price         float64 `json:"price"`
}

type moversResponse struct {
	Gainers     []Mover   `json:"gainers"`
	Losers      []Mover   `json:"losers"`
	MarketType  string    `json:"market_type"`
	LastUpdated time.Time `json:"last_updated"`
}

type Client struct {
	host       string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

func NewClient(host, apiKey, apiSecret string, log zerolog.Logger) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = DefaultURL
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("screener url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("screener url must be http(s), got %q", host)
	}
	return &Client{
		host:       host,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		log:        log.With().Str("component", "screener").Logger(),
	}, nil
}

// TopMovers returns the market's biggest percentage gainers and losers, each
// ordered as the screener ranks them.
func (c *Client) TopMovers(ctx context.Context, market md.Market, count int) (gainers, losers []Mover, err error) {
	if count <= 0 {
		return nil, nil, fmt.Errorf("screener count must be positive, got %d", count)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	kind := "stocks"
	if market == md.MarketCrypto {
		kind = "crypto"
	}
	endpoint := c.host + "/v1beta1/screener/" + kind + "/movers?top=" + strconv.Itoa(count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("screener request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, nil, fmt.Errorf("screener %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	var out moversResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("screener decode: %w", err)
	}
	for _, m := range out.Gainers {
		c.log.Debug().Str("symbol", m.Symbol).Float64("percent_change", m.PercentChange).Float64("price", m.Price).Msg("gainer")
	}
	c.log.Info().Str("market", kind).Int("gainers", len(out.Gainers)).Int("losers", len(out.Losers)).Msg("top movers fetched")
	return out.Gainers, out.Losers, nil
}

// Watchlist merges movers into a de-duplicated symbol list, keeping only
// prices inside [minPrice, maxPrice]. A zero maxPrice disables the upper bound.
func Watchlist(gainers, losers []Mover, includeLosers bool, minPrice, maxPrice float64) []string {
	candidates := gainers
	if includeLosers {
		candidates = append(append([]Mover{}, gainers...), losers...)
	}
	seen := make(map[string]bool, len(candidates))
	symbols := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m.Symbol == "" || seen[m.Symbol] {
			continue
		}
		if m.Price < minPrice || (maxPrice > 0 && m.Price > maxPrice) {
			continue
		}
		seen[m.Symbol] = true
		symbols = append(symbols, m.Symbol)
	}
	return symbols
}
