package md

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HistoryStore answers historical bar queries. It may return fewer bars than
// the span holds when the market just opened or the symbol trades thinly.
type HistoryStore interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe time.Duration) ([]Bar, error)
}

// AlpacaHistory queries the Alpaca market data REST API.
type AlpacaHistory struct {
	client  *marketdata.Client
	market  Market
	feed    marketdata.Feed
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewAlpacaHistory builds a store limited to requestsPerMinute calls.
func NewAlpacaHistory(market Market, apiKey, apiSecret, feed string, requestsPerMinute int, log zerolog.Logger) *AlpacaHistory {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 200
	}
	return &AlpacaHistory{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		market:  market,
		feed:    parseFeed(feed),
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), 5),
		log:     log.With().Str("component", "history").Logger(),
	}
}

func (h *AlpacaHistory) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe time.Duration) ([]Bar, error) {
	tf, err := toTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("history rate limit: %w", err)
	}

	var bars []Bar
	if h.market == MarketCrypto {
		raw, err := h.client.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return nil, fmt.Errorf("get crypto bars %s: %w", symbol, err)
		}
		bars = make([]Bar, 0, len(raw))
		for _, b := range raw {
			bars = append(bars, Bar{
				Symbol: symbol, Timestamp: b.Timestamp.UTC(),
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
				Volume: b.Volume, VWAP: b.VWAP,
			})
		}
	} else {
		raw, err := h.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      h.feed,
		})
		if err != nil {
			return nil, fmt.Errorf("get bars %s: %w", symbol, err)
		}
		bars = make([]Bar, 0, len(raw))
		for _, b := range raw {
			bars = append(bars, Bar{
				Symbol: symbol, Timestamp: b.Timestamp.UTC(),
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
				Volume: float64(b.Volume), VWAP: b.VWAP,
			})
		}
	}

	h.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Time("start", start).Time("end", end).Msg("history fetched")
	return bars, nil
}

func toTimeFrame(d time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case d <= 0:
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe: %s", d)
	case d%(24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(d/(24*time.Hour)), marketdata.Day), nil
	case d%time.Hour == 0:
		return marketdata.NewTimeFrame(int(d/time.Hour), marketdata.Hour), nil
	case d%time.Minute == 0:
		return marketdata.NewTimeFrame(int(d/time.Minute), marketdata.Min), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe: %s", d)
	}
}
