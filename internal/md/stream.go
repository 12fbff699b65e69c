package md

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/rs/zerolog"
)

type BarHandler func(Bar)

// Feed delivers live bars. Subscribe is only valid after Connect.
type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(handler BarHandler, symbols ...string) error
	Unsubscribe(symbols ...string) error
	Terminated() <-chan error
}

// AlpacaFeed streams minute bars from the Alpaca stock or crypto websocket.
type AlpacaFeed struct {
	market Market
	stocks *stream.StocksClient
	crypto *stream.CryptoClient
	log    zerolog.Logger
}

func NewAlpacaFeed(market Market, apiKey, apiSecret, feed string, log zerolog.Logger) *AlpacaFeed {
	f := &AlpacaFeed{market: market, log: log.With().Str("component", "feed").Logger()}
	if market == MarketCrypto {
		f.crypto = stream.NewCryptoClient(marketdata.US, stream.WithCredentials(apiKey, apiSecret))
	} else {
		f.stocks = stream.NewStocksClient(parseFeed(feed), stream.WithCredentials(apiKey, apiSecret))
	}
	return f
}

func (f *AlpacaFeed) Connect(ctx context.Context) error {
	var err error
	if f.crypto != nil {
		err = f.crypto.Connect(ctx)
	} else {
		err = f.stocks.Connect(ctx)
	}
	if err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	f.log.Info().Str("market", string(f.market)).Msg("connected to market data stream")
	return nil
}

func (f *AlpacaFeed) Subscribe(handler BarHandler, symbols ...string) error {
	var err error
	if f.crypto != nil {
		err = f.crypto.SubscribeToBars(func(bar stream.CryptoBar) {
			handler(fromCryptoStreamBar(bar))
		}, symbols...)
	} else {
		err = f.stocks.SubscribeToBars(func(bar stream.Bar) {
			handler(fromStreamBar(bar))
		}, symbols...)
	}
	if err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}
	f.log.Info().Strs("symbols", symbols).Msg("subscribed to bars")
	return nil
}

func (f *AlpacaFeed) Unsubscribe(symbols ...string) error {
	var err error
	if f.crypto != nil {
		err = f.crypto.UnsubscribeFromBars(symbols...)
	} else {
		err = f.stocks.UnsubscribeFromBars(symbols...)
	}
	if err != nil {
		return fmt.Errorf("unsubscribe from bars: %w", err)
	}
	f.log.Info().Strs("symbols", symbols).Msg("unsubscribed from bars")
	return nil
}

func (f *AlpacaFeed) Terminated() <-chan error {
	if f.crypto != nil {
		return f.crypto.Terminated()
	}
	return f.stocks.Terminated()
}

func fromStreamBar(bar stream.Bar) Bar {
	return Bar{
		Symbol:    bar.Symbol,
		Timestamp: bar.Timestamp.UTC(),
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    float64(bar.Volume),
		VWAP:      bar.VWAP,
	}
}

func fromCryptoStreamBar(bar stream.CryptoBar) Bar {
	return Bar{
		Symbol:    bar.Symbol,
		Timestamp: bar.Timestamp.UTC(),
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		VWAP:      bar.VWAP,
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
