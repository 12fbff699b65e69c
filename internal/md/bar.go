package md

import (
	"fmt"
	"strings"
	"time"
)

// Market selects the asset class the bot trades.
type Market string

const (
	MarketStock  Market = "stock"
	MarketCrypto Market = "crypto"
)

func ParseMarket(value string) (Market, error) {
	switch Market(strings.ToLower(strings.TrimSpace(value))) {
	case MarketStock, "stocks", "":
		return MarketStock, nil
	case MarketCrypto:
		return MarketCrypto, nil
	default:
		return "", fmt.Errorf("unsupported market: %s", value)
	}
}

// Bar is one OHLCV candle with its volume-weighted average price.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	VWAP      float64
}

// DataInsufficientError reports a window that cannot feed the indicators yet.
type DataInsufficientError struct {
	Symbol string
	Have   int
	Need   int
}

func (e *DataInsufficientError) Error() string {
	return fmt.Sprintf("not enough bars for %s: have %d, need %d", e.Symbol, e.Have, e.Need)
}
