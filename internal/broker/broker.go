package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"meanrev/internal/md"
)

// ErrPositionNotFound means the broker holds nothing for the symbol: a flat
// position, not a failure.
var ErrPositionNotFound = errors.New("position does not exist")

// PositionLookupError is any position query failure other than not-found.
type PositionLookupError struct {
	Symbol string
	Err    error
}

func (e *PositionLookupError) Error() string {
	return fmt.Sprintf("position lookup %s: %v", e.Symbol, e.Err)
}

func (e *PositionLookupError) Unwrap() error {
	return e.Err
}

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
	TakeProfit    *float64
	StopLoss      *float64
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          alpaca.Side
	Status        string
}

type Position struct {
	Symbol   string
	Qty      int
	AvgEntry float64
}

type Account struct {
	Cash           float64
	BuyingPower    float64
	PortfolioValue float64
	Equity         float64
}

type Client struct {
	client *alpaca.Client
	market md.Market
	log    zerolog.Logger
}

func New(apiKey, apiSecret, baseURL string, market md.Market, log zerolog.Logger) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{
		client: alpaca.NewClient(opts),
		market: market,
		log:    log.With().Str("component", "broker").Logger(),
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	order, err := c.client.PlaceOrder(buildPlaceOrderRequest(req))
	if err != nil {
		c.log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Str("type", string(req.Type)).Msg("place order failed")
		return OrderRef{}, err
	}

	c.log.Info().Str("order_id", order.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Str("type", string(req.Type)).Str("status", string(order.Status)).Msg("place order success")
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        string(order.Status),
	}, nil
}

// SubmitBracketOrder buys qty at market with attached take-profit and
// stop-loss legs. Crypto has no bracket orders, so there the entry goes out
// alone and the exits stay with the engine.
func (c *Client) SubmitBracketOrder(ctx context.Context, symbol string, qty int, takeProfit, stopLoss float64, clientOrderID string) (OrderRef, error) {
	req := OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   c.timeInForce(),
		ClientOrderID: clientOrderID,
	}
	if c.market == md.MarketCrypto {
		c.log.Debug().Str("symbol", symbol).Msg("bracket legs unsupported for crypto, submitting entry only")
	} else {
		req.TakeProfit = &takeProfit
		req.StopLoss = &stopLoss
	}
	return c.PlaceOrder(ctx, req)
}

// SubmitMarketOrder sends a plain market order. A sell first cancels the
// symbol's open orders, because bracket legs hold the position's quantity.
func (c *Client) SubmitMarketOrder(ctx context.Context, symbol string, qty int, side alpaca.Side, clientOrderID string) (OrderRef, error) {
	if side == alpaca.Sell {
		if err := c.CancelOpenOrders(ctx, symbol); err != nil {
			return OrderRef{}, err
		}
	}
	return c.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   c.timeInForce(),
		ClientOrderID: clientOrderID,
	})
}

func (c *Client) timeInForce() alpaca.TimeInForce {
	if c.market == md.MarketCrypto {
		return alpaca.GTC
	}
	return alpaca.Day
}

func (c *Client) OpenOrders(ctx context.Context, symbols ...string) ([]OrderRef, error) {
	req := alpaca.GetOrdersRequest{
		Status:  "open",
		Nested:  true,
		Symbols: symbols,
	}
	orders, err := c.client.GetOrders(req)
	if err != nil {
		c.log.Error().Err(err).Msg("fetch open orders failed")
		return nil, err
	}
	refs := make([]OrderRef, 0, len(orders))
	for _, order := range orders {
		refs = append(refs, toOrderRef(order))
		for _, leg := range order.Legs {
			refs = append(refs, toOrderRef(leg))
		}
	}
	c.log.Debug().Int("count", len(refs)).Strs("symbols", symbols).Msg("open orders fetched")
	return refs, nil
}

func (c *Client) CancelOpenOrders(ctx context.Context, symbol string) error {
	orders, err := c.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list open orders %s: %w", symbol, err)
	}
	for _, order := range orders {
		if err := c.client.CancelOrder(order.ID); err != nil {
			var apiErr *alpaca.APIError
			// Legs cancel with their parent; a 422 means it is already gone.
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
				continue
			}
			return fmt.Errorf("cancel order %s: %w", order.ID, err)
		}
		c.log.Info().Str("symbol", symbol).Str("order_id", order.ID).Msg("open order canceled")
	}
	return nil
}

// Position returns ErrPositionNotFound for flat symbols and a
// *PositionLookupError for anything else that goes wrong.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	pos, err := c.client.GetPosition(positionSymbol(symbol))
	if err != nil {
		err = classifyPositionError(symbol, err)
		if !errors.Is(err, ErrPositionNotFound) {
			c.log.Error().Err(err).Str("symbol", symbol).Msg("fetch position failed")
		}
		return Position{}, err
	}
	result := toPosition(*pos)
	c.log.Debug().Str("symbol", symbol).Int("qty", result.Qty).Float64("avg_entry", result.AvgEntry).Msg("position fetched")
	return result, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	positions, err := c.client.GetPositions()
	if err != nil {
		c.log.Error().Err(err).Msg("fetch positions failed")
		return nil, err
	}
	result := make([]Position, 0, len(positions))
	for _, pos := range positions {
		result = append(result, toPosition(pos))
	}
	return result, nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		c.log.Error().Err(err).Msg("fetch account failed")
		return Account{}, err
	}
	result := Account{
		Cash:           acct.Cash.InexactFloat64(),
		BuyingPower:    acct.BuyingPower.InexactFloat64(),
		PortfolioValue: acct.PortfolioValue.InexactFloat64(),
		Equity:         acct.Equity.InexactFloat64(),
	}
	c.log.Info().Float64("equity", result.Equity).Float64("buying_power", result.BuyingPower).Float64("cash", result.Cash).Msg("account fetched")
	return result, nil
}

// CloseAllPositions liquidates every holding and cancels open orders first.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	orders, err := c.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	if err != nil {
		c.log.Error().Err(err).Msg("close all positions failed")
		return err
	}
	c.log.Info().Int("orders", len(orders)).Msg("close all positions submitted")
	return nil
}

func buildPlaceOrderRequest(req OrderRequest) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if req.TakeProfit != nil && req.StopLoss != nil {
		takeProfit := decimal.NewFromFloat(*req.TakeProfit)
		stopLoss := decimal.NewFromFloat(*req.StopLoss)
		orderReq.OrderClass = alpaca.Bracket
		orderReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &takeProfit}
		orderReq.StopLoss = &alpaca.StopLoss{StopPrice: &stopLoss}
	}
	return orderReq
}

func toOrderRef(order alpaca.Order) OrderRef {
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        string(order.Status),
	}
}

// PendingEntries lists the symbols with an open BUY order. Bracket legs are
// sells and do not count.
func PendingEntries(orders []OrderRef) []string {
	var symbols []string
	for _, order := range orders {
		if order.Side == alpaca.Buy {
			symbols = append(symbols, order.Symbol)
		}
	}
	return symbols
}

func classifyPositionError(symbol string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", symbol, ErrPositionNotFound)
	}
	return &PositionLookupError{Symbol: symbol, Err: err}
}

func toPosition(pos alpaca.Position) Position {
	return Position{
		Symbol:   pos.Symbol,
		Qty:      int(pos.Qty.IntPart()),
		AvgEntry: pos.AvgEntryPrice.InexactFloat64(),
	}
}

// positionSymbol drops the pair separator; the positions endpoint keys crypto
// as "BTCUSD".
func positionSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
