package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"optionflow/errs"
	"optionflow/logger"
)

// AlpacaClient implements Client against Alpaca's options trading API,
// grounded on trader/alpaca_trader.go's doRequest helper: same header
// auth, same "read body then branch on status code" shape, generalized
// from equities to `asset_class=option` orders and the options chain
// endpoint.
type AlpacaClient struct {
	apiKeyID  string
	apiSecret string
	baseURL   string
	http      *http.Client
}

func NewAlpacaClient(baseURL, apiKeyID, apiSecret string, timeout time.Duration) *AlpacaClient {
	return &AlpacaClient{
		apiKeyID:  apiKeyID,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *AlpacaClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindTransientBroker, "alpaca request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errs.Wrap(errs.KindTransientBroker, "read alpaca response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return respBody, resp.StatusCode, errs.New(errs.KindTransientBroker, fmt.Sprintf("alpaca %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, errs.New(errs.KindPermanentBroker, fmt.Sprintf("alpaca %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, resp.StatusCode, nil
}

type alpacaOrderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	AssetClass  string `json:"asset_class"`
}

type alpacaOrderResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FilledQty   string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledAt    string `json:"filled_at"`
}

func (c *AlpacaClient) PlaceLimitEntry(ctx context.Context, symbol string, qty int, price decimal.Decimal) (string, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	body := alpacaOrderRequest{
		Symbol: symbol, Qty: strconv.Itoa(qty), Side: "buy", Type: "limit",
		TimeInForce: "day", LimitPrice: price.String(), AssetClass: "option",
	}
	respBody, _, err := c.doRequest(ctx, "POST", "/v2/orders", body)
	if err != nil {
		return "", err
	}
	var order alpacaOrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	logger.Infof("broker: placed limit entry %s qty=%d price=%s -> order %s", symbol, qty, price.String(), order.ID)
	return order.ID, nil
}

func (c *AlpacaClient) PlaceStopExit(ctx context.Context, symbol string, qty int, stopPrice decimal.Decimal) (string, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	body := alpacaOrderRequest{
		Symbol: symbol, Qty: strconv.Itoa(qty), Side: "sell", Type: "stop",
		TimeInForce: "day", StopPrice: stopPrice.String(), AssetClass: "option",
	}
	respBody, _, err := c.doRequest(ctx, "POST", "/v2/orders", body)
	if err != nil {
		return "", err
	}
	var order alpacaOrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	return order.ID, nil
}

func (c *AlpacaClient) PlaceLimitExit(ctx context.Context, symbol string, qty int, price decimal.Decimal) (string, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	body := alpacaOrderRequest{
		Symbol: symbol, Qty: strconv.Itoa(qty), Side: "sell", Type: "limit",
		TimeInForce: "day", LimitPrice: price.String(), AssetClass: "option",
	}
	respBody, _, err := c.doRequest(ctx, "POST", "/v2/orders", body)
	if err != nil {
		return "", err
	}
	var order alpacaOrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	return order.ID, nil
}

func (c *AlpacaClient) PlaceMarketExit(ctx context.Context, symbol string, qty int) (string, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	body := alpacaOrderRequest{
		Symbol: symbol, Qty: strconv.Itoa(qty), Side: "sell", Type: "market",
		TimeInForce: "day", AssetClass: "option",
	}
	respBody, _, err := c.doRequest(ctx, "POST", "/v2/orders", body)
	if err != nil {
		return "", err
	}
	var order alpacaOrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	return order.ID, nil
}

func (c *AlpacaClient) Cancel(ctx context.Context, orderID string) error {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()
	_, _, err := c.doRequest(ctx, "DELETE", "/v2/orders/"+orderID, nil)
	return err
}

func (c *AlpacaClient) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	respBody, _, err := c.doRequest(ctx, "GET", "/v2/orders/"+orderID, nil)
	if err != nil {
		return OrderStatus{}, err
	}
	var order alpacaOrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return OrderStatus{}, fmt.Errorf("parse order status: %w", err)
	}

	status := OrderStatus{State: mapAlpacaOrderState(order.Status)}
	if order.FilledAvgPrice != "" {
		if p, err := decimal.NewFromString(order.FilledAvgPrice); err == nil {
			status.FilledPrice = p
		}
	}
	if order.FilledAt != "" {
		if t, err := time.Parse(time.RFC3339, order.FilledAt); err == nil {
			status.FilledAt = t
		}
	}
	return status, nil
}

func mapAlpacaOrderState(raw string) OrderState {
	switch raw {
	case "filled":
		return OrderFilled
	case "canceled", "cancelled":
		return OrderCancelled
	case "rejected":
		return OrderRejected
	case "expired":
		return OrderExpired
	default:
		return OrderWorking
	}
}

type alpacaChainEntry struct {
	Symbol string  `json:"symbol"`
	Strike string  `json:"strike_price"`
	Bid    string  `json:"bid_price"`
	Ask    string  `json:"ask_price"`
	Delta  float64 `json:"delta"`
}

type alpacaChainResponse struct {
	OptionContracts []alpacaChainEntry `json:"option_contracts"`
}

func (c *AlpacaClient) OptionChain(ctx context.Context, underlying string, optionType OptionType, strikeCount int, onlyToday bool) ([]ChainEntry, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	path := fmt.Sprintf("/v2/options/contracts?underlying_symbols=%s&type=%s&strike_count=%d", underlying, optionType, strikeCount)
	if onlyToday {
		today := time.Now().UTC().Format("2006-01-02")
		path += "&expiration_date=" + today
	}

	respBody, _, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var chain alpacaChainResponse
	if err := json.Unmarshal(respBody, &chain); err != nil {
		return nil, fmt.Errorf("parse option chain: %w", err)
	}

	out := make([]ChainEntry, 0, len(chain.OptionContracts))
	for _, e := range chain.OptionContracts {
		entry := ChainEntry{Symbol: e.Symbol, Delta: e.Delta}
		entry.Strike, _ = decimal.NewFromString(e.Strike)
		entry.Bid, _ = decimal.NewFromString(e.Bid)
		entry.Ask, _ = decimal.NewFromString(e.Ask)
		out = append(out, entry)
	}
	return out, nil
}

type alpacaQuoteResponse struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

func (c *AlpacaClient) EquityQuote(ctx context.Context, symbol string) (EquityQuote, error) {
	ctx, cancel := WithDefaultDeadline(ctx)
	defer cancel()

	respBody, _, err := c.doRequest(ctx, "GET", "/v2/stocks/"+symbol+"/quotes/latest", nil)
	if err != nil {
		return EquityQuote{}, err
	}
	var q alpacaQuoteResponse
	if err := json.Unmarshal(respBody, &q); err != nil {
		return EquityQuote{}, fmt.Errorf("parse equity quote: %w", err)
	}
	return EquityQuote{
		Last: decimal.NewFromFloat(q.Trade.Price),
		Bid:  decimal.NewFromFloat(q.Quote.BidPrice),
		Ask:  decimal.NewFromFloat(q.Quote.AskPrice),
	}, nil
}
