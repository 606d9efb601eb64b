package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const krakenPrefix = "/derivatives"

// KrakenClient implements the Client interface for Kraken Futures.
type KrakenClient struct {
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	now        func() time.Time
	lastNonce  atomic.Int64
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, cfg config.ExchangeConfig) *KrakenClient {
	return &KrakenClient{
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (k *KrakenClient) GetName() string {
	return "kraken"
}

// krakenSymbol maps a ticker to the multi-collateral perpetual, e.g. BTC -> PF_XBTUSD.
func krakenSymbol(ticker string) string {
	base := strings.ToUpper(ticker)
	if base == "BTC" {
		base = "XBT"
	}
	return "PF_" + base + "USD"
}

type krakenOrderbookResponse struct {
	Result    string `json:"result"`
	Error     string `json:"error"`
	OrderBook struct {
		Bids [][]decimal.Decimal `json:"bids"`
		Asks [][]decimal.Decimal `json:"asks"`
	} `json:"orderBook"`
}

// GetOrderbook fetches the public order book for ticker.
func (k *KrakenClient) GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error) {
	symbol := krakenSymbol(ticker)
	q := url.Values{}
	q.Set("symbol", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+krakenPrefix+"/api/v3/orderbook?"+q.Encode(), nil)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("kraken: build orderbook request: %w", err)
	}

	var resp krakenOrderbookResponse
	if err := doJSON(k.httpClient, req, &resp); err != nil {
		return model.OrderBook{}, fmt.Errorf("kraken: get orderbook %s: %w", symbol, err)
	}
	if resp.Result != "success" {
		return model.OrderBook{}, fmt.Errorf("kraken: get orderbook %s: %s", symbol, resp.Error)
	}
	return normalize(model.OrderBook{
		Venue:  k.GetName(),
		Symbol: symbol,
		Bids:   levelsFrom(resp.OrderBook.Bids),
		Asks:   levelsFrom(resp.OrderBook.Asks),
	}), nil
}

type krakenSendOrderResponse struct {
	Result     string `json:"result"`
	Error      string `json:"error"`
	SendStatus struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"sendStatus"`
}

// PlaceOrder sends an order. Post-only limits use orderType "post"; a post
// order that would take liquidity comes back with status postWouldExecute
// and is reported as ErrOrderRejected.
func (k *KrakenClient) PlaceOrder(ctx context.Context, order model.OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("symbol", krakenSymbol(order.Ticker))
	form.Set("side", strings.ToLower(string(order.Side)))
	form.Set("size", order.Quantity.String())
	form.Set("cliOrdId", uuid.New().String())
	switch {
	case order.Type == model.OrderTypeMarket:
		form.Set("orderType", "mkt")
	case order.PostOnly:
		form.Set("orderType", "post")
		form.Set("limitPrice", order.Price.String())
	default:
		form.Set("orderType", "lmt")
		form.Set("limitPrice", order.Price.String())
	}

	var resp krakenSendOrderResponse
	if err := k.signedRequest(ctx, http.MethodPost, "/api/v3/sendorder", form.Encode(), &resp); err != nil {
		return "", fmt.Errorf("kraken: place order: %w", err)
	}
	if resp.Result != "success" {
		return "", fmt.Errorf("kraken: place order: %w: %s", ErrOrderRejected, resp.Error)
	}
	if resp.SendStatus.Status != "placed" {
		return "", fmt.Errorf("kraken: place order: %w: status %s", ErrOrderRejected, resp.SendStatus.Status)
	}
	return resp.SendStatus.OrderID, nil
}

type krakenOpenPositionsResponse struct {
	Result        string `json:"result"`
	Error         string `json:"error"`
	OpenPositions []struct {
		Side   string          `json:"side"`
		Symbol string          `json:"symbol"`
		Size   decimal.Decimal `json:"size"`
	} `json:"openPositions"`
}

// GetPosition returns the signed net position; short positions are negative.
func (k *KrakenClient) GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	symbol := krakenSymbol(ticker)
	var resp krakenOpenPositionsResponse
	if err := k.signedRequest(ctx, http.MethodGet, "/api/v3/openpositions", "", &resp); err != nil {
		return decimal.Zero, fmt.Errorf("kraken: get position %s: %w", symbol, err)
	}
	if resp.Result != "success" {
		return decimal.Zero, fmt.Errorf("kraken: get position %s: %s", symbol, resp.Error)
	}
	net := decimal.Zero
	for _, p := range resp.OpenPositions {
		if !strings.EqualFold(p.Symbol, symbol) {
			continue
		}
		if p.Side == "short" {
			net = net.Sub(p.Size)
		} else {
			net = net.Add(p.Size)
		}
	}
	return net, nil
}

// nextNonce returns the current unix millis, bumped past the last nonce
// handed out so concurrent requests never share one.
func (k *KrakenClient) nextNonce() int64 {
	for {
		last := k.lastNonce.Load()
		next := max(k.now().UnixMilli(), last+1)
		if k.lastNonce.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (k *KrakenClient) signedRequest(ctx context.Context, method, path, postData string, out any) error {
	if k.apiKey == "" || k.apiSecret == "" {
		return ErrNoCredentials
	}
	nonce := strconv.FormatInt(k.nextNonce(), 10)
	authent, err := krakenAuthent(k.apiSecret, postData, nonce, path)
	if err != nil {
		return err
	}

	var req *http.Request
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, k.baseURL+krakenPrefix+path, strings.NewReader(postData))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, k.baseURL+krakenPrefix+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("APIKey", k.apiKey)
	req.Header.Set("Nonce", nonce)
	req.Header.Set("Authent", authent)

	return doJSON(k.httpClient, req, out)
}
