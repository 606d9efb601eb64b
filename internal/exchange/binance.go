package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// BinanceClient implements the Client interface for Binance USDⓈ-M futures.
type BinanceClient struct {
	logger     *slog.Logger
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	depthLimit int
	recvWindow int
	stream     bool
	httpClient *http.Client
	now        func() time.Time

	mu       sync.RWMutex
	streamed map[string]model.OrderBook
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, cfg config.ExchangeConfig) *BinanceClient {
	depth := cfg.DepthLimit
	if depth <= 0 {
		depth = 5
	}
	return &BinanceClient{
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:      strings.TrimRight(cfg.WSURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		depthLimit: depth,
		recvWindow: cfg.RecvWindow,
		stream:     cfg.Stream,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		streamed:   make(map[string]model.OrderBook),
	}
}

func (b *BinanceClient) GetName() string {
	return "binance"
}

// binanceSymbol maps a ticker such as BTC to the perpetual symbol BTCUSDT.
func binanceSymbol(ticker string) string {
	return strings.ToUpper(ticker) + "USDT"
}

type binanceDepth struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
}

// GetOrderbook returns the top of the book. With streaming enabled it serves
// the latest websocket snapshot instead of issuing a REST request; that
// snapshot keeps the time it was received in FetchedAt and is dropped once
// the stream is interrupted.
func (b *BinanceClient) GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error) {
	symbol := binanceSymbol(ticker)
	if b.stream {
		b.mu.RLock()
		book, ok := b.streamed[symbol]
		b.mu.RUnlock()
		if !ok {
			return model.OrderBook{}, fmt.Errorf("binance: %s: %w", symbol, ErrNoData)
		}
		return book, nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(b.depthLimit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/fapi/v1/depth?"+q.Encode(), nil)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("binance: build depth request: %w", err)
	}

	var depth binanceDepth
	if err := doJSON(b.httpClient, req, &depth); err != nil {
		return model.OrderBook{}, fmt.Errorf("binance: get orderbook %s: %w", symbol, err)
	}
	return normalize(model.OrderBook{
		Venue:  b.GetName(),
		Symbol: symbol,
		Bids:   levelsFrom(depth.Bids),
		Asks:   levelsFrom(depth.Asks),
	}), nil
}

type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// PlaceOrder submits a signed order. Post-only limits use timeInForce GTX;
// Binance answers a crossing GTX order with status EXPIRED, which is
// reported as ErrOrderRejected.
func (b *BinanceClient) PlaceOrder(ctx context.Context, order model.OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(order.Ticker))
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newClientOrderId", uuid.New().String())
	if order.Type == model.OrderTypeLimit {
		params.Set("price", order.Price.String())
		if order.PostOnly {
			params.Set("timeInForce", "GTX")
		} else {
			params.Set("timeInForce", "GTC")
		}
	}

	var resp binanceOrderResponse
	if err := b.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return "", fmt.Errorf("binance: place order: %w", err)
	}
	if resp.Status == "EXPIRED" || resp.Status == "REJECTED" {
		return "", fmt.Errorf("binance: place order: %w: status %s", ErrOrderRejected, resp.Status)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

type binancePosition struct {
	Symbol      string          `json:"symbol"`
	PositionAmt decimal.Decimal `json:"positionAmt"`
}

// GetPosition returns the signed net position. In hedge mode the LONG and
// SHORT entries are summed.
func (b *BinanceClient) GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	symbol := binanceSymbol(ticker)
	params := url.Values{}
	params.Set("symbol", symbol)

	var positions []binancePosition
	if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &positions); err != nil {
		return decimal.Zero, fmt.Errorf("binance: get position %s: %w", symbol, err)
	}
	net := decimal.Zero
	for _, p := range positions {
		if p.Symbol == symbol {
			net = net.Add(p.PositionAmt)
		}
	}
	return net, nil
}

func (b *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if b.apiKey == "" || b.apiSecret == "" {
		return ErrNoCredentials
	}
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	if b.recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(b.recvWindow))
	}
	query := params.Encode()
	query += "&signature=" + binanceSignature(b.apiSecret, query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	if err := doJSON(b.httpClient, req, out); err != nil {
		var httpErr *HTTPError
		if method == http.MethodPost && errors.As(err, &httpErr) && httpErr.Status < 500 {
			return fmt.Errorf("%w: %s", ErrOrderRejected, httpErr.Body)
		}
		return err
	}
	return nil
}

type binanceDepthEvent struct {
	Symbol string              `json:"s"`
	Bids   [][]decimal.Decimal `json:"b"`
	Asks   [][]decimal.Decimal `json:"a"`
}

// StartStream connects to the partial-depth websocket stream for ticker and
// keeps the latest snapshot for GetOrderbook. It reconnects with exponential
// backoff and returns nil once ctx is cancelled. With streaming disabled it
// returns at once.
func (b *BinanceClient) StartStream(ctx context.Context, ticker string) error {
	if !b.stream {
		return nil
	}
	symbol := binanceSymbol(ticker)
	wsURL := fmt.Sprintf("%s/%s@depth%d@100ms", b.wsURL, strings.ToLower(symbol), b.depthLimit)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			b.logger.Info("BinanceClient: context cancelled, shutting down")
			return nil
		}

		b.logger.Info("BinanceClient: connecting to WebSocket", "url", wsURL, "backoff", backoff)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			b.logger.Error("BinanceClient: WebSocket connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 16*time.Second {
					backoff = 16 * time.Second
				}
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		b.logger.Info("BinanceClient: connected successfully")

		err = b.readDepth(ctx, c, symbol)
		b.mu.Lock()
		delete(b.streamed, symbol)
		b.mu.Unlock()
		if err != nil {
			b.logger.Error("BinanceClient: stream interrupted", "error", err)
		}
	}
}

func (b *BinanceClient) readDepth(ctx context.Context, c *websocket.Conn, symbol string) error {
	defer c.Close()

	// ReadMessage does not observe ctx, so closing the conn unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev binanceDepthEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn("BinanceClient: failed to parse message", "error", err)
			continue
		}

		book := normalize(model.OrderBook{
			Venue:  b.GetName(),
			Symbol: symbol,
			Bids:   levelsFrom(ev.Bids),
			Asks:   levelsFrom(ev.Asks),
		})
		book.FetchedAt = b.now()
		b.mu.Lock()
		b.streamed[symbol] = book
		b.mu.Unlock()
		b.logger.Debug("BinanceClient: depth update", "symbol", symbol, "bids", len(book.Bids), "asks", len(book.Asks))
	}
}
