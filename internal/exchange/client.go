package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrOrderRejected is returned when a venue refuses an order, including
	// post-only orders that would have crossed the book.
	ErrOrderRejected = errors.New("order rejected")
	// ErrNoCredentials is returned by private endpoints when no API key is configured.
	ErrNoCredentials = errors.New("missing api credentials")
	// ErrNoData is returned when a venue has not produced a book yet.
	ErrNoData = errors.New("no market data")
)

// Client defines the standard interface for all exchange clients.
// Each method is a self-contained request and is safe for concurrent use.
type Client interface {
	GetName() string
	GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
	GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Streamer is implemented by clients that keep their book current from a
// push feed. StartStream blocks until ctx is cancelled.
type Streamer interface {
	StartStream(ctx context.Context, ticker string) error
}

// levelsFrom converts raw [price, size] pairs, skipping malformed rows.
func levelsFrom(raw [][]decimal.Decimal) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		out = append(out, model.PriceLevel{Price: row[0], Size: row[1]})
	}
	return out
}

// normalize sorts bids descending and asks ascending so BestBid/BestAsk
// always read the top of book, whatever order the venue used.
func normalize(book model.OrderBook) model.OrderBook {
	sort.SliceStable(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.SliceStable(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book
}

// doJSON executes req and decodes a 2xx JSON body into out. Non-2xx
// responses are returned as errors carrying the (truncated) body.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > 512 {
			body = body[:512]
		}
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// HTTPError is a non-2xx response from a venue.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}
