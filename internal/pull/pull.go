// Package pull implements the Pull Fallback: an on-demand REST order-book
// fetch gated by the rate limiter, normalized the same way the Push
// Client normalizes streamed books, and written into the Market Data
// Store. It is grounded on the teacher's internal/exchange/client.go
// GetOrderBook (resty client with timeout + retry) but replaces the
// teacher's continuous TokenBucket gate with the single-flight
// try_acquire/release contract from internal/ratelimit.
package pull

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"clobmm-core/internal/normalize"
	"clobmm-core/internal/ratelimit"
	"clobmm-core/internal/store"
	"clobmm-core/pkg/types"
)

// Config bundles the Pull Fallback's tunables.
type Config struct {
	BaseURL      string
	RequestTimeout time.Duration
}

// Diagnostic is the structured record produced by every pull attempt.
type Diagnostic struct {
	RedactedURL    string
	StatusCode     int
	Latency        time.Duration
	RawLevelCount  int
	ValidLevelCount int
	TopBids        []types.PriceLevel
	TopAsks        []types.PriceLevel
	DustBook       bool
	CrossCheckLog  string
	MarketClosed   bool // 404: expected outcome, not a failure to log
	RateLimited    bool // 429: upstream throttled this request
	Err            error
}

// Fallback is the Pull Fallback component.
type Fallback struct {
	cfg     Config
	http    *resty.Client
	limiter *ratelimit.Limiter
	store   *store.Store
}

// New constructs a Pull Fallback.
func New(cfg Config, limiter *ratelimit.Limiter, s *store.Store) *Fallback {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout)
	return &Fallback{cfg: cfg, http: httpClient, limiter: limiter, store: s}
}

// bookResponse is the synchronous upstream's REST shape for an orderbook.
type bookResponse struct {
	Bids []types.WirePrice `json:"bids"`
	Asks []types.WirePrice `json:"asks"`
}

// Fetch attempts to acquire the rate limiter for token and, if acquired,
// fetches, normalizes, and writes its book into the Store. It always
// releases the limiter on exit. ok is false if the limiter refused, the
// fetch failed, or the parsed book had an empty side.
func (f *Fallback) Fetch(ctx context.Context, token types.TokenID) (diag Diagnostic, ok bool) {
	key := string(token)
	if !f.limiter.TryAcquire(key) {
		return Diagnostic{}, false
	}
	defer f.limiter.Release(key)

	start := time.Now()
	var result bookResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", key).
		SetResult(&result).
		Get("/book")
	latency := time.Since(start)

	diag = Diagnostic{
		RedactedURL: redactURL(f.cfg.BaseURL + "/book"),
		Latency:     latency,
	}
	if resp != nil {
		diag.StatusCode = resp.StatusCode()
	}
	if err != nil {
		diag.Err = fmt.Errorf("get book: %w", err)
		return diag, false
	}
	switch resp.StatusCode() {
	case 200:
		// fall through to parsing below
	case 404:
		// Market closed/unknown token: an expected, non-error outcome —
		// no diag.Err, so callers don't log it as a failure.
		diag.MarketClosed = true
		return diag, false
	case 429:
		diag.RateLimited = true
		diag.Err = fmt.Errorf("get book: rate limited (429)")
		return diag, false
	default:
		diag.Err = fmt.Errorf("get book: status %d", resp.StatusCode())
		return diag, false
	}

	diag.RawLevelCount = len(result.Bids) + len(result.Asks)
	bids, droppedBids := normalize.Levels(result.Bids)
	asks, droppedAsks := normalize.Levels(result.Asks)
	normalize.SortBids(bids)
	normalize.SortAsks(asks)
	diag.ValidLevelCount = len(bids) + len(asks)
	_ = droppedBids
	_ = droppedAsks

	diag.TopBids = topN(bids, 3)
	diag.TopAsks = topN(asks, 3)

	if len(bids) == 0 || len(asks) == 0 {
		diag.Err = fmt.Errorf("empty book after parse")
		return diag, false
	}

	book := types.L2Book{TokenID: token, Bids: bids, Asks: asks}
	if normalize.IsCrossed(book) {
		diag.Err = fmt.Errorf("crossed book from upstream")
		return diag, false
	}

	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()
	diag.DustBook = isDust(bestBid, bestAsk)
	if diag.DustBook {
		prev, hasPrev := f.store.Get(token)
		if hasPrev {
			diag.CrossCheckLog = fmt.Sprintf(
				"dust detected: pull bid=%s ask=%s vs store bid=%s ask=%s source=%s",
				bestBid, bestAsk, prev.BestBid, prev.BestAsk, prev.Source)
		} else {
			diag.CrossCheckLog = fmt.Sprintf("dust detected: pull bid=%s ask=%s, no prior store entry", bestBid, bestAsk)
		}
	}

	f.store.UpdateFromPull(token, bids, asks)
	return diag, true
}

// isDust flags a book whose best bid/ask sit at the price-space floor and
// ceiling — i.e. no meaningful tradeable liquidity, since prices live in
// (0,1).
func isDust(bestBid, bestAsk decimal.Decimal) bool {
	floor := decimal.NewFromFloat(0.01)
	ceiling := decimal.NewFromFloat(0.99)
	return bestBid.LessThanOrEqual(floor) && bestAsk.GreaterThanOrEqual(ceiling)
}

func topN(levels []types.PriceLevel, n int) []types.PriceLevel {
	if len(levels) <= n {
		return levels
	}
	return levels[:n]
}

// redactURL strips query parameters (which may carry the token id) to
// keep diagnostics free of anything resembling a secret or identifier the
// spec says should only ever be logged as a short prefix.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.RawQuery = ""
	return u.String()
}

// Cleanup forwards to the underlying limiter's periodic stale-entry
// cleanup; intended to be invoked on a ticker by the owner.
func (f *Fallback) Cleanup() {
	f.limiter.Cleanup()
}

// RefusedCount forwards the underlying limiter's cumulative refused-
// TryAcquire count, surfaced by the Facade as its rate-limit-hits metric.
func (f *Fallback) RefusedCount() int64 {
	return f.limiter.RefusedCount()
}
