// Package facade implements the Market Data Facade: the single read API
// composing the Market Data Store and Pull Fallback, hiding the choice
// between a fresh push snapshot, an on-demand pull refresh, and a stale
// cached snapshot from callers. It is grounded on the hot/warm tier split
// in the cryptorun DataFacade reference (other_examples), adapted from a
// multi-venue streaming/REST facade down to this module's single-exchange
// push/pull/stale_cache shape.
package facade

import (
	"context"
	"sync"
	"time"

	"clobmm-core/internal/pull"
	"clobmm-core/internal/store"
	"clobmm-core/pkg/types"
)

// Facade is the Market Data Facade.
type Facade struct {
	store *store.Store
	pull  *pull.Fallback

	mu             sync.Mutex
	pushHits       int64
	pullHits       int64
	staleCacheHits int64
	misses         int64
	pullLatencySum time.Duration
	pullLatencyN   int64
}

// New constructs a Facade over s and p.
func New(s *store.Store, p *pull.Fallback) *Facade {
	return &Facade{store: s, pull: p}
}

// GetOrderbook returns token's current summary, choosing a fresh push
// snapshot, a pull refresh, or a stale cached snapshot per the algorithm
// described in the package doc. ok is false only when no data exists and
// a pull either was refused or failed.
func (f *Facade) GetOrderbook(ctx context.Context, token types.TokenID) (types.TokenSummary, bool) {
	if summary, ok := f.store.Get(token); ok && !f.store.IsStale(token) {
		f.mu.Lock()
		f.pushHits++
		f.mu.Unlock()
		return summary, true
	}

	diag, fetched := f.pull.Fetch(ctx, token)
	// diag.RedactedURL is only set once the limiter has granted the call and
	// an HTTP round trip was attempted; a limiter refusal returns a zero
	// Diagnostic with no Latency to average in.
	if diag.RedactedURL != "" {
		f.mu.Lock()
		f.pullLatencySum += diag.Latency
		f.pullLatencyN++
		f.mu.Unlock()
	}
	if fetched {
		summary, ok := f.store.Get(token)
		f.mu.Lock()
		f.pullHits++
		f.mu.Unlock()
		return summary, ok
	}

	// Either the limiter refused the pull, or the fetch failed: fall back
	// to whatever is cached, stale or not.
	if summary, ok := f.store.Get(token); ok {
		f.mu.Lock()
		f.staleCacheHits++
		f.mu.Unlock()
		summary.Source = types.SourceStaleCache
		return summary, true
	}

	f.mu.Lock()
	f.misses++
	f.mu.Unlock()
	return types.TokenSummary{}, false
}

// DetailedOrderbook runs GetOrderbook and, on success, also returns the
// L2 snapshot and its age.
func (f *Facade) DetailedOrderbook(ctx context.Context, token types.TokenID) (summary types.TokenSummary, book types.L2Book, age time.Duration, ok bool) {
	summary, ok = f.GetOrderbook(ctx, token)
	if !ok {
		return types.TokenSummary{}, types.L2Book{}, 0, false
	}
	book, _ = f.store.GetBook(token)
	age = f.store.Age(token)
	return summary, book, age, true
}

// BestBid is a convenience wrapper over GetOrderbook.
func (f *Facade) BestBid(ctx context.Context, token types.TokenID) (decimalString string, ok bool) {
	summary, ok := f.GetOrderbook(ctx, token)
	if !ok {
		return "", false
	}
	return summary.BestBid.String(), true
}

// BestAsk is a convenience wrapper over GetOrderbook.
func (f *Facade) BestAsk(ctx context.Context, token types.TokenID) (decimalString string, ok bool) {
	summary, ok := f.GetOrderbook(ctx, token)
	if !ok {
		return "", false
	}
	return summary.BestAsk.String(), true
}

// Mid is a convenience wrapper over GetOrderbook.
func (f *Facade) Mid(ctx context.Context, token types.TokenID) (decimalString string, ok bool) {
	summary, ok := f.GetOrderbook(ctx, token)
	if !ok {
		return "", false
	}
	return summary.Mid.String(), true
}

// BulkResult pairs a token with its lookup outcome for GetOrderbookBulk.
type BulkResult struct {
	Summary types.TokenSummary
	OK      bool
}

// GetOrderbookBulk runs GetOrderbook concurrently across tokens and
// returns a map of the successful results only.
func (f *Facade) GetOrderbookBulk(ctx context.Context, tokens []types.TokenID) map[types.TokenID]types.TokenSummary {
	type pair struct {
		token   types.TokenID
		summary types.TokenSummary
		ok      bool
	}
	results := make(chan pair, len(tokens))

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token types.TokenID) {
			defer wg.Done()
			summary, ok := f.GetOrderbook(ctx, token)
			results <- pair{token: token, summary: summary, ok: ok}
		}(token)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[types.TokenID]types.TokenSummary, len(tokens))
	for p := range results {
		if p.ok {
			out[p.token] = p.summary
		}
	}
	return out
}

// Metrics bundles the Facade's cumulative counters.
type Metrics struct {
	PushHits       int64
	PullHits       int64
	StaleCacheHits int64
	Misses         int64
	RateLimitHits  int64
	AvgPullLatency time.Duration
	CurrentMode    store.Mode
}

// Metrics returns the Facade's cumulative counters.
func (f *Facade) Metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := Metrics{
		PushHits:       f.pushHits,
		PullHits:       f.pullHits,
		StaleCacheHits: f.staleCacheHits,
		Misses:         f.misses,
		RateLimitHits:  f.pull.RefusedCount(),
		CurrentMode:    f.store.Mode(),
	}
	if f.pullLatencyN > 0 {
		m.AvgPullLatency = f.pullLatencySum / time.Duration(f.pullLatencyN)
	}
	return m
}
