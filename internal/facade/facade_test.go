package facade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/internal/pull"
	"clobmm-core/internal/ratelimit"
	"clobmm-core/internal/store"
	"clobmm-core/pkg/types"
)

func newTestFacade(t *testing.T, handler http.HandlerFunc, staleThreshold time.Duration) (*Facade, *store.Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	s := store.New(store.Config{
		MaxTokens:      10,
		StaleThreshold: staleThreshold,
		DepthWindow:    decimal.NewFromFloat(0.05),
	}, clock.NewSystem())
	limiter := ratelimit.New(ratelimit.Config{
		GlobalMinInterval: time.Hour,
		PerKeyMinInterval: time.Hour,
		LockTimeout:       time.Hour,
	})
	p := pull.New(pull.Config{BaseURL: srv.URL, RequestTimeout: 2 * time.Second}, limiter, s)
	return New(s, p), s, srv
}

func TestGetOrderbookReturnsFreshPushWithoutPulling(t *testing.T) {
	t.Parallel()
	calls := 0
	f, s, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"bids":[{"price":"0.1","size":"1"}],"asks":[{"price":"0.9","size":"1"}]}`))
	}, time.Hour)
	defer srv.Close()

	s.UpdateFromPush("T1", []types.PriceLevel{{Price: decimal.NewFromFloat(0.45), Size: decimal.NewFromFloat(10)}},
		[]types.PriceLevel{{Price: decimal.NewFromFloat(0.55), Size: decimal.NewFromFloat(10)}})

	summary, ok := f.GetOrderbook(context.Background(), "T1")
	if !ok {
		t.Fatal("expected fresh push summary")
	}
	if summary.Source != types.SourcePush {
		t.Errorf("source = %s, want push", summary.Source)
	}
	if calls != 0 {
		t.Errorf("expected no pull calls for fresh data, got %d", calls)
	}
}

func TestGetOrderbookPullsWhenStale(t *testing.T) {
	t.Parallel()
	f, _, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"price":"0.49","size":"100"}],"asks":[{"price":"0.52","size":"100"}]}`))
	}, 0) // staleThreshold 0 → everything immediately stale
	defer srv.Close()

	summary, ok := f.GetOrderbook(context.Background(), "T1")
	if !ok {
		t.Fatal("expected pull to succeed")
	}
	if summary.Source != types.SourcePull {
		t.Errorf("source = %s, want pull", summary.Source)
	}
}

func TestGetOrderbookFallsBackToStaleCacheWhenPullRefused(t *testing.T) {
	t.Parallel()
	f, s, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"price":"0.49","size":"100"}],"asks":[{"price":"0.52","size":"100"}]}`))
	}, 0)
	defer srv.Close()

	// Seed a stale cached entry directly.
	s.UpdateFromPull("T1", []types.PriceLevel{{Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromFloat(10)}},
		[]types.PriceLevel{{Price: decimal.NewFromFloat(0.60), Size: decimal.NewFromFloat(10)}})

	// First call consumes the rate limiter's single slot (limiter has a
	// 1-hour min interval), so the entry becomes cached via pull.
	if _, ok := f.GetOrderbook(context.Background(), "T1"); !ok {
		t.Fatal("expected first call to succeed")
	}
	// Second call: still stale (threshold 0), pull refused by limiter →
	// stale_cache fallback using the just-cached entry.
	summary, ok := f.GetOrderbook(context.Background(), "T1")
	if !ok {
		t.Fatal("expected stale cache fallback to succeed")
	}
	if summary.Source != types.SourceStaleCache {
		t.Errorf("source = %s, want stale_cache", summary.Source)
	}
}

func TestGetOrderbookMissWhenNoDataAndPullFails(t *testing.T) {
	t.Parallel()
	f, _, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 0)
	defer srv.Close()

	_, ok := f.GetOrderbook(context.Background(), "ghost")
	if ok {
		t.Error("expected miss when no cache exists and pull fails")
	}
}

func TestMetricsSurfacesLatencyModeAndRateLimitHits(t *testing.T) {
	t.Parallel()
	f, _, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"price":"0.49","size":"100"}],"asks":[{"price":"0.52","size":"100"}]}`))
	}, 0) // staleThreshold 0 → everything immediately stale
	defer srv.Close()

	// First call consumes the rate limiter's single slot and records a pull
	// latency sample.
	if _, ok := f.GetOrderbook(context.Background(), "T1"); !ok {
		t.Fatal("expected first call to succeed")
	}
	// Second call: pull refused by the limiter, falls back to stale cache —
	// must not add another latency sample, but must count as a rate-limit hit.
	if _, ok := f.GetOrderbook(context.Background(), "T1"); !ok {
		t.Fatal("expected stale cache fallback to succeed")
	}

	m := f.Metrics()
	if m.RateLimitHits != 1 {
		t.Errorf("RateLimitHits = %d, want 1", m.RateLimitHits)
	}
	if m.AvgPullLatency <= 0 {
		t.Errorf("AvgPullLatency = %v, want > 0 after a real pull", m.AvgPullLatency)
	}
	if m.CurrentMode != store.ModePullOnly {
		t.Errorf("CurrentMode = %s, want %s (store never marked push-connected)", m.CurrentMode, store.ModePullOnly)
	}
}

func TestGetOrderbookBulkReturnsOnlySuccessful(t *testing.T) {
	t.Parallel()
	f, s, srv := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Hour)
	defer srv.Close()

	s.UpdateFromPush("T1", []types.PriceLevel{{Price: decimal.NewFromFloat(0.45), Size: decimal.NewFromFloat(10)}},
		[]types.PriceLevel{{Price: decimal.NewFromFloat(0.55), Size: decimal.NewFromFloat(10)}})

	results := f.GetOrderbookBulk(context.Background(), []types.TokenID{"T1", "ghost"})
	if len(results) != 1 {
		t.Fatalf("expected 1 successful result, got %d", len(results))
	}
	if _, ok := results["T1"]; !ok {
		t.Error("expected T1 to be present in bulk results")
	}
}
