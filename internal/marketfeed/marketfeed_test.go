package marketfeed

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/internal/store"
	"clobmm-core/pkg/types"
)

func newTestClient() *Client {
	s := store.New(store.Config{
		MaxTokens:      100,
		StaleThreshold: time.Minute,
		DepthWindow:    decimal.NewFromFloat(0.05),
	}, clock.NewSystem())
	return New(Config{
		PingInterval:            50 * time.Second,
		PongTimeout:             10 * time.Second,
		ReconnectBase:           time.Second,
		ReconnectMax:            30 * time.Second,
		StableConnectionElapsed: time.Minute,
		WriteTimeout:            10 * time.Second,
	}, s, clock.NewSystem(), slog.Default())
}

func wp(price, size string) types.WirePrice { return types.WirePrice{Price: price, Size: size} }

func TestApplyBookWritesSnapshotToStore(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.applyBook(types.WSBookEvent{
		EventType: "book",
		AssetID:   "T1",
		Bids:      []types.WirePrice{wp("0.45", "10")},
		Asks:      []types.WirePrice{wp("0.55", "10")},
	})
	summary, ok := c.store.Get("T1")
	if !ok {
		t.Fatal("expected book event to write a summary")
	}
	if !summary.BestBid.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("best bid = %s, want 0.45", summary.BestBid)
	}
}

func TestPriceChangeIgnoredWithoutPriorBook(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.applyPriceChange(types.WSPriceChangeEvent{
		EventType: "price_change",
		AssetID:   "T1",
		Changes:   []types.WSPriceChange{{Price: "0.45", Size: "10", Side: "BUY"}},
	})
	if c.store.Has("T1") {
		t.Error("expected delta with no prior snapshot to be dropped")
	}
}

func TestPriceChangeAppliesAfterBook(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.applyBook(types.WSBookEvent{
		AssetID: "T1",
		Bids:    []types.WirePrice{wp("0.45", "10")},
		Asks:    []types.WirePrice{wp("0.55", "10")},
	})
	c.applyPriceChange(types.WSPriceChangeEvent{
		AssetID: "T1",
		Changes: []types.WSPriceChange{{Price: "0.46", Size: "5", Side: "BUY"}},
	})
	summary, _ := c.store.Get("T1")
	if !summary.BestBid.Equal(decimal.NewFromFloat(0.46)) {
		t.Errorf("best bid after delta = %s, want 0.46", summary.BestBid)
	}
}

func TestPriceChangeDeletesLevelOnZeroSize(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.applyBook(types.WSBookEvent{
		AssetID: "T1",
		Bids:    []types.WirePrice{wp("0.45", "10"), wp("0.40", "5")},
		Asks:    []types.WirePrice{wp("0.55", "10")},
	})
	c.applyPriceChange(types.WSPriceChangeEvent{
		AssetID: "T1",
		Changes: []types.WSPriceChange{{Price: "0.45", Size: "0", Side: "BUY"}},
	})
	summary, _ := c.store.Get("T1")
	if !summary.BestBid.Equal(decimal.NewFromFloat(0.40)) {
		t.Errorf("best bid after deletion = %s, want 0.40", summary.BestBid)
	}
}

func TestPriceChangeEmptyingOneSideDropsDeltaMapsAndDoesNotWriteCrossedBook(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.applyBook(types.WSBookEvent{
		AssetID: "T1",
		Bids:    []types.WirePrice{wp("0.45", "10")},
		Asks:    []types.WirePrice{wp("0.55", "10")},
	})
	c.applyPriceChange(types.WSPriceChangeEvent{
		AssetID: "T1",
		Changes: []types.WSPriceChange{{Price: "0.45", Size: "0", Side: "BUY"}},
	})
	// Store must retain the last valid snapshot, not a one-sided book.
	summary, ok := c.store.Get("T1")
	if !ok {
		t.Fatal("expected prior snapshot to remain")
	}
	if !summary.BestBid.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("expected stale snapshot retained, best bid = %s", summary.BestBid)
	}

	c.mu.Lock()
	_, stillPrimed := c.deltas["T1"]
	c.mu.Unlock()
	if stillPrimed {
		t.Error("expected delta maps to be dropped after a side emptied")
	}

	// A subsequent delta without a fresh book must be dropped, not applied.
	c.applyPriceChange(types.WSPriceChangeEvent{
		AssetID: "T1",
		Changes: []types.WSPriceChange{{Price: "0.50", Size: "1", Side: "BUY"}},
	})
	summary2, _ := c.store.Get("T1")
	if !summary2.BestBid.Equal(decimal.NewFromFloat(0.45)) {
		t.Error("expected delta after re-prime-drop to be ignored")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	base := time.Second
	max := 30 * time.Second
	d1 := backoffDelay(base, max, 1)
	if d1 < base || d1 > time.Duration(float64(base)*1.3) {
		t.Errorf("attempt 1 delay = %v, want ~%v", d1, base)
	}
	d6 := backoffDelay(base, max, 6) // 1*2^5=32s, capped to 30s plus jitter
	if d6 < max {
		t.Errorf("attempt 6 delay = %v, want at least base max %v", d6, max)
	}
	if d6 > time.Duration(float64(max)*1.3)+time.Millisecond {
		t.Errorf("attempt 6 delay = %v, exceeds max*1.3", d6)
	}
}

func TestSubscribeBuffersWhileDisconnected(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.Subscribe([]types.TokenID{"T1", "T2"})
	c.mu.Lock()
	_, pendingT1 := c.pendingSub["T1"]
	subscribedCount := len(c.subs)
	c.mu.Unlock()
	if !pendingT1 {
		t.Error("expected T1 to be buffered in pendingSub while disconnected")
	}
	if subscribedCount != 2 {
		t.Errorf("expected 2 subscriptions tracked, got %d", subscribedCount)
	}
}

func TestHandleMessageCountsSubscribeAcks(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	c.handleMessage([]byte(`{"type":"subscribed","assets_ids":["T1","T2"]}`))
	c.handleMessage([]byte(`{"type":"unsubscribed","assets_ids":["T1"]}`))
	acks, _, _ := c.Metrics()
	if acks != 2 {
		t.Errorf("subscribeAcks = %d, want 2", acks)
	}
}
