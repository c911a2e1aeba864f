package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/pkg/types"
)

type fakeReader struct {
	mu           sync.Mutex
	collateral   decimal.Decimal
	collErr      error
	gas          decimal.Decimal
	gasErr       error
	calls        int
}

func (f *fakeReader) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.collErr != nil {
		return decimal.Zero, f.collErr
	}
	return f.collateral, nil
}

func (f *fakeReader) NativeBalance(ctx context.Context) (decimal.Decimal, error) {
	if f.gasErr != nil {
		return decimal.Zero, f.gasErr
	}
	return f.gas, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type manualClock struct {
	mu sync.Mutex
	ms int64
}

func (c *manualClock) NowMs() int64   { c.mu.Lock(); defer c.mu.Unlock(); return c.ms }
func (c *manualClock) Now() time.Time { return time.UnixMilli(c.NowMs()) }
func (c *manualClock) NewTimer(d time.Duration, fn func()) clock.Timer {
	panic("not used by balance tests")
}
func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.ms += d.Milliseconds()
	c.mu.Unlock()
}

func TestGetFetchesOnFirstCall(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	c := New(Config{RefreshInterval: time.Minute}, r, &manualClock{})
	snap := c.Get(context.Background())
	if !snap.LastFetchSucceeded {
		t.Fatal("expected first fetch to succeed")
	}
	if !snap.Collateral.Equal(decimal.NewFromInt(100)) {
		t.Errorf("collateral = %s, want 100", snap.Collateral)
	}
}

func TestGetReturnsCachedValueWithinRefreshInterval(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	mc := &manualClock{}
	c := New(Config{RefreshInterval: time.Minute}, r, mc)
	c.Get(context.Background())
	mc.advance(30 * time.Second)
	c.Get(context.Background())
	if r.callCount() != 1 {
		t.Errorf("expected cached value to avoid a second RPC pair, calls = %d", r.callCount())
	}
}

func TestGetRefetchesAfterRefreshInterval(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	mc := &manualClock{}
	c := New(Config{RefreshInterval: time.Minute}, r, mc)
	c.Get(context.Background())
	mc.advance(2 * time.Minute)
	c.Get(context.Background())
	if r.callCount() != 2 {
		t.Errorf("expected refresh after interval elapsed, calls = %d", r.callCount())
	}
}

func TestFailedFetchKeepsPriorValueAndMarksFailure(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	mc := &manualClock{}
	c := New(Config{RefreshInterval: time.Minute}, r, mc)
	c.Get(context.Background())

	mc.advance(2 * time.Minute)
	r.collErr = errors.New("rpc timeout")
	snap := c.Get(context.Background())

	if snap.LastFetchSucceeded {
		t.Error("expected failed sub-read to mark LastFetchSucceeded=false")
	}
	if !snap.Collateral.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected prior collateral retained, got %s", snap.Collateral)
	}
}

func TestFailedFetchWithNoPriorValueStoresZero(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collErr: errors.New("rpc down"), gas: decimal.NewFromInt(1)}
	c := New(Config{RefreshInterval: time.Minute}, r, &manualClock{})
	snap := c.Get(context.Background())
	if snap.LastFetchSucceeded {
		t.Error("expected failure to be marked")
	}
	if !snap.Collateral.IsZero() {
		t.Errorf("expected zero collateral with no prior value, got %s", snap.Collateral)
	}
}

func TestConcurrentGetsCoalesceToOneFetch(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	c := New(Config{RefreshInterval: time.Hour}, r, &manualClock{})

	var wg sync.WaitGroup
	results := make([]types.BalanceSnapshot, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background())
		}(i)
	}
	wg.Wait()

	if r.callCount() != 1 {
		t.Errorf("expected exactly one RPC pair under concurrency, calls = %d", r.callCount())
	}
	for _, res := range results {
		if !res.Collateral.Equal(decimal.NewFromInt(100)) {
			t.Errorf("expected all concurrent callers to see the coalesced result, got %s", res.Collateral)
		}
	}
}

func TestForceRefreshInvalidatesAndRefetches(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	c := New(Config{RefreshInterval: time.Hour}, r, &manualClock{})
	c.Get(context.Background())

	r.collateral = decimal.NewFromInt(200)
	snap := c.ForceRefresh(context.Background())
	if !snap.Collateral.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected force refresh to fetch new value, got %s", snap.Collateral)
	}
	if r.callCount() != 2 {
		t.Errorf("expected 2 total RPC pairs, got %d", r.callCount())
	}
}

func TestLastIsPureReadWithNoIO(t *testing.T) {
	t.Parallel()
	r := &fakeReader{collateral: decimal.NewFromInt(100), gas: decimal.NewFromInt(1)}
	c := New(Config{RefreshInterval: time.Hour}, r, &manualClock{})
	if snap := c.Last(); snap.FetchedAtMs != 0 {
		t.Errorf("expected zero-value snapshot before any fetch, got %+v", snap)
	}
	c.Get(context.Background())
	callsBefore := r.callCount()
	c.Last()
	if r.callCount() != callsBefore {
		t.Error("expected Last() to perform no I/O")
	}
}
