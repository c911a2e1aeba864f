// Package store implements the Market Data Store: the authoritative,
// concurrency-safe, in-memory container for per-token summaries and L2
// snapshots, bounded by an LRU and tagged with push/pull provenance. It
// generalizes the teacher's internal/market/book.go (a plain map guarded
// by a single RWMutex) with the capacity/eviction and mode-tracking
// contract the spec requires; no third-party library in the retrieved
// pack offers an LRU, so eviction is hand-rolled over the standard
// library's container/list — the one stdlib-by-necessity exception noted
// in DESIGN.md.
package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/internal/normalize"
	"clobmm-core/pkg/types"
)

// Mode describes how the engine is currently sourcing market data,
// derived purely from the push-connected flag and the count of stale
// entries.
type Mode string

const (
	ModePushOK           Mode = "push_ok"
	ModePushStaleFallback Mode = "push_stale_fallback"
	ModePullOnly         Mode = "pull_only"
)

// Config bundles the Store's tuning knobs.
type Config struct {
	MaxTokens      int
	StaleThreshold time.Duration
	// DepthWindow is the price-unit half-width around mid used for depth
	// computation: w/100 where w is the configured window in cents (e.g.
	// a 2-cent window is expressed here as 0.02).
	DepthWindow decimal.Decimal
}

type record struct {
	summary types.TokenSummary
	book    types.L2Book
	elem    *list.Element
}

// Store is the Market Data Store. Zero value is not usable; use New.
type Store struct {
	mu sync.RWMutex

	cfg   Config
	clock clock.Clock

	records map[types.TokenID]*record
	lru     *list.List // front = most recently touched

	pushConnected bool
	pushCount     int64
	pullCount     int64
}

// New constructs a Store with the given config and clock.
func New(cfg Config, c clock.Clock) *Store {
	return &Store{
		cfg:     cfg,
		clock:   c,
		records: make(map[types.TokenID]*record),
		lru:     list.New(),
	}
}

// touch moves token to the front of the LRU list. Caller holds the lock.
func (s *Store) touch(token types.TokenID, r *record) {
	if r.elem != nil {
		s.lru.MoveToFront(r.elem)
		return
	}
	r.elem = s.lru.PushFront(token)
}

// Get returns the current summary for token, touching its LRU position.
func (s *Store) Get(token types.TokenID) (types.TokenSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[token]
	if !ok {
		return types.TokenSummary{}, false
	}
	s.touch(token, r)
	return r.summary, true
}

// GetBook returns the current L2 snapshot for token, touching its LRU
// position.
func (s *Store) GetBook(token types.TokenID) (types.L2Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[token]
	if !ok {
		return types.L2Book{}, false
	}
	s.touch(token, r)
	return r.book, true
}

// IsStale reports true if token is absent or its summary is older than
// the configured stale threshold.
func (s *Store) IsStale(token types.TokenID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[token]
	if !ok {
		return true
	}
	age := s.clock.NowMs() - r.summary.UpdatedAtMs
	return age >= s.cfg.StaleThreshold.Milliseconds()
}

// Has reports whether token currently has a record, without touching LRU.
func (s *Store) Has(token types.TokenID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[token]
	return ok
}

// Age returns how long ago token's summary was last written, or
// time.Duration(math.MaxInt64) (effectively infinite) if absent.
func (s *Store) Age(token types.TokenID) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[token]
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(s.clock.NowMs()-r.summary.UpdatedAtMs) * time.Millisecond
}

// UpdateFromPush upserts token's book from a push-originated, already
// normalized bid/ask pair. See UpdateFromPull for the shared contract;
// this variant tags source=push and bumps the push counter.
func (s *Store) UpdateFromPush(token types.TokenID, bids, asks []types.PriceLevel) bool {
	return s.update(token, bids, asks, types.SourcePush)
}

// UpdateFromPull is UpdateFromPush's pull-originated counterpart: tags
// source=pull and bumps the pull counter.
func (s *Store) UpdateFromPull(token types.TokenID, bids, asks []types.PriceLevel) bool {
	return s.update(token, bids, asks, types.SourcePull)
}

func (s *Store) update(token types.TokenID, bids, asks []types.PriceLevel, source types.DataSource) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}

	book := types.L2Book{TokenID: token, Bids: bids, Asks: asks}
	if normalize.IsCrossed(book) {
		return false
	}

	summary := s.computeSummary(token, book, source)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[token]
	if exists {
		sameBest := r.summary.BestBid.Equal(summary.BestBid) &&
			r.summary.BestAsk.Equal(summary.BestAsk) &&
			r.summary.Source == source
		if sameBest {
			// Deduped repeat: only the timestamp and LRU position move.
			// Counters() must reflect real writes, not touches.
			r.summary.UpdatedAtMs = summary.UpdatedAtMs
			s.touch(token, r)
			return false
		}
	} else {
		r = &record{}
		s.records[token] = r
	}

	r.summary = summary
	r.book = book
	s.touch(token, r)
	s.bumpCounter(source)
	s.evictIfNeeded()
	return true
}

func (s *Store) bumpCounter(source types.DataSource) {
	if source == types.SourcePush {
		s.pushCount++
	} else {
		s.pullCount++
	}
}

func (s *Store) computeSummary(token types.TokenID, book types.L2Book, source types.DataSource) types.TokenSummary {
	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	spreadCents := bestAsk.Sub(bestBid).Mul(decimal.NewFromInt(100))

	bidDepth := normalize.DepthWithin(book.Bids, mid, s.cfg.DepthWindow)
	askDepth := normalize.DepthWithin(book.Asks, mid, s.cfg.DepthWindow)

	return types.TokenSummary{
		TokenID:     token,
		BestBid:     bestBid,
		BestAsk:     bestAsk,
		Mid:         mid,
		SpreadCents: spreadCents,
		BidDepth:    bidDepth,
		AskDepth:    askDepth,
		UpdatedAtMs: s.clock.NowMs(),
		Source:      source,
	}
}

// evictIfNeeded drops the least-recently-touched record until size is
// within MaxTokens. Caller holds the lock. A MaxTokens <= 0 disables
// eviction.
func (s *Store) evictIfNeeded() {
	if s.cfg.MaxTokens <= 0 {
		return
	}
	for len(s.records) > s.cfg.MaxTokens {
		back := s.lru.Back()
		if back == nil {
			return
		}
		token := back.Value.(types.TokenID)
		s.lru.Remove(back)
		delete(s.records, token)
	}
}

// Remove deletes token's record and LRU position, if present.
func (s *Store) Remove(token types.TokenID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[token]
	if !ok {
		return
	}
	if r.elem != nil {
		s.lru.Remove(r.elem)
	}
	delete(s.records, token)
}

// Clear drops every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[types.TokenID]*record)
	s.lru.Init()
}

// SetPushConnected records whether the Push Client currently holds a live
// connection; it feeds Mode().
func (s *Store) SetPushConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushConnected = connected
}

// Mode reports the current data-sourcing mode: push_ok while connected
// with no stale entries, push_stale_fallback while connected but some
// entries have gone stale, pull_only while disconnected.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	connected := s.pushConnected
	now := s.clock.NowMs()
	staleCount := 0
	for _, r := range s.records {
		if now-r.summary.UpdatedAtMs >= s.cfg.StaleThreshold.Milliseconds() {
			staleCount++
		}
	}
	s.mu.RUnlock()

	if !connected {
		return ModePullOnly
	}
	if staleCount > 0 {
		return ModePushStaleFallback
	}
	return ModePushOK
}

// Size returns the number of tracked tokens.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Counters returns the cumulative push/pull write counts, for metrics.
func (s *Store) Counters() (push, pull int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushCount, s.pullCount
}
