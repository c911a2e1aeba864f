// Package types defines the shared vocabulary used across every subsystem:
// token identifiers, price levels, L2 books, derived summaries, tracked
// own-orders/trades, balance snapshots, and the wire payloads the market
// and user WebSocket channels exchange. It has no dependency on any other
// internal package, so it can be imported by any layer.
package types

import (
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TokenID is the opaque identifier for one side (outcome) of a binary
// market. Equality is exact; callers should only ever log a short prefix.
type TokenID string

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// DataSource tags where a TokenSummary's data last came from.
type DataSource string

const (
	SourcePush       DataSource = "push"
	SourcePull       DataSource = "pull"
	SourceStaleCache DataSource = "stale_cache"
)

// OrderStatus is the tracked-order lifecycle state.
type OrderStatus string

const (
	OrderDelayed   OrderStatus = "delayed"
	OrderLive      OrderStatus = "live"
	OrderMatched   OrderStatus = "matched"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// OrderKind distinguishes an immediate-or-cancel attempt from a resting
// good-til-cancelled order in execution results.
type OrderKind string

const (
	OrderIOC     OrderKind = "ioc"
	OrderResting OrderKind = "resting"
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Size == 0 encodes deletion in a
// delta; a level is only ever kept in a book with Size > 0.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// L2Book is an ordered, normalized view of one token's order book: bids
// descending by price (best first), asks ascending by price (best first).
type L2Book struct {
	TokenID TokenID
	Bids    []PriceLevel
	Asks    []PriceLevel
}

// BestBid returns the highest bid, or a zero decimal and false if empty.
func (b L2Book) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask, or a zero decimal and false if empty.
func (b L2Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// TokenSummary is the derived projection of an L2Book, recomputed on every
// store write: best bid/ask, mid, spread in cents, depth within a
// configured window, update time, and data provenance.
type TokenSummary struct {
	TokenID     TokenID
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Mid         decimal.Decimal
	SpreadCents decimal.Decimal
	BidDepth    decimal.Decimal
	AskDepth    decimal.Decimal
	UpdatedAtMs int64
	Source      DataSource
}

// ————————————————————————————————————————————————————————————————————————
// Own-orders and own-trades
// ————————————————————————————————————————————————————————————————————————

// TrackedOrder mirrors the lifecycle of one order placed by this process,
// as reported by the User Channel Client.
type TrackedOrder struct {
	OrderID      string
	TokenID      TokenID
	Side         Side
	Price        decimal.Decimal
	OriginalSize decimal.Decimal
	FilledSize   decimal.Decimal
	Status       OrderStatus
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// OwnTrade is a single fill against one of this process's own orders.
type OwnTrade struct {
	TradeID     string
	OrderID     string
	TokenID     TokenID
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimestampMs int64
}

// Value returns size*price, the collateral value of the fill.
func (t OwnTrade) Value() decimal.Decimal {
	return t.Size.Mul(t.Price)
}

// ————————————————————————————————————————————————————————————————————————
// Balance
// ————————————————————————————————————————————————————————————————————————

// BalanceSnapshot is the owner's collateral and native-gas balances as of
// the last successful (or attempted) refresh.
type BalanceSnapshot struct {
	Collateral         decimal.Decimal
	NativeGas          decimal.Decimal
	FetchedAtMs        int64
	LastFetchSucceeded bool
	LastError          string
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// TradeRequest is a desired trade: buy or sell a given notional of
// collateral's worth of a token.
type TradeRequest struct {
	TokenID          TokenID
	Side             Side
	NotionalCollateral decimal.Decimal
}

// RejectReason classifies why a submission was refused or rejected.
type RejectReason string

const (
	ReasonNone                   RejectReason = ""
	ReasonBookUnhealthy          RejectReason = "book_unhealthy"
	ReasonSpreadTooWide          RejectReason = "spread_too_wide"
	ReasonOutOfStrategyBounds    RejectReason = "out_of_strategy_bounds"
	ReasonOutOfHardBounds        RejectReason = "out_of_hard_bounds"
	ReasonDuplicateCooldown      RejectReason = "duplicate_cooldown"
	ReasonMarketMovedOutOfBounds RejectReason = "market_moved_outside_bounds"
	ReasonPriceTooLow            RejectReason = "price_too_low"
	ReasonPriceTooHigh           RejectReason = "price_too_high"
	ReasonInsufficientBalance    RejectReason = "insufficient_balance"
	ReasonTickViolation          RejectReason = "tick_violation"
	ReasonRateLimited            RejectReason = "rate_limited"
	ReasonUnknown                RejectReason = "unknown"
)

// ExecutionResult is returned by the Execution Engine for every attempted
// trade. Pending=true with Success=true means a resting order was placed
// and is awaiting fill.
type ExecutionResult struct {
	Success    bool
	Pending    bool
	OrderID    string
	Filled     decimal.Decimal
	Price      decimal.Decimal
	OrderType  OrderKind
	Reason     RejectReason
	Diagnostic map[string]any
}

// SubmitResult is what the external order-submission port returns.
type SubmitResult struct {
	Success      bool
	OrderID      string
	ErrorMessage string
}

// ————————————————————————————————————————————————————————————————————————
// Wire payloads — market channel
// ————————————————————————————————————————————————————————————————————————

// WSMarketSubscribe is the initial subscribe message on the market channel:
// {"type":"market","assets_ids":[...]}. It always carries the full set of
// currently-subscribed token ids, per the re-subscribe invariant.
type WSMarketSubscribe struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// WSMarketUpdate is a post-connect subscribe/unsubscribe message:
// {"operation":"subscribe"|"unsubscribe","assets_ids":[...]}.
type WSMarketUpdate struct {
	Operation string   `json:"operation"`
	AssetsIDs []string `json:"assets_ids"`
}

// WSBookEvent is a full L2 snapshot from the market channel. Bids/Asks are
// upstream-order (not guaranteed sorted); the Normalizer must sort them.
type WSBookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Bids      []WirePrice  `json:"bids"`
	Asks      []WirePrice  `json:"asks"`
}

// WirePrice is a price level as it arrives on the wire: strings, not
// decimals — parsed at ingress, never in a hot path.
type WirePrice struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSPriceChange is one incremental level update.
type WSPriceChange struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"` // "BUY" or "SELL"
}

// WSPriceChangeEvent is an incremental update to a single token's book.
type WSPriceChangeEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Changes   []WSPriceChange `json:"changes"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire payloads — user channel
// ————————————————————————————————————————————————————————————————————————

// WSUserAuth carries L2 API credentials inline in the user-channel
// subscribe payload. ApiKey is always emitted on egress; Key is accepted
// on ingress alongside ApiKey since source revisions disagree on the
// field name (see spec.md §9 open questions).
type WSUserAuth struct {
	ApiKey     string `json:"apiKey"`
	Key        string `json:"key,omitempty"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// ResolvedApiKey returns ApiKey, falling back to Key if ApiKey is empty.
func (a WSUserAuth) ResolvedApiKey() string {
	if a.ApiKey != "" {
		return a.ApiKey
	}
	return a.Key
}

// WSUserSubscribe is sent immediately after the user-channel socket opens:
// {"type":"user","markets":[],"auth":{...}}. An empty Markets means "all
// of this user's markets".
type WSUserSubscribe struct {
	Type    string     `json:"type"`
	Markets []string   `json:"markets"`
	Auth    WSUserAuth `json:"auth"`
}

// WSOrderEvent is an own-order lifecycle notification.
type WSOrderEvent struct {
	Type         string `json:"type"` // "order"
	OrderID      string `json:"order_id"`
	TokenID      string `json:"token_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	FilledSize   string `json:"filled_size"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// WSTradeEvent is an own-fill notification.
type WSTradeEvent struct {
	Type      string `json:"type"` // "trade"
	TradeID   string `json:"trade_id"`
	OrderID   string `json:"order_id"`
	TokenID   string `json:"token_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

// WSBalanceEvent is an own-balance-changed notification.
type WSBalanceEvent struct {
	Type       string `json:"type"` // "balance"
	Collateral string `json:"collateral"`
	NativeGas  string `json:"native_gas"`
	Timestamp  int64  `json:"timestamp"`
}

// WSErrorEvent is a server-reported error, e.g. {"type":"error","message":"..."}.
type WSErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSAckEvent acknowledges a subscribe/unsubscribe:
// {"type":"subscribed"|"unsubscribed","assets_ids":[...]}.
type WSAckEvent struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}
