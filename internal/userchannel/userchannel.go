// Package userchannel implements the User Channel Client: the
// authenticated streaming connection that tracks own-order lifecycle,
// own-fills, and own-balance updates. It reuses the Push Client's
// connection machinery in shape (single-flight reconnect, text PING/PONG,
// re-subscribe invariant) grounded on the teacher's
// internal/exchange/ws.go user-channel mode, and its tracked-order/own-
// trade bookkeeping is grounded on internal/strategy/inventory.go's
// mutex+snapshot Position/Fill pattern, generalized from position deltas
// to full order lifecycle records.
package userchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/pkg/types"
)

// State is one of the User Channel Client's connection-lifecycle states.
type State string

const (
	Disconnected       State = "disconnected"
	Connecting         State = "connecting"
	Authenticating     State = "authenticating"
	Connected          State = "connected"
	Reconnecting       State = "reconnecting"
	PermanentlyDisabled State = "permanently_disabled"
)

// Credentials are the L2 API credentials required to subscribe. Any
// missing field permanently disables the client.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

func (c Credentials) complete() bool {
	return c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// Config bundles the User Channel Client's tunables.
type Config struct {
	URL                     string
	PingInterval            time.Duration
	PongTimeout             time.Duration
	ReconnectBase           time.Duration
	ReconnectMax            time.Duration
	StableConnectionElapsed time.Duration
	WriteTimeout            time.Duration
	PruneHorizon            time.Duration // default 24h when zero
}

// BalanceCallback is invoked on every balance event; no persistent store
// is kept for it.
type BalanceCallback func(collateral, nativeGas decimal.Decimal, timestampMs int64)

// Client is the User Channel Client.
type Client struct {
	cfg   Config
	creds Credentials
	clock clock.Clock
	log   *slog.Logger
	dial  func(ctx context.Context, url string) (*websocket.Conn, error)

	onBalance BalanceCallback

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	markets map[string]bool

	orders map[string]types.TrackedOrder         // keyed by order_id
	trades map[string][]types.OwnTrade           // keyed by order_id

	disabledReason string
	attempt        int
	pongTimer      clock.Timer
	stableTimer    clock.Timer
	cancelConn     context.CancelFunc
}

// New constructs a User Channel Client. If creds is incomplete, the
// client starts PermanentlyDisabled and Connect is a permanent no-op.
func New(cfg Config, creds Credentials, c clock.Clock, log *slog.Logger, onBalance BalanceCallback) *Client {
	cl := &Client{
		cfg:       cfg,
		creds:     creds,
		clock:     c,
		log:       log.With("component", "userchannel"),
		onBalance: onBalance,
		markets:   make(map[string]bool),
		orders:    make(map[string]types.TrackedOrder),
		trades:    make(map[string][]types.OwnTrade),
		state:     Disconnected,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
	if !creds.complete() {
		cl.state = PermanentlyDisabled
		cl.disabledReason = "missing credentials"
	}
	return cl
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsPermanentlyDisabled reports whether the client will never attempt to
// (re)connect again for the rest of the process lifetime.
func (c *Client) IsPermanentlyDisabled() bool {
	return c.State() == PermanentlyDisabled
}

// DisabledReason returns why the client was permanently disabled, or "" if
// it is not.
func (c *Client) DisabledReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabledReason
}

// SetMarkets replaces the set of markets sent in the subscribe payload on
// the next (re)connect. An empty set means "all of this user's markets".
func (c *Client) SetMarkets(markets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets = make(map[string]bool, len(markets))
	for _, m := range markets {
		c.markets[m] = true
	}
}

// Connect starts the reconnect loop. A permanent no-op once the client is
// PermanentlyDisabled or already connected/connecting.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == PermanentlyDisabled || c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.mu.Unlock()
	go c.runLoop(ctx)
}

// Disconnect cancels all timers and closes the socket. Does not clear
// PermanentlyDisabled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Cancel()
	}
	if c.stableTimer != nil {
		c.stableTimer.Cancel()
	}
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.state != PermanentlyDisabled {
		c.state = Disconnected
	}
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.State() == PermanentlyDisabled {
			return
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.State() == PermanentlyDisabled {
			return
		}

		c.mu.Lock()
		c.state = Reconnecting
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
		c.log.Warn("user channel disconnected, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		c.state = Connecting
		c.mu.Unlock()
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Float64()*0.3*float64(d))
}

func (c *Client) connectAndServe(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := c.dial(connCtx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.cancelConn = cancel
	c.state = Authenticating
	markets := make([]string, 0, len(c.markets))
	for m := range c.markets {
		markets = append(markets, m)
	}
	creds := c.creds
	c.mu.Unlock()

	sub := types.WSUserSubscribe{
		Type:    "user",
		Markets: markets,
		Auth: types.WSUserAuth{
			ApiKey:     creds.APIKey,
			Secret:     creds.Secret,
			Passphrase: creds.Passphrase,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.armPingLoop(connCtx)

	for {
		if connCtx.Err() != nil {
			return connCtx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if c.handleMessage(msg) {
			// Transitioned to PermanentlyDisabled on an auth error.
			return fmt.Errorf("permanently disabled: %s", c.DisabledReason())
		}
	}
}

func (c *Client) armPingLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				conn := c.conn
				if c.pongTimer == nil {
					c.pongTimer = c.clock.NewTimer(c.cfg.PongTimeout, c.onPongTimeout)
				} else {
					c.pongTimer.Arm(c.cfg.PongTimeout)
				}
				c.mu.Unlock()
				if conn == nil {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) onPongTimeout() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()
	c.log.Warn("user channel pong timeout, terminating dead socket")
	if conn != nil {
		conn.Close()
	}
}

// handleMessage processes one inbound frame. It returns true if the
// client just transitioned to PermanentlyDisabled, signalling the caller
// to stop serving.
func (c *Client) handleMessage(data []byte) bool {
	if string(data) == "PONG" {
		c.mu.Lock()
		if c.pongTimer != nil {
			c.pongTimer.Cancel()
		}
		c.mu.Unlock()
		return false
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Debug("ignoring non-json user channel message")
		return false
	}

	switch envelope.Type {
	case "subscribed":
		c.mu.Lock()
		c.state = Connected
		c.attempt = 0
		c.mu.Unlock()
	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Error("unmarshal order event", "error", err)
			return false
		}
		c.applyOrderEvent(evt)
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Error("unmarshal trade event", "error", err)
			return false
		}
		c.applyTradeEvent(evt)
	case "balance":
		var evt types.WSBalanceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Error("unmarshal balance event", "error", err)
			return false
		}
		if c.onBalance != nil {
			collateral, _ := decimal.NewFromString(evt.Collateral)
			gas, _ := decimal.NewFromString(evt.NativeGas)
			c.onBalance(collateral, gas, evt.Timestamp)
		}
	case "error":
		var evt types.WSErrorEvent
		if err := json.Unmarshal(data, &evt); err == nil && looksLikeAuthError(evt.Message) {
			c.mu.Lock()
			c.state = PermanentlyDisabled
			c.disabledReason = evt.Message
			c.mu.Unlock()
			c.log.Error("user channel permanently disabled on auth error", "message", evt.Message)
			return true
		}
		c.log.Warn("user channel error event", "message", evt.Message)
	}
	return false
}

func looksLikeAuthError(msg string) bool {
	for _, needle := range []string{"auth", "unauthorized", "forbidden", "credential"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 32
		}
		return b
	}
	for i := 0; i+nl <= hl; i++ {
		match := true
		for j := 0; j < nl; j++ {
			if lower(haystack[i+j]) != lower(needle[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// applyOrderEvent upserts the tracked-order record. A later-arriving
// updated_at is authoritative even if events race.
func (c *Client) applyOrderEvent(evt types.WSOrderEvent) {
	price, _ := decimal.NewFromString(evt.Price)
	orig, _ := decimal.NewFromString(evt.OriginalSize)
	filled, _ := decimal.NewFromString(evt.FilledSize)

	order := types.TrackedOrder{
		OrderID:      evt.OrderID,
		TokenID:      types.TokenID(evt.TokenID),
		Side:         types.Side(evt.Side),
		Price:        price,
		OriginalSize: orig,
		FilledSize:   filled,
		Status:       types.OrderStatus(evt.Status),
		CreatedAtMs:  evt.CreatedAt,
		UpdatedAtMs:  evt.UpdatedAt,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.orders[order.OrderID]
	if ok && existing.UpdatedAtMs > order.UpdatedAtMs {
		return
	}
	c.orders[order.OrderID] = order
}

// applyTradeEvent appends an own-trade record indexed by order id.
func (c *Client) applyTradeEvent(evt types.WSTradeEvent) {
	price, _ := decimal.NewFromString(evt.Price)
	size, _ := decimal.NewFromString(evt.Size)

	trade := types.OwnTrade{
		TradeID:     evt.TradeID,
		OrderID:     evt.OrderID,
		TokenID:     types.TokenID(evt.TokenID),
		Side:        types.Side(evt.Side),
		Price:       price,
		Size:        size,
		TimestampMs: evt.Timestamp,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades[trade.OrderID] = append(c.trades[trade.OrderID], trade)
}

// Order returns a copy of the tracked order with the given id.
func (c *Client) Order(orderID string) (types.TrackedOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	return o, ok
}

// TradesFor returns a copy of the trades recorded against orderID.
func (c *Client) TradesFor(orderID string) []types.OwnTrade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.OwnTrade, len(c.trades[orderID]))
	copy(out, c.trades[orderID])
	return out
}

// Prune removes non-live orders and trades attached to orders older than
// the configured horizon (24h by default). Intended to be invoked
// periodically by the owner.
func (c *Client) Prune(nowMs int64) {
	horizon := c.cfg.PruneHorizon
	if horizon == 0 {
		horizon = 24 * time.Hour
	}
	cutoff := nowMs - horizon.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, o := range c.orders {
		if o.Status == types.OrderLive {
			continue
		}
		if o.UpdatedAtMs < cutoff {
			delete(c.orders, id)
			delete(c.trades, id)
		}
	}
}
