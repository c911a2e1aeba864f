// Package marketfeed implements the Push Client: a single persistent
// WebSocket connection to the market-data channel that reconstructs L2
// books from snapshot+delta messages and writes them into the Market Data
// Store. It is grounded on the teacher's internal/exchange/ws.go WSFeed,
// generalized in three ways the spec requires that the teacher's feed
// does not: an explicit disconnected/connecting/connected/reconnecting
// state machine instead of an implicit retry loop, text-literal PING/PONG
// liveness tracking with its own pong-timeout watchdog (the teacher relies
// solely on a read deadline), and a single-flight reconnect guard paired
// with a re-subscribe invariant on every reconnect.
package marketfeed

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
	"clobmm-core/internal/normalize"
	"clobmm-core/internal/store"
	"clobmm-core/pkg/types"
)

// State is one of the Push Client's connection-lifecycle states.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// Config bundles the Push Client's tunables.
type Config struct {
	URL                     string
	PingInterval            time.Duration
	PongTimeout             time.Duration
	ReconnectBase           time.Duration
	ReconnectMax            time.Duration
	StableConnectionElapsed time.Duration
	WriteTimeout            time.Duration
}

type tokenDeltas struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

// Client is the Push Client.
type Client struct {
	cfg   Config
	store *store.Store
	clock clock.Clock
	log   *slog.Logger
	dial  func(ctx context.Context, url string) (*websocket.Conn, error)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	subs       map[types.TokenID]bool
	pendingSub map[types.TokenID]bool
	deltas     map[types.TokenID]*tokenDeltas

	reconnecting   bool
	attempt        int
	lastPongAt     time.Time
	pongTimer      clock.Timer
	stableTimer    clock.Timer
	reconnectTimer clock.Timer

	cancelConn context.CancelFunc

	subscribeAcks   int64
	reconnectCount  int64
	messagesApplied int64
}

// New constructs a Push Client writing into s.
func New(cfg Config, s *store.Store, c clock.Clock, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		store:      s,
		clock:      c,
		log:        log.With("component", "marketfeed"),
		subs:       make(map[types.TokenID]bool),
		pendingSub: make(map[types.TokenID]bool),
		deltas:     make(map[types.TokenID]*tokenDeltas),
		state:      Disconnected,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether state is Connected.
func (c *Client) IsConnected() bool { return c.State() == Connected }

// Subscriptions returns the current set of subscribed token ids.
func (c *Client) Subscriptions() []types.TokenID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TokenID, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Metrics returns cumulative counters for observability.
func (c *Client) Metrics() (subscribeAcks, reconnects, messagesApplied int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeAcks, c.reconnectCount, c.messagesApplied
}

// Connect is idempotent: a no-op if already connected or connecting, and
// respects the single-flight reconnect guard. runLoop drives the actual
// connection loop; Connect only kicks it off the first time.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.mu.Unlock()
	go c.runLoop(ctx)
}

// Disconnect cancels all timers, closes the socket with a clean-shutdown
// code, and marks the Store push-disconnected. Safe from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimersLocked()
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	c.store.SetPushConnected(false)
}

func (c *Client) cancelTimersLocked() {
	if c.pongTimer != nil {
		c.pongTimer.Cancel()
	}
	if c.stableTimer != nil {
		c.stableTimer.Cancel()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Cancel()
	}
}

// Subscribe buffers token ids while not connected, or sends an
// subscribe-operation message immediately when connected.
func (c *Client) Subscribe(tokens []types.TokenID) {
	c.mu.Lock()
	for _, t := range tokens {
		c.subs[t] = true
	}
	connected := c.state == Connected
	if !connected {
		for _, t := range tokens {
			c.pendingSub[t] = true
		}
	}
	c.mu.Unlock()

	if connected {
		c.send(types.WSMarketUpdate{Operation: "subscribe", AssetsIDs: idStrings(tokens)})
	}
}

// Unsubscribe removes token ids from the subscription set.
func (c *Client) Unsubscribe(tokens []types.TokenID) {
	c.mu.Lock()
	for _, t := range tokens {
		delete(c.subs, t)
		delete(c.pendingSub, t)
		delete(c.deltas, t)
	}
	connected := c.state == Connected
	c.mu.Unlock()

	if connected {
		c.send(types.WSMarketUpdate{Operation: "unsubscribe", AssetsIDs: idStrings(tokens)})
	}
}

func idStrings(tokens []types.TokenID) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = string(t)
	}
	return out
}

// runLoop owns the reconnect backoff loop. It is the single-flight
// reconnect guard: only one goroutine at a time runs it, started from
// Connect.
func (c *Client) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.state = Reconnecting
		c.attempt++
		c.reconnectCount++
		attempt := c.attempt
		c.mu.Unlock()
		c.store.SetPushConnected(false)

		delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
		c.log.Warn("market feed disconnected, reconnecting", "error", err, "delay", delay, "attempt", attempt)

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

// backoffDelay computes base*2^(attempt-1) capped at max, jittered by up
// to 30%.
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
	jitter := time.Duration(rand.Float64() * 0.3 * float64(d))
	return d + jitter
}

func (c *Client) connectAndServe(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := c.dial(connCtx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	wasReconnect := c.state == Reconnecting
	c.conn = conn
	c.cancelConn = cancel
	c.state = Connected
	c.lastPongAt = c.clock.Now()
	c.mu.Unlock()

	c.store.SetPushConnected(true)
	c.log.Info("market feed connected")

	if err := c.sendInitialSubscribe(wasReconnect); err != nil {
		conn.Close()
		return fmt.Errorf("initial subscribe: %w", err)
	}

	c.armStableTimer()
	c.armPingLoop(connCtx)

	for {
		if connCtx.Err() != nil {
			return connCtx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(msg)
	}
}

// sendInitialSubscribe sends the union of subscriptions and pending
// subscriptions exactly once, then clears pending. This is the
// re-subscribe invariant: it fires on every transition into Connected,
// whether this is the first connect or a reconnect.
func (c *Client) sendInitialSubscribe(wasReconnect bool) error {
	c.mu.Lock()
	union := make(map[types.TokenID]bool, len(c.subs)+len(c.pendingSub))
	for t := range c.subs {
		union[t] = true
	}
	for t := range c.pendingSub {
		union[t] = true
	}
	ids := make([]string, 0, len(union))
	for t := range union {
		ids = append(ids, string(t))
		c.subs[t] = true
	}
	c.pendingSub = make(map[types.TokenID]bool)
	c.mu.Unlock()

	return c.send(types.WSMarketSubscribe{Type: "market", AssetsIDs: ids})
}

func (c *Client) armStableTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stableTimer == nil {
		c.stableTimer = c.clock.NewTimer(c.cfg.StableConnectionElapsed, c.onStableConnection)
	} else {
		c.stableTimer.Arm(c.cfg.StableConnectionElapsed)
	}
}

func (c *Client) onStableConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
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
				if err := c.sendPing(); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) sendPing() error {
	c.mu.Lock()
	conn := c.conn
	if c.pongTimer == nil {
		c.pongTimer = c.clock.NewTimer(c.cfg.PongTimeout, c.onPongTimeout)
	} else {
		c.pongTimer.Arm(c.cfg.PongTimeout)
	}
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte("PING"))
}

// onPongTimeout fires when no PONG arrives within PongTimeout of the last
// PING. It classifies the socket as dead and forcibly terminates it,
// which causes connectAndServe's read loop to error out and runLoop to
// schedule a reconnect.
func (c *Client) onPongTimeout() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	c.log.Warn("market feed pong timeout, terminating dead socket")
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) handleMessage(data []byte) {
	if string(data) == "PONG" {
		c.mu.Lock()
		c.lastPongAt = c.clock.Now()
		if c.pongTimer != nil {
			c.pongTimer.Cancel()
		}
		c.mu.Unlock()
		return
	}

	var envelope struct {
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Debug("ignoring non-json market feed message")
		return
	}

	switch envelope.Type {
	case "subscribed", "unsubscribed":
		c.mu.Lock()
		c.subscribeAcks++
		c.mu.Unlock()
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Error("unmarshal book event", "error", err)
			return
		}
		c.applyBook(evt)
	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Error("unmarshal price_change event", "error", err)
			return
		}
		c.applyPriceChange(evt)
	case "last_trade_price", "tick_size_change":
		// Observed, not required for book maintenance.
	default:
		c.log.Debug("unknown market feed event", "type", envelope.EventType)
	}
}

// applyBook replaces a token's delta maps wholesale and writes a fresh
// snapshot into the Store.
func (c *Client) applyBook(evt types.WSBookEvent) {
	token := types.TokenID(evt.AssetID)

	bidMap := make(map[string]decimal.Decimal, len(evt.Bids))
	for _, raw := range evt.Bids {
		lvl, ok := normalize.Level(raw)
		if !ok {
			continue
		}
		bidMap[lvl.Price.String()] = lvl.Size
	}
	askMap := make(map[string]decimal.Decimal, len(evt.Asks))
	for _, raw := range evt.Asks {
		lvl, ok := normalize.Level(raw)
		if !ok {
			continue
		}
		askMap[lvl.Price.String()] = lvl.Size
	}

	c.mu.Lock()
	c.deltas[token] = &tokenDeltas{bids: bidMap, asks: askMap}
	c.mu.Unlock()

	book := normalize.DeltaBook(token, bidMap, askMap)
	c.writeBook(book)
}

// applyPriceChange updates an existing token's delta maps in place. A
// delta for a token with no primed maps (no prior book) is silently
// dropped, since it awaits the next snapshot.
func (c *Client) applyPriceChange(evt types.WSPriceChangeEvent) {
	token := types.TokenID(evt.AssetID)

	c.mu.Lock()
	td, ok := c.deltas[token]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, ch := range evt.Changes {
		size, err := decimal.NewFromString(ch.Size)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			continue
		}
		// Same key form applyBook uses, so "0.50" and "0.5" hit one level.
		key := price.String()
		switch ch.Side {
		case "BUY":
			if size.Sign() <= 0 {
				delete(td.bids, key)
			} else {
				td.bids[key] = size
			}
		case "SELL":
			if size.Sign() <= 0 {
				delete(td.asks, key)
			} else {
				td.asks[key] = size
			}
		}
	}
	bidsEmpty := len(td.bids) == 0
	asksEmpty := len(td.asks) == 0
	if bidsEmpty || asksEmpty {
		// Drop the delta maps so the next book must re-prime; never write
		// a crossed or one-sided book to the Store.
		delete(c.deltas, token)
		c.mu.Unlock()
		return
	}
	bidsCopy := make(map[string]decimal.Decimal, len(td.bids))
	for k, v := range td.bids {
		bidsCopy[k] = v
	}
	asksCopy := make(map[string]decimal.Decimal, len(td.asks))
	for k, v := range td.asks {
		asksCopy[k] = v
	}
	c.mu.Unlock()

	book := normalize.DeltaBook(token, bidsCopy, asksCopy)
	c.writeBook(book)
}

func (c *Client) writeBook(book types.L2Book) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 || normalize.IsCrossed(book) {
		return
	}
	if c.store.UpdateFromPush(book.TokenID, book.Bids, book.Asks) {
		c.mu.Lock()
		c.messagesApplied++
		c.mu.Unlock()
	}
}

func (c *Client) send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("market feed not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}
