// Package execution implements the Execution Engine: book-respecting
// limit-price computation, tick-size rounding, pre-placement validation,
// and the IOC-then-resting submission protocol, plus a buy-side
// duplicate-prevention cooldown. Tick rounding is grounded on the
// teacher's internal/strategy/maker.go clamp/roundDownToTick/
// roundUpToTick helpers, generalized from float64 to decimal.Decimal; the
// cooldown map is grounded on internal/risk/manager.go's priceAnchor
// rolling-window map, repurposed from price-movement detection to
// per-key submission throttling.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"clobmm-core/internal/clock"
	"clobmm-core/internal/facade"
	"clobmm-core/pkg/types"
)

// Bounds are the absolute and per-deployment price limits.
type Bounds struct {
	HardMin, HardMax         decimal.Decimal
	StrategyMin, StrategyMax decimal.Decimal
}

// Config bundles the Execution Engine's tunables.
type Config struct {
	Bounds            Bounds
	SlippageFrac      decimal.Decimal
	MaxSpreadCents    decimal.Decimal
	DefaultTickSize   decimal.Decimal
	BuyCooldown       time.Duration
	AllowRestingFallback bool
}

// TickSizeLookup resolves a token's tick size. A missing lookup must
// return (zero, false); the caller falls back to DefaultTickSize and sets
// a diagnostic flag.
type TickSizeLookup func(token types.TokenID) (decimal.Decimal, bool)

// Submitter is the external order-submission port: IOC and resting
// placement. Implementations perform the actual signed-order submission;
// the Execution Engine only decides price/size and classifies failures.
type Submitter interface {
	SubmitIOC(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error)
	SubmitResting(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error)
}

// Engine is the Execution Engine.
type Engine struct {
	cfg       Config
	facade    *facade.Facade
	submitter Submitter
	tickSize  TickSizeLookup
	clock     clock.Clock

	mu       sync.Mutex
	cooldown map[string]time.Time // key -> expiry
}

// New constructs an Execution Engine.
func New(cfg Config, f *facade.Facade, submitter Submitter, tickSize TickSizeLookup, c clock.Clock) *Engine {
	return &Engine{
		cfg:       cfg,
		facade:    f,
		submitter: submitter,
		tickSize:  tickSize,
		clock:     c,
		cooldown:  make(map[string]time.Time),
	}
}

func (e *Engine) resolveTick(token types.TokenID) (tick decimal.Decimal, usedDefault bool) {
	if e.tickSize != nil {
		if t, ok := e.tickSize(token); ok {
			return t, false
		}
	}
	return e.cfg.DefaultTickSize, true
}

// roundDownToTick floors v to the nearest multiple of tick.
func roundDownToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return v
	}
	units := v.Div(tick).Floor()
	return units.Mul(tick)
}

// roundUpToTick ceils v to the nearest multiple of tick.
func roundUpToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return v
	}
	units := v.Div(tick).Ceil()
	return units.Mul(tick)
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// cooldownKey scopes a cooldown window to a token (per-token key). Cooldowns
// are kept per token only; there is no per-market cooldown window.
func cooldownKey(token types.TokenID) string { return string(token) }

// onCooldown reports whether key is still within its buy-side cooldown
// window.
func (e *Engine) onCooldown(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	expiry, ok := e.cooldown[key]
	if !ok {
		return false
	}
	return e.clock.Now().Before(expiry)
}

func (e *Engine) armCooldown(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldown[key] = e.clock.Now().Add(e.cfg.BuyCooldown)
}

// clearCooldown is invoked on any successful fill for key.
func (e *Engine) clearCooldown(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cooldown, key)
}

// Execute turns a desired trade into a submitted order per the IOC-then-
// resting protocol described in the package doc.
func (e *Engine) Execute(ctx context.Context, req types.TradeRequest) types.ExecutionResult {
	key := cooldownKey(req.TokenID)
	if req.Side == types.Buy && e.onCooldown(key) {
		return types.ExecutionResult{Reason: types.ReasonDuplicateCooldown}
	}

	summary, ok := e.facade.GetOrderbook(ctx, req.TokenID)
	if !ok {
		return types.ExecutionResult{Reason: types.ReasonBookUnhealthy}
	}

	tick, tickDefaulted := e.resolveTick(req.TokenID)

	iocLimit, reason := e.computeIOCLimit(summary, req.Side, tick)
	if reason != types.ReasonNone {
		return types.ExecutionResult{Reason: reason, Diagnostic: diag(summary, tick, tickDefaulted)}
	}
	if reason := e.validate(summary, req.Side, iocLimit); reason != types.ReasonNone {
		return types.ExecutionResult{Reason: reason, Diagnostic: diag(summary, tick, tickDefaulted)}
	}

	shares := req.NotionalCollateral.Div(iocLimit)
	iocResult, err := e.submitter.SubmitIOC(ctx, req.TokenID, req.Side, iocLimit, shares)
	if err == nil && iocResult.Success {
		base := bestForSide(summary, req.Side)
		if req.Side == types.Buy {
			e.clearCooldown(key)
		}
		return types.ExecutionResult{
			Success:   true,
			OrderID:   iocResult.OrderID,
			Filled:    req.NotionalCollateral,
			Price:     base,
			OrderType: types.OrderIOC,
		}
	}

	if !e.cfg.AllowRestingFallback {
		if req.Side == types.Buy {
			e.armCooldown(key)
		}
		return types.ExecutionResult{Reason: classifyError(err, iocResult), Diagnostic: diag(summary, tick, tickDefaulted)}
	}

	restingLimit, reason := e.computeRestingLimit(summary, req.Side, iocLimit, tick)
	if reason != types.ReasonNone {
		if req.Side == types.Buy {
			e.armCooldown(key)
		}
		return types.ExecutionResult{Reason: reason, Diagnostic: diag(summary, tick, tickDefaulted)}
	}

	restShares := req.NotionalCollateral.Div(restingLimit)
	restResult, err := e.submitter.SubmitResting(ctx, req.TokenID, req.Side, restingLimit, restShares)
	if err != nil || !restResult.Success {
		if req.Side == types.Buy {
			e.armCooldown(key)
		}
		return types.ExecutionResult{Reason: classifyError(err, restResult), Diagnostic: diag(summary, tick, tickDefaulted)}
	}

	if req.Side == types.Buy {
		e.armCooldown(key)
	}
	return types.ExecutionResult{
		Success:   true,
		Pending:   true,
		OrderID:   restResult.OrderID,
		Price:     restingLimit,
		OrderType: types.OrderResting,
	}
}

func bestForSide(summary types.TokenSummary, side types.Side) decimal.Decimal {
	if side == types.Buy {
		return summary.BestAsk
	}
	return summary.BestBid
}

// computeIOCLimit implements the base/slippage/clamp/round/must-not-cross
// pipeline for an IOC attempt.
func (e *Engine) computeIOCLimit(summary types.TokenSummary, side types.Side, tick decimal.Decimal) (decimal.Decimal, types.RejectReason) {
	one := decimal.NewFromInt(1)
	var limit decimal.Decimal
	if side == types.Buy {
		base := summary.BestAsk
		limit = base.Mul(one.Add(e.cfg.SlippageFrac))
	} else {
		base := summary.BestBid
		limit = base.Mul(one.Sub(e.cfg.SlippageFrac))
	}

	limit = clampDecimal(limit, e.cfg.Bounds.HardMin, e.cfg.Bounds.HardMax)

	if side == types.Buy {
		limit = roundUpToTick(limit, tick)
	} else {
		limit = roundDownToTick(limit, tick)
	}

	limit = e.mustNotCross(limit, summary, side, tick)
	return limit, types.ReasonNone
}

// mustNotCross bumps limit to the next tick at or beyond the opposing
// best price if rounding left it crossing the book.
func (e *Engine) mustNotCross(limit decimal.Decimal, summary types.TokenSummary, side types.Side, tick decimal.Decimal) decimal.Decimal {
	if side == types.Buy {
		if limit.LessThan(summary.BestAsk) {
			limit = roundUpToTick(summary.BestAsk, tick)
			if limit.GreaterThan(e.cfg.Bounds.HardMax) {
				limit = e.cfg.Bounds.HardMax
			}
		}
		return limit
	}
	if limit.GreaterThan(summary.BestBid) {
		limit = roundDownToTick(summary.BestBid, tick)
		if limit.LessThan(e.cfg.Bounds.HardMin) {
			limit = e.cfg.Bounds.HardMin
		}
	}
	return limit
}

// computeRestingLimit implements step 4's resting-price computation.
func (e *Engine) computeRestingLimit(summary types.TokenSummary, side types.Side, iocLimit, tick decimal.Decimal) (decimal.Decimal, types.RejectReason) {
	var limit decimal.Decimal
	if side == types.Buy {
		limit = decimal.Min(e.cfg.Bounds.StrategyMax, decimal.Max(summary.BestAsk, iocLimit))
	} else {
		limit = decimal.Max(e.cfg.Bounds.StrategyMin, decimal.Min(summary.BestBid, iocLimit))
	}

	limit = clampDecimal(limit, e.cfg.Bounds.HardMin, e.cfg.Bounds.HardMax)
	if side == types.Buy {
		limit = roundUpToTick(limit, tick)
	} else {
		limit = roundDownToTick(limit, tick)
	}
	limit = e.mustNotCross(limit, summary, side, tick)

	if side == types.Buy && limit.GreaterThan(e.cfg.Bounds.StrategyMax) {
		return decimal.Zero, types.ReasonMarketMovedOutOfBounds
	}
	if side == types.Sell && limit.LessThan(e.cfg.Bounds.StrategyMin) {
		return decimal.Zero, types.ReasonMarketMovedOutOfBounds
	}
	return limit, types.ReasonNone
}

// validate runs the pre-placement checks that must all pass before any
// submission is attempted.
func (e *Engine) validate(summary types.TokenSummary, side types.Side, limit decimal.Decimal) types.RejectReason {
	if !bookHealthy(summary) {
		return types.ReasonBookUnhealthy
	}
	if summary.SpreadCents.GreaterThan(e.cfg.MaxSpreadCents) {
		return types.ReasonSpreadTooWide
	}
	if side == types.Buy && summary.BestAsk.GreaterThan(e.cfg.Bounds.StrategyMax) {
		return types.ReasonOutOfStrategyBounds
	}
	if side == types.Sell && summary.BestBid.LessThan(e.cfg.Bounds.StrategyMin) {
		return types.ReasonOutOfStrategyBounds
	}
	if limit.LessThan(e.cfg.Bounds.HardMin) || limit.GreaterThan(e.cfg.Bounds.HardMax) {
		return types.ReasonOutOfHardBounds
	}
	return types.ReasonNone
}

func bookHealthy(summary types.TokenSummary) bool {
	if summary.BestBid.IsZero() || summary.BestAsk.IsZero() {
		return false
	}
	floor := decimal.NewFromFloat(0.01)
	ceiling := decimal.NewFromFloat(0.99)
	if summary.BestBid.LessThanOrEqual(floor) && summary.BestAsk.GreaterThanOrEqual(ceiling) {
		return false
	}
	if summary.BestBid.GreaterThanOrEqual(summary.BestAsk) {
		return false
	}
	return true
}

func classifyError(err error, result types.SubmitResult) types.RejectReason {
	msg := result.ErrorMessage
	if err != nil {
		msg = err.Error()
	}
	switch {
	case containsAny(msg, "price too low", "below minimum"):
		return types.ReasonPriceTooLow
	case containsAny(msg, "price too high", "above maximum"):
		return types.ReasonPriceTooHigh
	case containsAny(msg, "insufficient balance", "insufficient funds"):
		return types.ReasonInsufficientBalance
	case containsAny(msg, "tick", "invalid price increment"):
		return types.ReasonTickViolation
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return types.ReasonRateLimited
	default:
		return types.ReasonUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if len(n) <= len(haystack) && indexFold(haystack, n) >= 0 {
			return true
		}
	}
	return false
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 {
		return 0
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
			return i
		}
	}
	return -1
}

func diag(summary types.TokenSummary, tick decimal.Decimal, tickDefaulted bool) map[string]any {
	return map[string]any{
		"best_bid":       summary.BestBid.String(),
		"best_ask":       summary.BestAsk.String(),
		"spread_cents":   summary.SpreadCents.String(),
		"tick_size":      tick.String(),
		"tick_defaulted": tickDefaulted,
		"source":         string(summary.Source),
		"context":        fmt.Sprintf("token=%s", summary.TokenID),
	}
}
