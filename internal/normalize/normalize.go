// Package normalize turns raw, unsorted, string-valued price levels into
// the sorted L2Book shape every other package trusts: bids descending by
// price with the best at index 0, asks ascending with the best at index 0,
// zero and negative sizes dropped, non-numeric levels dropped. Book does
// not reject a crossed result; IsCrossed detects one so callers can refuse
// to persist it. It is grounded on the teacher's internal/market/book.go
// parsePrice helper, generalized from ad-hoc float64 parsing to
// decimal.Decimal so the whole book pipeline shares one numeric type.
package normalize

import (
	"sort"

	"github.com/shopspring/decimal"

	"clobmm-core/pkg/types"
)

// Level parses one raw wire price/size pair into a PriceLevel. ok is false
// if either field fails to parse as a decimal or size is <= 0 — such
// levels are dropped by the caller, never zero-filled.
func Level(raw types.WirePrice) (types.PriceLevel, bool) {
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return types.PriceLevel{}, false
	}
	size, err := decimal.NewFromString(raw.Size)
	if err != nil {
		return types.PriceLevel{}, false
	}
	if size.Sign() <= 0 {
		return types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: price, Size: size}, true
}

// Levels parses a slice of raw wire levels, silently dropping invalid
// entries, and returns how many were dropped alongside the valid set.
func Levels(raw []types.WirePrice) (valid []types.PriceLevel, dropped int) {
	valid = make([]types.PriceLevel, 0, len(raw))
	for _, r := range raw {
		lvl, ok := Level(r)
		if !ok {
			dropped++
			continue
		}
		valid = append(valid, lvl)
	}
	return valid, dropped
}

// SortBids sorts in place, descending by price: best bid first.
func SortBids(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
}

// SortAsks sorts in place, ascending by price: best ask first.
func SortAsks(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// Book parses and sorts a raw bid/ask pair into a normalized L2Book.
// Book is idempotent: feeding an already-normalized book's levels
// back through Book yields byte-for-byte the same order.
func Book(token types.TokenID, rawBids, rawAsks []types.WirePrice) types.L2Book {
	bids, _ := Levels(rawBids)
	asks, _ := Levels(rawAsks)
	SortBids(bids)
	SortAsks(asks)
	return types.L2Book{TokenID: token, Bids: bids, Asks: asks}
}

// IsCrossed reports whether the book's best bid is >= its best ask, which
// is never a valid state to persist: such a write must be rejected by the
// caller rather than stored.
func IsCrossed(b types.L2Book) bool {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if !hasBid || !hasAsk {
		return false
	}
	return bid.GreaterThanOrEqual(ask)
}

// DeltaBook rebuilds bids/asks from two keyed maps of price-string → size,
// as the Push Client's delta maintenance requires after applying a
// price_change event. Entries with size <= 0 are treated as deleted and
// excluded from the rebuilt sorted levels.
func DeltaBook(token types.TokenID, bidMap, askMap map[string]decimal.Decimal) types.L2Book {
	bids := make([]types.PriceLevel, 0, len(bidMap))
	for priceStr, size := range bidMap {
		if size.Sign() <= 0 {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		bids = append(bids, types.PriceLevel{Price: price, Size: size})
	}
	asks := make([]types.PriceLevel, 0, len(askMap))
	for priceStr, size := range askMap {
		if size.Sign() <= 0 {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		asks = append(asks, types.PriceLevel{Price: price, Size: size})
	}
	SortBids(bids)
	SortAsks(asks)
	return types.L2Book{TokenID: token, Bids: bids, Asks: asks}
}

// DepthWithin sums size*price (collateral value) for levels whose price
// lies within window of mid (distance from mid, not from the best price
// on that side — spec.md §3/§4.1 define the window as m−price≤w/100).
// Levels must already be sorted toward the best first; since each side's
// best is also its closest price to mid, distance from mid only grows as
// iteration moves away from the best, so iteration stops at the first
// level outside the window rather than scanning the rest.
func DepthWithin(levels []types.PriceLevel, mid, window decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		diff := mid.Sub(lvl.Price).Abs()
		if diff.GreaterThan(window) {
			break
		}
		total = total.Add(lvl.Size.Mul(lvl.Price))
	}
	return total
}
