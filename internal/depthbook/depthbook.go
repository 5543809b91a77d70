// Package depthbook maintains the price-ordered bid/ask ladder for a single
// symbol: snapshot replacement, incremental delta application, zero-quantity
// deletion, and top-N truncation.
//
// Grounded on business/pricing/infra/binance/provider.go's orderbookState and
// applyOrderbookUpdates (teacher): a mutex-guarded level map, merge-then-
// sort-then-truncate on every mutation, copy-on-read for external callers.
package depthbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is a single (price, quantity) pair. Quantity is always > 0 once
// stored; quantity = 0 is a deletion marker in the update stream and never
// reaches the stored ladder.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Book is the ordered ladder for one symbol. Zero value is not usable; use
// New.
type Book struct {
	mu     sync.RWMutex
	symbol string
	depth  int

	bids map[string]Level // keyed by priceKey(Price)
	asks map[string]Level
}

// New creates an empty book for symbol, truncating to at most depth levels
// per side on every mutation.
func New(symbol string, depth int) *Book {
	return &Book{
		symbol: symbol,
		depth:  depth,
		bids:   make(map[string]Level, depth),
		asks:   make(map[string]Level, depth),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// priceKey canonicalizes a price for use as a map key. decimal.Decimal
// cannot be compared or used as a map key directly — two values equal in
// magnitude may carry distinct coefficient/exponent pairs (e.g. "1.50" vs
// "1.5") and therefore distinct underlying big.Int pointers. Reducing
// through big.Rat gives a canonical representation independent of how the
// value was originally formatted.
func priceKey(p decimal.Decimal) string {
	return p.Rat().RatString()
}

// ApplySnapshot replaces both sides atomically. Levels with quantity = 0 are
// pre-filtered; the result is truncated to depth before this call returns,
// so no reader ever observes an untruncated book (spec invariant 1).
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]Level, len(bids))
	for _, lv := range bids {
		if lv.Qty.Sign() > 0 {
			b.bids[priceKey(lv.Price)] = lv
		}
	}
	b.asks = make(map[string]Level, len(asks))
	for _, lv := range asks {
		if lv.Qty.Sign() > 0 {
			b.asks[priceKey(lv.Price)] = lv
		}
	}
	b.truncateLocked()
}

// ApplyUpdate merges a delta into the book: quantity > 0 upserts the level,
// quantity = 0 removes it (absence is a no-op). Both sides of the delta are
// applied as one logical operation, then the book is truncated, before the
// lock is released — no reader can observe a partially applied delta or an
// untruncated book (spec.md §4.2's ordering rule).
func (b *Book) ApplyUpdate(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	applySideLocked(b.bids, bids)
	applySideLocked(b.asks, asks)
	b.truncateLocked()
}

func applySideLocked(side map[string]Level, deltas []Level) {
	for _, lv := range deltas {
		key := priceKey(lv.Price)
		if lv.Qty.Sign() > 0 {
			side[key] = lv
		} else {
			delete(side, key)
		}
	}
}

// Truncate retains only the depth lowest-price asks and the depth
// highest-price bids. Exported so callers (and tests) can re-assert the
// invariant explicitly; ApplySnapshot and ApplyUpdate already call it
// internally before releasing the lock.
func (b *Book) Truncate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.truncateLocked()
}

func (b *Book) truncateLocked() {
	b.bids = truncateSide(b.bids, b.depth, descending)
	b.asks = truncateSide(b.asks, b.depth, ascending)
}

const (
	ascending = iota
	descending
)

func truncateSide(side map[string]Level, depth, order int) map[string]Level {
	if len(side) <= depth {
		return side
	}
	sorted := sortedLevels(side, order)
	sorted = sorted[:depth]
	trimmed := make(map[string]Level, depth)
	for _, lv := range sorted {
		trimmed[priceKey(lv.Price)] = lv
	}
	return trimmed
}

func sortedLevels(side map[string]Level, order int) []Level {
	out := make([]Level, 0, len(side))
	for _, lv := range side {
		out = append(out, lv)
	}
	switch order {
	case ascending:
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	}
	return out
}

// BestBid returns the highest bid level, if any.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return extreme(b.bids, descending)
}

// BestAsk returns the lowest ask level, if any.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return extreme(b.asks, ascending)
}

func extreme(side map[string]Level, order int) (Level, bool) {
	if len(side) == 0 {
		return Level{}, false
	}
	sorted := sortedLevels(side, order)
	return sorted[0], true
}

// Spread returns best_ask - best_bid. ok is false if either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := extreme(b.bids, descending)
	ask, okA := extreme(b.asks, ascending)
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Mid returns (best_bid + best_ask) / 2. ok is false if either side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := extreme(b.bids, descending)
	ask, okA := extreme(b.asks, ascending)
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// TopAsks returns up to n asks ascending by price (low to high).
func (b *Book) TopAsks(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return topN(b.asks, n, ascending)
}

// TopBids returns up to n bids descending by price (high to low).
func (b *Book) TopBids(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return topN(b.bids, n, descending)
}

func topN(side map[string]Level, n, order int) []Level {
	sorted := sortedLevels(side, order)
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// BookSlice is the JSON-friendly read view returned by SnapshotJSON and the
// status-surface book_slice read view.
type BookSlice struct {
	Symbol string     `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// SnapshotJSON renders a copy-on-read view of the book suitable for JSON
// serialization, bids high-to-low and asks low-to-high, each pair formatted
// as plain decimal strings (not the digest-path fixed-width encoding).
func (b *Book) SnapshotJSON(limit int) BookSlice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids := topN(b.bids, limit, descending)
	asks := topN(b.asks, limit, ascending)

	out := BookSlice{
		Symbol: b.symbol,
		Bids:   make([][2]string, len(bids)),
		Asks:   make([][2]string, len(asks)),
	}
	for i, lv := range bids {
		out.Bids[i] = [2]string{lv.Price.String(), lv.Qty.String()}
	}
	for i, lv := range asks {
		out.Asks[i] = [2]string{lv.Price.String(), lv.Qty.String()}
	}
	return out
}

// Crossed reports whether the book currently violates the no-cross
// invariant (min ask <= max bid). Used by tests; a correctly-applied book
// should never observe this true.
func (b *Book) Crossed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := extreme(b.bids, descending)
	ask, okA := extreme(b.asks, ascending)
	if !okB || !okA {
		return false
	}
	return ask.Price.LessThanOrEqual(bid.Price)
}

// Len returns the current (bids, asks) level counts, mainly for tests.
func (b *Book) Len() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}
