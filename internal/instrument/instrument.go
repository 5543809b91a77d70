// Package instrument holds per-symbol precision and trading-status
// metadata populated from the exchange's instrument snapshot.
//
// Grounded on internal/asset/registry.go (teacher): a thread-safe
// per-key registry, the same RWMutex + map shape.
package instrument

import (
	"sync"

	"github.com/shopspring/decimal"
)

// TradingStatus mirrors the exchange's instrument trading status field.
type TradingStatus string

const (
	StatusTrading TradingStatus = "TRADING"
	StatusHalted  TradingStatus = "HALTED"
	StatusUnknown TradingStatus = "UNKNOWN"
)

// Descriptor carries the precision and increment metadata required to
// reconstruct a symbol's digest preimage (spec.md §3).
type Descriptor struct {
	Symbol         string
	PricePrecision int32
	QtyPrecision   int32
	PriceIncrement decimal.Decimal
	QtyIncrement   decimal.Decimal
	Status         TradingStatus
}

// Registry is a thread-safe, per-symbol descriptor cache; Set replaces any
// earlier descriptor for the same symbol.
// Invariant (spec.md §3): no book frame for a symbol is processed before
// its descriptor is known here.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Descriptor
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Descriptor)}
}

// Set installs or replaces the descriptor for a symbol. Replacement is
// allowed because a later instrument snapshot may legitimately update
// precision/increment metadata; book state keyed to a stale descriptor is
// the pipeline's problem, not the registry's.
func (r *Registry) Set(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.Symbol] = d
}

// Get retrieves the descriptor for a symbol.
func (r *Registry) Get(symbol string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[symbol]
	return d, ok
}

// Known reports whether a descriptor exists for the symbol.
func (r *Registry) Known(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[symbol]
	return ok
}

// Symbols returns all symbols with a known descriptor.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for s := range r.byID {
		out = append(out, s)
	}
	return out
}
