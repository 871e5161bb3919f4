// Package risk enforces Topstep-style funded-account rules per account:
// daily loss limit, trailing max drawdown, the consistency rule, session
// cutoff and per-trade sizing. Money math uses decimals; binary floats
// accumulate cents into disputes.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// HighWaterTracker tracks peak equity for the trailing drawdown rule.
// Thread-safe.
type HighWaterTracker struct {
	mu      sync.RWMutex
	peak    decimal.Decimal
	current decimal.Decimal
}

// NewHighWaterTracker creates a tracker seeded with the starting equity.
func NewHighWaterTracker(initial decimal.Decimal) *HighWaterTracker {
	return &HighWaterTracker{peak: initial, current: initial}
}

// Update records the latest equity. Returns true when a new peak was set.
func (h *HighWaterTracker) Update(equity decimal.Decimal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = equity
	if equity.GreaterThan(h.peak) {
		h.peak = equity
		return true
	}
	return false
}

// Current returns the latest recorded equity.
func (h *HighWaterTracker) Current() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Peak returns the high-water mark.
func (h *HighWaterTracker) Peak() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peak
}

// Drawdown returns peak minus current in dollars; zero at or above the
// peak. Topstep's trailing limit is an absolute dollar figure, not a
// percentage.
func (h *HighWaterTracker) Drawdown() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current.GreaterThanOrEqual(h.peak) {
		return decimal.Zero
	}
	return h.peak.Sub(h.current)
}
