package executor

import (
	"sync"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// TrailingTracker tracks the best mark price seen since a trailing stop
// activated and decides when the trail is hit.
// Thread-safe for concurrent access.
type TrailingTracker struct {
	mu sync.RWMutex

	side      types.Side
	entry     decimal.Decimal
	cfg       TrailingStop
	activated bool
	best      decimal.Decimal
}

// NewTrailingTracker creates a tracker for one position.
func NewTrailingTracker(side types.Side, entry decimal.Decimal, cfg TrailingStop) *TrailingTracker {
	return &TrailingTracker{
		side:  side,
		entry: entry,
		cfg:   cfg,
	}
}

// Update feeds a new mark price into the tracker and returns true if the
// trailing stop has triggered. Once triggered it keeps returning true.
func (t *TrailingTracker) Update(mark decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.cfg.Enabled() || t.entry.IsZero() {
		return false
	}

	if !t.activated {
		activation := TakeProfitPrice(t.entry, t.side, t.cfg.ActivationPct)
		if !TakeProfitTriggered(mark, activation, t.side) {
			return false
		}
		t.activated = true
		t.best = mark
		return false
	}

	if t.better(mark) {
		t.best = mark
		return false
	}

	trail := StopLossPrice(t.best, t.side, t.cfg.TrailingPct)
	return StopLossTriggered(mark, trail, t.side)
}

// better reports whether mark improves on the best price seen so far.
func (t *TrailingTracker) better(mark decimal.Decimal) bool {
	if t.side == types.SideBuy {
		return mark.GreaterThan(t.best)
	}
	return mark.LessThan(t.best)
}

// Activated returns true once the activation threshold has been crossed.
func (t *TrailingTracker) Activated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activated
}

// Best returns the best mark price seen since activation.
func (t *TrailingTracker) Best() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.best
}
