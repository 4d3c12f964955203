// Package executor implements the bounded-lifetime position executor.
package executor

import (
	"time"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// TrailingStop configures an optional trailing stop barrier. Both fields are
// fractions of the entry price: the trail activates once the position is
// ActivationPct in profit and then triggers when the mark retraces
// TrailingPct from the best price seen since activation.
type TrailingStop struct {
	ActivationPct decimal.Decimal
	TrailingPct   decimal.Decimal
}

// Enabled returns true if the trailing stop is configured.
func (t TrailingStop) Enabled() bool {
	return t.ActivationPct.IsPositive() && t.TrailingPct.IsPositive()
}

// BarrierConfig describes the exit conditions of one executor. Percentage
// thresholds are fractions relative to the entry price (0.01 = 1%); a zero
// value disables that barrier. TimeLimit of zero disables the time barrier.
type BarrierConfig struct {
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	TimeLimit     time.Duration

	OpenOrderType       types.OrderType
	TakeProfitOrderType types.OrderType
	StopLossOrderType   types.OrderType
	TimeLimitOrderType  types.OrderType

	TrailingStop TrailingStop
}

// HasStopLoss returns true if a stop loss barrier is configured.
func (b BarrierConfig) HasStopLoss() bool { return b.StopLossPct.IsPositive() }

// HasTakeProfit returns true if a take profit barrier is configured.
func (b BarrierConfig) HasTakeProfit() bool { return b.TakeProfitPct.IsPositive() }

// HasTimeLimit returns true if a time limit barrier is configured.
func (b BarrierConfig) HasTimeLimit() bool { return b.TimeLimit > 0 }

// Validate rejects configurations that cannot guarantee termination.
func (b BarrierConfig) Validate() error {
	if !b.HasStopLoss() && !b.HasTakeProfit() && !b.HasTimeLimit() {
		return types.ErrNoExitBarrier
	}
	return nil
}

var one = decimal.NewFromInt(1)

// StopLossPrice returns the price at which the stop loss barrier sits.
func StopLossPrice(entry decimal.Decimal, side types.Side, pct decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		return entry.Mul(one.Sub(pct))
	}
	return entry.Mul(one.Add(pct))
}

// TakeProfitPrice returns the price at which the take profit barrier sits.
func TakeProfitPrice(entry decimal.Decimal, side types.Side, pct decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		return entry.Mul(one.Add(pct))
	}
	return entry.Mul(one.Sub(pct))
}

// StopLossTriggered reports whether the mark price has crossed the stop price.
func StopLossTriggered(mark, stopPrice decimal.Decimal, side types.Side) bool {
	if side == types.SideBuy {
		return mark.LessThanOrEqual(stopPrice)
	}
	return mark.GreaterThanOrEqual(stopPrice)
}

// TakeProfitTriggered reports whether the mark price has crossed the take
// profit price.
func TakeProfitTriggered(mark, takeProfitPrice decimal.Decimal, side types.Side) bool {
	if side == types.SideBuy {
		return mark.GreaterThanOrEqual(takeProfitPrice)
	}
	return mark.LessThanOrEqual(takeProfitPrice)
}

// TimeLimitExceeded reports whether the position has been held for at least
// the configured limit.
func TimeLimitExceeded(elapsed, limit time.Duration) bool {
	return limit > 0 && elapsed >= limit
}
