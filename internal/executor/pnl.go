package executor

import (
	"context"
	"time"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// pnlState is an immutable snapshot of everything PnL math needs, taken
// under the executor mutex so the arithmetic itself runs lock-free.
type pnlState struct {
	side         types.Side
	status       Status
	closeType    types.CloseType
	entryHint    decimal.Decimal
	openExecuted decimal.Decimal
	openAvg      decimal.Decimal
	closeAvg     decimal.Decimal
	closeKnown   bool
	fees         decimal.Decimal
	filledQuote  decimal.Decimal
}

func (e *Executor) pnlStateLocked() pnlState {
	s := pnlState{
		side:         e.cfg.Side,
		status:       e.status,
		closeType:    e.closeType,
		entryHint:    e.entryPriceHint,
		openExecuted: e.open.ExecutedAmountBase(),
		openAvg:      e.open.AverageExecutedPrice(),
	}

	for _, t := range e.trackedLocked() {
		s.fees = s.fees.Add(t.CumFeesQuote())
		s.filledQuote = s.filledQuote.Add(t.ExecutedAmountBase().Mul(t.AverageExecutedPrice()))
	}

	if e.status.IsTerminal() {
		var closeLeg *TrackedOrder
		switch e.closeType {
		case types.CloseTypeTakeProfit:
			closeLeg = &e.takeProfit
		case types.CloseTypeStopLoss:
			closeLeg = &e.stopLoss
		case types.CloseTypeTimeLimit:
			closeLeg = &e.timeLimit
		case types.CloseTypeExternal:
			closeLeg = &e.external
		}
		if closeLeg != nil && closeLeg.AverageExecutedPrice().IsPositive() {
			s.closeAvg = closeLeg.AverageExecutedPrice()
			s.closeKnown = true
		}
	}

	return s
}

func (e *Executor) pnlState() pnlState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pnlStateLocked()
}

// entryPrice resolves the effective entry: average executed price of the open
// order if any fill occurred, else the configured hint, else the current mid.
func (s pnlState) entryPrice(mid decimal.Decimal) decimal.Decimal {
	if s.openAvg.IsPositive() {
		return s.openAvg
	}
	if s.entryHint.IsPositive() {
		return s.entryHint
	}
	return mid
}

// referencePrice is the close price once closed, the mid price while open.
func (s pnlState) referencePrice(mid decimal.Decimal) decimal.Decimal {
	if s.closeKnown {
		return s.closeAvg
	}
	return mid
}

// pnlFraction is (reference - entry) / entry for longs, mirrored for shorts.
func (s pnlState) pnlFraction(mid decimal.Decimal) decimal.Decimal {
	entry := s.entryPrice(mid)
	if !entry.IsPositive() {
		return decimal.Zero
	}
	fraction := s.referencePrice(mid).Sub(entry).Div(entry)
	if s.side == types.SideSell {
		fraction = fraction.Neg()
	}
	return fraction
}

// pnlQuote is pnlFraction x executed base x entry price.
func (s pnlState) pnlQuote(mid decimal.Decimal) decimal.Decimal {
	return s.pnlFraction(mid).Mul(s.openExecuted).Mul(s.entryPrice(mid))
}

// midForPnL fetches the mid price only when the snapshot still needs it.
func (e *Executor) midForPnL(ctx context.Context, s pnlState) decimal.Decimal {
	if s.closeKnown && s.openAvg.IsPositive() {
		return decimal.Zero
	}
	mid, err := e.conn.MidPrice(ctx, e.cfg.TradingPair)
	if err != nil {
		return decimal.Zero
	}
	return mid
}

// NetPnLQuote returns realized-plus-unrealized PnL net of fees, in quote.
func (e *Executor) NetPnLQuote(ctx context.Context) decimal.Decimal {
	s := e.pnlState()
	mid := e.midForPnL(ctx, s)
	return s.pnlQuote(mid).Sub(s.fees)
}

// NetPnLPct returns net PnL as a fraction of the position's entry notional.
func (e *Executor) NetPnLPct(ctx context.Context) decimal.Decimal {
	s := e.pnlState()
	mid := e.midForPnL(ctx, s)
	notional := s.openExecuted.Mul(s.entryPrice(mid))
	if !notional.IsPositive() {
		return decimal.Zero
	}
	return s.pnlQuote(mid).Sub(s.fees).Div(notional)
}

// CumFeesQuote returns the sum of fees across every tracked order, in quote.
func (e *Executor) CumFeesQuote() decimal.Decimal {
	return e.pnlState().fees
}

// FilledAmountQuote returns total filled notional across all legs, in quote.
func (e *Executor) FilledAmountQuote() decimal.Decimal {
	return e.pnlState().filledQuote
}

// Result summarizes the outcome of one executor for reporting and the audit
// trail. Price fields are zero where the executor never got that far.
type Result struct {
	ID           string
	ControllerID string
	Connector    string
	TradingPair  string
	Side         types.Side
	Amount       decimal.Decimal
	Status       Status
	CloseType    types.CloseType
	EntryPrice   decimal.Decimal
	ClosePrice   decimal.Decimal
	ExecutedBase decimal.Decimal
	FilledQuote  decimal.Decimal
	FeesQuote    decimal.Decimal
	NetPnLQuote  decimal.Decimal
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// Result returns the outcome snapshot. For executors still open the PnL is
// marked to the current mid price.
func (e *Executor) Result(ctx context.Context) Result {
	s := e.pnlState()
	mid := e.midForPnL(ctx, s)

	e.mu.Lock()
	result := Result{
		ID:           e.cfg.ID,
		ControllerID: e.cfg.ControllerID,
		Connector:    e.cfg.ConnectorName,
		TradingPair:  e.cfg.TradingPair,
		Side:         e.cfg.Side,
		Amount:       e.cfg.Amount,
		Status:       e.status,
		CloseType:    e.closeType,
		CreatedAt:    e.cfg.Timestamp,
		ClosedAt:     e.closeTimestamp,
	}
	e.mu.Unlock()

	result.EntryPrice = s.entryPrice(mid)
	result.ClosePrice = s.closeAvg
	result.ExecutedBase = s.openExecuted
	result.FilledQuote = s.filledQuote
	result.FeesQuote = s.fees
	result.NetPnLQuote = s.pnlQuote(mid).Sub(s.fees)
	return result
}

// CustomInfo returns a diagnostic snapshot for status reporting.
func (e *Executor) CustomInfo() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := map[string]any{
		"id":                e.cfg.ID,
		"controller_id":     e.cfg.ControllerID,
		"connector":         e.cfg.ConnectorName,
		"trading_pair":      e.cfg.TradingPair,
		"side":              e.cfg.Side.String(),
		"amount":            e.cfg.Amount.String(),
		"status":            e.status.String(),
		"close_type":        e.closeType.String(),
		"stop_loss_pct":     e.cfg.Barrier.StopLossPct.String(),
		"take_profit_pct":   e.cfg.Barrier.TakeProfitPct.String(),
		"time_limit":        e.cfg.Barrier.TimeLimit.String(),
		"entry_price":       e.positionEntryPriceLocked().String(),
		"executed_base":     e.open.ExecutedAmountBase().String(),
		"order_retries":     e.orderRetries,
		"cancel_attempts":   e.cancelAttempts,
		"open_order_id":     e.open.OrderID(),
		"take_profit_id":    e.takeProfit.OrderID(),
		"stop_loss_id":      e.stopLoss.OrderID(),
		"time_limit_id":     e.timeLimit.OrderID(),
		"external_close_id": e.external.OrderID(),
		"tp_renew_pending":  e.tpRenewPending,
		"stop_requested":    e.stopRequested,
	}
	if e.trailing != nil {
		info["trailing_activated"] = e.trailing.Activated()
		info["trailing_best"] = e.trailing.Best().String()
	}
	return info
}
