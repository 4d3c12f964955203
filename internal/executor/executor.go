package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/positron/internal/connector"
	"github.com/quantfold/positron/internal/metrics"
	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// Executor drives a single position from an opening order through exactly
// one closing order, monitoring stop-loss, take-profit, trailing-stop and
// time-limit barriers on a fixed cadence.
//
// The control loop runs on its own goroutine and is never re-entrant.
// Connector callbacks arrive on arbitrary goroutines and are serialized
// against the control loop by the executor's mutex; the executor is the
// single writer of all tracked-order state.
type Executor struct {
	cfg      Config
	conn     connector.Connector
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu             sync.Mutex
	status         Status
	closeType      types.CloseType
	closeTimestamp time.Time
	entryPriceHint decimal.Decimal // resolved once from mid price if no hint was configured

	open       TrackedOrder
	takeProfit TrackedOrder
	stopLoss   TrackedOrder
	timeLimit  TrackedOrder
	external   TrackedOrder

	closingLeg     types.CloseType // which close leg claimed the CLOSE_PLACED transition
	cancelCause    types.CloseType // why the open order cancel was issued
	tpRenewPending bool            // a take-profit cancel is in flight; do not place until confirmed
	orderRetries   int
	cancelAttempts int
	stopRequested  bool
	finished       bool

	trailing *TrailingTracker

	started bool
	done    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates an executor. The config is validated here; an executor with no
// exit barrier is rejected before any order is placed.
func New(cfg Config, conn connector.Connector, logger *slog.Logger) (*Executor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("executor config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		cfg:  cfg,
		conn: conn,
		logger: logger.With(
			"executor_id", cfg.ID,
			"pair", cfg.TradingPair,
			"side", cfg.Side.String(),
		),
		recorder:       metrics.NewRecorder(),
		entryPriceHint: cfg.EntryPrice,
		done:           make(chan struct{}),
		now:            time.Now,
	}, nil
}

// Config returns the executor's immutable configuration.
func (e *Executor) Config() Config { return e.cfg }

// Start subscribes to connector events and launches the control loop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return types.ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	e.conn.Subscribe(e)

	e.wg.Add(1)
	go e.run(ctx)

	e.logger.Info("executor started",
		"controller", e.cfg.ControllerID,
		"amount", e.cfg.Amount,
		"stop_loss_pct", e.cfg.Barrier.StopLossPct,
		"take_profit_pct", e.cfg.Barrier.TakeProfitPct,
		"time_limit", e.cfg.Barrier.TimeLimit,
	)
	return nil
}

// Stop requests a graceful shutdown. The next control step cancels or
// closes whatever is still open; the loop exits once cleanup is confirmed.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()
}

// Done is closed when the control loop has exited and cleanup has run.
func (e *Executor) Done() <-chan struct{} { return e.done }

// run is the control loop. Listener deregistration is deferred so it happens
// exactly once on every exit path.
func (e *Executor) run(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.done)
	defer e.conn.Unsubscribe(e)

	ticker := time.NewTicker(e.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		e.controlStep(ctx)

		e.mu.Lock()
		finished := e.finished
		e.mu.Unlock()
		if finished {
			e.logger.Info("executor finished",
				"status", e.Status(),
				"close_type", e.CloseType(),
			)
			return
		}

		select {
		case <-ctx.Done():
			e.abort(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
		}
	}
}

// abort handles an externally cancelled context: best-effort cancel of live
// orders and a terminal external close so the owner never sees a stuck
// non-terminal executor.
func (e *Executor) abort(ctx context.Context) {
	e.mu.Lock()
	legs := e.liveLegsLocked()
	if !e.status.IsTerminal() {
		e.closeLocked(StatusClosedExternally, types.CloseTypeExternal)
	}
	e.finished = true
	e.mu.Unlock()

	for _, leg := range legs {
		if err := e.conn.CancelOrder(ctx, e.cfg.TradingPair, leg); err != nil {
			e.logger.Warn("cancel on abort failed", "order_id", leg, "err", err)
		}
	}
	e.logger.Info("executor aborted", "status", e.Status())
}

// controlStep runs one tick of the state machine. Venue call failures are
// contained here; they never propagate to the owner.
func (e *Executor) controlStep(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusNotStarted:
		e.notStartedStepLocked(ctx)
	case StatusOrderPlaced:
		e.orderPlacedStepLocked(ctx)
	case StatusActivePosition:
		e.activePositionStepLocked(ctx)
	case StatusClosePlaced:
		e.closePlacedStepLocked(ctx)
	default:
		e.terminalStepLocked(ctx)
	}
}

// notStartedStepLocked submits the opening order, or terminates directly if
// the time limit elapsed (or a stop arrived) before anything was live.
func (e *Executor) notStartedStepLocked(ctx context.Context) {
	if e.stopRequested {
		e.closeLocked(StatusClosedExternally, types.CloseTypeExternal)
		return
	}

	if end, ok := e.cfg.EndTime(); ok && !e.now().Before(end) {
		e.closeLocked(StatusCanceledByTimeLimit, types.CloseTypeTimeLimit)
		return
	}

	if e.open.HasOrderID() {
		return
	}

	price := e.entryPriceForOpenLocked(ctx)
	candidate := types.OrderCandidate{
		ConnectorName:  e.cfg.ConnectorName,
		TradingPair:    e.cfg.TradingPair,
		Side:           e.cfg.Side,
		Type:           e.cfg.Barrier.OpenOrderType,
		Amount:         e.cfg.Amount,
		Price:          price,
		PositionAction: types.PositionActionOpen,
	}

	orderID, err := e.conn.PlaceOrder(ctx, candidate)
	if err != nil {
		// Leave the id unset so the next tick retries.
		e.logger.Warn("open order placement failed", "err", err)
		return
	}

	e.open.assign(orderID)
	e.status = StatusOrderPlaced
	e.recorder.RecordOrderSubmitted(e.cfg.TradingPair, candidate.Side.String())
	e.logger.Info("open order placed", "order_id", orderID, "price", price)
}

// entryPriceForOpenLocked returns the price for the opening order: the
// configured hint, or the live mid price resolved (and cached) on first use.
func (e *Executor) entryPriceForOpenLocked(ctx context.Context) decimal.Decimal {
	if e.cfg.Barrier.OpenOrderType == types.OrderTypeMarket {
		return decimal.Zero
	}
	if e.entryPriceHint.IsPositive() {
		return e.entryPriceHint
	}
	if mid, err := e.conn.MidPrice(ctx, e.cfg.TradingPair); err == nil {
		e.entryPriceHint = mid
		return mid
	}
	return decimal.Zero
}

// orderPlacedStepLocked cancels the still-unfilled open order once the time
// limit expires or a stop is requested. The cancel is idempotent; the
// terminal transition happens when the cancellation confirmation arrives.
func (e *Executor) orderPlacedStepLocked(ctx context.Context) {
	end, hasEnd := e.cfg.EndTime()
	expired := hasEnd && !e.now().Before(end)

	if !expired && !e.stopRequested {
		return
	}

	cause := types.CloseTypeTimeLimit
	if e.stopRequested && !expired {
		cause = types.CloseTypeExternal
	}
	e.cancelCause = cause

	if err := e.conn.CancelOrder(ctx, e.cfg.TradingPair, e.open.OrderID()); err != nil {
		e.logger.Warn("open order cancel failed", "order_id", e.open.OrderID(), "err", err)
	}
}

// activePositionStepLocked maintains the take-profit order and evaluates the
// stop-loss, trailing-stop and time-limit barriers.
//
// Stop-loss and time-limit are both evaluated every tick; whichever places
// its close order first claims the CLOSE_PLACED transition. The mutual
// exclusion is the order-existence check, not a priority order.
func (e *Executor) activePositionStepLocked(ctx context.Context) {
	if e.stopRequested {
		e.placeCloseOrderLocked(ctx, types.CloseTypeExternal)
		return
	}

	e.maintainTakeProfitLocked(ctx)

	mark, markErr := e.conn.MidPrice(ctx, e.cfg.TradingPair)

	if e.cfg.Barrier.HasStopLoss() && markErr == nil && e.closingLeg == types.CloseTypeNone {
		stopPrice := StopLossPrice(e.positionEntryPriceLocked(), e.cfg.Side, e.cfg.Barrier.StopLossPct)
		if StopLossTriggered(mark, stopPrice, e.cfg.Side) {
			e.placeCloseOrderLocked(ctx, types.CloseTypeStopLoss)
		}
	}

	if e.cfg.Barrier.TrailingStop.Enabled() && markErr == nil && e.closingLeg == types.CloseTypeNone {
		if e.trailing == nil {
			e.trailing = NewTrailingTracker(e.cfg.Side, e.positionEntryPriceLocked(), e.cfg.Barrier.TrailingStop)
		}
		if e.trailing.Update(mark) {
			e.placeCloseOrderLocked(ctx, types.CloseTypeStopLoss)
		}
	}

	if end, ok := e.cfg.EndTime(); ok && !e.now().Before(end) && e.closingLeg == types.CloseTypeNone {
		e.placeCloseOrderLocked(ctx, types.CloseTypeTimeLimit)
	}
}

// maintainTakeProfitLocked places the take-profit order once the open order
// has fills, and renews it when additional fills changed the position size.
// The renew is cancel-then-wait-then-place: nothing is placed while the
// previous instance's cancellation is unconfirmed.
func (e *Executor) maintainTakeProfitLocked(ctx context.Context) {
	if !e.cfg.Barrier.HasTakeProfit() || e.tpRenewPending {
		return
	}

	executed := e.open.ExecutedAmountBase()
	if !executed.IsPositive() {
		return
	}

	if e.takeProfit.HasOrderID() {
		current, ok := e.takeProfit.Order()
		if ok && !current.Status.IsFinal() && !current.Amount.Equal(executed) {
			e.tpRenewPending = true
			if err := e.conn.CancelOrder(ctx, e.cfg.TradingPair, e.takeProfit.OrderID()); err != nil {
				e.logger.Warn("take profit cancel for renew failed", "err", err)
			}
		}
		return
	}

	entry := e.positionEntryPriceLocked()
	candidate := types.OrderCandidate{
		ConnectorName:  e.cfg.ConnectorName,
		TradingPair:    e.cfg.TradingPair,
		Side:           e.cfg.Side.Opposite(),
		Type:           e.cfg.Barrier.TakeProfitOrderType,
		Amount:         executed,
		Price:          TakeProfitPrice(entry, e.cfg.Side, e.cfg.Barrier.TakeProfitPct),
		PositionAction: types.PositionActionClose,
	}

	orderID, err := e.conn.PlaceOrder(ctx, candidate)
	if err != nil {
		e.logger.Warn("take profit placement failed", "err", err)
		return
	}
	e.takeProfit.assign(orderID)
	e.recorder.RecordOrderSubmitted(e.cfg.TradingPair, candidate.Side.String())
	e.logger.Info("take profit placed", "order_id", orderID, "price", candidate.Price, "amount", executed)
}

// placeCloseOrderLocked submits the market close order for one barrier leg
// and transitions to CLOSE_PLACED. Sizing excludes whatever the take-profit
// order already filled.
func (e *Executor) placeCloseOrderLocked(ctx context.Context, cause types.CloseType) {
	amount := e.amountToCloseLocked()
	if !amount.IsPositive() {
		// Nothing left to close; the take-profit completion event settles it.
		return
	}

	leg := e.closeLegLocked(cause)
	if leg.HasOrderID() {
		return
	}

	orderType := e.closeOrderTypeLocked(cause)
	candidate := types.OrderCandidate{
		ConnectorName:  e.cfg.ConnectorName,
		TradingPair:    e.cfg.TradingPair,
		Side:           e.cfg.Side.Opposite(),
		Type:           orderType,
		Amount:         amount,
		PositionAction: types.PositionActionClose,
	}

	orderID, err := e.conn.PlaceOrder(ctx, candidate)
	if err != nil {
		e.logger.Warn("close order placement failed", "cause", cause, "err", err)
		return
	}

	leg.assign(orderID)
	e.closingLeg = cause
	e.status = StatusClosePlaced
	e.recorder.RecordOrderSubmitted(e.cfg.TradingPair, candidate.Side.String())
	e.logger.Info("close order placed",
		"order_id", orderID,
		"cause", cause,
		"amount", amount,
	)
}

func (e *Executor) closeLegLocked(cause types.CloseType) *TrackedOrder {
	switch cause {
	case types.CloseTypeStopLoss:
		return &e.stopLoss
	case types.CloseTypeTimeLimit:
		return &e.timeLimit
	default:
		return &e.external
	}
}

func (e *Executor) closeOrderTypeLocked(cause types.CloseType) types.OrderType {
	switch cause {
	case types.CloseTypeStopLoss:
		return e.cfg.Barrier.StopLossOrderType
	case types.CloseTypeTimeLimit:
		return e.cfg.Barrier.TimeLimitOrderType
	default:
		return types.OrderTypeMarket
	}
}

// amountToCloseLocked is the open order's executed amount minus whatever the
// take-profit order already filled.
func (e *Executor) amountToCloseLocked() decimal.Decimal {
	return e.open.ExecutedAmountBase().Sub(e.takeProfit.ExecutedAmountBase())
}

// closePlacedStepLocked resubmits the claimed close leg if a failure event
// cleared its id. The retry budget is enforced in the failure handler.
func (e *Executor) closePlacedStepLocked(ctx context.Context) {
	if e.closingLeg == types.CloseTypeNone {
		return
	}
	if leg := e.closeLegLocked(e.closingLeg); !leg.HasOrderID() {
		e.placeResubmittedCloseLocked(ctx)
	}
}

func (e *Executor) placeResubmittedCloseLocked(ctx context.Context) {
	amount := e.amountToCloseLocked()
	if !amount.IsPositive() {
		return
	}

	candidate := types.OrderCandidate{
		ConnectorName:  e.cfg.ConnectorName,
		TradingPair:    e.cfg.TradingPair,
		Side:           e.cfg.Side.Opposite(),
		Type:           e.closeOrderTypeLocked(e.closingLeg),
		Amount:         amount,
		PositionAction: types.PositionActionClose,
	}

	orderID, err := e.conn.PlaceOrder(ctx, candidate)
	if err != nil {
		e.logger.Warn("close order resubmission failed", "cause", e.closingLeg, "err", err)
		return
	}
	e.closeLegLocked(e.closingLeg).assign(orderID)
	e.recorder.RecordOrderSubmitted(e.cfg.TradingPair, candidate.Side.String())
	e.logger.Info("close order resubmitted", "order_id", orderID, "cause", e.closingLeg)
}

// terminalStepLocked is the guaranteed-cleanup step: cancel anything still
// live, then signal loop termination. It keeps trying up to the retry bound
// even if cancellation keeps failing.
func (e *Executor) terminalStepLocked(ctx context.Context) {
	legs := e.liveLegsLocked()
	if len(legs) == 0 || e.cancelAttempts > e.cfg.MaxOrderRetries {
		if len(legs) > 0 {
			e.logger.Error("giving up on cleanup cancels", "live_orders", legs)
		}
		e.finished = true
		return
	}

	e.cancelAttempts++
	for _, leg := range legs {
		if err := e.conn.CancelOrder(ctx, e.cfg.TradingPair, leg); err != nil {
			e.logger.Warn("cleanup cancel failed", "order_id", leg, "err", err)
		}
	}
}

// liveLegsLocked returns the ids of all tracked orders still live on the venue.
func (e *Executor) liveLegsLocked() []string {
	var legs []string
	for _, t := range []*TrackedOrder{&e.open, &e.takeProfit, &e.stopLoss, &e.timeLimit, &e.external} {
		if t.IsLive() {
			legs = append(legs, t.OrderID())
		}
	}
	return legs
}

// closeLocked enters a terminal state, recording close type and close
// timestamp exactly once.
func (e *Executor) closeLocked(status Status, closeType types.CloseType) {
	if e.status.IsTerminal() {
		return
	}
	e.status = status
	e.closeType = closeType
	e.closeTimestamp = e.now()
	e.logger.Info("executor closed", "status", status, "close_type", closeType)
}

// ---- connector event callbacks ----
//
// Callbacks referencing ids the executor does not track are ignored: events
// may arrive for orders already cleared or for other executors sharing the
// connector.

// OnOrderCreated attaches the venue snapshot to the matching tracked order.
func (e *Executor) OnOrderCreated(event connector.OrderCreatedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.trackedLocked() {
		t.apply(event.Order)
	}
}

// OnOrderFilled refreshes the matching snapshot; a fill on the open order
// makes (or keeps) the position active.
func (e *Executor) OnOrderFilled(event connector.OrderFilledEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.trackedLocked() {
		t.apply(event.Order)
	}

	if event.OrderID == e.open.OrderID() && e.status == StatusOrderPlaced {
		e.status = StatusActivePosition
		e.logger.Info("position opened",
			"executed_base", event.Order.ExecutedAmountBase,
			"avg_price", event.Order.AverageExecutedPrice,
		)
	}
}

// OnOrderCompleted maps a completed leg to its state transition.
func (e *Executor) OnOrderCompleted(event connector.OrderCompletedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.trackedLocked() {
		t.apply(event.Order)
	}

	switch event.OrderID {
	case "":
		return
	case e.open.OrderID():
		if e.status == StatusOrderPlaced {
			e.status = StatusActivePosition
		}
	case e.takeProfit.OrderID():
		e.closeLocked(StatusClosedByTakeProfit, types.CloseTypeTakeProfit)
	case e.stopLoss.OrderID():
		e.closeLocked(StatusClosedByStopLoss, types.CloseTypeStopLoss)
	case e.timeLimit.OrderID():
		e.closeLocked(StatusClosedByTimeLimit, types.CloseTypeTimeLimit)
	case e.external.OrderID():
		e.closeLocked(StatusClosedExternally, types.CloseTypeExternal)
	}
}

// OnOrderCancelled handles cancel confirmations: a cancelled unfilled open
// order terminates the executor; a cancelled take-profit either completes a
// renew or confirms cleanup.
func (e *Executor) OnOrderCancelled(event connector.OrderCancelledEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.trackedLocked() {
		t.apply(event.Order)
	}

	switch event.OrderID {
	case "":
		return
	case e.open.OrderID():
		if e.status == StatusOrderPlaced && !e.open.ExecutedAmountBase().IsPositive() {
			if e.cancelCause == types.CloseTypeExternal {
				e.closeLocked(StatusClosedExternally, types.CloseTypeExternal)
			} else {
				e.closeLocked(StatusCanceledByTimeLimit, types.CloseTypeTimeLimit)
			}
		}
	case e.takeProfit.OrderID():
		if e.tpRenewPending {
			e.takeProfit.reset()
			e.tpRenewPending = false
		}
	}
}

// OnOrderFailed resubmits the corresponding leg by clearing its id so the
// next tick retries with the same sizing and pricing. A failed open order
// returns to the pre-placement sub-state, never regressing an active
// position. The retry budget is bounded; exhausting it fails the executor.
func (e *Executor) OnOrderFailed(event connector.OrderFailedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch event.OrderID {
	case "":
		return
	case e.open.OrderID():
		e.open.reset()
		if e.status == StatusOrderPlaced {
			e.status = StatusNotStarted
		}
	case e.takeProfit.OrderID():
		e.takeProfit.reset()
		e.tpRenewPending = false
	case e.stopLoss.OrderID():
		e.stopLoss.reset()
	case e.timeLimit.OrderID():
		e.timeLimit.reset()
	case e.external.OrderID():
		e.external.reset()
	default:
		return
	}

	e.orderRetries++
	e.recorder.RecordOrderFailure(e.cfg.TradingPair)
	e.logger.Warn("order failed",
		"order_id", event.OrderID,
		"reason", event.Reason,
		"retries", e.orderRetries,
	)

	if e.orderRetries > e.cfg.MaxOrderRetries && !e.status.IsTerminal() {
		e.logger.Error("giving up on order placement", "err", types.ErrRetriesExceeded)
		e.closeLocked(StatusFailed, types.CloseTypeFailed)
	}
}

func (e *Executor) trackedLocked() []*TrackedOrder {
	return []*TrackedOrder{&e.open, &e.takeProfit, &e.stopLoss, &e.timeLimit, &e.external}
}

// positionEntryPriceLocked resolves the effective entry price: the open
// order's average executed price when filled, else the configured hint.
func (e *Executor) positionEntryPriceLocked() decimal.Decimal {
	if avg := e.open.AverageExecutedPrice(); avg.IsPositive() {
		return avg
	}
	return e.entryPriceHint
}

// ---- exposed state ----

// Status returns the current lifecycle state.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CloseType returns the recorded close cause, CloseTypeNone while open.
func (e *Executor) CloseType() types.CloseType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeType
}

// CloseTimestamp returns when the terminal state was entered.
func (e *Executor) CloseTimestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeTimestamp
}

// IsClosed returns true once the executor is in a terminal state.
func (e *Executor) IsClosed() bool { return e.Status().IsTerminal() }

// IsActive returns true from start until a terminal state is entered.
func (e *Executor) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.status.IsTerminal()
}

// IsTrading returns true while the executor holds a filled position that is
// not yet closed.
func (e *Executor) IsTrading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.status.IsTerminal() && e.open.ExecutedAmountBase().IsPositive()
}
