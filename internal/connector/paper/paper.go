// Package paper provides a simulated venue connector for paper trading.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfold/positron/internal/connector"
	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Config holds paper venue configuration.
type Config struct {
	Name            string
	QuoteFeeRate    decimal.Decimal // Fraction of notional charged per fill, in quote
	SlippagePct     decimal.Decimal // Adverse slippage applied to market fills
	FillDelay       time.Duration   // Delay between submission and venue ack
	SubmissionsPerS float64         // Order submission rate limit
	SubmissionBurst int
}

// DefaultConfig returns default paper venue config.
func DefaultConfig() Config {
	return Config{
		Name:            "paper",
		QuoteFeeRate:    decimal.RequireFromString("0.001"),
		SlippagePct:     decimal.Zero,
		FillDelay:       0,
		SubmissionsPerS: 50,
		SubmissionBurst: 10,
	}
}

// Connector implements connector.Connector against an in-memory book of
// mid prices and balances. Fills are synthesized: market orders fill at the
// current mid plus slippage, limit orders fill when the mid crosses the
// limit price.
type Connector struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	orders   map[string]*paperOrder

	listenersMu sync.RWMutex
	listeners   []connector.OrderEventListener

	nextOrderID atomic.Int64
	events      chan event
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// event is a queued listener notification.
type event = func(connector.OrderEventListener)

type paperOrder struct {
	order     types.Order
	candidate types.OrderCandidate
}

// New creates a new paper connector and starts its event dispatcher.
func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.SubmissionsPerS <= 0 {
		cfg.SubmissionsPerS = 50
	}
	if cfg.SubmissionBurst <= 0 {
		cfg.SubmissionBurst = 10
	}

	c := &Connector{
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SubmissionsPerS), cfg.SubmissionBurst),
		prices:   make(map[string]decimal.Decimal),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		events:   make(chan event, 256),
		done:     make(chan struct{}),
	}
	c.nextOrderID.Store(1)

	c.wg.Add(1)
	go c.dispatchLoop()

	return c
}

// Name returns the connector name.
func (c *Connector) Name() string {
	return c.cfg.Name
}

// SetBalance sets the available balance for an asset.
func (c *Connector) SetBalance(asset string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[asset] = amount
}

// SetMidPrice updates the mid price for a pair and fills any limit orders
// the new price crosses.
func (c *Connector) SetMidPrice(tradingPair string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[tradingPair] = price

	var crossed []*paperOrder
	for _, po := range c.orders {
		if po.order.TradingPair != tradingPair || !po.order.Status.IsLive() {
			continue
		}
		if po.order.Type != types.OrderTypeLimit {
			continue
		}
		if limitCrossed(po.order.Side, po.order.Price, price) {
			crossed = append(crossed, po)
		}
	}
	var events []event
	for _, po := range crossed {
		events = append(events, c.fillLocked(po, po.order.Price)...)
	}
	c.mu.Unlock()

	c.emit(events...)
}

func limitCrossed(side types.Side, limit, mid decimal.Decimal) bool {
	if side == types.SideBuy {
		return mid.LessThanOrEqual(limit)
	}
	return mid.GreaterThanOrEqual(limit)
}

// PlaceOrder enqueues an order and returns its client order id. Venue
// acknowledgement, fills and rejections are reported asynchronously.
func (c *Connector) PlaceOrder(ctx context.Context, candidate types.OrderCandidate) (string, error) {
	if candidate.TradingPair == "" {
		return "", types.ErrInvalidPair
	}
	if !candidate.Amount.IsPositive() {
		return "", types.ErrInvalidAmount
	}
	if candidate.Type == types.OrderTypeLimit && !candidate.Price.IsPositive() {
		return "", fmt.Errorf("limit order without price: %w", types.ErrInvalidConfig)
	}

	select {
	case <-c.done:
		return "", connector.ErrNotConnected
	default:
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", connector.ErrRateLimited, err)
	}

	orderID := fmt.Sprintf("%s-%06d", c.cfg.Name, c.nextOrderID.Add(1))

	now := time.Now()
	po := &paperOrder{
		order: types.Order{
			OrderID:     orderID,
			TradingPair: candidate.TradingPair,
			Side:        candidate.Side,
			Type:        candidate.Type,
			Price:       candidate.Price,
			Amount:      candidate.Amount,
			Status:      types.OrderStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		candidate: candidate,
	}

	c.mu.Lock()
	c.orders[orderID] = po
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processOrder(po)
	}()

	c.logger.Debug("paper order submitted",
		"order_id", orderID,
		"pair", candidate.TradingPair,
		"side", candidate.Side,
		"type", candidate.Type,
		"amount", candidate.Amount,
	)

	return orderID, nil
}

// processOrder acknowledges an order and fills it if it is marketable.
func (c *Connector) processOrder(po *paperOrder) {
	if c.cfg.FillDelay > 0 {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.FillDelay):
		}
	}

	c.mu.Lock()
	events := c.processOrderLocked(po)
	c.mu.Unlock()

	c.emit(events...)
}

func (c *Connector) processOrderLocked(po *paperOrder) []event {
	if !po.order.Status.IsLive() && po.order.Status != types.OrderStatusPending {
		return nil
	}

	if err := c.checkBalanceLocked(po); err != nil {
		po.order.Status = types.OrderStatusFailed
		po.order.UpdatedAt = time.Now()
		return []event{func(l connector.OrderEventListener) {
			l.OnOrderFailed(connector.OrderFailedEvent{OrderID: po.order.OrderID, Reason: err.Error()})
		}}
	}

	po.order.Status = types.OrderStatusOpen
	po.order.UpdatedAt = time.Now()
	created := po.order
	events := []event{func(l connector.OrderEventListener) {
		l.OnOrderCreated(connector.OrderCreatedEvent{OrderID: created.OrderID, Order: created})
	}}

	switch po.order.Type {
	case types.OrderTypeMarket:
		mid, ok := c.prices[po.order.TradingPair]
		if !ok {
			po.order.Status = types.OrderStatusFailed
			return append(events, func(l connector.OrderEventListener) {
				l.OnOrderFailed(connector.OrderFailedEvent{
					OrderID: po.order.OrderID,
					Reason:  types.ErrPriceUnavailable.Error(),
				})
			})
		}
		events = append(events, c.fillLocked(po, c.applySlippage(po.order.Side, mid))...)
	case types.OrderTypeLimit:
		if mid, ok := c.prices[po.order.TradingPair]; ok && limitCrossed(po.order.Side, po.order.Price, mid) {
			events = append(events, c.fillLocked(po, po.order.Price)...)
		}
	}
	return events
}

func (c *Connector) applySlippage(side types.Side, mid decimal.Decimal) decimal.Decimal {
	if c.cfg.SlippagePct.IsZero() {
		return mid
	}
	slip := mid.Mul(c.cfg.SlippagePct)
	if side == types.SideBuy {
		return mid.Add(slip)
	}
	return mid.Sub(slip)
}

// checkBalanceLocked verifies the account can cover the order.
func (c *Connector) checkBalanceLocked(po *paperOrder) error {
	pair := po.order.TradingPair
	switch po.order.Side {
	case types.SideBuy:
		price := po.order.Price
		if price.IsZero() {
			price = c.prices[pair]
		}
		needed := po.order.Amount.Mul(price)
		if c.balances[types.QuoteAsset(pair)].LessThan(needed) {
			return types.ErrInsufficientBalance
		}
	case types.SideSell:
		if c.balances[types.BaseAsset(pair)].LessThan(po.order.Amount) {
			return types.ErrInsufficientBalance
		}
	}
	return nil
}

// fillLocked fills the remaining amount of an order at the given price and
// returns the filled and completed events for the caller to emit once the
// lock is released. Caller holds c.mu.
func (c *Connector) fillLocked(po *paperOrder, price decimal.Decimal) []event {
	remaining := po.order.Amount.Sub(po.order.ExecutedAmountBase)
	if !remaining.IsPositive() {
		return nil
	}

	fee := remaining.Mul(price).Mul(c.cfg.QuoteFeeRate)

	prevNotional := po.order.AverageExecutedPrice.Mul(po.order.ExecutedAmountBase)
	po.order.ExecutedAmountBase = po.order.ExecutedAmountBase.Add(remaining)
	po.order.AverageExecutedPrice = prevNotional.Add(remaining.Mul(price)).Div(po.order.ExecutedAmountBase)
	po.order.CumFeesQuote = po.order.CumFeesQuote.Add(fee)
	po.order.Status = types.OrderStatusFilled
	po.order.UpdatedAt = time.Now()

	c.settleLocked(po, remaining, price, fee)

	snapshot := po.order

	c.logger.Debug("paper order filled",
		"order_id", snapshot.OrderID,
		"pair", snapshot.TradingPair,
		"price", price,
		"amount", remaining,
		"fee_quote", fee,
	)

	return []event{
		func(l connector.OrderEventListener) {
			l.OnOrderFilled(connector.OrderFilledEvent{
				OrderID:    snapshot.OrderID,
				Order:      snapshot,
				FillAmount: remaining,
				FillPrice:  price,
				FeeQuote:   fee,
			})
		},
		func(l connector.OrderEventListener) {
			l.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: snapshot.OrderID, Order: snapshot})
		},
	}
}

// settleLocked moves balances for a fill. Caller holds c.mu.
func (c *Connector) settleLocked(po *paperOrder, amount, price, fee decimal.Decimal) {
	base := types.BaseAsset(po.order.TradingPair)
	quote := types.QuoteAsset(po.order.TradingPair)
	notional := amount.Mul(price)

	if po.order.Side == types.SideBuy {
		c.balances[quote] = c.balances[quote].Sub(notional).Sub(fee)
		c.balances[base] = c.balances[base].Add(amount)
	} else {
		c.balances[base] = c.balances[base].Sub(amount)
		c.balances[quote] = c.balances[quote].Add(notional).Sub(fee)
	}
}

// CancelOrder cancels a live order. Cancelling an unknown or finished order
// is a no-op.
func (c *Connector) CancelOrder(_ context.Context, _ string, orderID string) error {
	c.mu.Lock()
	po, ok := c.orders[orderID]
	if !ok || po.order.Status.IsFinal() {
		c.mu.Unlock()
		return nil
	}

	po.order.Status = types.OrderStatusCancelled
	po.order.UpdatedAt = time.Now()
	snapshot := po.order
	c.mu.Unlock()

	c.emit(func(l connector.OrderEventListener) {
		l.OnOrderCancelled(connector.OrderCancelledEvent{OrderID: snapshot.OrderID, Order: snapshot})
	})
	return nil
}

// MidPrice returns the current mid price for a pair.
func (c *Connector) MidPrice(_ context.Context, tradingPair string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, ok := c.prices[tradingPair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", tradingPair, types.ErrPriceUnavailable)
	}
	return price, nil
}

// AvailableBalance returns the available balance for an asset.
func (c *Connector) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[asset], nil
}

// QuoteFeeRate returns the fee rate charged on fills, as a fraction of notional.
func (c *Connector) QuoteFeeRate(string, types.OrderType) decimal.Decimal {
	return c.cfg.QuoteFeeRate
}

// Subscribe registers an order event listener.
func (c *Connector) Subscribe(listener connector.OrderEventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Unsubscribe removes a previously registered listener.
func (c *Connector) Unsubscribe(listener connector.OrderEventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// emit queues events for asynchronous delivery to all listeners. Callers
// must not hold c.mu: a full queue blocks here until the dispatcher drains,
// and the dispatcher's listeners may re-enter the connector.
func (c *Connector) emit(events ...event) {
	for _, ev := range events {
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// dispatchLoop delivers queued events to listeners in submission order.
func (c *Connector) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			// Drain what is already queued so shutdown does not drop acks.
			for {
				select {
				case ev := <-c.events:
					c.dispatch(ev)
				default:
					return
				}
			}
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Connector) dispatch(ev event) {
	c.listenersMu.RLock()
	listeners := make([]connector.OrderEventListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		ev(l)
	}
}

// Order returns a snapshot of a tracked order, for tests and diagnostics.
func (c *Connector) Order(orderID string) (types.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	po, ok := c.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return po.order, true
}

// Close stops the connector and waits for in-flight work to finish.
func (c *Connector) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Ensure Connector implements connector.Connector.
var _ connector.Connector = (*Connector)(nil)
