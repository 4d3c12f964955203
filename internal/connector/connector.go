// Package connector defines the exchange connector interface consumed by executors.
package connector

import (
	"context"
	"errors"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// Common connector errors.
var (
	ErrNotConnected = errors.New("connector not connected")
	ErrRateLimited  = errors.New("rate limited by connector")
)

// Connector is the venue collaborator an executor drives orders through.
//
// PlaceOrder is a non-blocking enqueue: it returns a client order id
// immediately and fails only on malformed input. Venue-side confirmation,
// fills, cancellation and rejection are delivered asynchronously to
// subscribed listeners. CancelOrder is best-effort and idempotent; cancelling
// an order that is already done is not an error.
type Connector interface {
	Name() string

	PlaceOrder(ctx context.Context, candidate types.OrderCandidate) (string, error)
	CancelOrder(ctx context.Context, tradingPair, orderID string) error

	MidPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error)
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	QuoteFeeRate(tradingPair string, orderType types.OrderType) decimal.Decimal

	Subscribe(listener OrderEventListener)
	Unsubscribe(listener OrderEventListener)
}

// OrderEventListener receives order lifecycle events from a connector.
//
// Events may be delivered on any goroutine and concurrently with the
// listener's own control flow; listeners must ignore events whose order id
// they do not track.
type OrderEventListener interface {
	OnOrderCreated(event OrderCreatedEvent)
	OnOrderFilled(event OrderFilledEvent)
	OnOrderCompleted(event OrderCompletedEvent)
	OnOrderCancelled(event OrderCancelledEvent)
	OnOrderFailed(event OrderFailedEvent)
}

// OrderCreatedEvent reports that the venue accepted an order.
type OrderCreatedEvent struct {
	OrderID string
	Order   types.Order
}

// OrderFilledEvent reports a full or partial fill.
type OrderFilledEvent struct {
	OrderID    string
	Order      types.Order
	FillAmount decimal.Decimal
	FillPrice  decimal.Decimal
	FeeQuote   decimal.Decimal
}

// OrderCompletedEvent reports that an order is fully filled.
type OrderCompletedEvent struct {
	OrderID string
	Order   types.Order
}

// OrderCancelledEvent reports a confirmed cancellation.
type OrderCancelledEvent struct {
	OrderID string
	Order   types.Order
}

// OrderFailedEvent reports a venue-side rejection.
type OrderFailedEvent struct {
	OrderID string
	Reason  string
}
