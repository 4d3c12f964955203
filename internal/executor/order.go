package executor

import (
	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// TrackedOrder correlates a client order id with the latest venue-side
// snapshot of that order. It is created empty, assigned an id when the order
// is submitted, and populated by the order-created event.
//
// TrackedOrder is not safe for concurrent use on its own: the owning
// Executor is the single writer and guards all access with its mutex.
// Callbacks never mutate it directly; they hand snapshots to the Executor,
// which applies them.
type TrackedOrder struct {
	orderID string
	order   *types.Order
}

// OrderID returns the client order id, empty while unassigned.
func (t *TrackedOrder) OrderID() string { return t.orderID }

// HasOrderID returns true once the order has been submitted.
func (t *TrackedOrder) HasOrderID() bool { return t.orderID != "" }

// HasOrder returns true once a venue snapshot has been attached.
func (t *TrackedOrder) HasOrder() bool { return t.order != nil }

// Order returns a copy of the venue snapshot, if any.
func (t *TrackedOrder) Order() (types.Order, bool) {
	if t.order == nil {
		return types.Order{}, false
	}
	return *t.order, true
}

// ExecutedAmountBase returns the filled base amount, zero while no snapshot
// is attached.
func (t *TrackedOrder) ExecutedAmountBase() decimal.Decimal {
	if t.order == nil {
		return decimal.Zero
	}
	return t.order.ExecutedAmountBase
}

// AverageExecutedPrice returns the average fill price, zero while no
// snapshot is attached.
func (t *TrackedOrder) AverageExecutedPrice() decimal.Decimal {
	if t.order == nil {
		return decimal.Zero
	}
	return t.order.AverageExecutedPrice
}

// CumFeesQuote returns the cumulative fees paid on this order, in quote.
func (t *TrackedOrder) CumFeesQuote() decimal.Decimal {
	if t.order == nil {
		return decimal.Zero
	}
	return t.order.CumFeesQuote
}

// IsDone returns true once the venue reports a terminal order status.
func (t *TrackedOrder) IsDone() bool {
	return t.order != nil && t.order.Status.IsFinal()
}

// IsLive returns true while the order is submitted and not yet terminal.
func (t *TrackedOrder) IsLive() bool {
	if !t.HasOrderID() {
		return false
	}
	return t.order == nil || !t.order.Status.IsFinal()
}

// assign records the client order id. Called once per submission.
func (t *TrackedOrder) assign(orderID string) {
	t.orderID = orderID
}

// apply attaches or refreshes the venue snapshot if the id matches.
func (t *TrackedOrder) apply(order types.Order) {
	if t.orderID == "" || t.orderID != order.OrderID {
		return
	}
	snapshot := order
	t.order = &snapshot
}

// reset clears the order so the leg can be resubmitted after a failure.
func (t *TrackedOrder) reset() {
	t.orderID = ""
	t.order = nil
}
