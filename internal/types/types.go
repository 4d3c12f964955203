// Package types defines shared types used across the executor system.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or position.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the execution style of an order.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// PositionAction distinguishes orders that open a position from orders that close one.
type PositionAction int

const (
	PositionActionOpen PositionAction = iota
	PositionActionClose
)

func (a PositionAction) String() string {
	if a == PositionActionClose {
		return "CLOSE"
	}
	return "OPEN"
}

// OrderStatus represents the state of a venue-side order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartialFill
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusFailed
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusPartialFill:
		return "PARTIAL_FILL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// IsLive returns true if the order is still working on the venue.
func (s OrderStatus) IsLive() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartialFill:
		return true
	default:
		return false
	}
}

// CloseType records the reason an executor's position was closed.
type CloseType int

const (
	CloseTypeNone CloseType = iota
	CloseTypeStopLoss
	CloseTypeTakeProfit
	CloseTypeTimeLimit
	CloseTypeExternal
	CloseTypeFailed
)

func (c CloseType) String() string {
	switch c {
	case CloseTypeStopLoss:
		return "STOP_LOSS"
	case CloseTypeTakeProfit:
		return "TAKE_PROFIT"
	case CloseTypeTimeLimit:
		return "TIME_LIMIT"
	case CloseTypeExternal:
		return "EXTERNAL"
	case CloseTypeFailed:
		return "FAILED"
	default:
		return "NONE"
	}
}

// OrderCandidate describes one order to be submitted through a connector.
// It is the single closed variant consumed by Connector.PlaceOrder; market
// orders carry a zero Price.
type OrderCandidate struct {
	ConnectorName  string
	TradingPair    string
	Side           Side
	Type           OrderType
	Amount         decimal.Decimal
	Price          decimal.Decimal
	PositionAction PositionAction
}

// Order is a snapshot of a venue-side order as reported by a connector.
type Order struct {
	OrderID              string
	TradingPair          string
	Side                 Side
	Type                 OrderType
	Price                decimal.Decimal
	Amount               decimal.Decimal
	ExecutedAmountBase   decimal.Decimal
	AverageExecutedPrice decimal.Decimal
	CumFeesQuote         decimal.Decimal
	Status               OrderStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BaseAsset returns the base asset of a trading pair in BASE-QUOTE form.
func BaseAsset(tradingPair string) string {
	for i := 0; i < len(tradingPair); i++ {
		if tradingPair[i] == '-' {
			return tradingPair[:i]
		}
	}
	return tradingPair
}

// QuoteAsset returns the quote asset of a trading pair in BASE-QUOTE form.
func QuoteAsset(tradingPair string) string {
	for i := len(tradingPair) - 1; i >= 0; i-- {
		if tradingPair[i] == '-' {
			return tradingPair[i+1:]
		}
	}
	return ""
}
