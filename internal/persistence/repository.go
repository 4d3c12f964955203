// Package persistence provides the audit trail of finished executor runs.
package persistence

import (
	"context"
	"time"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// ExecutorRecord is the persisted outcome of one finished executor. It is an
// audit row, not recoverable state: executors are never rebuilt from it.
type ExecutorRecord struct {
	ID           string
	ControllerID string
	Connector    string
	TradingPair  string
	Side         types.Side
	Amount       decimal.Decimal
	EntryPrice   decimal.Decimal
	ClosePrice   decimal.Decimal
	CloseType    types.CloseType
	FilledQuote  decimal.Decimal
	FeesQuote    decimal.Decimal
	NetPnLQuote  decimal.Decimal
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// ControllerSummary aggregates finished runs for one controller.
type ControllerSummary struct {
	ControllerID string
	Runs         int
	NetPnLQuote  decimal.Decimal
	FeesQuote    decimal.Decimal
	VolumeQuote  decimal.Decimal
}

// Repository stores executor outcomes.
type Repository interface {
	SaveExecutorRecord(ctx context.Context, record ExecutorRecord) error
	GetExecutorRecords(ctx context.Context, controllerID string, limit int) ([]ExecutorRecord, error)
	SummarizeController(ctx context.Context, controllerID string) (*ControllerSummary, error)

	Migrate(ctx context.Context) error
	Close() error
}
