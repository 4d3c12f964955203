package executor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
)

// Default control-loop settings.
const (
	DefaultUpdateInterval  = 1 * time.Second
	DefaultMaxOrderRetries = 10
)

// Config describes one executor instance. It is immutable after Validate;
// the executor itself only caches the resolved entry price, never the config.
type Config struct {
	ID           string
	ControllerID string
	Timestamp    time.Time

	ConnectorName string
	TradingPair   string
	Side          types.Side
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal // optional hint; zero means resolve from mid price

	Barrier BarrierConfig

	UpdateInterval  time.Duration
	MaxOrderRetries int
}

// ApplyDefaults fills in generated and defaulted fields.
func (c *Config) ApplyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ControllerID == "" {
		c.ControllerID = "main"
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.MaxOrderRetries <= 0 {
		c.MaxOrderRetries = DefaultMaxOrderRetries
	}
}

// Validate checks the config. An executor without any exit barrier cannot
// guarantee termination and is rejected here, before any order is placed.
func (c Config) Validate() error {
	if c.TradingPair == "" {
		return types.ErrInvalidPair
	}
	if c.ConnectorName == "" {
		return fmt.Errorf("connector name required: %w", types.ErrInvalidConfig)
	}
	if !c.Amount.IsPositive() {
		return types.ErrInvalidAmount
	}
	if c.EntryPrice.IsNegative() {
		return fmt.Errorf("entry price must not be negative: %w", types.ErrInvalidConfig)
	}
	return c.Barrier.Validate()
}

// EndTime returns the deadline after which the time limit barrier applies.
// The second return is false when no time limit is configured.
func (c Config) EndTime() (time.Time, bool) {
	if !c.Barrier.HasTimeLimit() {
		return time.Time{}, false
	}
	return c.Timestamp.Add(c.Barrier.TimeLimit), true
}
