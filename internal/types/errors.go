package types

import "errors"

// Sentinel errors for the executor system.
var (
	// Configuration errors
	ErrNoExitBarrier = errors.New("no exit barrier configured: at least one of stop loss, take profit or time limit is required")
	ErrInvalidAmount = errors.New("order amount must be positive")
	ErrInvalidPair   = errors.New("invalid trading pair")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Connector errors
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPriceUnavailable    = errors.New("mid price unavailable")

	// Executor errors
	ErrAlreadyStarted  = errors.New("executor already started")
	ErrRetriesExceeded = errors.New("max order retries exceeded")

	// Orchestrator errors
	ErrExecutorNotFound = errors.New("executor not found")
)
