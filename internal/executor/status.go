package executor

// Status represents the executor lifecycle state.
type Status int

const (
	StatusNotStarted Status = iota
	StatusOrderPlaced
	StatusActivePosition
	StatusClosePlaced
	StatusCanceledByTimeLimit
	StatusClosedByStopLoss
	StatusClosedByTakeProfit
	StatusClosedByTimeLimit
	StatusClosedExternally
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusOrderPlaced:
		return "ORDER_PLACED"
	case StatusActivePosition:
		return "ACTIVE_POSITION"
	case StatusClosePlaced:
		return "CLOSE_PLACED"
	case StatusCanceledByTimeLimit:
		return "CANCELED_BY_TIME_LIMIT"
	case StatusClosedByStopLoss:
		return "CLOSED_BY_STOP_LOSS"
	case StatusClosedByTakeProfit:
		return "CLOSED_BY_TAKE_PROFIT"
	case StatusClosedByTimeLimit:
		return "CLOSED_BY_TIME_LIMIT"
	case StatusClosedExternally:
		return "CLOSED_EXTERNALLY"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true for states the executor never leaves.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceledByTimeLimit, StatusClosedByStopLoss, StatusClosedByTakeProfit,
		StatusClosedByTimeLimit, StatusClosedExternally, StatusFailed:
		return true
	default:
		return false
	}
}
