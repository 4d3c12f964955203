package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording executor metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordExecutorCreated records a new executor being started.
func (r *Recorder) RecordExecutorCreated(controller, pair string) {
	ExecutorsCreatedTotal.WithLabelValues(controller, pair).Inc()
	ExecutorsActive.WithLabelValues(controller).Inc()
}

// RecordExecutorClosed records an executor reaching a terminal state.
func (r *Recorder) RecordExecutorClosed(controller, closeType string) {
	ExecutorsClosedTotal.WithLabelValues(controller, closeType).Inc()
	ExecutorsActive.WithLabelValues(controller).Dec()
}

// RecordOrderSubmitted records an order submission.
func (r *Recorder) RecordOrderSubmitted(pair, side string) {
	OrdersSubmittedTotal.WithLabelValues(pair, side).Inc()
}

// RecordOrderFailure records a venue-side order rejection.
func (r *Recorder) RecordOrderFailure(pair string) {
	OrderFailuresTotal.WithLabelValues(pair).Inc()
}

// RecordPerformance records aggregate controller performance.
func (r *Recorder) RecordPerformance(controller string, netPnL decimal.Decimal) {
	NetPnLQuote.WithLabelValues(controller).Set(netPnL.InexactFloat64())
}

// RecordVolume adds traded volume and fees for a finished executor.
func (r *Recorder) RecordVolume(controller string, volume, fees decimal.Decimal) {
	VolumeQuoteTotal.WithLabelValues(controller).Add(volume.InexactFloat64())
	FeesQuoteTotal.WithLabelValues(controller).Add(fees.InexactFloat64())
}

// RecordError records an internal error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer measures a duration and reports it on observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveControlStep records the elapsed time as a control-step duration.
func (t *Timer) ObserveControlStep() {
	ControlStepDuration.Observe(time.Since(t.start).Seconds())
}
