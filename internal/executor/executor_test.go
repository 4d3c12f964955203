package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/quantfold/positron/internal/connector"
	"github.com/quantfold/positron/internal/metrics"
	"github.com/quantfold/positron/internal/types"
)

// mockConnector implements connector.Connector for testing. Every call is
// recorded; failures are injected through placeErr / cancelErr / midErr.
type mockConnector struct {
	mu          sync.Mutex
	nextID      int
	placed      []types.OrderCandidate
	placedIDs   []string
	cancelled   []string
	subscribed  int
	unsubscribe int

	mid       decimal.Decimal
	midErr    error
	placeErr  error
	cancelErr error
}

func newMockConnector(mid string) *mockConnector {
	return &mockConnector{mid: decimal.RequireFromString(mid)}
}

func (m *mockConnector) Name() string { return "mock" }

func (m *mockConnector) PlaceOrder(_ context.Context, candidate types.OrderCandidate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return "", m.placeErr
	}
	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.placed = append(m.placed, candidate)
	m.placedIDs = append(m.placedIDs, id)
	return id, nil
}

func (m *mockConnector) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockConnector) MidPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.midErr != nil {
		return decimal.Zero, m.midErr
	}
	return m.mid, nil
}

func (m *mockConnector) AvailableBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

func (m *mockConnector) QuoteFeeRate(string, types.OrderType) decimal.Decimal {
	return decimal.Zero
}

func (m *mockConnector) Subscribe(connector.OrderEventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed++
}

func (m *mockConnector) Unsubscribe(connector.OrderEventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribe++
}

func (m *mockConnector) setMid(mid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid = decimal.RequireFromString(mid)
}

func (m *mockConnector) lastPlaced(t *testing.T) (types.OrderCandidate, string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.placed) == 0 {
		t.Fatal("expected an order to be placed")
	}
	return m.placed[len(m.placed)-1], m.placedIDs[len(m.placedIDs)-1]
}

func (m *mockConnector) placeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func (m *mockConnector) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		ConnectorName: "mock",
		TradingPair:   "BTC-USDT",
		Side:          types.SideBuy,
		Amount:        d("1"),
		EntryPrice:    d("100"),
		Barrier: BarrierConfig{
			StopLossPct:         d("0.05"),
			TakeProfitPct:       d("0.1"),
			TimeLimit:           time.Hour,
			OpenOrderType:       types.OrderTypeLimit,
			TakeProfitOrderType: types.OrderTypeLimit,
			StopLossOrderType:   types.OrderTypeMarket,
			TimeLimitOrderType:  types.OrderTypeMarket,
		},
	}
}

func newTestExecutor(t *testing.T, cfg Config, conn *mockConnector) *Executor {
	t.Helper()
	exec, err := New(cfg, conn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exec
}

// step runs one control tick without the loop goroutine.
func step(exec *Executor) {
	exec.controlStep(context.Background())
}

// fillOpen drives the executor to an active position: one tick to place the
// open order, then a full fill delivered through the event callbacks.
func fillOpen(t *testing.T, exec *Executor, conn *mockConnector) string {
	t.Helper()
	step(exec)
	candidate, id := conn.lastPlaced(t)
	if candidate.PositionAction != types.PositionActionOpen {
		t.Fatalf("expected open order, got %v", candidate.PositionAction)
	}

	order := types.Order{
		OrderID:              id,
		TradingPair:          exec.cfg.TradingPair,
		Side:                 exec.cfg.Side,
		Amount:               candidate.Amount,
		ExecutedAmountBase:   candidate.Amount,
		AverageExecutedPrice: exec.cfg.EntryPrice,
		Status:               types.OrderStatusFilled,
	}
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: id, Order: order})
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: id, Order: order})

	if exec.Status() != StatusActivePosition {
		t.Fatalf("expected ACTIVE_POSITION, got %v", exec.Status())
	}
	return id
}

func TestNew_RejectsConfigWithoutExitBarrier(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier = BarrierConfig{}

	_, err := New(cfg, newMockConnector("100"), nil)
	if !errors.Is(err, types.ErrNoExitBarrier) {
		t.Fatalf("expected ErrNoExitBarrier, got %v", err)
	}
}

func TestNew_RejectsNonPositiveAmount(t *testing.T) {
	cfg := testConfig()
	cfg.Amount = decimal.Zero

	_, err := New(cfg, newMockConnector("100"), nil)
	if !errors.Is(err, types.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestControlStep_PlacesOpenOrder(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	step(exec)

	if exec.Status() != StatusOrderPlaced {
		t.Fatalf("expected ORDER_PLACED, got %v", exec.Status())
	}
	candidate, _ := conn.lastPlaced(t)
	if candidate.Side != types.SideBuy {
		t.Errorf("expected buy, got %v", candidate.Side)
	}
	if candidate.Type != types.OrderTypeLimit {
		t.Errorf("expected limit open order, got %v", candidate.Type)
	}
	if !candidate.Price.Equal(d("100")) {
		t.Errorf("expected entry price 100, got %s", candidate.Price)
	}
	if !candidate.Amount.Equal(d("1")) {
		t.Errorf("expected amount 1, got %s", candidate.Amount)
	}
}

func TestControlStep_RetriesOpenPlacementNextTick(t *testing.T) {
	conn := newMockConnector("100")
	conn.placeErr = errors.New("venue down")
	exec := newTestExecutor(t, testConfig(), conn)

	step(exec)
	if exec.Status() != StatusNotStarted {
		t.Fatalf("expected NOT_STARTED after failed placement, got %v", exec.Status())
	}

	conn.placeErr = nil
	step(exec)
	if exec.Status() != StatusOrderPlaced {
		t.Fatalf("expected ORDER_PLACED after retry, got %v", exec.Status())
	}
}

func TestControlStep_DoesNotDuplicateOpenOrder(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	step(exec)
	step(exec)
	step(exec)

	if conn.placeCount() != 1 {
		t.Fatalf("expected exactly one open order, got %d", conn.placeCount())
	}
}

func TestMarketOpenUsesMidAsEntryHint(t *testing.T) {
	cfg := testConfig()
	cfg.EntryPrice = decimal.Zero
	cfg.Barrier.OpenOrderType = types.OrderTypeMarket
	conn := newMockConnector("250")
	exec := newTestExecutor(t, cfg, conn)

	step(exec)
	candidate, _ := conn.lastPlaced(t)
	if !candidate.Price.IsZero() {
		t.Errorf("market order should carry no price, got %s", candidate.Price)
	}
}

func TestOnOrderFilled_ActivatesPosition(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	fillOpen(t, exec, conn)

	if !exec.IsTrading() {
		t.Error("expected IsTrading after open fill")
	}
	if exec.IsClosed() {
		t.Error("executor must not be closed while holding position")
	}
}

func TestActivePosition_PlacesTakeProfit(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	step(exec)

	candidate, _ := conn.lastPlaced(t)
	if candidate.PositionAction != types.PositionActionClose {
		t.Fatalf("expected close action, got %v", candidate.PositionAction)
	}
	if candidate.Side != types.SideSell {
		t.Errorf("take profit must be the opposite side, got %v", candidate.Side)
	}
	if !candidate.Price.Equal(d("110")) {
		t.Errorf("expected take profit price 110, got %s", candidate.Price)
	}
	if !candidate.Amount.Equal(d("1")) {
		t.Errorf("expected take profit amount 1, got %s", candidate.Amount)
	}
}

func TestTakeProfit_RenewedAfterAdditionalFill(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	// Partial fill on the open order.
	step(exec)
	_, openID := conn.lastPlaced(t)
	partial := types.Order{
		OrderID:              openID,
		Amount:               d("1"),
		ExecutedAmountBase:   d("0.5"),
		AverageExecutedPrice: d("100"),
		Status:               types.OrderStatusPartialFill,
	}
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: openID, Order: partial})

	// Take profit sized to the partial fill.
	step(exec)
	tpCandidate, tpID := conn.lastPlaced(t)
	if !tpCandidate.Amount.Equal(d("0.5")) {
		t.Fatalf("expected take profit for 0.5, got %s", tpCandidate.Amount)
	}
	exec.OnOrderCreated(connector.OrderCreatedEvent{OrderID: tpID, Order: types.Order{
		OrderID: tpID,
		Amount:  d("0.5"),
		Status:  types.OrderStatusOpen,
	}})

	// The open order fills further; the next tick must cancel, not stack.
	full := partial
	full.ExecutedAmountBase = d("1")
	full.Status = types.OrderStatusFilled
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: openID, Order: full})

	placesBefore := conn.placeCount()
	step(exec)
	if conn.placeCount() != placesBefore {
		t.Fatal("no new take profit may be placed while the cancel is unconfirmed")
	}
	if conn.cancelCount() != 1 {
		t.Fatalf("expected one cancel, got %d", conn.cancelCount())
	}

	// Still pending until the cancellation confirmation arrives.
	step(exec)
	if conn.placeCount() != placesBefore {
		t.Fatal("renew must wait for the cancel confirmation")
	}

	exec.OnOrderCancelled(connector.OrderCancelledEvent{OrderID: tpID, Order: types.Order{
		OrderID: tpID,
		Status:  types.OrderStatusCancelled,
	}})

	step(exec)
	renewed, _ := conn.lastPlaced(t)
	if !renewed.Amount.Equal(d("1")) {
		t.Fatalf("expected renewed take profit for 1, got %s", renewed.Amount)
	}
}

func TestTakeProfitCompletion_ClosesExecutor(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	step(exec)
	_, tpID := conn.lastPlaced(t)

	filled := types.Order{
		OrderID:              tpID,
		Amount:               d("1"),
		ExecutedAmountBase:   d("1"),
		AverageExecutedPrice: d("110"),
		Status:               types.OrderStatusFilled,
	}
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: tpID, Order: filled})
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: tpID, Order: filled})

	if exec.Status() != StatusClosedByTakeProfit {
		t.Fatalf("expected CLOSED_BY_TAKE_PROFIT, got %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeTakeProfit {
		t.Fatalf("expected take profit close type, got %v", exec.CloseType())
	}
	if exec.CloseTimestamp().IsZero() {
		t.Error("close timestamp must be recorded")
	}
}

func TestStopLoss_TriggersBelowThreshold(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	// Stop sits at 95 for a long with 5% stop loss. 96 must not trigger.
	conn.setMid("96")
	step(exec)
	if exec.Status() != StatusActivePosition {
		t.Fatalf("stop loss fired above threshold, status %v", exec.Status())
	}

	conn.setMid("94")
	step(exec)
	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED, got %v", exec.Status())
	}

	candidate, closeID := conn.lastPlaced(t)
	if candidate.Type != types.OrderTypeMarket {
		t.Errorf("stop loss close must be a market order, got %v", candidate.Type)
	}
	if candidate.Side != types.SideSell {
		t.Errorf("close must be the opposite side, got %v", candidate.Side)
	}

	done := types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   candidate.Amount,
		AverageExecutedPrice: d("94"),
		Status:               types.OrderStatusFilled,
	}
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: done})

	if exec.Status() != StatusClosedByStopLoss {
		t.Fatalf("expected CLOSED_BY_STOP_LOSS, got %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeStopLoss {
		t.Fatalf("expected stop loss close type, got %v", exec.CloseType())
	}
}

func TestStopLoss_ShortSideTriggersAboveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Side = types.SideSell
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	// Short stop sits at 105.
	conn.setMid("104")
	step(exec)
	if exec.Status() != StatusActivePosition {
		t.Fatalf("stop loss fired below threshold, status %v", exec.Status())
	}

	conn.setMid("106")
	step(exec)
	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED, got %v", exec.Status())
	}
	candidate, _ := conn.lastPlaced(t)
	if candidate.Side != types.SideBuy {
		t.Errorf("short close must buy back, got %v", candidate.Side)
	}
}

func TestStopLoss_SkippedWhenMidUnavailable(t *testing.T) {
	conn := newMockConnector("50")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	conn.midErr = errors.New("feed gap")
	placesBefore := conn.placeCount()
	step(exec)

	if exec.Status() != StatusActivePosition {
		t.Fatalf("barrier evaluation must be skipped without a price, got %v", exec.Status())
	}
	// The take profit uses the entry price, not the mid, so it may still
	// be placed; no close order may appear.
	for _, c := range conn.placed[placesBefore:] {
		if c.Type == types.OrderTypeMarket {
			t.Fatal("no close order may be placed without a mark price")
		}
	}
}

func TestTimeLimit_CancelsUnfilledOpenOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TimeLimit = time.Minute
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)

	start := exec.cfg.Timestamp
	exec.now = func() time.Time { return start }

	step(exec)
	_, openID := conn.lastPlaced(t)
	if exec.Status() != StatusOrderPlaced {
		t.Fatalf("expected ORDER_PLACED, got %v", exec.Status())
	}

	// One second past the limit.
	exec.now = func() time.Time { return start.Add(61 * time.Second) }
	step(exec)

	if conn.cancelCount() != 1 || conn.cancelled[0] != openID {
		t.Fatalf("expected cancel of %s, got %v", openID, conn.cancelled)
	}

	exec.OnOrderCancelled(connector.OrderCancelledEvent{OrderID: openID, Order: types.Order{
		OrderID: openID,
		Status:  types.OrderStatusCancelled,
	}})

	if exec.Status() != StatusCanceledByTimeLimit {
		t.Fatalf("expected CANCELED_BY_TIME_LIMIT, got %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeTimeLimit {
		t.Fatalf("expected time limit close type, got %v", exec.CloseType())
	}
}

func TestTimeLimit_ClosesActivePosition(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TimeLimit = time.Minute
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	exec.now = func() time.Time { return exec.cfg.Timestamp.Add(2 * time.Minute) }
	step(exec)

	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED, got %v", exec.Status())
	}
	candidate, closeID := conn.lastPlaced(t)
	if candidate.Type != types.OrderTypeMarket {
		t.Errorf("time limit close must be a market order, got %v", candidate.Type)
	}

	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   candidate.Amount,
		AverageExecutedPrice: d("100"),
		Status:               types.OrderStatusFilled,
	}})

	if exec.Status() != StatusClosedByTimeLimit {
		t.Fatalf("expected CLOSED_BY_TIME_LIMIT, got %v", exec.Status())
	}
}

func TestTimeLimit_ExpiredBeforeFirstOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TimeLimit = time.Minute
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)

	exec.now = func() time.Time { return exec.cfg.Timestamp.Add(time.Hour) }
	step(exec)

	if conn.placeCount() != 0 {
		t.Fatal("no order may be placed after the deadline")
	}
	if exec.Status() != StatusCanceledByTimeLimit {
		t.Fatalf("expected CANCELED_BY_TIME_LIMIT, got %v", exec.Status())
	}
}

func TestPartialFill_ClosesOnlyExecutedAmount(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TakeProfitPct = decimal.Zero // isolate the close sizing
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)

	step(exec)
	_, openID := conn.lastPlaced(t)
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: openID, Order: types.Order{
		OrderID:              openID,
		Amount:               d("1"),
		ExecutedAmountBase:   d("0.4"),
		AverageExecutedPrice: d("100"),
		Status:               types.OrderStatusPartialFill,
	}})

	conn.setMid("90")
	step(exec)

	candidate, _ := conn.lastPlaced(t)
	if !candidate.Amount.Equal(d("0.4")) {
		t.Fatalf("close must cover only the executed 0.4, got %s", candidate.Amount)
	}
}

func TestCloseFailure_Resubmits(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	conn.setMid("90")
	step(exec)
	_, closeID := conn.lastPlaced(t)

	exec.OnOrderFailed(connector.OrderFailedEvent{OrderID: closeID, Reason: "insufficient margin"})
	if exec.Status() != StatusClosePlaced {
		t.Fatalf("a failed close must not leave CLOSE_PLACED, got %v", exec.Status())
	}

	step(exec)
	resubmitted, newID := conn.lastPlaced(t)
	if newID == closeID {
		t.Fatal("expected a fresh order id")
	}
	if resubmitted.PositionAction != types.PositionActionClose {
		t.Fatalf("expected close resubmission, got %v", resubmitted.PositionAction)
	}
}

func TestRetryBudget_ExhaustionFailsExecutor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderRetries = 2
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	conn.setMid("90")
	for i := 0; i < 3; i++ {
		step(exec)
		_, closeID := conn.lastPlaced(t)
		exec.OnOrderFailed(connector.OrderFailedEvent{OrderID: closeID, Reason: "rejected"})
	}

	if exec.Status() != StatusFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeFailed {
		t.Fatalf("expected failed close type, got %v", exec.CloseType())
	}
}

func TestOpenFailure_ReturnsToNotStarted(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	step(exec)
	_, openID := conn.lastPlaced(t)

	exec.OnOrderFailed(connector.OrderFailedEvent{OrderID: openID, Reason: "rejected"})
	if exec.Status() != StatusNotStarted {
		t.Fatalf("expected NOT_STARTED after open failure, got %v", exec.Status())
	}

	step(exec)
	if exec.Status() != StatusOrderPlaced {
		t.Fatalf("expected retry to place again, got %v", exec.Status())
	}
}

func TestStop_BeforeAnyOrder(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	exec.Stop()
	step(exec)

	if conn.placeCount() != 0 {
		t.Fatal("no order may be placed after a stop request")
	}
	if exec.Status() != StatusClosedExternally {
		t.Fatalf("expected CLOSED_EXTERNALLY, got %v", exec.Status())
	}
}

func TestStop_ClosesActivePosition(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	exec.Stop()
	step(exec)

	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED, got %v", exec.Status())
	}
	candidate, closeID := conn.lastPlaced(t)
	if candidate.Type != types.OrderTypeMarket {
		t.Errorf("external close must be a market order, got %v", candidate.Type)
	}

	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   candidate.Amount,
		AverageExecutedPrice: d("100"),
		Status:               types.OrderStatusFilled,
	}})

	if exec.Status() != StatusClosedExternally {
		t.Fatalf("expected CLOSED_EXTERNALLY, got %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeExternal {
		t.Fatalf("expected external close type, got %v", exec.CloseType())
	}
}

func TestTerminalCleanup_CancelsLiveOrders(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	// Take profit goes live.
	step(exec)
	_, tpID := conn.lastPlaced(t)
	exec.OnOrderCreated(connector.OrderCreatedEvent{OrderID: tpID, Order: types.Order{
		OrderID: tpID,
		Status:  types.OrderStatusOpen,
	}})

	// Stop loss fires and completes, leaving the take profit dangling.
	conn.setMid("90")
	step(exec)
	_, closeID := conn.lastPlaced(t)
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   d("1"),
		AverageExecutedPrice: d("90"),
		Status:               types.OrderStatusFilled,
	}})
	if exec.Status() != StatusClosedByStopLoss {
		t.Fatalf("expected CLOSED_BY_STOP_LOSS, got %v", exec.Status())
	}

	cancelsBefore := conn.cancelCount()
	step(exec)
	if conn.cancelCount() != cancelsBefore+1 {
		t.Fatalf("terminal step must cancel the live take profit, cancels %d", conn.cancelCount())
	}

	exec.mu.Lock()
	finished := exec.finished
	exec.mu.Unlock()
	if finished {
		t.Fatal("loop must not finish while orders are live")
	}

	exec.OnOrderCancelled(connector.OrderCancelledEvent{OrderID: tpID, Order: types.Order{
		OrderID: tpID,
		Status:  types.OrderStatusCancelled,
	}})

	step(exec)
	exec.mu.Lock()
	finished = exec.finished
	exec.mu.Unlock()
	if !finished {
		t.Fatal("loop must finish once nothing is live")
	}
}

func TestTerminalCleanup_GivesUpAfterRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderRetries = 2
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	step(exec)
	_, tpID := conn.lastPlaced(t)
	exec.OnOrderCreated(connector.OrderCreatedEvent{OrderID: tpID, Order: types.Order{
		OrderID: tpID,
		Status:  types.OrderStatusOpen,
	}})

	conn.setMid("90")
	step(exec)
	_, closeID := conn.lastPlaced(t)
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   d("1"),
		AverageExecutedPrice: d("90"),
		Status:               types.OrderStatusFilled,
	}})

	// Cancels never confirm; the loop must still terminate.
	conn.cancelErr = errors.New("venue down")
	for i := 0; i < 10; i++ {
		step(exec)
	}

	exec.mu.Lock()
	finished := exec.finished
	exec.mu.Unlock()
	if !finished {
		t.Fatal("cleanup must give up after the retry budget")
	}
}

func TestTrailingStop_RetracementCloses(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TakeProfitPct = decimal.Zero
	cfg.Barrier.TrailingStop = TrailingStop{
		ActivationPct: d("0.02"),
		TrailingPct:   d("0.01"),
	}
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	// Below activation: nothing happens.
	conn.setMid("101")
	step(exec)
	if exec.Status() != StatusActivePosition {
		t.Fatalf("trailing must not act before activation, got %v", exec.Status())
	}

	// Activation at 102, best advances to 104.
	conn.setMid("102")
	step(exec)
	conn.setMid("104")
	step(exec)
	if exec.Status() != StatusActivePosition {
		t.Fatalf("rising mark must not trigger, got %v", exec.Status())
	}

	// Retrace more than 1% from the best of 104 (trail at 102.96).
	conn.setMid("102.9")
	step(exec)
	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED on retracement, got %v", exec.Status())
	}

	_, closeID := conn.lastPlaced(t)
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: closeID, Order: types.Order{
		OrderID:              closeID,
		ExecutedAmountBase:   d("1"),
		AverageExecutedPrice: d("102.9"),
		Status:               types.OrderStatusFilled,
	}})

	if exec.CloseType() != types.CloseTypeStopLoss {
		t.Fatalf("trailing close must report as stop loss, got %v", exec.CloseType())
	}
}

func TestEventsForUnknownOrdersAreIgnored(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: "someone-elses", Order: types.Order{
		OrderID: "someone-elses",
		Status:  types.OrderStatusFilled,
	}})
	exec.OnOrderFailed(connector.OrderFailedEvent{OrderID: "someone-elses", Reason: "boom"})
	exec.OnOrderCancelled(connector.OrderCancelledEvent{OrderID: ""})

	if exec.Status() != StatusActivePosition {
		t.Fatalf("foreign events must not change state, got %v", exec.Status())
	}
}

func TestStart_Lifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	conn := newMockConnector("100")
	// Keep the venue rejecting placements so the stop path terminates
	// without waiting on a cancellation confirmation.
	conn.placeErr = errors.New("venue down")
	exec := newTestExecutor(t, cfg, conn)

	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := exec.Start(context.Background()); !errors.Is(err, types.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	exec.Stop()

	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not terminate after Stop")
	}

	conn.mu.Lock()
	subscribed, unsubscribed := conn.subscribed, conn.unsubscribe
	conn.mu.Unlock()
	if subscribed != 1 || unsubscribed != 1 {
		t.Fatalf("expected one subscribe and one unsubscribe, got %d/%d", subscribed, unsubscribed)
	}
	if !exec.IsClosed() {
		t.Fatal("executor must be terminal after the loop exits")
	}
}

func TestContextCancellation_AbortsCleanly(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)

	ctx, cancel := context.WithCancel(context.Background())
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not terminate on context cancellation")
	}

	if !exec.IsClosed() {
		t.Fatal("aborted executor must be terminal")
	}
	conn.mu.Lock()
	unsubscribed := conn.unsubscribe
	conn.mu.Unlock()
	if unsubscribed != 1 {
		t.Fatalf("listener must be deregistered on abort, got %d", unsubscribed)
	}
}

func TestStopLossAndTimeLimit_SameTickPlacesOneClose(t *testing.T) {
	cfg := testConfig()
	cfg.Barrier.TimeLimit = time.Minute
	conn := newMockConnector("100")
	exec := newTestExecutor(t, cfg, conn)
	fillOpen(t, exec, conn)

	// Stop sits at 95; the mark is through it and the time limit has
	// expired within the same tick.
	conn.setMid("90")
	exec.now = func() time.Time { return exec.cfg.Timestamp.Add(2 * time.Minute) }

	before := conn.placeCount()
	step(exec)

	if exec.Status() != StatusClosePlaced {
		t.Fatalf("expected CLOSE_PLACED, got %v", exec.Status())
	}
	if got := conn.placeCount() - before; got != 1 {
		t.Fatalf("expected exactly one close order, got %d", got)
	}
	if exec.stopLoss.HasOrderID() == exec.timeLimit.HasOrderID() {
		t.Fatal("exactly one close leg may claim the transition")
	}

	// Further ticks with both conditions still true must not add a second.
	step(exec)
	step(exec)
	if got := conn.placeCount() - before; got != 1 {
		t.Fatalf("expected no additional close orders, got %d", got)
	}
}

func TestTerminalState_IsFrozen(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)
	fillOpen(t, exec, conn)

	step(exec)
	_, tpID := conn.lastPlaced(t)
	filled := types.Order{
		OrderID:              tpID,
		Amount:               d("1"),
		ExecutedAmountBase:   d("1"),
		AverageExecutedPrice: d("110"),
		Status:               types.OrderStatusFilled,
	}
	exec.OnOrderFilled(connector.OrderFilledEvent{OrderID: tpID, Order: filled})
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: tpID, Order: filled})

	if exec.Status() != StatusClosedByTakeProfit {
		t.Fatalf("expected CLOSED_BY_TAKE_PROFIT, got %v", exec.Status())
	}
	closedAt := exec.CloseTimestamp()
	placed := conn.placeCount()

	// A stop-loss-triggering mark, further ticks and a duplicate completion
	// event must all leave the terminal record untouched.
	conn.setMid("10")
	step(exec)
	step(exec)
	exec.OnOrderCompleted(connector.OrderCompletedEvent{OrderID: tpID, Order: filled})

	if exec.Status() != StatusClosedByTakeProfit {
		t.Fatalf("terminal status changed to %v", exec.Status())
	}
	if exec.CloseType() != types.CloseTypeTakeProfit {
		t.Fatalf("terminal close type changed to %v", exec.CloseType())
	}
	if !exec.CloseTimestamp().Equal(closedAt) {
		t.Error("close timestamp must be recorded exactly once")
	}
	if conn.placeCount() != placed {
		t.Errorf("no orders may be placed after closure, got %d more", conn.placeCount()-placed)
	}
}

func TestOrderFlowMetrics_CountSubmissionsAndFailures(t *testing.T) {
	conn := newMockConnector("100")
	exec := newTestExecutor(t, testConfig(), conn)

	submitted := testutil.ToFloat64(metrics.OrdersSubmittedTotal.WithLabelValues("BTC-USDT", "BUY"))
	step(exec)
	if got := testutil.ToFloat64(metrics.OrdersSubmittedTotal.WithLabelValues("BTC-USDT", "BUY")) - submitted; got != 1 {
		t.Errorf("expected one submission recorded, got %v", got)
	}

	failures := testutil.ToFloat64(metrics.OrderFailuresTotal.WithLabelValues("BTC-USDT"))
	_, id := conn.lastPlaced(t)
	exec.OnOrderFailed(connector.OrderFailedEvent{OrderID: id, Reason: "rejected"})
	if got := testutil.ToFloat64(metrics.OrderFailuresTotal.WithLabelValues("BTC-USDT")) - failures; got != 1 {
		t.Errorf("expected one failure recorded, got %v", got)
	}
}
