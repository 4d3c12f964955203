// Package orchestrator owns a collection of executors keyed by controller.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/positron/internal/alerting"
	"github.com/quantfold/positron/internal/connector"
	"github.com/quantfold/positron/internal/executor"
	"github.com/quantfold/positron/internal/metrics"
	"github.com/quantfold/positron/internal/persistence"
	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config holds orchestrator configuration.
type Config struct {
	ReapInterval time.Duration // cadence of the reap/report cycle
}

// DefaultConfig returns default orchestrator config.
func DefaultConfig() Config {
	return Config{ReapInterval: 1 * time.Second}
}

// CreateExecutorAction asks the orchestrator to construct and start an
// executor under a controller.
type CreateExecutorAction struct {
	ControllerID string
	Config       executor.Config
}

// StopExecutorAction asks the orchestrator to gracefully stop one executor.
type StopExecutorAction struct {
	ControllerID string
	ExecutorID   string
}

// ExecutorInfo is a point-in-time snapshot of one executor for reporting.
type ExecutorInfo struct {
	ID           string
	ControllerID string
	TradingPair  string
	Side         types.Side
	Status       executor.Status
	CloseType    types.CloseType
	NetPnLQuote  decimal.Decimal
	FeesQuote    decimal.Decimal
	FilledQuote  decimal.Decimal
	IsActive     bool
	IsTrading    bool
}

// PerformanceReport aggregates one controller's executors.
type PerformanceReport struct {
	ControllerID       string
	RealizedPnLQuote   decimal.Decimal
	UnrealizedPnLQuote decimal.Decimal
	NetPnLQuote        decimal.Decimal
	FeesQuote          decimal.Decimal
	VolumeQuote        decimal.Decimal
	ActiveExecutors    int
	CloseTypeCounts    map[types.CloseType]int
}

// Orchestrator routes executor actions, reaps finished executors into
// history and aggregates performance per controller.
type Orchestrator struct {
	cfg        Config
	logger     *slog.Logger
	recorder   *metrics.Recorder
	connectors map[string]connector.Connector
	repo       persistence.Repository // optional
	alerter    alerting.Alerter       // optional

	mu     sync.RWMutex
	active map[string][]*executor.Executor
	closed map[string][]executor.Result

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates an orchestrator. repo and alerter may be nil.
func New(
	cfg Config,
	connectors map[string]connector.Connector,
	repo persistence.Repository,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		connectors: connectors,
		repo:       repo,
		alerter:    alerter,
		active:     make(map[string][]*executor.Executor),
		closed:     make(map[string][]executor.Result),
		done:       make(chan struct{}),
	}
}

// Start launches the reap loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.reapLoop(ctx)
}

// CreateExecutor constructs, registers and starts an executor.
func (o *Orchestrator) CreateExecutor(ctx context.Context, action CreateExecutorAction) (*executor.Executor, error) {
	cfg := action.Config
	if action.ControllerID != "" {
		cfg.ControllerID = action.ControllerID
	}

	conn, ok := o.connectors[cfg.ConnectorName]
	if !ok {
		return nil, fmt.Errorf("connector %q not registered: %w", cfg.ConnectorName, types.ErrInvalidConfig)
	}

	exec, err := executor.New(cfg, conn, o.logger)
	if err != nil {
		return nil, err
	}

	if err := exec.Start(ctx); err != nil {
		return nil, err
	}

	resolved := exec.Config()
	o.mu.Lock()
	o.active[resolved.ControllerID] = append(o.active[resolved.ControllerID], exec)
	o.mu.Unlock()

	o.recorder.RecordExecutorCreated(resolved.ControllerID, resolved.TradingPair)
	o.logger.Info("executor created",
		"executor_id", resolved.ID,
		"controller", resolved.ControllerID,
		"pair", resolved.TradingPair,
	)
	return exec, nil
}

// StopExecutor requests graceful shutdown of one executor.
func (o *Orchestrator) StopExecutor(action StopExecutorAction) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, exec := range o.active[action.ControllerID] {
		if exec.Config().ID == action.ExecutorID {
			exec.Stop()
			return nil
		}
	}
	return fmt.Errorf("%s/%s: %w", action.ControllerID, action.ExecutorID, types.ErrExecutorNotFound)
}

// ExecutorInfoList snapshots all active executors of a controller.
func (o *Orchestrator) ExecutorInfoList(ctx context.Context, controllerID string) []ExecutorInfo {
	o.mu.RLock()
	execs := append([]*executor.Executor(nil), o.active[controllerID]...)
	o.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(execs))
	for _, exec := range execs {
		cfg := exec.Config()
		infos = append(infos, ExecutorInfo{
			ID:           cfg.ID,
			ControllerID: cfg.ControllerID,
			TradingPair:  cfg.TradingPair,
			Side:         cfg.Side,
			Status:       exec.Status(),
			CloseType:    exec.CloseType(),
			NetPnLQuote:  exec.NetPnLQuote(ctx),
			FeesQuote:    exec.CumFeesQuote(),
			FilledQuote:  exec.FilledAmountQuote(),
			IsActive:     exec.IsActive(),
			IsTrading:    exec.IsTrading(),
		})
	}
	return infos
}

// GenerateReport aggregates realized history and live executors for one
// controller.
func (o *Orchestrator) GenerateReport(ctx context.Context, controllerID string) PerformanceReport {
	timer := metrics.NewTimer()
	defer timer.ObserveControlStep()

	report := PerformanceReport{
		ControllerID:    controllerID,
		CloseTypeCounts: make(map[types.CloseType]int),
	}

	o.mu.RLock()
	execs := append([]*executor.Executor(nil), o.active[controllerID]...)
	history := append([]executor.Result(nil), o.closed[controllerID]...)
	o.mu.RUnlock()

	for _, result := range history {
		report.RealizedPnLQuote = report.RealizedPnLQuote.Add(result.NetPnLQuote)
		report.FeesQuote = report.FeesQuote.Add(result.FeesQuote)
		report.VolumeQuote = report.VolumeQuote.Add(result.FilledQuote)
		report.CloseTypeCounts[result.CloseType]++
	}

	for _, exec := range execs {
		result := exec.Result(ctx)
		if result.Status.IsTerminal() {
			report.RealizedPnLQuote = report.RealizedPnLQuote.Add(result.NetPnLQuote)
			report.CloseTypeCounts[result.CloseType]++
		} else {
			report.UnrealizedPnLQuote = report.UnrealizedPnLQuote.Add(result.NetPnLQuote)
			report.ActiveExecutors++
		}
		report.FeesQuote = report.FeesQuote.Add(result.FeesQuote)
		report.VolumeQuote = report.VolumeQuote.Add(result.FilledQuote)
	}

	report.NetPnLQuote = report.RealizedPnLQuote.Add(report.UnrealizedPnLQuote)
	o.recorder.RecordPerformance(controllerID, report.NetPnLQuote)
	return report
}

// Controllers returns the ids of all controllers with any executors.
func (o *Orchestrator) Controllers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range o.active {
		seen[id] = struct{}{}
	}
	for id := range o.closed {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// reapLoop periodically moves finished executors into history.
func (o *Orchestrator) reapLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-ticker.C:
			o.reap(ctx)
		}
	}
}

// reap collects executors whose control loop has exited.
func (o *Orchestrator) reap(ctx context.Context) {
	o.mu.Lock()
	var finished []*executor.Executor
	for controllerID, execs := range o.active {
		remaining := execs[:0]
		for _, exec := range execs {
			select {
			case <-exec.Done():
				finished = append(finished, exec)
			default:
				remaining = append(remaining, exec)
			}
		}
		o.active[controllerID] = remaining
	}
	o.mu.Unlock()

	for _, exec := range finished {
		o.retire(ctx, exec)
	}
}

// retire records one finished executor: history, metrics, audit row, alert.
func (o *Orchestrator) retire(ctx context.Context, exec *executor.Executor) {
	result := exec.Result(ctx)

	o.mu.Lock()
	o.closed[result.ControllerID] = append(o.closed[result.ControllerID], result)
	o.mu.Unlock()

	o.recorder.RecordExecutorClosed(result.ControllerID, result.CloseType.String())
	o.recorder.RecordVolume(result.ControllerID, result.FilledQuote, result.FeesQuote)

	if o.repo != nil {
		record := persistence.ExecutorRecord{
			ID:           result.ID,
			ControllerID: result.ControllerID,
			Connector:    result.Connector,
			TradingPair:  result.TradingPair,
			Side:         result.Side,
			Amount:       result.Amount,
			EntryPrice:   result.EntryPrice,
			ClosePrice:   result.ClosePrice,
			CloseType:    result.CloseType,
			FilledQuote:  result.FilledQuote,
			FeesQuote:    result.FeesQuote,
			NetPnLQuote:  result.NetPnLQuote,
			CreatedAt:    result.CreatedAt,
			ClosedAt:     result.ClosedAt,
		}
		if err := o.repo.SaveExecutorRecord(ctx, record); err != nil {
			o.logger.Error("failed to persist executor record", "executor_id", result.ID, "err", err)
			o.recorder.RecordError("persist_record")
		}
	}

	if o.alerter != nil {
		severity := alerting.SeverityInfo
		if result.CloseType == types.CloseTypeFailed {
			severity = alerting.SeverityCritical
		} else if result.CloseType == types.CloseTypeStopLoss {
			severity = alerting.SeverityWarning
		}
		if err := o.alerter.Alert(ctx, severity, "Executor closed",
			"executor_id", result.ID,
			"pair", result.TradingPair,
			"close_type", result.CloseType.String(),
			"net_pnl_quote", result.NetPnLQuote.StringFixed(4),
		); err != nil {
			o.logger.Warn("failed to send close alert", "err", err)
		}
	}

	o.logger.Info("executor retired",
		"executor_id", result.ID,
		"controller", result.ControllerID,
		"close_type", result.CloseType,
		"net_pnl_quote", result.NetPnLQuote,
	)
}

// Stop gracefully stops every active executor and waits for them, bounded by
// the context deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.RLock()
	var execs []*executor.Executor
	for _, list := range o.active {
		execs = append(execs, list...)
	}
	o.mu.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, exec := range execs {
		group.Go(func() error {
			exec.Stop()
			select {
			case <-exec.Done():
				return nil
			case <-groupCtx.Done():
				return fmt.Errorf("executor %s: %w", exec.Config().ID, groupCtx.Err())
			}
		})
	}
	err := group.Wait()

	o.once.Do(func() { close(o.done) })
	o.wg.Wait()

	// One final reap so Stop leaves no finished executor unrecorded.
	o.reap(context.WithoutCancel(ctx))

	return err
}
