// Package main is the entry point for the positron position executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/positron/internal/alerting"
	"github.com/quantfold/positron/internal/config"
	"github.com/quantfold/positron/internal/connector"
	"github.com/quantfold/positron/internal/connector/paper"
	"github.com/quantfold/positron/internal/executor"
	"github.com/quantfold/positron/internal/metrics"
	"github.com/quantfold/positron/internal/orchestrator"
	"github.com/quantfold/positron/internal/persistence"
)

// Version information (set by build flags).
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Positron - Triple-Barrier Position Executor

Usage:
  positron <command> [options]

Commands:
  run        Open the configured positions against the paper venue
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  positron run --config config.yaml
  positron validate --config config.yaml

Use "positron <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("positron version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Connector: %s\n", cfg.Connector.Name)
	fmt.Printf("  Positions: %d\n", len(cfg.Positions))
	for _, p := range cfg.Positions {
		fmt.Printf("    %s %s %.6f (sl=%.2f%% tp=%.2f%% tl=%ds)\n",
			p.Side, p.TradingPair, p.Amount,
			p.StopLossPct*100, p.TakeProfitPct*100, p.TimeLimitSec)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newAlerter(cfg config.AlertingConfig, logger *slog.Logger) alerting.Alerter {
	if !cfg.Enabled {
		return nil
	}
	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case "console":
			multi.Add(alerting.NewConsoleAlerter(logger))
		case "telegram":
			multi.Add(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		}
	}
	return multi
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("positron starting",
		"version", Version,
		"connector", cfg.Connector.Name,
		"positions", len(cfg.Positions),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	// Paper venue seeded from config.
	venue := paper.New(paper.Config{
		Name:            cfg.Connector.Name,
		QuoteFeeRate:    decimal.NewFromFloat(cfg.Connector.QuoteFeeRate),
		SlippagePct:     decimal.NewFromFloat(cfg.Connector.SlippagePct),
		FillDelay:       cfg.FillDelay(),
		SubmissionsPerS: cfg.Connector.SubmissionsPerS,
		SubmissionBurst: cfg.Connector.SubmissionBurst,
	}, logger)
	defer venue.Close()
	for asset, amount := range cfg.DecimalBalances() {
		venue.SetBalance(asset, amount)
	}
	for pair, price := range cfg.DecimalMidPrices() {
		venue.SetMidPrice(pair, price)
	}

	var repo persistence.Repository
	if cfg.Persistence.Enabled {
		sqlite, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open repository", "err", err)
			os.Exit(1)
		}
		defer sqlite.Close()
		if err := sqlite.Migrate(ctx); err != nil {
			slog.Error("failed to migrate repository", "err", err)
			os.Exit(1)
		}
		repo = sqlite
	}

	orch := orchestrator.New(
		orchestrator.Config{ReapInterval: cfg.ReapInterval()},
		map[string]connector.Connector{cfg.Connector.Name: venue},
		repo,
		newAlerter(cfg.Alerting, logger),
		logger,
	)
	orch.Start(ctx)

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}, logger)
		srv.RegisterHealthCheck("connector", func() error {
			_, err := venue.AvailableBalance(context.Background(), "USDT")
			return err
		})
		srv.Start()
	}

	execs := make([]*executor.Executor, 0, len(cfg.Positions))
	for _, p := range cfg.Positions {
		exec, err := orch.CreateExecutor(ctx, orchestrator.CreateExecutorAction{
			ControllerID: p.ControllerID,
			Config:       cfg.ToExecutorConfig(p),
		})
		if err != nil {
			slog.Error("failed to create executor",
				"pair", p.TradingPair, "err", err)
			continue
		}
		execs = append(execs, exec)
	}

	// Run until every executor reaches a terminal state or a signal arrives.
	finished := make(chan struct{})
	go func() {
		for _, exec := range execs {
			<-exec.Done()
		}
		close(finished)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case <-finished:
		slog.Info("all executors finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orch.Stop(shutdownCtx); err != nil {
		slog.Error("orchestrator stop error", "err", err)
	}

	for _, controllerID := range orch.Controllers() {
		printReport(orch.GenerateReport(shutdownCtx, controllerID))
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "err", err)
		}
	}

	slog.Info("positron shutdown complete")
}

func printReport(report orchestrator.PerformanceReport) {
	fmt.Printf("\n=== CONTROLLER %s ===\n", report.ControllerID)
	fmt.Printf("Realized PnL:     %s\n", report.RealizedPnLQuote.StringFixed(8))
	fmt.Printf("Unrealized PnL:   %s\n", report.UnrealizedPnLQuote.StringFixed(8))
	fmt.Printf("Net PnL:          %s\n", report.NetPnLQuote.StringFixed(8))
	fmt.Printf("Fees:             %s\n", report.FeesQuote.StringFixed(8))
	fmt.Printf("Volume:           %s\n", report.VolumeQuote.StringFixed(8))
	fmt.Printf("Active executors: %d\n", report.ActiveExecutors)
	for closeType, count := range report.CloseTypeCounts {
		fmt.Printf("  %-18s %d\n", closeType.String()+":", count)
	}
}
