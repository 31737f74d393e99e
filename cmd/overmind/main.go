// Overmind — an AI-augmented high-frequency trading engine for a single
// Solana-family blockchain.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every
//	                            collaborator, starts the pipeline, waits
//	                            for SIGINT/SIGTERM
//	internal/pipeline        — supervisor: ingest -> strategy -> risk ->
//	                            router -> executor -> persistence, plus
//	                            the envelope manager's background ticks
//	internal/ingest          — WebSocket market tick adapter
//	internal/strategy        — per-tick strategy fan-out/merge runtime
//	                            and the fixture strategies it hosts
//	internal/risk            — global risk gate (position/loss/confidence)
//	internal/envelope        — per-wallet risk bookkeeping and the
//	                            engine-wide emergency-halt latch
//	internal/wallet          — managed wallet registry and signing
//	internal/router          — wallet selection for an approved intent
//	internal/inference       — TensorZero-shaped decision client
//	internal/bundlesubmit    — bundle submission to an inclusion service
//	internal/executor        — paper/live execution, AI-assisted or not
//	internal/persistence     — sqlite-backed execution result log
//	internal/bridge          — optional Redis handoff to an external
//	                            decision process
//	internal/metrics         — Prometheus counters for every testable
//	                            property in the operating contract
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/bridge"
	"overmind-engine/internal/bundlesubmit"
	"overmind-engine/internal/config"
	"overmind-engine/internal/envelope"
	"overmind-engine/internal/executor"
	"overmind-engine/internal/inference"
	"overmind-engine/internal/ingest"
	"overmind-engine/internal/metrics"
	"overmind-engine/internal/persistence"
	"overmind-engine/internal/pipeline"
	"overmind-engine/internal/risk"
	"overmind-engine/internal/router"
	"overmind-engine/internal/strategy"
	"overmind-engine/internal/wallet"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OVERMIND_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	reg, err := wallet.New(cfg.Wallets, logger)
	if err != nil {
		logger.Error("failed to build wallet registry", "error", err)
		os.Exit(1)
	}

	env := envelope.New(reg, cfg.Wallets.EmergencyStopThreshold, noopBalanceSource{}, logger)
	riskGate := risk.New(cfg.Risk, env, logger)
	walletRouter := router.New(reg, env, cfg.Wallets, logger)

	var infClient executor.InferenceDecider
	if cfg.Execution.AIEnabled {
		infClient = inference.New(cfg.Inference.TensorZeroGatewayURL, cfg.Inference.ModelName, cfg.Inference.ConnectTimeout)
	}
	bundler := bundlesubmit.New(cfg.Execution.BundleEndpoint, cfg.Execution.MaxBundleSize, cfg.Inference.ConnectTimeout)
	execEngine := executor.New(cfg.Execution, cfg.Inference, cfg.TradingMode, infClient, bundler, env, logger)

	store, err := persistence.Open(cfg.Persistence.DSN)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err)
		os.Exit(1)
	}

	strategyRT := strategy.NewRuntime(cfg.Pipeline.StrategyCooldown, cfg.Pipeline.ErrorBudgetFailures, cfg.Pipeline.ErrorBudgetWindow, logger)
	registerFixtureStrategies(strategyRT)

	ingestAdapter := ingest.New(cfg.Pipeline.IngestWSURL, nil, logger)
	metricsReg := metrics.Default()

	var inferenceBridge *bridge.Bridge
	if cfg.Bridge.Enabled {
		inferenceBridge = bridge.New(cfg.Bridge, logger)
	}

	sup := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Ingest:                ingestAdapter,
		Strategy:              strategyRT,
		Risk:                  riskGate,
		Router:                walletRouter,
		Envelope:              env,
		Executor:              execEngine,
		Store:                 store,
		Bridge:                inferenceBridge,
		Metrics:               metricsReg,
		BalanceCheckInterval:  cfg.Wallets.BalanceCheckInterval,
		CalendarCheckInterval: time.Minute,
	}, logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	sup.Start()
	logger.Info("overmind engine started",
		"trading_mode", cfg.TradingMode,
		"ai_enabled", cfg.Execution.AIEnabled,
		"bridge_enabled", cfg.Bridge.Enabled,
		"wallets", cfg.Wallets.ManagedWallets,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	sup.Stop()
}

// registerFixtureStrategies wires the reference strategy fixtures that
// ship with the engine; a deployment substitutes or adds to these via its
// own Register calls before Start, if it needs a bespoke strategy.
func registerFixtureStrategies(rt *strategy.Runtime) {
	rt.Register(strategy.NewMomentum(50, decimal.NewFromInt(100)), 10)
	rt.Register(strategy.NewArbitrage(25, decimal.NewFromInt(100)), 5)
	rt.Register(strategy.NewSniping(nil, decimal.NewFromInt(50)), 20)
}

// noopBalanceSource is the default BalanceSource when no on-chain balance
// indexer is wired in; RefreshBalances logs and skips every wallet, and
// liquid/total balances stay at whatever the registry initialized them
// to. A real deployment replaces this with an RPC-backed implementation.
type noopBalanceSource struct{}

func (noopBalanceSource) Balance(ctx context.Context, walletID string) (liquid, total decimal.Decimal, err error) {
	return decimal.Zero, decimal.Zero, fmt.Errorf("balance source not configured for wallet %q", walletID)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
