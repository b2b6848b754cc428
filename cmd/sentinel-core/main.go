// Package main is the entry point for the sentinel-core binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelai/sentinel-oss/internal/governance"
	"github.com/sentinelai/sentinel-oss/internal/health"
	"github.com/sentinelai/sentinel-oss/internal/server"
	"github.com/sentinelai/sentinel-oss/internal/workflow"
	"github.com/sentinelai/sentinel-oss/pkg/agent"
	"github.com/sentinelai/sentinel-oss/pkg/audit"
	"github.com/sentinelai/sentinel-oss/pkg/config"
	"github.com/sentinelai/sentinel-oss/pkg/domain"
	"github.com/sentinelai/sentinel-oss/pkg/logging"
	"github.com/sentinelai/sentinel-oss/pkg/policy"
	"github.com/sentinelai/sentinel-oss/pkg/telemetry"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	demo := flag.Bool("demo", false, "Install a scripted planner/reviewer/executor pipeline")
	flag.Parse()

	cfgFile := *configPath
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) && cfgFile == defaultConfigPath {
		cfgFile = ""
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: *prettyLogs || cfg.Logging.Pretty})
	slog.SetDefault(logger)

	logger.Info("Starting sentinel-core", "config", cfgFile, "trace_export", cfg.Trace.Enabled)

	if err := run(cfg, cfgFile, *listenAddr, *demo, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, cfgFile, listenOverride string, demo bool, logger *slog.Logger) error {
	ctx := context.Background()

	// Trace backend. A disabled exporter still gets a no-op provider so the
	// rest of the pipeline is exercised identically.
	endpoint := ""
	if cfg.Trace.Enabled {
		endpoint = cfg.Trace.Endpoint
	}
	provider, err := telemetry.NewProvider(ctx, telemetry.ProviderConfig{
		ServiceName: cfg.Trace.ServiceName,
		Endpoint:    endpoint,
		Insecure:    cfg.Trace.Insecure,
	})
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()

	exporter := telemetry.NewExporter(provider.Tracer(), provider.ForceFlush, telemetry.ExporterConfig{
		RootSpanName:       workflow.RootSpanName,
		QueueCapacity:      cfg.Trace.QueueCapacity,
		UnhealthyThreshold: cfg.Trace.QueueUnhealthyThreshold,
		HealthInterval:     cfg.Trace.HealthInterval,
		HandleRetention:    cfg.Trace.HandleRetention,
	}, metrics, logger)

	registry := telemetry.NewRegistry(cfg.Trace.RecentSpans, logger, exporter)

	sink, querier, err := buildDecisionSink(cfg.DecisionLog)
	if err != nil {
		return err
	}
	decisions := audit.NewLogger(sink, audit.LoggerConfig{
		BatchSize:     cfg.DecisionLog.BatchSize,
		FlushInterval: cfg.DecisionLog.FlushInterval,
	}, metrics, logger)
	decisions.Start()

	if cfgFile != "" {
		watcher, err := config.NewFileProvider(cfgFile, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		go applyConfigUpdates(watcher.Subscribe(), decisions)
	}

	guardrail, err := buildGuardrail(ctx, cfg.Policy, logger)
	if err != nil {
		return err
	}

	checker := health.NewChecker(logger)
	checker.Register("trace_exporter", exporter.HealthCheck)
	checker.Register("decision_log", func(context.Context) domain.HealthResult {
		return domain.HealthResult{
			Name:   "decision_log",
			Passed: true,
			Detail: map[string]any{"batch_pending": decisions.BatchLen()},
		}
	})

	runner := workflow.NewService(workflow.Options{
		Registry:  registry,
		Metrics:   metrics,
		Decisions: decisions,
		Guardrail: guardrail,
		Retry: governance.RetryConfig{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			Jitter:            cfg.Retry.Jitter,
		},
		Logger: logger,
	})

	var agents []agent.Agent
	if demo {
		agents = demoPipeline()
	}

	srv := server.New(server.Options{
		Registry:  registry,
		Metrics:   metrics,
		Health:    checker,
		Decisions: querier,
		Workflow:  runner,
		Agents:    agents,
		Logger:    logger,
	})

	addr := cfg.Server.Address
	if listenOverride != "" {
		addr = listenOverride
	}
	if _, err := srv.Start(addr); err != nil {
		return err
	}

	waitForShutdown(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logger.Error("Exporter shutdown error", "error", err)
	}
	if err := decisions.Stop(shutdownCtx); err != nil {
		logger.Error("Decision log shutdown error", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("Trace provider shutdown error", "error", err)
	}
	return nil
}

// applyConfigUpdates reacts to configuration reloads. Only settings that can
// change safely at runtime are applied; everything else needs a restart.
func applyConfigUpdates(updates <-chan *config.Config, decisions *audit.Logger) {
	for next := range updates {
		decisions.SetFlushInterval(next.DecisionLog.FlushInterval)
	}
}

func buildDecisionSink(cfg config.DecisionLogConfig) (audit.DecisionSink, server.DecisionQuerier, error) {
	var sinks []audit.DecisionSink
	var querier server.DecisionQuerier

	if cfg.FilePath != "" {
		fileSink, err := audit.NewFileSink(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileSink)
		querier = audit.NewStore(cfg.FilePath)
	}
	if cfg.SQLitePath != "" {
		dbSink, err := audit.NewSQLiteSink(audit.SQLiteConfig{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, dbSink)
		if querier == nil {
			querier = dbSink
		}
	}
	return audit.NewMultiSink(sinks...), querier, nil
}

func buildGuardrail(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	opts := policy.EngineOptions{Entrypoint: cfg.Entrypoint}
	if cfg.ModulePath != "" {
		modules, err := policy.LoadModules(cfg.ModulePath)
		if err != nil {
			return nil, err
		}
		opts.Modules = modules
	}

	engine, err := policy.NewEngine(ctx, opts)
	if err != nil {
		return nil, err
	}

	if cfg.ModulePath != "" {
		go func() {
			if err := policy.Watch(context.Background(), engine, cfg.ModulePath, logger); err != nil && err != context.Canceled {
				logger.Warn("Policy watcher stopped", "error", err)
			}
		}()
	}
	return engine, nil
}

// demoPipeline is a scripted planner/reviewer/executor chain that exercises
// the full instrumentation path without calling an LLM.
func demoPipeline() []agent.Agent {
	stage := func(id string, stage agent.Stage, transform func(string) string) agent.Agent {
		return agent.Scripted{
			Desc: agent.Descriptor{ID: id, Stage: stage, Model: "model-mini"},
			Fn: func(_ context.Context, input string) (any, error) {
				return agent.ScriptedResponse{
					Text:  transform(input),
					Usage: agent.TokenUsage{InputTokens: len(input), OutputTokens: len(input) / 2},
				}, nil
			},
		}
	}
	return []agent.Agent{
		stage("demo-planner", agent.StagePlanner, func(s string) string { return "plan: " + s }),
		stage("demo-reviewer", agent.StageReviewer, func(s string) string { return "approved " + s }),
		stage("demo-executor", agent.StageExecutor, func(s string) string { return "done: " + s }),
	}
}

func waitForShutdown(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())
}
