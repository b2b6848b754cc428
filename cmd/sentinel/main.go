// Package main is the entry point for the sentinel CLI.
// It provides serve, health, and version commands over the observability core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelai/sentinel-oss/internal/governance"
	"github.com/sentinelai/sentinel-oss/internal/health"
	"github.com/sentinelai/sentinel-oss/internal/server"
	"github.com/sentinelai/sentinel-oss/internal/workflow"
	"github.com/sentinelai/sentinel-oss/pkg/audit"
	"github.com/sentinelai/sentinel-oss/pkg/config"
	"github.com/sentinelai/sentinel-oss/pkg/domain"
	"github.com/sentinelai/sentinel-oss/pkg/logging"
	"github.com/sentinelai/sentinel-oss/pkg/policy"
	"github.com/sentinelai/sentinel-oss/pkg/telemetry"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Agent workflow observability core",
		Long: `Sentinel instruments LLM-agent workflows with distributed tracing,
metrics, and an auditable policy-decision log.

Example:
  sentinel serve --config sentinel.yaml`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newHealthCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the observability service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if listenAddr != "" {
				cfg.Server.Address = listenAddr
			}

			logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
			slog.SetDefault(logger)
			logger.Info("Starting sentinel", "version", version, "trace_export", cfg.Trace.Enabled)

			return serve(cfg, configPath, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&listenAddr, "listen", "a", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	return cmd
}

func serve(cfg *config.Config, cfgFile string, logger *slog.Logger) error {
	ctx := context.Background()

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

	var sinks []audit.DecisionSink
	var querier server.DecisionQuerier
	if cfg.DecisionLog.FilePath != "" {
		fileSink, err := audit.NewFileSink(cfg.DecisionLog.FilePath)
		if err != nil {
			return err
		}
		sinks = append(sinks, fileSink)
		querier = audit.NewStore(cfg.DecisionLog.FilePath)
	}
	if cfg.DecisionLog.SQLitePath != "" {
		dbSink, err := audit.NewSQLiteSink(audit.SQLiteConfig{Path: cfg.DecisionLog.SQLitePath})
		if err != nil {
			return err
		}
		sinks = append(sinks, dbSink)
		if querier == nil {
			querier = dbSink
		}
	}
	decisions := audit.NewLogger(audit.NewMultiSink(sinks...), audit.LoggerConfig{
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
		go func() {
			for next := range watcher.Subscribe() {
				decisions.SetFlushInterval(next.DecisionLog.FlushInterval)
			}
		}()
	}

	guardrailOpts := policy.EngineOptions{Entrypoint: cfg.Policy.Entrypoint}
	if cfg.Policy.ModulePath != "" {
		modules, err := policy.LoadModules(cfg.Policy.ModulePath)
		if err != nil {
			return err
		}
		guardrailOpts.Modules = modules
	}
	guardrail, err := policy.NewEngine(ctx, guardrailOpts)
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

	srv := server.New(server.Options{
		Registry:  registry,
		Metrics:   metrics,
		Health:    checker,
		Decisions: querier,
		Workflow:  runner,
		Logger:    logger,
	})
	if _, err := srv.Start(cfg.Server.Address); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

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
	return provider.Shutdown(shutdownCtx)
}

func newHealthCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			var report domain.HealthReport
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("unexpected health response: %s", string(body))
			}

			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))

			if report.Status != domain.StatusHealthy {
				return fmt.Errorf("service is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:8098", "Host:port of the running instance")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sentinel version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("sentinel %s\n", version)
		},
	}
}
