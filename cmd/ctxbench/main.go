// cmd/ctxbench/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/config"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/report"
	"github.com/enterprise-tim/ctxbench/internal/runner"
	"github.com/enterprise-tim/ctxbench/internal/status"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctxbench:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		variant    = flag.String("variant", "", "implicit, explicit, or both")
		workers    = flag.Int("workers", 0, "concurrent identical runs to aggregate")
		output     = flag.String("output", "", "write the result record to this file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *output != "" {
		cfg.OutputPath = *output
	}
	variants := []string{cfg.Run.Variant}
	switch *variant {
	case "":
	case "both":
		variants = []string{runner.VariantImplicit, runner.VariantExplicit}
	default:
		variants = []string{*variant}
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop the run windows early on SIGINT/SIGTERM; a partial record is
	// still produced from whatever was measured.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("signal received, stopping", zap.String("signal", sig.String()))
		cancel()
	}()

	var records []*report.Record
	for _, v := range variants {
		runCfg := cfg.Run
		runCfg.Variant = v
		rec, err := executeVariant(ctx, cfg, runCfg, logger)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if err := report.WriteJSON(os.Stdout, rec); err != nil {
			return err
		}
	}
	if cfg.OutputPath != "" {
		if err := writeRecords(cfg.OutputPath, records); err != nil {
			return err
		}
		logger.Info("wrote result records", zap.String("path", cfg.OutputPath))
	}
	return nil
}

func executeVariant(ctx context.Context, cfg *config.Config, runCfg runner.Config, logger *zap.Logger) (*report.Record, error) {
	r, err := runner.New(runCfg, logger.Named("runner"))
	if err != nil {
		return nil, err
	}

	if cfg.Workers > 1 {
		return r.RunParallel(ctx, cfg.Workers)
	}

	collector := metrics.NewCollector()
	if cfg.Status.Enabled {
		bridge := metrics.NewPromBridge(runCfg.Variant)
		collector.SetBridge(bridge)
		srv := status.New(cfg.Status, collector, bridge.Registry(), logger.Named("status"))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	return r.RunWith(ctx, collector)
}

func writeRecords(path string, records []*report.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	for _, rec := range records {
		if err := report.WriteJSON(f, rec); err != nil {
			return err
		}
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zapCfg.Level = parsed
	}
	return zapCfg.Build()
}
