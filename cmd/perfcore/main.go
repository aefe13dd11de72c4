// Command perfcore loads documents through the adaptive cache and operation
// scheduler, validates them as YAML in batches and optionally keeps serving
// Prometheus metrics and engine statistics.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/yamlforge/perfcore/internal/config"
	"github.com/yamlforge/perfcore/internal/engine"
	"github.com/yamlforge/perfcore/internal/loader"
	"github.com/yamlforge/perfcore/pkg/api"
	"github.com/yamlforge/perfcore/pkg/memmon"
	"github.com/yamlforge/perfcore/pkg/utils"
)

const (
	appName = "perfcore"
	Version = "0.1.0"
)

// errValidationFailed signals that at least one document failed
var errValidationFailed = stderrors.New("validation failed")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		if !stderrors.Is(err, errValidationFailed) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfiguration(cli.ConfigPath)
	if err != nil {
		return err
	}
	if cli.CheckConfig {
		fmt.Println("configuration is valid")
		return nil
	}

	logger, closeLog, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = closeLog() }()

	defer applyRuntimeSettings(cfg, logger)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ldr, checks, err := newLoader(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc, err := newService(cfg, logger, checks)
	if err != nil {
		return err
	}
	registerValidation(svc.Batch())

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	var server *api.Server
	if cfg.Global.MetricsAddr != "" {
		serverCfg := api.DefaultServerConfig()
		serverCfg.Address = cfg.Global.MetricsAddr
		server = api.NewServer(serverCfg, svc, logger)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("API server failed", map[string]interface{}{"error": err.Error()})
				stop()
			}
		}()
	}

	failed := 0
	if len(cli.Keys) > 0 {
		results, err := validateAll(ctx, svc, ldr, cli.Keys)
		if err != nil {
			shutdown(svc, server, cli, logger)
			return fmt.Errorf("validate: %w", err)
		}
		failed = writeReport(os.Stdout, results)
	}

	if cli.Serve {
		logger.Info("Serving until interrupted", map[string]interface{}{"address": cfg.Global.MetricsAddr})
		<-ctx.Done()
	}

	if err := shutdown(svc, server, cli, logger); err != nil {
		return err
	}
	if failed > 0 {
		return errValidationFailed
	}
	return nil
}

func loadConfiguration(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyRuntimeSettings adjusts process-wide GC tuning and returns a func
// that restores the previous value.
func applyRuntimeSettings(cfg *config.Configuration, logger *utils.StructuredLogger) func() {
	if cfg.Monitor.GCPercent <= 0 {
		return func() {}
	}
	prev := debug.SetGCPercent(cfg.Monitor.GCPercent)
	logger.Info("Set GC percent", map[string]interface{}{
		"gc_percent": cfg.Monitor.GCPercent,
		"previous":   prev,
	})
	return func() { debug.SetGCPercent(prev) }
}

func newLoader(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (loader.Loader, map[string]engine.HealthCheck, error) {
	checks := map[string]engine.HealthCheck{}
	if cfg.Loader.Source != "s3" {
		return loader.NewFileLoader(cfg.Loader.Root), checks, nil
	}

	s3Loader, err := loader.NewS3Loader(ctx, cfg.S3Settings(), loader.S3Deps{Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("create s3 loader: %w", err)
	}
	checks["s3"] = s3Loader.HealthCheck
	return s3Loader, checks, nil
}

func newService(cfg *config.Configuration, logger *utils.StructuredLogger, checks map[string]engine.HealthCheck) (*engine.Service[[]byte], error) {
	cacheCfg, err := cfg.CacheSettings()
	if err != nil {
		return nil, err
	}
	svc, err := engine.New[[]byte](engine.Config{
		Cache:     cacheCfg,
		Scheduler: cfg.SchedulerSettings(),
		Batch:     cfg.BatchSettings(),
		Monitor:   cfg.MonitorSettings(),
		Metrics:   cfg.MetricsSettings(),
	}, engine.Deps[[]byte]{
		Logger:       logger,
		Probe:        memmon.RuntimeProbe{},
		HealthChecks: checks,
	})
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return svc, nil
}

func shutdown(svc *engine.Service[[]byte], server *api.Server, cli *CLIConfig, logger *utils.StructuredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("API server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := svc.Stop(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
