package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	ShutdownTimeout time.Duration
	Serve           bool
	CheckConfig     bool
	ShowVersion     bool
	Keys            []string
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		os.Getenv("PERFCORE_CONFIG"),
		"Path to a YAML configuration file (env: PERFCORE_CONFIG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second,
		"Graceful shutdown timeout")
	fs.BoolVar(&cfg.Serve, "serve", false,
		"Keep serving /metrics and /stats after validation until interrupted")
	fs.BoolVar(&cfg.CheckConfig, "check-config", false,
		"Validate configuration and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s [flags] [document keys...]\n\n", appName)
		fmt.Fprintf(out, "Loads each document through the cache and validates it as YAML.\n")
		fmt.Fprintf(out, "Keys are paths below loader.root, or object keys when loader.source is s3.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown-timeout must be positive")
	}
	cfg.Keys = fs.Args()
	return cfg, nil
}
