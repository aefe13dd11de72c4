/*
Package config loads perfcore settings from YAML files and PERFCORE_*
environment variables.

Precedence, lowest first: compiled-in defaults (NewDefault), a YAML file
(LoadFromFile), then environment overrides (LoadFromEnv). Validate should be
called after all sources are applied.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("perfcore.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_addr: ":9090"
	cache:
	  max_entries: 1000
	  max_memory: 50MiB
	  default_ttl: 5m
	scheduler:
	  max_concurrent: 4
	  high_concurrency: 2
	  low_tier_delay: 10ms
	  retry:
	    max_retries: 3
	    base_delay: 100ms
	batch:
	  batch_size: 10
	  flush_interval: 50ms
	monitor:
	  gc_interval: 30s
	  memory_threshold_ratio: 0.8
	loader:
	  source: s3
	  s3:
	    bucket: team-configs
	    region: us-west-2

Memory sizes accept humanized units ("64MB", "50MiB"). The *Settings
methods convert each section into the configuration type of the component
that consumes it.
*/
package config
