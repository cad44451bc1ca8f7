// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("JOBQUEUE_SCHEDULER_MAX_CONCURRENT_JOBS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.MaxConcurrentJobs != 10 {
		t.Fatalf("expected default max_concurrent_jobs 10, got %d", cfg.Scheduler.MaxConcurrentJobs)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Fatalf("expected default driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.LoadBalancer.Strategy != "least_connections" {
		t.Fatalf("expected default strategy least_connections, got %s", cfg.LoadBalancer.Strategy)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheduler.MaxConcurrentJobs = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_concurrent_jobs < 1")
	}

	cfg = defaultConfig()
	cfg.Database.Driver = "mysql"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}

	cfg = defaultConfig()
	cfg.LoadBalancer.Strategy = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}
