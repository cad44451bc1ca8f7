// Copyright 2025 James Ross
package redisclient

import (
	"testing"

	"github.com/jamesross/ollama-job-queue/internal/config"
)

func TestNewAppliesConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6400"
	cfg.Redis.DB = 2
	cfg.Redis.PoolSizeMultiplier = 4
	cfg.Redis.MinIdleConns = 2

	client := New(cfg)
	defer client.Close()

	opts := client.Options()
	if opts.Addr != "localhost:6400" {
		t.Fatalf("expected addr localhost:6400, got %s", opts.Addr)
	}
	if opts.DB != 2 {
		t.Fatalf("expected db 2, got %d", opts.DB)
	}
	if opts.MinIdleConns != 2 {
		t.Fatalf("expected min idle conns 2, got %d", opts.MinIdleConns)
	}
}

func TestNewFallsBackToDefaultPoolSize(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6400"
	cfg.Redis.PoolSizeMultiplier = 0

	client := New(cfg)
	defer client.Close()

	if client.Options().PoolSize != 10 {
		t.Fatalf("expected fallback pool size 10, got %d", client.Options().PoolSize)
	}
}
