// Copyright 2025 James Ross
// Package redisclient constructs the shared go-redis client used by the
// Backend Metrics Registry (authoritative counters) and the HTTP layer's SSE
// fan-out.
package redisclient

import (
	"runtime"

	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/redis/go-redis/v9"
)

// New builds a *redis.Client from the application config, sizing the
// connection pool relative to GOMAXPROCS the way the teacher's worker pool
// sizing does for goroutine counts.
func New(cfg *config.Config) *redis.Client {
	poolSize := runtime.GOMAXPROCS(0) * cfg.Redis.PoolSizeMultiplier
	if poolSize <= 0 {
		poolSize = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
}
