// Copyright 2025 James Ross
// Package backendmetrics is the Backend Metrics Registry (C2): per-backend
// live counters — active jobs, EMA response time, EMA tokens/s, health — read
// by the Selector and written by the Dispatcher on every request. The shared
// cache (Redis) is authoritative when reachable; any Redis failure falls back
// to process-local state without surfacing an error to the caller.
package backendmetrics

import (
	"net/url"
	"time"
)

const (
	emaAlpha              = 0.3
	healthFreshnessWindow = 120 * time.Second
	minTokensPerSecond    = 0.1
	maxTokensPerSecond    = 1000
)

// HealthStatus is a backend's last-observed reachability.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Snapshot is the full metrics tuple for one backend origin.
type Snapshot struct {
	BackendURL         string
	ActiveJobs         int
	AvgResponseTimeMs  float64
	SampleCount        int
	AvgTokensPerSecond float64
	HealthStatus       HealthStatus
	LastHealthCheck    int64 // unix seconds; zero when read from the shared cache
}

// CanonicalOrigin reduces any request URL to scheme://host[:port], stripping
// path and query, so metrics are keyed per backend server rather than per
// endpoint. Falls back to the raw string when it cannot be parsed as a URL.
func CanonicalOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
