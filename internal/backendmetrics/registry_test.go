// Copyright 2025 James Ross
package backendmetrics

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadBalancer.AlertResponseTimeMs = 5000
	cfg.LoadBalancer.AlertActiveJobsThresh = 50
	return cfg
}

func TestCanonicalOrigin(t *testing.T) {
	got := CanonicalOrigin("http://localhost:11434/api/chat")
	if got != "http://localhost:11434" {
		t.Fatalf("expected scheme://host, got %s", got)
	}
	if CanonicalOrigin("not a url") != "not a url" {
		t.Fatalf("expected passthrough for unparseable input")
	}
}

func TestLocalFallbackActiveJobsNeverGoesNegative(t *testing.T) {
	r := New(nil, testConfig(), zap.NewNop())
	r.IncrementActive("http://a:1", 3)
	r.IncrementActive("http://a:1", -10)

	snap := r.Snapshot("http://a:1")
	if snap.ActiveJobs != 0 {
		t.Fatalf("expected floor of 0, got %d", snap.ActiveJobs)
	}
}

func TestLocalFallbackLatencyEMA(t *testing.T) {
	r := New(nil, testConfig(), zap.NewNop())
	r.RecordLatency("http://a:1", 100)
	r.RecordLatency("http://a:1", 200)

	// seed=100, then 0.3*200 + 0.7*100 = 130
	snap := r.Snapshot("http://a:1")
	if snap.AvgResponseTimeMs != 130 {
		t.Fatalf("expected EMA 130, got %f", snap.AvgResponseTimeMs)
	}
}

func TestTokensPerSecondDiscardsOutliers(t *testing.T) {
	r := New(nil, testConfig(), zap.NewNop())
	// 1 token per 2000ns => way above 1000 t/s, should be discarded
	r.RecordTokensPerSecond("http://a:1", 1, 2000)
	snap := r.Snapshot("http://a:1")
	if snap.AvgTokensPerSecond != 0 {
		t.Fatalf("expected outlier sample discarded, got %f", snap.AvgTokensPerSecond)
	}

	// 10 tokens over 1 second is a plausible sample
	r.RecordTokensPerSecond("http://a:1", 10, 1_000_000_000)
	snap = r.Snapshot("http://a:1")
	if snap.AvgTokensPerSecond != 10 {
		t.Fatalf("expected seeded EMA of 10, got %f", snap.AvgTokensPerSecond)
	}
}

func TestHealthFallsBackToUnknownWhenUnset(t *testing.T) {
	r := New(nil, testConfig(), zap.NewNop())
	snap := r.Snapshot("http://never-checked:1")
	if snap.HealthStatus != HealthUnknown {
		t.Fatalf("expected unknown health for an unset backend, got %s", snap.HealthStatus)
	}

	r.SetHealth("http://a:1", true)
	snap = r.Snapshot("http://a:1")
	if snap.HealthStatus != HealthHealthy {
		t.Fatalf("expected healthy, got %s", snap.HealthStatus)
	}

	r.SetHealth("http://a:1", false)
	snap = r.Snapshot("http://a:1")
	if snap.HealthStatus != HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", snap.HealthStatus)
	}
}

func newMiniredisRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, testConfig(), zap.NewNop()), mr
}

func TestRedisBackedActiveJobsRoundTrip(t *testing.T) {
	r, _ := newMiniredisRegistry(t)

	r.IncrementActive("http://a:1", 5)
	r.IncrementActive("http://a:1", -2)

	snap := r.Snapshot("http://a:1")
	if snap.ActiveJobs != 3 {
		t.Fatalf("expected 3 active jobs via redis, got %d", snap.ActiveJobs)
	}
}

func TestRedisBackedHealthExpires(t *testing.T) {
	r, mr := newMiniredisRegistry(t)

	r.SetHealth("http://a:1", true)
	snap := r.Snapshot("http://a:1")
	if snap.HealthStatus != HealthHealthy {
		t.Fatalf("expected healthy immediately after set, got %s", snap.HealthStatus)
	}

	mr.FastForward(healthFreshnessWindow + time.Second)
	snap = r.Snapshot("http://a:1")
	if snap.HealthStatus != HealthUnknown {
		t.Fatalf("expected unknown after TTL expiry, got %s", snap.HealthStatus)
	}
}
