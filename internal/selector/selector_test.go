// Copyright 2025 James Ross
package selector

import (
	"testing"

	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
)

func testSelector(t *testing.T, strategy string) *Selector {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadBalancer.Strategy = strategy
	cfg.LoadBalancer.ActiveJobsWeight = 1.0
	cfg.LoadBalancer.ResponseTimeWeight = 1.0
	cfg.LoadBalancer.StrategyStoreKey = "jobqueue:lb:strategy"

	metrics := backendmetrics.New(nil, cfg, zap.NewNop())
	return New(metrics, nil, cfg)
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	sel := testSelector(t, "least_connections")
	sel.metrics.IncrementActive("http://a:1", 5)
	sel.metrics.IncrementActive("http://b:1", 0)
	sel.metrics.RecordLatency("http://a:1", 100)
	sel.metrics.RecordLatency("http://b:1", 100)

	picked := sel.Select("llama3", []string{"http://a:1", "http://b:1"})
	if picked != "http://b:1" {
		t.Fatalf("expected b (no load), got %s", picked)
	}
}

func TestUnhealthyCandidatesAreFilteredWithFallback(t *testing.T) {
	sel := testSelector(t, "least_connections")
	sel.metrics.SetHealth("http://a:1", false)
	sel.metrics.SetHealth("http://b:1", true)
	sel.metrics.IncrementActive("http://b:1", 9) // heavier load but healthy

	picked := sel.Select("llama3", []string{"http://a:1", "http://b:1"})
	if picked != "http://b:1" {
		t.Fatalf("expected only healthy candidate b, got %s", picked)
	}

	// All unhealthy: falls back to the full candidate set rather than failing.
	sel.metrics.SetHealth("http://b:1", false)
	picked = sel.Select("llama3", []string{"http://a:1", "http://b:1"})
	if picked != "http://a:1" && picked != "http://b:1" {
		t.Fatalf("expected a degraded pick from the full set, got %s", picked)
	}
}

func TestRoundRobinCyclesPerModel(t *testing.T) {
	sel := testSelector(t, "round_robin")
	candidates := []string{"http://a:1", "http://b:1", "http://c:1"}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[sel.Select("llama3", candidates)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all three candidates visited over a full cycle, got %v", seen)
	}

	fourth := sel.Select("llama3", candidates)
	if fourth != "http://a:1" {
		t.Fatalf("expected round robin to wrap back to the first candidate, got %s", fourth)
	}
}

func TestFastestPrefersLowerLatencyOverUnknown(t *testing.T) {
	sel := testSelector(t, "fastest")
	sel.metrics.RecordLatency("http://a:1", 500)
	// b has no recorded latency (0 == unknown), must not win over a's real data.

	picked := sel.Select("llama3", []string{"http://a:1", "http://b:1"})
	if picked != "http://a:1" {
		t.Fatalf("expected a (known latency) to beat unknown b, got %s", picked)
	}
}

func TestSelectSingleCandidateShortCircuits(t *testing.T) {
	sel := testSelector(t, "least_connections")
	if got := sel.Select("llama3", []string{"http://only:1"}); got != "http://only:1" {
		t.Fatalf("expected the sole candidate, got %s", got)
	}
}
