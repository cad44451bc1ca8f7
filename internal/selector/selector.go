// Copyright 2025 James Ross
// Package selector is the Backend Selector (C3): given a model and a set of
// candidate backend origins, picks the one to dispatch to under the
// currently active load-balancing strategy.
package selector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
)

// Strategy names the selection algorithm.
type Strategy string

const (
	LeastConnections Strategy = "least_connections"
	RoundRobin       Strategy = "round_robin"
	Fastest          Strategy = "fastest"
)

// Selector picks a backend origin from a candidate set.
type Selector struct {
	metrics *backendmetrics.Registry
	redis   *redis.Client
	strategyStoreKey string
	envDefault       Strategy
	activeJobsWeight float64
	responseWeight   float64

	mu      sync.Mutex
	rrIndex map[string]int // model -> next round-robin index
}

// New builds a Selector backed by the given metrics registry. rdb may be nil,
// in which case the strategy is held in process memory: the configured
// environment default until SetStrategy replaces it.
func New(metrics *backendmetrics.Registry, rdb *redis.Client, cfg *config.Config) *Selector {
	return &Selector{
		metrics:          metrics,
		redis:            rdb,
		strategyStoreKey: cfg.LoadBalancer.StrategyStoreKey,
		envDefault:       Strategy(cfg.LoadBalancer.Strategy),
		activeJobsWeight: cfg.LoadBalancer.ActiveJobsWeight,
		responseWeight:   cfg.LoadBalancer.ResponseTimeWeight,
		rrIndex:          make(map[string]int),
	}
}

// CurrentStrategy returns the active strategy: the shared store value when
// present, otherwise the environment default.
func (s *Selector) CurrentStrategy() Strategy {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if v, err := s.redis.Get(ctx, s.strategyStoreKey).Result(); err == nil && v != "" {
			return Strategy(v)
		}
	}
	return s.envDefault
}

// SetStrategy writes a new strategy to the shared store, taking effect on the
// next Select call. Returns an error only when the shared store is
// unreachable; callers without a shared store should treat that as "cannot
// persist across restarts" rather than fatal.
func (s *Selector) SetStrategy(strategy Strategy) error {
	if s.redis == nil {
		s.envDefault = strategy
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.redis.Set(ctx, s.strategyStoreKey, string(strategy), 0).Err()
}

type candidate struct {
	origin string
	snap   backendmetrics.Snapshot
}

// Select picks one origin from candidates for the given model, under the
// current strategy. candidates must be non-empty.
func (s *Selector) Select(model string, candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	cands := make([]candidate, len(candidates))
	for i, c := range candidates {
		cands[i] = candidate{origin: c, snap: s.metrics.Snapshot(c)}
	}

	healthy := filterHealthy(cands)
	if len(healthy) == 0 {
		// All servers unhealthy: operate degraded rather than fail the dispatch.
		healthy = cands
	}

	switch s.CurrentStrategy() {
	case RoundRobin:
		return s.selectRoundRobin(model, healthy)
	case Fastest:
		return s.selectFastest(healthy)
	default:
		return s.selectLeastConnections(healthy)
	}
}

func filterHealthy(cands []candidate) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.snap.HealthStatus != backendmetrics.HealthUnhealthy {
			out = append(out, c)
		}
	}
	return out
}

func (s *Selector) selectLeastConnections(cands []candidate) string {
	if !anyHasMetrics(cands) {
		return cands[rand.Intn(len(cands))].origin
	}

	best := cands[0]
	bestScore := s.score(best.snap)
	for _, c := range cands[1:] {
		score := s.score(c.snap)
		if score < bestScore {
			best, bestScore = c, score
		}
	}
	return best.origin
}

func (s *Selector) score(snap backendmetrics.Snapshot) float64 {
	return s.activeJobsWeight*float64(snap.ActiveJobs) + s.responseWeight*(snap.AvgResponseTimeMs/1000)
}

func (s *Selector) selectFastest(cands []candidate) string {
	if !anyHasMetrics(cands) {
		return cands[rand.Intn(len(cands))].origin
	}

	best := cands[0]
	for _, c := range cands[1:] {
		// Zero is "unknown" and must not beat a candidate with real data.
		if c.snap.AvgResponseTimeMs == 0 {
			continue
		}
		if best.snap.AvgResponseTimeMs == 0 || c.snap.AvgResponseTimeMs < best.snap.AvgResponseTimeMs {
			best = c
		}
	}
	return best.origin
}

func (s *Selector) selectRoundRobin(model string, cands []candidate) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.rrIndex[model] % len(cands)
	s.rrIndex[model] = idx + 1
	return cands[idx].origin
}

func anyHasMetrics(cands []candidate) bool {
	for _, c := range cands {
		if c.snap.SampleCount > 0 || c.snap.ActiveJobs > 0 {
			return true
		}
	}
	return false
}
