// Copyright 2025 James Ross
package backendmetrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/obs"
)

// Registry is the shared-cache-backed, locally-falling-back metrics store.
// A nil *redis.Client is legal and makes the registry purely local, useful
// for tests.
type Registry struct {
	redis *redis.Client
	log   *zap.Logger

	alertResponseTimeMs   float64
	alertActiveJobsThresh int

	mu    sync.RWMutex
	local map[string]*localState
}

type localState struct {
	activeJobs         int
	avgResponseTimeMs  float64
	sampleCount        int
	avgTokensPerSecond float64
	health             HealthStatus
	lastHealthCheck    int64
}

// New builds a Registry. rdb may be nil to force purely local operation.
func New(rdb *redis.Client, cfg *config.Config, log *zap.Logger) *Registry {
	return &Registry{
		redis:                 rdb,
		log:                   log,
		alertResponseTimeMs:   cfg.LoadBalancer.AlertResponseTimeMs,
		alertActiveJobsThresh: cfg.LoadBalancer.AlertActiveJobsThresh,
		local:                 make(map[string]*localState),
	}
}

func redisKeyActive(origin string) string  { return "active_jobs:" + origin }
func redisKeyRespAvg(origin string) string { return "perf_avg_response_time:" + origin }
func redisKeyRespN(origin string) string   { return "perf_sample_count:" + origin }
func redisKeyTokens(origin string) string  { return "perf_avg_tokens_per_second:" + origin }
func redisKeyHealth(origin string) string  { return "health_status:" + origin }

func (r *Registry) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (r *Registry) state(origin string) *localState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.local[origin]
	if !ok {
		st = &localState{health: HealthUnknown}
		r.local[origin] = st
	}
	return st
}

// IncrementActive adjusts the active job counter for origin by delta
// (positive or negative), clamping the floor at 0.
func (r *Registry) IncrementActive(origin string, delta int) {
	origin = CanonicalOrigin(origin)

	if r.redis != nil {
		if ok := r.incrementActiveRedis(origin, delta); ok {
			return
		}
	}

	r.mu.Lock()
	st := r.localLocked(origin)
	st.activeJobs += delta
	if st.activeJobs < 0 {
		st.activeJobs = 0
	}
	n := st.activeJobs
	r.mu.Unlock()

	obs.BackendActiveJobs.WithLabelValues(origin).Set(float64(n))
	if delta > 0 && n > r.alertActiveJobsThresh {
		r.log.Warn("backend active jobs exceeds threshold",
			zap.String("backend", origin), zap.Int("active_jobs", n), zap.Int("threshold", r.alertActiveJobsThresh))
	}
}

func (r *Registry) incrementActiveRedis(origin string, delta int) bool {
	ctx, cancel := r.ctx()
	defer cancel()

	key := redisKeyActive(origin)
	var n int64
	var err error
	if delta >= 0 {
		n, err = r.redis.IncrBy(ctx, key, int64(delta)).Result()
	} else {
		n, err = r.redis.DecrBy(ctx, key, int64(-delta)).Result()
	}
	if err != nil {
		r.log.Debug("redis error updating active job count, falling back to local state", zap.Error(err))
		return false
	}
	if n < 0 {
		r.redis.Set(ctx, key, 0, 0)
		n = 0
	}

	obs.BackendActiveJobs.WithLabelValues(origin).Set(float64(n))
	if delta > 0 && int(n) > r.alertActiveJobsThresh {
		r.log.Warn("backend active jobs exceeds threshold",
			zap.String("backend", origin), zap.Int64("active_jobs", n), zap.Int("threshold", r.alertActiveJobsThresh))
	}
	return true
}

// localLocked must be called with r.mu held.
func (r *Registry) localLocked(origin string) *localState {
	st, ok := r.local[origin]
	if !ok {
		st = &localState{health: HealthUnknown}
		r.local[origin] = st
	}
	return st
}

// RecordLatency folds a response time sample into the EMA for origin.
func (r *Registry) RecordLatency(origin string, ms float64) {
	origin = CanonicalOrigin(origin)

	if r.redis != nil {
		if ok := r.recordLatencyRedis(origin, ms); ok {
			r.maybeAlertLatency(origin, ms)
			return
		}
	}

	r.mu.Lock()
	st := r.localLocked(origin)
	if st.sampleCount == 0 {
		st.avgResponseTimeMs = ms
	} else {
		st.avgResponseTimeMs = emaAlpha*ms + (1-emaAlpha)*st.avgResponseTimeMs
	}
	st.sampleCount++
	avg := st.avgResponseTimeMs
	r.mu.Unlock()

	obs.BackendResponseTimeMs.WithLabelValues(origin).Set(avg)
	r.maybeAlertLatency(origin, ms)
}

func (r *Registry) recordLatencyRedis(origin string, ms float64) bool {
	ctx, cancel := r.ctx()
	defer cancel()

	avgKey, countKey := redisKeyRespAvg(origin), redisKeyRespN(origin)
	curAvgStr, err := r.redis.Get(ctx, avgKey).Result()
	if err != nil && err != redis.Nil {
		r.log.Debug("redis error reading response time", zap.Error(err))
		return false
	}
	countStr, err := r.redis.Get(ctx, countKey).Result()
	if err != nil && err != redis.Nil {
		r.log.Debug("redis error reading sample count", zap.Error(err))
		return false
	}

	curAvg, _ := strconv.ParseFloat(curAvgStr, 64)
	count, _ := strconv.Atoi(countStr)

	newAvg := ms
	if count > 0 {
		newAvg = emaAlpha*ms + (1-emaAlpha)*curAvg
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, avgKey, strconv.FormatFloat(newAvg, 'f', -1, 64), time.Hour)
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Debug("redis error writing response time", zap.Error(err))
		return false
	}

	obs.BackendResponseTimeMs.WithLabelValues(origin).Set(newAvg)
	return true
}

func (r *Registry) maybeAlertLatency(origin string, ms float64) {
	if ms > r.alertResponseTimeMs {
		r.log.Warn("backend response time exceeds threshold",
			zap.String("backend", origin), zap.Float64("response_time_ms", ms), zap.Float64("threshold_ms", r.alertResponseTimeMs))
	}
}

// RecordTokensPerSecond derives a tokens/s sample from a chat response's
// eval_count/eval_duration(ns) and folds it into the EMA, discarding samples
// outside the plausible [0.1, 1000] t/s range as outliers.
func (r *Registry) RecordTokensPerSecond(origin string, evalCount int64, evalDurationNs int64) {
	if evalDurationNs <= 0 {
		return
	}
	tps := float64(evalCount) / (float64(evalDurationNs) / 1e9)
	if tps < minTokensPerSecond || tps > maxTokensPerSecond {
		return
	}
	origin = CanonicalOrigin(origin)

	if r.redis != nil {
		if ok := r.recordTokensRedis(origin, tps); ok {
			return
		}
	}

	r.mu.Lock()
	st := r.localLocked(origin)
	if st.avgTokensPerSecond == 0 {
		st.avgTokensPerSecond = tps
	} else {
		st.avgTokensPerSecond = emaAlpha*tps + (1-emaAlpha)*st.avgTokensPerSecond
	}
	avg := st.avgTokensPerSecond
	r.mu.Unlock()

	obs.BackendTokensPerSecond.WithLabelValues(origin).Set(avg)
}

func (r *Registry) recordTokensRedis(origin string, tps float64) bool {
	ctx, cancel := r.ctx()
	defer cancel()

	key := redisKeyTokens(origin)
	curAvgStr, err := r.redis.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		r.log.Debug("redis error reading token stats", zap.Error(err))
		return false
	}
	curAvg, _ := strconv.ParseFloat(curAvgStr, 64)

	newAvg := tps
	if curAvg != 0 {
		newAvg = emaAlpha*tps + (1-emaAlpha)*curAvg
	}

	if err := r.redis.Set(ctx, key, strconv.FormatFloat(newAvg, 'f', -1, 64), time.Hour).Err(); err != nil {
		r.log.Debug("redis error writing token stats", zap.Error(err))
		return false
	}

	obs.BackendTokensPerSecond.WithLabelValues(origin).Set(newAvg)
	return true
}

// SetHealth records a health probe result with a 120-second freshness TTL.
func (r *Registry) SetHealth(origin string, healthy bool) {
	origin = CanonicalOrigin(origin)
	status := HealthHealthy
	if !healthy {
		status = HealthUnhealthy
	}
	now := time.Now().Unix()

	healthyGauge := 0.0
	if healthy {
		healthyGauge = 1.0
	}
	obs.BackendHealthy.WithLabelValues(origin).Set(healthyGauge)

	if r.redis != nil {
		ctx, cancel := r.ctx()
		defer cancel()
		if err := r.redis.Set(ctx, redisKeyHealth(origin), string(status), healthFreshnessWindow).Err(); err == nil {
			return
		}
	}

	r.mu.Lock()
	st := r.localLocked(origin)
	st.health = status
	st.lastHealthCheck = now
	r.mu.Unlock()
}

// Snapshot returns the full metrics tuple for origin, read from the shared
// cache when it answers a ping and from process-local state otherwise. Health
// is reported as unknown when the last check is missing or older than the
// freshness window. LastHealthCheck is filled only from local state; the
// shared cache keeps the health status alone, with a TTL.
func (r *Registry) Snapshot(origin string) Snapshot {
	origin = CanonicalOrigin(origin)
	snap := Snapshot{BackendURL: origin, HealthStatus: HealthUnknown}

	ctx, cancel := r.ctx()
	defer cancel()
	if r.redis != nil && r.redis.Ping(ctx).Err() == nil {
		if v, err := r.redis.Get(ctx, redisKeyActive(origin)).Int(); err == nil {
			snap.ActiveJobs = v
		}
		if v, err := r.redis.Get(ctx, redisKeyRespAvg(origin)).Float64(); err == nil {
			snap.AvgResponseTimeMs = v
		}
		if v, err := r.redis.Get(ctx, redisKeyRespN(origin)).Int(); err == nil {
			snap.SampleCount = v
		}
		if v, err := r.redis.Get(ctx, redisKeyTokens(origin)).Float64(); err == nil {
			snap.AvgTokensPerSecond = v
		}
		if v, err := r.redis.Get(ctx, redisKeyHealth(origin)).Result(); err == nil {
			snap.HealthStatus = HealthStatus(v)
		}
		return snap
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.local[origin]
	if !ok {
		return snap
	}
	snap.ActiveJobs = st.activeJobs
	snap.AvgResponseTimeMs = st.avgResponseTimeMs
	snap.SampleCount = st.sampleCount
	snap.AvgTokensPerSecond = st.avgTokensPerSecond
	snap.LastHealthCheck = st.lastHealthCheck
	if st.lastHealthCheck != 0 && time.Now().Unix()-st.lastHealthCheck <= int64(healthFreshnessWindow.Seconds()) {
		snap.HealthStatus = st.health
	}
	return snap
}
