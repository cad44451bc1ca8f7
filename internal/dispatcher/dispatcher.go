// Copyright 2025 James Ross
// Package dispatcher is the Dispatcher (C4): executes one claimed job against
// a selected backend, tracking active-job/latency/token metrics around the
// call and writing the terminal result back to the Job Store.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/breaker"
	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
	"github.com/jamesross/ollama-job-queue/internal/obs"
)

const chatPath = "/api/chat"

// Dispatcher wires the Job Store, the Backend Metrics Registry, and a
// per-origin circuit breaker around the downstream HTTP call to an
// Ollama-compatible backend.
type Dispatcher struct {
	store      *jobstore.Store
	metrics    *backendmetrics.Registry
	redis      *redis.Client
	log        *zap.Logger
	httpClient *http.Client

	cfg *config.Config

	breakersMu sync.Mutex
	breakers   map[string]*breaker.BackendBreaker
}

// New builds a Dispatcher. rdb may be nil, in which case status-change
// notifications are simply not published.
func New(store *jobstore.Store, metrics *backendmetrics.Registry, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		metrics:    metrics,
		redis:      rdb,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.LoadBalancer.RequestTimeout},
		cfg:        cfg,
		breakers:   make(map[string]*breaker.BackendBreaker),
	}
}

// Allow reports whether origin's circuit breaker currently permits a
// dispatch. The scheduler checks this before handing a job to a backend.
func (d *Dispatcher) Allow(origin string) bool {
	return d.breakerFor(backendmetrics.CanonicalOrigin(origin)).Allow()
}

func (d *Dispatcher) breakerFor(origin string) *breaker.BackendBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	cb, ok := d.breakers[origin]
	if !ok {
		cb = breaker.New(d.cfg.CircuitBreaker.Window, d.cfg.CircuitBreaker.CooldownPeriod,
			d.cfg.CircuitBreaker.FailureThreshold, d.cfg.CircuitBreaker.MinSamples)
		d.breakers[origin] = cb
	}
	return cb
}

func (d *Dispatcher) recordBreaker(origin string, ok bool) {
	cb := d.breakerFor(origin)
	prev := cb.State()
	cb.Record(ok)
	curr := cb.State()
	obs.CircuitBreakerState.WithLabelValues(origin).Set(float64(curr))
	if prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(origin).Inc()
	}
}

// chatResponseMeta is the subset of an Ollama chat response this package
// cares about: the terminal-frame token accounting fields.
type chatResponseMeta struct {
	Done         bool  `json:"done"`
	EvalCount    int64 `json:"eval_count"`
	EvalDuration int64 `json:"eval_duration"`
}

// Execute runs the non-streaming dispatch of a claimed job against backendURL
// and writes the terminal state (completed or requeued/failed) back to the
// store. It never returns an error: every failure path resolves to a store
// write plus a logged warning, matching the scheduler's "a dispatch never
// blocks the loop" requirement.
func (d *Dispatcher) Execute(ctx context.Context, job *jobstore.Job, backendURL string) {
	origin := backendmetrics.CanonicalOrigin(backendURL)

	if err := d.store.SetBackend(job.ID, origin); err != nil {
		d.log.Error("set backend failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	d.metrics.IncrementActive(origin, 1)
	var decremented int32
	decrementOnce := func() {
		if atomic.CompareAndSwapInt32(&decremented, 0, 1) {
			d.metrics.IncrementActive(origin, -1)
		}
	}
	defer decrementOnce()

	ctx, span := obs.ContextWithJobSpan(ctx, obs.JobSpanInfo{
		ID: job.ID, ModelID: job.ModelID, Priority: job.Priority, AttemptCount: job.AttemptCount,
	})
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("backend.origin", origin))

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.LoadBalancer.RequestTimeout)
	defer cancel()

	body, err := withStreamFlag(job.Request, false)
	if err != nil {
		d.fail(ctx, job, fmt.Errorf("build request body: %w", err))
		return
	}

	start := time.Now()
	resp, err := d.postChat(reqCtx, origin, body)
	if err != nil {
		d.recordBreaker(origin, false)
		d.fail(ctx, job, err)
		return
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	payload, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		d.recordBreaker(origin, false)
		d.fail(ctx, job, readErr)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.recordBreaker(origin, false)
		d.metrics.RecordLatency(origin, float64(elapsed.Milliseconds()))
		d.fail(ctx, job, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(payload)))
		return
	}

	d.metrics.RecordLatency(origin, float64(elapsed.Milliseconds()))
	obs.DispatchDuration.Observe(elapsed.Seconds())

	var meta chatResponseMeta
	if json.Unmarshal(payload, &meta) == nil && meta.EvalDuration > 0 {
		d.metrics.RecordTokensPerSecond(origin, meta.EvalCount, meta.EvalDuration)
	}

	d.recordBreaker(origin, true)
	obs.SetSpanSuccess(ctx)

	updated, err := d.store.MarkCompleted(job.ID, payload)
	if err != nil {
		d.log.Error("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.publishStatus(updated)
}

func (d *Dispatcher) fail(ctx context.Context, job *jobstore.Job, cause error) {
	obs.RecordError(ctx, cause)
	updated, err := d.store.MarkFailed(job.ID, cause.Error(), true)
	if err != nil {
		d.log.Error("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.log.Warn("dispatch failed", zap.String("job_id", job.ID), zap.Error(cause))
	d.publishStatus(updated)
}

func (d *Dispatcher) postChat(ctx context.Context, origin string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.httpClient.Do(req)
}

// withStreamFlag decodes request as a generic JSON object, forces its
// "stream" field to streaming, and re-encodes. Request bodies are opaque to
// the Job Store; this is the one place their shape is actually inspected.
func withStreamFlag(request []byte, streaming bool) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(request, &m); err != nil {
		return nil, err
	}
	m["stream"] = streaming
	return json.Marshal(m)
}

type statusEvent struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

// NotificationChannel names the Redis pub/sub channel carrying status-change
// events for a user's jobs; the HTTP layer's SSE handler subscribes here.
func NotificationChannel(userID string) string {
	return "jobqueue:events:" + userID
}

// publishStatus is a best-effort notification: a publish failure (no
// subscribers, Redis unreachable) is logged at debug and never surfaces.
func (d *Dispatcher) publishStatus(job *jobstore.Job) {
	if d.redis == nil || job == nil {
		return
	}
	payload, err := json.Marshal(statusEvent{JobID: job.ID, Status: string(job.Status), UpdatedAt: job.UpdatedAt})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.redis.Publish(ctx, NotificationChannel(job.UserID), payload).Err(); err != nil {
		d.log.Debug("status notification publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
