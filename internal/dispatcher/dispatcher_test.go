// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadBalancer.RequestTimeout = 5 * time.Second
	cfg.CircuitBreaker.Window = time.Minute
	cfg.CircuitBreaker.CooldownPeriod = 30 * time.Second
	cfg.CircuitBreaker.FailureThreshold = 0.5
	cfg.CircuitBreaker.MinSamples = 20
	return cfg
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := jobstore.New(db, "sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExecuteMarksCompletedAndRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != false {
			t.Errorf("expected stream=false forced on the request, got %v", body["stream"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message":       map[string]string{"role": "assistant", "content": "hi"},
			"done":          true,
			"eval_count":    10,
			"eval_duration": 1_000_000_000,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	job, err := store.Insert("user-1", "llama3", []byte(`{"model":"llama3","messages":[]}`), 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := store.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}

	metrics := backendmetrics.New(nil, testConfig(), zap.NewNop())
	d := New(store, metrics, nil, testConfig(), zap.NewNop())

	d.Execute(context.Background(), claimed, srv.URL)

	got, err := store.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobstore.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	snap := metrics.Snapshot(srv.URL)
	if snap.ActiveJobs != 0 {
		t.Fatalf("expected active jobs decremented back to 0, got %d", snap.ActiveJobs)
	}
	if snap.AvgTokensPerSecond != 10 {
		t.Fatalf("expected tokens/s recorded from eval_count/eval_duration, got %f", snap.AvgTokensPerSecond)
	}
}

func TestExecuteRequeuesOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.Insert("user-1", "llama3", []byte(`{"model":"llama3","messages":[]}`), 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := store.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}

	metrics := backendmetrics.New(nil, testConfig(), zap.NewNop())
	d := New(store, metrics, nil, testConfig(), zap.NewNop())

	d.Execute(context.Background(), claimed, srv.URL)

	got, err := store.Get(claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobstore.StatusQueued {
		t.Fatalf("expected requeued to queued (attempts remain), got %s", got.Status)
	}

	snap := metrics.Snapshot(srv.URL)
	if snap.ActiveJobs != 0 {
		t.Fatalf("expected active jobs decremented even on failure, got %d", snap.ActiveJobs)
	}
}

func TestExecuteNeverOverwritesCancelledJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"done": true})
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.Insert("user-1", "llama3", []byte(`{"model":"llama3","messages":[]}`), 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := store.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}

	if _, err := store.MarkCancelled(claimed.ID); err != nil {
		t.Fatal(err)
	}

	metrics := backendmetrics.New(nil, testConfig(), zap.NewNop())
	d := New(store, metrics, nil, testConfig(), zap.NewNop())
	d.Execute(context.Background(), claimed, srv.URL)

	got, err := store.Get(claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobstore.StatusCancelled {
		t.Fatalf("expected cancelled status preserved, got %s", got.Status)
	}
}

func TestAllowReflectsBreakerState(t *testing.T) {
	metrics := backendmetrics.New(nil, testConfig(), zap.NewNop())
	d := New(newTestStore(t), metrics, nil, testConfig(), zap.NewNop())

	if !d.Allow("http://backend:1") {
		t.Fatal("expected a fresh circuit breaker to allow dispatch")
	}
}
