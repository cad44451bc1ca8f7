// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"
)

// TestBackendBreakerSingleProbeUnderConcurrentDispatch simulates many
// goroutines racing to dispatch a job to a struggling backend the instant its
// cooldown elapses; only one of them may win the HalfOpen probe slot.
func TestBackendBreakerSingleProbeUnderConcurrentDispatch(t *testing.T) {
	ollamaBreaker := New(20*time.Millisecond, 50*time.Millisecond, 0.5, 2)
	if ollamaBreaker.State() != Closed {
		t.Fatal("expected closed")
	}
	ollamaBreaker.Record(false)
	ollamaBreaker.Record(false)
	if ollamaBreaker.State() != Open {
		t.Fatal("expected open after repeated dispatch failures")
	}

	time.Sleep(60 * time.Millisecond)

	const dispatchers = 100
	var wg sync.WaitGroup
	wg.Add(dispatchers)
	allowed := 0
	var mu sync.Mutex
	for i := 0; i < dispatchers; i++ {
		go func() {
			defer wg.Done()
			if ollamaBreaker.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Fatalf("expected exactly 1 dispatcher to win the half-open probe, got %d", allowed)
	}

	ollamaBreaker.Record(false)
	if ollamaBreaker.State() != Open {
		t.Fatalf("expected open after failed probe, got %v", ollamaBreaker.State())
	}

	time.Sleep(60 * time.Millisecond)
	allowed = 0
	wg.Add(dispatchers)
	for i := 0; i < dispatchers; i++ {
		go func() {
			defer wg.Done()
			if ollamaBreaker.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Fatalf("expected exactly 1 allowed probe in second cycle, got %d", allowed)
	}

	ollamaBreaker.Record(true)
	if ollamaBreaker.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %v", ollamaBreaker.State())
	}
}
