// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"
	"testing"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)

	job, err := s.Insert("user-1", "llama3", []byte(`{"messages":[]}`), 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.PriorityScore != 5.0 {
		t.Fatalf("expected priority_score 5.0, got %f", job.PriorityScore)
	}

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("expected to find job %s", job.ID)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing job")
	}
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)

	low, _ := s.Insert("u", "m", nil, 1, 3)
	high, _ := s.Insert("u", "m", nil, 9, 3)

	claimed, err := s.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("expected to claim the higher priority job %s first", high.ID)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("expected claimed job to be running, got %s", claimed.Status)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("expected attempt_count incremented to 1, got %d", claimed.AttemptCount)
	}

	next, err := s.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != low.ID {
		t.Fatalf("expected to claim the remaining job %s next", low.ID)
	}

	empty, err := s.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Fatalf("expected nil once queue is drained")
	}
}

func TestMarkFailedRequeuesUntilAttemptsExhausted(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Insert("u", "m", nil, 5, 2)

	claimed, _ := s.ClaimNext() // attempt_count -> 1
	if claimed.ID != job.ID {
		t.Fatal("unexpected claim order")
	}

	failed, err := s.MarkFailed(job.ID, "boom", true)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusQueued {
		t.Fatalf("expected requeue to queued, got %s", failed.Status)
	}

	claimed2, _ := s.ClaimNext() // attempt_count -> 2 == max_attempts
	if claimed2.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", claimed2.AttemptCount)
	}

	failed2, err := s.MarkFailed(job.ID, "boom again", true)
	if err != nil {
		t.Fatal(err)
	}
	if failed2.Status != StatusFailed {
		t.Fatalf("expected terminal failed once attempts exhausted, got %s", failed2.Status)
	}
}

func TestMarkCancelledIsTerminalAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Insert("u", "m", nil, 5, 3)

	cancelled, err := s.MarkCancelled(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	completed, err := s.MarkCompleted(job.ID, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = completed

	again, err := s.MarkCancelled(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusCancelled {
		t.Fatalf("expected cancel on a terminal job to be a no-op, got %s", again.Status)
	}
}

func TestAdminRetryRequiresTerminalState(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Insert("u", "m", nil, 7, 3)

	if _, err := s.AdminRetry(job.ID); err == nil {
		t.Fatalf("expected conflict retrying a queued job")
	}

	s.MarkCancelled(job.ID)
	retried, err := s.AdminRetry(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != StatusQueued || retried.PriorityScore != 7.0 || retried.AttemptCount != 0 {
		t.Fatalf("expected reset to queued state, got %+v", retried)
	}
}

func TestBumpStaleScoresOnlyTouchesQueued(t *testing.T) {
	s := newTestStore(t)
	toRun, _ := s.Insert("u", "m", nil, 1, 3)
	s.ClaimNext() // flips toRun to running

	stillQueued, _ := s.Insert("u", "m", nil, 1, 3)

	if err := s.BumpStaleScores(0.5); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(stillQueued.ID)
	if got.PriorityScore != 1.5 {
		t.Fatalf("expected starvation bump to 1.5, got %f", got.PriorityScore)
	}

	gotRunning, _ := s.Get(toRun.ID)
	if gotRunning.PriorityScore != 1.0 {
		t.Fatalf("expected running job's priority_score untouched, got %f", gotRunning.PriorityScore)
	}
}

func TestArchiveOldMovesTerminalRows(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Insert("u", "m", nil, 5, 3)
	s.MarkCancelled(job.ID)

	log := zap.NewNop()
	n := s.ArchiveOld(-1, log) // negative days: cutoff is in the future, so the row qualifies
	if n != 1 {
		t.Fatalf("expected 1 row archived, got %d", n)
	}

	gone, err := s.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Fatalf("expected job removed from active table after archiving")
	}

	archived, total, err := s.ListArchived(ListFilter{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(archived) != 1 || archived[0].ID != job.ID {
		t.Fatalf("expected archived job to be listed, got total=%d len=%d", total, len(archived))
	}
}

func TestPurgeOldArchivesNoopWhenDisabled(t *testing.T) {
	s := newTestStore(t)
	n := s.PurgeOldArchives(0, zap.NewNop())
	if n != 0 {
		t.Fatalf("expected 0 when purge disabled, got %d", n)
	}
}

func TestAnalyticsSuccessRate(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Insert("u", "llama3", nil, 5, 3)
	b, _ := s.Insert("u", "llama3", nil, 5, 3)

	s.MarkCompleted(a.ID, []byte(`{}`))
	s.MarkFailed(b.ID, "err", false)

	stats, err := s.GetAnalytics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Fatalf("expected total 2, got %d", stats.Total)
	}
	if stats.SuccessRate != 50.0 {
		t.Fatalf("expected success_rate 50.0, got %f", stats.SuccessRate)
	}
	if len(stats.ByModel) != 1 || stats.ByModel[0].Total != 2 {
		t.Fatalf("expected one model bucket with total 2, got %+v", stats.ByModel)
	}
}
