// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jamesross/ollama-job-queue/internal/jobqueueerr"
	"github.com/jamesross/ollama-job-queue/internal/obs"
)

// ClaimNext atomically selects the highest-priority queued job, flips it to
// running, and increments its attempt count. Returns (nil, nil) when nothing
// is claimable. Never returns the same row to two concurrent callers: on
// postgres this uses SELECT ... FOR UPDATE SKIP LOCKED; on sqlite3, which has
// no such clause, a single-writer serialized transaction gives the same
// guarantee since the store pins sqlite3 to one connection. A failed
// serialized claim is retried twice, 50ms apart, before its error is returned.
func (s *Store) ClaimNext() (*Job, error) {
	if s.dialect == "postgres" {
		return s.claimNextPostgres()
	}
	var (
		job *Job
		err error
	)
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		if job, err = s.claimNextSerialized(); err == nil {
			return job, nil
		}
	}
	return nil, err
}

func (s *Store) claimNextPostgres() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next begin tx", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(
		s.rebind(`SELECT id FROM job WHERE status = ?
		 ORDER BY priority_score DESC, created_at ASC
		 LIMIT 1 FOR UPDATE SKIP LOCKED`), string(StatusQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next select", err)
	}

	job, err := s.claimRowInTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next commit", err)
	}
	obs.JobsClaimed.Inc()
	return job, nil
}

// claimNextSerialized is the SQLite fallback: a plain ordered SELECT followed
// by an UPDATE, both inside one transaction. Correctness relies on the store
// holding the SQLite handle to a single connection (see Store.Open), which
// serializes all writers the same way a row lock would.
func (s *Store) claimNextSerialized() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next begin tx", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(
		s.rebind(`SELECT id FROM job WHERE status = ?
		 ORDER BY priority_score DESC, created_at ASC LIMIT 1`), string(StatusQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next select", err)
	}

	job, err := s.claimRowInTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next commit", err)
	}
	obs.JobsClaimed.Inc()
	return job, nil
}

func (s *Store) claimRowInTx(tx *sql.Tx, id string) (*Job, error) {
	now := nowUnix()
	_, err := tx.Exec(
		s.rebind(`UPDATE job SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND status = ?`),
		string(StatusRunning), now, id, string(StatusQueued),
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next update", err)
	}

	row := tx.QueryRow(
		s.rebind(`SELECT id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at
		 FROM job WHERE id = ?`), id)
	job, err := scanJob(row)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "claim_next reread", err)
	}
	return job, nil
}

// BumpStaleScores adds delta to priority_score for every queued row, the
// anti-starvation mechanism driven by the scheduler's starvation loop. Never
// touches rows outside status=queued.
func (s *Store) BumpStaleScores(delta float64) error {
	_, err := s.exec(
		`UPDATE job SET priority_score = priority_score + ? WHERE status = ?`,
		delta, string(StatusQueued),
	)
	if err != nil {
		return jobqueueerr.Wrap(jobqueueerr.Storage, "bump_stale_scores", err)
	}
	return nil
}
