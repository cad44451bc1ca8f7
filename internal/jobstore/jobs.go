// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jamesross/ollama-job-queue/internal/jobqueueerr"
	"github.com/jamesross/ollama-job-queue/internal/obs"
	"github.com/google/uuid"
)

// Insert creates a new job in status=queued with priority_score seeded from
// priority, and returns the persisted row.
func (s *Store) Insert(userID, modelID string, request []byte, priority, maxAttempts int) (*Job, error) {
	now := nowUnix()
	job := &Job{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        StatusQueued,
		Priority:      priority,
		PriorityScore: float64(priority),
		ModelID:       modelID,
		Request:       request,
		AttemptCount:  0,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.exec(
		`INSERT INTO job (id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL, ?, ?, ?, ?)`,
		job.ID, job.UserID, string(job.Status), job.Priority, job.PriorityScore, nullableString(job.ModelID),
		nullableBytes(job.Request), job.AttemptCount, job.MaxAttempts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "insert job", err)
	}
	obs.JobsInserted.Inc()
	return job, nil
}

// Get looks up a single job by id. Returns (nil, nil) when not found.
func (s *Store) Get(id string) (*Job, error) {
	row := s.queryRow(
		`SELECT id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at
		 FROM job WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "get job", err)
	}
	return job, nil
}

// ListByUser returns the caller's jobs newest-first, along with the total
// matching count (ignoring offset/limit).
func (s *Store) ListByUser(userID string, filter ListFilter, offset, limit int) ([]*Job, int64, error) {
	where := "WHERE user_id = ?"
	args := []interface{}{userID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ModelID != "" {
		where += " AND model_id = ?"
		args = append(args, filter.ModelID)
	}
	return s.listJobs(where, args, offset, limit)
}

// ListAdmin returns jobs across all users, optionally filtered.
func (s *Store) ListAdmin(filter ListFilter, offset, limit int) ([]*Job, int64, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ModelID != "" {
		where += " AND model_id = ?"
		args = append(args, filter.ModelID)
	}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	return s.listJobs(where, args, offset, limit)
}

func (s *Store) listJobs(where string, args []interface{}, offset, limit int) ([]*Job, int64, error) {
	var total int64
	if err := s.queryRow("SELECT COUNT(*) FROM job "+where, args...).Scan(&total); err != nil {
		return nil, 0, jobqueueerr.Wrap(jobqueueerr.Storage, "count jobs", err)
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at
		 FROM job %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, offset)

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, 0, jobqueueerr.Wrap(jobqueueerr.Storage, "list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, jobqueueerr.Wrap(jobqueueerr.Storage, "scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// MarkCompleted sets status=completed, stores result, and clears error. A job
// already cancelled out from under the dispatcher keeps its cancelled status;
// the update is a no-op rather than an overwrite.
func (s *Store) MarkCompleted(id string, result []byte) (*Job, error) {
	res, err := s.exec(
		`UPDATE job SET status = ?, result = ?, error = NULL, updated_at = ? WHERE id = ? AND status != ?`,
		string(StatusCompleted), nullableBytes(result), nowUnix(), id, string(StatusCancelled),
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "mark completed", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		obs.JobsCompleted.Inc()
	}
	return s.Get(id)
}

// MarkFailed sets error and, if requeue is requested and attempts remain,
// returns the job to queued instead of failed. A job already cancelled is
// returned unchanged rather than overwritten.
func (s *Store) MarkFailed(id, errMsg string, requeue bool) (*Job, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status == StatusCancelled {
		return job, nil
	}

	status := StatusFailed
	if requeue && job.AttemptCount < job.MaxAttempts {
		status = StatusQueued
	}

	_, err = s.exec(
		`UPDATE job SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, nowUnix(), id,
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "mark failed", err)
	}

	if status == StatusFailed {
		obs.JobsFailed.Inc()
	} else {
		obs.JobsRequeued.Inc()
	}
	return s.Get(id)
}

// MarkCancelled cancels a job. A job already in a terminal state is returned
// unchanged rather than overwritten.
func (s *Store) MarkCancelled(id string) (*Job, error) {
	job, err := s.Get(id)
	if err != nil || job == nil {
		return job, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	_, err = s.exec(
		`UPDATE job SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusCancelled), nowUnix(), id,
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "mark cancelled", err)
	}
	obs.JobsCancelled.Inc()
	return s.Get(id)
}

// SetBackend idempotently records the backend a job is dispatched to. Only
// takes effect on the job's first running transition, but is safe to call
// repeatedly since it always writes the same value once set.
func (s *Store) SetBackend(id, backendURL string) error {
	_, err := s.exec(`UPDATE job SET backend_url = ? WHERE id = ? AND backend_url IS NULL`, backendURL, id)
	if err != nil {
		return jobqueueerr.Wrap(jobqueueerr.Storage, "set backend", err)
	}
	return nil
}

// AdminRetry resets a terminal job back to queued. Fails with Conflict if the
// job is not currently terminal.
func (s *Store) AdminRetry(id string) (*Job, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if !job.Status.IsTerminal() {
		return nil, jobqueueerr.New(jobqueueerr.Conflict, "job is not in a terminal state")
	}

	_, err = s.exec(
		`UPDATE job SET status = ?, error = NULL, attempt_count = 0, priority_score = ?, updated_at = ? WHERE id = ?`,
		string(StatusQueued), float64(job.Priority), nowUnix(), id,
	)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "admin retry", err)
	}
	return s.Get(id)
}

// DeleteByID hard-deletes a job row. Returns false (never an error) on
// failure, matching the store's best-effort delete semantics.
func (s *Store) DeleteByID(id string) bool {
	_, err := s.exec(`DELETE FROM job WHERE id = ?`, id)
	return err == nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableBytes(v []byte) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var modelID, backendURL, request, result, errMsg sql.NullString

	if err := row.Scan(&j.ID, &j.UserID, &status, &j.Priority, &j.PriorityScore, &modelID, &backendURL,
		&request, &result, &errMsg, &j.AttemptCount, &j.MaxAttempts, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}

	j.Status = Status(status)
	j.ModelID = modelID.String
	j.BackendURL = backendURL.String
	j.Error = errMsg.String
	if request.Valid {
		j.Request = []byte(request.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return &j, nil
}
