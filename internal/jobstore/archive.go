// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/obs"
)

// ArchiveOld moves terminal jobs whose updated_at is older than olderThanDays
// from the active table into job_archive. Best-effort: any database error is
// logged and swallowed, returning 0, per the store's archive/purge contract.
func (s *Store) ArchiveOld(olderThanDays int, log *zap.Logger) int {
	cutoff := nowUnix() - int64(olderThanDays)*86400
	now := nowUnix()

	tx, err := s.db.Begin()
	if err != nil {
		log.Error("archive_old: begin tx failed", zap.Error(err))
		return 0
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		s.rebind(`SELECT id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at
		 FROM job WHERE status IN (?, ?, ?) AND updated_at < ?`),
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff,
	)
	if err != nil {
		log.Error("archive_old: select failed", zap.Error(err))
		return 0
	}

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			log.Error("archive_old: scan failed", zap.Error(err))
			return 0
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Error("archive_old: row iteration failed", zap.Error(err))
		return 0
	}

	for _, j := range jobs {
		_, err := tx.Exec(
			s.rebind(`INSERT INTO job_archive (id, user_id, status, priority, priority_score, model_id,
				backend_url, request, result, error, attempt_count, max_attempts, created_at, updated_at, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			j.ID, j.UserID, string(j.Status), j.Priority, j.PriorityScore, nullableString(j.ModelID),
			nullableString(j.BackendURL), nullableBytes(j.Request), nullableBytes(j.Result), nullableString(j.Error),
			j.AttemptCount, j.MaxAttempts, j.CreatedAt, j.UpdatedAt, now,
		)
		if err != nil {
			log.Error("archive_old: insert into archive failed", zap.Error(err), zap.String("job_id", j.ID))
			return 0
		}
		if _, err := tx.Exec(s.rebind(`DELETE FROM job WHERE id = ?`), j.ID); err != nil {
			log.Error("archive_old: delete from job failed", zap.Error(err), zap.String("job_id", j.ID))
			return 0
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error("archive_old: commit failed", zap.Error(err))
		return 0
	}

	obs.ArchivedRows.Add(float64(len(jobs)))
	return len(jobs)
}

// PurgeOldArchives hard-deletes archive rows older than olderThanDays. A
// non-positive value disables purging. Best-effort, same swallow-and-log
// contract as ArchiveOld.
func (s *Store) PurgeOldArchives(olderThanDays int, log *zap.Logger) int {
	if olderThanDays <= 0 {
		return 0
	}
	cutoff := nowUnix() - int64(olderThanDays)*86400

	res, err := s.exec(`DELETE FROM job_archive WHERE archived_at < ?`, cutoff)
	if err != nil {
		log.Error("purge_old_archives failed", zap.Error(err))
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	obs.PurgedRows.Add(float64(n))
	return int(n)
}

// ListArchived returns archived jobs, newest-archived-first, with filters.
func (s *Store) ListArchived(filter ListFilter, offset, limit int) ([]*Archive, int64, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ModelID != "" {
		where += " AND model_id = ?"
		args = append(args, filter.ModelID)
	}

	var total int64
	if err := s.queryRow("SELECT COUNT(*) FROM job_archive "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	queryArgs := append(append([]interface{}{}, args...), limit, offset)
	rows, err := s.query(
		`SELECT id, user_id, status, priority, priority_score, model_id, backend_url,
			request, result, error, attempt_count, max_attempts, created_at, updated_at, archived_at
		 FROM job_archive `+where+` ORDER BY archived_at DESC LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Archive
	for rows.Next() {
		var a Archive
		var status string
		var modelID, backendURL, request, result, errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &status, &a.Priority, &a.PriorityScore, &modelID, &backendURL,
			&request, &result, &errMsg, &a.AttemptCount, &a.MaxAttempts, &a.CreatedAt, &a.UpdatedAt, &a.ArchivedAt); err != nil {
			return nil, 0, err
		}
		a.Status = Status(status)
		a.ModelID = modelID.String
		a.BackendURL = backendURL.String
		a.Error = errMsg.String
		if request.Valid {
			a.Request = []byte(request.String)
		}
		if result.Valid {
			a.Result = []byte(result.String)
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

// CountArchived counts archived rows matching the filter.
func (s *Store) CountArchived(filter ListFilter) (int64, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	var total int64
	err := s.queryRow("SELECT COUNT(*) FROM job_archive "+where, args...).Scan(&total)
	return total, err
}
