// Copyright 2025 James Ross
package jobstore

import "github.com/jamesross/ollama-job-queue/internal/jobqueueerr"

// LocalBackendOrigin is the synthetic backend_url recorded for a snapshot row
// when no backends are configured.
const LocalBackendOrigin = "__local__"

// InsertSnapshot persists one point-in-time record from the scheduler's
// snapshot loop.
func (s *Store) InsertSnapshot(snap BackendSnapshot) error {
	_, err := s.exec(
		`INSERT INTO backend_snapshot (captured_at, backend_url, cpu_percent, ram_percent,
			active_jobs, queued_jobs, loaded_models, vram_used_gb, avg_tokens_per_second)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CapturedAt, snap.BackendURL, snap.CPUPercent, snap.RAMPercent,
		snap.ActiveJobs, snap.QueuedJobs, snap.LoadedModels, snap.VRAMUsedGB, snap.AvgTokensPerSecond,
	)
	if err != nil {
		return jobqueueerr.Wrap(jobqueueerr.Storage, "insert snapshot", err)
	}
	return nil
}

// ListSnapshots returns snapshot rows for a backend (or all backends, when
// backendURL is empty) captured at or after sinceUnix, oldest first.
func (s *Store) ListSnapshots(backendURL string, sinceUnix int64, limit int) ([]BackendSnapshot, error) {
	where := "WHERE captured_at >= ?"
	args := []interface{}{sinceUnix}
	if backendURL != "" {
		where += " AND backend_url = ?"
		args = append(args, backendURL)
	}
	args = append(args, limit)

	rows, err := s.query(
		`SELECT id, captured_at, backend_url, cpu_percent, ram_percent, active_jobs, queued_jobs,
			loaded_models, vram_used_gb, avg_tokens_per_second
		 FROM backend_snapshot `+where+` ORDER BY captured_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "list snapshots", err)
	}
	defer rows.Close()

	var out []BackendSnapshot
	for rows.Next() {
		var sn BackendSnapshot
		if err := rows.Scan(&sn.ID, &sn.CapturedAt, &sn.BackendURL, &sn.CPUPercent, &sn.RAMPercent,
			&sn.ActiveJobs, &sn.QueuedJobs, &sn.LoadedModels, &sn.VRAMUsedGB, &sn.AvgTokensPerSecond); err != nil {
			return nil, jobqueueerr.Wrap(jobqueueerr.Storage, "scan snapshot", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// PurgeOldSnapshots hard-deletes snapshot rows older than olderThanDays.
func (s *Store) PurgeOldSnapshots(olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := nowUnix() - int64(olderThanDays)*86400
	res, err := s.exec(`DELETE FROM backend_snapshot WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, jobqueueerr.Wrap(jobqueueerr.Storage, "purge snapshots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// CountRunningAndQueued reports current running/queued counts, used by the
// snapshot loop to populate BackendSnapshot.ActiveJobs/QueuedJobs.
func (s *Store) CountRunningAndQueued() (running, queued int, err error) {
	row := s.queryRow(`SELECT
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM job`, string(StatusRunning), string(StatusQueued))

	var r, q *int
	if err := row.Scan(&r, &q); err != nil {
		return 0, 0, jobqueueerr.Wrap(jobqueueerr.Storage, "count running/queued", err)
	}
	if r != nil {
		running = *r
	}
	if q != nil {
		queued = *q
	}
	return running, queued, nil
}
