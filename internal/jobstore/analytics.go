// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"
	"fmt"
	"time"
)

const ninetyDaySeconds = 90 * 86400

// GetAnalytics aggregates the active job table only.
func (s *Store) GetAnalytics() (*Analytics, error) {
	return s.aggregate("job", false)
}

// GetCombinedAnalytics aggregates the union of the active and archive
// tables, additionally including a by-user breakdown.
func (s *Store) GetCombinedAnalytics() (*Analytics, error) {
	return s.aggregate("job UNION ALL SELECT id, user_id, status, priority, priority_score, model_id, backend_url, request, result, error, attempt_count, max_attempts, created_at, updated_at FROM job_archive", true)
}

// aggregate runs the shared analytics queries against `source`, a FROM-clause
// fragment that is either the bare job table or a job UNION ALL job_archive
// expression. combined additionally computes the by-user breakdown.
func (s *Store) aggregate(source string, combined bool) (*Analytics, error) {
	from := fmt.Sprintf("(SELECT * FROM %s) combined", source)

	var a Analytics
	a.IncludesArchive = combined

	if err := s.queryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", from)).Scan(&a.Total); err != nil {
		return nil, err
	}

	statusRows, err := s.query(fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", from))
	if err != nil {
		return nil, err
	}
	var completed int64
	for statusRows.Next() {
		var sc StatusCount
		var status string
		if err := statusRows.Scan(&status, &sc.Count); err != nil {
			statusRows.Close()
			return nil, err
		}
		sc.Status = Status(status)
		if sc.Status == StatusCompleted {
			completed = sc.Count
		}
		a.ByStatus = append(a.ByStatus, sc)
	}
	statusRows.Close()
	if err := statusRows.Err(); err != nil {
		return nil, err
	}
	if a.Total > 0 {
		a.SuccessRate = round1(float64(completed) / float64(a.Total) * 100)
	}

	modelRows, err := s.query(fmt.Sprintf(
		`SELECT model_id, COUNT(*) total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) completed,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) failed
		 FROM %s WHERE model_id IS NOT NULL
		 GROUP BY model_id ORDER BY COUNT(*) DESC LIMIT 20`, from),
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	for modelRows.Next() {
		var m ModelStat
		if err := modelRows.Scan(&m.ModelID, &m.Total, &m.Completed, &m.Failed); err != nil {
			modelRows.Close()
			return nil, err
		}
		a.ByModel = append(a.ByModel, m)
	}
	modelRows.Close()
	if err := modelRows.Err(); err != nil {
		return nil, err
	}

	if combined {
		userRows, err := s.query(fmt.Sprintf(
			`SELECT user_id, COUNT(*) total,
				SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) completed,
				SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) failed,
				SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) cancelled
			 FROM %s WHERE user_id IS NOT NULL
			 GROUP BY user_id ORDER BY COUNT(*) DESC LIMIT 20`, from),
			string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
		if err != nil {
			return nil, err
		}
		for userRows.Next() {
			var u UserStat
			if err := userRows.Scan(&u.UserID, &u.Total, &u.Completed, &u.Failed, &u.Cancelled); err != nil {
				userRows.Close()
				return nil, err
			}
			a.ByUser = append(a.ByUser, u)
		}
		userRows.Close()
		if err := userRows.Err(); err != nil {
			return nil, err
		}
	}

	daily, err := s.dailyHistory(from)
	if err != nil {
		return nil, err
	}
	a.DailyHistory = daily

	var avgWait sql.NullFloat64
	err = s.queryRow(fmt.Sprintf(
		"SELECT AVG(updated_at - created_at) FROM %s WHERE status = ?", from), string(StatusCompleted)).Scan(&avgWait)
	if err != nil {
		return nil, err
	}
	a.AvgWaitSeconds = round1(avgWait.Float64)

	return &a, nil
}

// dailyHistory buckets the last 90 days of rows by calendar date. SQLite uses
// strftime directly in SQL; postgres/mysql integer-divide the epoch and the
// bucket is converted back to an ISO date in Go, so both engines produce
// identical output.
func (s *Store) dailyHistory(from string) ([]DailyStat, error) {
	cutoff := nowUnix() - ninetyDaySeconds

	if s.dialect == "sqlite3" {
		rows, err := s.query(fmt.Sprintf(
			`SELECT strftime('%%Y-%%m-%%d', datetime(created_at, 'unixepoch')) day,
				COUNT(*) total,
				SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) completed,
				SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) failed
			 FROM %s WHERE created_at >= ?
			 GROUP BY day ORDER BY day`, from),
			string(StatusCompleted), string(StatusFailed), cutoff)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []DailyStat
		for rows.Next() {
			var d DailyStat
			if err := rows.Scan(&d.Date, &d.Total, &d.Completed, &d.Failed); err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, rows.Err()
	}

	rows, err := s.query(fmt.Sprintf(
		`SELECT (created_at / 86400) bucket,
			COUNT(*) total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) completed,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) failed
		 FROM %s WHERE created_at >= ?
		 GROUP BY bucket ORDER BY bucket`, from),
		string(StatusCompleted), string(StatusFailed), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var bucket int64
		var d DailyStat
		if err := rows.Scan(&bucket, &d.Total, &d.Completed, &d.Failed); err != nil {
			return nil, err
		}
		d.Date = time.Unix(bucket*86400, 0).UTC().Format("2006-01-02")
		out = append(out, d)
	}
	return out, rows.Err()
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
