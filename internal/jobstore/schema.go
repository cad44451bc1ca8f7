// Copyright 2025 James Ross
package jobstore

// schemaStatements returns the DDL for the three jobstore tables plus their
// supporting indices. The schema is identical across engines; only the
// auto-increment/identity syntax for backend_snapshot.id differs.
func schemaStatements(dialect string) []string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS job (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			priority_score DOUBLE PRECISION NOT NULL,
			model_id TEXT,
			backend_url TEXT,
			request TEXT,
			result TEXT,
			error TEXT,
			attempt_count INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS job_user_id_idx ON job (user_id)`,
		`CREATE INDEX IF NOT EXISTS job_user_status_idx ON job (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS job_created_at_idx ON job (created_at)`,
		`CREATE INDEX IF NOT EXISTS job_status_priority_score_idx ON job (status, priority_score)`,

		`CREATE TABLE IF NOT EXISTS job_archive (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			priority_score DOUBLE PRECISION NOT NULL,
			model_id TEXT,
			backend_url TEXT,
			request TEXT,
			result TEXT,
			error TEXT,
			attempt_count INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			archived_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS job_archive_user_id_idx ON job_archive (user_id)`,
		`CREATE INDEX IF NOT EXISTS job_archive_status_idx ON job_archive (status)`,
		`CREATE INDEX IF NOT EXISTS job_archive_created_at_idx ON job_archive (created_at)`,
		`CREATE INDEX IF NOT EXISTS job_archive_archived_at_idx ON job_archive (archived_at)`,

		`CREATE TABLE IF NOT EXISTS backend_snapshot (
			` + idColumn + `,
			captured_at BIGINT NOT NULL,
			backend_url TEXT NOT NULL,
			cpu_percent DOUBLE PRECISION NOT NULL,
			ram_percent DOUBLE PRECISION NOT NULL,
			active_jobs INTEGER NOT NULL,
			queued_jobs INTEGER NOT NULL,
			loaded_models INTEGER NOT NULL,
			vram_used_gb DOUBLE PRECISION NOT NULL,
			avg_tokens_per_second DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS backend_snapshot_captured_at_idx ON backend_snapshot (captured_at)`,
		`CREATE INDEX IF NOT EXISTS backend_snapshot_backend_url_idx ON backend_snapshot (backend_url)`,
	}
}
