// Copyright 2025 James Ross
package jobstore

import (
	"database/sql"
	"fmt"

	"github.com/jamesross/ollama-job-queue/internal/config"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQL connection pool backing the job, job_archive, and
// backend_snapshot tables. It is dialect-aware only where the SQL itself
// differs (claim locking, daily bucketing, identity columns).
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the configured database, applies pool settings, and runs
// the schema migration. Safe to call against an already-migrated database.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Database.Driver == "sqlite3" {
		// SQLite only tolerates one writer; funnel everything through one
		// connection so claim_next's serialized-transaction fallback is correct.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, dialect: cfg.Database.Driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open *sql.DB, for tests that want an in-memory SQLite
// handle without going through config.Load.
func New(db *sql.DB, dialect string) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind translates the package's `?`-style placeholders into the target
// dialect's native syntax. sqlite3 and mysql accept `?` as-is; lib/pq requires
// `$1, $2, ...`.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, '$')
			b = append(b, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *Store) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *Store) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}
