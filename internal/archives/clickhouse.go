// Copyright 2025 James Ross
// Package archives is the optional long-term analytics sink: it mirrors each
// backend snapshot row the scheduler captures into ClickHouse so dashboards
// can query host/backend load history well past the SQL store's retention
// window.
package archives

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
)

// Exporter mirrors BackendSnapshot rows into a ClickHouse table. A mirroring
// failure is the caller's to log and swallow; it never blocks the snapshot
// loop.
type Exporter struct {
	db       *sql.DB
	database string
	table    string
	log      *zap.Logger
}

// NewExporter connects to ClickHouse and ensures the mirror table exists.
// Returns an error when archives.clickhouse_enabled is false so callers can
// treat construction failure as "don't mirror" rather than fatal.
func NewExporter(cfg config.Archives, log *zap.Logger) (*Exporter, error) {
	if !cfg.ClickHouseEnable {
		return nil, fmt.Errorf("clickhouse mirror disabled")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.ClickHouseDSN},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouseDatabase,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	e := &Exporter{db: db, database: cfg.ClickHouseDatabase, table: cfg.ClickHouseTable, log: log}
	if err := e.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("clickhouse snapshot mirror ready",
		zap.String("database", e.database), zap.String("table", e.table))
	return e, nil
}

func (e *Exporter) ensureTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			captured_at DateTime,
			backend_url String,
			cpu_percent Float64,
			ram_percent Float64,
			active_jobs Int32,
			queued_jobs Int32,
			loaded_models Int32,
			vram_used_gb Float64,
			avg_tokens_per_second Float64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(captured_at)
		ORDER BY (backend_url, captured_at)
		TTL captured_at + INTERVAL 2 YEAR DELETE
	`, e.database, e.table)

	_, err := e.db.ExecContext(ctx, createSQL)
	if err != nil {
		return fmt.Errorf("create mirror table: %w", err)
	}
	return nil
}

// MirrorSnapshot inserts one row. Callers are expected to log and ignore the
// returned error rather than propagate it up to the snapshot loop.
func (e *Exporter) MirrorSnapshot(ctx context.Context, snap jobstore.BackendSnapshot) error {
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s (captured_at, backend_url, cpu_percent, ram_percent,
			active_jobs, queued_jobs, loaded_models, vram_used_gb, avg_tokens_per_second)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.database, e.table)

	_, err := e.db.ExecContext(ctx, insertSQL,
		time.Unix(snap.CapturedAt, 0), snap.BackendURL, snap.CPUPercent, snap.RAMPercent,
		snap.ActiveJobs, snap.QueuedJobs, snap.LoadedModels, snap.VRAMUsedGB, snap.AvgTokensPerSecond,
	)
	return err
}

// Close releases the underlying connection.
func (e *Exporter) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}
