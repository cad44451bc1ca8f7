// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLogger appends audit entries as newline-delimited JSON, rotating the
// underlying file by size and age via lumberjack.
type AuditLogger struct {
	mu      sync.Mutex
	writer  *lumberjack.Logger
	enabled bool
}

// NewAuditLogger opens (or creates) the audit log at path. When enabled is
// false, Log is a no-op so callers don't need to branch on configuration.
func NewAuditLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, enabled bool) *AuditLogger {
	if !enabled {
		return &AuditLogger{enabled: false}
	}
	return &AuditLogger{
		enabled: true,
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
	}
}

// Log appends one audit entry. Safe for concurrent use.
func (a *AuditLogger) Log(entry AuditEntry) error {
	if a == nil || !a.enabled {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.writer.Write(line)
	return err
}

// Close flushes and closes the underlying rotated file.
func (a *AuditLogger) Close() error {
	if a == nil || !a.enabled {
		return nil
	}
	return a.writer.Close()
}
