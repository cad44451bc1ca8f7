// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"time"
)

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	ModelID     string          `json:"model"`
	Request     json.RawMessage `json:"request"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

// JobResponse is the wire shape of a job row.
type JobResponse struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	ModelID      string          `json:"model"`
	BackendURL   string          `json:"backend_url,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
}

// JobListResponse is the body of GET /v1/jobs and GET /v1/admin/jobs.
type JobListResponse struct {
	Jobs      []JobResponse `json:"jobs"`
	Total     int64         `json:"total"`
	Offset    int           `json:"offset"`
	Limit     int           `json:"limit"`
	Timestamp time.Time     `json:"timestamp"`
}

// ArchiveListResponse is the body of GET /v1/archive.
type ArchiveListResponse struct {
	Jobs      []JobResponse `json:"jobs"`
	Total     int64         `json:"total"`
	Offset    int           `json:"offset"`
	Limit     int           `json:"limit"`
	Timestamp time.Time     `json:"timestamp"`
}

// AnalyticsResponse is the body of GET /v1/analytics.
type AnalyticsResponse struct {
	Total           int64            `json:"total"`
	SuccessRate     float64          `json:"success_rate"`
	AvgWaitSeconds  float64          `json:"avg_wait_seconds"`
	ByStatus        []StatusCount    `json:"by_status"`
	ByModel         []ModelStat      `json:"by_model"`
	ByUser          []UserStat       `json:"by_user,omitempty"`
	DailyHistory    []DailyStat      `json:"daily_history"`
	IncludesArchive bool             `json:"includes_archive"`
	Timestamp       time.Time        `json:"timestamp"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type ModelStat struct {
	ModelID   string `json:"model"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

type UserStat struct {
	UserID    string `json:"user_id"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
}

type DailyStat struct {
	Date      string `json:"date"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// SystemMetricsResponse is the body of GET /v1/system/metrics.
type SystemMetricsResponse struct {
	Backends        []BackendMetric `json:"backends"`
	InFlightWorkers int             `json:"in_flight_workers"`
	Timestamp       time.Time       `json:"timestamp"`
}

type BackendMetric struct {
	Origin             string  `json:"origin"`
	ActiveJobs         int     `json:"active_jobs"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
	Health             string  `json:"health"`
	BreakerAllowed     bool    `json:"breaker_allowed"`
}

// SystemSnapshotsResponse is the body of GET /v1/system/snapshots.
type SystemSnapshotsResponse struct {
	Snapshots []SnapshotPoint `json:"snapshots"`
	Timestamp time.Time       `json:"timestamp"`
}

type SnapshotPoint struct {
	CapturedAt         int64   `json:"captured_at"`
	BackendURL         string  `json:"backend_url"`
	CPUPercent         float64 `json:"cpu_percent"`
	RAMPercent         float64 `json:"ram_percent"`
	ActiveJobs         int     `json:"active_jobs"`
	QueuedJobs         int     `json:"queued_jobs"`
	LoadedModels       int     `json:"loaded_models"`
	VRAMUsedGB         float64 `json:"vram_used_gb"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
}

// LBStrategyRequest is the body of POST /v1/lb/strategy.
type LBStrategyRequest struct {
	Strategy string `json:"strategy"`
}

// LBStrategyResponse is the body of GET/POST /v1/lb/strategy.
type LBStrategyResponse struct {
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// ArchiveRunResponse is the body of POST /v1/archive/run.
type ArchiveRunResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
}

// Claims is the JWT payload this API trusts.
type Claims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
}

// IsAdmin reports whether the caller carries the admin role.
func (c *Claims) IsAdmin() bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}
