// Copyright 2025 James Ross
// Package jobstore is the durable state layer for jobs and their archive: atomic
// status transitions, priority-ordered claiming, and the analytics aggregations
// served to the admin API. It is the C1 component of the job queue engine.
package jobstore

import "time"

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is one of the lifecycle's terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one row of the active job table.
type Job struct {
	ID            string
	UserID        string
	Status        Status
	Priority      int
	PriorityScore float64
	ModelID       string
	BackendURL    string
	Request       []byte // JSON payload, opaque to the store
	Result        []byte // JSON payload, nil until completed
	Error         string
	AttemptCount  int
	MaxAttempts   int
	CreatedAt     int64
	UpdatedAt     int64
}

// Archive is Job plus the timestamp the row was moved out of the active table.
type Archive struct {
	Job
	ArchivedAt int64
}

// BackendSnapshot is a point-in-time record of one backend's load, captured by
// the scheduler's snapshot loop.
type BackendSnapshot struct {
	ID                 int64
	CapturedAt         int64
	BackendURL         string
	CPUPercent         float64
	RAMPercent         float64
	ActiveJobs         int
	QueuedJobs         int
	LoadedModels       int
	VRAMUsedGB         float64
	AvgTokensPerSecond float64
}

// ListFilter narrows a job listing to a status and/or model.
type ListFilter struct {
	Status  Status
	ModelID string
	UserID  string // only honored by ListAdmin
}

// StatusCount is one row of a by-status aggregation.
type StatusCount struct {
	Status Status
	Count  int64
}

// ModelStat is one row of a by-model aggregation.
type ModelStat struct {
	ModelID   string
	Total     int64
	Completed int64
	Failed    int64
}

// UserStat is one row of a by-user aggregation (combined analytics only).
type UserStat struct {
	UserID    string
	Total     int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// DailyStat is one 90-day bucket of the daily history.
type DailyStat struct {
	Date      string // ISO yyyy-mm-dd
	Total     int64
	Completed int64
	Failed    int64
}

// Analytics is the aggregation served to GET /v1/analytics.
type Analytics struct {
	Total           int64
	ByStatus        []StatusCount
	SuccessRate     float64
	AvgWaitSeconds  float64
	ByModel         []ModelStat
	ByUser          []UserStat // empty for the active-only variant
	DailyHistory    []DailyStat
	IncludesArchive bool
}

func nowUnix() int64 { return time.Now().Unix() }
