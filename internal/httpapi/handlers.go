// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/dispatcher"
	"github.com/jamesross/ollama-job-queue/internal/jobqueueerr"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
	"github.com/jamesross/ollama-job-queue/internal/selector"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeStoreError translates a jobqueueerr.Kind into the matching HTTP status,
// falling back to 500 for errors the store never tags (or plain Go errors).
func writeStoreError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch jobqueueerr.KindOf(err) {
	case jobqueueerr.NotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case jobqueueerr.Forbidden:
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case jobqueueerr.Conflict:
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case jobqueueerr.Validation:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case jobqueueerr.TransientBackend, jobqueueerr.PermanentBackend:
		writeError(w, http.StatusBadGateway, "BACKEND_ERROR", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallbackMsg)
	}
}

func toJobResponse(j *jobstore.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		UserID:       j.UserID,
		Status:       string(j.Status),
		Priority:     j.Priority,
		ModelID:      j.ModelID,
		BackendURL:   j.BackendURL,
		Result:       j.Result,
		Error:        j.Error,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func claimsFrom(r *http.Request) *Claims {
	claims, _ := r.Context().Value(contextKeyClaims).(*Claims)
	return claims
}

func parseOffsetLimit(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

// SubmitJob handles POST /v1/jobs.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.ModelID == "" || len(req.Request) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "model and request are required")
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}
	if req.Priority == 0 {
		req.Priority = 5
	}

	claims := claimsFrom(r)
	userID := "anonymous"
	if claims != nil {
		userID = claims.Subject
	}

	job, err := s.Store.Insert(userID, req.ModelID, req.Request, req.Priority, req.MaxAttempts)
	if err != nil {
		s.Log.Error("failed to insert job", zap.Error(err))
		writeStoreError(w, err, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// GetJob handles GET /v1/jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.Store.Get(id)
	if err != nil {
		writeStoreError(w, err, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if !s.canView(r, job.UserID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not your job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// CancelJob handles DELETE /v1/jobs/{id}.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.Store.Get(id)
	if err != nil {
		writeStoreError(w, err, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if !s.canView(r, job.UserID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not your job")
		return
	}

	s.Scheduler.CancelJob(id)
	updated, err := s.Store.MarkCancelled(id)
	if err != nil {
		writeStoreError(w, err, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(updated))
}

// ListJobs handles GET /v1/jobs (caller's own jobs).
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "AUTH_MISSING", "authentication required")
		return
	}
	offset, limit := parseOffsetLimit(r)
	filter := jobstore.ListFilter{
		Status:  jobstore.Status(r.URL.Query().Get("status")),
		ModelID: r.URL.Query().Get("model"),
	}
	jobs, total, err := s.Store.ListByUser(claims.Subject, filter, offset, limit)
	if err != nil {
		writeStoreError(w, err, "failed to list jobs")
		return
	}
	resp := JobListResponse{Total: total, Offset: offset, Limit: limit, Timestamp: time.Now()}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAdminJobs handles GET /v1/admin/jobs.
func (s *Server) ListAdminJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parseOffsetLimit(r)
	filter := jobstore.ListFilter{
		Status:  jobstore.Status(r.URL.Query().Get("status")),
		ModelID: r.URL.Query().Get("model"),
		UserID:  r.URL.Query().Get("user_id"),
	}
	jobs, total, err := s.Store.ListAdmin(filter, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list jobs")
		return
	}
	resp := JobListResponse{Total: total, Offset: offset, Limit: limit, Timestamp: time.Now()}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryJob handles POST /v1/admin/jobs/{id}/retry.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.Store.AdminRetry(id)
	if err != nil {
		writeStoreError(w, err, "failed to retry job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// JobEvents handles GET /v1/jobs/{id}/events, streaming status changes as SSE.
func (s *Server) JobEvents(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.Store.Get(id)
	if err != nil || job == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if !s.canView(r, job.UserID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not your job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}
	if s.Redis == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	sub := s.Redis.Subscribe(ctx, dispatcher.NotificationChannel(job.UserID))
	defer sub.Close()

	ch := make(chan *redis.Message, 16)
	go func() {
		for msg := range sub.Channel() {
			select {
			case ch <- msg:
			default:
				s.Log.Warn("dropping SSE notification, subscriber buffer full", zap.String("job_id", id))
			}
		}
	}()

	fmt.Fprintf(w, "event: open\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", msg.Payload)
			flusher.Flush()

			var payload struct {
				ID     string `json:"job_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err == nil && payload.ID == id {
				if payload.Status == string(jobstore.StatusCompleted) ||
					payload.Status == string(jobstore.StatusFailed) ||
					payload.Status == string(jobstore.StatusCancelled) {
					return
				}
			}
		}
	}
}

// GetAnalytics handles GET /v1/analytics.
func (s *Server) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	includeArchive := r.URL.Query().Get("include_archive") == "true"
	var (
		a   *jobstore.Analytics
		err error
	)
	if includeArchive {
		a, err = s.Store.GetCombinedAnalytics()
	} else {
		a, err = s.Store.GetAnalytics()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute analytics")
		return
	}
	writeJSON(w, http.StatusOK, analyticsToResponse(a))
}

// ExportAnalyticsCSV handles GET /v1/analytics/export.csv.
func (s *Server) ExportAnalyticsCSV(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.GetCombinedAnalytics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute analytics")
		return
	}
	csv, err := jobstore.AnalyticsCSV(a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to render CSV")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="analytics.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(csv)
}

func analyticsToResponse(a *jobstore.Analytics) AnalyticsResponse {
	resp := AnalyticsResponse{
		Total:           a.Total,
		SuccessRate:     a.SuccessRate,
		AvgWaitSeconds:  a.AvgWaitSeconds,
		IncludesArchive: a.IncludesArchive,
		Timestamp:       time.Now(),
	}
	for _, sc := range a.ByStatus {
		resp.ByStatus = append(resp.ByStatus, StatusCount{Status: string(sc.Status), Count: sc.Count})
	}
	for _, m := range a.ByModel {
		resp.ByModel = append(resp.ByModel, ModelStat{ModelID: m.ModelID, Total: m.Total, Completed: m.Completed, Failed: m.Failed})
	}
	for _, u := range a.ByUser {
		resp.ByUser = append(resp.ByUser, UserStat{UserID: u.UserID, Total: u.Total, Completed: u.Completed, Failed: u.Failed, Cancelled: u.Cancelled})
	}
	for _, d := range a.DailyHistory {
		resp.DailyHistory = append(resp.DailyHistory, DailyStat{Date: d.Date, Total: d.Total, Completed: d.Completed, Failed: d.Failed})
	}
	return resp
}

// ListArchive handles GET /v1/archive.
func (s *Server) ListArchive(w http.ResponseWriter, r *http.Request) {
	offset, limit := parseOffsetLimit(r)
	filter := jobstore.ListFilter{
		Status:  jobstore.Status(r.URL.Query().Get("status")),
		ModelID: r.URL.Query().Get("model"),
		UserID:  r.URL.Query().Get("user_id"),
	}
	archives, total, err := s.Store.ListArchived(filter, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list archive")
		return
	}
	resp := ArchiveListResponse{Total: total, Offset: offset, Limit: limit, Timestamp: time.Now()}
	for _, a := range archives {
		resp.Jobs = append(resp.Jobs, toJobResponse(&a.Job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunArchive handles POST /v1/archive/run.
func (s *Server) RunArchive(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.RunArchiveNow()
	writeJSON(w, http.StatusOK, ArchiveRunResponse{Success: true, Message: "archive pass triggered", Timestamp: time.Now()})
}

// SystemMetrics handles GET /v1/system/metrics.
func (s *Server) SystemMetrics(w http.ResponseWriter, r *http.Request) {
	resp := SystemMetricsResponse{InFlightWorkers: s.Scheduler.InFlightCount(), Timestamp: time.Now()}
	for _, origin := range s.BackendOrigins() {
		snap := s.Metrics.Snapshot(origin)
		resp.Backends = append(resp.Backends, BackendMetric{
			Origin:             origin,
			ActiveJobs:         snap.ActiveJobs,
			AvgResponseTimeMs:  snap.AvgResponseTimeMs,
			AvgTokensPerSecond: snap.AvgTokensPerSecond,
			Health:             string(snap.HealthStatus),
			BreakerAllowed:     s.Dispatcher.Allow(origin),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SystemSnapshots handles GET /v1/system/snapshots.
func (s *Server) SystemSnapshots(w http.ResponseWriter, r *http.Request) {
	backendURL := r.URL.Query().Get("backend_url")
	if backendURL == "" {
		backendURL = jobstore.LocalBackendOrigin
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	rows, err := s.Store.ListSnapshots(backendURL, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list snapshots")
		return
	}
	resp := SystemSnapshotsResponse{Timestamp: time.Now()}
	for _, row := range rows {
		resp.Snapshots = append(resp.Snapshots, SnapshotPoint{
			CapturedAt:         row.CapturedAt,
			BackendURL:         row.BackendURL,
			CPUPercent:         row.CPUPercent,
			RAMPercent:         row.RAMPercent,
			ActiveJobs:         row.ActiveJobs,
			QueuedJobs:         row.QueuedJobs,
			LoadedModels:       row.LoadedModels,
			VRAMUsedGB:         row.VRAMUsedGB,
			AvgTokensPerSecond: row.AvgTokensPerSecond,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLBStrategy handles GET /v1/lb/strategy.
func (s *Server) GetLBStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LBStrategyResponse{Strategy: string(s.Selector.CurrentStrategy()), Timestamp: time.Now()})
}

// SetLBStrategy handles POST /v1/lb/strategy.
func (s *Server) SetLBStrategy(w http.ResponseWriter, r *http.Request) {
	var req LBStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := s.Selector.SetStrategy(selector.Strategy(req.Strategy)); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LBStrategyResponse{Strategy: req.Strategy, Timestamp: time.Now()})
}

func (s *Server) canView(r *http.Request, ownerID string) bool {
	claims := claimsFrom(r)
	if claims == nil {
		return !s.Cfg.AdminAPI.RequireAuth
	}
	return claims.IsAdmin() || claims.Subject == ownerID
}

// BackendOrigins returns the configured backend origins, falling back to
// the synthetic local origin when none are configured.
func (s *Server) BackendOrigins() []string {
	var origins []string
	for _, b := range s.Cfg.LoadBalancer.Backends {
		if b.Enabled {
			origins = append(origins, b.URL)
		}
	}
	if len(origins) == 0 {
		return []string{jobstore.LocalBackendOrigin}
	}
	return origins
}
