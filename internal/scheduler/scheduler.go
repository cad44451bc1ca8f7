// Copyright 2025 James Ross
// Package scheduler is the Scheduler & Maintenance Loops (C5): four
// independent, perpetually-running tasks — dispatch, starvation, archive,
// and snapshot — sharing one cancellation context.
package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/archives"
	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/dispatcher"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
	"github.com/jamesross/ollama-job-queue/internal/obs"
	"github.com/jamesross/ollama-job-queue/internal/selector"
)

// Scheduler owns the dispatch/starvation/archive/snapshot loops. exporter may
// be nil, in which case snapshot mirroring is simply skipped.
type Scheduler struct {
	cfg        *config.Config
	store      *jobstore.Store
	dispatcher *dispatcher.Dispatcher
	selector   *selector.Selector
	metrics    *backendmetrics.Registry
	exporter   *archives.Exporter
	log        *zap.Logger
	httpClient *http.Client

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	cron *cron.Cron
}

// New builds a Scheduler. exporter may be nil to disable ClickHouse
// mirroring.
func New(cfg *config.Config, store *jobstore.Store, disp *dispatcher.Dispatcher, sel *selector.Selector,
	metrics *backendmetrics.Registry, exporter *archives.Exporter, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		dispatcher: disp,
		selector:   sel,
		metrics:    metrics,
		exporter:   exporter,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.Scheduler.BackendPSProbeTimeout},
		inFlight:   make(map[string]context.CancelFunc),
	}
}

// Run starts all four loops and blocks until ctx is cancelled and every loop
// has returned. The daily snapshot purge is driven by a cron schedule rather
// than the manual day-tracking the original Python scheduler used.
func (s *Scheduler) Run(ctx context.Context) {
	s.sem = make(chan struct{}, s.cfg.Scheduler.MaxConcurrentJobs)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@midnight", s.purgeSnapshotsOnce); err != nil {
		s.log.Error("failed to schedule daily snapshot purge", zap.Error(err))
	}
	s.cron.Start()
	defer s.cron.Stop()

	var wg sync.WaitGroup
	loops := []func(context.Context){s.dispatchLoop, s.starvationLoop, s.archiveLoop, s.snapshotLoop}
	wg.Add(len(loops))
	for _, loop := range loops {
		loop := loop
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

// CancelJob signals the in-flight worker dispatching id, if any, to stop.
// Returns false when no such worker is currently running (already finished,
// never started, or the id is unknown).
func (s *Scheduler) CancelJob(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inFlight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlightCount reports how many jobs the dispatch loop currently has
// checked out to a worker goroutine.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) trackInFlight(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inFlight[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrackInFlight(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// --- Dispatch loop -----------------------------------------------------

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.TickSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchTick(ctx)
		}
	}
}

// dispatchTick claims and hands off jobs to detached workers while semaphore
// slots remain, then returns without waiting on any worker to finish.
func (s *Scheduler) dispatchTick(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // all dispatch slots busy; resume on the next tick
		}
		obs.SchedulerSlotsInUse.Set(float64(len(s.sem)))

		job, err := s.store.ClaimNext()
		if err != nil {
			<-s.sem
			obs.SchedulerSlotsInUse.Set(float64(len(s.sem)))
			s.log.Error("claim_next failed", zap.Error(err))
			return
		}
		if job == nil {
			<-s.sem
			obs.SchedulerSlotsInUse.Set(float64(len(s.sem)))
			return
		}

		jobCtx, cancel := context.WithCancel(ctx)
		s.trackInFlight(job.ID, cancel)

		go func(job *jobstore.Job, cancel context.CancelFunc) {
			defer func() {
				cancel()
				s.untrackInFlight(job.ID)
				<-s.sem
				obs.SchedulerSlotsInUse.Set(float64(len(s.sem)))
			}()

			backend := s.pickBackend(job)
			if backend == "" {
				if _, err := s.store.MarkFailed(job.ID, "no backend available for model", true); err != nil {
					s.log.Error("mark failed (no backend) failed", zap.Error(err), zap.String("job_id", job.ID))
				}
				return
			}
			s.dispatcher.Execute(jobCtx, job, backend)
		}(job, cancel)
	}
}

// pickBackend resolves the candidate origins serving job's model and asks
// the selector to choose one, skipping origins whose circuit breaker is
// currently open (falling back to the full candidate set if every origin is
// tripped, mirroring the selector's own degrade-rather-than-fail rule).
func (s *Scheduler) pickBackend(job *jobstore.Job) string {
	candidates := s.candidatesForModel(job.ModelID)
	if len(candidates) == 0 {
		return ""
	}

	allowed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if s.dispatcher.Allow(c) {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) == 0 {
		allowed = candidates
	}
	return s.selector.Select(job.ModelID, allowed)
}

func (s *Scheduler) candidatesForModel(modelID string) []string {
	var out []string
	for _, b := range s.cfg.LoadBalancer.Backends {
		if !b.Enabled {
			continue
		}
		if len(b.ModelIDs) == 0 || containsString(b.ModelIDs, modelID) {
			out = append(out, backendmetrics.CanonicalOrigin(b.URL))
		}
	}
	return out
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// --- Starvation loop -----------------------------------------------------

func (s *Scheduler) starvationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.StarvationTickSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.BumpStaleScores(s.cfg.Scheduler.StarvationIncrement); err != nil {
				s.log.Error("starvation bump failed", zap.Error(err))
			}
		}
	}
}

// --- Archive loop ----------------------------------------------------------

func (s *Scheduler) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.ArchiveCheckIntervalSecs)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.archiveTick()
		}
	}
}

// RunArchiveNow runs one archive/purge pass immediately, for the admin API's
// manual "run archive now" action rather than waiting for the next tick.
func (s *Scheduler) RunArchiveNow() {
	s.archiveTick()
}

func (s *Scheduler) archiveTick() {
	if archived := s.store.ArchiveOld(s.cfg.Scheduler.JobRetentionDays, s.log); archived > 0 {
		s.log.Info("archived terminal jobs", zap.Int("count", archived))
	}
	if s.cfg.Scheduler.JobArchiveRetentionDays > 0 {
		if purged := s.store.PurgeOldArchives(s.cfg.Scheduler.JobArchiveRetentionDays, s.log); purged > 0 {
			s.log.Info("purged old archive rows", zap.Int("count", purged))
		}
	}
}

// --- Snapshot loop -----------------------------------------------------

func (s *Scheduler) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.SnapshotIntervalSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.captureSnapshot(ctx)
		}
	}
}

func (s *Scheduler) purgeSnapshotsOnce() {
	n, err := s.store.PurgeOldSnapshots(s.cfg.Scheduler.SnapshotRetentionDays)
	if err != nil {
		s.log.Warn("snapshot purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("purged old snapshot rows", zap.Int("count", n))
	}
}

func (s *Scheduler) configuredOrigins() []string {
	var out []string
	for _, b := range s.cfg.LoadBalancer.Backends {
		if b.Enabled {
			out = append(out, backendmetrics.CanonicalOrigin(b.URL))
		}
	}
	return out
}

type psModel struct {
	SizeVRAM int64 `json:"size_vram"`
	Size     int64 `json:"size"`
}

type psResponse struct {
	Models []psModel `json:"models"`
}

// probeBackend calls origin's /api/ps, returning 0/0 on any failure: an
// unreachable backend still gets a host-metrics-only snapshot row.
func (s *Scheduler) probeBackend(ctx context.Context, origin string) (loadedModels int, vramGB float64) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.BackendPSProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, origin+"/api/ps", nil)
	if err != nil {
		return 0, 0
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0
	}

	var ps psResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return 0, 0
	}

	var vramBytes int64
	for _, m := range ps.Models {
		v := m.SizeVRAM
		if v == 0 {
			// Apple Silicon and other unified-memory platforms report size_vram=0.
			v = m.Size
		}
		vramBytes += v
	}
	return len(ps.Models), round2(float64(vramBytes) / 1073741824)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Scheduler) captureSnapshot(ctx context.Context) {
	cpuPct, ramPct := sampleHostMetrics(s.log)

	running, queued, err := s.store.CountRunningAndQueued()
	if err != nil {
		s.log.Error("count running/queued failed", zap.Error(err))
	}

	origins := s.configuredOrigins()
	if len(origins) == 0 {
		origins = []string{jobstore.LocalBackendOrigin}
	}

	now := time.Now().Unix()
	for _, origin := range origins {
		snap := jobstore.BackendSnapshot{
			CapturedAt: now,
			BackendURL: origin,
			CPUPercent: cpuPct,
			RAMPercent: ramPct,
			ActiveJobs: running,
			QueuedJobs: queued,
		}
		if origin != jobstore.LocalBackendOrigin {
			loaded, vram := s.probeBackend(ctx, origin)
			snap.LoadedModels = loaded
			snap.VRAMUsedGB = vram
		}
		if m := s.metrics.Snapshot(origin); m.AvgTokensPerSecond > 0 {
			snap.AvgTokensPerSecond = m.AvgTokensPerSecond
		}

		if err := s.store.InsertSnapshot(snap); err != nil {
			s.log.Error("insert snapshot failed", zap.Error(err), zap.String("backend", origin))
			continue
		}
		s.mirrorSnapshot(ctx, snap)
	}
}

func (s *Scheduler) mirrorSnapshot(ctx context.Context, snap jobstore.BackendSnapshot) {
	if s.exporter == nil {
		return
	}
	mirrorCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.exporter.MirrorSnapshot(mirrorCtx, snap); err != nil {
		s.log.Warn("clickhouse mirror failed", zap.Error(err), zap.String("backend", snap.BackendURL))
	}
}
