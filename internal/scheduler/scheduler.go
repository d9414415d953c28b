// Package scheduler runs periodic sync jobs, one per calendar. A
// per-calendar lock guarantees a new sync never starts before the
// previous one finalized; jobs for distinct calendars run in parallel
// over the shared transport.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/calsync/caldavcore/internal/push"
	"github.com/calsync/caldavcore/internal/store"
	"github.com/calsync/caldavcore/internal/syncengine"
)

const (
	cleanupInterval  = 24 * time.Hour
	logRetentionDays = 30
	syncTimeout      = 10 * time.Minute
)

// Notifier is told about failed syncs; nil disables notifications.
type Notifier interface {
	SyncFailed(calendarURL, message string)
}

// Job represents a scheduled sync job for one calendar.
type Job struct {
	calendarURL string
	interval    time.Duration
	ticker      *time.Ticker
	stopCh      chan struct{}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	store    *store.Store
	engine   *syncengine.Engine
	tracker  *store.ActivityTracker
	notifier Notifier

	// pipelines holds the per-calendar push pipelines; each flushes its
	// queue ahead of the pull so local intent reaches the server before
	// the diff runs.
	pipelines map[string]*push.Pipeline

	mu        sync.RWMutex
	jobs      map[string]*Job
	syncLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a scheduler over the given components.
func New(st *store.Store, engine *syncengine.Engine, tracker *store.ActivityTracker, notifier Notifier) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		engine:    engine,
		tracker:   tracker,
		notifier:  notifier,
		pipelines: make(map[string]*push.Pipeline),
		jobs:      make(map[string]*Job),
		syncLocks: make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register wires a calendar's push pipeline so scheduled runs flush it.
func (s *Scheduler) Register(calendarURL string, pipeline *push.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[calendarURL] = pipeline
}

// Start launches the cleanup routine. Jobs are added per calendar with
// AddJob.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.cleanupRoutine()
	log.Println("Scheduler started")
}

// Stop gracefully shuts down all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces a sync job for a calendar.
func (s *Scheduler) AddJob(calendarURL string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[calendarURL]; exists {
		close(existing.stopCh)
		existing.ticker.Stop()
	}

	job := &Job{
		calendarURL: calendarURL,
		interval:    interval,
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	s.jobs[calendarURL] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("Added sync job for %s with interval %v", calendarURL, interval)
}

// RemoveJob removes a calendar's sync job.
func (s *Scheduler) RemoveJob(calendarURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[calendarURL]; exists {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, calendarURL)
		log.Printf("Removed sync job for %s", calendarURL)
	}
}

// TriggerSync manually triggers a sync for a calendar.
func (s *Scheduler) TriggerSync(calendarURL string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(calendarURL, false)
	}()
}

// TriggerFullSync manually triggers a forced full sync.
func (s *Scheduler) TriggerFullSync(calendarURL string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(calendarURL, true)
	}()
}

// JobCount returns the number of active jobs.
func (s *Scheduler) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	// Run immediately on start.
	s.executeSync(job.calendarURL, false)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.executeSync(job.calendarURL, false)
		}
	}
}

func (s *Scheduler) getSyncLock(calendarURL string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[calendarURL]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.syncLocks[calendarURL] = lock
	return lock
}

func (s *Scheduler) executeSync(calendarURL string, forceFull bool) {
	lock := s.getSyncLock(calendarURL)
	if !lock.TryLock() {
		log.Printf("Skipping sync for %s - another sync is already in progress", calendarURL)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	s.tracker.StartSync(calendarURL)

	// Local intent first: a queued edit must reach the server before the
	// pull, or the diff would overwrite it.
	s.mu.RLock()
	pipeline := s.pipelines[calendarURL]
	s.mu.RUnlock()
	if pipeline != nil {
		pushReport := pipeline.Push(ctx)
		if pushReport.Failed > 0 || pushReport.Conflicts > 0 {
			log.Printf("Push for %s: %d pushed, %d failed, %d conflicts",
				calendarURL, pushReport.Pushed, pushReport.Failed, pushReport.Conflicts)
		}
	}

	prev, err := s.store.LoadSyncState(calendarURL)
	if err != nil {
		prev = nil // first sync
	}

	events := s.store.Events(calendarURL)
	report := s.engine.SyncWithIncremental(ctx, calendarURL, prev, events, events, forceFull)

	if report.Cancelled {
		log.Printf("Sync cancelled for %s", calendarURL)
		s.tracker.FinishSync(calendarURL, false, report.Upserts, report.Deletes, "cancelled")
		return
	}

	if report.NewState != nil {
		if err := s.store.SaveSyncState(report.NewState); err != nil {
			log.Printf("Failed to persist sync state for %s: %v", calendarURL, err)
		}
	}

	entry := &store.SyncLog{
		CalendarURL:   calendarURL,
		Success:       report.Success,
		IsFullSync:    report.IsFullSync,
		Upserts:       report.Upserts,
		Deletes:       report.Deletes,
		ParseFailures: len(report.ParseFailures),
		Message:       report.Message,
		Duration:      report.Duration,
	}
	if err := s.store.CreateSyncLog(entry); err != nil {
		log.Printf("Failed to record sync log for %s: %v", calendarURL, err)
	}

	s.tracker.FinishSync(calendarURL, report.Success, report.Upserts, report.Deletes, report.Message)

	if report.Success {
		log.Printf("Sync completed for %s: %d upserts, %d deletes in %v",
			calendarURL, report.Upserts, report.Deletes, report.Duration)
	} else {
		log.Printf("Sync failed for %s: %s", calendarURL, report.Message)
		if s.notifier != nil {
			s.notifier.SyncFailed(calendarURL, report.Message)
		}
	}
}

func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.store.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}
