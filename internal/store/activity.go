package store

import (
	"sync"
	"time"
)

// SyncActivity is the live view of one calendar's sync: the state
// machine phase it is in, or the outcome of its last completed run.
type SyncActivity struct {
	CalendarURL string     `json:"calendar_url"`
	Status      string     `json:"status"` // "running", "completed", "partial", "error"
	Phase       string     `json:"phase,omitempty"`
	Upserts     int        `json:"upserts"`
	Deletes     int        `json:"deletes"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// ActivityTracker keeps in-memory sync activity across calendars, read
// by the dashboard. The engine reports phase transitions through its
// observer hook; the scheduler reports start and finish.
type ActivityTracker struct {
	mu        sync.RWMutex
	active    map[string]*SyncActivity
	recent    []*SyncActivity
	maxRecent int
}

// NewActivityTracker creates an empty tracker keeping the last 20
// completed syncs.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		active:    make(map[string]*SyncActivity),
		recent:    make([]*SyncActivity, 0),
		maxRecent: 20,
	}
}

// StartSync begins tracking a run for a calendar.
func (t *ActivityTracker) StartSync(calendarURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[calendarURL] = &SyncActivity{
		CalendarURL: calendarURL,
		Status:      "running",
		StartedAt:   time.Now(),
	}
}

// UpdatePhase records the state-machine phase a running sync entered.
// Shaped to fit the engine's PhaseObserver hook directly.
func (t *ActivityTracker) UpdatePhase(calendarURL, phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if activity, exists := t.active[calendarURL]; exists {
		activity.Phase = phase
	}
}

// FinishSync completes tracking and moves the run into the recent list.
func (t *ActivityTracker) FinishSync(calendarURL string, success bool, upserts, deletes int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[calendarURL]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.Upserts = upserts
	activity.Deletes = deletes
	activity.Message = message
	activity.Phase = ""

	switch {
	case success:
		activity.Status = "completed"
	case upserts > 0 || deletes > 0:
		activity.Status = "partial"
	default:
		activity.Status = "error"
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
	delete(t.active, calendarURL)
}

// Active returns a snapshot of running syncs.
func (t *ActivityTracker) Active() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		snapshot := *activity
		snapshot.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &snapshot)
	}
	return result
}

// Recent returns snapshots of recently completed syncs, newest first.
func (t *ActivityTracker) Recent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		snapshot := *activity
		result[i] = &snapshot
	}
	return result
}

// IsSyncing reports whether a calendar has a run in flight.
func (t *ActivityTracker) IsSyncing(calendarURL string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[calendarURL]
	return exists
}
