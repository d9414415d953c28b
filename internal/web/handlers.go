// Package web is the operator dashboard: a small JSON surface over the
// sync core's observable state — per-calendar cursors, live activity,
// sync history, the parse-failure quarantine — plus manual sync
// triggers. Access is guarded by OIDC login.
package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/calsync/caldavcore/internal/auth"
	"github.com/calsync/caldavcore/internal/scheduler"
	"github.com/calsync/caldavcore/internal/store"
	"github.com/calsync/caldavcore/internal/syncengine"
)

// Handlers contains the HTTP handlers and their dependencies.
type Handlers struct {
	store     *store.Store
	tracker   *store.ActivityTracker
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler
	auth      *auth.Authenticator
	sessions  *auth.Sessions
	calendars []string
}

// NewHandlers creates a Handlers instance. calendars is the set of
// calendar URLs the daemon syncs, shown on the status endpoint.
func NewHandlers(st *store.Store, tracker *store.ActivityTracker, engine *syncengine.Engine, sched *scheduler.Scheduler, authenticator *auth.Authenticator, sessions *auth.Sessions, calendars []string) *Handlers {
	return &Handlers{
		store:     st,
		tracker:   tracker,
		engine:    engine,
		scheduler: sched,
		auth:      authenticator,
		sessions:  sessions,
		calendars: calendars,
	}
}

// Liveness is the bare process-up probe.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness checks the database connection.
func (h *Handlers) Readiness(c *gin.Context) {
	if err := h.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Login starts the OIDC round trip.
func (h *Handlers) Login(c *gin.Context) {
	state, err := h.sessions.BeginLogin(c.Writer, c.Request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start login"})
		return
	}
	c.Redirect(http.StatusFound, h.auth.LoginURL(state))
}

// Callback handles the OIDC redirect.
func (h *Handlers) Callback(c *gin.Context) {
	if err := h.sessions.FinishLogin(c.Writer, c.Request, c.Query("state")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state parameter"})
		return
	}
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication failed: " + errParam})
		return
	}

	op, err := h.auth.Authenticate(c.Request.Context(), c.Query("code"))
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthorized) {
			c.JSON(http.StatusForbidden, gin.H{"error": "account is not an authorized operator"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "login failed"})
		return
	}

	if err := h.sessions.Issue(c.Writer, c.Request, op); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.Redirect(http.StatusFound, "/api/status")
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.sessions.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// AuthStatus reports whether the caller holds a valid session.
func (h *Handlers) AuthStatus(c *gin.Context) {
	op, err := h.sessions.Current(c.Request)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"email":         op.Email,
		"name":          op.Name,
	})
}

// calendarStatus is the status row for one calendar.
type calendarStatus struct {
	CalendarURL string `json:"calendar_url"`
	SyncToken   string `json:"sync_token"`
	CTag        string `json:"ctag"`
	LastSync    string `json:"last_sync,omitempty"`
	EventCount  int    `json:"event_count"`
	Syncing     bool   `json:"syncing"`
}

// Status reports the cursor and event count per configured calendar.
func (h *Handlers) Status(c *gin.Context) {
	statuses := make([]calendarStatus, 0, len(h.calendars))
	for _, calURL := range h.calendars {
		row := calendarStatus{CalendarURL: calURL, Syncing: h.tracker.IsSyncing(calURL)}
		if state, err := h.store.LoadSyncState(calURL); err == nil {
			row.SyncToken = state.SyncToken
			row.CTag = state.CTag
			if !state.LastSync.IsZero() {
				row.LastSync = state.LastSync.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		if n, err := h.store.Events(calURL).Count(); err == nil {
			row.EventCount = n
		}
		statuses = append(statuses, row)
	}
	c.JSON(http.StatusOK, gin.H{"calendars": statuses})
}

// Activity reports running and recently completed syncs.
func (h *Handlers) Activity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": h.tracker.Active(),
		"recent": h.tracker.Recent(),
	})
}

// SyncLogs returns recent sync history, optionally filtered by the
// calendar query parameter.
func (h *Handlers) SyncLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	logs, err := h.store.RecentSyncLogs(c.Query("calendar"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sync logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Quarantine lists resources the failure tracker has given up on.
func (h *Handlers) Quarantine(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quarantined": h.engine.FailureTracker().Quarantined()})
}

// QuarantineClear is the admin reset path for a quarantined resource.
func (h *Handlers) QuarantineClear(c *gin.Context) {
	var req struct {
		Href string `json:"href"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Href == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "href is required"})
		return
	}
	h.engine.FailureTracker().Clear(req.Href)
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// TriggerSync starts an out-of-schedule sync for a calendar.
func (h *Handlers) TriggerSync(c *gin.Context) {
	var req struct {
		CalendarURL string `json:"calendar_url"`
		Full        bool   `json:"full"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CalendarURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendar_url is required"})
		return
	}
	if !h.knownCalendar(req.CalendarURL) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown calendar"})
		return
	}

	if req.Full {
		h.scheduler.TriggerFullSync(req.CalendarURL)
	} else {
		h.scheduler.TriggerSync(req.CalendarURL)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sync scheduled"})
}

func (h *Handlers) knownCalendar(calendarURL string) bool {
	for _, u := range h.calendars {
		if u == calendarURL {
			return true
		}
	}
	return false
}
