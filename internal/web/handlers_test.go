package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/calsync/caldavcore/internal/auth"
	"github.com/calsync/caldavcore/internal/caldav"
	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/quirks"
	"github.com/calsync/caldavcore/internal/scheduler"
	"github.com/calsync/caldavcore/internal/store"
	"github.com/calsync/caldavcore/internal/syncengine"
)

// A loopback URL nothing listens on: trigger tests fail fast instead of
// touching the network.
const testCalendarURL = "http://127.0.0.1:9/cal/"

func newTestRouter(t *testing.T) (*gin.Engine, *Handlers, *auth.Sessions, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client, err := caldav.NewClient(testCalendarURL, http.DefaultClient, quirks.Default())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	tracker := store.NewActivityTracker()
	engine := syncengine.New(client, syncengine.Options{Observer: tracker.UpdatePhase})
	sched := scheduler.New(st, engine, tracker, nil)
	t.Cleanup(sched.Stop)

	sessions := auth.NewSessions(strings.Repeat("s", 32), false)
	h := NewHandlers(st, tracker, engine, sched, nil, sessions, []string{testCalendarURL})

	r := gin.New()
	SetupRoutes(r, h, sessions)
	return r, h, sessions, st
}

// authedCookie builds a session cookie for an authenticated request.
func authedCookie(t *testing.T, sessions *auth.Sessions) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := sessions.Issue(rec, req, &auth.Operator{Subject: "u1", Email: "op@example.com"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return rec.Result().Cookies()
}

func doRequest(r *gin.Engine, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	t.Run("liveness", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/healthz", "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("readiness", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/ready", "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestAuthGate(t *testing.T) {
	r, _, sm, _ := newTestRouter(t)

	t.Run("unauthenticated gets 401 with login path", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/status", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if body["login"] != "/auth/login" {
			t.Errorf("expected login hint, got %v", body)
		}
	})

	t.Run("auth status without session", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/auth/status", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if body["authenticated"] != false {
			t.Errorf("expected unauthenticated, got %v", body)
		}
	})

	t.Run("auth status with session", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/auth/status", "", authedCookie(t, sm))
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if body["authenticated"] != true || body["email"] != "op@example.com" {
			t.Errorf("expected authenticated session, got %v", body)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	r, _, sm, st := newTestRouter(t)

	state := model.NewSyncState(testCalendarURL)
	state.SyncToken = "t-9"
	state.CTag = "c-9"
	if err := st.SaveSyncState(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rec := doRequest(r, http.MethodGet, "/api/status", "", authedCookie(t, sm))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Calendars []calendarStatus `json:"calendars"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body.Calendars) != 1 {
		t.Fatalf("expected 1 calendar, got %d", len(body.Calendars))
	}
	if body.Calendars[0].SyncToken != "t-9" || body.Calendars[0].CTag != "c-9" {
		t.Errorf("unexpected status %+v", body.Calendars[0])
	}
}

func TestQuarantineEndpoints(t *testing.T) {
	r, h, sm, _ := newTestRouter(t)
	cookies := authedCookie(t, sm)

	tracker := h.engine.FailureTracker()
	for i := 0; i < model.DefaultMaxParseRetries; i++ {
		tracker.RecordFailure("/cal/bad.ics", "e1", "bad data")
	}

	t.Run("lists quarantined resources", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/quarantine", "", cookies)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Quarantined []model.FailureRecord `json:"quarantined"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if len(body.Quarantined) != 1 || body.Quarantined[0].Href != "/cal/bad.ics" {
			t.Errorf("unexpected quarantine %+v", body.Quarantined)
		}
	})

	t.Run("clear resets the tracker", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/quarantine/clear", `{"href":"/cal/bad.ics"}`, cookies)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if tracker.Count("/cal/bad.ics") != 0 {
			t.Error("expected tracker cleared")
		}
	})

	t.Run("clear without href is rejected", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/quarantine/clear", `{}`, cookies)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestTriggerSync(t *testing.T) {
	r, _, sm, _ := newTestRouter(t)
	cookies := authedCookie(t, sm)

	t.Run("unknown calendar rejected", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/sync", `{"calendar_url":"https://other/cal/"}`, cookies)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("known calendar accepted", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/sync", `{"calendar_url":"`+testCalendarURL+`"}`, cookies)
		if rec.Code != http.StatusAccepted {
			t.Errorf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing body rejected", func(t *testing.T) {
		rec := doRequest(r, http.MethodPost, "/api/sync", `{}`, cookies)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("wrong content type rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader("calendar_url=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		for _, c := range cookies {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected 415, got %d", rec.Code)
		}
	})
}
