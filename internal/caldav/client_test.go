package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/quirks"
)

const sampleICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:e1@example.com\r\nDTSTAMP:20260301T090000Z\r\n" +
	"DTSTART:20260301T100000Z\r\nDTEND:20260301T110000Z\r\nSUMMARY:Meeting\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

func newTestClient(t *testing.T, handler http.Handler, profile quirks.Profile) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/", http.DefaultClient, profile)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, server
}

func TestNewClient(t *testing.T) {
	t.Run("rejects empty base URL", func(t *testing.T) {
		_, err := NewClient("", http.DefaultClient, quirks.Default())
		if !errors.Is(err, model.ErrArgument) {
			t.Errorf("expected ErrArgument, got %v", err)
		}
	})

	t.Run("rejects URL without host", func(t *testing.T) {
		_, err := NewClient("/just/a/path", http.DefaultClient, quirks.Default())
		if !errors.Is(err, model.ErrArgument) {
			t.Errorf("expected ErrArgument, got %v", err)
		}
	})
}

func TestBuildEventURL(t *testing.T) {
	testCases := []struct {
		name     string
		base     string
		uid      string
		expected string
		wantErr  bool
	}{
		{
			name:     "plain uid",
			base:     "https://example.com/cal/",
			uid:      "e1@example.com",
			expected: "https://example.com/cal/e1@example.com.ics",
		},
		{
			name:     "adds trailing slash to base",
			base:     "https://example.com/cal",
			uid:      "e1",
			expected: "https://example.com/cal/e1.ics",
		},
		{
			name:     "sanitizes unusual characters",
			base:     "https://example.com/cal/",
			uid:      "e1 {weird}",
			expected: "https://example.com/cal/e1__weird_.ics",
		},
		{
			name:    "rejects path traversal",
			base:    "https://example.com/cal/",
			uid:     "../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "rejects slash",
			base:    "https://example.com/cal/",
			uid:     "a/b",
			wantErr: true,
		},
		{
			name:    "rejects backslash",
			base:    "https://example.com/cal/",
			uid:     `a\b`,
			wantErr: true,
		},
		{
			name:    "rejects control characters",
			base:    "https://example.com/cal/",
			uid:     "a\x00b",
			wantErr: true,
		},
		{
			name:    "rejects empty uid",
			base:    "https://example.com/cal/",
			uid:     "",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildEventURL(tc.base, tc.uid)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, model.ErrArgument) {
					t.Errorf("expected ErrArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}

	t.Run("sanitization is idempotent", func(t *testing.T) {
		first, err := BuildEventURL("https://example.com/cal/", "a b{c}")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(first, "https://example.com/cal/"), ".ics")
		second, err := BuildEventURL("https://example.com/cal/", name)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first != second {
			t.Errorf("expected idempotent sanitization: %q vs %q", first, second)
		}
	})
}

func TestGetCTagAndSyncToken(t *testing.T) {
	t.Run("reads ctag with quote stripping", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/cal/</D:href>
    <D:propstat>
      <D:prop><CS:getctag>"ctag-77"</CS:getctag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		ctag, err := client.GetCTag(context.Background(), client.base.String()+"cal/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ctag != "ctag-77" {
			t.Errorf("expected unquoted ctag, got %q", ctag)
		}
	})

	t.Run("missing property is success with empty value", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/</D:href>
    <D:propstat>
      <D:prop/>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		token, err := client.GetSyncToken(context.Background(), client.base.String()+"cal/")
		if err != nil {
			t.Fatalf("expected success for missing property, got %v", err)
		}
		if token != "" {
			t.Errorf("expected empty token, got %q", token)
		}
	})
}

func TestDiscoverAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		switch {
		case strings.HasSuffix(r.URL.Path, "/.well-known/caldav"):
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/.well-known/caldav</D:href>
    <D:propstat>
      <D:prop>
        <D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		case strings.HasPrefix(r.URL.Path, "/principals/"):
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/principals/alice/</D:href>
    <D:propstat>
      <D:prop>
        <C:calendar-home-set><D:href>/calendars/alice/</D:href></C:calendar-home-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		default:
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/calendars/alice/</D:href>
    <D:propstat>
      <D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/calendars/alice/home/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
        <D:displayname>Home</D:displayname>
        <CS:getctag>"c1"</CS:getctag>
        <D:sync-token>tok-1</D:sync-token>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}
	})

	client, server := newTestClient(t, mux, quirks.Default())

	account, err := client.DiscoverAccount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if account.PrincipalURL != server.URL+"/principals/alice/" {
		t.Errorf("unexpected principal %q", account.PrincipalURL)
	}
	if account.HomeSetURL != server.URL+"/calendars/alice/" {
		t.Errorf("unexpected home set %q", account.HomeSetURL)
	}
	if len(account.Calendars) != 1 {
		t.Fatalf("expected 1 calendar, got %d", len(account.Calendars))
	}

	cal := account.Calendars[0]
	if cal.DisplayName != "Home" {
		t.Errorf("unexpected display name %q", cal.DisplayName)
	}
	if cal.CTag != "c1" {
		t.Errorf("expected unquoted ctag, got %q", cal.CTag)
	}
	if cal.SyncToken != "tok-1" {
		t.Errorf("unexpected sync token %q", cal.SyncToken)
	}
}

func TestFetchEvents(t *testing.T) {
	t.Run("materializes events and skips unparseable entries", func(t *testing.T) {
		var gotBody string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := make([]byte, 8192)
			n, _ := r.Body.Read(buf)
			gotBody = string(buf[:n])
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/e1.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"etag-1"</D:getetag>
        <C:calendar-data>` + sampleICS + `</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/broken.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"etag-2"</D:getetag>
        <C:calendar-data>BEGIN:GARBAGE</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		events, err := client.FetchEvents(context.Background(), client.base.String()+"cal/", &start, &end)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !strings.Contains(gotBody, `time-range start="20260301T000000Z"`) {
			t.Errorf("expected UTC time-range in request body:\n%s", gotBody)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event (bad one skipped), got %d", len(events))
		}
		if events[0].Event.UID != "e1@example.com" {
			t.Errorf("unexpected uid %q", events[0].Event.UID)
		}
		if events[0].ETag != "etag-1" {
			t.Errorf("expected unquoted etag, got %q", events[0].ETag)
		}
	})
}

func TestFetchEtagsInRange(t *testing.T) {
	var gotBody string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 8192)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/e1.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"etag-1"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
	}), quirks.Default())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	etags, err := client.FetchEtagsInRange(context.Background(), client.base.String()+"cal/", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(gotBody, "calendar-data") {
		t.Error("etag-only query must not request calendar-data")
	}
	if len(etags) != 1 {
		t.Fatalf("expected 1 etag, got %d", len(etags))
	}
	if etags[0].ETag != "etag-1" {
		t.Errorf("expected unquoted etag, got %q", etags[0].ETag)
	}
}

func TestFetchEventsByHref(t *testing.T) {
	t.Run("empty input makes no network call", func(t *testing.T) {
		called := false
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}), quirks.Default())

		events, err := client.FetchEventsByHref(context.Background(), client.base.String()+"cal/", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected empty result, got %d", len(events))
		}
		if called {
			t.Error("expected no network call for empty href list")
		}
	})

	t.Run("drops per-href 404 entries", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/e1.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"etag-1"</D:getetag>
        <C:calendar-data>` + sampleICS + `</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/vanished.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		events, err := client.FetchEventsByHref(context.Background(), client.base.String()+"cal/",
			[]string{"/cal/e1.ics", "/cal/vanished.ics"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
	})

	t.Run("broken multistatus XML fails the batch", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte("<multistatus><unclosed"))
		}), quirks.Default())

		_, err := client.FetchEventsByHref(context.Background(), client.base.String()+"cal/", []string{"/cal/e1.ics"})
		if !errors.Is(err, model.ErrParse) {
			t.Errorf("expected ErrParse, got %v", err)
		}
	})
}

func TestCreateUpdateDeleteEvent(t *testing.T) {
	event := &model.Event{
		UID:     "e1@example.com",
		Summary: "Meeting",
		Start:   model.EventDateTime{Kind: model.UTC, Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}

	t.Run("create uses if-none-match star", func(t *testing.T) {
		var gotHeader, gotPath string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Get("If-None-Match")
			gotPath = r.URL.Path
			w.Header().Set("ETag", `"new-1"`)
			w.WriteHeader(http.StatusCreated)
		}), quirks.Default())

		href, etag, err := client.CreateEvent(context.Background(), client.base.String()+"cal/", event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotHeader != "*" {
			t.Errorf("expected If-None-Match: *, got %q", gotHeader)
		}
		if gotPath != "/cal/e1@example.com.ics" {
			t.Errorf("unexpected path %q", gotPath)
		}
		if !strings.HasSuffix(href, "/cal/e1@example.com.ics") {
			t.Errorf("unexpected href %q", href)
		}
		if etag != "new-1" {
			t.Errorf("expected unquoted etag, got %q", etag)
		}
	})

	t.Run("create surfaces 412 as resource exists", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPreconditionFailed)
		}), quirks.Default())

		_, _, err := client.CreateEvent(context.Background(), client.base.String()+"cal/", event)
		if !model.IsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("update sends if-match", func(t *testing.T) {
		var gotIfMatch string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotIfMatch = r.Header.Get("If-Match")
			w.Header().Set("ETag", `"new-2"`)
			w.WriteHeader(http.StatusNoContent)
		}), quirks.Default())

		etag, err := client.UpdateEvent(context.Background(), "/cal/e1.ics", event, "old-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotIfMatch != `"old-1"` {
			t.Errorf("expected quoted If-Match, got %q", gotIfMatch)
		}
		if etag != "new-2" {
			t.Errorf("expected new etag, got %q", etag)
		}
	})

	t.Run("delete sends optional if-match", func(t *testing.T) {
		var gotIfMatch, gotMethod string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotIfMatch = r.Header.Get("If-Match")
			gotMethod = r.Method
			w.WriteHeader(http.StatusNoContent)
		}), quirks.Default())

		if err := client.DeleteEvent(context.Background(), "/cal/e1.ics", "etag-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotMethod != http.MethodDelete {
			t.Errorf("expected DELETE, got %q", gotMethod)
		}
		if gotIfMatch != `"etag-1"` {
			t.Errorf("expected quoted If-Match, got %q", gotIfMatch)
		}
	})

	t.Run("path traversal uid fails before any network call", func(t *testing.T) {
		called := false
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}), quirks.Default())

		bad := &model.Event{UID: "../../etc/passwd", Start: event.Start}
		_, _, err := client.CreateEvent(context.Background(), client.base.String()+"cal/", bad)
		if !errors.Is(err, model.ErrArgument) {
			t.Errorf("expected ErrArgument, got %v", err)
		}
		if called {
			t.Error("expected no network call for invalid uid")
		}
	})
}

func TestSyncCollection(t *testing.T) {
	t.Run("classifies added, deleted, and etag-only entries", func(t *testing.T) {
		var gotBody string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := make([]byte, 8192)
			n, _ := r.Body.Read(buf)
			gotBody = string(buf[:n])
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:sync-token>tok-next</D:sync-token>
  <D:response>
    <D:href>/cal/full.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"e-full"</D:getetag>
        <C:calendar-data>` + sampleICS + `</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/etag-only.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"e-lazy"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/gone.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		result, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "tok-prev")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !strings.Contains(gotBody, "<sync-token>tok-prev</sync-token>") {
			t.Errorf("expected previous token in request body:\n%s", gotBody)
		}
		if result.NewSyncToken != "tok-next" {
			t.Errorf("unexpected new token %q", result.NewSyncToken)
		}
		if len(result.Added) != 1 || result.Added[0].Event.UID != "e1@example.com" {
			t.Errorf("unexpected added %+v", result.Added)
		}
		if len(result.AddedHrefs) != 1 || result.AddedHrefs[0].ETag != "e-lazy" {
			t.Errorf("unexpected addedHrefs %+v", result.AddedHrefs)
		}
		if len(result.Deleted) != 1 || result.Deleted[0] != "/cal/gone.ics" {
			t.Errorf("unexpected deleted %+v", result.Deleted)
		}
	})

	t.Run("empty token sends empty element", func(t *testing.T) {
		var gotBody string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := make([]byte, 8192)
			n, _ := r.Body.Read(buf)
			gotBody = string(buf[:n])
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?><D:multistatus xmlns:D="DAV:"><D:sync-token>t1</D:sync-token></D:multistatus>`))
		}), quirks.Default())

		_, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(gotBody, "<sync-token/>") {
			t.Errorf("expected empty sync-token element:\n%s", gotBody)
		}
	})

	t.Run("duplicate hrefs are de-duplicated by last occurrence", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:sync-token>t2</D:sync-token>
  <D:response>
    <D:href>/cal/e1.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"v1"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/e2.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"v1"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/e1.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"v2"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		result, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "t1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.AddedHrefs) != 2 {
			t.Fatalf("expected 2 unique hrefs, got %d: %+v", len(result.AddedHrefs), result.AddedHrefs)
		}
		for _, rh := range result.AddedHrefs {
			if rh.Href == "/cal/e1.ics" && rh.ETag != "v2" {
				t.Errorf("expected last occurrence to win, got etag %q", rh.ETag)
			}
		}
	})

	t.Run("expired token surfaces as http error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}), quirks.Default())

		_, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "expired")
		if !model.IsTokenExpired(err) {
			t.Errorf("expected token-expired signal, got %v", err)
		}
	})

	t.Run("unparseable inline entry is deferred to multiget", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:sync-token>t3</D:sync-token>
  <D:response>
    <D:href>/cal/bad.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"e-bad"</D:getetag>
        <C:calendar-data>BEGIN:NOPE</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
		}), quirks.Default())

		result, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "t2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Added) != 0 {
			t.Errorf("expected no added events, got %d", len(result.Added))
		}
		if len(result.AddedHrefs) != 1 || result.AddedHrefs[0].Href != "/cal/bad.ics" {
			t.Errorf("expected bad entry deferred to multiget, got %+v", result.AddedHrefs)
		}
	})
}

func TestICloudQuirkParsing(t *testing.T) {
	// iCloud-style response: default namespace instead of D: prefixes.
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<?xml version="1.0"?>
<multistatus>
  <sync-token>t9</sync-token>
  <response>
    <href>/cal/e1.ics</href>
    <propstat>
      <prop><getetag>"q1"</getetag></prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`))
	}), quirks.ICloud())

	result, err := client.SyncCollection(context.Background(), client.base.String()+"cal/", "t8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.AddedHrefs) != 1 {
		t.Fatalf("expected 1 etag-only entry, got %+v", result)
	}
	if result.AddedHrefs[0].ETag != "q1" {
		t.Errorf("expected stripped etag, got %q", result.AddedHrefs[0].ETag)
	}
}

func TestBuildSyncCollectionBody(t *testing.T) {
	t.Run("escapes token", func(t *testing.T) {
		body := BuildSyncCollectionBody("tok<&>")
		if !strings.Contains(body, "tok&lt;&amp;&gt;") {
			t.Errorf("expected escaped token, got:\n%s", body)
		}
	})

	t.Run("requests etag and calendar-data", func(t *testing.T) {
		body := BuildSyncCollectionBody("")
		if !strings.Contains(body, "<getetag/>") || !strings.Contains(body, "<C:calendar-data/>") {
			t.Errorf("expected getetag and calendar-data:\n%s", body)
		}
		if !strings.Contains(body, "<sync-level>1</sync-level>") {
			t.Error("expected sync-level 1")
		}
	})
}

func TestBuildMultigetBody(t *testing.T) {
	body := BuildMultigetBody([]string{"/cal/e1.ics", "/cal/e 2.ics"})
	if !strings.Contains(body, "<href>/cal/e1.ics</href>") {
		t.Error("expected first href")
	}
	if !strings.Contains(body, "<C:calendar-multiget") {
		t.Error("expected multiget root")
	}
}
