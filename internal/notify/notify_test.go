package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calsync/caldavcore/internal/validator"
)

// devConfig relaxes the host policy so tests can deliver to an httptest
// server on loopback.
func devConfig(url string) Config {
	return Config{WebhookURL: url, AllowPrivateHosts: true}
}

func TestWebhookTargetPolicy(t *testing.T) {
	testCases := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"public https url", "https://hooks.example.com/sync", nil},
		{"plain http rejected", "http://hooks.example.com/sync", validator.ErrHTTPSRequired},
		{"localhost rejected", "https://localhost/sync", validator.ErrForbiddenHost},
		{"internal suffix rejected", "https://alerts.corp.internal/sync", validator.ErrForbiddenHost},
		{"mdns suffix rejected", "https://printer.local/sync", validator.ErrForbiddenHost},
		{"loopback address rejected", "https://127.0.0.1/sync", validator.ErrForbiddenHost},
		{"private address rejected", "https://10.0.0.5/sync", validator.ErrForbiddenHost},
		{"missing scheme", "hooks.example.com/sync", validator.ErrInvalidURL},
		{"bad scheme", "ftp://hooks.example.com", validator.ErrInvalidURL},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(Config{WebhookURL: tc.url})
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	t.Run("private hosts allowed in relaxed mode", func(t *testing.T) {
		if _, err := New(devConfig("http://127.0.0.1:9999/hook")); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestSyncFailedDeliversAlert(t *testing.T) {
	var got Alert
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := New(devConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n.SyncFailed("/cal/", "token expired")
	if calls.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls.Load())
	}
	if got.Type != AlertTypeError || got.CalendarURL != "/cal/" || got.Message != "token expired" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := devConfig(server.URL)
	cfg.CooldownPeriod = time.Hour
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n.SyncFailed("/cal/", "first")
	n.SyncFailed("/cal/", "second")
	if calls.Load() != 1 {
		t.Errorf("expected cooldown to suppress second alert, got %d deliveries", calls.Load())
	}

	// A distinct calendar alerts independently.
	n.SyncFailed("/other/", "first")
	if calls.Load() != 2 {
		t.Errorf("expected independent per-calendar cooldown, got %d", calls.Load())
	}
}

func TestRecoveryAlerts(t *testing.T) {
	var types []AlertType
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		_ = json.NewDecoder(r.Body).Decode(&alert)
		types = append(types, alert.Type)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := New(devConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Recovery without a prior failure is silent.
	n.SyncRecovered("/cal/")
	if len(types) != 0 {
		t.Fatalf("expected no alert, got %v", types)
	}

	n.SyncFailed("/cal/", "boom")
	n.SyncRecovered("/cal/")
	if len(types) != 2 || types[1] != AlertTypeRecovery {
		t.Errorf("expected error then recovery, got %v", types)
	}
}

func TestDisabledNotifier(t *testing.T) {
	n, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.IsEnabled() {
		t.Error("expected disabled notifier")
	}
	// Must be a no-op, not a panic.
	n.SyncFailed("/cal/", "ignored")
	n.SyncRecovered("/cal/")
}
