package config

import (
	"errors"
	"testing"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CALDAV_URL", "https://caldav.example.com/dav/")
	t.Setenv("CALDAV_USERNAME", "alice")
	t.Setenv("CALDAV_PASSWORD", "secret")
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setBaseEnv(t)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("expected default port, got %d", cfg.Server.Port)
		}
		if cfg.Sync.Interval != 300 {
			t.Errorf("expected default sync interval, got %d", cfg.Sync.Interval)
		}
		if cfg.Sync.MaxParseRetries != 3 {
			t.Errorf("expected default parse retries, got %d", cfg.Sync.MaxParseRetries)
		}
		if cfg.CalDAV.RPS != 10.0 {
			t.Errorf("expected default rps, got %v", cfg.CalDAV.RPS)
		}
		if cfg.Dashboard.Enabled {
			t.Error("expected dashboard disabled by default")
		}
	})

	t.Run("missing caldav url", func(t *testing.T) {
		t.Setenv("CALDAV_URL", "")
		t.Setenv("CALDAV_USERNAME", "alice")

		_, err := Load()
		if !errors.Is(err, ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig, got %v", err)
		}
	})

	t.Run("google profile requires a token instead of a username", func(t *testing.T) {
		t.Setenv("CALDAV_URL", "https://apidata.googleusercontent.com/caldav/v2/")
		t.Setenv("CALDAV_USERNAME", "")
		t.Setenv("CALDAV_QUIRKS", "google")

		_, err := Load()
		if !errors.Is(err, ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig without token, got %v", err)
		}

		t.Setenv("CALDAV_TOKEN", "ya29.token")
		if _, err := Load(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("dashboard requires oidc settings", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("DASHBOARD_ENABLED", "true")

		_, err := Load()
		if !errors.Is(err, ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig for dashboard without OIDC, got %v", err)
		}
	})

	t.Run("short session secret rejected", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("DASHBOARD_ENABLED", "true")
		t.Setenv("SESSION_SECRET", "short")

		_, err := Load()
		if !errors.Is(err, ErrSessionSecretSize) {
			t.Errorf("expected ErrSessionSecretSize, got %v", err)
		}
	})

	t.Run("invalid integer rejected", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("SYNC_INTERVAL", "soon")

		_, err := Load()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("calendar list parsed", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("CALDAV_CALENDARS", "https://caldav.example.com/dav/home/, https://caldav.example.com/dav/work/")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.CalDAV.Calendars) != 2 {
			t.Errorf("expected 2 calendars, got %v", cfg.CalDAV.Calendars)
		}
	})
}
