package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/calsync/caldavcore/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig
	CalDAV    CalDAVConfig
	Sync      SyncConfig
	Push      PushConfig
	Database  DatabaseConfig
	Dashboard DashboardConfig
	Notify    NotifyConfig
}

// ServerConfig holds HTTP server configuration for the dashboard.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// CalDAVConfig holds the upstream server configuration.
type CalDAVConfig struct {
	URL      string
	Username string
	Password string
	// Token is the OAuth bearer token used when the quirk profile
	// selects bearer auth.
	Token string
	// QuirkProfile selects the provider profile by name; empty means
	// auto-detect from the URL.
	QuirkProfile string
	// Calendars restricts sync to these collection URLs; empty means
	// discover and sync every calendar under the home set.
	Calendars []string
	// RPS and Burst bound the shared request rate against the server.
	RPS   float64
	Burst int
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	// Interval is the seconds between scheduled syncs per calendar.
	Interval int
	// MaxParseRetries is the quarantine threshold for persistently
	// unparseable resources.
	MaxParseRetries int
}

// PushConfig holds push pipeline tuning.
type PushConfig struct {
	// MaxRetries is read from PUSH_MAX_RETRIES. The push pipeline does
	// not consult it; it applies its own fixed limit of three retries per
	// pending operation.
	MaxRetries int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// DashboardConfig holds the optional operator dashboard configuration.
// When Enabled, the OIDC and session fields are required.
type DashboardConfig struct {
	Enabled          bool
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	SessionSecret    string
	// AllowedOperators restricts dashboard login to these emails; empty
	// defers to the identity provider.
	AllowedOperators []string
}

// NotifyConfig holds failure notification configuration.
type NotifyConfig struct {
	// WebhookURL receives a JSON payload on sync failures; empty
	// disables notifications.
	WebhookURL string
}

// Load loads configuration from environment variables. A .env file is
// loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnv("BASE_URL", "")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.CalDAV.URL = os.Getenv("CALDAV_URL")
	cfg.CalDAV.Username = os.Getenv("CALDAV_USERNAME")
	cfg.CalDAV.Password = os.Getenv("CALDAV_PASSWORD")
	cfg.CalDAV.Token = os.Getenv("CALDAV_TOKEN")
	cfg.CalDAV.QuirkProfile = strings.ToLower(getEnv("CALDAV_QUIRKS", ""))
	if raw := os.Getenv("CALDAV_CALENDARS"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.CalDAV.Calendars = append(cfg.CalDAV.Calendars, u)
			}
		}
	}

	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.Burst = burst

	interval, err := getEnvInt("SYNC_INTERVAL", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.Interval = interval

	parseRetries, err := getEnvInt("MAX_PARSE_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_PARSE_RETRIES: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MaxParseRetries = parseRetries

	pushRetries, err := getEnvInt("PUSH_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("%w: PUSH_MAX_RETRIES: %w", ErrInvalidConfig, err)
	}
	cfg.Push.MaxRetries = pushRetries

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/caldavcore.db")

	cfg.Dashboard.Enabled = getEnv("DASHBOARD_ENABLED", "false") == "true"
	cfg.Dashboard.OIDCIssuer = os.Getenv("OIDC_ISSUER")
	cfg.Dashboard.OIDCClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.Dashboard.OIDCClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.Dashboard.OIDCRedirectURL = os.Getenv("OIDC_REDIRECT_URL")
	cfg.Dashboard.SessionSecret = os.Getenv("SESSION_SECRET")
	if raw := os.Getenv("DASHBOARD_OPERATORS"); raw != "" {
		for _, email := range strings.Split(raw, ",") {
			if email = strings.TrimSpace(email); email != "" {
				cfg.Dashboard.AllowedOperators = append(cfg.Dashboard.AllowedOperators, email)
			}
		}
	}
	if cfg.Dashboard.Enabled && cfg.Dashboard.SessionSecret != "" && len(cfg.Dashboard.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}

	cfg.Notify.WebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}
	if c.CalDAV.QuirkProfile == "google" {
		if c.CalDAV.Token == "" {
			missing = append(missing, "CALDAV_TOKEN")
		}
	} else if c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}
	if c.Dashboard.Enabled {
		if c.Dashboard.OIDCIssuer == "" {
			missing = append(missing, "OIDC_ISSUER")
		}
		if c.Dashboard.OIDCClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
		if c.Dashboard.OIDCClientSecret == "" {
			missing = append(missing, "OIDC_CLIENT_SECRET")
		}
		if c.Dashboard.OIDCRedirectURL == "" {
			missing = append(missing, "OIDC_REDIRECT_URL")
		}
		if c.Dashboard.SessionSecret == "" {
			missing = append(missing, "SESSION_SECRET")
		}
		if c.Server.BaseURL == "" {
			missing = append(missing, "BASE_URL")
		}
	}
	return missing
}

// Validate checks that configured endpoints are well-formed and, for
// the CalDAV endpoint, reachable. Development relaxes the host policy
// so local servers and tunnels work.
func (c *Config) Validate(ctx context.Context) error {
	var opts []validator.Option
	if c.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateHosts())
	}
	v := validator.New(opts...)

	if err := v.ValidateURL(c.CalDAV.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}
	if err := v.ValidateCalDAVEndpoint(ctx, c.CalDAV.URL); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}
	if c.Dashboard.Enabled {
		if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
		}
		if err := v.ValidateOIDCIssuer(ctx, c.Dashboard.OIDCIssuer); err != nil {
			return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
		}
	}
	if c.Notify.WebhookURL != "" {
		if err := v.ValidateWebhookURL(c.Notify.WebhookURL); err != nil {
			return fmt.Errorf("%w: NOTIFY_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}
