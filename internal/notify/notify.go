// Package notify delivers sync-failure alerts to an operator webhook,
// with per-calendar cooldown so a flapping calendar doesn't flood the
// endpoint, and a recovery alert once a previously failing calendar
// syncs clean again.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/calsync/caldavcore/internal/validator"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeError    AlertType = "error"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert is the JSON payload delivered to the webhook.
type Alert struct {
	Type        AlertType `json:"type"`
	CalendarURL string    `json:"calendar_url"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string
	// CooldownPeriod is how long to wait before re-alerting for the same
	// calendar. Zero means the 15-minute default.
	CooldownPeriod time.Duration
	// AllowPrivateHosts relaxes the webhook target policy for
	// development and LAN deployments. In the default strict mode the
	// webhook must be HTTPS and must not point at localhost, internal
	// names, or reserved address ranges — alert payloads name internal
	// calendar URLs, and an unrestricted operator-supplied target is the
	// classic SSRF shape.
	AllowPrivateHosts bool
}

// Notifier sends alert notifications. Safe for concurrent use by the
// scheduler's per-calendar jobs.
type Notifier struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	lastAlert map[string]time.Time
	failing   map[string]bool
}

// New creates a Notifier. An empty webhook URL yields a disabled
// notifier whose methods are no-ops.
func New(cfg Config) (*Notifier, error) {
	if cfg.WebhookURL != "" {
		if err := validateTarget(cfg.WebhookURL, cfg.AllowPrivateHosts); err != nil {
			return nil, err
		}
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 15 * time.Minute
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastAlert:  make(map[string]time.Time),
		failing:    make(map[string]bool),
	}, nil
}

// validateTarget applies the shared webhook target policy.
func validateTarget(webhookURL string, allowPrivate bool) error {
	var opts []validator.Option
	if allowPrivate {
		opts = append(opts, validator.WithAllowPrivateHosts())
	}
	return validator.New(opts...).ValidateWebhookURL(webhookURL)
}

// IsEnabled reports whether a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// SyncFailed records a failed sync and alerts the webhook, subject to
// the per-calendar cooldown. Shaped to satisfy the scheduler's Notifier
// interface.
func (n *Notifier) SyncFailed(calendarURL, message string) {
	if !n.IsEnabled() {
		return
	}

	n.mu.Lock()
	n.failing[calendarURL] = true
	last, seen := n.lastAlert[calendarURL]
	if seen && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return
	}
	n.lastAlert[calendarURL] = time.Now()
	n.mu.Unlock()

	n.deliver(Alert{
		Type:        AlertTypeError,
		CalendarURL: calendarURL,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

// SyncRecovered alerts once when a previously failing calendar syncs
// successfully again.
func (n *Notifier) SyncRecovered(calendarURL string) {
	if !n.IsEnabled() {
		return
	}

	n.mu.Lock()
	wasFailing := n.failing[calendarURL]
	delete(n.failing, calendarURL)
	delete(n.lastAlert, calendarURL)
	n.mu.Unlock()

	if !wasFailing {
		return
	}

	n.deliver(Alert{
		Type:        AlertTypeRecovery,
		CalendarURL: calendarURL,
		Message:     "sync recovered",
		Timestamp:   time.Now().UTC(),
	})
}

func (n *Notifier) deliver(alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("notify: encoding alert: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("notify: building webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("notify: webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("notify: webhook returned status %d", resp.StatusCode)
	}
}
