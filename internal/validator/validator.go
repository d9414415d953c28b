// Package validator checks outbound endpoints before the daemon talks
// to them. Two layers: structural URL checks, and a HostPolicy applied
// both by name at validation time and by resolved address at dial time,
// so a hostname that later resolves into a private range is still
// caught. Webhook targets get the strictest treatment — they are the
// one URL an operator can point anywhere, which is exactly the SSRF
// shape.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrHTTPSRequired     = errors.New("HTTPS is required")
	ErrForbiddenHost     = errors.New("host is not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrInvalidOIDCIssuer = errors.New("invalid OIDC issuer")
	ErrInvalidCalDAV     = errors.New("invalid CalDAV endpoint")
	ErrInvalidWebhook    = errors.New("invalid webhook URL")
)

const (
	maxRedirects  = 3
	probeTimeout  = 10 * time.Second
	minTLSVersion = tls.VersionTLS12
)

// HostPolicy decides which targets outbound requests may address.
type HostPolicy struct {
	// AllowPrivate permits loopback, RFC 1918, and internal-suffix
	// hosts, for development and self-hosted servers on a LAN.
	AllowPrivate bool
}

// forbiddenSuffixes are name-level giveaways of internal
// infrastructure; they never resolve on the public internet.
var forbiddenSuffixes = []string{".local", ".internal", ".localhost"}

// CheckName applies the name-level rules to a hostname before any DNS
// resolution happens.
func (p HostPolicy) CheckName(host string) error {
	if p.AllowPrivate {
		return nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	for _, suffix := range forbiddenSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
		}
	}
	if ip := net.ParseIP(lower); ip != nil {
		return p.CheckIP(ip)
	}
	return nil
}

// CheckIP applies the address-level rules to a resolved IP.
func (p HostPolicy) CheckIP(ip net.IP) error {
	if p.AllowPrivate || ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s resolves to a reserved address", ErrForbiddenHost, ip)
	}
	return nil
}

// Validator probes endpoints under a host policy.
type Validator struct {
	policy HostPolicy
	client *http.Client
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateHosts permits private and internal targets, for
// development and self-hosted deployments.
func WithAllowPrivateHosts() Option {
	return func(v *Validator) {
		v.policy.AllowPrivate = true
	}
}

// New creates a Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	v.client = v.probeClient()
	return v
}

// Policy exposes the validator's host policy for callers that need the
// same rules outside a probe (the webhook notifier).
func (v *Validator) Policy() HostPolicy {
	return v.policy
}

// probeClient builds the HTTP client probes run on. The dialer
// re-checks every resolved address against the policy so DNS cannot
// smuggle a probe into a private range after the name check passed.
func (v *Validator) probeClient() *http.Client {
	dialer := &net.Dialer{Timeout: probeTimeout, KeepAlive: 30 * time.Second}

	return &http.Client{
		Timeout: probeTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: minTLSVersion},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, fmt.Errorf("invalid address: %w", err)
				}
				ips, err := net.LookupIP(host)
				if err != nil {
					return nil, fmt.Errorf("DNS resolution failed: %w", err)
				}
				for _, ip := range ips {
					if err := v.policy.CheckIP(ip); err != nil {
						return nil, err
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// ValidateURL checks a URL's structure. If requireHTTPS is true, only
// HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	_, err := v.parseURL(rawURL, requireHTTPS)
	return err
}

func (v *Validator) parseURL(rawURL string, requireHTTPS bool) (*url.URL, error) {
	if rawURL == "" {
		return nil, ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return nil, ErrHTTPSRequired
		}
	default:
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	return parsed, nil
}

// ValidateWebhookURL vets a notification target: HTTPS only unless the
// policy allows private hosts, and the host must pass the policy's name
// rules. Alert payloads name internal
// calendar URLs, and the target is operator-configurable, so this is
// the endpoint that must not be turnable against the deployment
// itself.
func (v *Validator) ValidateWebhookURL(rawURL string) error {
	requireHTTPS := !v.policy.AllowPrivate
	parsed, err := v.parseURL(rawURL, requireHTTPS)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if err := v.policy.CheckName(parsed.Hostname()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	return nil
}

// ValidateOIDCIssuer validates an OIDC issuer URL by checking its
// discovery endpoint.
func (v *Validator) ValidateOIDCIssuer(ctx context.Context, issuerURL string) error {
	parsed, err := v.parseURL(issuerURL, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOIDCIssuer, err)
	}
	if err := v.policy.CheckName(parsed.Hostname()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOIDCIssuer, err)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidOIDCIssuer, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: discovery endpoint returned status %d", ErrInvalidOIDCIssuer, resp.StatusCode)
	}
	return nil
}

// ValidateCalDAVEndpoint validates a CalDAV endpoint by probing its
// OPTIONS response for the DAV capability header.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if _, err := v.parseURL(endpointURL, !v.policy.AllowPrivate); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidCalDAV, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	// Unauthenticated OPTIONS probes commonly answer 401 while still
	// advertising DAV capabilities.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, resp.StatusCode)
	}

	if resp.Header.Get("DAV") == "" {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}
	return nil
}
