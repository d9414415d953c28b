// Package transport builds the shared HTTP client the CalDAV stack runs
// on: TLS floor, connection pooling, request rate limiting, and the
// authentication mode the quirk profile selects.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/emersion/go-webdav"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/calsync/caldavcore/internal/quirks"
)

var (
	ErrInvalidOptions = errors.New("invalid transport options")
)

const (
	minTLSVersion  = tls.VersionTLS12
	connectTimeout = 30 * time.Second
	readTimeout    = 300 * time.Second
	writeTimeout   = 60 * time.Second
)

// Options configures a Client.
type Options struct {
	// Username and Password are used when the quirk profile selects basic
	// auth.
	Username string
	Password string

	// TokenSource supplies bearer tokens when the quirk profile selects
	// bearer auth.
	TokenSource oauth2.TokenSource

	// RPS and Burst bound the request rate against the server. Zero RPS
	// disables limiting.
	RPS   float64
	Burst int
}

// Client wraps an *http.Client with a shared rate limiter. Calls against
// disjoint calendars go through the same limiter so they share one
// server-side budget.
type Client struct {
	http    webdav.HTTPClient
	limiter *rate.Limiter
}

// New builds a Client for the given quirk profile.
func New(profile quirks.Profile, opts Options) (*Client, error) {
	httpClient := &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: writeTimeout,
		},
	}

	var doer webdav.HTTPClient
	switch profile.Auth {
	case quirks.AuthBearer:
		if opts.TokenSource == nil {
			return nil, fmt.Errorf("%w: bearer auth requires a token source", ErrInvalidOptions)
		}
		doer = &http.Client{
			Timeout: httpClient.Timeout,
			Transport: &oauth2.Transport{
				Source: opts.TokenSource,
				Base:   httpClient.Transport,
			},
		}
	default:
		if opts.Username == "" {
			return nil, fmt.Errorf("%w: basic auth requires a username", ErrInvalidOptions)
		}
		doer = webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password)
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{http: doer, limiter: limiter}, nil
}

// Do executes the request after waiting for a rate-limiter slot.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

// Wait blocks until a limiter slot is available, for callers that need
// to pace non-request work (the eventual-consistency read loop).
func (c *Client) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
