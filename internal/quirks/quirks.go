// Package quirks describes per-provider protocol deviations as data. The
// CalDAV client holds a Profile value and consults it during parsing and
// retries; no provider-specific subclassing exists anywhere.
package quirks

import (
	"net/url"
	"strings"
	"time"
)

// AuthType selects how the transport authenticates requests.
type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
)

// Profile is a value describing the behaviors a specific server needs.
type Profile struct {
	Name string

	// StripETagQuotes unwraps `"abc"` to `abc` on every ETag read. iCloud
	// returns quoted ETags in sync-collection responses; the WebDAV adapter
	// re-adds the quotes when it sends an ETag back in If-Match.
	StripETagQuotes bool

	// TolerateMissingDAVPrefix accepts multistatus elements whose DAV:
	// namespace prefix is absent or replaced by a default namespace.
	TolerateMissingDAVPrefix bool

	// UnwrapCDATA unwraps CDATA sections in text property leaves.
	UnwrapCDATA bool

	// Auth selects basic or bearer authentication on the transport.
	Auth AuthType

	// EventualConsistencyRetries bounds the post-write read-back loop for
	// servers where a fresh PUT is not immediately visible. Zero disables
	// the loop.
	EventualConsistencyRetries int

	// EventualConsistencyBackoff is the base delay of that loop; each
	// retry doubles it.
	EventualConsistencyBackoff time.Duration
}

// Default is the RFC-strict profile: standard ETag unquoting, strict
// namespace handling, basic auth, no read-after-write retries.
func Default() Profile {
	return Profile{
		Name:                       "default",
		StripETagQuotes:            true,
		TolerateMissingDAVPrefix:   false,
		UnwrapCDATA:                false,
		Auth:                       AuthBasic,
		EventualConsistencyRetries: 0,
		EventualConsistencyBackoff: 100 * time.Millisecond,
	}
}

// ICloud is the profile for caldav.icloud.com and its regional
// p##-caldav hosts.
func ICloud() Profile {
	return Profile{
		Name:                       "icloud",
		StripETagQuotes:            true,
		TolerateMissingDAVPrefix:   true,
		UnwrapCDATA:                true,
		Auth:                       AuthBasic,
		EventualConsistencyRetries: 3,
		EventualConsistencyBackoff: 100 * time.Millisecond,
	}
}

// Google is the profile for the Google CalDAV endpoint, which requires
// OAuth bearer tokens.
func Google() Profile {
	return Profile{
		Name:                       "google",
		StripETagQuotes:            true,
		TolerateMissingDAVPrefix:   false,
		UnwrapCDATA:                false,
		Auth:                       AuthBearer,
		EventualConsistencyRetries: 2,
		EventualConsistencyBackoff: 100 * time.Millisecond,
	}
}

// ForURL selects a profile by inspecting the server host. Unknown hosts
// get the default profile.
func ForURL(raw string) Profile {
	u, err := url.Parse(raw)
	if err != nil {
		return Default()
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "caldav.icloud.com" || strings.HasSuffix(host, ".icloud.com"):
		return ICloud()
	case strings.HasSuffix(host, "googleusercontent.com") || strings.HasSuffix(host, "google.com"):
		return Google()
	default:
		return Default()
	}
}

// ByName resolves a profile from a configuration string. Unknown names
// fall back to the default profile.
func ByName(name string) Profile {
	switch strings.ToLower(name) {
	case "icloud":
		return ICloud()
	case "google":
		return Google()
	default:
		return Default()
	}
}

// StripQuotes removes one pair of enclosing double quotes, when the
// profile asks for it. Idempotent.
func (p Profile) StripQuotes(etag string) string {
	if !p.StripETagQuotes {
		return etag
	}
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}
