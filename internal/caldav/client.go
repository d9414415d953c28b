// Package caldav is the protocol-facing CalDAV client: discovery,
// collection property reads, calendar-query, calendar-multiget,
// sync-collection reports, and event CRUD with ETag preconditions.
// Server deviations are handled through the quirk profile the client is
// constructed with; every failure surfaces as a *model.DavError.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calsync/caldavcore/internal/ical"
	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/quirks"
	"github.com/calsync/caldavcore/internal/webdav"
)

const contentTypeCalendar = "text/calendar; charset=utf-8"

// CalendarInfo describes one discovered calendar collection.
type CalendarInfo struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	CTag        string `json:"ctag"`
	SyncToken   string `json:"sync_token"`
}

// Account is the result of discovery: the principal, the calendar home,
// and the event calendars under it.
type Account struct {
	PrincipalURL string         `json:"principal_url"`
	HomeSetURL   string         `json:"home_set_url"`
	Calendars    []CalendarInfo `json:"calendars"`
}

// Client issues CalDAV operations against one server.
type Client struct {
	adapter *webdav.Adapter
	http    webdav.HTTPDoer
	base    *url.URL
	quirks  quirks.Profile
}

// NewClient creates a client for the given base URL, transport, and
// quirk profile.
func NewClient(baseURL string, doer webdav.HTTPDoer, profile quirks.Profile) (*Client, error) {
	if baseURL == "" {
		return nil, model.NewArgumentError("base URL is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, model.NewArgumentError(fmt.Sprintf("invalid base URL %q", baseURL))
	}
	return &Client{
		adapter: webdav.NewAdapter(doer),
		http:    doer,
		base:    base,
		quirks:  profile,
	}, nil
}

// Quirks returns the profile the client was built with.
func (c *Client) Quirks() quirks.Profile {
	return c.quirks
}

// resolve turns a server-relative href into an absolute URL against the
// client's base. Absolute hrefs pass through.
func (c *Client) resolve(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return c.base.ResolveReference(u).String()
}

// DiscoverAccount walks the discovery chain: current-user-principal,
// calendar-home-set, then a Depth:1 listing of the home filtered to
// calendar collections.
func (c *Client) DiscoverAccount(ctx context.Context) (*Account, error) {
	principal, err := c.findPrincipal(ctx)
	if err != nil {
		return nil, err
	}

	homeSet, err := c.findHomeSet(ctx, principal)
	if err != nil {
		return nil, err
	}

	calendars, err := c.listCalendars(ctx, homeSet)
	if err != nil {
		return nil, err
	}

	return &Account{
		PrincipalURL: principal,
		HomeSetURL:   homeSet,
		Calendars:    calendars,
	}, nil
}

func (c *Client) findPrincipal(ctx context.Context) (string, error) {
	props := []webdav.PropName{webdav.PropCurrentUserPrincipal}

	// Try the well-known path first; regional redirects are followed by
	// the transport.
	wellKnown := c.resolve("/.well-known/caldav")
	ms, err := c.adapter.Propfind(ctx, wellKnown, 0, props, c.quirks)
	if err != nil {
		ms, err = c.adapter.Propfind(ctx, c.base.String(), 0, props, c.quirks)
		if err != nil {
			return "", err
		}
	}

	href := c.firstHrefProp(ms, xml.Name{Space: webdav.NamespaceDAV, Local: "current-user-principal"})
	if href == "" {
		return "", model.NewParseError("no current-user-principal in response", nil)
	}
	return c.resolve(href), nil
}

func (c *Client) findHomeSet(ctx context.Context, principalURL string) (string, error) {
	ms, err := c.adapter.Propfind(ctx, principalURL, 0, []webdav.PropName{webdav.PropCalendarHomeSet}, c.quirks)
	if err != nil {
		return "", err
	}
	href := c.firstHrefProp(ms, xml.Name{Space: webdav.NamespaceCalDAV, Local: "calendar-home-set"})
	if href == "" {
		return "", model.NewParseError("no calendar-home-set in response", nil)
	}
	return c.resolve(href), nil
}

func (c *Client) listCalendars(ctx context.Context, homeSetURL string) ([]CalendarInfo, error) {
	props := []webdav.PropName{
		webdav.PropResourceType,
		webdav.PropDisplayName,
		webdav.PropCalendarColor,
		webdav.PropSupportedComponents,
		webdav.PropGetCTag,
		webdav.PropSyncToken,
	}
	ms, err := c.adapter.Propfind(ctx, homeSetURL, 1, props, c.quirks)
	if err != nil {
		return nil, err
	}

	calendars := make([]CalendarInfo, 0, len(ms.Responses))
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		rt, ok := resp.Prop(xml.Name{Space: webdav.NamespaceDAV, Local: "resourcetype"}, c.quirks)
		if !ok || !isCalendarResourceType(rt.Raw) {
			continue
		}

		info := CalendarInfo{URL: c.resolve(resp.Href)}
		if p, ok := resp.Prop(xml.Name{Space: webdav.NamespaceDAV, Local: "displayname"}, c.quirks); ok {
			info.DisplayName = p.Text
		}
		if p, ok := resp.Prop(xml.Name{Space: "http://apple.com/ns/ical/", Local: "calendar-color"}, c.quirks); ok {
			info.Color = p.Text
		}
		if p, ok := resp.Prop(xml.Name{Space: webdav.NamespaceCalendarServer, Local: "getctag"}, c.quirks); ok {
			info.CTag = c.quirks.StripQuotes(p.Text)
		}
		if p, ok := resp.Prop(xml.Name{Space: webdav.NamespaceDAV, Local: "sync-token"}, c.quirks); ok {
			info.SyncToken = p.Text
		}
		calendars = append(calendars, info)
	}
	return calendars, nil
}

// isCalendarResourceType reports whether a resourcetype fragment
// contains the CalDAV calendar element. The fragment is inner XML cut
// out of the multistatus document, so its namespace prefixes are no
// longer resolvable; the element is matched by local name alone (no
// other WebDAV vocabulary uses a bare "calendar" element).
func isCalendarResourceType(raw string) bool {
	dec := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "calendar" {
			return true
		}
	}
}

// firstHrefProp extracts the first <href> inside the named property of
// any response.
func (c *Client) firstHrefProp(ms *webdav.Multistatus, name xml.Name) string {
	for i := range ms.Responses {
		p, ok := ms.Responses[i].Prop(name, c.quirks)
		if !ok {
			continue
		}
		if href := extractHref(p.Raw); href != "" {
			return href
		}
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// extractHref pulls the text of the first href element out of an XML
// fragment.
func extractHref(raw string) string {
	dec := xml.NewDecoder(strings.NewReader(raw))
	inHref := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "href" {
				inHref = true
			}
		case xml.CharData:
			if inHref {
				if s := strings.TrimSpace(string(t)); s != "" {
					return s
				}
			}
		case xml.EndElement:
			inHref = false
		}
	}
}

// GetCTag reads the CalendarServer collection tag. A missing property
// is not an error: the server simply doesn't support CTags.
func (c *Client) GetCTag(ctx context.Context, calendarURL string) (string, error) {
	return c.readProp(ctx, calendarURL, webdav.PropGetCTag,
		xml.Name{Space: webdav.NamespaceCalendarServer, Local: "getctag"}, true)
}

// GetSyncToken reads the RFC 6578 sync-token, empty if unsupported.
func (c *Client) GetSyncToken(ctx context.Context, calendarURL string) (string, error) {
	return c.readProp(ctx, calendarURL, webdav.PropSyncToken,
		xml.Name{Space: webdav.NamespaceDAV, Local: "sync-token"}, false)
}

func (c *Client) readProp(ctx context.Context, calendarURL string, prop webdav.PropName, name xml.Name, stripQuotes bool) (string, error) {
	ms, err := c.adapter.Propfind(ctx, calendarURL, 0, []webdav.PropName{prop}, c.quirks)
	if err != nil {
		return "", err
	}
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].Prop(name, c.quirks); ok {
			if stripQuotes {
				return c.quirks.StripQuotes(p.Text), nil
			}
			return p.Text, nil
		}
	}
	return "", nil
}

// CreateEvent serializes the event, derives its href from the uid, and
// PUTs it with If-None-Match: * so an existing resource is never
// overwritten. A 412 therefore means "resource exists".
func (c *Client) CreateEvent(ctx context.Context, calendarURL string, event *model.Event) (string, string, error) {
	href, err := BuildEventURL(calendarURL, event.UID)
	if err != nil {
		return "", "", err
	}
	body, err := ical.Generate(event)
	if err != nil {
		return "", "", err
	}

	res, err := c.adapter.Put(ctx, href, []byte(body), contentTypeCalendar, "", "*")
	if err != nil {
		return "", "", err
	}
	c.confirmVisibility(ctx, href)
	return res.URL, c.quirks.StripQuotes(res.ETag), nil
}

// UpdateEvent PUTs a new body at an existing href. When etag is
// non-empty the write is guarded with If-Match; a 412 means the server
// copy moved on.
func (c *Client) UpdateEvent(ctx context.Context, href string, event *model.Event, etag string) (string, error) {
	body, err := ical.Generate(event)
	if err != nil {
		return "", err
	}
	res, err := c.adapter.Put(ctx, c.resolve(href), []byte(body), contentTypeCalendar, etag, "")
	if err != nil {
		return "", err
	}
	c.confirmVisibility(ctx, href)
	return c.quirks.StripQuotes(res.ETag), nil
}

// DeleteEvent removes the resource at href, optionally guarded by
// If-Match.
func (c *Client) DeleteEvent(ctx context.Context, href string, etag string) error {
	return c.adapter.Delete(ctx, c.resolve(href), etag)
}

// GetEventETag reads the current ETag of a single resource, used by
// conflict resolution to replay an operation against the fresh server
// state.
func (c *Client) GetEventETag(ctx context.Context, href string) (string, error) {
	ms, err := c.adapter.Propfind(ctx, c.resolve(href), 0, []webdav.PropName{webdav.PropGetETag}, c.quirks)
	if err != nil {
		return "", err
	}
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].Prop(xml.Name{Space: webdav.NamespaceDAV, Local: "getetag"}, c.quirks); ok {
			return c.quirks.StripQuotes(p.Text), nil
		}
	}
	return "", nil
}

// GetEvent fetches and parses a single resource.
func (c *Client) GetEvent(ctx context.Context, href string) (*model.EventWithMetadata, error) {
	events, err := c.FetchEventsByHref(ctx, c.calendarURLForHref(href), []string{href})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.NewHTTPError(404, "resource absent", "")
	}
	return &events[0], nil
}

// calendarURLForHref derives the parent collection URL of a resource
// href, the REPORT target for single-resource multigets.
func (c *Client) calendarURLForHref(href string) string {
	abs := c.resolve(href)
	if idx := strings.LastIndex(abs, "/"); idx > 0 {
		return abs[:idx+1]
	}
	return abs
}

// MkCalendar creates a calendar collection.
func (c *Client) MkCalendar(ctx context.Context, calendarURL, displayName, description string) error {
	return c.adapter.MkCalendar(ctx, calendarURL, displayName, description)
}

// confirmVisibility performs the bounded read-back loop quirk profiles
// with eventual consistency declare. Non-visibility is logged, never an
// error.
func (c *Client) confirmVisibility(ctx context.Context, href string) {
	retries := c.quirks.EventualConsistencyRetries
	if retries <= 0 {
		return
	}
	backoff := c.quirks.EventualConsistencyBackoff

	for attempt := 0; attempt < retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.resolve(href), nil)
		if err != nil {
			return
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Printf("caldav: %s not yet visible after write, continuing", href)
}

// BuildEventURL derives the canonical resource href for a uid under a
// calendar collection. Every character outside [A-Za-z0-9@.-] is
// replaced with an underscore; inputs that could escape the collection
// path are rejected outright. Deterministic and idempotent.
func BuildEventURL(calendarURL, uid string) (string, error) {
	if calendarURL == "" {
		return "", model.NewArgumentError("calendar URL is required")
	}
	if uid == "" {
		return "", model.NewArgumentError("uid is required")
	}
	if strings.Contains(uid, "..") {
		return "", model.NewArgumentError("path traversal in uid")
	}
	for _, r := range uid {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return "", model.NewArgumentError("path traversal in uid")
		}
	}

	var b strings.Builder
	for _, r := range uid {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '@', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	base := calendarURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + b.String() + ".ics", nil
}
