// Package webdav assembles WebDAV requests and parses multistatus
// responses. The adapter is stateless: every fault it can encounter is
// converted into a *model.DavError; nothing is thrown past this
// boundary.
package webdav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/quirks"
)

// maxResponseBytes bounds how much of a response body is read. Larger
// bodies are refused to prevent memory exhaustion.
const maxResponseBytes = 10 << 20

// HTTPDoer is the transport contract the adapter runs on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PutResult carries the server's answer to a PUT.
type PutResult struct {
	URL  string
	ETag string
}

// Adapter issues WebDAV requests over an injected transport.
type Adapter struct {
	http HTTPDoer
}

// NewAdapter creates an Adapter on the given transport.
func NewAdapter(doer HTTPDoer) *Adapter {
	return &Adapter{http: doer}
}

// Propfind issues a PROPFIND for the named properties at the given depth
// and parses the multistatus answer.
func (a *Adapter) Propfind(ctx context.Context, url string, depth int, props []PropName, q quirks.Profile) (*Multistatus, error) {
	body := BuildPropfindBody(props)
	return a.multistatusRequest(ctx, "PROPFIND", url, depth, body, q)
}

// Report issues a REPORT with a caller-built XML body and parses the
// multistatus answer.
func (a *Adapter) Report(ctx context.Context, url string, depth int, xmlBody string, q quirks.Profile) (*Multistatus, error) {
	return a.multistatusRequest(ctx, "REPORT", url, depth, xmlBody, q)
}

// Put uploads a resource body. ifMatch and ifNoneMatch are emitted as
// the corresponding precondition headers when non-empty; pass
// ifNoneMatch="*" for create-only semantics.
func (a *Adapter) Put(ctx context.Context, url string, body []byte, contentType, ifMatch, ifNoneMatch string) (PutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return PutResult{}, model.NewArgumentError(fmt.Sprintf("invalid url %q: %v", url, err))
	}
	req.Header.Set("Content-Type", contentType)
	if ifMatch != "" {
		req.Header.Set("If-Match", quoteETag(ifMatch))
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return PutResult{}, model.NewNetworkError("put failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PutResult{}, httpError(resp)
	}
	drain(resp.Body)

	result := PutResult{URL: url, ETag: strings.TrimSpace(resp.Header.Get("ETag"))}
	if loc := resp.Header.Get("Location"); loc != "" {
		result.URL = loc
	}
	return result, nil
}

// Delete removes a resource, optionally guarded by If-Match.
func (a *Adapter) Delete(ctx context.Context, url string, ifMatch string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return model.NewArgumentError(fmt.Sprintf("invalid url %q: %v", url, err))
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", quoteETag(ifMatch))
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return model.NewNetworkError("delete failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	drain(resp.Body)
	return nil
}

// MkCalendar creates a calendar collection with the given display
// properties.
func (a *Adapter) MkCalendar(ctx context.Context, url string, displayName, description string) error {
	body := BuildMkCalendarBody(displayName, description)
	req, err := http.NewRequestWithContext(ctx, "MKCALENDAR", url, strings.NewReader(body))
	if err != nil {
		return model.NewArgumentError(fmt.Sprintf("invalid url %q: %v", url, err))
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := a.http.Do(req)
	if err != nil {
		return model.NewNetworkError("mkcalendar failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	drain(resp.Body)
	return nil
}

func (a *Adapter) multistatusRequest(ctx context.Context, method, url string, depth int, body string, q quirks.Profile) (*Multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return nil, model.NewArgumentError(fmt.Sprintf("invalid url %q: %v", url, err))
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", fmt.Sprintf("%d", depth))

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(fmt.Sprintf("%s failed", strings.ToLower(method)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, httpError(resp)
	}

	raw, err := readBounded(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseMultistatus(raw, q)
}

// readBounded reads at most maxResponseBytes; anything longer is refused.
func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return nil, model.NewNetworkError("reading response body", err)
	}
	if len(data) > maxResponseBytes {
		return nil, model.NewHTTPError(0, "response too large", "")
	}
	return data, nil
}

// httpError converts a non-success response into the HTTP variant,
// keeping a bounded excerpt of the body for diagnostics.
func httpError(resp *http.Response) *model.DavError {
	const excerptLimit = 4 << 10
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, excerptLimit))
	return model.NewHTTPError(resp.StatusCode, resp.Status, string(excerpt))
}

// quoteETag re-adds the quoting If-Match requires. Already-quoted and
// wildcard values pass through.
func quoteETag(etag string) string {
	if etag == "*" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return `"` + etag + `"`
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxResponseBytes))
}
