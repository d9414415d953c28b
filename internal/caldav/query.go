package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/calsync/caldavcore/internal/ical"
	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/webdav"
)

const timeRangeLayout = "20060102T150405Z"

var (
	nameGetETag      = xml.Name{Space: webdav.NamespaceDAV, Local: "getetag"}
	nameCalendarData = xml.Name{Space: webdav.NamespaceCalDAV, Local: "calendar-data"}
)

// FetchEvents runs a calendar-query REPORT for VEVENT resources,
// optionally bounded by a UTC time range, and materializes each
// response into an event. Resources whose calendar-data fails to parse
// are logged and skipped; they never fail the batch.
func (c *Client) FetchEvents(ctx context.Context, calendarURL string, start, end *time.Time) ([]model.EventWithMetadata, error) {
	body := BuildCalendarQueryBody(start, end, true)
	ms, err := c.adapter.Report(ctx, calendarURL, 1, body, c.quirks)
	if err != nil {
		return nil, err
	}

	events := make([]model.EventWithMetadata, 0, len(ms.Responses))
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if resp.NotFound() {
			continue
		}
		ewm, ok := c.materialize(resp)
		if !ok {
			continue
		}
		events = append(events, *ewm)
	}
	return events, nil
}

// FetchEtagsInRange runs the ETag-only variant of the calendar-query:
// the request asks for getetag alone, never calendar-data.
func (c *Client) FetchEtagsInRange(ctx context.Context, calendarURL string, start, end time.Time) ([]model.ResourceHref, error) {
	body := BuildCalendarQueryBody(&start, &end, false)
	ms, err := c.adapter.Report(ctx, calendarURL, 1, body, c.quirks)
	if err != nil {
		return nil, err
	}

	etags := make([]model.ResourceHref, 0, len(ms.Responses))
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if resp.NotFound() || resp.Href == "" {
			continue
		}
		p, ok := resp.Prop(nameGetETag, c.quirks)
		if !ok {
			continue
		}
		etags = append(etags, model.ResourceHref{
			Href: resp.Href,
			ETag: c.quirks.StripQuotes(p.Text),
		})
	}
	return etags, nil
}

// FetchEventsByHref runs a calendar-multiget for the given hrefs. An
// empty href list returns immediately without a network call. Per-href
// 404 entries are dropped: the resource vanished between report and
// multiget, which the next sync reconciles.
func (c *Client) FetchEventsByHref(ctx context.Context, calendarURL string, hrefs []string) ([]model.EventWithMetadata, error) {
	if len(hrefs) == 0 {
		return []model.EventWithMetadata{}, nil
	}

	body := BuildMultigetBody(hrefs)
	ms, err := c.adapter.Report(ctx, calendarURL, 1, body, c.quirks)
	if err != nil {
		return nil, err
	}

	events := make([]model.EventWithMetadata, 0, len(hrefs))
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if resp.NotFound() {
			continue
		}
		ewm, ok := c.materialize(resp)
		if !ok {
			continue
		}
		events = append(events, *ewm)
	}
	return events, nil
}

// materialize parses one multistatus response into an event with its
// addressing metadata. Returns false when the entry has no usable
// calendar-data.
func (c *Client) materialize(resp *webdav.Response) (*model.EventWithMetadata, bool) {
	data, ok := resp.Prop(nameCalendarData, c.quirks)
	if !ok || strings.TrimSpace(data.Text) == "" {
		return nil, false
	}

	parsed, err := ical.Parse(data.Text)
	if err != nil || len(parsed) == 0 {
		log.Printf("caldav: skipping unparseable resource %s: %v", resp.Href, err)
		return nil, false
	}

	ewm := &model.EventWithMetadata{
		Href:  resp.Href,
		Event: pickPrimary(parsed),
	}
	if p, ok := resp.Prop(nameGetETag, c.quirks); ok {
		ewm.ETag = c.quirks.StripQuotes(p.Text)
	}
	return ewm, true
}

// pickPrimary selects the master event of a parsed VCALENDAR: the one
// without a recurrence-id, falling back to the first component when the
// body carries only overrides.
func pickPrimary(events []model.Event) model.Event {
	for _, e := range events {
		if e.RecurrenceID == nil {
			return e
		}
	}
	return events[0]
}

// BuildCalendarQueryBody emits an RFC 4791 §7.8 calendar-query body.
// When includeData is false the request asks only for getetag; the
// body must not mention calendar-data at all.
func BuildCalendarQueryBody(start, end *time.Time, includeData bool) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<C:calendar-query xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` + "\n")
	b.WriteString("  <prop>\n    <getetag/>\n")
	if includeData {
		b.WriteString("    <C:calendar-data/>\n")
	}
	b.WriteString("  </prop>\n")
	b.WriteString("  <C:filter>\n")
	b.WriteString(`    <C:comp-filter name="VCALENDAR">` + "\n")
	b.WriteString(`      <C:comp-filter name="VEVENT">` + "\n")
	if start != nil && end != nil {
		fmt.Fprintf(&b, `        <C:time-range start="%s" end="%s"/>`+"\n",
			start.UTC().Format(timeRangeLayout), end.UTC().Format(timeRangeLayout))
	}
	b.WriteString("      </C:comp-filter>\n")
	b.WriteString("    </C:comp-filter>\n")
	b.WriteString("  </C:filter>\n")
	b.WriteString("</C:calendar-query>\n")
	return b.String()
}

// BuildMultigetBody emits an RFC 4791 §7.9 calendar-multiget body for
// the given hrefs.
func BuildMultigetBody(hrefs []string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<C:calendar-multiget xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` + "\n")
	b.WriteString("  <prop>\n    <getetag/>\n    <C:calendar-data/>\n  </prop>\n")
	for _, href := range hrefs {
		fmt.Fprintf(&b, "  <href>%s</href>\n", webdav.EscapeXML(href))
	}
	b.WriteString("</C:calendar-multiget>\n")
	return b.String()
}
