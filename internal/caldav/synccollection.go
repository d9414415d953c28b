package caldav

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/calsync/caldavcore/internal/ical"
	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/webdav"
)

// SyncCollection issues an RFC 6578 sync-collection REPORT against the
// calendar and classifies each response entry:
//
//   - a 404/410 status (top-level or propstat) appends the href to
//     Deleted — a tombstone;
//   - inline calendar-data is parsed into Added;
//   - an ETag without calendar-data (the iCloud style) is appended to
//     AddedHrefs for a follow-up multiget, as is an entry whose inline
//     data fails to parse, so the multiget retry path can isolate it.
//
// Duplicate hrefs are de-duplicated by last occurrence; iCloud has been
// observed to emit the same href twice in one report. An expired token
// surfaces as the 403/410 HTTP variant, which the sync engine treats as
// the fall-back-to-full-sync signal.
func (c *Client) SyncCollection(ctx context.Context, calendarURL, syncToken string) (*model.SyncResult, error) {
	body := BuildSyncCollectionBody(syncToken)
	ms, err := c.adapter.Report(ctx, calendarURL, 1, body, c.quirks)
	if err != nil {
		return nil, err
	}

	result := &model.SyncResult{
		Added:        make([]model.EventWithMetadata, 0),
		Deleted:      make([]string, 0),
		AddedHrefs:   make([]model.ResourceHref, 0),
		NewSyncToken: ms.SyncToken,
	}

	// Walk responses last-to-first so the last occurrence of a
	// duplicated href wins, then restore report order.
	seen := make(map[string]bool, len(ms.Responses))
	type classified struct {
		index int
		resp  *webdav.Response
	}
	kept := make([]classified, 0, len(ms.Responses))
	for i := len(ms.Responses) - 1; i >= 0; i-- {
		resp := &ms.Responses[i]
		if resp.Href == "" || seen[resp.Href] {
			continue
		}
		seen[resp.Href] = true
		kept = append(kept, classified{index: i, resp: resp})
	}
	for i := len(kept) - 1; i >= 0; i-- {
		c.classifySyncEntry(kept[i].resp, result)
	}

	return result, nil
}

func (c *Client) classifySyncEntry(resp *webdav.Response, result *model.SyncResult) {
	if resp.NotFound() {
		result.Deleted = append(result.Deleted, resp.Href)
		return
	}

	etag := ""
	if p, ok := resp.Prop(nameGetETag, c.quirks); ok {
		etag = c.quirks.StripQuotes(p.Text)
	}

	data, ok := resp.Prop(nameCalendarData, c.quirks)
	if !ok || strings.TrimSpace(data.Text) == "" {
		if etag != "" {
			result.AddedHrefs = append(result.AddedHrefs, model.ResourceHref{Href: resp.Href, ETag: etag})
		}
		return
	}

	parsed, err := ical.Parse(data.Text)
	if err != nil || len(parsed) == 0 {
		log.Printf("caldav: sync entry %s has unparseable calendar-data, deferring to multiget: %v", resp.Href, err)
		result.AddedHrefs = append(result.AddedHrefs, model.ResourceHref{Href: resp.Href, ETag: etag})
		return
	}

	result.Added = append(result.Added, model.EventWithMetadata{
		Href:  resp.Href,
		ETag:  etag,
		Event: pickPrimary(parsed),
	})
}

// BuildSyncCollectionBody emits an RFC 6578 §3 sync-collection body.
// An empty token element requests the initial full report.
func BuildSyncCollectionBody(syncToken string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<sync-collection xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` + "\n")
	if syncToken != "" {
		fmt.Fprintf(&b, "  <sync-token>%s</sync-token>\n", webdav.EscapeXML(syncToken))
	} else {
		b.WriteString("  <sync-token/>\n")
	}
	b.WriteString("  <sync-level>1</sync-level>\n")
	b.WriteString("  <prop>\n    <getetag/>\n    <C:calendar-data/>\n  </prop>\n")
	b.WriteString("</sync-collection>\n")
	return b.String()
}
