package model

import "time"

// SyncResult is the parsed outcome of a sync-collection report.
type SyncResult struct {
	// Added holds fully materialized events present in the response.
	Added []EventWithMetadata
	// Deleted holds hrefs the server signaled as gone (404/410).
	Deleted []string
	// AddedHrefs holds hrefs that appeared with an ETag but without inline
	// calendar-data, requiring a follow-up multiget (the iCloud style),
	// and hrefs whose inline calendar-data failed to parse.
	AddedHrefs []ResourceHref
	NewSyncToken string
}

// SyncState is the persistent per-calendar cursor the host stores between
// syncs. The engine never mutates a shared SyncState; it returns a new
// value via Clone-and-modify that the host persists atomically, so crash
// recovery is a matter of which row survived.
type SyncState struct {
	CalendarURL string
	CTag        string
	SyncToken   string
	// ETags maps href -> etag for every resource known as of the last
	// completed sync.
	ETags map[string]string
	// URLMap maps uid -> href, the inverse index needed to resolve a
	// deleted href (from an incremental report) back to a uid.
	URLMap   map[string]string
	LastSync time.Time

	// hrefUID is the reverse of URLMap, maintained alongside it so
	// UIDForHref is O(1) instead of a linear scan over every known event.
	hrefUID map[string]string
}

// NewSyncState creates an empty cursor for a calendar that has never been
// synced.
func NewSyncState(calendarURL string) *SyncState {
	return &SyncState{
		CalendarURL: calendarURL,
		ETags:       make(map[string]string),
		URLMap:      make(map[string]string),
	}
}

// Clone returns a deep copy so the engine can derive a new state without
// mutating the one the caller passed in.
func (s *SyncState) Clone() *SyncState {
	if s == nil {
		return nil
	}
	out := &SyncState{
		CalendarURL: s.CalendarURL,
		CTag:        s.CTag,
		SyncToken:   s.SyncToken,
		LastSync:    s.LastSync,
		ETags:       make(map[string]string, len(s.ETags)),
		URLMap:      make(map[string]string, len(s.URLMap)),
	}
	for k, v := range s.ETags {
		out.ETags[k] = v
	}
	for k, v := range s.URLMap {
		out.URLMap[k] = v
	}
	out.reindex()
	return out
}

// reindex rebuilds the href->uid reverse map from URLMap.
func (s *SyncState) reindex() {
	s.hrefUID = make(map[string]string, len(s.URLMap))
	for uid, href := range s.URLMap {
		s.hrefUID[href] = uid
	}
}

// Upsert records the etag and href/uid mapping for a resource, used by the
// sync engine while applying a diff.
func (s *SyncState) Upsert(uid, href, etag string) {
	if s.ETags == nil {
		s.ETags = make(map[string]string)
	}
	if s.URLMap == nil {
		s.URLMap = make(map[string]string)
	}
	if s.hrefUID == nil {
		s.hrefUID = make(map[string]string)
	}
	s.ETags[href] = etag
	s.URLMap[uid] = href
	s.hrefUID[href] = uid
}

// RemoveByHref drops a resource's etag entry and, if uid is known, its
// urlMap entry.
func (s *SyncState) RemoveByHref(href string, uid string) {
	delete(s.ETags, href)
	if uid != "" {
		delete(s.URLMap, uid)
	}
	delete(s.hrefUID, href)
}

// UIDForHref resolves a previously-seen href to its uid, the reverse
// lookup diffing needs when the server only reports a deleted href.
func (s *SyncState) UIDForHref(href string) (string, bool) {
	if s.hrefUID == nil {
		s.reindex()
	}
	uid, ok := s.hrefUID[href]
	return uid, ok
}
