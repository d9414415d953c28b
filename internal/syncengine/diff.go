package syncengine

import (
	"context"
	"fmt"
	"log"

	"github.com/calsync/caldavcore/internal/model"
)

// applyFull replaces the local view with the server list: server events
// that are new or whose ETag moved are upserted, local uids absent from
// the server are deleted. Returns the fresh state seeded from the
// server list.
func (e *Engine) applyFull(ctx context.Context, calendarURL string, prev *model.SyncState, serverEvents []model.EventWithMetadata, provider LocalEventProvider, handler SyncResultHandler, report *SyncReport) (*model.SyncState, error) {
	local, err := provider.GetLocalEvents(ctx, calendarURL)
	if err != nil {
		return nil, fmt.Errorf("reading local events: %w", err)
	}
	localByUID := make(map[string]LocalEvent, len(local))
	for _, le := range local {
		localByUID[le.UID] = le
	}

	newState := model.NewSyncState(calendarURL)
	seen := make(map[string]bool, len(serverEvents))

	for i := range serverEvents {
		ewm := &serverEvents[i]
		uid := ewm.Event.UID
		if uid == "" {
			log.Printf("syncengine: server resource %s has no uid, skipping", ewm.Href)
			continue
		}
		seen[uid] = true
		newState.Upsert(uid, ewm.Href, ewm.ETag)

		prior, known := localByUID[uid]
		if known && ewm.ETag != "" {
			stored := prior.ETag
			if stored == "" && prev != nil {
				stored = prev.ETags[ewm.Href]
			}
			if stored == ewm.ETag {
				// Unchanged since last sync.
				continue
			}
		}
		if err := handler.UpsertEvent(ewm.Event); err != nil {
			return nil, fmt.Errorf("upserting %s: %w", uid, err)
		}
		if err := handler.RecordETag(uid, ewm.Href, ewm.ETag); err != nil {
			return nil, fmt.Errorf("recording etag for %s: %w", uid, err)
		}
		report.Upserts++
	}

	for _, le := range local {
		if seen[le.UID] {
			continue
		}
		if err := handler.DeleteEvent(le.UID); err != nil {
			return nil, fmt.Errorf("deleting %s: %w", le.UID, err)
		}
		report.Deletes++
	}

	return newState, nil
}

// applyIncremental folds a sync-collection result into a clone of the
// previous state. Upserts use the server event verbatim; merging any
// unsynced local edits is the push pipeline's concern.
func (e *Engine) applyIncremental(ctx context.Context, calendarURL string, prev *model.SyncState, increment *model.SyncResult, provider LocalEventProvider, handler SyncResultHandler, report *SyncReport) (*model.SyncState, error) {
	newState := prev.Clone()
	if newState == nil {
		newState = model.NewSyncState(calendarURL)
	}

	for i := range increment.Added {
		ewm := &increment.Added[i]
		uid := ewm.Event.UID
		if uid == "" {
			log.Printf("syncengine: incremental resource %s has no uid, skipping", ewm.Href)
			continue
		}
		if err := handler.UpsertEvent(ewm.Event); err != nil {
			return nil, fmt.Errorf("upserting %s: %w", uid, err)
		}
		if err := handler.RecordETag(uid, ewm.Href, ewm.ETag); err != nil {
			return nil, fmt.Errorf("recording etag for %s: %w", uid, err)
		}
		newState.Upsert(uid, ewm.Href, ewm.ETag)
		report.Upserts++
	}

	for _, href := range increment.Deleted {
		uid, ok := newState.UIDForHref(href)
		if !ok {
			if resolver, can := provider.(HrefResolver); can {
				uid, ok = resolver.UIDForHref(ctx, href)
			}
		}
		if !ok || uid == "" {
			log.Printf("syncengine: tombstone for unknown href %s, ignoring", href)
			continue
		}
		if err := handler.DeleteEvent(uid); err != nil {
			return nil, fmt.Errorf("deleting %s: %w", uid, err)
		}
		newState.RemoveByHref(href, uid)
		report.Deletes++
	}

	return newState, nil
}
