package push

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync/caldavcore/internal/caldav"
	"github.com/calsync/caldavcore/internal/model"
)

// Strategy selects how a parked conflict is resolved.
type Strategy string

const (
	// ServerWins drops the local operation and hands the server version
	// back to the local store.
	ServerWins Strategy = "server_wins"
	// LocalWins re-reads the server ETag and replays the local operation
	// against it.
	LocalWins Strategy = "local_wins"
	// NewestWins compares dtstamp (falling back to last-modified) of the
	// local and server versions; ties go to the server.
	NewestWins Strategy = "newest_wins"
	// Manual invokes a host-supplied merger and replays its result.
	Manual Strategy = "manual"
)

// Merger combines the local and server versions of an event during
// Manual resolution.
type Merger func(local, server *model.Event) *model.Event

// ResolveConflict resolves a parked operation by id. For Manual the
// merger is required; other strategies ignore it. The resolved
// operation leaves both the conflict queue and the pending store; a
// resolution that fails, for any reason, re-parks the operation.
func (p *Pipeline) ResolveConflict(ctx context.Context, opID string, strategy Strategy, merger Merger) error {
	op, ok := p.takeConflict(opID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOpNotFound, opID)
	}

	err := p.resolve(ctx, op, strategy, merger)
	if err != nil {
		p.reparkConflict(op)
		return err
	}
	if removeErr := p.store.Remove(op.ID); removeErr != nil {
		log.Printf("push: resolved op %s could not be removed: %v", op.ID, removeErr)
	}
	return nil
}

func (p *Pipeline) resolve(ctx context.Context, op *model.PendingOperation, strategy Strategy, merger Merger) error {
	switch strategy {
	case ServerWins:
		return p.applyServerVersion(ctx, op)

	case LocalWins:
		return p.replayWithFreshETag(ctx, op, op.Event)

	case NewestWins:
		server, err := p.client.GetEvent(ctx, op.Href)
		if err != nil {
			if model.IsHTTPStatus(err, 404) {
				// The contested resource is gone; replaying the local
				// version recreates it, which is what "local is newer
				// than nothing" means.
				return p.replayWithFreshETag(ctx, op, op.Event)
			}
			return err
		}
		if op.Event != nil && eventTimestamp(op.Event).After(eventTimestamp(&server.Event)) {
			return p.replayWithFreshETag(ctx, op, op.Event)
		}
		// Server newer, or tie: the server wins for determinism.
		return p.applyLocalCopy(server)

	case Manual:
		if merger == nil {
			return model.NewArgumentError("manual resolution requires a merger")
		}
		server, err := p.client.GetEvent(ctx, op.Href)
		if err != nil {
			return err
		}
		merged := merger(op.Event, &server.Event)
		if merged == nil {
			return model.NewArgumentError("merger returned no event")
		}
		return p.replayWithFreshETag(ctx, op, merged)

	default:
		return model.NewArgumentError(fmt.Sprintf("unknown strategy %q", strategy))
	}
}

// applyServerVersion fetches the server copy and hands it to the local
// store, discarding local intent.
func (p *Pipeline) applyServerVersion(ctx context.Context, op *model.PendingOperation) error {
	server, err := p.client.GetEvent(ctx, op.Href)
	if err != nil {
		if model.IsHTTPStatus(err, 404) {
			// Conflict on a resource the server no longer has: nothing
			// to apply, the local op is simply dropped.
			return nil
		}
		return err
	}
	return p.applyLocalCopy(server)
}

func (p *Pipeline) applyLocalCopy(server *model.EventWithMetadata) error {
	if p.applier == nil {
		return nil
	}
	if err := p.applier.UpsertEvent(server.Event); err != nil {
		return err
	}
	return p.applier.RecordETag(server.Event.UID, server.Href, server.ETag)
}

// replayWithFreshETag re-reads the server ETag and re-executes the
// operation against it. A parked create has no href yet (the 412 meant
// "resource exists"), so its canonical href is derived from the uid.
func (p *Pipeline) replayWithFreshETag(ctx context.Context, op *model.PendingOperation, event *model.Event) error {
	if op.Href == "" {
		if event == nil {
			return model.NewArgumentError("replay requires an event")
		}
		href, err := caldav.BuildEventURL(op.CalendarURL, event.UID)
		if err != nil {
			return err
		}
		op.Href = href
	}
	fresh, err := p.client.GetEventETag(ctx, op.Href)
	if err != nil && !model.IsHTTPStatus(err, 404) {
		return err
	}

	switch op.Kind {
	case model.OpDelete:
		return p.client.DeleteEvent(ctx, op.Href, fresh)
	default:
		if event == nil {
			return model.NewArgumentError("replay requires an event")
		}
		etag, err := p.client.UpdateEvent(ctx, op.Href, event, fresh)
		if err != nil {
			return err
		}
		p.recordETag(event.UID, op.Href, etag)
		return nil
	}
}

// eventTimestamp orders events for NewestWins: dtstamp primarily,
// last-modified as fallback.
func eventTimestamp(e *model.Event) time.Time {
	if !e.DTStamp.IsZero() {
		return e.DTStamp
	}
	return e.LastModified
}
