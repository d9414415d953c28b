package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/syncengine"
)

// LocalStore is the per-calendar event repository. It plays three roles
// against the core: the sync engine's read-side provider, its
// change-applying handler, and the push pipeline's write-back target —
// all of which must be idempotent, which the upsert semantics below
// give for free.
type LocalStore struct {
	store       *Store
	calendarURL string
}

// Events returns the repository view for one calendar.
func (s *Store) Events(calendarURL string) *LocalStore {
	return &LocalStore{store: s, calendarURL: calendarURL}
}

// GetLocalEvents lists every event stored for the calendar.
func (l *LocalStore) GetLocalEvents(ctx context.Context, calendarURL string) ([]syncengine.LocalEvent, error) {
	rows, err := l.store.conn.QueryContext(ctx, `
		SELECT uid, etag, data FROM events WHERE calendar_url = ?`, calendarURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []syncengine.LocalEvent
	for rows.Next() {
		var uid, etag, data string
		if err := rows.Scan(&uid, &etag, &data); err != nil {
			return nil, err
		}
		var event model.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("decoding stored event %s: %w", uid, err)
		}
		events = append(events, syncengine.LocalEvent{UID: uid, ETag: etag, Event: event})
	}
	return events, rows.Err()
}

// UIDForHref resolves a stored href back to its uid, the fallback the
// engine uses for tombstones the cursor never recorded.
func (l *LocalStore) UIDForHref(ctx context.Context, href string) (string, bool) {
	var uid string
	err := l.store.conn.QueryRowContext(ctx, `
		SELECT uid FROM events WHERE calendar_url = ? AND href = ?`, l.calendarURL, href).Scan(&uid)
	if err != nil {
		return "", false
	}
	return uid, true
}

// UpsertEvent stores the server version of an event, replacing any
// local copy.
func (l *LocalStore) UpsertEvent(event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.UID, err)
	}
	_, err = l.store.conn.Exec(`
		INSERT INTO events (calendar_url, uid, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(calendar_url, uid) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		l.calendarURL, event.UID, string(data))
	return err
}

// DeleteEvent removes an event. Deleting an absent uid is a no-op, per
// the handler's idempotence contract.
func (l *LocalStore) DeleteEvent(uid string) error {
	_, err := l.store.conn.Exec(`
		DELETE FROM events WHERE calendar_url = ? AND uid = ?`, l.calendarURL, uid)
	return err
}

// RecordETag stores the addressing metadata for an event.
func (l *LocalStore) RecordETag(uid, href, etag string) error {
	_, err := l.store.conn.Exec(`
		UPDATE events SET href = ?, etag = ?, updated_at = CURRENT_TIMESTAMP
		WHERE calendar_url = ? AND uid = ?`, href, etag, l.calendarURL, uid)
	return err
}

// Get reads one stored event.
func (l *LocalStore) Get(uid string) (*model.Event, string, error) {
	var data, etag string
	err := l.store.conn.QueryRow(`
		SELECT data, etag FROM events WHERE calendar_url = ? AND uid = ?`, l.calendarURL, uid).Scan(&data, &etag)
	if err != nil {
		return nil, "", fmt.Errorf("%w: event %s", ErrNotFound, uid)
	}
	var event model.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, "", fmt.Errorf("decoding stored event %s: %w", uid, err)
	}
	return &event, etag, nil
}

// Count returns the number of events stored for the calendar.
func (l *LocalStore) Count() (int, error) {
	var n int
	err := l.store.conn.QueryRow(`
		SELECT COUNT(*) FROM events WHERE calendar_url = ?`, l.calendarURL).Scan(&n)
	return n, err
}
