package store

import (
	"encoding/json"
	"fmt"

	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/push"
)

// PendingStore is the durable push.PendingStore: queued operations
// survive process restarts, and terminally failed ones are archived
// (dropped flag) instead of deleted so an operator can inspect what was
// given up on.
type PendingStore struct {
	store       *Store
	calendarURL string
}

var _ push.PendingStore = (*PendingStore)(nil)

// Pending returns the durable pending queue for one calendar.
func (s *Store) Pending(calendarURL string) *PendingStore {
	return &PendingStore{store: s, calendarURL: calendarURL}
}

func (p *PendingStore) Append(op *model.PendingOperation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation %s: %w", op.ID, err)
	}
	_, err = p.store.conn.Exec(`
		INSERT INTO pending_operations (id, calendar_url, seq, payload)
		VALUES (?, ?, ?, ?)`, op.ID, p.calendarURL, op.Sequence, string(payload))
	return err
}

func (p *PendingStore) List() ([]*model.PendingOperation, error) {
	rows, err := p.store.conn.Query(`
		SELECT payload FROM pending_operations
		WHERE calendar_url = ? AND dropped = 0
		ORDER BY seq`, p.calendarURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*model.PendingOperation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("decoding pending operation: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (p *PendingStore) Remove(id string) error {
	res, err := p.store.conn.Exec(`
		DELETE FROM pending_operations WHERE id = ? AND calendar_url = ?`, id, p.calendarURL)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

func (p *PendingStore) Replace(id string, op *model.PendingOperation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation %s: %w", op.ID, err)
	}
	res, err := p.store.conn.Exec(`
		UPDATE pending_operations SET id = ?, seq = ?, payload = ?
		WHERE id = ? AND calendar_url = ? AND dropped = 0`,
		op.ID, op.Sequence, string(payload), id, p.calendarURL)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

// Drop archives a terminally failed operation rather than deleting it.
func (p *PendingStore) Drop(id string) error {
	res, err := p.store.conn.Exec(`
		UPDATE pending_operations SET dropped = 1
		WHERE id = ? AND calendar_url = ?`, id, p.calendarURL)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

// Dropped lists archived operations for inspection.
func (p *PendingStore) Dropped() ([]*model.PendingOperation, error) {
	rows, err := p.store.conn.Query(`
		SELECT payload FROM pending_operations
		WHERE calendar_url = ? AND dropped = 1
		ORDER BY seq`, p.calendarURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*model.PendingOperation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("decoding dropped operation: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
