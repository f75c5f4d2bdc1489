package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// EnqueueWork appends a work item inside the active transaction, so the item
// becomes durable exactly when the metadata changes it belongs to do.
func (t *Tx) EnqueueWork(op string, args []byte) error {
	if _, err := t.tx.Exec(
		`INSERT INTO work_queue (op, args) VALUES (?, ?)`, op, args); err != nil {
		return fmt.Errorf("enqueue work item %s: %w", op, err)
	}
	return nil
}

// NextWork returns the oldest pending work item, or nil when the queue is
// empty. Items only become visible here after their enqueuing transaction
// committed.
func (s *Store) NextWork() (*WorkItem, error) {
	var item WorkItem
	err := s.db.Get(&item, `SELECT id, op, args FROM work_queue ORDER BY id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read next work item: %w", err)
	}
	return &item, nil
}

// CompleteWork deletes a finished work item.
func (s *Store) CompleteWork(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM work_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete work item %d: %w", id, err)
	}
	return nil
}

// PendingWork returns the number of queued items.
func (s *Store) PendingWork() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM work_queue`); err != nil {
		return 0, fmt.Errorf("count work items: %w", err)
	}
	return n, nil
}
