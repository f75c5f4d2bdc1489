package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

type conflictRow struct {
	Conflict
	CreatedAtStr string `db:"created_at"`
}

func (r *conflictRow) toConflict() (*Conflict, error) {
	c := r.Conflict
	ts, err := time.Parse(time.RFC3339Nano, r.CreatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse conflict timestamp for %s: %w", r.RelPath, err)
	}
	c.CreatedAt = ts
	return &c, nil
}

const conflictColumns = `local_relpath, kind, operation, reason, action,
	base_marker, mine_marker, theirs_marker, prop_rej, created_at`

// AddConflict records a conflict. A node carries at most one conflict per
// kind; a duplicate fails with wcerr.ErrAlreadyConflicted.
func (t *Tx) AddConflict(c *Conflict) error {
	relpath := pathutil.NormRel(c.RelPath)

	var count int
	if err := t.tx.Get(&count,
		`SELECT COUNT(*) FROM actual_conflicts WHERE local_relpath = ? AND kind = ?`,
		relpath, c.Kind); err != nil {
		return fmt.Errorf("check existing conflict on %s: %w", relpath, err)
	}
	if count > 0 {
		return wcerr.Newf(wcerr.ErrAlreadyConflicted, relpath, "", c.Kind)
	}

	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.Exec(`
		INSERT INTO actual_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		relpath, c.Kind, c.Operation, c.Reason, c.Action,
		c.BaseMarker, c.MineMarker, c.TheirsMarker, c.PropRej,
		created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add %s conflict on %s: %w", c.Kind, relpath, err)
	}
	return nil
}

// RemoveConflict drops the conflict of the given kind, failing with
// wcerr.ErrNoSuchConflict when the node has none.
func (t *Tx) RemoveConflict(relpath string, kind ConflictKind) error {
	relpath = pathutil.NormRel(relpath)
	res, err := t.tx.Exec(
		`DELETE FROM actual_conflicts WHERE local_relpath = ? AND kind = ?`,
		relpath, kind)
	if err != nil {
		return fmt.Errorf("remove %s conflict on %s: %w", kind, relpath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %s conflict on %s: %w", kind, relpath, err)
	}
	if n == 0 {
		return wcerr.Newf(wcerr.ErrNoSuchConflict, relpath, kind, "none")
	}
	return nil
}

func readConflicts(q queryer, relpath string) ([]*Conflict, error) {
	relpath = pathutil.NormRel(relpath)
	var rows []conflictRow
	err := q.Select(&rows,
		`SELECT `+conflictColumns+` FROM actual_conflicts WHERE local_relpath = ? ORDER BY kind`,
		relpath)
	if err != nil {
		return nil, fmt.Errorf("read conflicts on %s: %w", relpath, err)
	}
	out := make([]*Conflict, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toConflict()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func readConflict(q queryer, relpath string, kind ConflictKind) (*Conflict, error) {
	relpath = pathutil.NormRel(relpath)
	var row conflictRow
	err := q.Get(&row,
		`SELECT `+conflictColumns+` FROM actual_conflicts WHERE local_relpath = ? AND kind = ?`,
		relpath, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wcerr.Newf(wcerr.ErrNoSuchConflict, relpath, kind, "none")
	}
	if err != nil {
		return nil, fmt.Errorf("read %s conflict on %s: %w", kind, relpath, err)
	}
	return row.toConflict()
}

// ReadConflicts lists the conflicts attached to relpath, ordered by kind.
func (t *Tx) ReadConflicts(relpath string) ([]*Conflict, error) {
	return readConflicts(t.tx, relpath)
}

// ReadConflict returns the conflict of one kind, or wcerr.ErrNoSuchConflict.
func (t *Tx) ReadConflict(relpath string, kind ConflictKind) (*Conflict, error) {
	return readConflict(t.tx, relpath, kind)
}

func (s *Store) ReadConflicts(relpath string) ([]*Conflict, error) {
	return readConflicts(s.db, relpath)
}

func (s *Store) ReadConflict(relpath string, kind ConflictKind) (*Conflict, error) {
	return readConflict(s.db, relpath, kind)
}

// ListAllConflicts returns every conflict in the working copy ordered by
// path then kind.
func (s *Store) ListAllConflicts() ([]*Conflict, error) {
	var rows []conflictRow
	err := s.db.Select(&rows,
		`SELECT `+conflictColumns+` FROM actual_conflicts ORDER BY local_relpath, kind`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]*Conflict, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toConflict()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
