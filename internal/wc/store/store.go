// Package store implements the transactional metadata database backing a
// working copy: one SQLite file per working-copy root holding every node
// record, conflict record and pending work item.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openvcs/workcopy/internal/wc/db"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS wc_root (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    uuid TEXT NOT NULL,
    repos_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS nodes (
    local_relpath TEXT PRIMARY KEY,
    parent_relpath TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    presence TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 0,
    repos_relpath TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT '',
    translated_size INTEGER NOT NULL DEFAULT 0,
    changed_revision INTEGER NOT NULL DEFAULT 0,
    changed_author TEXT NOT NULL DEFAULT '',
    changed_date TEXT NOT NULL DEFAULT '',
    copyfrom_relpath TEXT NOT NULL DEFAULT '',
    copyfrom_revision INTEGER NOT NULL DEFAULT 0,
    lock_token TEXT NOT NULL DEFAULT '',
    lock_owner TEXT NOT NULL DEFAULT '',
    properties BLOB,
    base_properties BLOB,
    recorded_size INTEGER NOT NULL DEFAULT -1,
    recorded_time INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_relpath, name);

CREATE TABLE IF NOT EXISTS actual_conflicts (
    local_relpath TEXT NOT NULL,
    kind TEXT NOT NULL,
    operation TEXT NOT NULL,
    reason TEXT NOT NULL,
    action TEXT NOT NULL,
    base_marker TEXT NOT NULL DEFAULT '',
    mine_marker TEXT NOT NULL DEFAULT '',
    theirs_marker TEXT NOT NULL DEFAULT '',
    prop_rej BLOB,
    created_at TEXT NOT NULL,
    PRIMARY KEY (local_relpath, kind)
);

CREATE TABLE IF NOT EXISTS work_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    op TEXT NOT NULL,
    args BLOB
);
`

// Store is the metadata database for one working-copy root. It enforces a
// single writer: Begin fails fast with wcerr.ErrLocked while another write
// transaction is open in this process. Cross-process exclusion is the
// lock package's job.
type Store struct {
	db     *sqlx.DB
	dbPath string
	writer sync.Mutex
	// held reports whether writer is currently locked; guarded by writer
	// itself via TryLock.
}

// Open creates or opens the metadata database at dbPath.
func Open(dbPath string) (*Store, error) {
	sdb, err := db.NewSqliteDb(
		db.WithPath(dbPath),
		db.WithMaxOpenConns(1),
	)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("initialize metadata schema: %w", err)
	}

	if _, err := sdb.Exec(
		`INSERT OR IGNORE INTO wc_root (id, uuid) VALUES (1, ?)`,
		uuid.NewString(),
	); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("initialize wc root row: %w", err)
	}

	return &Store{db: sdb, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UUID returns the stable identifier of this working-copy root.
func (s *Store) UUID() (string, error) {
	var id string
	if err := s.db.Get(&id, `SELECT uuid FROM wc_root WHERE id = 1`); err != nil {
		return "", fmt.Errorf("read wc uuid: %w", err)
	}
	return id, nil
}

// Tx is one write transaction. All mutations are durable only at Commit;
// Rollback (or a crash) leaves the previously committed state untouched.
type Tx struct {
	tx   *sqlx.Tx
	s    *Store
	done bool
}

// Begin opens the single write transaction. It fails fast with
// wcerr.ErrLocked if another write transaction is already open.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if !s.writer.TryLock() {
		return nil, wcerr.New(wcerr.ErrLocked, s.dbPath)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.writer.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, s: s}, nil
}

func (t *Tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.s.writer.Unlock()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.writer.Unlock()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

type queryer interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

const nodeColumns = `local_relpath, parent_relpath, name, kind, presence,
	revision, repos_relpath, checksum, translated_size, changed_revision,
	changed_author, changed_date, copyfrom_relpath, copyfrom_revision,
	lock_token, lock_owner, properties, base_properties, recorded_size, recorded_time`

type nodeRow struct {
	Node
	ChangedDateStr string `db:"changed_date"`
	Properties     []byte `db:"properties"`
	BaseProperties []byte `db:"base_properties"`
}

func (r *nodeRow) toNode() (*Node, error) {
	n := r.Node.Clone()
	if r.ChangedDateStr != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.ChangedDateStr)
		if err != nil {
			return nil, fmt.Errorf("parse changed_date for %s: %w", r.RelPath, err)
		}
		n.ChangedDate = ts
	}
	bag, err := props.Unmarshal(r.Properties)
	if err != nil {
		return nil, fmt.Errorf("decode properties for %s: %w", r.RelPath, err)
	}
	n.Props = bag
	if r.BaseProperties != nil {
		base, err := props.Unmarshal(r.BaseProperties)
		if err != nil {
			return nil, fmt.Errorf("decode base properties for %s: %w", r.RelPath, err)
		}
		n.BaseProps = base
	}
	return n, nil
}

func readNode(q queryer, relpath string) (*Node, error) {
	relpath = pathutil.NormRel(relpath)
	var row nodeRow
	err := q.Get(&row, `SELECT `+nodeColumns+` FROM nodes WHERE local_relpath = ?`, relpath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wcerr.New(wcerr.ErrPathNotFound, relpath)
	}
	if err != nil {
		return nil, fmt.Errorf("read node %s: %w", relpath, err)
	}
	return row.toNode()
}

func upsertNode(q queryer, n *Node) error {
	relpath := pathutil.NormRel(n.RelPath)
	parent, name := pathutil.Parent(relpath)

	if relpath != "" {
		var parentKind Kind
		err := q.Get(&parentKind, `SELECT kind FROM nodes WHERE local_relpath = ?`, parent)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentKind != KindDir) {
			return wcerr.New(wcerr.ErrParentNotFound, relpath)
		}
		if err != nil {
			return fmt.Errorf("read parent of %s: %w", relpath, err)
		}
	}

	// Kind flips between file and dir require a prior delete.
	var existingKind Kind
	err := q.Get(&existingKind, `SELECT kind FROM nodes WHERE local_relpath = ?`, relpath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read existing node %s: %w", relpath, err)
	}
	if err == nil && existingKind != n.Kind &&
		(existingKind == KindDir || n.Kind == KindDir) {
		return wcerr.Newf(wcerr.ErrObstructed, relpath, existingKind, n.Kind)
	}

	var changed string
	if !n.ChangedDate.IsZero() {
		changed = n.ChangedDate.UTC().Format(time.RFC3339Nano)
	}
	var baseProps []byte
	if n.BaseProps != nil && !n.BaseProps.Equal(n.Props) {
		baseProps = n.BaseProps.Marshal()
	}
	_, err = q.Exec(`
		INSERT OR REPLACE INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		relpath, parent, name, n.Kind, n.Presence,
		n.Revision, n.ReposRelPath, n.Checksum, n.TranslatedSize, n.ChangedRev,
		n.ChangedAuthor, changed, n.CopyFromPath, n.CopyFromRev,
		n.LockToken, n.LockOwner, n.Props.Marshal(), baseProps, n.RecordedSize, n.RecordedTime,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", relpath, err)
	}
	return nil
}

func deleteNode(q queryer, relpath string, recursive bool) error {
	relpath = pathutil.NormRel(relpath)

	var count int
	if err := q.Get(&count, `SELECT COUNT(*) FROM nodes WHERE local_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("check node %s: %w", relpath, err)
	}
	if count == 0 {
		return wcerr.New(wcerr.ErrPathNotFound, relpath)
	}

	var children int
	if err := q.Get(&children, `SELECT COUNT(*) FROM nodes WHERE parent_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("count children of %s: %w", relpath, err)
	}
	if children > 0 && !recursive {
		return wcerr.Newf(wcerr.ErrNotEmpty, relpath, 0, children)
	}

	if recursive && relpath == "" {
		if _, err := q.Exec(`DELETE FROM nodes`); err != nil {
			return fmt.Errorf("delete all nodes: %w", err)
		}
		if _, err := q.Exec(`DELETE FROM actual_conflicts`); err != nil {
			return fmt.Errorf("delete all conflicts: %w", err)
		}
		return nil
	}

	if recursive {
		if _, err := q.Exec(
			`DELETE FROM nodes WHERE local_relpath LIKE ? ESCAPE '\'`,
			likePrefix(relpath)+"/%",
		); err != nil {
			return fmt.Errorf("delete descendants of %s: %w", relpath, err)
		}
		if _, err := q.Exec(
			`DELETE FROM actual_conflicts WHERE local_relpath LIKE ? ESCAPE '\'`,
			likePrefix(relpath)+"/%",
		); err != nil {
			return fmt.Errorf("delete descendant conflicts of %s: %w", relpath, err)
		}
	}
	if _, err := q.Exec(`DELETE FROM nodes WHERE local_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("delete node %s: %w", relpath, err)
	}
	if _, err := q.Exec(`DELETE FROM actual_conflicts WHERE local_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("delete conflicts of %s: %w", relpath, err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a relpath prefix.
func likePrefix(p string) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

func listChildren(q queryer, relpath string) ([]string, error) {
	relpath = pathutil.NormRel(relpath)
	var names []string
	err := q.Select(&names,
		`SELECT name FROM nodes WHERE parent_relpath = ? AND local_relpath != '' ORDER BY name`,
		relpath)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", relpath, err)
	}
	return names, nil
}

// ReadNode returns the node record at relpath, or wcerr.ErrPathNotFound.
func (t *Tx) ReadNode(relpath string) (*Node, error) { return readNode(t.tx, relpath) }

// UpsertNode creates or replaces a node record. The parent record must exist
// and be a directory, except for the root.
func (t *Tx) UpsertNode(n *Node) error { return upsertNode(t.tx, n) }

// DeleteNode removes a node record; with recursive it removes the whole
// subtree, otherwise it fails with wcerr.ErrNotEmpty when children exist.
func (t *Tx) DeleteNode(relpath string, recursive bool) error {
	return deleteNode(t.tx, relpath, recursive)
}

// ListChildren returns child names in lexicographic order.
func (t *Tx) ListChildren(relpath string) ([]string, error) { return listChildren(t.tx, relpath) }

// BumpRevisions moves every normal-presence node outside the excluded
// subtrees to rev. Used when an edit completes: nodes the delta never
// touched are implicitly at the target revision, while conflicted subtrees
// keep their recorded state untouched.
func (t *Tx) BumpRevisions(rev int64, excluded []string) error {
	query := `UPDATE nodes SET revision = ? WHERE presence = ?`
	args := []interface{}{rev, PresenceNormal}
	for _, p := range excluded {
		p = pathutil.NormRel(p)
		if p == "" {
			return nil // the whole tree is excluded
		}
		query += ` AND local_relpath != ? AND local_relpath NOT LIKE ? ESCAPE '\'`
		args = append(args, p, likePrefix(p)+"/%")
	}
	if _, err := t.tx.Exec(query, args...); err != nil {
		return fmt.Errorf("bump revisions to %d: %w", rev, err)
	}
	return nil
}

// Read-side equivalents against the last committed snapshot.

func (s *Store) ReadNode(relpath string) (*Node, error) { return readNode(s.db, relpath) }

func (s *Store) ListChildren(relpath string) ([]string, error) { return listChildren(s.db, relpath) }

func listTree(q queryer, relpath string) ([]*Node, error) {
	relpath = pathutil.NormRel(relpath)
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	args := []interface{}{}
	if relpath != "" {
		query += ` WHERE local_relpath = ? OR local_relpath LIKE ? ESCAPE '\'`
		args = append(args, relpath, likePrefix(relpath)+"/%")
	}
	query += ` ORDER BY local_relpath`

	var rows []nodeRow
	if err := q.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tree at %q: %w", relpath, err)
	}
	nodes := make([]*Node, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ListTree returns every node at or under relpath, ordered by relpath so
// parents always precede children.
func (s *Store) ListTree(relpath string) ([]*Node, error) { return listTree(s.db, relpath) }

// ListTree is the transactional variant; required during an edit because
// the store runs on a single connection.
func (t *Tx) ListTree(relpath string) ([]*Node, error) { return listTree(t.tx, relpath) }

// ChecksumInUse reports whether any committed node record references sum.
func (s *Store) ChecksumInUse(sum string) (bool, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM nodes WHERE checksum = ?`, sum); err != nil {
		return false, fmt.Errorf("check checksum references: %w", err)
	}
	return n > 0, nil
}

// RecordObserved stores the observed working-file size and mtime against an
// unmodified comparison result. Best effort: failures are logged, never
// surfaced, because the cache is purely a fast path.
func (s *Store) RecordObserved(relpath string, size int64, mtime time.Time) {
	if !s.writer.TryLock() {
		return // a writer is active; skip the cache update
	}
	defer s.writer.Unlock()
	_, err := s.db.Exec(
		`UPDATE nodes SET recorded_size = ?, recorded_time = ? WHERE local_relpath = ?`,
		size, mtime.UnixNano(), pathutil.NormRel(relpath),
	)
	if err != nil {
		slog.Debug("stat cache update failed", "path", relpath, "error", err)
	}
}
