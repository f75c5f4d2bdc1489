// Package editor implements the consumer side of the tree-delta protocol:
// the state machine an external delta producer drives through open/add/
// delete/change-prop/close callbacks while a checkout, update or switch is
// replayed against the working copy.
//
// All node-in-progress state lives in an arena indexed by NodeID; parent
// links are indices and every directory carries an explicit pending-child
// counter. Metadata changes accumulate in a single store transaction and
// filesystem side effects are queued as work items, so CloseEdit is the one
// durability boundary and AbortEdit can revert everything.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openvcs/workcopy/internal/wc/conflict"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/pristine"
	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"github.com/openvcs/workcopy/internal/wc/workqueue"
)

// Entry props carry commit metadata through the property channel; they are
// folded into node columns instead of the property bag.
const (
	EntryCommittedRev  = "entry:committed-rev"
	EntryCommittedDate = "entry:committed-date"
	EntryLastAuthor    = "entry:last-author"

	// PropExecutable marks a file whose working copy carries the
	// executable bit.
	PropExecutable = "wc:executable"
)

// ContentFetcher supplies pristine content the local store does not hold,
// e.g. the base text of a file that needs a conflict marker. Implemented by
// the repository-access transport.
type ContentFetcher interface {
	Fetch(ctx context.Context, reposRelPath string, rev int64) (io.ReadCloser, props.Bag, error)
}

// Config wires an Editor to one working copy.
type Config struct {
	Store    *store.Store
	Pristine *pristine.Store
	// Root is the absolute working-copy root; TempDir stages atomic
	// installs inside the administrative area.
	Root    string
	TempDir string

	Operation store.Operation
	// AllowObstructions downgrades unversioned obstructions from hard
	// errors to adopted paths.
	AllowObstructions bool
	Fetcher           ContentFetcher
}

// NodeID indexes a node-in-progress in the editor's arena. It is invalid
// after the node closes.
type NodeID int32

const invalidNode NodeID = -1

type nodeState struct {
	relpath string
	parent  NodeID
	kind    store.Kind
	added   bool
	// skip means the node sits under a tree-conflicted prefix; every
	// callback on it is a recorded no-op.
	skip         bool
	closed       bool
	base         *store.Node // nil for added nodes
	propChanges  []props.Change
	openChildren int
	text         *pristine.Temp
	textModified bool // local text mods detected at open time
	priorPrej    bool
}

// Editor consumes one edit. Callbacks must be invoked single-threaded in
// protocol order: OpenRoot first, parents before children, CloseEdit or
// AbortEdit last.
type Editor struct {
	ctx context.Context
	cfg Config

	tx        *store.Tx
	targetRev int64
	arena     []nodeState
	skipped   mapset.Set[string]
	// newPristines tracks content installed during this edit so AbortEdit
	// can remove texts nothing references.
	newPristines []string
	opened       bool
	finished     bool
	failed       bool
}

// New prepares an editor; no transaction is opened until OpenRoot.
func New(ctx context.Context, cfg Config) *Editor {
	return &Editor{
		ctx:     ctx,
		cfg:     cfg,
		skipped: mapset.NewThreadUnsafeSet[string](),
	}
}

func (e *Editor) abs(relpath string) string {
	return filepath.Join(e.cfg.Root, filepath.FromSlash(relpath))
}

func (e *Editor) check(id NodeID) (*nodeState, error) {
	if e.failed || e.finished {
		return nil, errors.New("edit is no longer active")
	}
	if id < 0 || int(id) >= len(e.arena) {
		return nil, fmt.Errorf("invalid node baton %d", id)
	}
	st := &e.arena[id]
	if st.closed {
		return nil, fmt.Errorf("node %q already closed", st.relpath)
	}
	return st, nil
}

func (e *Editor) poll() error {
	if err := e.ctx.Err(); err != nil {
		e.failed = true
		return wcerr.New(wcerr.ErrCancelled, "edit")
	}
	return nil
}

// fail marks the edit broken so later callbacks refuse; the producer is
// expected to follow up with AbortEdit.
func (e *Editor) fail(err error) error {
	if err != nil {
		e.failed = true
	}
	return err
}

// SetTargetRevision records the revision this delta leads to. No side
// effects until CloseEdit.
func (e *Editor) SetTargetRevision(rev int64) error {
	if e.opened {
		return errors.New("target revision must be set before OpenRoot")
	}
	e.targetRev = rev
	return nil
}

// OpenRoot begins the edit. baseRev must match the recorded base revision
// of the root, else the edit fails with wcerr.ErrStaleBase. A root with no
// record yet is a checkout bootstrap.
func (e *Editor) OpenRoot(baseRev int64) (NodeID, error) {
	if e.opened || e.finished {
		return invalidNode, errors.New("edit already opened")
	}
	if err := e.poll(); err != nil {
		return invalidNode, err
	}

	tx, err := e.cfg.Store.Begin(e.ctx)
	if err != nil {
		return invalidNode, err
	}
	e.tx = tx
	e.opened = true

	root, err := tx.ReadNode("")
	switch {
	case errors.Is(err, wcerr.ErrPathNotFound):
		root = &store.Node{
			RelPath:  "",
			Kind:     store.KindDir,
			Presence: PresenceDuringEdit,
			Revision: baseRev,
		}
		if err := tx.UpsertNode(root); err != nil {
			return invalidNode, e.fail(err)
		}
	case err != nil:
		return invalidNode, e.fail(err)
	default:
		if root.Revision != baseRev {
			return invalidNode, e.fail(wcerr.Newf(wcerr.ErrStaleBase, "", baseRev, root.Revision))
		}
		marked := root.Clone()
		marked.Presence = PresenceDuringEdit
		if err := tx.UpsertNode(marked); err != nil {
			return invalidNode, e.fail(err)
		}
	}

	e.arena = append(e.arena, nodeState{
		relpath: "",
		parent:  invalidNode,
		kind:    store.KindDir,
		base:    root,
	})
	slog.Debug("edit opened", "base", baseRev, "target", e.targetRev, "op", e.cfg.Operation)
	return NodeID(0), nil
}

// PresenceDuringEdit is the presence a directory carries while its children
// are being filled in; a crash mid-edit leaves the subtree identifiable.
const PresenceDuringEdit = store.PresenceIncomplete

func (e *Editor) isSkipped(relpath string) bool {
	if e.skipped.Contains(relpath) {
		return true
	}
	for prefix := range e.skipped.Iter() {
		if pathutil.IsAncestor(prefix, relpath) {
			return true
		}
	}
	return false
}

// markSkipped suppresses relpath and all its descendants for the remainder
// of the edit.
func (e *Editor) markSkipped(relpath string) {
	e.skipped.Add(relpath)
}

// SkippedPaths returns the tree-conflicted prefixes recorded so far.
func (e *Editor) SkippedPaths() []string {
	out := e.skipped.ToSlice()
	return out
}

// DeleteEntry applies an incoming delete. A locally modified, added or
// deleted target becomes a tree conflict instead of losing data; a clean
// target has its records removed and its filesystem removal queued.
func (e *Editor) DeleteEntry(relpath string, parent NodeID) error {
	p, err := e.check(parent)
	if err != nil {
		return err
	}
	if err := e.poll(); err != nil {
		return err
	}
	relpath = pathutil.NormRel(relpath)
	if p.skip || e.isSkipped(relpath) {
		return nil
	}

	node, err := e.tx.ReadNode(relpath)
	if err != nil {
		return e.fail(err)
	}

	reason, conflicted, err := e.deleteCollision(node)
	if err != nil {
		return e.fail(err)
	}
	if conflicted {
		if err := conflict.RecordTree(e.tx, relpath, e.cfg.Operation, reason, store.ActionDelete); err != nil {
			return e.fail(err)
		}
		e.markSkipped(relpath)
		slog.Debug("tree conflict", "path", relpath, "reason", reason, "action", store.ActionDelete)
		return nil
	}

	// Queue filesystem removals leaf-first, then drop the records.
	subtree, err := e.tx.ListTree(relpath)
	if err != nil {
		return e.fail(err)
	}
	for i := len(subtree) - 1; i >= 0; i-- {
		n := subtree[i]
		var op string
		args := workqueue.Args{RelPath: n.RelPath}
		if n.Kind == store.KindDir {
			op = workqueue.OpDirRemove
		} else {
			op = workqueue.OpFileRemove
		}
		if err := workqueue.Enqueue(e.tx, op, args); err != nil {
			return e.fail(err)
		}
	}
	if err := e.tx.DeleteNode(relpath, true); err != nil {
		return e.fail(err)
	}
	return nil
}

// deleteCollision decides whether an incoming delete of node collides with
// local state, and with what reason.
func (e *Editor) deleteCollision(node *store.Node) (store.Reason, bool, error) {
	switch node.Presence {
	case store.PresenceAdded:
		return store.ReasonAdded, true, nil
	case store.PresenceDeleted, store.PresenceReplaced:
		return store.ReasonDeleted, true, nil
	}

	subtree, err := e.tx.ListTree(node.RelPath)
	if err != nil {
		return "", false, err
	}
	for _, n := range subtree {
		switch n.Presence {
		case store.PresenceAdded, store.PresenceDeleted, store.PresenceReplaced:
			return store.ReasonEdited, true, nil
		case store.PresenceNormal:
		default:
			// Excluded and not-present nodes are repository-side state,
			// not local modifications; they do not block an incoming
			// delete.
			continue
		}
		if n.Kind != store.KindFile {
			continue
		}
		modified, err := e.textModified(n)
		if err != nil {
			return "", false, err
		}
		if modified {
			return store.ReasonEdited, true, nil
		}
	}
	return "", false, nil
}

// textModified compares the working file against the recorded pristine
// checksum, using the recorded size/mtime as a fast path.
func (e *Editor) textModified(node *store.Node) (bool, error) {
	abs := e.abs(node.RelPath)
	info, err := os.Stat(abs)
	if err != nil {
		// A missing working file is a local modification of sorts, but
		// for delete collision purposes it does not block the delete.
		return false, nil
	}
	if node.RecordedSize >= 0 &&
		info.Size() == node.RecordedSize &&
		info.ModTime().UnixNano() == node.RecordedTime {
		return false, nil
	}
	if node.Checksum == "" {
		return info.Size() > 0, nil
	}
	sum, _, err := pristine.ChecksumFile(abs)
	if err != nil {
		return false, fmt.Errorf("hash working file %s: %w", node.RelPath, err)
	}
	return sum != node.Checksum, nil
}

func (e *Editor) openChild(relpath string, parent NodeID, kind store.Kind, add bool) (NodeID, error) {
	p, err := e.check(parent)
	if err != nil {
		return invalidNode, err
	}
	if err := e.poll(); err != nil {
		return invalidNode, err
	}
	if p.kind != store.KindDir {
		return invalidNode, fmt.Errorf("parent of %q is not a directory baton", relpath)
	}
	relpath = pathutil.NormRel(relpath)

	if p.skip || e.isSkipped(relpath) {
		return e.newState(nodeState{relpath: relpath, parent: parent, kind: kind, skip: true, added: add}), nil
	}

	if add {
		return e.addChild(relpath, parent, kind)
	}

	node, err := e.tx.ReadNode(relpath)
	if err != nil {
		return invalidNode, e.fail(err)
	}

	// An incoming edit of a node scheduled for local delete or replace is
	// a tree conflict; the schedule survives and the subtree is skipped.
	if node.Presence == store.PresenceDeleted || node.Presence == store.PresenceReplaced {
		reason := store.ReasonDeleted
		if node.Presence == store.PresenceReplaced {
			reason = store.ReasonReplaced
		}
		if err := conflict.RecordTree(e.tx, relpath, e.cfg.Operation, reason, store.ActionEdit); err != nil {
			return invalidNode, e.fail(err)
		}
		e.markSkipped(relpath)
		return e.newState(nodeState{relpath: relpath, parent: parent, kind: kind, skip: true}), nil
	}

	if node.Kind != kind {
		return invalidNode, e.fail(wcerr.Newf(wcerr.ErrObstructed, relpath, kind, node.Kind))
	}

	st := nodeState{relpath: relpath, parent: parent, kind: kind, base: node}
	if kind == store.KindFile {
		modified, err := e.textModified(node)
		if err != nil {
			return invalidNode, e.fail(err)
		}
		st.textModified = modified
	} else {
		marked := node.Clone()
		marked.Presence = PresenceDuringEdit
		if err := e.tx.UpsertNode(marked); err != nil {
			return invalidNode, e.fail(err)
		}
	}
	return e.newState(st), nil
}

func (e *Editor) addChild(relpath string, parent NodeID, kind store.Kind) (NodeID, error) {
	// A locally scheduled add colliding with an incoming add is a tree
	// conflict; the local node keeps its state and the subtree is skipped.
	existing, err := e.tx.ReadNode(relpath)
	if err != nil && !errors.Is(err, wcerr.ErrPathNotFound) {
		return invalidNode, e.fail(err)
	}
	if existing != nil {
		if existing.Presence == store.PresenceAdded || existing.Presence == store.PresenceReplaced {
			if err := conflict.RecordTree(e.tx, relpath, e.cfg.Operation, store.ReasonAdded, store.ActionAdd); err != nil {
				return invalidNode, e.fail(err)
			}
			e.markSkipped(relpath)
			return e.newState(nodeState{relpath: relpath, parent: parent, kind: kind, skip: true, added: true}), nil
		}
		return invalidNode, e.fail(fmt.Errorf("incoming add of already versioned path %q", relpath))
	}

	// An unversioned item in the way is an obstruction.
	if _, err := os.Lstat(e.abs(relpath)); err == nil && !e.cfg.AllowObstructions {
		return invalidNode, e.fail(wcerr.New(wcerr.ErrObstructed, relpath))
	}

	node := &store.Node{
		RelPath:  relpath,
		Kind:     kind,
		Presence: store.PresenceNormal,
		Revision: e.targetRev,
	}
	if kind == store.KindDir {
		node.Presence = PresenceDuringEdit
		if err := workqueue.Enqueue(e.tx, workqueue.OpDirCreate, workqueue.Args{RelPath: relpath}); err != nil {
			return invalidNode, e.fail(err)
		}
	}
	if err := e.tx.UpsertNode(node); err != nil {
		return invalidNode, e.fail(err)
	}
	return e.newState(nodeState{relpath: relpath, parent: parent, kind: kind, added: true, base: node}), nil
}

func (e *Editor) newState(st nodeState) NodeID {
	e.arena = append(e.arena, st)
	id := NodeID(len(e.arena) - 1)
	if st.parent != invalidNode {
		e.arena[st.parent].openChildren++
	}
	return id
}

// AddDirectory creates a child directory node under an open parent.
func (e *Editor) AddDirectory(relpath string, parent NodeID) (NodeID, error) {
	return e.openChild(relpath, parent, store.KindDir, true)
}

// OpenDirectory opens an existing child directory for modification.
func (e *Editor) OpenDirectory(relpath string, parent NodeID) (NodeID, error) {
	return e.openChild(relpath, parent, store.KindDir, false)
}

// AddFile creates a child file node under an open parent.
func (e *Editor) AddFile(relpath string, parent NodeID) (NodeID, error) {
	return e.openChild(relpath, parent, store.KindFile, true)
}

// OpenFile opens an existing child file; local text modifications are
// observed now so a later incoming text is known to collide.
func (e *Editor) OpenFile(relpath string, parent NodeID) (NodeID, error) {
	return e.openChild(relpath, parent, store.KindFile, false)
}

// discardSink swallows text for nodes under a tree-conflicted prefix.
type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// ApplyTextDelta returns the streaming sink for a file's new text. The text
// is staged in the pristine temp area, never in place, so a crash mid-apply
// cannot corrupt the existing pristine copy.
func (e *Editor) ApplyTextDelta(id NodeID) (io.WriteCloser, error) {
	st, err := e.check(id)
	if err != nil {
		return nil, err
	}
	if st.kind != store.KindFile {
		return nil, fmt.Errorf("text delta on non-file %q", st.relpath)
	}
	if st.skip {
		return discardSink{}, nil
	}
	if st.text != nil {
		return nil, fmt.Errorf("text delta already applied to %q", st.relpath)
	}
	t, err := e.cfg.Pristine.NewTemp()
	if err != nil {
		return nil, e.fail(err)
	}
	st.text = t
	return t, nil
}

// ChangeFileProp buffers a property change on a file; a nil value deletes.
// Changes apply only at close so a tree conflict can drop them atomically.
func (e *Editor) ChangeFileProp(id NodeID, name string, value []byte) error {
	return e.changeProp(id, store.KindFile, name, value)
}

// ChangeDirProp buffers a property change on a directory.
func (e *Editor) ChangeDirProp(id NodeID, name string, value []byte) error {
	return e.changeProp(id, store.KindDir, name, value)
}

func (e *Editor) changeProp(id NodeID, kind store.Kind, name string, value []byte) error {
	st, err := e.check(id)
	if err != nil {
		return err
	}
	if st.kind != kind {
		return fmt.Errorf("property change for %s on %s baton %q", kind, st.kind, st.relpath)
	}
	if st.skip {
		return nil
	}
	st.propChanges = append(st.propChanges, props.Change{Name: name, Value: value})
	return nil
}

// AbsentFile records a file path the repository intentionally withholds.
func (e *Editor) AbsentFile(relpath string, parent NodeID) error {
	return e.absent(relpath, parent, store.KindFile)
}

// AbsentDirectory records a directory path the repository intentionally
// withholds.
func (e *Editor) AbsentDirectory(relpath string, parent NodeID) error {
	return e.absent(relpath, parent, store.KindDir)
}

func (e *Editor) absent(relpath string, parent NodeID, kind store.Kind) error {
	p, err := e.check(parent)
	if err != nil {
		return err
	}
	relpath = pathutil.NormRel(relpath)
	if p.skip || e.isSkipped(relpath) {
		return nil
	}
	return e.fail(e.tx.UpsertNode(&store.Node{
		RelPath:  relpath,
		Kind:     kind,
		Presence: store.PresenceExcluded,
		Revision: e.targetRev,
	}))
}
