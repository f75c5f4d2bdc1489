package editor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/openvcs/workcopy/internal/wc/conflict"
	"github.com/openvcs/workcopy/internal/wc/pristine"
	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"github.com/openvcs/workcopy/internal/wc/workqueue"
)

// splitEntryProps separates commit metadata from regular property changes.
func splitEntryProps(changes []props.Change) (regular []props.Change, entry map[string][]byte) {
	entry = make(map[string][]byte)
	for _, ch := range changes {
		switch ch.Name {
		case EntryCommittedRev, EntryCommittedDate, EntryLastAuthor:
			entry[ch.Name] = ch.Value
		default:
			regular = append(regular, ch)
		}
	}
	return regular, entry
}

func applyEntryProps(n *store.Node, entry map[string][]byte) error {
	if v, ok := entry[EntryCommittedRev]; ok && v != nil {
		rev, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("bad %s value %q: %w", EntryCommittedRev, v, err)
		}
		n.ChangedRev = rev
	}
	if v, ok := entry[EntryCommittedDate]; ok && v != nil {
		ts, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("bad %s value %q: %w", EntryCommittedDate, v, err)
		}
		n.ChangedDate = ts
	}
	if v, ok := entry[EntryLastAuthor]; ok && v != nil {
		n.ChangedAuthor = string(v)
	}
	return nil
}

// ensureBasePristine makes sure the pristine text for sum is locally
// available, fetching it through the content callback when it is not.
func (e *Editor) ensureBasePristine(node *store.Node) error {
	if node == nil || node.Checksum == "" || e.cfg.Pristine.Has(node.Checksum) {
		return nil
	}
	if e.cfg.Fetcher == nil {
		return wcerr.Newf(wcerr.ErrCorruptPristine, node.RelPath, node.Checksum, "missing")
	}
	rc, _, err := e.cfg.Fetcher.Fetch(e.ctx, node.ReposRelPath, node.Revision)
	if err != nil {
		return fmt.Errorf("fetch base content for %s@%d: %w", node.RelPath, node.Revision, err)
	}
	defer rc.Close()
	sum, _, err := e.cfg.Pristine.Install(rc)
	if err != nil {
		return err
	}
	if sum != node.Checksum {
		return wcerr.Newf(wcerr.ErrCorruptPristine, node.RelPath, node.Checksum, sum)
	}
	e.newPristines = append(e.newPristines, sum)
	return nil
}

// CloseFile finalizes a file: installs its new text into the pristine
// store, runs text and property conflict detection, updates the node record
// and queues the on-disk install. expectedChecksum, when non-empty, guards
// the streamed text.
func (e *Editor) CloseFile(id NodeID, expectedChecksum string) error {
	st, err := e.check(id)
	if err != nil {
		return err
	}
	if st.kind != store.KindFile {
		return fmt.Errorf("CloseFile on directory baton %q", st.relpath)
	}
	if err := e.poll(); err != nil {
		return err
	}
	defer e.closeState(id)

	if st.skip {
		if st.text != nil {
			st.text.Abort()
		}
		return nil
	}

	var newSum string
	var newSize int64
	if st.text != nil {
		newSum, newSize, err = st.text.Install()
		if err != nil {
			return e.fail(err)
		}
		e.newPristines = append(e.newPristines, newSum)
		if expectedChecksum != "" && expectedChecksum != newSum {
			return e.fail(wcerr.Newf(wcerr.ErrCorruptPristine, st.relpath, expectedChecksum, newSum))
		}
	}

	regular, entry := splitEntryProps(st.propChanges)

	var node *store.Node
	textConflict := false
	if st.added {
		if st.text == nil {
			// An added file with no text is empty.
			newSum, newSize, err = e.cfg.Pristine.InstallBytes(nil)
			if err != nil {
				return e.fail(err)
			}
			e.newPristines = append(e.newPristines, newSum)
		}
		bag := props.Apply(nil, regular)
		node = &store.Node{
			RelPath:        st.relpath,
			Kind:           store.KindFile,
			Presence:       store.PresenceNormal,
			Revision:       e.targetRev,
			Checksum:       newSum,
			TranslatedSize: newSize,
			Props:          bag,
			RecordedSize:   -1,
		}
	} else {
		base := st.base
		node = base.Clone()
		node.Presence = store.PresenceNormal
		node.Revision = e.targetRev
		node.RecordedSize = -1
		node.RecordedTime = 0

		textConflict = st.text != nil && st.textModified
		if textConflict {
			if err := e.ensureBasePristine(base); err != nil {
				return e.fail(err)
			}
			if err := conflict.RecordText(e.tx, st.relpath, e.cfg.Operation,
				base.Revision, e.targetRev, base.Checksum, newSum); err != nil {
				return e.fail(err)
			}
			slog.Debug("text conflict", "path", st.relpath, "base", base.Revision, "incoming", e.targetRev)
		}
		if st.text != nil {
			node.Checksum = newSum
			node.TranslatedSize = newSize
		}

		baseBag := base.EffectiveBaseProps()
		incomingBag := props.Apply(baseBag, regular)
		if len(regular) > 0 {
			res := props.Merge(baseBag, base.Props, incomingBag)
			if len(res.Conflicts) > 0 {
				if err := conflict.RecordProp(e.tx, st.relpath, store.KindFile,
					e.cfg.Operation, res.Conflicts); err != nil {
					return e.fail(err)
				}
			}
			node.Props = res.Merged
			node.BaseProps = incomingBag
		}
	}

	if err := applyEntryProps(node, entry); err != nil {
		return e.fail(err)
	}
	if err := e.tx.UpsertNode(node); err != nil {
		return e.fail(err)
	}

	// The working file only changes when the incoming text landed without
	// a conflict; a conflicted file keeps the local text, with the three
	// marker snapshots queued alongside.
	if (st.text != nil || st.added) && !textConflict {
		_, executable := node.Props[PropExecutable]
		if err := workqueue.Enqueue(e.tx, workqueue.OpFileInstall, workqueue.Args{
			RelPath:    st.relpath,
			Checksum:   node.Checksum,
			Executable: executable,
		}); err != nil {
			return e.fail(err)
		}
	}
	return nil
}

// CloseDirectory finalizes a directory: merges buffered property changes,
// clears the incomplete mark and validates that every child closed first.
func (e *Editor) CloseDirectory(id NodeID) error {
	st, err := e.check(id)
	if err != nil {
		return err
	}
	if st.kind != store.KindDir {
		return fmt.Errorf("CloseDirectory on file baton %q", st.relpath)
	}
	if err := e.poll(); err != nil {
		return err
	}
	if st.openChildren != 0 {
		return e.fail(fmt.Errorf("directory %q closed with %d open children", st.relpath, st.openChildren))
	}
	defer e.closeState(id)

	if st.skip {
		return nil
	}

	node, err := e.tx.ReadNode(st.relpath)
	if err != nil {
		return e.fail(err)
	}
	node.Presence = store.PresenceNormal
	node.Revision = e.targetRev

	regular, entry := splitEntryProps(st.propChanges)
	if len(regular) > 0 {
		baseBag := node.EffectiveBaseProps()
		incomingBag := props.Apply(baseBag, regular)
		res := props.Merge(baseBag, node.Props, incomingBag)
		if len(res.Conflicts) > 0 {
			if err := conflict.RecordProp(e.tx, st.relpath, store.KindDir,
				e.cfg.Operation, res.Conflicts); err != nil {
				return e.fail(err)
			}
		}
		node.Props = res.Merged
		node.BaseProps = incomingBag
	}
	if err := applyEntryProps(node, entry); err != nil {
		return e.fail(err)
	}
	if err := e.tx.UpsertNode(node); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Editor) closeState(id NodeID) {
	st := &e.arena[id]
	st.closed = true
	if st.parent != invalidNode {
		e.arena[st.parent].openChildren--
	}
}

// CloseEdit is the single durability boundary: it bumps untouched nodes to
// the target revision, commits the metadata transaction and then runs the
// work queue against the filesystem. Before the commit nothing of the edit
// is visible; after it, re-running the queue finishes an interrupted apply.
func (e *Editor) CloseEdit() error {
	if e.failed || e.finished {
		return errors.New("edit is no longer active")
	}
	if !e.opened {
		return errors.New("edit was never opened")
	}
	for i := range e.arena {
		if !e.arena[i].closed {
			return e.fail(fmt.Errorf("node %q still open at CloseEdit", e.arena[i].relpath))
		}
	}
	if err := e.poll(); err != nil {
		return err
	}

	if err := e.tx.BumpRevisions(e.targetRev, e.skipped.ToSlice()); err != nil {
		return e.fail(err)
	}
	if err := e.tx.Commit(); err != nil {
		return e.fail(err)
	}
	e.finished = true
	slog.Info("edit committed", "target", e.targetRev, "op", e.cfg.Operation, "conflicted", e.skipped.Cardinality())

	runner := &workqueue.Runner{
		Store:    e.cfg.Store,
		Pristine: e.cfg.Pristine,
		Root:     e.cfg.Root,
		TempDir:  e.cfg.TempDir,
	}
	return runner.RunPending(e.ctx)
}

// AbortEdit rolls back the transaction and removes every temp file and
// pristine text this edit created, restoring the pre-edit state exactly.
func (e *Editor) AbortEdit() error {
	if e.finished {
		return nil
	}
	e.finished = true
	e.failed = true

	for i := range e.arena {
		if t := e.arena[i].text; t != nil && !e.arena[i].closed {
			t.Abort()
		}
	}

	var firstErr error
	if e.tx != nil {
		if err := e.tx.Rollback(); err != nil {
			firstErr = err
		}
	}

	// Installed pristine texts are only kept if some committed node still
	// references the content.
	for _, sum := range e.newPristines {
		inUse, err := e.cfg.Store.ChecksumInUse(sum)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !inUse {
			if err := e.cfg.Pristine.Remove(sum); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := e.cfg.Pristine.CleanupTemp(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Warn("edit aborted", "op", e.cfg.Operation)
	return firstErr
}

var _ io.WriteCloser = (*pristine.Temp)(nil)
