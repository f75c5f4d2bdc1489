// Package conflict records and resolves the three conflict categories a
// node can carry: text, property and tree. Detection policy is mark and
// continue; nothing is ever auto-merged silently.
package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/workqueue"
)

// Choice selects which side wins when a conflict is resolved.
type Choice string

const (
	ChooseBase   Choice = "base"
	ChooseMine   Choice = "mine"
	ChooseTheirs Choice = "theirs"
	ChooseMerged Choice = "merged"
)

// ParseChoice validates a user-supplied choice string.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChooseBase, ChooseMine, ChooseTheirs, ChooseMerged:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown resolution choice %q", s)
}

// TextMarkers returns the three marker paths for a text conflict on
// relpath: pre-incoming working copy, pre-incoming base, post-incoming.
func TextMarkers(relpath string, oldRev, newRev int64) (mine, base, theirs string) {
	return relpath + ".mine",
		fmt.Sprintf("%s.r%d", relpath, oldRev),
		fmt.Sprintf("%s.r%d", relpath, newRev)
}

// PrejPath returns the property reject file location for a node. Directory
// conflicts live in a well-known file inside the directory itself.
func PrejPath(relpath string, kind store.Kind) string {
	if kind == store.KindDir {
		return pathutil.Join(relpath, "dir_conflicts.prej")
	}
	return relpath + ".prej"
}

// RecordText registers a text conflict and queues the three marker
// snapshots: the local working file, the old pristine, and the incoming
// pristine. Must be enqueued before anything overwrites the working file.
func RecordText(tx *store.Tx, relpath string, op store.Operation,
	oldRev, newRev int64, baseSum, theirsSum string) error {

	mine, base, theirs := TextMarkers(relpath, oldRev, newRev)

	// Marker names are only recorded for snapshots that were actually
	// queued; a missing pristine side leaves its field empty.
	rec := &store.Conflict{
		RelPath:    relpath,
		Kind:       store.ConflictText,
		Operation:  op,
		Reason:     store.ReasonEdited,
		Action:     store.ActionEdit,
		MineMarker: mine,
	}

	if err := workqueue.Enqueue(tx, workqueue.OpFileCopy, workqueue.Args{
		From: relpath, To: mine,
	}); err != nil {
		return err
	}
	if baseSum != "" {
		if err := workqueue.Enqueue(tx, workqueue.OpFileInstall, workqueue.Args{
			RelPath: base, Checksum: baseSum,
		}); err != nil {
			return err
		}
		rec.BaseMarker = base
	}
	if theirsSum != "" {
		if err := workqueue.Enqueue(tx, workqueue.OpFileInstall, workqueue.Args{
			RelPath: theirs, Checksum: theirsSum,
		}); err != nil {
			return err
		}
		rec.TheirsMarker = theirs
	}

	return tx.AddConflict(rec)
}

// RecordProp registers a property conflict. The conflicted triples are kept
// machine-readable in the record and rendered human-readable into a .prej
// marker beside the node.
func RecordProp(tx *store.Tx, relpath string, kind store.Kind,
	op store.Operation, conflicted []props.ConflictedProp) error {

	blob, err := json.Marshal(conflicted)
	if err != nil {
		return fmt.Errorf("encode property conflicts for %s: %w", relpath, err)
	}
	prej := PrejPath(relpath, kind)
	if err := workqueue.Enqueue(tx, workqueue.OpWriteFile, workqueue.Args{
		RelPath: prej,
		Content: props.RejectText(conflicted),
	}); err != nil {
		return err
	}
	return tx.AddConflict(&store.Conflict{
		RelPath:    relpath,
		Kind:       store.ConflictProp,
		Operation:  op,
		Reason:     store.ReasonEdited,
		Action:     store.ActionEdit,
		MineMarker: prej,
		PropRej:    blob,
	})
}

// RecordTree registers a tree conflict. Descendant suppression is the
// editor's job; this only persists the record.
func RecordTree(tx *store.Tx, relpath string, op store.Operation,
	reason store.Reason, action store.Action) error {

	return tx.AddConflict(&store.Conflict{
		RelPath:   relpath,
		Kind:      store.ConflictTree,
		Operation: op,
		Reason:    reason,
		Action:    action,
	})
}

// ConflictedProps decodes the stored property conflict triples.
func ConflictedProps(c *store.Conflict) ([]props.ConflictedProp, error) {
	var out []props.ConflictedProp
	if len(c.PropRej) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(c.PropRej, &out); err != nil {
		return nil, fmt.Errorf("decode property conflicts for %s: %w", c.RelPath, err)
	}
	return out, nil
}
