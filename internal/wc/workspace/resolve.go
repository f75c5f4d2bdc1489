package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openvcs/workcopy/internal/wc/conflict"
	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/workqueue"
)

// Resolve clears the conflict of the given kind on relpath, materializing
// the chosen side as the new working state for text and property
// conflicts. Fails with wcerr.ErrNoSuchConflict when the node carries no
// conflict of that kind.
func (w *Workspace) Resolve(ctx context.Context, relpath string, kind store.ConflictKind, choice conflict.Choice) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := tx.ReadConflict(relpath, kind)
	if err != nil {
		return err
	}

	switch kind {
	case store.ConflictText:
		if err := resolveText(tx, c, choice); err != nil {
			return err
		}
	case store.ConflictProp:
		if err := resolveProp(tx, c, choice); err != nil {
			return err
		}
	case store.ConflictTree:
		// Clearing the record is the whole resolution; the user already
		// arranged the tree the way they want it.
	}

	if err := tx.RemoveConflict(c.RelPath, kind); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("conflict resolved", "path", c.RelPath, "kind", kind, "choice", choice)
	return w.RunPendingWork(ctx)
}

// resolveText queues the chosen marker over the working file, then removes
// all three markers.
func resolveText(tx *store.Tx, c *store.Conflict, choice conflict.Choice) error {
	var source string
	switch choice {
	case conflict.ChooseBase:
		if c.BaseMarker == "" {
			return fmt.Errorf("no base snapshot recorded for %s", c.RelPath)
		}
		source = c.BaseMarker
	case conflict.ChooseMine:
		source = c.MineMarker
	case conflict.ChooseTheirs:
		if c.TheirsMarker == "" {
			return fmt.Errorf("no incoming snapshot recorded for %s", c.RelPath)
		}
		source = c.TheirsMarker
	case conflict.ChooseMerged:
		// keep the working file as it stands
	}
	if source != "" {
		if err := workqueue.Enqueue(tx, workqueue.OpFileCopy, workqueue.Args{
			From: source, To: c.RelPath,
		}); err != nil {
			return err
		}
	}
	for _, marker := range []string{c.BaseMarker, c.MineMarker, c.TheirsMarker} {
		if marker == "" {
			continue
		}
		if err := workqueue.Enqueue(tx, workqueue.OpFileRemove, workqueue.Args{RelPath: marker}); err != nil {
			return err
		}
	}
	return nil
}

// resolveProp rewrites the conflicted properties to the chosen side and
// removes the reject marker.
func resolveProp(tx *store.Tx, c *store.Conflict, choice conflict.Choice) error {
	conflicted, err := conflict.ConflictedProps(c)
	if err != nil {
		return err
	}
	node, err := tx.ReadNode(c.RelPath)
	if err != nil {
		return err
	}

	pick := func(p props.ConflictedProp) ([]byte, bool) {
		switch choice {
		case conflict.ChooseBase:
			return p.Base, true
		case conflict.ChooseTheirs:
			return p.Incoming, true
		default:
			// mine and merged keep the current working value
			return nil, false
		}
	}

	changed := false
	for _, p := range conflicted {
		value, apply := pick(p)
		if !apply {
			continue
		}
		if node.Props == nil {
			node.Props = make(props.Bag)
		}
		if value == nil {
			delete(node.Props, p.Name)
		} else {
			node.Props[p.Name] = value
		}
		changed = true
	}
	if changed {
		if err := tx.UpsertNode(node); err != nil {
			return fmt.Errorf("store resolved properties for %s: %w", c.RelPath, err)
		}
	}

	if c.MineMarker != "" {
		if err := workqueue.Enqueue(tx, workqueue.OpFileRemove, workqueue.Args{RelPath: c.MineMarker}); err != nil {
			return err
		}
	}
	return nil
}
