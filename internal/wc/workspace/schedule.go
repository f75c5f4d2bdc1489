package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

// ScheduleAdd places an unversioned path under version control as a
// pending add. The path must exist on disk and its parent must already be
// versioned.
func (w *Workspace) ScheduleAdd(ctx context.Context, relpath string) error {
	info, err := os.Lstat(w.abs(relpath))
	if err != nil {
		return wcerr.New(wcerr.ErrPathNotFound, relpath)
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ReadNode(relpath); err == nil {
		return fmt.Errorf("%s is already versioned", relpath)
	}

	kind := store.KindFile
	switch {
	case info.IsDir():
		kind = store.KindDir
	case info.Mode()&os.ModeSymlink != 0:
		kind = store.KindSymlink
	}
	if err := tx.UpsertNode(&store.Node{
		RelPath:  relpath,
		Kind:     kind,
		Presence: store.PresenceAdded,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ScheduleDelete marks a node and its descendants as pending delete. The
// records stay as tombstones until a commit removes them; the working
// files are left alone.
func (w *Workspace) ScheduleDelete(ctx context.Context, relpath string) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	subtree, err := tx.ListTree(relpath)
	if err != nil {
		return err
	}
	if len(subtree) == 0 {
		return wcerr.New(wcerr.ErrPathNotFound, relpath)
	}
	var dropped []string
	underDropped := func(p string) bool {
		for _, d := range dropped {
			if p == d || pathutil.IsAncestor(d, p) {
				return true
			}
		}
		return false
	}
	for _, n := range subtree {
		if underDropped(n.RelPath) {
			continue
		}
		if n.Presence == store.PresenceAdded {
			// Deleting a pending add just forgets the node.
			if err := tx.DeleteNode(n.RelPath, true); err != nil {
				return err
			}
			dropped = append(dropped, n.RelPath)
			continue
		}
		marked := n.Clone()
		marked.Presence = store.PresenceDeleted
		if err := tx.UpsertNode(marked); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (w *Workspace) abs(relpath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relpath))
}
