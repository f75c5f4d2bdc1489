package workspace

import (
	"bytes"
	"context"

	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

// PropGet returns the working value of one property, or
// wcerr.ErrPathNotFound for the node / nil for an unset property.
func (w *Workspace) PropGet(relpath, name string) ([]byte, error) {
	node, err := w.store.ReadNode(relpath)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(node.Props[name]), nil
}

// PropList returns the full working property bag of a node.
func (w *Workspace) PropList(relpath string) (props.Bag, error) {
	node, err := w.store.ReadNode(relpath)
	if err != nil {
		return nil, err
	}
	return node.Props.Clone(), nil
}

// PropSet sets (or, with a nil value, deletes) one working property. The
// pristine layer is materialized on first divergence so later 3-way merges
// still see the true base.
func (w *Workspace) PropSet(ctx context.Context, relpath, name string, value []byte) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	node, err := tx.ReadNode(relpath)
	if err != nil {
		return err
	}
	if node.BaseProps == nil {
		node.BaseProps = node.Props.Clone()
		if node.BaseProps == nil {
			node.BaseProps = make(props.Bag)
		}
	}
	if node.Props == nil {
		node.Props = make(props.Bag)
	}
	if value == nil {
		if _, ok := node.Props[name]; !ok {
			return wcerr.New(wcerr.ErrPathNotFound, relpath+"@"+name)
		}
		delete(node.Props, name)
	} else {
		node.Props[name] = bytes.Clone(value)
	}
	if err := tx.UpsertNode(node); err != nil {
		return err
	}
	return tx.Commit()
}
