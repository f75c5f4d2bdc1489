// Package workspace owns one working-copy root: the metadata store, the
// pristine store and the write lock live here, and the query API exposed to
// frontends (status, node info, conflicts, resolve, properties) is
// implemented on the Workspace type.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openvcs/workcopy/internal/wc/editor"
	"github.com/openvcs/workcopy/internal/wc/lock"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/pristine"
	"github.com/openvcs/workcopy/internal/wc/status"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"github.com/openvcs/workcopy/internal/wc/workqueue"
	"gopkg.in/yaml.v3"
)

const (
	adminDir    = ".workcopy"
	dbFile      = "wc.db"
	pristineDir = "pristine"
	tempDir     = "tmp"
	lockFile    = "wc.lock"
	configFile  = "config.yaml"
)

// Config is the per-workspace configuration stored in the administrative
// area.
type Config struct {
	// IgnoreGlobs filters unversioned entries out of status reports.
	IgnoreGlobs []string `yaml:"ignore_globs"`
	// StrictChecksums disables the size/mtime fast path in status.
	StrictChecksums bool `yaml:"strict_checksums"`
}

// Workspace is one working-copy root.
type Workspace struct {
	Root   string
	Config Config

	store    *store.Store
	pristine *pristine.Store
	lock     *lock.Lock
	walker   *status.Walker
}

// Open creates or opens the working copy rooted at rootDir.
func Open(rootDir string) (*Workspace, error) {
	root, err := pathutil.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working copy root %s: %w", rootDir, err)
	}
	admin := filepath.Join(root, adminDir)

	s, err := store.Open(filepath.Join(admin, dbFile))
	if err != nil {
		return nil, err
	}
	p, err := pristine.Open(filepath.Join(admin, pristineDir))
	if err != nil {
		s.Close()
		return nil, err
	}
	walker, err := status.NewWalker(s, p, root, adminDir)
	if err != nil {
		s.Close()
		return nil, err
	}

	w := &Workspace{
		Root:     root,
		store:    s,
		pristine: p,
		lock:     lock.New(filepath.Join(admin, lockFile)),
		walker:   walker,
	}
	if err := w.loadConfig(); err != nil {
		s.Close()
		return nil, err
	}
	return w, nil
}

func (w *Workspace) loadConfig() error {
	data, err := os.ReadFile(filepath.Join(w.Root, adminDir, configFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace config: %w", err)
	}
	if err := yaml.Unmarshal(data, &w.Config); err != nil {
		return fmt.Errorf("parse workspace config: %w", err)
	}
	return nil
}

func (w *Workspace) Close() error {
	if w.lock.Held() {
		w.lock.Unlock()
	}
	return w.store.Close()
}

// Lock acquires the working-copy write lock, failing fast when another
// live process holds it.
func (w *Workspace) Lock() error { return w.lock.TryLock() }

// Unlock releases the write lock.
func (w *Workspace) Unlock() error { return w.lock.Unlock() }

// Store exposes the metadata store for read-only callers.
func (w *Workspace) Store() *store.Store { return w.store }

// Pristine exposes the pristine store.
func (w *Workspace) Pristine() *pristine.Store { return w.pristine }

// NewEditor starts a tree-delta editor over this working copy. The write
// lock must be held; an edit over an unlocked workspace fails with
// wcerr.ErrNotLocked.
func (w *Workspace) NewEditor(ctx context.Context, op store.Operation, allowObstructions bool, fetcher editor.ContentFetcher) (*editor.Editor, error) {
	if !w.lock.Held() {
		return nil, wcerr.New(wcerr.ErrNotLocked, w.Root)
	}
	return editor.New(ctx, editor.Config{
		Store:             w.store,
		Pristine:          w.pristine,
		Root:              w.Root,
		TempDir:           filepath.Join(w.Root, adminDir, tempDir),
		Operation:         op,
		AllowObstructions: allowObstructions,
		Fetcher:           fetcher,
	}), nil
}

// RunPendingWork finishes work items left over from an interrupted
// operation. Safe to call on a clean workspace.
func (w *Workspace) RunPendingWork(ctx context.Context) error {
	runner := &workqueue.Runner{
		Store:    w.store,
		Pristine: w.pristine,
		Root:     w.Root,
		TempDir:  filepath.Join(w.Root, adminDir, tempDir),
	}
	return runner.RunPending(ctx)
}

// Status walks relpath to the given depth, invoking fn per entry.
func (w *Workspace) Status(ctx context.Context, relpath string, depth status.Depth, fn func(*status.Entry) error) error {
	return w.walker.Walk(ctx, relpath, depth, status.Options{
		IgnoreGlobs:       w.Config.IgnoreGlobs,
		StrictChecksum:    w.Config.StrictChecksums,
		RecordObserved:    true,
		ReportUnversioned: true,
	}, fn)
}

// GetNodeInfo returns the node record at relpath.
func (w *Workspace) GetNodeInfo(relpath string) (*store.Node, error) {
	return w.store.ReadNode(relpath)
}

// ListConflicts returns every conflict record in the working copy.
func (w *Workspace) ListConflicts() ([]*store.Conflict, error) {
	return w.store.ListAllConflicts()
}
