// Package status walks a working copy read-only and reports per-node
// status: kind, schedule, local modification and conflict flags, computed
// by comparing live files against the recorded metadata. The walk never
// mutates the store, except for an optional write-back of observed
// size/mtime against an unmodified comparison result, which is purely a
// fast path for later walks.
package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/pristine"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"golang.org/x/sync/errgroup"
)

// Depth bounds a status walk.
type Depth int

const (
	// DepthEmpty reports only the target itself.
	DepthEmpty Depth = iota
	// DepthFiles reports the target and its file children.
	DepthFiles
	// DepthImmediates reports the target and all direct children.
	DepthImmediates
	// DepthInfinity reports the whole subtree.
	DepthInfinity
)

// Entry is the status of one path.
type Entry struct {
	RelPath       string
	Kind          store.Kind
	Schedule      string
	Revision      int64
	TextModified  bool
	PropsModified bool
	Missing       bool
	Unversioned   bool
	Excluded      bool
	Conflicts     []store.ConflictKind
	Size          int64
}

// Conflicted reports whether the entry carries any conflict.
func (e *Entry) Conflicted() bool { return len(e.Conflicts) > 0 }

// Options tunes a walk.
type Options struct {
	// IgnoreGlobs filters unversioned entries, doublestar syntax.
	IgnoreGlobs []string
	// StrictChecksum always hashes file content instead of trusting the
	// recorded size/mtime fast path.
	StrictChecksum bool
	// RecordObserved writes size/mtime back to the store for files that
	// compared unmodified.
	RecordObserved bool
	// ReportUnversioned includes unversioned filesystem entries.
	ReportUnversioned bool
}

// Walker produces status entries for one working copy.
type Walker struct {
	store    *store.Store
	pristine *pristine.Store
	root     string
	adminDir string
	cache    *lru.Cache[string, statResult]
}

type statResult struct {
	size     int64
	mtimeNS  int64
	modified bool
}

// NewWalker builds a walker rooted at the working copy's absolute root.
// adminDir is the administrative area's name; it never appears in reports.
func NewWalker(s *store.Store, p *pristine.Store, root, adminDir string) (*Walker, error) {
	cache, err := lru.New[string, statResult](4096)
	if err != nil {
		return nil, err
	}
	return &Walker{store: s, pristine: p, root: root, adminDir: adminDir, cache: cache}, nil
}

func (w *Walker) abs(relpath string) string {
	return filepath.Join(w.root, filepath.FromSlash(relpath))
}

// Walk reports status for relpath and, depth permitting, its descendants,
// invoking fn for each entry in path order. fn returning an error stops the
// walk and surfaces that error.
func (w *Walker) Walk(ctx context.Context, relpath string, depth Depth, opts Options, fn func(*Entry) error) error {
	relpath = pathutil.NormRel(relpath)
	node, err := w.store.ReadNode(relpath)
	if err != nil {
		return err
	}

	entry, err := w.entryFor(ctx, node, opts)
	if err != nil {
		return err
	}
	if err := fn(entry); err != nil {
		return err
	}
	if depth == DepthEmpty || node.Kind != store.KindDir {
		return nil
	}

	childDepth := DepthEmpty
	if depth == DepthInfinity {
		childDepth = DepthInfinity
	}

	names, err := w.store.ListChildren(relpath)
	if err != nil {
		return err
	}
	versioned := make(map[string]bool, len(names))

	// Hash candidates concurrently before emitting, bounded by CPU count;
	// emission order stays lexicographic.
	children := make([]*store.Node, 0, len(names))
	for _, name := range names {
		child, err := w.store.ReadNode(pathutil.Join(relpath, name))
		if err != nil {
			return err
		}
		versioned[name] = true
		if depth == DepthFiles && child.Kind == store.KindDir {
			continue
		}
		children = append(children, child)
	}

	entries := make([]*Entry, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			en, err := w.entryFor(gctx, child, opts)
			if err != nil {
				return err
			}
			entries[i] = en
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, en := range entries {
		if err := ctx.Err(); err != nil {
			return wcerr.New(wcerr.ErrCancelled, "status walk")
		}
		if childDepth == DepthInfinity && children[i].Kind == store.KindDir {
			if err := w.Walk(ctx, children[i].RelPath, DepthInfinity, opts, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(en); err != nil {
			return err
		}
	}

	if opts.ReportUnversioned {
		if err := w.reportUnversioned(relpath, versioned, opts, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) reportUnversioned(relpath string, versioned map[string]bool, opts Options, fn func(*Entry) error) error {
	dirents, err := os.ReadDir(w.abs(relpath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var extra []*Entry
	for _, de := range dirents {
		if versioned[de.Name()] {
			continue
		}
		if relpath == "" && de.Name() == w.adminDir {
			continue
		}
		child := pathutil.Join(relpath, de.Name())
		if w.ignored(child, opts.IgnoreGlobs) {
			continue
		}
		kind := store.KindFile
		if de.IsDir() {
			kind = store.KindDir
		}
		extra = append(extra, &Entry{
			RelPath:     child,
			Kind:        kind,
			Schedule:    "normal",
			Unversioned: true,
		})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].RelPath < extra[j].RelPath })
	for _, en := range extra {
		if err := fn(en); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) ignored(relpath string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, relpath); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(g, filepath.Base(relpath)); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *Walker) entryFor(ctx context.Context, node *store.Node, opts Options) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wcerr.New(wcerr.ErrCancelled, "status walk")
	}
	en := &Entry{
		RelPath:  node.RelPath,
		Kind:     node.Kind,
		Schedule: node.Schedule(),
		Revision: node.Revision,
		Excluded: node.Presence == store.PresenceExcluded,
	}

	conflicts, err := w.store.ReadConflicts(node.RelPath)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		en.Conflicts = append(en.Conflicts, c.Kind)
	}

	if node.BaseProps != nil && !node.BaseProps.Equal(node.Props) {
		en.PropsModified = true
	}

	if node.Kind != store.KindFile || en.Excluded {
		return en, nil
	}

	info, err := os.Stat(w.abs(node.RelPath))
	if err != nil {
		en.Missing = true
		return en, nil
	}
	en.Size = info.Size()

	modified, err := w.textModified(node, info, opts)
	if err != nil {
		return nil, err
	}
	en.TextModified = modified
	return en, nil
}

// textModified applies the size/mtime fast path, falls back to hashing the
// working file against the recorded pristine checksum, and optionally
// records the observed stat for future fast paths.
func (w *Walker) textModified(node *store.Node, info os.FileInfo, opts Options) (bool, error) {
	mtimeNS := info.ModTime().UnixNano()

	if !opts.StrictChecksum {
		if node.RecordedSize >= 0 && info.Size() == node.RecordedSize && mtimeNS == node.RecordedTime {
			return false, nil
		}
		if cached, ok := w.cache.Get(node.RelPath); ok &&
			cached.size == info.Size() && cached.mtimeNS == mtimeNS {
			return cached.modified, nil
		}
	}

	if node.Checksum == "" {
		return info.Size() > 0, nil
	}
	sum, _, err := pristine.ChecksumFile(w.abs(node.RelPath))
	if err != nil {
		return false, err
	}
	modified := sum != node.Checksum

	w.cache.Add(node.RelPath, statResult{size: info.Size(), mtimeNS: mtimeNS, modified: modified})
	if !modified && opts.RecordObserved {
		w.store.RecordObserved(node.RelPath, info.Size(), info.ModTime())
	}
	return modified, nil
}
