package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcs/workcopy/internal/wc/conflict"
	"github.com/openvcs/workcopy/internal/wc/status"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

// checkout drives an initial edit producing revision 1:
//
//	docs/          (dir)
//	docs/readme    "hello\n"
//	notes.txt      "notes\n"
func checkout(t *testing.T, w *Workspace) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.Lock())
	defer w.Unlock()

	ed, err := w.NewEditor(ctx, store.OpUpdate, false, nil)
	require.NoError(t, err)
	require.NoError(t, ed.SetTargetRevision(1))
	root, err := ed.OpenRoot(0)
	require.NoError(t, err)

	docs, err := ed.AddDirectory("docs", root)
	require.NoError(t, err)
	rd, err := ed.AddFile("docs/readme", docs)
	require.NoError(t, err)
	sink, err := ed.ApplyTextDelta(rd)
	require.NoError(t, err)
	_, err = sink.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(rd, ""))
	require.NoError(t, ed.CloseDirectory(docs))

	nt, err := ed.AddFile("notes.txt", root)
	require.NoError(t, err)
	sink, err = ed.ApplyTextDelta(nt)
	require.NoError(t, err)
	_, err = sink.Write([]byte("notes\n"))
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(nt, ""))

	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())
}

// conflictingUpdate locally edits docs/readme and then applies an incoming
// edit of the same file at revision 2, producing a text conflict.
func conflictingUpdate(t *testing.T, w *Workspace) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(w.abs("docs/readme"), []byte("local\n"), 0o644))

	require.NoError(t, w.Lock())
	defer w.Unlock()
	ed, err := w.NewEditor(ctx, store.OpUpdate, false, nil)
	require.NoError(t, err)
	require.NoError(t, ed.SetTargetRevision(2))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)
	docs, err := ed.OpenDirectory("docs", root)
	require.NoError(t, err)
	rd, err := ed.OpenFile("docs/readme", docs)
	require.NoError(t, err)
	sink, err := ed.ApplyTextDelta(rd)
	require.NoError(t, err)
	_, err = sink.Write([]byte("incoming\n"))
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(rd, ""))
	require.NoError(t, ed.CloseDirectory(docs))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())
}

func readFile(t *testing.T, w *Workspace, relpath string) string {
	t.Helper()
	data, err := os.ReadFile(w.abs(relpath))
	require.NoError(t, err)
	return string(data)
}

func TestOpenCreatesAdminArea(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	assert.FileExists(t, filepath.Join(dir, adminDir, dbFile))
	assert.DirExists(t, filepath.Join(dir, adminDir, pristineDir))
}

func TestNewEditorRequiresLock(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.NewEditor(context.Background(), store.OpUpdate, false, nil)
	assert.ErrorIs(t, err, wcerr.ErrNotLocked)
}

func TestCheckoutAndStatus(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)

	assert.Equal(t, "hello\n", readFile(t, w, "docs/readme"))

	entries := make(map[string]*status.Entry)
	err := w.Status(context.Background(), "", status.DepthInfinity, func(e *status.Entry) error {
		entries[e.RelPath] = e
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, entries, "docs/readme")
	assert.False(t, entries["docs/readme"].TextModified)
	assert.NotContains(t, entries, adminDir)

	info, err := w.GetNodeInfo("docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Revision)
}

func TestPropSetGetList(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	require.NoError(t, w.PropSet(ctx, "notes.txt", "mime-type", []byte("text/plain")))

	v, err := w.PropGet("notes.txt", "mime-type")
	require.NoError(t, err)
	assert.Equal(t, []byte("text/plain"), v)

	// unset property reads as nil, not an error
	v, err = w.PropGet("notes.txt", "nope")
	require.NoError(t, err)
	assert.Nil(t, v)

	bag, err := w.PropList("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"mime-type"}, bag.Names())

	// the pristine layer was materialized, so status sees the divergence
	info, err := w.GetNodeInfo("notes.txt")
	require.NoError(t, err)
	require.NotNil(t, info.BaseProps)
	assert.NotContains(t, info.BaseProps, "mime-type")

	// deleting brings the bag back in line
	require.NoError(t, w.PropSet(ctx, "notes.txt", "mime-type", nil))
	bag, err = w.PropList("notes.txt")
	require.NoError(t, err)
	assert.Empty(t, bag)
}

func TestPropSetDeleteMissing(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	err := w.PropSet(context.Background(), "notes.txt", "never-set", nil)
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestScheduleAdd(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(w.abs("new.txt"), []byte("x"), 0o644))
	require.NoError(t, w.ScheduleAdd(ctx, "new.txt"))

	info, err := w.GetNodeInfo("new.txt")
	require.NoError(t, err)
	assert.Equal(t, store.PresenceAdded, info.Presence)
	assert.Equal(t, "add", info.Schedule())

	// double add fails
	err = w.ScheduleAdd(ctx, "new.txt")
	assert.ErrorContains(t, err, "already versioned")

	// adding a path that is not on disk fails
	err = w.ScheduleAdd(ctx, "phantom.txt")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestScheduleDelete(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	require.NoError(t, w.ScheduleDelete(ctx, "docs"))

	for _, path := range []string{"docs", "docs/readme"} {
		info, err := w.GetNodeInfo(path)
		require.NoError(t, err)
		assert.Equal(t, store.PresenceDeleted, info.Presence, "presence of %q", path)
	}
	// working files stay put until commit
	assert.FileExists(t, w.abs("docs/readme"))

	err := w.ScheduleDelete(ctx, "nope")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestScheduleDeleteForgetsPendingAdd(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(w.abs("new.txt"), []byte("x"), 0o644))
	require.NoError(t, w.ScheduleAdd(ctx, "new.txt"))
	require.NoError(t, w.ScheduleDelete(ctx, "new.txt"))

	_, err := w.GetNodeInfo("new.txt")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestResolveTextTheirs(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	conflictingUpdate(t, w)

	// conflict left the local text and the three markers in place
	assert.Equal(t, "local\n", readFile(t, w, "docs/readme"))
	assert.FileExists(t, w.abs("docs/readme.mine"))
	assert.FileExists(t, w.abs("docs/readme.r1"))
	assert.FileExists(t, w.abs("docs/readme.r2"))

	require.NoError(t, w.Resolve(context.Background(), "docs/readme", store.ConflictText, conflict.ChooseTheirs))

	assert.Equal(t, "incoming\n", readFile(t, w, "docs/readme"))
	assert.NoFileExists(t, w.abs("docs/readme.mine"))
	assert.NoFileExists(t, w.abs("docs/readme.r1"))
	assert.NoFileExists(t, w.abs("docs/readme.r2"))

	_, err := w.Store().ReadConflict("docs/readme", store.ConflictText)
	assert.ErrorIs(t, err, wcerr.ErrNoSuchConflict)
}

func TestResolveTextMine(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	conflictingUpdate(t, w)

	require.NoError(t, w.Resolve(context.Background(), "docs/readme", store.ConflictText, conflict.ChooseMine))

	assert.Equal(t, "local\n", readFile(t, w, "docs/readme"))
	assert.NoFileExists(t, w.abs("docs/readme.mine"))

	conflicts, err := w.ListConflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolvePropTheirs(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	// local property change that the incoming edit collides with
	require.NoError(t, w.PropSet(ctx, "notes.txt", "owner", []byte("me")))

	require.NoError(t, w.Lock())
	ed, err := w.NewEditor(ctx, store.OpUpdate, false, nil)
	require.NoError(t, err)
	require.NoError(t, ed.SetTargetRevision(2))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)
	nt, err := ed.OpenFile("notes.txt", root)
	require.NoError(t, err)
	require.NoError(t, ed.ChangeFileProp(nt, "owner", []byte("them")))
	require.NoError(t, ed.CloseFile(nt, ""))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())
	require.NoError(t, w.Unlock())

	assert.FileExists(t, w.abs("notes.txt.prej"))

	require.NoError(t, w.Resolve(ctx, "notes.txt", store.ConflictProp, conflict.ChooseTheirs))

	v, err := w.PropGet("notes.txt", "owner")
	require.NoError(t, err)
	assert.Equal(t, []byte("them"), v)
	assert.NoFileExists(t, w.abs("notes.txt.prej"))
}

func TestResolveTreeClearsRecord(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	ctx := context.Background()

	tx, err := w.Store().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddConflict(&store.Conflict{
		RelPath: "docs", Kind: store.ConflictTree,
		Operation: store.OpUpdate, Reason: store.ReasonEdited, Action: store.ActionDelete,
	}))
	require.NoError(t, tx.Commit())

	require.NoError(t, w.Resolve(ctx, "docs", store.ConflictTree, conflict.ChooseMerged))

	conflicts, err := w.ListConflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveNoSuchConflict(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	err := w.Resolve(context.Background(), "notes.txt", store.ConflictText, conflict.ChooseMine)
	assert.ErrorIs(t, err, wcerr.ErrNoSuchConflict)
}

func TestConfigIgnoreGlobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, adminDir), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, adminDir, configFile),
		[]byte("ignore_globs:\n  - \"*.tmp\"\n"), 0o644))

	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []string{"*.tmp"}, w.Config.IgnoreGlobs)

	checkout(t, w)
	require.NoError(t, os.WriteFile(w.abs("scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(w.abs("keep.txt"), []byte("x"), 0o644))

	entries := make(map[string]*status.Entry)
	err = w.Status(context.Background(), "", status.DepthInfinity, func(e *status.Entry) error {
		entries[e.RelPath] = e
		return nil
	})
	require.NoError(t, err)
	assert.NotContains(t, entries, "scratch.tmp")
	require.Contains(t, entries, "keep.txt")
	assert.True(t, entries["keep.txt"].Unversioned)
}

func TestRunPendingWorkOnCleanWorkspace(t *testing.T) {
	w := newWorkspace(t)
	checkout(t, w)
	require.NoError(t, w.RunPendingWork(context.Background()))
}
