package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "wc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustBegin(t *testing.T, s *Store) *Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func dirNode(relpath string) *Node {
	return &Node{RelPath: relpath, Kind: KindDir, Presence: PresenceNormal}
}

func fileNode(relpath string) *Node {
	return &Node{RelPath: relpath, Kind: KindFile, Presence: PresenceNormal}
}

// seedTree commits root -> a/ -> a/f.txt, a/g.txt, b/
func seedTree(t *testing.T, s *Store) {
	t.Helper()
	tx := mustBegin(t, s)
	require.NoError(t, tx.UpsertNode(dirNode("")))
	require.NoError(t, tx.UpsertNode(dirNode("a")))
	require.NoError(t, tx.UpsertNode(fileNode("a/f.txt")))
	require.NoError(t, tx.UpsertNode(fileNode("a/g.txt")))
	require.NoError(t, tx.UpsertNode(dirNode("b")))
	require.NoError(t, tx.Commit())
}

func TestOpenAssignsUUID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wc.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	id, err := s.UUID()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, s.Close())

	// reopening keeps the same identity
	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	id2, err := s2.UUID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestReadNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadNode("missing")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestUpsertRequiresParent(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	defer tx.Rollback()

	// the root itself has no parent requirement
	require.NoError(t, tx.UpsertNode(dirNode("")))

	err := tx.UpsertNode(fileNode("nope/child.txt"))
	assert.ErrorIs(t, err, wcerr.ErrParentNotFound)

	// a file parent is as bad as a missing one
	require.NoError(t, tx.UpsertNode(fileNode("plain.txt")))
	err = tx.UpsertNode(fileNode("plain.txt/child"))
	assert.ErrorIs(t, err, wcerr.ErrParentNotFound)
}

func TestUpsertKindFlip(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	defer tx.Rollback()

	require.NoError(t, tx.UpsertNode(dirNode("")))
	require.NoError(t, tx.UpsertNode(fileNode("x")))

	err := tx.UpsertNode(dirNode("x"))
	assert.ErrorIs(t, err, wcerr.ErrObstructed)

	// same-kind replace is fine
	require.NoError(t, tx.UpsertNode(fileNode("x")))
}

func TestNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)

	require.NoError(t, tx.UpsertNode(dirNode("")))
	want := fileNode("f.txt")
	want.Revision = 7
	want.Checksum = "abc123"
	want.TranslatedSize = 42
	want.ChangedRev = 5
	want.ChangedAuthor = "alice"
	want.ChangedDate = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	want.Props = props.Bag{"mime-type": []byte("text/plain")}
	require.NoError(t, tx.UpsertNode(want))
	require.NoError(t, tx.Commit())

	got, err := s.ReadNode("f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Revision)
	assert.Equal(t, "abc123", got.Checksum)
	assert.Equal(t, "alice", got.ChangedAuthor)
	assert.True(t, want.ChangedDate.Equal(got.ChangedDate))
	assert.Equal(t, []byte("text/plain"), got.Props["mime-type"])
	assert.Nil(t, got.BaseProps, "unmodified props share one record")
	assert.Equal(t, "", got.ParentRelPath)
	assert.Equal(t, "f.txt", got.Name)
}

func TestBasePropsStoredOnlyWhenDiverged(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)

	require.NoError(t, tx.UpsertNode(dirNode("")))
	n := fileNode("f")
	n.Props = props.Bag{"p": []byte("local")}
	n.BaseProps = props.Bag{"p": []byte("pristine")}
	require.NoError(t, tx.UpsertNode(n))
	require.NoError(t, tx.Commit())

	got, err := s.ReadNode("f")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), got.Props["p"])
	require.NotNil(t, got.BaseProps)
	assert.Equal(t, []byte("pristine"), got.BaseProps["p"])
	assert.Equal(t, []byte("pristine"), got.EffectiveBaseProps()["p"])
}

func TestDeleteNode(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	tx := mustBegin(t, s)
	defer tx.Rollback()

	err := tx.DeleteNode("a", false)
	assert.ErrorIs(t, err, wcerr.ErrNotEmpty)

	require.NoError(t, tx.DeleteNode("a", true))
	_, err = tx.ReadNode("a/f.txt")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
	_, err = tx.ReadNode("a")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)

	// b survives
	_, err = tx.ReadNode("b")
	assert.NoError(t, err)

	err = tx.DeleteNode("gone", false)
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestDeleteDoesNotEatLikeMetacharacters(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	require.NoError(t, tx.UpsertNode(dirNode("")))
	require.NoError(t, tx.UpsertNode(dirNode("a_b")))
	require.NoError(t, tx.UpsertNode(dirNode("axb")))
	require.NoError(t, tx.UpsertNode(fileNode("a_b/f")))
	require.NoError(t, tx.Commit())

	tx = mustBegin(t, s)
	require.NoError(t, tx.DeleteNode("a_b", true))
	require.NoError(t, tx.Commit())

	// axb matches a_b under a naive LIKE but must survive
	_, err := s.ReadNode("axb")
	assert.NoError(t, err)
}

func TestListChildrenOrdered(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	require.NoError(t, tx.UpsertNode(dirNode("")))
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, tx.UpsertNode(fileNode(name)))
	}
	require.NoError(t, tx.Commit())

	names, err := s.ListChildren("")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestListTreeParentsFirst(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	nodes, err := s.ListTree("")
	require.NoError(t, err)
	var paths []string
	for _, n := range nodes {
		paths = append(paths, n.RelPath)
	}
	assert.Equal(t, []string{"", "a", "a/f.txt", "a/g.txt", "b"}, paths)

	sub, err := s.ListTree("a")
	require.NoError(t, err)
	paths = nil
	for _, n := range sub {
		paths = append(paths, n.RelPath)
	}
	assert.Equal(t, []string{"a", "a/f.txt", "a/g.txt"}, paths)
}

func TestBeginFailsFastWhileLocked(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)

	_, err := s.Begin(context.Background())
	assert.ErrorIs(t, err, wcerr.ErrLocked)

	require.NoError(t, tx.Rollback())

	tx2, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestRollbackDiscards(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	require.NoError(t, tx.UpsertNode(dirNode("")))
	require.NoError(t, tx.Rollback())

	_, err := s.ReadNode("")
	assert.ErrorIs(t, err, wcerr.ErrPathNotFound)
}

func TestBumpRevisions(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	tx := mustBegin(t, s)
	// a is conflicted; it and its children stay behind
	require.NoError(t, tx.BumpRevisions(9, []string{"a"}))
	require.NoError(t, tx.Commit())

	for path, want := range map[string]int64{
		"":        9,
		"b":       9,
		"a":       0,
		"a/f.txt": 0,
	} {
		n, err := s.ReadNode(path)
		require.NoError(t, err)
		assert.Equal(t, want, n.Revision, "revision of %q", path)
	}
}

func TestConflictLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	tx := mustBegin(t, s)
	c := &Conflict{
		RelPath:      "a/f.txt",
		Kind:         ConflictText,
		Operation:    OpUpdate,
		Reason:       ReasonEdited,
		Action:       ActionEdit,
		MineMarker:   "a/f.txt.mine",
		BaseMarker:   "a/f.txt.r4",
		TheirsMarker: "a/f.txt.r7",
	}
	require.NoError(t, tx.AddConflict(c))

	// one record per kind
	err := tx.AddConflict(c)
	assert.ErrorIs(t, err, wcerr.ErrAlreadyConflicted)

	// a different kind on the same node is fine
	require.NoError(t, tx.AddConflict(&Conflict{
		RelPath: "a/f.txt", Kind: ConflictProp,
		Operation: OpUpdate, Reason: ReasonEdited, Action: ActionEdit,
	}))
	require.NoError(t, tx.Commit())

	got, err := s.ReadConflict("a/f.txt", ConflictText)
	require.NoError(t, err)
	assert.Equal(t, "a/f.txt.mine", got.MineMarker)
	assert.Equal(t, "a/f.txt.r7", got.TheirsMarker)
	assert.False(t, got.CreatedAt.IsZero())

	both, err := s.ReadConflicts("a/f.txt")
	require.NoError(t, err)
	require.Len(t, both, 2)

	all, err := s.ListAllConflicts()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tx = mustBegin(t, s)
	require.NoError(t, tx.RemoveConflict("a/f.txt", ConflictText))
	err = tx.RemoveConflict("a/f.txt", ConflictText)
	assert.ErrorIs(t, err, wcerr.ErrNoSuchConflict)
	require.NoError(t, tx.Commit())

	_, err = s.ReadConflict("a/f.txt", ConflictText)
	assert.ErrorIs(t, err, wcerr.ErrNoSuchConflict)
}

func TestRecursiveDeleteDropsConflicts(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	tx := mustBegin(t, s)
	require.NoError(t, tx.AddConflict(&Conflict{
		RelPath: "a/f.txt", Kind: ConflictText,
		Operation: OpUpdate, Reason: ReasonEdited, Action: ActionEdit,
	}))
	require.NoError(t, tx.Commit())

	tx = mustBegin(t, s)
	require.NoError(t, tx.DeleteNode("a", true))
	require.NoError(t, tx.Commit())

	all, err := s.ListAllConflicts()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkQueueFIFO(t *testing.T) {
	s := newTestStore(t)

	tx := mustBegin(t, s)
	require.NoError(t, tx.EnqueueWork("file-install", []byte(`{"relpath":"a"}`)))
	require.NoError(t, tx.EnqueueWork("sync-flags", []byte(`{"relpath":"a"}`)))
	require.NoError(t, tx.Commit())

	n, err := s.PendingWork()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := s.NextWork()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "file-install", first.Op)

	// not consumed until completed
	again, err := s.NextWork()
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, s.CompleteWork(first.ID))
	second, err := s.NextWork()
	require.NoError(t, err)
	assert.Equal(t, "sync-flags", second.Op)
	require.NoError(t, s.CompleteWork(second.ID))

	empty, err := s.NextWork()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestWorkQueueDiscardedOnRollback(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	require.NoError(t, tx.EnqueueWork("file-install", nil))
	require.NoError(t, tx.Rollback())

	n, err := s.PendingWork()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestChecksumInUse(t *testing.T) {
	s := newTestStore(t)
	tx := mustBegin(t, s)
	require.NoError(t, tx.UpsertNode(dirNode("")))
	f := fileNode("f")
	f.Checksum = "deadbeef"
	require.NoError(t, tx.UpsertNode(f))
	require.NoError(t, tx.Commit())

	used, err := s.ChecksumInUse("deadbeef")
	require.NoError(t, err)
	assert.True(t, used)

	used, err = s.ChecksumInUse("cafebabe")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestRecordObserved(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s)

	mtime := time.Now()
	s.RecordObserved("a/f.txt", 123, mtime)

	n, err := s.ReadNode("a/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(123), n.RecordedSize)
	assert.Equal(t, mtime.UnixNano(), n.RecordedTime)
}
