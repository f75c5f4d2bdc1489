package conflict

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcs/workcopy/internal/wc/props"
	"github.com/openvcs/workcopy/internal/wc/store"
)

func TestTextMarkers(t *testing.T) {
	mine, base, theirs := TextMarkers("src/app.c", 4, 9)
	assert.Equal(t, "src/app.c.mine", mine)
	assert.Equal(t, "src/app.c.r4", base)
	assert.Equal(t, "src/app.c.r9", theirs)
}

func TestPrejPath(t *testing.T) {
	assert.Equal(t, "src/app.c.prej", PrejPath("src/app.c", store.KindFile))
	assert.Equal(t, "src/dir_conflicts.prej", PrejPath("src", store.KindDir))
	assert.Equal(t, "dir_conflicts.prej", PrejPath("", store.KindDir))
}

func TestParseChoice(t *testing.T) {
	for _, s := range []string{"base", "mine", "theirs", "merged"} {
		c, err := ParseChoice(s)
		require.NoError(t, err)
		assert.Equal(t, Choice(s), c)
	}
	_, err := ParseChoice("ours")
	assert.Error(t, err)
}

func TestRecordTextWithoutBaseSnapshot(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "wc.db"))
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, RecordText(tx, "f.txt", store.OpUpdate, 1, 2, "", "abc123"))
	require.NoError(t, tx.Commit())

	// a side with no pristine gets no marker name, so resolution never
	// points at a file that was never queued
	c, err := s.ReadConflict("f.txt", store.ConflictText)
	require.NoError(t, err)
	assert.Empty(t, c.BaseMarker)
	assert.Equal(t, "f.txt.mine", c.MineMarker)
	assert.Equal(t, "f.txt.r2", c.TheirsMarker)

	// only the local copy and the incoming install were queued
	n, err := s.PendingWork()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConflictedPropsRoundTrip(t *testing.T) {
	in := []props.ConflictedProp{{
		Name:     "owner",
		Base:     nil,
		Mine:     []byte("me"),
		Incoming: []byte("them"),
	}}
	c := &store.Conflict{PropRej: mustJSON(t, in)}
	out, err := ConflictedProps(c)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "owner", out[0].Name)
	assert.Nil(t, out[0].Base)
	assert.Equal(t, []byte("them"), out[0].Incoming)

	// an empty record decodes to nothing
	none, err := ConflictedProps(&store.Conflict{})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
