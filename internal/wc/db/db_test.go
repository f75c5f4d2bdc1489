package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDbInMemory(t *testing.T) {
	d, err := NewSqliteDb()
	require.NoError(t, err)
	defer d.Close()

	var one int
	require.NoError(t, d.Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
}

func TestNewSqliteDbCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "wc.db")
	d, err := NewSqliteDb(WithPath(path), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec("CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestPragmasApplied(t *testing.T) {
	d, err := NewSqliteDb(WithPath(filepath.Join(t.TempDir(), "wc.db")))
	require.NoError(t, err)
	defer d.Close()

	var mode string
	require.NoError(t, d.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}
