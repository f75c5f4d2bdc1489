// Package wcerr defines the error taxonomy shared by the working-copy engine.
//
// Every condition a caller is expected to branch on is a sentinel value,
// matched with errors.Is. Errors that need per-path context wrap a sentinel
// in an E, so the sentinel still matches through the wrap.
package wcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound means the requested path has no node record.
	ErrPathNotFound = errors.New("path not found")
	// ErrParentNotFound means an upsert named a parent that is missing or
	// not a directory.
	ErrParentNotFound = errors.New("parent not found or not a directory")
	// ErrObstructed means an unversioned filesystem entry occupies a path
	// the operation needs.
	ErrObstructed = errors.New("path obstructed by unversioned item")
	// ErrNotEmpty means a non-recursive delete hit a directory with children.
	ErrNotEmpty = errors.New("directory not empty")
	// ErrStaleBase means the delta's base revision disagrees with the
	// recorded base; another process updated concurrently.
	ErrStaleBase = errors.New("stale base revision")
	// ErrLocked means the working copy write lock is held elsewhere.
	ErrLocked = errors.New("working copy locked")
	// ErrNotLocked means an unlock was attempted without holding the lock.
	ErrNotLocked = errors.New("working copy not locked")
	// ErrCancelled means a cooperative cancellation check fired.
	ErrCancelled = errors.New("operation cancelled")
	// ErrCorruptPristine means stored pristine content failed its checksum.
	ErrCorruptPristine = errors.New("pristine text corrupt")
	// ErrNoSuchConflict means resolve named a conflict kind the node
	// does not carry.
	ErrNoSuchConflict = errors.New("no such conflict")
	// ErrAlreadyConflicted means a second conflict of the same kind was
	// raised on one node.
	ErrAlreadyConflicted = errors.New("node already conflicted")
)

// E wraps a sentinel with the path it concerns and optional expected/actual
// context (revisions, checksums), so callers can render actionable messages.
type E struct {
	Err      error
	Path     string
	Expected string
	Actual   string
}

func (e *E) Error() string {
	switch {
	case e.Expected != "" || e.Actual != "":
		return fmt.Sprintf("%s: %v (expected %s, actual %s)", e.Path, e.Err, e.Expected, e.Actual)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *E) Unwrap() error { return e.Err }

// New wraps sentinel err with a path.
func New(err error, path string) error {
	return &E{Err: err, Path: path}
}

// Newf wraps sentinel err with a path and expected/actual context.
func Newf(err error, path string, expected, actual any) error {
	return &E{
		Err:      err,
		Path:     path,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	}
}
