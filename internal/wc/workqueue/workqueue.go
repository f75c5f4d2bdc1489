// Package workqueue executes the durable post-transaction filesystem
// operations queued by the editor. Items are enqueued inside the metadata
// transaction they belong to and run strictly in FIFO order after it
// commits; every operation overwrites rather than appends, so an
// interrupted run can be resumed by running the queue again.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/pristine"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
)

const (
	// OpFileInstall materializes pristine content as the file at RelPath.
	OpFileInstall = "file-install"
	// OpFileRemove deletes the file at RelPath if present.
	OpFileRemove = "file-remove"
	// OpFileCopy copies From over To.
	OpFileCopy = "file-copy"
	// OpFileMove renames From to To.
	OpFileMove = "file-move"
	// OpDirCreate makes the directory at RelPath, parents included.
	OpDirCreate = "dir-create"
	// OpDirRemove removes the directory at RelPath, recursively when asked.
	OpDirRemove = "dir-remove"
	// OpLinkCreate points a symlink at RelPath to Target.
	OpLinkCreate = "link-create"
	// OpWriteFile writes literal Content to RelPath.
	OpWriteFile = "write-file"
	// OpSyncFlags applies the executable bit at RelPath.
	OpSyncFlags = "sync-flags"
)

// Args is the argument record shared by all ops; unused fields stay at
// their zero value.
type Args struct {
	RelPath    string `json:"relpath,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Target     string `json:"target,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Content    []byte `json:"content,omitempty"`
	Executable bool   `json:"executable,omitempty"`
	Recursive  bool   `json:"recursive,omitempty"`
}

// Enqueue serializes one work item into the active transaction.
func Enqueue(tx *store.Tx, op string, args Args) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode work item %s: %w", op, err)
	}
	return tx.EnqueueWork(op, raw)
}

// Runner drains the committed work queue against the working copy on disk.
type Runner struct {
	Store    *store.Store
	Pristine *pristine.Store
	Root     string // absolute working-copy root
	TempDir  string // staging area for atomic installs
}

// RunPending executes queued items in enqueue order. On failure it halts
// without discarding the remaining items so a later retry can resume from
// the failed item. Cancellation is polled before each item.
func (r *Runner) RunPending(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return wcerr.New(wcerr.ErrCancelled, "work queue")
		}
		item, err := r.Store.NextWork()
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		if err := r.run(item); err != nil {
			return fmt.Errorf("work item %d (%s): %w", item.ID, item.Op, err)
		}
		if err := r.Store.CompleteWork(item.ID); err != nil {
			return err
		}
	}
}

func (r *Runner) abs(relpath string) string {
	return filepath.Join(r.Root, filepath.FromSlash(relpath))
}

func (r *Runner) run(item *store.WorkItem) error {
	var args Args
	if err := json.Unmarshal(item.Args, &args); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	slog.Debug("work queue", "op", item.Op, "path", args.RelPath)

	switch item.Op {
	case OpFileInstall:
		return r.fileInstall(args)
	case OpFileRemove:
		err := os.Remove(r.abs(args.RelPath))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	case OpFileCopy:
		return copyFile(r.abs(args.From), r.abs(args.To))
	case OpFileMove:
		err := os.Rename(r.abs(args.From), r.abs(args.To))
		if errors.Is(err, fs.ErrNotExist) && pathutil.FileExists(r.abs(args.To)) {
			return nil // already moved on a previous run
		}
		return err
	case OpDirCreate:
		return pathutil.EnsureDir(r.abs(args.RelPath))
	case OpDirRemove:
		path := r.abs(args.RelPath)
		if args.Recursive {
			return os.RemoveAll(path)
		}
		// Non-recursive removal leaves a directory that still holds
		// unversioned entries in place.
		entries, err := os.ReadDir(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return nil
		}
		return os.Remove(path)
	case OpLinkCreate:
		return r.linkCreate(args)
	case OpWriteFile:
		return r.atomicWrite(args.RelPath, args.Content, args.Executable)
	case OpSyncFlags:
		return syncFlags(r.abs(args.RelPath), args.Executable)
	default:
		return fmt.Errorf("unknown op %q", item.Op)
	}
}

// fileInstall writes verified pristine content to a temp file and renames
// it over the destination, never writing the destination in place.
func (r *Runner) fileInstall(args Args) error {
	data, err := r.Pristine.Read(args.Checksum)
	if err != nil {
		return err
	}
	return r.atomicWrite(args.RelPath, data, args.Executable)
}

func (r *Runner) atomicWrite(relpath string, data []byte, executable bool) error {
	dest := r.abs(relpath)
	if err := pathutil.EnsureDir(r.TempDir); err != nil {
		return err
	}
	tmp := filepath.Join(r.TempDir, uuid.NewString())
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("stage %s: %w", relpath, err)
	}
	if err := pathutil.EnsureParent(dest); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install %s: %w", relpath, err)
	}
	return nil
}

// linkCreate replaces whatever sits at RelPath with a symlink to Target.
// Removing the old entry first keeps the op retryable.
func (r *Runner) linkCreate(args Args) error {
	dest := r.abs(args.RelPath)
	if err := pathutil.EnsureParent(dest); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(args.Target, dest)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if err := pathutil.EnsureParent(to); err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func syncFlags(path string, executable bool) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	mode := info.Mode().Perm() &^ 0o111
	if executable {
		mode = info.Mode().Perm() | 0o111
	}
	return os.Chmod(path, mode)
}
