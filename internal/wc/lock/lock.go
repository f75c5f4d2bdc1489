// Package lock guards a working-copy root against concurrent writers from
// other processes. The lock is a pid file plus an advisory flock; a lock
// left behind by a crashed process is detected by probing the recorded pid
// for liveness and then reclaimed, never blindly overridden.
package lock

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"github.com/shirou/gopsutil/v4/process"
)

// Lock is the write lock for one working-copy root.
type Lock struct {
	path  string
	flock *flock.Flock
	held  bool
}

// New prepares a lock at path (the lock file location). Nothing is acquired
// until TryLock.
func New(path string) *Lock {
	return &Lock{path: path, flock: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. It fails fast with
// wcerr.ErrLocked when another live process holds it. A lock file whose
// recorded pid no longer maps to a running process is treated as stale and
// reclaimed.
func (l *Lock) TryLock() error {
	if err := pathutil.EnsureParent(l.path); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if !locked {
		return wcerr.New(wcerr.ErrLocked, l.path)
	}

	// The flock is ours. If a pid file exists from a previous holder,
	// check whether that process is still alive before claiming: flock
	// state does not survive some filesystems, the pid is the authority.
	if pid, ok := l.readPid(); ok && pid != os.Getpid() {
		alive, err := process.PidExists(int32(pid))
		if err == nil && alive {
			l.flock.Unlock()
			return wcerr.Newf(wcerr.ErrLocked, l.path, os.Getpid(), pid)
		}
		slog.Warn("reclaiming stale working copy lock", "path", l.path, "pid", pid)
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		l.flock.Unlock()
		return fmt.Errorf("write lock file %s: %w", l.path, err)
	}
	l.held = true
	return nil
}

// Unlock releases the lock. Unlocking without holding it fails with
// wcerr.ErrNotLocked.
func (l *Lock) Unlock() error {
	if !l.held {
		return wcerr.New(wcerr.ErrNotLocked, l.path)
	}
	l.held = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return os.Remove(l.path)
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool { return l.held }

func (l *Lock) readPid() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
