// Package pristine stores the last-known repository content of every file,
// content-addressed by blake3 checksum and shared across nodes with
// identical content. New content is always staged in a temp area and moved
// into place with an atomic rename, so a crash mid-write never corrupts an
// existing pristine text.
package pristine

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openvcs/workcopy/internal/wc/pathutil"
	"github.com/openvcs/workcopy/internal/wc/wcerr"
	"lukechampine.com/blake3"
)

const tmpDir = "tmp"

// Store is one pristine store rooted at a directory inside the working
// copy's administrative area.
type Store struct {
	dir string
}

// Open creates or opens a pristine store at dir.
func Open(dir string) (*Store, error) {
	if err := pathutil.EnsureDir(filepath.Join(dir, tmpDir)); err != nil {
		return nil, fmt.Errorf("create pristine store at %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Checksum returns the hex blake3-256 checksum of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile hashes the file at path, returning its checksum and size.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Path returns where the pristine text for sum lives (whether or not it
// exists yet). Content is fanned out by the first two checksum bytes.
func (s *Store) Path(sum string) string {
	return filepath.Join(s.dir, sum[:2], sum)
}

// Has reports whether sum is present in the store.
func (s *Store) Has(sum string) bool {
	return pathutil.FileExists(s.Path(sum))
}

// Install streams r into the store and returns its checksum and size.
// Installing content that is already present is a no-op reusing the
// existing text.
func (s *Store) Install(r io.Reader) (string, int64, error) {
	t, err := s.NewTemp()
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(t, r); err != nil {
		t.Abort()
		return "", 0, fmt.Errorf("stage pristine content: %w", err)
	}
	return t.Install()
}

// InstallBytes installs in-memory content.
func (s *Store) InstallBytes(data []byte) (string, int64, error) {
	t, err := s.NewTemp()
	if err != nil {
		return "", 0, err
	}
	if _, err := t.Write(data); err != nil {
		t.Abort()
		return "", 0, err
	}
	return t.Install()
}

// Open returns a reader over the pristine text for sum. The caller owns the
// returned file.
func (s *Store) Open(sum string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(sum))
	if os.IsNotExist(err) {
		return nil, wcerr.New(wcerr.ErrPathNotFound, sum)
	}
	if err != nil {
		return nil, fmt.Errorf("open pristine %s: %w", sum, err)
	}
	return f, nil
}

// Read returns the pristine text for sum, verifying it against its checksum
// and failing with wcerr.ErrCorruptPristine on mismatch.
func (s *Store) Read(sum string) ([]byte, error) {
	f, err := s.Open(sum)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read pristine %s: %w", sum, err)
	}
	if actual := Checksum(data); actual != sum {
		return nil, wcerr.Newf(wcerr.ErrCorruptPristine, s.Path(sum), sum, actual)
	}
	return data, nil
}

// Remove deletes the pristine text for sum if present. Callers must know
// no node record references the content any more.
func (s *Store) Remove(sum string) error {
	err := os.Remove(s.Path(sum))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pristine %s: %w", sum, err)
	}
	return nil
}

// CleanupTemp removes everything left in the temp area, e.g. after an
// aborted edit.
func (s *Store) CleanupTemp() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, tmpDir))
	if err != nil {
		return fmt.Errorf("read pristine temp area: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, tmpDir, e.Name())); err != nil {
			return fmt.Errorf("remove temp %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Temp is a streaming sink for incoming file content. Bytes are hashed as
// they are written; Install moves the finished text into the store with an
// atomic rename.
type Temp struct {
	f      *os.File
	hash   *blake3.Hasher
	size   int64
	s      *Store
	closed bool
}

// NewTemp opens a fresh streaming sink in the store's temp area.
func (s *Store) NewTemp() (*Temp, error) {
	path := filepath.Join(s.dir, tmpDir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create pristine temp file: %w", err)
	}
	return &Temp{f: f, hash: blake3.New(32, nil), s: s}, nil
}

func (t *Temp) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	t.hash.Write(p[:n])
	t.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write pristine temp: %w", err)
	}
	return n, nil
}

// Close flushes the sink without installing; Install and Abort both imply it.
func (t *Temp) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.f.Close()
}

// Checksum returns the checksum of everything written so far.
func (t *Temp) Checksum() string {
	return hex.EncodeToString(t.hash.Sum(nil))
}

// Install finalizes the temp file into the store and returns its checksum
// and size.
func (t *Temp) Install() (string, int64, error) {
	if err := t.Close(); err != nil {
		return "", 0, fmt.Errorf("close pristine temp: %w", err)
	}
	sum := t.Checksum()
	dest := t.s.Path(sum)
	if err := pathutil.EnsureParent(dest); err != nil {
		return "", 0, fmt.Errorf("create pristine bucket: %w", err)
	}
	if err := os.Rename(t.f.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("install pristine %s: %w", sum, err)
	}
	return sum, t.size, nil
}

// Abort discards the temp file.
func (t *Temp) Abort() {
	t.Close()
	os.Remove(t.f.Name())
}
