package pathutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolvePath expands ~ and returns a cleaned absolute path.
func ResolvePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(p, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		p = strings.Replace(p, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// NormRel normalizes a working-copy relative path: cleans it, converts
// backslashes to forward slashes, and trims leading slashes. The working-copy
// root itself is the empty string.
func NormRel(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Join joins working-copy relative path segments with forward slashes.
func Join(elem ...string) string {
	return NormRel(path.Join(elem...))
}

// Parent returns the parent relpath of p and its basename. The parent of a
// top-level entry is "" (the root); Parent("") returns ("", "").
func Parent(p string) (dir, name string) {
	p = NormRel(p)
	if p == "" {
		return "", ""
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// IsAncestor reports whether ancestor is "" (the root) or a path prefix of p
// at a component boundary. A path is not its own ancestor.
func IsAncestor(ancestor, p string) bool {
	ancestor = NormRel(ancestor)
	p = NormRel(p)
	if p == "" || p == ancestor {
		return false
	}
	if ancestor == "" {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

func EnsureParent(p string) error {
	return EnsureDir(filepath.Dir(p))
}

func EnsureDir(p string) error {
	// already exists
	if _, err := os.Stat(p); err == nil {
		return nil
	}

	return os.MkdirAll(p, 0o755)
}

func DirExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
