// Package pathguard canonicalizes candidate paths against a set of allowed
// roots. Every comparison is made between symlink-resolved forms of both the
// root and the candidate; a literal path inside a root whose real location
// is elsewhere is rejected.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxSymlinkHops bounds manual resolution of dangling symlink chains.
const maxSymlinkHops = 40

var (
	ErrInvalidPath    = errors.New("invalid path")
	ErrOutsideAllowed = errors.New("outside allowed directories")
	ErrSymlink        = errors.New("cannot open symlink directly")
)

// Resolution is the canonical form of a candidate and the canonical root
// that contains it.
type Resolution struct {
	Path string
	Root string
}

// Validate rejects candidates that must never reach the filesystem.
func Validate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(candidate, 0) {
		return fmt.Errorf("%w: path contains a null byte", ErrInvalidPath)
	}
	if !filepath.IsAbs(candidate) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, candidate)
	}
	return nil
}

// Resolve returns the canonical path of candidate and the first allowed root
// containing it. Candidates that do not exist yet are canonicalized through
// their longest existing ancestor.
func Resolve(roots []string, candidate string) (Resolution, error) {
	if err := Validate(candidate); err != nil {
		return Resolution{}, err
	}
	canonical, err := Canonicalize(candidate)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrOutsideAllowed, candidate)
	}
	root, ok := matchRoot(roots, canonical)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrOutsideAllowed, candidate)
	}
	return Resolution{Path: canonical, Root: root}, nil
}

// CanonicalRoots canonicalizes every valid absolute root, dropping the rest.
func CanonicalRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if Validate(r) != nil {
			continue
		}
		c, err := Canonicalize(r)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchRoot(roots []string, canonical string) (string, bool) {
	for _, root := range CanonicalRoots(roots) {
		if IsWithin(root, canonical) {
			return root, true
		}
	}
	return "", false
}

// IsWithin reports whether candidate equals base or lies beneath it. It is a
// pure string comparison; both arguments must already be canonical.
func IsWithin(base, candidate string) bool {
	base = filepath.Clean(base)
	candidate = filepath.Clean(candidate)
	if base == candidate {
		return true
	}
	if base == string(filepath.Separator) {
		return strings.HasPrefix(candidate, base)
	}
	return strings.HasPrefix(candidate, base+string(filepath.Separator))
}

// Canonicalize resolves every symlink in path. Missing trailing components
// are re-appended to the canonical form of the longest existing ancestor;
// dangling symlinks along the way are followed to where they point.
func Canonicalize(path string) (string, error) {
	if err := Validate(path); err != nil {
		return "", err
	}
	return canonicalize(filepath.Clean(path), 0)
}

func canonicalize(path string, hops int) (string, error) {
	if hops > maxSymlinkHops {
		return "", fmt.Errorf("too many levels of symbolic links: %s", path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	parentResolved, err := canonicalize(parent, hops)
	if err != nil {
		return "", err
	}
	full := filepath.Join(parentResolved, filepath.Base(path))

	info, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return full, nil
		}
		return "", err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return full, nil
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(parentResolved, target)
	}
	return canonicalize(filepath.Clean(target), hops+1)
}
