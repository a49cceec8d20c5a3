//go:build unix

package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// OpenExclusive opens candidate without following a trailing symlink and
// proves that the opened handle is a regular file under an allowed root.
// The parent directory is canonicalized, the final component is opened with
// O_NOFOLLOW, and the handle's device/inode and real location are compared
// against the checked path so a swap between check and use is detected.
func OpenExclusive(roots []string, candidate string, flag int, perm os.FileMode) (*os.File, Resolution, error) {
	if err := Validate(candidate); err != nil {
		return nil, Resolution{}, err
	}
	clean := filepath.Clean(candidate)
	parent, err := Canonicalize(filepath.Dir(clean))
	if err != nil {
		return nil, Resolution{}, fmt.Errorf("%w: %s", ErrOutsideAllowed, candidate)
	}
	target := filepath.Join(parent, filepath.Base(clean))
	root, ok := matchRoot(roots, target)
	if !ok {
		return nil, Resolution{}, fmt.Errorf("%w: %s", ErrOutsideAllowed, candidate)
	}
	res := Resolution{Path: target, Root: root}

	fd, created, err := openNoFollow(target, flag, perm)
	if err != nil {
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.EMLINK) {
			return nil, Resolution{}, fmt.Errorf("%w: %s", ErrSymlink, candidate)
		}
		return nil, Resolution{}, &os.PathError{Op: "open", Path: target, Err: err}
	}
	if err := verify(fd, res); err != nil {
		if created {
			removeCreated(fd, target)
		}
		_ = unix.Close(fd)
		return nil, Resolution{}, err
	}
	return os.NewFile(uintptr(fd), target), res, nil
}

var verify = verifyHandle

// openNoFollow opens target with O_NOFOLLOW and reports whether this call
// created the file. O_CREATE without O_EXCL is split into an exclusive
// create and, if the file already exists, a plain open.
func openNoFollow(target string, flag int, perm os.FileMode) (int, bool, error) {
	mode := uint32(perm.Perm())
	flag |= unix.O_NOFOLLOW | unix.O_CLOEXEC
	if flag&unix.O_CREAT == 0 {
		fd, err := unix.Open(target, flag, mode)
		return fd, false, err
	}
	if flag&unix.O_EXCL != 0 {
		fd, err := unix.Open(target, flag, mode)
		return fd, err == nil, err
	}
	fd, err := unix.Open(target, flag|unix.O_EXCL, mode)
	if err == nil {
		return fd, true, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return -1, false, err
	}
	fd, err = unix.Open(target, flag&^unix.O_CREAT, mode)
	return fd, false, err
}

// removeCreated unlinks target only while it still names the file behind fd.
func removeCreated(fd int, target string) {
	var handle, named unix.Stat_t
	if unix.Fstat(fd, &handle) != nil || unix.Lstat(target, &named) != nil {
		return
	}
	if named.Dev == handle.Dev && named.Ino == handle.Ino {
		_ = unix.Unlink(target)
	}
}

func verifyHandle(fd int, res Resolution) error {
	var handle unix.Stat_t
	if err := unix.Fstat(fd, &handle); err != nil {
		return fmt.Errorf("failed to stat handle for %s: %w", res.Path, err)
	}
	if handle.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("%w: %s is not a regular file", ErrOutsideAllowed, res.Path)
	}

	real, err := handlePath(fd, res.Path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideAllowed, res.Path)
	}
	if !IsWithin(res.Root, real) {
		return fmt.Errorf("%w: %s", ErrOutsideAllowed, res.Path)
	}

	var named unix.Stat_t
	if err := unix.Lstat(real, &named); err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideAllowed, res.Path)
	}
	if named.Dev != handle.Dev || named.Ino != handle.Ino {
		return fmt.Errorf("%w: %s changed while being opened", ErrOutsideAllowed, res.Path)
	}
	return nil
}

// handlePath reports where the open handle actually lives. Linux exposes it
// through /proc; elsewhere the checked path is re-resolved instead.
func handlePath(fd int, checked string) (string, error) {
	if p, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd)); err == nil && filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.EvalSymlinks(checked)
}
