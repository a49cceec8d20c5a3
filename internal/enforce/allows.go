// Package enforce decides whether an agent may perform a file, network, or
// event operation.
//
// There are two layers. Allows is an advisory, pure check used when
// folding grants (an empty ReadDirs means reads are unrestricted). Engine's
// CanRead and CanWrite resolve real paths and layer deny-rules over the
// allow-set; they are what I/O tools must call.
package enforce

import (
	"path/filepath"

	"github.com/kazz187/accessguard/internal/pathguard"
	"github.com/kazz187/accessguard/internal/permission"
)

// Allows is the advisory check. It performs no I/O and compares cleaned
// strings only.
func Allows(perms permission.SessionPermissions, access permission.Access) bool {
	switch access.Kind {
	case permission.KindNetwork, permission.KindWeb:
		return perms.Network
	case permission.KindEvents:
		return perms.Events
	case permission.KindWorkspace:
		return perms.WorkspaceDir != "" && withinAny(writeRoots(perms), perms.WorkspaceDir)
	case permission.KindRead:
		if pathguard.Validate(access.Path) != nil {
			return false
		}
		if len(perms.ReadDirs) == 0 {
			return true
		}
		return withinAny(readRoots(perms), access.Path)
	case permission.KindWrite:
		if pathguard.Validate(access.Path) != nil {
			return false
		}
		return withinAny(writeRoots(perms), access.Path)
	default:
		return false
	}
}

// readRoots is the explicit read allow-set: the working directory, every
// read root and every write root.
func readRoots(perms permission.SessionPermissions) []string {
	roots := make([]string, 0, 1+len(perms.ReadDirs)+len(perms.WriteDirs))
	if perms.WorkingDir != "" {
		roots = append(roots, perms.WorkingDir)
	}
	roots = append(roots, perms.ReadDirs...)
	return append(roots, perms.WriteDirs...)
}

// writeRoots never includes the working directory.
func writeRoots(perms permission.SessionPermissions) []string {
	return perms.WriteDirs
}

func withinAny(roots []string, path string) bool {
	path = filepath.Clean(path)
	for _, r := range roots {
		if r == "" {
			continue
		}
		if pathguard.IsWithin(filepath.Clean(r), path) {
			return true
		}
	}
	return false
}
