package permission

import "slices"

// Apply returns perms with access folded in and whether anything changed.
// perms itself is never modified.
func Apply(perms SessionPermissions, access Access) (SessionPermissions, bool) {
	next := perms.Clone()
	switch access.Kind {
	case KindRead:
		next.ReadDirs = appendUnique(next.ReadDirs, access.Path)
	case KindWrite:
		next.WriteDirs = appendUnique(next.WriteDirs, access.Path)
	case KindNetwork, KindWeb:
		next.Network = true
	case KindEvents:
		next.Events = true
	case KindWorkspace:
		if next.WorkspaceDir == "" {
			return perms, false
		}
		next.WriteDirs = appendUnique(next.WriteDirs, next.WorkspaceDir)
	default:
		return perms, false
	}
	if next.Equal(perms) {
		return perms, false
	}
	return next, true
}

// ApplyAll folds every access in order.
func ApplyAll(perms SessionPermissions, accesses []Access) (SessionPermissions, bool) {
	changed := false
	for _, a := range accesses {
		var c bool
		perms, c = Apply(perms, a)
		changed = changed || c
	}
	return perms, changed
}

func appendUnique(dirs []string, dir string) []string {
	if slices.Contains(dirs, dir) {
		return dirs
	}
	return append(dirs, dir)
}
