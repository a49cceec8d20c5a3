package enforce

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kazz187/accessguard/internal/pathguard"
	"github.com/kazz187/accessguard/internal/permission"
)

// Config tunes the deny-rules. Zero values pick the OS home directory, no
// app isolation, and the default policy file names.
type Config struct {
	HomeDir           string
	AppsDir           string
	AppPolicyFiles    []string
	SensitivePatterns []string
}

var defaultAppPolicyFiles = []string{"manifest.yaml", "policy.yaml"}

type Engine struct {
	home        string
	appsDir     string
	policyFiles []string
	sensitive   *sensitiveMatcher
}

func New(cfg Config) *Engine {
	home := cfg.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	home = canonicalOrClean(home)

	policyFiles := cfg.AppPolicyFiles
	if len(policyFiles) == 0 {
		policyFiles = defaultAppPolicyFiles
	}
	return &Engine{
		home:        home,
		appsDir:     canonicalOrClean(cfg.AppsDir),
		policyFiles: policyFiles,
		sensitive:   newSensitiveMatcher(home, cfg.SensitivePatterns),
	}
}

func canonicalOrClean(p string) string {
	if p == "" {
		return ""
	}
	if c, err := pathguard.Canonicalize(p); err == nil {
		return c
	}
	return filepath.Clean(p)
}

// CanRead returns the canonical path the caller must use for the read.
func (e *Engine) CanRead(ctx context.Context, perms permission.SessionPermissions, path string) (string, error) {
	return e.check(ctx, perms, permission.KindRead, path)
}

// CanWrite returns the canonical path the caller must use for the write.
func (e *Engine) CanWrite(ctx context.Context, perms permission.SessionPermissions, path string) (string, error) {
	return e.check(ctx, perms, permission.KindWrite, path)
}

// OpenRead checks path like CanRead and opens the result. The final
// component is never followed and the handle is verified against the same
// allow-set, so a file swapped in after the check is refused.
func (e *Engine) OpenRead(ctx context.Context, perms permission.SessionPermissions, path string) (*os.File, error) {
	canonical, err := e.CanRead(ctx, perms, path)
	if err != nil {
		return nil, err
	}
	return e.openChecked(ctx, perms, permission.KindRead, path, canonical, os.O_RDONLY, 0)
}

// OpenWrite checks path like CanWrite and opens the result with flag, which
// is widened to O_WRONLY when it names no write mode.
func (e *Engine) OpenWrite(ctx context.Context, perms permission.SessionPermissions, path string, flag int, perm os.FileMode) (*os.File, error) {
	canonical, err := e.CanWrite(ctx, perms, path)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		flag |= os.O_WRONLY
	}
	return e.openChecked(ctx, perms, permission.KindWrite, path, canonical, flag, perm)
}

// openChecked opens a path that already passed check. The handle must land
// on exactly the checked canonical path.
func (e *Engine) openChecked(ctx context.Context, perms permission.SessionPermissions, kind permission.Kind, path, canonical string, flag int, perm os.FileMode) (*os.File, error) {
	f, res, err := pathguard.OpenExclusive(allowRoots(perms, kind), canonical, flag, perm)
	if err != nil {
		if errors.Is(err, pathguard.ErrOutsideAllowed) || errors.Is(err, pathguard.ErrSymlink) {
			return nil, e.deny(ctx, path, "changed after check", kind)
		}
		return nil, err
	}
	if res.Path != canonical {
		_ = f.Close()
		return nil, e.deny(ctx, path, "changed after check", kind)
	}
	return f, nil
}

// Check enforces any access kind: paths go through CanRead/CanWrite, the
// rest through Allows.
func (e *Engine) Check(ctx context.Context, perms permission.SessionPermissions, access permission.Access) error {
	switch access.Kind {
	case permission.KindRead:
		_, err := e.CanRead(ctx, perms, access.Path)
		return err
	case permission.KindWrite:
		_, err := e.CanWrite(ctx, perms, access.Path)
		return err
	default:
		if Allows(perms, access) {
			return nil
		}
		return e.deny(ctx, access.String(), "not granted", access.Kind)
	}
}

// resolvedPermissions holds the canonical forms of the explicit roots.
type resolvedPermissions struct {
	workingDir string
	readDirs   []string
	writeDirs  []string
	explicit   []string
}

func resolvePermissions(perms permission.SessionPermissions) resolvedPermissions {
	r := resolvedPermissions{
		readDirs:  pathguard.CanonicalRoots(perms.ReadDirs),
		writeDirs: pathguard.CanonicalRoots(perms.WriteDirs),
	}
	if perms.WorkingDir != "" {
		r.workingDir = canonicalOrClean(perms.WorkingDir)
		r.explicit = append(r.explicit, r.workingDir)
	}
	r.explicit = append(r.explicit, r.readDirs...)
	r.explicit = append(r.explicit, r.writeDirs...)
	if perms.WorkspaceDir != "" {
		r.explicit = append(r.explicit, canonicalOrClean(perms.WorkspaceDir))
	}
	return r
}

func (e *Engine) check(ctx context.Context, perms permission.SessionPermissions, kind permission.Kind, path string) (string, error) {
	if err := pathguard.Validate(path); err != nil {
		return "", err
	}

	res, err := pathguard.Resolve(allowRoots(perms, kind), path)
	if err != nil {
		if errors.Is(err, pathguard.ErrOutsideAllowed) {
			return "", e.deny(ctx, path, "outside allow-set", kind)
		}
		return "", err
	}
	canonical := res.Path
	rp := resolvePermissions(perms)

	if rule := e.sensitiveRule(kind, canonical, rp); rule != "" {
		return "", e.deny(ctx, path, rule, kind)
	}
	if rule := e.appRule(kind, canonical, rp); rule != "" {
		return "", e.deny(ctx, path, rule, kind)
	}
	if rule := e.homeRule(kind, canonical, rp); rule != "" {
		return "", e.deny(ctx, path, rule, kind)
	}
	return canonical, nil
}

func allowRoots(perms permission.SessionPermissions, kind permission.Kind) []string {
	switch {
	case kind == permission.KindWrite:
		return perms.WriteDirs
	case len(perms.ReadDirs) > 0:
		return readRoots(perms)
	default:
		return []string{string(filepath.Separator)}
	}
}

// sensitiveRule: sensitive paths are never writable, and under the home
// directory they are readable only through a grant rooted at a sensitive path.
func (e *Engine) sensitiveRule(kind permission.Kind, canonical string, rp resolvedPermissions) string {
	if !e.sensitive.matches(canonical) {
		return ""
	}
	if kind == permission.KindWrite {
		return "sensitive path"
	}
	if !e.sensitive.underHome(canonical) {
		return ""
	}
	for _, root := range slices.Concat(rp.readDirs, rp.writeDirs) {
		if pathguard.IsWithin(root, canonical) && e.sensitive.matches(root) {
			return ""
		}
	}
	return "sensitive path without explicit grant"
}

// appRule isolates apps/<id>/ trees from each other and pins app policy
// files to grants naming the exact file.
func (e *Engine) appRule(kind permission.Kind, canonical string, rp resolvedPermissions) string {
	appRoot, ok := e.appRoot(canonical)
	if !ok {
		return ""
	}
	if rp.workingDir == "" || !pathguard.IsWithin(appRoot, rp.workingDir) {
		return "cross-app access"
	}
	if filepath.Dir(canonical) != appRoot || !slices.Contains(e.policyFiles, filepath.Base(canonical)) {
		return ""
	}
	grants := rp.writeDirs
	if kind == permission.KindRead {
		grants = slices.Concat(rp.readDirs, rp.writeDirs)
	}
	if slices.Contains(grants, canonical) {
		return ""
	}
	return "app policy file without exact grant"
}

func (e *Engine) appRoot(canonical string) (string, bool) {
	if e.appsDir == "" || canonical == e.appsDir || !pathguard.IsWithin(e.appsDir, canonical) {
		return "", false
	}
	rel, err := filepath.Rel(e.appsDir, canonical)
	if err != nil {
		return "", false
	}
	appID, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return filepath.Join(e.appsDir, appID), true
}

// homeRule: an agent working inside the home directory may reach other home
// content only through explicitly listed roots.
func (e *Engine) homeRule(kind permission.Kind, canonical string, rp resolvedPermissions) string {
	if kind != permission.KindRead || e.home == "" || rp.workingDir == "" {
		return ""
	}
	if !pathguard.IsWithin(e.home, rp.workingDir) || !pathguard.IsWithin(e.home, canonical) {
		return ""
	}
	if withinAny(rp.explicit, canonical) {
		return ""
	}
	return "home directory outside explicit roots"
}

func (e *Engine) deny(ctx context.Context, path, rule string, kind permission.Kind) error {
	slog.DebugContext(ctx, "access denied", "op", kind.String(), "path", path, "rule", rule)
	return denied(path, rule)
}
