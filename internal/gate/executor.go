// Package gate runs the short precondition command of a scheduled task under
// a permission set derived from, and never wider than, the task's own.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/accessguard/internal/enforce"
	"github.com/kazz187/accessguard/internal/pathguard"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/internal/sandbox"
)

type Executor struct {
	wrapper       sandbox.Wrapper
	deniedDomains []string
}

func NewExecutor(wrapper sandbox.Wrapper, deniedDomains []string) *Executor {
	return &Executor{
		wrapper:       wrapper,
		deniedDomains: lo.Uniq(lo.Compact(deniedDomains)),
	}
}

// Check evaluates def once. It never returns an error: every failure is a
// declined Result.
func (e *Executor) Check(ctx context.Context, def Definition, perms permission.SessionPermissions, workingDir string) Result {
	if strings.TrimSpace(def.Command) == "" {
		return declined("gate command is empty")
	}
	if err := validateSyntax(def.Command); err != nil {
		return declined(err.Error())
	}

	if err := validateEnv(def.Env); err != nil {
		return declined(err.Error())
	}

	derived, err := Derive(perms, workingDir, def.Permissions)
	if err != nil {
		return declined(err.Error())
	}
	if err := validateDomains(def.AllowedDomains, derived.Network); err != nil {
		return declined(err.Error())
	}

	dir, err := resolveCwd(def.Cwd, derived)
	if err != nil {
		return declined(err.Error())
	}

	spec := sandbox.Spec{
		Command:        def.Command,
		Dir:            dir,
		Env:            def.Env,
		WriteDirs:      pathguard.CanonicalRoots(derived.WriteDirs),
		Network:        derived.Network,
		AllowedDomains: def.AllowedDomains,
		DeniedDomains:  e.deniedDomains,
	}
	return e.run(ctx, spec, ClampTimeout(def.TimeoutMs))
}

// validateEnv rejects gate env entries that would shadow the domain lists the
// sandbox hands to the command.
func validateEnv(env map[string]string) error {
	for k := range env {
		if sandbox.IsReservedEnv(k) {
			return fmt.Errorf("gate env %s is reserved", k)
		}
	}
	return nil
}

// Derive builds the gate's permission set: a clone of perms keeping only the
// working and workspace directories, with each declared grant folded in.
// A declared grant the base set does not allow is rejected.
func Derive(perms permission.SessionPermissions, workingDir string, declared []string) (permission.SessionPermissions, error) {
	accesses, err := permission.ParseAll(declared)
	if err != nil {
		return permission.SessionPermissions{}, err
	}

	base := perms.Clone()
	if workingDir != "" {
		base.WorkingDir = workingDir
	}
	derived := permission.SessionPermissions{
		WorkingDir:   base.WorkingDir,
		WorkspaceDir: base.WorkspaceDir,
	}

	var rejected []string
	for _, a := range accesses {
		if !enforce.Allows(base, a) {
			rejected = append(rejected, a.String())
			continue
		}
		derived, _ = permission.Apply(derived, a)
	}
	if len(rejected) > 0 {
		return permission.SessionPermissions{}, fmt.Errorf("gate permissions not granted: %s", strings.Join(rejected, ", "))
	}
	return derived, nil
}

func validateSyntax(command string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(command), ""); err != nil {
		return fmt.Errorf("gate command is not valid shell: %w", err)
	}
	return nil
}

func validateDomains(domains []string, network bool) error {
	if lo.Contains(domains, "*") {
		return errors.New("allowedDomains must not contain \"*\"")
	}
	if len(domains) > 0 && !network {
		return errors.New("allowedDomains requires the @network permission")
	}
	for _, d := range domains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "/ ") {
			return fmt.Errorf("invalid domain %q", d)
		}
	}
	return nil
}

func resolveCwd(cwd string, derived permission.SessionPermissions) (string, error) {
	if cwd == "" {
		cwd = derived.WorkingDir
	} else if !filepath.IsAbs(cwd) && derived.WorkingDir != "" {
		cwd = filepath.Join(derived.WorkingDir, cwd)
	}
	if cwd == "" {
		return "", errors.New("gate has no working directory")
	}

	roots := make([]string, 0, 1+len(derived.ReadDirs)+len(derived.WriteDirs))
	if derived.WorkingDir != "" {
		roots = append(roots, derived.WorkingDir)
	}
	roots = append(roots, derived.ReadDirs...)
	roots = append(roots, derived.WriteDirs...)

	res, err := pathguard.Resolve(pathguard.CanonicalRoots(roots), cwd)
	if err != nil {
		return "", fmt.Errorf("gate cwd: %w", err)
	}
	return res.Path, nil
}

func (e *Executor) run(ctx context.Context, spec sandbox.Spec, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &limitedBuffer{limit: MaxOutputBytes}
	stderr := &limitedBuffer{limit: MaxOutputBytes}
	cmd := e.wrapper.Command(runCtx, spec)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	slog.DebugContext(ctx, "running gate", "sandbox", e.wrapper.Name(), "command", sandbox.Describe(cmd))
	start := time.Now()
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case err == nil:
		res.ShouldRun = true
		slog.DebugContext(ctx, "gate passed", "duration", time.Since(start))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Error = fmt.Sprintf("gate timed out after %s", timeout)
		slog.WarnContext(ctx, "gate timed out", "timeout", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
			slog.InfoContext(ctx, "gate declined", "exit_code", res.ExitCode)
			break
		}
		res.ExitCode = -1
		res.Error = fmt.Sprintf("gate failed to run: %v", err)
		slog.WarnContext(ctx, "gate failed to run", "error", err)
	}
	if stdout.truncated || stderr.truncated {
		slog.DebugContext(ctx, "gate output truncated", "limit", MaxOutputBytes)
	}
	return res
}
