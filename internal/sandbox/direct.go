package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
)

// Direct runs commands with the host shell and no confinement. It exists for
// hosts without bubblewrap; the write and network limits are not enforced,
// but the server environment is still withheld.
type Direct struct {
	Shell string
}

func NewDirect(shell string) *Direct {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Direct{Shell: shell}
}

func (d *Direct) Name() string { return "none" }

func (d *Direct) Command(ctx context.Context, spec Spec) *exec.Cmd {
	slog.WarnContext(ctx, "running gate command without sandbox", "dir", spec.Dir)
	cmd := exec.CommandContext(ctx, d.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = directEnv(spec)
	return cmd
}

// directEnv is the whole environment of an unconfined gate command: PATH, the
// gate env and the domain lists. Nothing else leaks from the server process.
func directEnv(spec Spec) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := []string{"PATH=" + path}
	env = append(env, envList(spec.Env)...)
	return append(env, domainEnv(spec)...)
}
