package sandbox

import (
	"context"
	"os/exec"
	"strings"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// Bwrap confines commands with bubblewrap: the host root is mounted
// read-only and only the write roots are bound read-write.
type Bwrap struct {
	Path  string
	Shell string
}

func NewBwrap(path, shell string) *Bwrap {
	if path == "" {
		path = "bwrap"
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Bwrap{Path: path, Shell: shell}
}

func (b *Bwrap) Name() string { return "bwrap" }

func (b *Bwrap) Command(ctx context.Context, spec Spec) *exec.Cmd {
	return exec.CommandContext(ctx, b.Path, b.Args(spec)...)
}

// Args returns the bubblewrap arguments for spec, excluding argv[0].
func (b *Bwrap) Args(spec Spec) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
	}
	for _, dir := range spec.WriteDirs {
		args = append(args, "--bind", dir, dir)
	}
	if !spec.Network {
		args = append(args, "--unshare-net")
	}
	args = append(args,
		"--unshare-pid",
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--setenv", "PATH", defaultPath,
	)
	for _, kv := range append(envList(spec.Env), domainEnv(spec)...) {
		k, v, _ := strings.Cut(kv, "=")
		args = append(args, "--setenv", k, v)
	}
	if spec.Dir != "" {
		args = append(args, "--chdir", spec.Dir)
	}
	return append(args, "--", b.Shell, "-c", spec.Command)
}
