package sandbox

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOfPair(args []string, a, b string) int {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == a && args[i+1] == b {
			return i
		}
	}
	return -1
}

func TestBwrap_Args(t *testing.T) {
	b := NewBwrap("", "")
	args := b.Args(Spec{
		Command:        "test -f ready",
		Dir:            "/work",
		Env:            map[string]string{"B": "2", "A": "1"},
		WriteDirs:      []string{"/work/out"},
		AllowedDomains: []string{"example.com", "api.example.com"},
		DeniedDomains:  []string{"evil.test"},
	})

	assert.Equal(t, []string{"--ro-bind", "/", "/"}, args[:3])
	assert.NotEqual(t, -1, indexOfPair(args, "--bind", "/work/out"))
	assert.Contains(t, args, "--unshare-net")
	assert.Contains(t, args, "--clearenv")
	assert.NotEqual(t, -1, indexOfPair(args, "--chdir", "/work"))
	assert.NotEqual(t, -1, indexOfPair(args, AllowedDomainsEnv, "example.com,api.example.com"))
	assert.NotEqual(t, -1, indexOfPair(args, DeniedDomainsEnv, "evil.test"))
	assert.Less(t, indexOfPair(args, "A", "1"), indexOfPair(args, "B", "2"))
	assert.Equal(t, []string{"--", "/bin/sh", "-c", "test -f ready"}, args[len(args)-4:])
}

func TestBwrap_NetworkGranted(t *testing.T) {
	args := NewBwrap("/usr/bin/bwrap", "/bin/bash").Args(Spec{Command: "true", Network: true})

	assert.NotContains(t, args, "--unshare-net")
	assert.Equal(t, "/bin/bash", args[len(args)-3])
}

func TestDirect_Command(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := NewDirect("").Command(context.Background(), Spec{
		Command: `printf '%s' "$GREETING"`,
		Dir:     t.TempDir(),
		Env:     map[string]string{"GREETING": "hello"},
	})
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "/bin/sh -c true", Describe(exec.Command("/bin/sh", "-c", "true")))

	got := Describe(exec.Command("/bin/sh", "-c", "echo hi there"))
	assert.Equal(t, "/bin/sh -c 'echo hi there'", got)
}

func TestBwrap_DomainEnvWins(t *testing.T) {
	args := NewBwrap("", "").Args(Spec{
		Command:        "true",
		Env:            map[string]string{AllowedDomainsEnv: "*", "Z": "1"},
		AllowedDomains: []string{"example.com"},
	})

	assert.Equal(t, -1, indexOfPair(args, AllowedDomainsEnv, "*"))
	domain := indexOfPair(args, AllowedDomainsEnv, "example.com")
	require.NotEqual(t, -1, domain)
	assert.Greater(t, domain, indexOfPair(args, "Z", "1"))
}

func TestDirect_WithholdsServerEnv(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv("ACCESSGUARD_API_KEY", "secret")
	cmd := NewDirect("").Command(context.Background(), Spec{
		Command:        `printf '%s|%s' "$ACCESSGUARD_API_KEY" "$ACCESSGUARD_ALLOWED_DOMAINS"`,
		Dir:            t.TempDir(),
		Env:            map[string]string{DeniedDomainsEnv: "x"},
		AllowedDomains: []string{"example.com"},
	})
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "|example.com", string(out))
}

func TestDirectEnv(t *testing.T) {
	t.Setenv("PATH", "/opt/bin")
	env := directEnv(Spec{
		Env:           map[string]string{"MODE": "ready", DeniedDomainsEnv: "nothing"},
		DeniedDomains: []string{"evil.test"},
	})
	assert.Equal(t, []string{
		"PATH=/opt/bin",
		"MODE=ready",
		DeniedDomainsEnv + "=evil.test",
	}, env)
}
