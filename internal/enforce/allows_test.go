package enforce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kazz187/accessguard/internal/permission"
)

func TestAllows(t *testing.T) {
	perms := permission.SessionPermissions{
		WorkingDir:   "/work",
		WriteDirs:    []string{"/work/out", "/ws"},
		ReadDirs:     []string{"/data"},
		WorkspaceDir: "/ws",
		Network:      true,
	}

	tests := []struct {
		name   string
		access permission.Access
		want   bool
	}{
		{"read working dir", permission.Read("/work/src/main.go"), true},
		{"read read dir", permission.Read("/data/a.csv"), true},
		{"read write dir", permission.Read("/work/out/log"), true},
		{"read elsewhere", permission.Read("/etc/passwd"), false},
		{"read sibling prefix", permission.Read("/database/x"), false},
		{"write write dir", permission.Write("/work/out/a"), true},
		{"write working dir", permission.Write("/work/src/main.go"), false},
		{"write read dir", permission.Write("/data/a.csv"), false},
		{"network", permission.Network(), true},
		{"web follows network", permission.Web(), true},
		{"events", permission.Events(), false},
		{"workspace", permission.Workspace(), true},
		{"relative path", permission.Access{Kind: permission.KindRead, Path: "data/a.csv"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allows(perms, tt.access))
		})
	}
}

func TestAllows_EmptyReadDirsIsUnrestricted(t *testing.T) {
	perms := permission.SessionPermissions{WorkingDir: "/work"}

	assert.True(t, Allows(perms, permission.Read("/etc/hosts")))
	assert.False(t, Allows(perms, permission.Write("/work/a")))
}

func TestAllows_WorkspaceNeedsWriteGrant(t *testing.T) {
	perms := permission.SessionPermissions{WorkspaceDir: "/ws"}
	assert.False(t, Allows(perms, permission.Workspace()))

	perms, _ = permission.Apply(perms, permission.Workspace())
	assert.True(t, Allows(perms, permission.Workspace()))
}
