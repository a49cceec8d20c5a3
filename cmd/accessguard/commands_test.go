package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/approval"
	"github.com/kazz187/accessguard/internal/permission"
)

func useStorage(t *testing.T) agent.Repository {
	t.Helper()
	prev := *storageDir
	*storageDir = t.TempDir()
	t.Cleanup(func() { *storageDir = prev })
	repo, err := agentRepo()
	require.NoError(t, err)
	return repo
}

func TestRunGrant_DryRunWritesNothing(t *testing.T) {
	repo := useStorage(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Permissions: permission.SessionPermissions{WorkingDir: "/work"}}))

	require.NoError(t, runGrant(ctx, "a1", []string{"@write:/work/out"}, true))
	a, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, a.Permissions.WriteDirs)

	require.NoError(t, runGrant(ctx, "a1", []string{"@write:/work/out"}, false))
	a, err = repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/out"}, a.Permissions.WriteDirs)
	require.Len(t, a.Grants, 1)
	assert.Equal(t, "cli", a.Grants[0].Source)
}

func TestRunGrant_RejectsMalformed(t *testing.T) {
	useStorage(t)
	assert.Error(t, runGrant(context.Background(), "a1", []string{"@write:relative"}, true))
}

func TestRunCheck_DeniedExitsNonZero(t *testing.T) {
	repo := useStorage(t)
	ctx := context.Background()
	work := t.TempDir()
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Permissions: permission.SessionPermissions{WorkingDir: work}}))

	prev := *homeDir
	*homeDir = t.TempDir()
	t.Cleanup(func() { *homeDir = prev })

	assert.ErrorIs(t, runCheck(ctx, "a1", "write", work+"/f"), errDenied)
}

func TestRunDecide(t *testing.T) {
	var got approval.Decision
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/permission-requests/tok/decision", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(approval.Request{Token: "tok", Status: approval.StatusApproved, Scope: agent.ScopeAlways})
	}))
	defer srv.Close()

	require.NoError(t, runDecide(context.Background(), srv.URL, "key", "tok", true, "always", []string{"@web"}))
	assert.True(t, got.Approved)
	assert.Equal(t, agent.ScopeAlways, got.Scope)
	assert.Equal(t, []string{"@web"}, got.Permissions)
}

func TestRunDecide_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := runDecide(context.Background(), srv.URL, "key", "tok", false, "now", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func useFlag[T any](t *testing.T, flag *T, v T) {
	t.Helper()
	prev := *flag
	*flag = v
	t.Cleanup(func() { *flag = prev })
}

func TestRunCheck_ExtraSensitivePathsFromEnv(t *testing.T) {
	repo := useStorage(t)
	ctx := context.Background()
	work, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Permissions: permission.SessionPermissions{
		WorkingDir: work,
		WriteDirs:  []string{work},
	}}))
	useFlag(t, homeDir, t.TempDir())

	require.NoError(t, runCheck(ctx, "a1", "write", filepath.Join(work, "vault", "key")))

	t.Setenv("ACCESSGUARD_EXTRA_SENSITIVE_PATHS", work+"/vault/**")
	assert.ErrorIs(t, runCheck(ctx, "a1", "write", filepath.Join(work, "vault", "key")), errDenied)
}

func TestRunCheck_PolicyFlags(t *testing.T) {
	repo := useStorage(t)
	ctx := context.Background()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	app := filepath.Join(base, "apps", "A")
	require.NoError(t, os.MkdirAll(app, 0o755))
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Permissions: permission.SessionPermissions{
		WorkingDir: app,
		WriteDirs:  []string{app},
	}}))
	useFlag(t, homeDir, filepath.Join(base, "home"))
	useFlag(t, appsDir, filepath.Join(base, "apps"))

	require.NoError(t, runCheck(ctx, "a1", "write", filepath.Join(app, "rules.yaml")))

	useFlag(t, appPolicyFiles, []string{"rules.yaml"})
	assert.ErrorIs(t, runCheck(ctx, "a1", "write", filepath.Join(app, "rules.yaml")), errDenied)

	useFlag(t, sensitivePaths, []string{app + "/data/**"})
	assert.ErrorIs(t, runCheck(ctx, "a1", "write", filepath.Join(app, "data", "x")), errDenied)
}

func TestPolicyConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("ACCESSGUARD_HOME_DIR", "/env/home")
	t.Setenv("ACCESSGUARD_APPS_DIR", "/env/apps")
	t.Setenv("ACCESSGUARD_EXTRA_SENSITIVE_PATHS", "~/.vault/**")
	useFlag(t, appsDir, "/flag/apps")
	useFlag(t, sensitivePaths, []string{"/srv/keys/**"})

	cfg, err := policyConfig()
	require.NoError(t, err)
	assert.Equal(t, "/env/home", cfg.HomeDir)
	assert.Equal(t, "/flag/apps", cfg.AppsDir)
	assert.Equal(t, []string{"manifest.yaml", "policy.yaml"}, cfg.AppPolicyFiles)
	assert.Equal(t, []string{"~/.vault/**", "/srv/keys/**"}, cfg.SensitivePatterns)
}

func TestRunRead(t *testing.T) {
	repo := useStorage(t)
	ctx := context.Background()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	work := filepath.Join(base, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "notes.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(base, "secret.txt"), filepath.Join(work, "link.txt")))
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Permissions: permission.SessionPermissions{
		WorkingDir: work,
		ReadDirs:   []string{work},
	}}))
	useFlag(t, homeDir, filepath.Join(base, "home"))

	var out bytes.Buffer
	require.NoError(t, runRead(ctx, &out, "a1", filepath.Join(work, "notes.txt")))
	assert.Equal(t, "hello", out.String())

	out.Reset()
	assert.ErrorIs(t, runRead(ctx, &out, "a1", filepath.Join(base, "secret.txt")), errDenied)
	assert.ErrorIs(t, runRead(ctx, &out, "a1", filepath.Join(work, "link.txt")), errDenied)
	assert.Empty(t, out.String())
}
