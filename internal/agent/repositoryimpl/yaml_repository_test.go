package repositoryimpl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/storage"
)

func newLocalRepo(t *testing.T) (*YAMLRepository, *storage.LocalStorage) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(s), s
}

func TestYAMLRepository_UpsertGet(t *testing.T) {
	repo, _ := newLocalRepo(t)
	ctx := context.Background()

	a := &agent.Agent{
		ID:     "a1",
		UserID: "u1",
		Name:   "main",
		Kind:   agent.KindForeground,
		Permissions: permission.SessionPermissions{
			WorkingDir: "/work",
			WriteDirs:  []string{"/work/out"},
		},
		Grants: []agent.Grant{{Access: permission.Read("/data"), Source: "log", Scope: agent.ScopeAlways}},
	}
	require.NoError(t, repo.Upsert(ctx, a))
	assert.False(t, a.CreatedAt.IsZero())

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.True(t, a.Permissions.Equal(got.Permissions))
	assert.Equal(t, permission.Read("/data"), got.Grants[0].Access)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestYAMLRepository_MutateSerializes(t *testing.T) {
	repo, _ := newLocalRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1"}))

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, "a1", func(a *agent.Agent) error {
				a.Permissions, _ = permission.Apply(a.Permissions, permission.Write(fmt.Sprintf("/dir/%d", i)))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, got.Permissions.WriteDirs, n)
}

func TestYAMLRepository_MutateErrorLeavesRecord(t *testing.T) {
	repo, _ := newLocalRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &agent.Agent{ID: "a1", Name: "before"}))

	_, err := repo.Mutate(ctx, "a1", func(a *agent.Agent) error {
		a.Name = "after"
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "before", got.Name)
}

func TestYAMLRepository_MostRecentForeground(t *testing.T) {
	repo, _ := newLocalRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, a := range []*agent.Agent{
		{ID: "old", UserID: "u1", Kind: agent.KindForeground, LastActiveAt: base},
		{ID: "new", UserID: "u1", Kind: agent.KindForeground, LastActiveAt: base.Add(time.Hour)},
		{ID: "bg", UserID: "u1", Kind: agent.KindBackground, LastActiveAt: base.Add(2 * time.Hour)},
		{ID: "other", UserID: "u2", Kind: agent.KindForeground, LastActiveAt: base.Add(3 * time.Hour)},
	} {
		require.NoError(t, repo.Upsert(ctx, a))
	}

	got, err := repo.MostRecentForeground(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	require.NoError(t, repo.Touch(ctx, "old", base.Add(4*time.Hour)))
	got, err = repo.MostRecentForeground(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "old", got.ID)

	_, err = repo.MostRecentForeground(ctx, "nobody")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestYAMLRepository_RejectsEscapingIDs(t *testing.T) {
	repo, local := newLocalRepo(t)
	ctx := context.Background()
	require.NoError(t, local.Write(ctx, "permission_requests/x.yaml", []byte("id: x\n")))

	for _, id := range []string{"../permission_requests/x", "a/b", "", ".hidden"} {
		_, err := repo.Get(ctx, id)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "get %q: %v", id, err)

		_, err = repo.Mutate(ctx, id, func(a *agent.Agent) error { return nil })
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "mutate %q: %v", id, err)

		err = repo.Touch(ctx, id, time.Now())
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "touch %q: %v", id, err)

		err = repo.Upsert(ctx, &agent.Agent{ID: id})
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "upsert %q: %v", id, err)

		err = repo.Delete(ctx, id)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "delete %q: %v", id, err)
	}

	ok, err := local.Exists(ctx, "permission_requests/x.yaml")
	require.NoError(t, err)
	assert.True(t, ok)
}
