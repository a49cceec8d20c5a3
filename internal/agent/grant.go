package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/accessguard/internal/permission"
)

// ApplyGrants folds accesses into a's permissions and appends provenance for
// every access that changed something. It reports whether anything changed.
func ApplyGrants(a *Agent, accesses []permission.Access, source string, scope Scope, token string, now time.Time) bool {
	changed := false
	for _, access := range accesses {
		var ok bool
		a.Permissions, ok = permission.Apply(a.Permissions, access)
		if !ok {
			continue
		}
		changed = true
		a.Grants = append(a.Grants, Grant{
			Access:       access,
			Source:       source,
			Scope:        scope,
			RequestToken: token,
			GrantedAt:    now,
		})
	}
	return changed
}

// GrantAccess persists accesses on the agent record.
func GrantAccess(ctx context.Context, repo Repository, id string, accesses []permission.Access, source, token string) (*Agent, error) {
	return repo.Mutate(ctx, id, func(a *Agent) error {
		ApplyGrants(a, accesses, source, ScopeAlways, token, time.Now())
		return nil
	})
}

// DiffPermissions renders a unified diff between two permission sets.
// It returns "" when they are equal.
func DiffPermissions(id string, before, after permission.SessionPermissions) (string, error) {
	if before.Equal(after) {
		return "", nil
	}
	a, err := yaml.Marshal(before)
	if err != nil {
		return "", fmt.Errorf("failed to marshal permissions: %w", err)
	}
	b, err := yaml.Marshal(after)
	if err != nil {
		return "", fmt.Errorf("failed to marshal permissions: %w", err)
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: id + " (current)",
		ToFile:   id + " (updated)",
		Context:  2,
	})
}
