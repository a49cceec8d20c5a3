package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/storage"
)

const AgentsPrefix = "agents"

type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

// path maps id to its record key. Ids that could leave AgentsPrefix are
// rejected before any storage call.
func path(id string) (string, error) {
	if err := agent.ValidateID(id); err != nil {
		return "", cerr.NewError(cerr.InvalidArgument, err.Error(), nil)
	}
	return fmt.Sprintf("%s/%s.yaml", AgentsPrefix, id), nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*agent.Agent, error) {
	p, err := path(id)
	if err != nil {
		return nil, err
	}
	data, err := r.storage.Read(ctx, p)
	if err != nil {
		return nil, cerr.WrapStorageReadError("agent", err)
	}
	var a agent.Agent
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal agent: %w", err))
	}
	return &a, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*agent.Agent, error) {
	paths, err := r.storage.List(ctx, AgentsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("agents", err)
	}

	sort.Strings(paths)

	var all []*agent.Agent
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var a agent.Agent
		if err := yaml.Unmarshal(data, &a); err != nil {
			continue
		}
		all = append(all, &a)
	}
	return all, nil
}

func (r *YAMLRepository) Upsert(ctx context.Context, a *agent.Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return r.write(ctx, a)
}

func (r *YAMLRepository) write(ctx context.Context, a *agent.Agent) error {
	p, err := path(a.ID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal agent: %w", err))
	}
	if err := r.storage.Write(ctx, p, data); err != nil {
		return cerr.WrapStorageWriteError("agent", err)
	}
	return nil
}

func (r *YAMLRepository) Mutate(ctx context.Context, id string, fn func(a *agent.Agent) error) (*agent.Agent, error) {
	p, err := path(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated *agent.Agent
	mutate := func() error {
		a, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.ID = id
		a.UpdatedAt = time.Now()
		if err := r.write(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	}

	if locker, ok := r.storage.(storage.Locker); ok {
		if err := locker.WithLock(ctx, p, mutate); err != nil {
			return nil, err
		}
		return updated, nil
	}
	if err := mutate(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *YAMLRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.Mutate(ctx, id, func(a *agent.Agent) error {
		if at.After(a.LastActiveAt) {
			a.LastActiveAt = at
		}
		return nil
	})
	return err
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	p, err := path(id)
	if err != nil {
		return err
	}
	if err := r.storage.Delete(ctx, p); err != nil {
		return cerr.WrapStorageDeleteError("agent", err)
	}
	return nil
}

func (r *YAMLRepository) MostRecentForeground(ctx context.Context, userID string) (*agent.Agent, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return mostRecentForeground(all, userID)
}

func mostRecentForeground(all []*agent.Agent, userID string) (*agent.Agent, error) {
	var best *agent.Agent
	for _, a := range all {
		if a.UserID != userID || !a.IsForeground() {
			continue
		}
		if best == nil || a.LastActiveAt.After(best.LastActiveAt) {
			best = a
		}
	}
	if best == nil {
		return nil, cerr.NewError(cerr.NotFound, "no foreground agent for user", nil)
	}
	return best, nil
}
