package repositoryimpl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kazz187/accessguard/internal/agent"
)

// CachedRepository keeps decoded agent records in memory. Every read hands
// out a copy, so callers can never mutate the cached record.
//
// gen advances on every write or invalidation. A cache miss only fills the
// entry when gen has not moved since the inner read began, so a slow read can
// never put back a record older than one already written.
type CachedRepository struct {
	inner   agent.Repository
	mu      sync.RWMutex
	entries map[string]*agent.Agent
	gen     uint64
}

func NewCachedRepository(inner agent.Repository) *CachedRepository {
	return &CachedRepository{
		inner:   inner,
		entries: make(map[string]*agent.Agent),
	}
}

func (r *CachedRepository) Get(ctx context.Context, id string) (*agent.Agent, error) {
	r.mu.RLock()
	a, ok := r.entries[id]
	seen := r.gen
	r.mu.RUnlock()
	if ok {
		return a.Clone(), nil
	}

	a, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.gen == seen {
		r.entries[id] = a
	}
	r.mu.Unlock()
	return a.Clone(), nil
}

func (r *CachedRepository) List(ctx context.Context) ([]*agent.Agent, error) {
	return r.inner.List(ctx)
}

func (r *CachedRepository) Upsert(ctx context.Context, a *agent.Agent) error {
	if err := r.inner.Upsert(ctx, a); err != nil {
		r.Invalidate(a.ID)
		return err
	}
	r.store(a.Clone())
	return nil
}

func (r *CachedRepository) Mutate(ctx context.Context, id string, fn func(a *agent.Agent) error) (*agent.Agent, error) {
	a, err := r.inner.Mutate(ctx, id, fn)
	if err != nil {
		r.Invalidate(id)
		return nil, err
	}
	r.store(a.Clone())
	return a, nil
}

func (r *CachedRepository) Touch(ctx context.Context, id string, at time.Time) error {
	defer r.Invalidate(id)
	return r.inner.Touch(ctx, id, at)
}

func (r *CachedRepository) Delete(ctx context.Context, id string) error {
	defer r.Invalidate(id)
	return r.inner.Delete(ctx, id)
}

func (r *CachedRepository) MostRecentForeground(ctx context.Context, userID string) (*agent.Agent, error) {
	return r.inner.MostRecentForeground(ctx, userID)
}

func (r *CachedRepository) Invalidate(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.gen++
	r.mu.Unlock()
}

func (r *CachedRepository) store(a *agent.Agent) {
	r.mu.Lock()
	r.entries[a.ID] = a
	r.gen++
	r.mu.Unlock()
}

// Watch drops cache entries whose record file under dir changes on disk
// outside this process. It blocks until ctx is done.
func (r *CachedRepository) Watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create agents directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the files: atomic replace swaps the inode.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.InfoContext(ctx, "watching agent records", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			id := strings.TrimSuffix(name, ".yaml")
			slog.DebugContext(ctx, "agent record changed on disk", "agent_id", id, "op", event.Op.String())
			r.Invalidate(id)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "agent watcher error", "error", err)
		}
	}
}
