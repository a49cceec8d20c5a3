package approval

import (
	"fmt"
	"sync"
)

// Registry holds one pending waiter per token. Each token resolves at most
// once; later resolutions are no-ops.
type Registry struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]chan Decision)}
}

// Register returns the channel the single decision for token arrives on.
func (r *Registry) Register(token string) (<-chan Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[token]; ok {
		return nil, fmt.Errorf("token %s is already pending", token)
	}
	ch := make(chan Decision, 1)
	r.pending[token] = ch
	return ch, nil
}

// Resolve delivers d to the waiter of d.Token and reports whether one was
// waiting.
func (r *Registry) Resolve(d Decision) bool {
	r.mu.Lock()
	ch, ok := r.pending[d.Token]
	delete(r.pending, d.Token)
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// Cancel forgets token without delivering anything.
func (r *Registry) Cancel(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
