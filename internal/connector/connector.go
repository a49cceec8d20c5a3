// Package connector delivers approval prompts to the human behind an agent.
package connector

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type Message struct {
	Text             string
	ReplyToMessageID string
}

// PermissionPrompt is the structured form of an approval request for
// connectors that can render one natively.
type PermissionPrompt struct {
	Token            string
	AgentID          string
	RequesterLabel   string
	Reason           string
	Permissions      []string
	Descriptions     []string
	Text             string
	ReplyToMessageID string
	TimeoutAt        time.Time
}

type Connector interface {
	Name() string
	SendMessage(ctx context.Context, targetID string, msg Message) error
}

// PermissionRequester is implemented by connectors with a dedicated approval
// flow. Others receive the rendered prompt text through SendMessage.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, targetID string, prompt PermissionPrompt) error
}

// Deliver sends prompt through c, preferring its approval hook.
func Deliver(ctx context.Context, c Connector, targetID string, prompt PermissionPrompt) error {
	if pr, ok := c.(PermissionRequester); ok {
		return pr.RequestPermission(ctx, targetID, prompt)
	}
	return c.SendMessage(ctx, targetID, Message{Text: prompt.Text, ReplyToMessageID: prompt.ReplyToMessageID})
}

type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[c.Name()]; ok {
		slog.Warn("replacing connector", "connector", c.Name())
	}
	r.connectors[c.Name()] = c
}

func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
