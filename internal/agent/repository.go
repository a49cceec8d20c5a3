package agent

import (
	"context"
	"time"
)

type Repository interface {
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Upsert(ctx context.Context, a *Agent) error
	// Mutate runs fn on the current record and writes the result back as a
	// full-record replace. Concurrent mutations of one agent are serialized.
	Mutate(ctx context.Context, id string, fn func(a *Agent) error) (*Agent, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	// MostRecentForeground returns the foreground agent of userID that was
	// active last.
	MostRecentForeground(ctx context.Context, userID string) (*Agent, error)
}
