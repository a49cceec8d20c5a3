package webpush

import (
	"context"
	"time"
)

// Subscription is one browser push endpoint belonging to a connector target.
type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	TargetID  string    `yaml:"target_id" json:"targetId"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key" json:"p256dhKey"`
	AuthKey   string    `yaml:"auth_key" json:"authKey"`
	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
}

type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByTarget(ctx context.Context, targetID string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
}
