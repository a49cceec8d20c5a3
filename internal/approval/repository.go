package approval

import "context"

type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, token string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	// List returns requests ordered by creation; an empty status lists all.
	List(ctx context.Context, status Status) ([]*Request, error)
}
