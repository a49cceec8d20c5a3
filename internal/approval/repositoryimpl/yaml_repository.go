package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/accessguard/internal/approval"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/storage"
)

const requestsPrefix = "permission_requests"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(token string) string {
	return fmt.Sprintf("%s/%s.yaml", requestsPrefix, token)
}

func (r *YAMLRepository) Create(ctx context.Context, req *approval.Request) error {
	exists, err := r.storage.Exists(ctx, path(req.Token))
	if err != nil {
		return cerr.WrapStorageWriteError("permission_request", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "permission request already exists", nil)
	}
	return r.write(ctx, req)
}

func (r *YAMLRepository) Get(ctx context.Context, token string) (*approval.Request, error) {
	data, err := r.storage.Read(ctx, path(token))
	if err != nil {
		return nil, cerr.WrapStorageReadError("permission_request", err)
	}
	var req approval.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal permission request: %w", err))
	}
	return &req, nil
}

func (r *YAMLRepository) Update(ctx context.Context, req *approval.Request) error {
	exists, err := r.storage.Exists(ctx, path(req.Token))
	if err != nil {
		return cerr.WrapStorageWriteError("permission_request", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "permission request not found", nil)
	}
	return r.write(ctx, req)
}

func (r *YAMLRepository) write(ctx context.Context, req *approval.Request) error {
	data, err := yaml.Marshal(req)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal permission request: %w", err))
	}
	if err := r.storage.Write(ctx, path(req.Token), data); err != nil {
		return cerr.WrapStorageWriteError("permission_request", err)
	}
	return nil
}

func (r *YAMLRepository) List(ctx context.Context, status approval.Status) ([]*approval.Request, error) {
	paths, err := r.storage.List(ctx, requestsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("permission_requests", err)
	}

	var all []*approval.Request
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var req approval.Request
		if err := yaml.Unmarshal(data, &req); err != nil {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		all = append(all, &req)
	}
	// IDs are ULIDs, so this is creation order.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}
