package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL        = 10 * time.Second
	redisLockRetryDelay = 20 * time.Millisecond
)

// RedisStorage implements Storage on a Redis instance. Each path is a string
// key; each directory keeps a set of its direct children so List does not SCAN.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to addr and verifies the connection.
func NewRedisStorage(ctx context.Context, addr string, db int, prefix string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addr, err)
	}
	return NewRedisStorageFromClient(client, prefix), nil
}

func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":") + ":",
	}
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) key(path string) string {
	return s.prefix + "obj:" + strings.Trim(path, "/")
}

func (s *RedisStorage) dirKey(dir string) string {
	return s.prefix + "dir:" + strings.Trim(dir, "/")
}

func splitPath(path string) (dir, name string) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func (s *RedisStorage) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (s *RedisStorage) Write(ctx context.Context, path string, data []byte) error {
	dir, name := splitPath(path)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(path), data, 0)
		pipe.SAdd(ctx, s.dirKey(dir), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, path string) error {
	dir, name := splitPath(path)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(path))
		pipe.SRem(ctx, s.dirKey(dir), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *RedisStorage) List(ctx context.Context, prefix string) ([]string, error) {
	dir := strings.Trim(prefix, "/")
	names, err := s.client.SMembers(ctx, s.dirKey(dir)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(names)
	paths := make([]string, 0, len(names))
	for _, name := range names {
		if dir == "" {
			paths = append(paths, name)
			continue
		}
		paths = append(paths, dir+"/"+name)
	}
	return paths, nil
}

func (s *RedisStorage) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(path)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", path, err)
	}
	return n > 0, nil
}

// WithLock takes a SET NX lease on path for the duration of fn.
func (s *RedisStorage) WithLock(ctx context.Context, path string, fn func() error) error {
	lockKey := s.prefix + "lock:" + strings.Trim(path, "/")
	owner := ulid.Make().String()
	for {
		ok, err := s.client.SetNX(ctx, lockKey, owner, redisLockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to lock %s: %w", path, ctx.Err())
		case <-time.After(redisLockRetryDelay):
		}
	}
	defer func() {
		// Only release a lease we still own.
		if cur, err := s.client.Get(context.WithoutCancel(ctx), lockKey).Result(); err == nil && cur == owner {
			s.client.Del(context.WithoutCancel(ctx), lockKey)
		}
	}()
	return fn()
}
