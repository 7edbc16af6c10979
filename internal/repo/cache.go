package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/richardliu001/permissions-service/internal/model"
)

func permissionKey(id uint64) string { return fmt.Sprintf("permission:%d", id) }

// CachePermission writes Redis.
func (r *Repository) CachePermission(ctx context.Context, s model.PermissionSnapshot) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, permissionKey(s.ID), string(b), r.cacheTTL).Err()
}

// GetCachedPermission reads Redis. A miss, or no cache at all, is redis.Nil.
func (r *Repository) GetCachedPermission(ctx context.Context, id uint64) (*model.PermissionSnapshot, error) {
	if r.rdb == nil {
		return nil, redis.Nil
	}
	str, err := r.rdb.Get(ctx, permissionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var s model.PermissionSnapshot
	if err := json.Unmarshal([]byte(str), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InvalidatePermission drops the cached snapshot.
func (r *Repository) InvalidatePermission(ctx context.Context, id uint64) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, permissionKey(id)).Err()
}
