package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	backupKey = "dscprotect:role_backups"
	lockKey   = "dscprotect:active_locks"
)

// RedisStore keeps role backups and active locks in Redis hashes so several
// processes can share them. Guild configuration stays in SQLite.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to the server at url (redis://host:port/db).
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func field(tenantID, id string) string {
	return tenantID + ":" + id
}

func (r *RedisStore) SaveRoleBackup(ctx context.Context, rec models.RoleSnapshot) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, backupKey, field(rec.TenantID, rec.RoleID), raw).Err()
}

func (r *RedisStore) DeleteRoleBackup(ctx context.Context, tenantID, roleID string) error {
	return r.client.HDel(ctx, backupKey, field(tenantID, roleID)).Err()
}

func (r *RedisStore) LoadRoleBackups(ctx context.Context) ([]models.RoleSnapshot, error) {
	all, err := r.client.HGetAll(ctx, backupKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]models.RoleSnapshot, 0, len(all))
	for f, raw := range all {
		var rec models.RoleSnapshot
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logging.Warn("[REDIS] Skipping unreadable backup %s: %v", f, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type redisLock struct {
	EndTime int64 `json:"endTime"`
}

func (r *RedisStore) SaveLock(ctx context.Context, lock models.ActiveLock) error {
	raw, err := json.Marshal(redisLock{EndTime: lock.EndTime.UnixMilli()})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, lockKey, field(lock.TenantID, lock.ArtifactID), raw).Err()
}

func (r *RedisStore) DeleteLock(ctx context.Context, tenantID, artifactID string) error {
	return r.client.HDel(ctx, lockKey, field(tenantID, artifactID)).Err()
}

func (r *RedisStore) LoadLocks(ctx context.Context) ([]models.ActiveLock, error) {
	all, err := r.client.HGetAll(ctx, lockKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]models.ActiveLock, 0, len(all))
	for f, raw := range all {
		tenantID, artifactID, ok := strings.Cut(f, ":")
		var l redisLock
		if !ok || json.Unmarshal([]byte(raw), &l) != nil {
			logging.Warn("[REDIS] Skipping unreadable lock %s", f)
			continue
		}
		out = append(out, models.ActiveLock{TenantID: tenantID, ArtifactID: artifactID, EndTime: time.UnixMilli(l.EndTime)})
	}
	return out, nil
}
