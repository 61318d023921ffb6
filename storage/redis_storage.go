package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vultisig/shadowvault/config"
	"github.com/vultisig/shadowvault/contexthelper"
	"github.com/vultisig/shadowvault/internal/types"
)

const (
	pendingKeyPrefix = "pending-computation-"
	pendingIndexKey  = "pending-computations"
)

var ErrPendingNotFound = errors.New("pending computation not found")

type RedisStorage struct {
	cfg    config.RedisConfig
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}, nil
}

func pendingKey(ref string) string {
	return pendingKeyPrefix + ref
}

// SavePending stores p and indexes it for the recovery sweep.
func (r *RedisStorage) SavePending(ctx context.Context, p types.PendingComputation) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	if p.ComputationRef == "" {
		return errors.New("computation reference is empty")
	}
	p.UpdatedAt = time.Now().UTC()
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fail to serialize pending computation to json, err: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pendingKey(p.ComputationRef), string(buf), 0)
		pipe.SAdd(ctx, pendingIndexKey, p.ComputationRef)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail to save pending computation, err: %w", err)
	}
	return nil
}

// GetPending returns the pending computation for ref.
func (r *RedisStorage) GetPending(ctx context.Context, ref string) (*types.PendingComputation, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	buf, err := r.client.Get(ctx, pendingKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get pending computation, err: %w", err)
	}
	var p types.PendingComputation
	if err := json.Unmarshal([]byte(buf), &p); err != nil {
		return nil, fmt.Errorf("fail to deserialize pending computation, err: %w", err)
	}
	return &p, nil
}

// ListPending returns every indexed pending computation, oldest first.
func (r *RedisStorage) ListPending(ctx context.Context) ([]types.PendingComputation, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	refs, err := r.client.SMembers(ctx, pendingIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to list pending computations, err: %w", err)
	}
	out := make([]types.PendingComputation, 0, len(refs))
	for _, ref := range refs {
		p, err := r.GetPending(ctx, ref)
		if errors.Is(err, ErrPendingNotFound) {
			r.client.SRem(ctx, pendingIndexKey, ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	types.SortPending(out)
	return out, nil
}

func (r *RedisStorage) DeletePending(ctx context.Context, ref string) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pendingKey(ref))
		pipe.SRem(ctx, pendingIndexKey, ref)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail to delete pending computation, err: %w", err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
