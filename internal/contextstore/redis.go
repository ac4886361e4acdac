package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tailor:context:"

// Redis is a Provider backed by Redis keys with an idle expiry.
type Redis struct {
	client   *redis.Client
	ttl      time.Duration
	maxBytes int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration, maxBytes int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("contextstore.NewRedis: ping: %w", err)
	}

	return &Redis{client: client, ttl: ttl, maxBytes: maxBytes}, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("contextstore.Redis.Close: %w", err)
	}
	return nil
}

// Store implements Provider.
func (r *Redis) Store(ctx context.Context, token, document, target string) error {
	snap := Snapshot{Document: document, Target: target}
	if err := checkSize(snap, r.maxBytes); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("contextstore.Redis.Store: encode: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+token, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("contextstore.Redis.Store: %w", err)
	}
	return nil
}

// RetrieveDocument implements Provider.
func (r *Redis) RetrieveDocument(ctx context.Context, token string) (string, error) {
	snap, err := r.get(ctx, token)
	if err != nil {
		return "", err
	}
	return snap.Document, nil
}

// RetrieveTarget implements Provider.
func (r *Redis) RetrieveTarget(ctx context.Context, token string) (string, error) {
	snap, err := r.get(ctx, token)
	if err != nil {
		return "", err
	}
	return snap.Target, nil
}

// Touch implements Provider.
func (r *Redis) Touch(ctx context.Context, token string) error {
	if r.ttl <= 0 {
		n, err := r.client.Exists(ctx, redisKeyPrefix+token).Result()
		if err != nil {
			return fmt.Errorf("contextstore.Redis.Touch: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
	ok, err := r.client.Expire(ctx, redisKeyPrefix+token, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("contextstore.Redis.Touch: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete implements Provider.
func (r *Redis) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("contextstore.Redis.Delete: %w", err)
	}
	return nil
}

func (r *Redis) get(ctx context.Context, token string) (Snapshot, error) {
	key := redisKeyPrefix + token
	payload, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("contextstore.Redis.get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("contextstore.Redis.get: decode: %w", err)
	}

	if r.ttl > 0 {
		// Reads keep an active session's materials alive.
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return Snapshot{}, fmt.Errorf("contextstore.Redis.get: refresh expiry: %w", err)
		}
	}
	return snap, nil
}
