package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coverwise/coverwise/internal/redact"
)

// RedisOptions configure the Redis store.
type RedisOptions struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string
	// TTL expires submissions; zero keeps them.
	TTL time.Duration
}

// Redis stores each submission as a JSON string and indexes it in a
// per-client sorted set scored by creation time.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	r := NewRedis(rdb, opts.KeyPrefix, opts.TTL)
	if err := r.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: redis %s: %w", opts.Addr, err)
	}
	redact.Logf("store: redis ready at %s db=%d", opts.Addr, opts.DB)
	return r, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) submissionKey(id string) string { return r.prefix + "submission:" + id }

func (r *Redis) clientKey(clientID string) string { return r.prefix + "client:" + clientID }

func (r *Redis) Save(ctx context.Context, s Submission) error {
	if err := checkSubmission(s); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	created, err := r.client.SetNX(ctx, r.submissionKey(s.ID), payload, r.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := r.clientKey(s.ClientID)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.CreatedAt.UnixMilli()), Member: s.ID})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		// Unindexed submissions would block a retry with ErrDuplicate.
		if derr := r.client.Del(context.WithoutCancel(ctx), r.submissionKey(s.ID)).Err(); derr != nil {
			redact.Logf("store: redis rollback of %s failed: %v", s.ID, derr)
		}
		return fmt.Errorf("store: index submission %s: %w", s.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (Submission, error) {
	payload, err := r.client.Get(ctx, r.submissionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	var s Submission
	if err := json.Unmarshal(payload, &s); err != nil {
		return Submission{}, fmt.Errorf("store: decode submission %s: %w", id, err)
	}
	return s, nil
}

// List reads ids newest first; ids whose submission has expired are pruned
// from the index.
func (r *Redis) List(ctx context.Context, clientID string, limit int) ([]Submission, error) {
	limit = listLimit(limit)
	key := r.clientKey(clientID)
	ids, err := r.client.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.submissionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out   []Submission
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Submission
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("store: decode submission %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, key, stale...).Err()
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
