package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/die-net/sshdirect/internal/config"
)

// RedisOptions configures a Redis-backed Store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Empty means "sshdirect".
	Prefix string
}

// Redis stores each descriptor as JSON under <prefix>:descriptor:<id> and
// keeps the set of IDs in <prefix>:descriptors.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "sshdirect"
	}
	return &Redis{client: rdb, prefix: prefix}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(id string) string {
	return r.prefix + ":descriptor:" + id
}

func (r *Redis) indexKey() string {
	return r.prefix + ":descriptors"
}

func (r *Redis) Get(ctx context.Context, id string) (config.Descriptor, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return config.Descriptor{}, ErrNotFound
	}
	if err != nil {
		return config.Descriptor{}, fmt.Errorf("redis get %s: %w", id, err)
	}

	var d config.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return config.Descriptor{}, fmt.Errorf("unmarshal descriptor %s: %w", id, err)
	}
	return d, nil
}

func (r *Redis) List(ctx context.Context) ([]config.Descriptor, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	ds := make([]config.Descriptor, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a value; skip it.
			continue
		}
		var d config.Descriptor
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			return nil, fmt.Errorf("unmarshal descriptor %s: %w", ids[i], err)
		}
		ds = append(ds, d)
	}

	sortDescriptors(ds)
	return ds, nil
}

func (r *Redis) Put(ctx context.Context, d config.Descriptor) (config.Descriptor, error) {
	d, err := prepare(d)
	if err != nil {
		return d, err
	}

	data, err := json.Marshal(d)
	if err != nil {
		return d, fmt.Errorf("marshal descriptor: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(d.ID), data, 0)
		p.SAdd(ctx, r.indexKey(), d.ID)
		return nil
	})
	if err != nil {
		return d, fmt.Errorf("redis put %s: %w", d.ID, err)
	}
	return d, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, r.key(id))
		p.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
