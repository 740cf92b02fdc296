package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Opts configures a RedisStore.
type Opts struct {
	URL    string
	Client *redis.Client
}

// Option configures a RedisStore.
type Option func(*Opts)

// WithURL sets the redis:// connection URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithClient uses an existing client instead of dialing URL.
func WithClient(c *redis.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// RedisStore keeps ephemeral entries in Redis hashes and strings.
type RedisStore struct {
	rdb *redis.Client
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	rdb := cfg.Client
	if rdb == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis URL not set")
		}
		ro, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		rdb = redis.NewClient(ro)
	}
	slog.Debug("RedisStore.NewRedisStore: client ready", "addr", rdb.Options().Addr)
	return &RedisStore{rdb: rdb}, nil
}

func (r *RedisStore) PublishSession(ctx context.Context, d Descriptor, b DeviceBinding, ttl time.Duration) error {
	sk, dk := SessionKey(d.SessionID), DeviceKey(b.DeviceID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sk, dk)
		pipe.HSet(ctx, sk,
			"start_timestamp", d.StartTimestamp,
			"interval_seconds", d.IntervalSeconds,
		)
		pipe.HSet(ctx, dk,
			"session_id", b.SessionID,
			"owner_identity", b.OwnerIdentity,
			"alert_threshold_seconds", b.AlertThresholdSeconds,
		)
		if ttl > 0 {
			pipe.Expire(ctx, sk, ttl)
			pipe.Expire(ctx, dk, ttl)
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore.PublishSession: transaction failed", "sessionID", d.SessionID, "deviceID", b.DeviceID, "error", err)
		return fmt.Errorf("publish session %s: %w", d.SessionID, err)
	}
	slog.Debug("RedisStore.PublishSession: published", "sessionID", d.SessionID, "deviceID", b.DeviceID, "ttl", ttl)
	return nil
}

func (r *RedisStore) GetDescriptor(ctx context.Context, sessionID string) (*Descriptor, error) {
	vals, err := r.rdb.HGetAll(ctx, SessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get descriptor %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	start, _ := strconv.ParseInt(vals["start_timestamp"], 10, 64)
	interval, _ := strconv.Atoi(vals["interval_seconds"])
	return &Descriptor{SessionID: sessionID, StartTimestamp: start, IntervalSeconds: interval}, nil
}

func (r *RedisStore) GetDeviceBinding(ctx context.Context, deviceID string) (*DeviceBinding, error) {
	vals, err := r.rdb.HGetAll(ctx, DeviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get device binding %s: %w", deviceID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	threshold, _ := strconv.Atoi(vals["alert_threshold_seconds"])
	return &DeviceBinding{
		DeviceID:              deviceID,
		SessionID:             vals["session_id"],
		OwnerIdentity:         vals["owner_identity"],
		AlertThresholdSeconds: threshold,
	}, nil
}

func (r *RedisStore) PutImage(ctx context.Context, ref string, data []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, ref, data, ttl).Err(); err != nil {
		return fmt.Errorf("put image %s: %w", ref, err)
	}
	return nil
}

func (r *RedisStore) GetImage(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", ref, err)
	}
	return data, nil
}

func (r *RedisStore) DeleteImage(ctx context.Context, ref string) error {
	if err := r.rdb.Del(ctx, ref).Err(); err != nil {
		return fmt.Errorf("delete image %s: %w", ref, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
