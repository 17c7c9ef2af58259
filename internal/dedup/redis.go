package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Each key is a sorted set of the ids holding one hash.
const keyPrefix = "nuka:memory:hashes:"

// RedisIndex shares the hash index between processes.
type RedisIndex struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisIndex connects to redisURL. ttl of zero keeps keys forever.
func NewRedisIndex(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisIndex, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis dedup index connected", zap.String("addr", opts.Addr))
	return &RedisIndex{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (r *RedisIndex) Lookup(ctx context.Context, hash, excludeID string) (string, error) {
	// Ids are unique within the set, so the two oldest always include one
	// that is not excludeID when any exists.
	ids, err := r.rdb.ZRange(ctx, keyPrefix+hash, 0, 1).Result()
	if err != nil {
		return "", fmt.Errorf("lookup hash %s: %w", hash, err)
	}
	for _, id := range ids {
		if id != excludeID {
			return id, nil
		}
	}
	return "", nil
}

// Remember adds id to the holders of hash, scored by first sighting so
// Lookup prefers the oldest.
func (r *RedisIndex) Remember(ctx context.Context, hash, id string) error {
	key := keyPrefix + hash
	var added *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.ZAddNX(ctx, key, redis.Z{Score: float64(time.Now().UnixMicro()), Member: id})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remember hash %s: %w", hash, err)
	}
	if added.Val() == 0 {
		r.logger.Debug("hash already indexed", zap.String("hash", hash), zap.String("id", id))
	}
	return nil
}

func (r *RedisIndex) Forget(ctx context.Context, hash, id string) error {
	if err := r.rdb.ZRem(ctx, keyPrefix+hash, id).Err(); err != nil {
		return fmt.Errorf("forget hash %s: %w", hash, err)
	}
	return nil
}

func (r *RedisIndex) Close() error {
	return r.rdb.Close()
}
