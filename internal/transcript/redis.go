package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "eva:transcript:"
	redisMaxEntries = 2000
	redisTTL        = 7 * 24 * time.Hour
)

// RedisStore keeps a capped list of entries per client.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(clientID string) string { return redisKeyPrefix + clientID }

func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	entry = normalize(entry)
	raw, err := sonic.Marshal(entry)
	if err != nil {
		return err
	}
	key := redisKey(entry.ClientID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -redisMaxEntries, -1)
	pipe.Expire(ctx, key, redisTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, clientID string, kind Kind, limit int) ([]Entry, error) {
	start := int64(0)
	if kind == "" && limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.client.LRange(ctx, redisKey(clientID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := sonic.UnmarshalString(raw, &e); err != nil {
			return nil, fmt.Errorf("decode transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	return tail(entries, kind, limit), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
