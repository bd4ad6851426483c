package transcript

import (
	"context"
	"fmt"
	"log"
	"strings"
)

type Options struct {
	// Mode is auto, memory, postgres or redis.
	Mode          string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
}

// NewStore picks a backend. In auto mode Postgres wins when DatabaseURL is
// set, then Redis when RedisAddr is set and reachable, then memory.
func NewStore(ctx context.Context, opts Options) (Store, string, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	dbURL := strings.TrimSpace(opts.DatabaseURL)
	redisAddr := strings.TrimSpace(opts.RedisAddr)

	switch mode {
	case "", "auto":
		if dbURL != "" {
			return openPostgres(ctx, dbURL)
		}
		if redisAddr != "" {
			s, err := NewRedisStore(ctx, redisAddr, opts.RedisPassword)
			if err == nil {
				return s, "redis", nil
			}
			log.Printf("transcript: redis unavailable, using in-memory store: %v", err)
		}
		return NewInMemoryStore(), "memory", nil
	case "memory":
		return NewInMemoryStore(), "memory", nil
	case "postgres":
		if dbURL == "" {
			return nil, "", fmt.Errorf("transcript store postgres requires DATABASE_URL")
		}
		return openPostgres(ctx, dbURL)
	case "redis":
		if redisAddr == "" {
			return nil, "", fmt.Errorf("transcript store redis requires REDIS_URL")
		}
		s, err := NewRedisStore(ctx, redisAddr, opts.RedisPassword)
		if err != nil {
			return nil, "", err
		}
		return s, "redis", nil
	default:
		return nil, "", fmt.Errorf("unknown transcript store %q", opts.Mode)
	}
}

func openPostgres(ctx context.Context, dbURL string) (Store, string, error) {
	s, err := NewPostgresStore(ctx, dbURL)
	if err != nil {
		return nil, "", err
	}
	return s, "postgres", nil
}
