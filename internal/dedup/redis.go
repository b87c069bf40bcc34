package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared backend for multi-instance deployments: the dedup set
// lives in Redis so two server processes watching the same relays do not
// each trigger a push for the same event.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedis connects to redisURL (redis://[:password@]host:port/db) and
// verifies the connection before returning.
func NewRedis(redisURL string, window time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{client: client, prefix: "dedup:event:", window: window}, nil
}

func (r *Redis) SeenOrAdd(ctx context.Context, eventID string) (bool, error) {
	added, err := r.client.SetNX(ctx, r.prefix+eventID, 1, r.window).Result()
	if err != nil {
		return false, err
	}
	return !added, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
