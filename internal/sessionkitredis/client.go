package sessionkitredis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEmptyRedisURL = errors.New("redis.empty_url")

// NewClient builds a client from a URL such as redis://:pass@host:6379/0 and
// pings it so a bad address fails at startup.
func NewClient(ctx context.Context, redisURL string, pingTimeout time.Duration) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis.new_client: %w", errEmptyRedisURL)
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingTimeout <= 0 {
		pingTimeout = DefaultOperationTimeout
	}
	pingContext, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if pingErr := client.Ping(pingContext).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.ping: %w", pingErr)
	}
	return client, nil
}
