package containers

import (
	"context"
	"fmt"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer is a throwaway Redis for integration tests.
type RedisContainer struct {
	*tcredis.RedisContainer
	URL string
}

func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	rc, err := tcredis.Run(ctx,
		"redis:7-alpine",
		tcredis.WithLogLevel(tcredis.LogLevelNotice),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}
	url, err := rc.ConnectionString(ctx)
	if err != nil {
		_ = rc.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis url: %w", err)
	}
	return &RedisContainer{RedisContainer: rc, URL: url}, nil
}
