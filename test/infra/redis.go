package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisAddrEnv names a Redis server to reuse instead of starting a container.
const RedisAddrEnv = "GIGESCROW_TEST_REDIS_ADDR"

type RedisContainer struct {
	C testcontainers.Container
}

// StartRedis7 starts a Redis 7 container and returns its host:port, or the
// address in GIGESCROW_TEST_REDIS_ADDR when set.
func StartRedis7(ctx context.Context) (*RedisContainer, string, error) {
	if addr := os.Getenv(RedisAddrEnv); addr != "" {
		return &RedisContainer{}, addr, nil
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}
	addr, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &RedisContainer{C: c}, addr, nil
}

func (r *RedisContainer) Terminate(ctx context.Context) error {
	if r == nil || r.C == nil {
		return nil
	}
	return r.C.Terminate(ctx)
}
