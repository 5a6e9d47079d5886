package testutil

import (
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/tablesync/internal/config"
)

// NewRedisContainer starts Redis and returns snapshot store settings pointing at it.
func NewRedisContainer(t *testing.T) config.RedisConfig {
	t.Helper()
	addr := startContainer(t, "redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(startupTimeout),
	})
	return config.RedisConfig{Addr: addr, KeyPrefix: "test:room:", TTL: time.Hour}
}
