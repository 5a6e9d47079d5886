package testutil

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewNATSContainer starts a NATS server and returns its client URL.
func NewNATSContainer(t *testing.T) string {
	t.Helper()
	return "nats://" + startContainer(t, "nats", testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(startupTimeout),
	})
}
