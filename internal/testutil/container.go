// Package testutil starts the backing services that storage and relay integration tests
// run against.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const startupTimeout = 30 * time.Second

// startContainer runs req and returns the "host:port" of its single exposed port. The
// container is terminated when the test ends; the test is skipped in -short mode.
//
// Precondition: Docker must be available; req exposes exactly one port.
func startContainer(t *testing.T, name string, req testcontainers.ContainerRequest) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in short mode", name)
	}
	ctx := context.Background()
	start := time.Now()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting %s container: %v [%s]", name, err, time.Since(start))
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("resolving %s endpoint: %v", name, err)
	}
	t.Logf("%s container at %s [%s]", name, endpoint, time.Since(start))
	return endpoint
}
