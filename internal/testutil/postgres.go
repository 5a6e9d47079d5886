package testutil

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/storage/postgres"
)

// Snapshots is a migrated postgres snapshot database with a connected Store.
type Snapshots struct {
	Store  *postgres.Store
	Config config.DatabaseConfig
}

// DSN returns the connection string for the test database.
func (s *Snapshots) DSN() string { return s.Config.DSN() }

// NewPostgresContainer starts PostgreSQL, applies the snapshot schema and connects a Store
// that is closed when the test ends.
//
// Postcondition: Returns a migrated database or fails the test.
func NewPostgresContainer(t *testing.T) *Snapshots {
	t.Helper()
	endpoint := startContainer(t, "postgres", testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "tablesync",
			"POSTGRES_PASSWORD": "tablesync",
			"POSTGRES_DB":       "snapshots",
		},
		// postgres restarts once after init; the second line marks the real server.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
	})
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		t.Fatalf("parsing postgres endpoint %q: %v", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing postgres port %q: %v", portStr, err)
	}

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            "tablesync",
		Password:        "tablesync",
		Name:            "snapshots",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
	}
	if _, err := postgres.Migrate(cfg.DSN(), "up", 0); err != nil {
		t.Fatalf("migrating snapshot schema: %v", err)
	}
	store, err := postgres.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connecting snapshot store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &Snapshots{Store: store, Config: cfg}
}
