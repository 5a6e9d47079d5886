package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/storage/postgres"
	"github.com/cory-johannsen/tablesync/internal/storage/redis"
	"github.com/cory-johannsen/tablesync/internal/storage/sqlite"
)

// Open builds the store selected by cfg.Persistence.Driver, wrapped for retries when
// RetryAttempts is positive.
//
// Precondition: cfg has passed Validate.
// Postcondition: Returns a reachable store or an error.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Persistence.SaveTimeout*3)
	defer cancel()

	var (
		s   Store
		err error
	)
	switch cfg.Persistence.Driver {
	case "memory":
		s = NewMemory()
	case "postgres":
		s, err = postgres.Open(ctx, cfg.Database)
	case "sqlite":
		s, err = sqlite.Open(ctx, cfg.SQLite.Path)
	case "redis":
		s, err = redis.Open(ctx, cfg.Redis)
	default:
		err = fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot store ready", zap.String("driver", cfg.Persistence.Driver))
	if cfg.Persistence.RetryAttempts > 0 {
		rc := DefaultRetryConfig()
		rc.MaxRetries = cfg.Persistence.RetryAttempts
		return NewRetrying(s, rc, logger), nil
	}
	return s, nil
}
