// Package main provides the session daemon: the HTTP/WebSocket room API, the gRPC health
// service, schema migrations and development token issuing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
	"github.com/cory-johannsen/tablesync/internal/health"
	"github.com/cory-johannsen/tablesync/internal/identity"
	"github.com/cory-johannsen/tablesync/internal/observability"
	"github.com/cory-johannsen/tablesync/internal/relay"
	"github.com/cory-johannsen/tablesync/internal/server"
	"github.com/cory-johannsen/tablesync/internal/storage"
	"github.com/cory-johannsen/tablesync/internal/storage/postgres"
	transport "github.com/cory-johannsen/tablesync/internal/transport/http"
)

const healthInterval = 15 * time.Second

// devUsers back the static resolver when no JWT secret is configured.
var devUsers = []identity.User{
	{ID: "dm", IsSessionOwner: true},
	{ID: "player1"},
	{ID: "player2"},
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "Real-time interaction room coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/dev.yaml", "path to configuration file")
	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath), newTokenCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the room API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	start := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "sessiond")
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting session daemon",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("grpc_health_addr", cfg.Server.GRPCHealthAddr),
		zap.String("persistence", cfg.Persistence.Driver),
	)

	storeStart := time.Now()
	store, err := storage.Open(ctx, cfg, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	logger.Info("snapshot store ready",
		zap.String("driver", cfg.Persistence.Driver),
		zap.Duration("elapsed", time.Since(storeStart)),
	)

	svc, err := gameserver.New(gameserver.Options{
		Config: cfg,
		Store:  store,
		Logger: logger.Named("gameserver"),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("building service: %w", err)
	}

	resolver, err := newResolver(cfg.Auth, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	lc := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lc.Add("http", transport.NewServer(cfg.Server, transport.NewRouter(svc, resolver, logger.Named("http")), logger.Named("http")))
	if cfg.Server.GRPCHealthAddr != "" {
		lc.Add("grpc-health", health.New(cfg.Server.GRPCHealthAddr, store, healthInterval, clock.New(), logger.Named("health")))
	}

	if cfg.NATS.Enabled {
		nc, err := relay.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			_ = store.Close()
			return err
		}
		rl := relay.New(nc, cfg.NATS.SubjectPrefix, logger.Named("relay"))
		svc.Broadcaster().AddObserver(rl)
		if err := rl.Listen(nc, svc.Broadcaster()); err != nil {
			nc.Close()
			_ = store.Close()
			return err
		}
		logger.Info("batch relay enabled",
			zap.String("url", cfg.NATS.URL),
			zap.String("node", rl.Node()),
		)
		lc.OnShutdown("relay", func(context.Context) error {
			err := rl.Close()
			nc.Close()
			return err
		})
	}

	svc.Start(ctx)
	lc.OnShutdown("rooms", svc.Shutdown)
	lc.OnShutdown("store", func(context.Context) error { return store.Close() })

	logger.Info("session daemon ready", zap.Duration("startup", time.Since(start)))
	return lc.Run(ctx)
}

func newResolver(cfg config.AuthConfig, logger *zap.Logger) (identity.Resolver, error) {
	if cfg.JWTSecret == "" {
		ids := make([]string, 0, len(devUsers))
		for _, u := range devUsers {
			ids = append(ids, u.ID)
		}
		logger.Warn("no jwt secret configured, accepting development identities via X-User-ID",
			zap.Strings("users", ids),
		)
		return identity.Static{Users: devUsers}, nil
	}
	r, err := identity.NewJWTResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("building identity resolver: %w", err)
	}
	return r, nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var (
		direction string
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres snapshot schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			res, err := postgres.Migrate(cfg.Database.DSN(), direction, steps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.Changed {
				fmt.Fprintf(out, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, time.Since(start))
				return nil
			}
			fmt.Fprintf(out, "migrated %s to version=%d dirty=%v [%s]\n", direction, res.Version, res.Dirty, time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		user  string
		owner bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			r, err := identity.NewJWTResolver(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := r.Issue(user, owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to put in the subject claim")
	cmd.Flags().BoolVar(&owner, "owner", false, "mark the user as session owner")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
