// Package gameserver wires the room manager, broadcaster, connection handler and resource
// layer into the Service that transports call.
package gameserver

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/connection"
	"github.com/cory-johannsen/tablesync/internal/game/dice"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
	"github.com/cory-johannsen/tablesync/internal/resource"
	"github.com/cory-johannsen/tablesync/internal/storage"
)

// Options holds the collaborators of a Service. Nil Clock, Metrics, Sampler and Dice get
// production defaults.
type Options struct {
	Config  config.Config
	Store   storage.Store
	Clock   clock.Clock
	Metrics *observability.Metrics
	Sampler resource.Sampler
	Dice    dice.Source
	Logger  *zap.Logger
}

// Service is the coordination core's external API.
// All methods are safe for concurrent use.
type Service struct {
	cfg     config.Config
	clk     clock.Clock
	metrics *observability.Metrics
	logger  *zap.Logger

	store       storage.Store
	rooms       *room.Manager
	broadcaster *broadcast.Broadcaster
	conns       *connection.Handler
	memory      *resource.MemoryManager
	leaks       *resource.LeakDetector
	encounters  map[string]*state.Encounter
	roller      *dice.Roller

	tickers []*TickManager
	cancel  context.CancelFunc
}

// New builds a Service and wires its components together.
//
// Precondition: opts.Store and opts.Logger must be non-nil; opts.Config has passed Validate.
// Postcondition: Returns a Service with no rooms whose maintenance loops are not yet running.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	logger := opts.Logger

	policy, err := connection.ParsePolicy(cfg.Session.RecoveryPolicy)
	if err != nil {
		return nil, err
	}
	strategy, err := resource.NewStrategy(cfg.Memory.Strategy)
	if err != nil {
		return nil, err
	}
	sampler := opts.Sampler
	if sampler == nil {
		ps, err := resource.NewProcessSampler(clk)
		if err != nil {
			return nil, fmt.Errorf("creating memory sampler: %w", err)
		}
		sampler = ps
	}

	encounters := map[string]*state.Encounter{}
	if cfg.Session.EncountersDir != "" {
		encounters, err = state.LoadEncounters(cfg.Session.EncountersDir)
		if err != nil {
			return nil, err
		}
		logger.Info("encounter templates loaded", zap.Int("count", len(encounters)))
	}

	bc := broadcast.New(broadcastConfig(cfg.Broadcast), clk, metrics, logger.Named("broadcast"))
	rooms := room.NewManager(room.Config{
		InactivityTimeout:   cfg.Session.InactivityTimeout,
		SaveTimeout:         cfg.Persistence.SaveTimeout,
		ShutdownParallelism: 8,
	}, opts.Store, bc, clk, metrics, logger.Named("rooms"))
	conns := connection.NewHandler(connection.Config{
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		ConnectionTimeout:    cfg.Session.ConnectionTimeout,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectWindow:      cfg.Session.ReconnectWindow,
		DMGracePeriod:        cfg.Session.DMGracePeriod,
		Policy:               policy,
	}, rooms, bc, clk, metrics, logger.Named("connection"))
	rooms.SetRecoverer(conns)
	rooms.OnRemove(func(interactionID string) {
		bc.RemoveRoom(interactionID)
		conns.ForgetRoom(interactionID)
	})

	memory := resource.NewMemoryManager(memoryConfig(cfg.Memory), strategy, sampler, rooms, clk, metrics, logger.Named("memory"))
	leaks := resource.NewLeakDetector(cfg.Memory.LeakWindow, clk, metrics, logger.Named("leaks"))

	s := &Service{
		cfg:         cfg,
		clk:         clk,
		metrics:     metrics,
		logger:      logger,
		store:       opts.Store,
		rooms:       rooms,
		broadcaster: bc,
		conns:       conns,
		memory:      memory,
		leaks:       leaks,
		encounters:  encounters,
		roller:      dice.NewRoller(opts.Dice, logger.Named("dice")),
	}
	s.registerProbes()
	return s, nil
}

func broadcastConfig(c config.BroadcastConfig) broadcast.Config {
	return broadcast.Config{
		Batcher: broadcast.BatcherConfig{
			BatchDelay:        c.BatchDelay,
			MaxBatchSize:      c.MaxBatchSize,
			MaxQueueSize:      c.MaxQueueSize,
			PriorityThreshold: c.PriorityThreshold,
		},
		MaxSubscriptionsPerUser: c.MaxSubscriptionsPerUser,
		SubscriptionTimeout:     c.SubscriptionTimeout,
		OutboxSize:              c.OutboxSize,
	}
}

func memoryConfig(c config.MemoryConfig) resource.MemoryConfig {
	mc := resource.DefaultMemoryConfig()
	mc.Thresholds = resource.Thresholds{Warning: c.WarningBytes, Critical: c.CriticalBytes}
	mc.Optimizer.MaxHistorySize = c.MaxHistorySize
	mc.Optimizer.MaxChatSize = c.MaxChatSize
	mc.Optimizer.CompressAfterRounds = c.CompressAfterRounds
	return mc
}

// registerProbes tracks every collection that should return to a steady size when rooms
// come and go.
func (s *Service) registerProbes() {
	s.leaks.Register("rooms", s.rooms.Len)
	s.leaks.Register("participants", func() int { return s.footprint().Participants })
	s.leaks.Register("turn_history", func() int { return s.footprint().History })
	s.leaks.Register("chat", func() int { return s.footprint().Chat })
	s.leaks.Register("subscriptions", s.broadcaster.SubscriptionCount)
	s.leaks.Register("queued_messages", s.broadcaster.Batcher().Queued)
	s.leaks.Register("pooled_messages", func() int { return int(s.broadcaster.Batcher().PoolStats().Outstanding()) })
	s.leaks.Register("connections", s.conns.Tracked)
}

func (s *Service) footprint() room.Footprint {
	var total room.Footprint
	for _, r := range s.rooms.Rooms() {
		f := r.Footprint()
		total.Participants += f.Participants
		total.Initiative += f.Initiative
		total.History += f.History
		total.Chat += f.Chat
		total.Obstacles += f.Obstacles
		total.Terrain += f.Terrain
	}
	return total
}

// Broadcaster exposes the event broadcaster, e.g. to attach a cross-node relay.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }

// Rooms exposes the room manager.
func (s *Service) Rooms() *room.Manager { return s.rooms }

// Connections exposes the connection handler.
func (s *Service) Connections() *connection.Handler { return s.conns }

// Memory exposes the memory manager.
func (s *Service) Memory() *resource.MemoryManager { return s.memory }

// Metrics exposes the counter registry.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Start launches the maintenance loops: inactivity sweeps and idle subscription reaping,
// heartbeat timeouts, memory sampling with leak checks.
//
// Precondition: Start must be called at most once.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	sweep := NewTickManager("sweep", s.cfg.Session.SweepInterval, s.clk, s.logger)
	sweep.Register("rooms", func(ctx context.Context) { _ = s.rooms.Sweep(ctx) })
	sweep.Register("subscriptions", func(context.Context) { s.broadcaster.ReapIdle() })

	heartbeat := NewTickManager("heartbeat", s.cfg.Session.HeartbeatInterval, s.clk, s.logger)
	heartbeat.Register("timeouts", func(context.Context) { s.conns.CheckTimeouts() })

	memory := NewTickManager("memory", s.cfg.Memory.SampleInterval, s.clk, s.logger)
	memory.Register("sample", func(ctx context.Context) {
		if _, err := s.memory.Sample(ctx); err != nil {
			s.logger.Debug("memory sample failed", zap.Error(err))
		}
	})
	memory.Register("leaks", func(context.Context) { s.leaks.Check() })

	s.tickers = []*TickManager{sweep, heartbeat, memory}
	for _, t := range s.tickers {
		t.Start(ctx)
	}
	s.logger.Info("maintenance loops started",
		zap.Duration("sweep_interval", s.cfg.Session.SweepInterval),
		zap.Duration("heartbeat_interval", s.cfg.Session.HeartbeatInterval),
		zap.Duration("sample_interval", s.cfg.Memory.SampleInterval),
		zap.String("strategy", s.memory.Strategy().Name()),
	)
}

// Shutdown stops the maintenance loops, saves every live room and releases timers and
// subscriptions.
//
// Postcondition: Returns the combined errors of the final save pass.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		for _, t := range s.tickers {
			select {
			case <-t.Done():
			case <-ctx.Done():
			}
		}
	}
	var err error
	if serr := s.rooms.Shutdown(ctx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("persisting rooms: %w", serr))
	}
	s.conns.Close()
	s.broadcaster.Close()
	s.logger.Info("service stopped", zap.Int("rooms", s.rooms.Len()))
	return err
}
