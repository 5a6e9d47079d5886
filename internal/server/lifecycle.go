// Package server runs the long-lived parts of the process and tears them down in order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service is a blocking component such as a listener.
type Service interface {
	// Start blocks until the service stops or fails.
	Start() error
	// Stop asks a running Start to return.
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Hook is a shutdown step that runs after every service has stopped, e.g. persisting rooms.
type Hook func(ctx context.Context) error

// Lifecycle starts services concurrently, waits for a signal, a failure or cancellation,
// then stops services in reverse order and runs shutdown hooks within a deadline.
type Lifecycle struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal

	mu       sync.Mutex
	services []named[Service]
	hooks    []named[Hook]
}

type named[T any] struct {
	name string
	v    T
}

// NewLifecycle creates a Lifecycle whose hooks share shutdownTimeout.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, shutdownTimeout time.Duration) *Lifecycle {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Lifecycle{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service. Services start in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, named[Service]{name: name, v: svc})
}

// OnShutdown registers a hook. Hooks run in registration order after services stop.
func (l *Lifecycle) OnShutdown(name string, h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, named[Hook]{name: name, v: h})
}

// Run starts all services and blocks until SIGINT/SIGTERM, a service failure, or ctx is
// cancelled.
//
// Postcondition: All services are stopped and all hooks have run. The returned error
// combines the failing service's error with any hook errors.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := append([]named[Service](nil), l.services...)
	hooks := append([]named[Hook](nil), l.hooks...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.v.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.stopServices(services)
	hookErr := l.runHooks(hooks)
	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return multierr.Append(runErr, hookErr)
}

func (l *Lifecycle) stopServices(services []named[Service]) {
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.v.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
}

func (l *Lifecycle) runHooks(hooks []named[Hook]) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()
	var err error
	for _, h := range hooks {
		hookStart := time.Now()
		if hErr := h.v(ctx); hErr != nil {
			l.logger.Error("shutdown hook failed", zap.String("hook", h.name), zap.Error(hErr))
			err = multierr.Append(err, fmt.Errorf("hook %s: %w", h.name, hErr))
			continue
		}
		l.logger.Info("shutdown hook done",
			zap.String("hook", h.name),
			zap.Duration("elapsed", time.Since(hookStart)),
		)
	}
	return err
}
