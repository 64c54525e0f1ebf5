// Package server provides application lifecycle management including
// ordered startup and graceful shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start returns once the service is
// running; the work continues in the background until Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// Finisher is implemented by services that can end on their own, such as a
// client whose connection was closed by the server. Done is closed when that
// happens.
type Finisher interface {
	Done() <-chan struct{}
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func()
}

// Start calls the underlying start function, if any.
func (f *FuncService) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

// Stop calls the underlying stop function, if any.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger   *zap.Logger
	services []namedService
	mu       sync.Mutex
	signals  []os.Signal
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager that shuts down on SIGINT or
// SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service in order and blocks until a termination signal
// arrives, ctx is cancelled, or a Finisher service ends. Services are then
// stopped in reverse order.
//
// Postcondition: Every started service is stopped when Run returns. A start
// failure stops the services already started and is returned.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, l.signals...)
	defer stopSignals()

	finished := make(chan string, len(services))
	for i, ns := range services {
		l.logger.Info("starting service", zap.String("service", ns.name))
		svcStart := time.Now()
		if err := ns.service.Start(ctx); err != nil {
			l.logger.Error("service failed to start",
				zap.String("service", ns.name),
				zap.Error(err),
			)
			l.shutdown(services[:i])
			return fmt.Errorf("service %s: %w", ns.name, err)
		}
		l.logger.Info("service started",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
		if f, ok := ns.service.(Finisher); ok {
			go func(name string, done <-chan struct{}) {
				select {
				case <-done:
					finished <- name
				case <-ctx.Done():
				}
			}(ns.name, f.Done())
		}
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	select {
	case name := <-finished:
		l.logger.Info("service finished, shutting down", zap.String("service", name))
	case <-ctx.Done():
		l.logger.Info("signal or cancellation received, shutting down")
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return nil
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", ns.name),
		)
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
