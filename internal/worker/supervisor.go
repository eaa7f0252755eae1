package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Logger is a minimal structured logging interface satisfied by the
// project logger.
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// Supervisor runs registered workers and tracks their health. A worker
// exiting with an error marks it failed but does not stop the others; the
// host's restart policy decides what to do about a failed process.
type Supervisor struct {
	workers         []Worker
	names           map[string]struct{}
	health          *HealthTracker
	logger          Logger
	shutdownTimeout time.Duration // 0 means wait indefinitely
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithShutdownTimeout bounds how long Run waits for workers to finish
// after the context is cancelled.
func WithShutdownTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.shutdownTimeout = timeout
	}
}

func NewSupervisor(logger Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		names:  make(map[string]struct{}),
		health: NewHealthTracker(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a worker. Panics on a duplicate name; that is a wiring bug.
func (s *Supervisor) Register(w Worker) {
	if _, exists := s.names[w.Name()]; exists {
		panic(fmt.Sprintf("worker %s already registered", w.Name()))
	}
	s.names[w.Name()] = struct{}{}
	s.workers = append(s.workers, w)
	s.logger.Debug("worker registered", zap.String("worker", w.Name()))
}

// Health returns the supervisor's health tracker.
func (s *Supervisor) Health() *HealthTracker {
	return s.health
}

// Run starts every registered worker and blocks until they have all
// exited. Worker errors are recorded, not propagated: returning non-nil
// here is reserved for supervision failures such as a shutdown timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.workers) == 0 {
		s.logger.Warn("no workers registered")
		return nil
	}

	s.logger.Info("starting workers", zap.Int("count", len(s.workers)))

	g := &errgroup.Group{}
	for _, w := range s.workers {
		s.health.MarkRunning(w.Name())
		g.Go(func() error {
			s.logger.Info("worker starting", zap.String("worker", w.Name()))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("worker failed",
					zap.String("worker", w.Name()),
					zap.Error(err))
				s.health.MarkFailed(w.Name())
				return nil
			}
			s.logger.Info("worker stopped gracefully", zap.String("worker", w.Name()))
			s.health.MarkStopped(w.Name())
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck // workers never return errors through the group
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("context cancelled, waiting for workers")
	if s.shutdownTimeout <= 0 {
		<-finished
		return nil
	}

	select {
	case <-finished:
		s.logger.Info("all workers shut down gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("shutdown timeout exceeded",
			zap.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded (%v)", s.shutdownTimeout)
	}
}
