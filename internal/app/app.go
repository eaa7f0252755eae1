// Package app wires configuration, logging, the shared segment, and the
// shepherd worker into a runnable process.
package app

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldwork/flagpost/internal/config"
	"github.com/fieldwork/flagpost/internal/deathwatch"
	"github.com/fieldwork/flagpost/internal/logging"
	"github.com/fieldwork/flagpost/internal/shepherd"
	"github.com/fieldwork/flagpost/internal/version"
	"github.com/fieldwork/flagpost/internal/worker"
)

type App struct {
	flags config.Flags
	cfg   *config.Config
}

func New(cfg *config.Config, flags config.Flags) *App {
	return &App{cfg: cfg, flags: flags}
}

func (a *App) Run(ctx context.Context) error {
	return run(ctx, a.cfg, a.flags)
}

func run(mainContext context.Context, cfg *config.Config, flags config.Flags) error {
	logger, err := logging.NewLogger(logging.WithLogLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.NumFlags < reservedFlags {
		return fmt.Errorf("num_flags must be at least %d, got %d", reservedFlags, cfg.NumFlags)
	}

	logger.Info("starting flagpost",
		zap.String("version", version.Version()),
		zap.String("segment_path", cfg.SegmentPath),
		zap.Int("num_flags", cfg.NumFlags),
		zap.Int("worker_delay_ms", cfg.WorkerDelayMS))

	shared, err := AttachShared(cfg.SegmentPath, cfg.NumFlags)
	if err != nil {
		return err
	}
	defer shared.Segment.Close()
	if shared.Segment.Created() {
		logger.Info("shared segment initialized", zap.Int("bytes", SizeNeeded(cfg.NumFlags)))
	}

	death := supervisorWatch(cfg)
	defer death.Stop()

	// The loop re-reads the delay every iteration; reload just swaps the
	// value in.
	var delayMS atomic.Int64
	delayMS.Store(int64(cfg.WorkerDelayMS))

	reload := func(ctx context.Context) error {
		fresh, err := config.Parse(flags)
		if err != nil {
			// A broken config file keeps the previous configuration; the
			// reload is retried on the next reconfigure request.
			logger.Ctx(ctx).Error("reload: config parse failed", zap.Error(err))
			return nil
		}
		delayMS.Store(int64(fresh.WorkerDelayMS))
		logger.Ctx(ctx).Info("configuration reloaded",
			zap.Int("worker_delay_ms", fresh.WorkerDelayMS))
		return nil
	}

	// Cooperative barrier over two reserved cells: collaborators bump the
	// request generation and wake us; we acknowledge by copying it.
	barrierCheck := func() bool {
		return shared.Flags.Get(barrierRequestFlag) > shared.Flags.Get(barrierAckFlag)
	}
	barrier := func(ctx context.Context) error {
		gen := shared.Flags.Get(barrierRequestFlag)
		shared.Flags.Set(barrierAckFlag, gen)
		logger.Ctx(ctx).Info("barrier acknowledged", zap.Uint64("generation", gen))
		return nil
	}

	work := func(ctx context.Context, env *shepherd.Env) error {
		env.Flags.Set(heartbeatFlag, env.Iteration)
		return nil
	}

	shep := shepherd.New(
		shepherd.WithLogger(logger),
		shepherd.WithRegistry(shared.Registry),
		shepherd.WithFlagTable(shared.Flags),
		shepherd.WithSupervisorDeath(death.Dead()),
		shepherd.WithDelay(func() time.Duration {
			return time.Duration(delayMS.Load()) * time.Millisecond
		}),
		shepherd.WithReload(reload),
		shepherd.WithBarrier(barrierCheck, barrier),
		shepherd.WithWork(work),
	)

	supervisor := worker.NewSupervisor(logger, worker.WithShutdownTimeout(30*time.Second))
	supervisor.Register(shep)

	return supervisor.Run(mainContext)
}

func supervisorWatch(cfg *config.Config) *deathwatch.Watcher {
	if cfg.SupervisorPipeFD >= 0 {
		return deathwatch.NewPipe(os.NewFile(uintptr(cfg.SupervisorPipeFD), "supervisor-pipe"))
	}
	if cfg.PollParent {
		return deathwatch.NewParentPoll(2 * time.Second)
	}
	return deathwatch.Disabled()
}
