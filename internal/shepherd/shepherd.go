// Package shepherd implements the supervised background worker: an
// infinite, crash-contained control loop that tends the shared flag table,
// reacts to control signals once per iteration, and survives any
// recoverable failure without losing held resources or its place.
//
// The loop's states are STARTING -> RUNNING -> (ERROR_RECOVERY ->
// RUNNING)* -> SHUTTING_DOWN. A panic or error anywhere in an iteration
// lands in the recovery sequence, which releases every resource class the
// iteration could have been holding, resets the working-memory scope,
// sleeps a fixed cooldown to throttle log flooding, and resumes the loop.
// Only a shutdown request ends the loop normally; the crash-exit signal
// terminates the process without ever reaching recovery.
package shepherd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fieldwork/flagpost/internal/arena"
	"github.com/fieldwork/flagpost/internal/fdcache"
	"github.com/fieldwork/flagpost/internal/flagtable"
	"github.com/fieldwork/flagpost/internal/interrupt"
	"github.com/fieldwork/flagpost/internal/latch"
	"github.com/fieldwork/flagpost/internal/logging"
	"github.com/fieldwork/flagpost/internal/registry"
	"github.com/fieldwork/flagpost/internal/resources"
)

const defaultCooldown = time.Second

// Env is the per-iteration execution environment handed to the unit of
// work. The arena and resource tracker are swept by error recovery, so
// work acquired through them never outlives a failed iteration.
type Env struct {
	Arena     *arena.Arena
	Resources *resources.Tracker
	Files     *fdcache.Cache
	Flags     *flagtable.Table
	Iteration uint64
}

// WorkFunc is the worker's unit of work, opaque to the loop. Returning an
// error (or panicking) routes through error recovery; the loop continues.
type WorkFunc func(ctx context.Context, env *Env) error

type options struct {
	logger       *logging.Logger
	registry     *registry.Registry
	table        *flagtable.Table
	death        <-chan struct{}
	work         WorkFunc
	init         func(*Env) error
	barrier      func(context.Context) error
	reload       func(context.Context) error
	shutdown     func(context.Context) error
	barrierCheck func() bool
	delay        func() time.Duration
	cooldown     time.Duration
	crashExit    func()
}

type Option func(*options)

func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry publishes the worker's identity before the loop starts.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithFlagTable hands the shared flag table to the unit of work.
func WithFlagTable(t *flagtable.Table) Option {
	return func(o *options) { o.table = t }
}

// WithSupervisorDeath supplies the channel that closes when the host
// supervisor dies; the worker then exits promptly, mirroring shutdown.
func WithSupervisorDeath(death <-chan struct{}) Option {
	return func(o *options) { o.death = death }
}

func WithWork(work WorkFunc) Option {
	return func(o *options) { o.work = work }
}

// WithInit runs component-specific one-time initialization after startup
// completes, before the first iteration.
func WithInit(init func(*Env) error) Option {
	return func(o *options) { o.init = init }
}

// WithBarrier sets the cooperative-barrier participation protocol and the
// check deciding whether a wake signal carries a barrier request.
func WithBarrier(check func() bool, participate func(context.Context) error) Option {
	return func(o *options) {
		o.barrierCheck = check
		o.barrier = participate
	}
}

// WithReload sets the reconfiguration action run on a reload request.
func WithReload(reload func(context.Context) error) Option {
	return func(o *options) { o.reload = reload }
}

// WithShutdownCleanup sets component-specific cleanup run before the
// loop's normal exit.
func WithShutdownCleanup(shutdown func(context.Context) error) Option {
	return func(o *options) { o.shutdown = shutdown }
}

// WithDelay sets the loop delay source, consulted at the top of every
// iteration so a reconfigure takes effect on the next wait.
func WithDelay(delay func() time.Duration) Option {
	return func(o *options) { o.delay = delay }
}

// WithCooldown overrides the post-failure cooldown. Tests only.
func WithCooldown(d time.Duration) Option {
	return func(o *options) { o.cooldown = d }
}

// WithCrashExit overrides the crash-exit action. Tests only.
func WithCrashExit(fn func()) Option {
	return func(o *options) { o.crashExit = fn }
}

// Shepherd is the worker. It satisfies the worker.Worker contract.
type Shepherd struct {
	options

	latch      *latch.Latch
	pending    *interrupt.Pending
	dispatcher *interrupt.Dispatcher

	scope   *arena.Arena
	tracker *resources.Tracker
	files   *fdcache.Cache

	// Local diagnostics only: not shared, not persisted, resets with the
	// process.
	iteration uint64
}

func New(opts ...Option) *Shepherd {
	o := options{
		logger:   logging.NewNop(),
		cooldown: defaultCooldown,
		delay:    func() time.Duration { return time.Second },
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Shepherd{
		options: o,
		latch:   latch.New(),
		pending: &interrupt.Pending{},
		scope:   arena.New(),
		tracker: resources.NewTracker(),
		files:   fdcache.New(),
	}
	s.dispatcher = interrupt.NewDispatcher(interrupt.DispatcherConfig{
		Pending:  s.pending,
		Barrier:  o.barrier,
		Reload:   o.reload,
		Shutdown: o.shutdown,
	})
	return s
}

func (s *Shepherd) Name() string {
	return "shepherd"
}

// Latch returns the worker's latch, letting in-process collaborators wake
// a sleeping worker without going through the wake signal.
func (s *Shepherd) Latch() *latch.Latch {
	return s.latch
}

// Pending exposes the worker's pending-condition flags.
func (s *Shepherd) Pending() *interrupt.Pending {
	return s.pending
}

// Iteration returns the local loop iteration counter.
func (s *Shepherd) Iteration() uint64 {
	return s.iteration
}

// Run executes the loop until a shutdown request (nil return), supervisor
// death, or context cancellation. It never returns because of a
// recoverable iteration failure.
func (s *Shepherd) Run(ctx context.Context) error {
	// STARTING: signal dispositions first, so a control signal arriving
	// during the rest of startup is recorded rather than lost.
	stop := interrupt.Install(interrupt.InstallConfig{
		Pending:      s.pending,
		Latch:        s.latch,
		BarrierCheck: s.barrierCheck,
		CrashExit:    s.crashExit,
	})
	defer stop()

	if s.registry != nil {
		s.registry.PublishSelf(time.Now().UnixNano())
	}

	env := &Env{
		Arena:     s.scope,
		Resources: s.tracker,
		Files:     s.files,
		Flags:     s.table,
	}

	if s.init != nil {
		if err := s.init(env); err != nil {
			return fmt.Errorf("shepherd init: %w", err)
		}
	}

	s.logger.Ctx(ctx).Info("shepherd started",
		zap.Duration("delay", s.delay()))

	tracer := otel.GetTracerProvider().Tracer("github.com/fieldwork/flagpost/internal/shepherd")

	for {
		err := s.runIteration(ctx, env, tracer)
		switch {
		case err == nil:
			continue
		case errors.Is(err, interrupt.ErrShutdownRequested):
			// SHUTTING_DOWN: the only normal exit path.
			s.logger.Ctx(ctx).Info("shepherd shutting down",
				zap.Uint64("iterations", s.iteration))
			return nil
		default:
			// ERROR_RECOVERY, then back to RUNNING.
			s.recoverFromFailure(ctx, err)
		}
	}
}
