package shepherd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fieldwork/flagpost/internal/logging"
	"github.com/fieldwork/flagpost/internal/resources"
)

func observedLogger(t *testing.T) (*logging.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return logging.FromZap(zap.New(core)), logs
}

// runShepherd starts s and returns a channel carrying Run's result.
func runShepherd(ctx context.Context, s *Shepherd) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("shepherd never exited")
		return nil
	}
}

func shortDelay() Option {
	return WithDelay(func() time.Duration { return 2 * time.Millisecond })
}

func TestShutdownRequestExitsWithSuccess(t *testing.T) {
	s := New(shortDelay(), WithCooldown(time.Millisecond))

	done := runShepherd(context.Background(), s)
	time.Sleep(10 * time.Millisecond)

	s.Pending().RaiseShutdown()
	s.Latch().Set()

	assert.NoError(t, waitDone(t, done), "cooperative shutdown is a success exit")
}

func TestContextCancelExitsThroughShutdownPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(shortDelay(), WithCooldown(time.Millisecond))

	done := runShepherd(ctx, s)
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.NoError(t, waitDone(t, done))
}

func TestSupervisorDeathExitsPromptly(t *testing.T) {
	death := make(chan struct{})
	s := New(
		WithDelay(func() time.Duration { return 10 * time.Second }),
		WithSupervisorDeath(death),
	)

	done := runShepherd(context.Background(), s)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	close(death)

	assert.NoError(t, waitDone(t, done))
	assert.Less(t, time.Since(start), 5*time.Second,
		"supervisor death must not wait out the full delay")
}

func TestShutdownCleanupRunsBeforeExit(t *testing.T) {
	cleaned := false
	s := New(shortDelay(),
		WithShutdownCleanup(func(context.Context) error {
			cleaned = true
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	time.Sleep(5 * time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()

	require.NoError(t, waitDone(t, done))
	assert.True(t, cleaned)
}

func TestRecoverableFailureDoesNotKillLoop(t *testing.T) {
	logger, logs := observedLogger(t)

	var calls atomic.Int64
	s := New(shortDelay(),
		WithLogger(logger),
		WithCooldown(time.Millisecond),
		WithWork(func(ctx context.Context, env *Env) error {
			if calls.Add(1) == 3 {
				return errors.New("iteration three blew up")
			}
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)

	// Wait until the loop has demonstrably moved past the failure.
	require.Eventually(t, func() bool { return calls.Load() >= 5 },
		10*time.Second, time.Millisecond)

	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	errorLogs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errorLogs, 1, "exactly one error line per failure")
	assert.Contains(t, errorLogs[0].Message, "iteration failed")
}

func TestFailureIncrementsCounterByExactlyOne(t *testing.T) {
	logger, logs := observedLogger(t)

	var calls atomic.Int64
	cooldown := 30 * time.Millisecond
	s := New(shortDelay(),
		WithLogger(logger),
		WithCooldown(cooldown),
		WithWork(func(ctx context.Context, env *Env) error {
			if calls.Add(1) == 3 {
				return errors.New("injected failure")
			}
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 4 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	// Reconstruct the iteration sequence from the per-iteration log lines:
	// no iteration may be skipped or duplicated around the failure.
	var iterations []uint64
	var failedAt time.Time
	var resumedAt time.Time
	for _, entry := range logs.All() {
		switch {
		case entry.Message == "shepherd iteration":
			n := entry.ContextMap()["iteration"].(uint64)
			iterations = append(iterations, n)
			if n == 4 {
				resumedAt = entry.Time
			}
		case entry.Level == zapcore.ErrorLevel:
			failedAt = entry.Time
		}
	}

	for i := 1; i < len(iterations); i++ {
		assert.Equal(t, iterations[i-1]+1, iterations[i], "counter must advance by exactly 1")
	}

	require.False(t, failedAt.IsZero())
	require.False(t, resumedAt.IsZero())
	assert.GreaterOrEqual(t, resumedAt.Sub(failedAt), cooldown,
		"iteration after a failure must wait out the cooldown")
}

func TestPanicIsContained(t *testing.T) {
	logger, logs := observedLogger(t)

	var calls atomic.Int64
	s := New(shortDelay(),
		WithLogger(logger),
		WithCooldown(time.Millisecond),
		WithWork(func(ctx context.Context, env *Env) error {
			if calls.Add(1) == 1 {
				panic("wild pointer")
			}
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 3 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	errorLogs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errorLogs, 1)
	assert.Contains(t, errorLogs[0].ContextMap()["error"], "wild pointer")
	assert.NotEmpty(t, errorLogs[0].ContextMap()["stack"], "panic log carries the failure stack")
}

func TestNoResourceLeaksAcrossFailure(t *testing.T) {
	var env2 *Env
	var calls atomic.Int64
	s := New(shortDelay(),
		WithCooldown(time.Millisecond),
		WithWork(func(ctx context.Context, env *Env) error {
			if calls.Add(1) == 1 {
				env2 = env
				// Acquire one of everything, then die without releasing.
				env.Resources.Register(resources.KindLock, nil)
				env.Resources.Register(resources.KindWaitRegistration, nil)
				env.Resources.Register(resources.KindCachePin, nil)
				env.Arena.Alloc(1 << 12)
				panic("died holding resources")
			}
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 2 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	require.NotNil(t, env2)
	assert.Zero(t, env2.Resources.HeldCount(), "recovery must release every held resource")
	assert.Zero(t, env2.Files.Len(), "recovery must close cached file handles")
}

func TestConsecutiveFailuresRespectCooldownFloor(t *testing.T) {
	logger, logs := observedLogger(t)

	cooldown := 25 * time.Millisecond
	var calls atomic.Int64
	s := New(shortDelay(),
		WithLogger(logger),
		WithCooldown(cooldown),
		WithWork(func(ctx context.Context, env *Env) error {
			calls.Add(1)
			return errors.New("always failing")
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 3 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	errorLogs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.GreaterOrEqual(t, len(errorLogs), 2)
	for i := 1; i < len(errorLogs); i++ {
		gap := errorLogs[i].Time.Sub(errorLogs[i-1].Time)
		assert.GreaterOrEqual(t, gap, cooldown,
			"failure log cadence must respect the cooldown floor")
	}
}

func TestReloadRunsBeforeShutdownInSameWindow(t *testing.T) {
	var order []string
	s := New(shortDelay(),
		WithReload(func(context.Context) error {
			order = append(order, "reload")
			return nil
		}),
		WithShutdownCleanup(func(context.Context) error {
			order = append(order, "shutdown")
			return nil
		}),
	)

	// Both conditions pend before the loop's first dispatch.
	s.Pending().RaiseShutdown()
	s.Pending().RaiseReload()
	s.Latch().Set()

	done := runShepherd(context.Background(), s)
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, []string{"reload", "shutdown"}, order,
		"reload applies, then exit wins")
}

func TestDelayConsultedEveryIteration(t *testing.T) {
	var delayReads atomic.Int64
	var calls atomic.Int64
	s := New(
		WithDelay(func() time.Duration {
			delayReads.Add(1)
			return 2 * time.Millisecond
		}),
		WithWork(func(ctx context.Context, env *Env) error {
			calls.Add(1)
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 4 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	assert.GreaterOrEqual(t, delayReads.Load(), calls.Load(),
		"the delay source is re-read at least once per iteration")
}

func TestInitFailureAbortsStartup(t *testing.T) {
	s := New(WithInit(func(*Env) error { return errors.New("no segment") }))

	err := s.Run(context.Background())
	assert.ErrorContains(t, err, "no segment")
}

func TestWorkSeesSharedEnvironment(t *testing.T) {
	var sawArena, sawTracker, sawFiles atomic.Bool
	var calls atomic.Int64
	s := New(shortDelay(),
		WithWork(func(ctx context.Context, env *Env) error {
			calls.Add(1)
			sawArena.Store(env.Arena != nil)
			sawTracker.Store(env.Resources != nil)
			sawFiles.Store(env.Files != nil)
			return nil
		}),
	)

	done := runShepherd(context.Background(), s)
	require.Eventually(t, func() bool { return calls.Load() >= 1 },
		10*time.Second, time.Millisecond)
	s.Pending().RaiseShutdown()
	s.Latch().Set()
	require.NoError(t, waitDone(t, done))

	assert.True(t, sawArena.Load())
	assert.True(t, sawTracker.Load())
	assert.True(t, sawFiles.Load())
}
