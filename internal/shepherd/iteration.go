package shepherd

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fieldwork/flagpost/internal/latch"
)

// panicFailure wraps a recovered panic so recovery can log the stack
// captured at the point of failure.
type panicFailure struct {
	value any
	stack []byte
}

func (p *panicFailure) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// runIteration executes one RUNNING iteration. Any panic raised inside it
// is converted to an error at this boundary: the loop body is the process's
// top-level exception barrier, and nothing recoverable propagates past it.
func (s *Shepherd) runIteration(ctx context.Context, env *Env, tracer trace.Tracer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicFailure{value: p, stack: debug.Stack()}
		}
	}()

	// Step 1: clear any already-pending wake, so a stale wake cannot turn
	// the coming wait into a spin.
	s.latch.Reset()

	// In-process supervision cancels our context; treat it as a shutdown
	// request so it exits through the one normal path.
	if ctx.Err() != nil {
		s.pending.RaiseShutdown()
	}

	// Step 2: act on pending interrupt conditions. ErrShutdownRequested
	// propagates to the loop; any other failure is recoverable.
	if err := s.dispatcher.Dispatch(ctx); err != nil {
		return err
	}

	s.iteration++
	env.Iteration = s.iteration

	// The working-memory scope carries nothing across iterations.
	s.scope.Reset()

	s.logger.Ctx(ctx).Info("shepherd iteration",
		zap.Uint64("iteration", s.iteration))

	// Step 3: the unit of work.
	if s.work != nil {
		workCtx, span := tracer.Start(ctx, "Shepherd.Work")
		err := s.work(workCtx, env)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			return err
		}
	}

	// Step 4: block until an explicit wake, the timer, or supervisor
	// death. The delay is re-read every iteration, so a reconfigure
	// applies on the next wait without a restart.
	if reason := s.latch.Wait(s.delay(), s.death); reason == latch.WakeSupervisorGone {
		s.logger.Ctx(ctx).Warn("supervisor gone, requesting exit")
		s.pending.RaiseShutdown()
		s.latch.Set()
	}

	return nil
}
