package shepherd

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// recoverFromFailure is the ERROR_RECOVERY sequence. It must leave the
// worker exactly as a fresh iteration expects it: no held resources, an
// empty working-memory scope, interrupts reacting again.
func (s *Shepherd) recoverFromFailure(ctx context.Context, cause error) {
	// Hold off async interrupt reactions while cleaning up; conditions
	// raised meanwhile stay pending for the next iteration's dispatch.
	s.dispatcher.Hold()

	// The failure's only externally visible effect: one error log line.
	fields := []zap.Field{
		zap.Uint64("iteration", s.iteration),
		zap.Error(cause),
	}
	var pf *panicFailure
	if errors.As(cause, &pf) {
		fields = append(fields, zap.ByteString("stack", pf.stack))
	}
	s.logger.Ctx(ctx).Error("shepherd iteration failed", fields...)

	// Release every resource class the iteration body could have been
	// holding when it was abandoned. Leaving any of these held is a
	// correctness bug, not an error condition.
	if counts := s.tracker.ReleaseAll(); len(counts) > 0 {
		s.logger.Ctx(ctx).Warn("released resources held across failure",
			zap.Object("released", counts))
	}

	// Discard everything the failed iteration (and any nested scope)
	// allocated. The scope itself survives for the next iteration.
	s.scope.Reset()

	s.dispatcher.Resume()

	// Throttle: a failure such as a stuck write error tends to repeat
	// immediately, and the cooldown keeps it from flooding the log. Not
	// cancellable; this is intentional backpressure.
	time.Sleep(s.cooldown)

	// Cached storage handles may be the failure's cause; closing them is
	// cheap and always safe, and the next iteration reopens what it needs.
	if n := s.files.CloseAll(); n > 0 {
		s.logger.Ctx(ctx).Debug("closed cached storage handles", zap.Int("count", n))
	}
}
