package interrupt

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrShutdownRequested is returned by Dispatch when a shutdown request is
// pending. It is the loop's only normal exit path.
var ErrShutdownRequested = errors.New("shutdown requested")

// Dispatcher acts on pending conditions in a fixed order: cooperative
// barrier, then configuration reload, then shutdown. Shutdown is checked
// last so a simultaneous reload still applies before exit, and exit wins
// whenever both are pending in the same check.
type Dispatcher struct {
	pending *Pending

	barrier  func(context.Context) error
	reload   func(context.Context) error
	shutdown func(context.Context) error

	holds atomic.Int32
}

// DispatcherConfig supplies the collaborator actions. Barrier participation
// is an opaque external protocol; Reload re-parses configuration; Shutdown
// performs component-specific cleanup before exit. Any of them may be nil.
type DispatcherConfig struct {
	Pending  *Pending
	Barrier  func(context.Context) error
	Reload   func(context.Context) error
	Shutdown func(context.Context) error
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		pending:  cfg.Pending,
		barrier:  cfg.Barrier,
		reload:   cfg.Reload,
		shutdown: cfg.Shutdown,
	}
}

// Hold suspends dispatching. While held, conditions stay pending and
// Dispatch returns without acting; used during error cleanup so recovery
// cannot be re-entered by an interrupt.
func (d *Dispatcher) Hold() {
	d.holds.Add(1)
}

// Resume undoes one Hold.
func (d *Dispatcher) Resume() {
	if d.holds.Add(-1) < 0 {
		panic("interrupt: Resume without matching Hold")
	}
}

// Dispatch acts on every pending condition and clears the ones it acted on.
// Called once per loop iteration, never from the signal-delivery goroutine.
// Returns ErrShutdownRequested when the loop must exit with success; any
// other error is a recoverable iteration failure.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	if d.holds.Load() > 0 {
		return nil
	}

	if d.pending.takeBarrier() {
		if d.barrier != nil {
			if err := d.barrier(ctx); err != nil {
				return err
			}
		}
	}

	if d.pending.takeReload() {
		if d.reload != nil {
			if err := d.reload(ctx); err != nil {
				return err
			}
		}
	}

	if d.pending.ShutdownPending() {
		if d.shutdown != nil {
			if err := d.shutdown(ctx); err != nil {
				return err
			}
		}
		return ErrShutdownRequested
	}

	return nil
}
