// Package interrupt wires asynchronous control signals to level-triggered
// pending flags and dispatches them synchronously, once per loop iteration.
//
// The signal-delivery goroutine only records conditions and sets the
// worker's latch; all non-trivial reaction happens in Dispatch, on the
// worker's own goroutine. Repeated deliveries between two dispatches
// coalesce into one action, which is safe because every action here is
// idempotent.
package interrupt

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fieldwork/flagpost/internal/latch"
)

// CrashExitStatus is the exit status used for last-resort termination.
const CrashExitStatus = 2

// Pending holds the level-triggered conditions raised by signal delivery.
type Pending struct {
	reload   atomic.Bool
	shutdown atomic.Bool
	barrier  atomic.Bool
}

func (p *Pending) RaiseReload()   { p.reload.Store(true) }
func (p *Pending) RaiseShutdown() { p.shutdown.Store(true) }
func (p *Pending) RaiseBarrier()  { p.barrier.Store(true) }

func (p *Pending) ReloadPending() bool   { return p.reload.Load() }
func (p *Pending) ShutdownPending() bool { return p.shutdown.Load() }
func (p *Pending) BarrierPending() bool  { return p.barrier.Load() }

func (p *Pending) takeReload() bool  { return p.reload.Swap(false) }
func (p *Pending) takeBarrier() bool { return p.barrier.Swap(false) }

// InstallConfig describes the fixed signal disposition table.
type InstallConfig struct {
	Pending *Pending
	Latch   *latch.Latch

	// BarrierCheck decides, on each wake signal, whether a cooperative
	// barrier is being requested. Optional; nil means wake signals never
	// raise a barrier.
	BarrierCheck func() bool

	// CrashExit runs on the crash-exit signal. Defaults to immediate
	// process termination with CrashExitStatus, bypassing all recovery.
	CrashExit func()
}

// Install registers the worker's signal dispositions:
//
//	SIGHUP          reconfigure request
//	SIGINT, SIGTERM shutdown request
//	SIGQUIT         immediate crash exit, never blocked or contained
//	SIGUSR1         wake (and cooperative-barrier check)
//	SIGPIPE, SIGUSR2 ignored
//	SIGCHLD         reset to default; child reaping belongs to the supervisor
//
// The returned stop function removes the dispositions and ends the delivery
// goroutine.
func Install(cfg InstallConfig) (stop func()) {
	crashExit := cfg.CrashExit
	if crashExit == nil {
		crashExit = func() { os.Exit(CrashExitStatus) }
	}

	signal.Ignore(unix.SIGPIPE, unix.SIGUSR2)
	signal.Reset(unix.SIGCHLD)

	ch := make(chan os.Signal, 16)
	signal.Notify(ch, unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT, unix.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case unix.SIGQUIT:
					// Last-resort kill from the supervisor. No cleanup, no
					// recovery, no latch: terminate now.
					crashExit()
				case unix.SIGHUP:
					cfg.Pending.RaiseReload()
					cfg.Latch.Set()
				case unix.SIGINT, unix.SIGTERM:
					cfg.Pending.RaiseShutdown()
					cfg.Latch.Set()
				case unix.SIGUSR1:
					if cfg.BarrierCheck != nil && cfg.BarrierCheck() {
						cfg.Pending.RaiseBarrier()
					}
					cfg.Latch.Set()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
