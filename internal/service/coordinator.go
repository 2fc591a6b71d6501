package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/rover/internal/model"
)

// Coordinator owns the process lifecycle. A single dispatcher serializes
// operator commands and shutdown signals, so Supervisor.Start and
// Supervisor.Stop are never called concurrently. Termination is bounded:
// after the dispatcher exits, worker goroutines get exitTimeout to finish
// before Run reports a forced exit.
type Coordinator struct {
	supervisor  *Supervisor
	releaser    model.Releaser
	exitTimeout time.Duration
	heartbeat   time.Duration
	exit        func(int)

	shutdown <-chan os.Signal
	force    <-chan os.Signal
	injected bool

	outMx sync.Mutex
	out   io.Writer

	released atomic.Bool
}

func NewCoordinator(supervisor *Supervisor, releaser model.Releaser, out io.Writer) *Coordinator {
	return &Coordinator{
		supervisor:  supervisor,
		releaser:    releaser,
		out:         out,
		exitTimeout: model.DefaultExitTimeout,
		exit:        os.Exit,
	}
}

// WithExitTimeout changes how long Run waits for worker goroutines after the
// dispatcher exits.
func (c *Coordinator) WithExitTimeout(d time.Duration) *Coordinator {
	c.exitTimeout = d
	return c
}

// WithHeartbeat enables periodic status logging. Zero disables it.
func (c *Coordinator) WithHeartbeat(d time.Duration) *Coordinator {
	c.heartbeat = d
	return c
}

// WithExit replaces os.Exit on the force quit path.
func (c *Coordinator) WithExit(exit func(int)) *Coordinator {
	c.exit = exit
	return c
}

// WithSignals replaces OS signal delivery. Either channel may be nil.
func (c *Coordinator) WithSignals(shutdown, force <-chan os.Signal) *Coordinator {
	c.shutdown = shutdown
	c.force = force
	c.injected = true
	return c
}

// Run starts the supervisor and dispatches commands until quit, end of
// input, a shutdown signal or ctx cancellation. Then it stops the supervisor,
// releases hardware and waits for the workers. It returns 0 when every worker
// finished in time and 1 otherwise.
func (c *Coordinator) Run(ctx context.Context, commands <-chan Command) int {
	shutdown, force, unsubscribe := c.signals()
	defer unsubscribe()

	dispatching := make(chan struct{})
	defer close(dispatching)
	go func() {
		select {
		case <-force:
			c.ForceQuit(ctx)
		case <-dispatching:
		}
	}()

	c.supervisor.Start(ctx)

	var heartbeat <-chan time.Time
	if c.heartbeat > 0 {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	c.printf("%s", prompt)
loop:
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "context done", "error", context.Cause(ctx))
			break loop
		case sig := <-shutdown:
			slog.InfoContext(ctx, "signal received", "signal", sig.String())
			c.printf("\nShutdown signal received\n")
			break loop
		case cmd, ok := <-commands:
			if !ok || cmd.Op == OpQuit {
				c.printf("Exiting program\n")
				break loop
			}
			c.dispatch(ctx, cmd)
			c.printf("%s", prompt)
		case <-heartbeat:
			c.logStatus(ctx)
		}
	}

	return c.shutdownAndWait(ctx)
}

func (c *Coordinator) dispatch(ctx context.Context, cmd Command) {
	slog.DebugContext(ctx, "command", "op", cmd.Op.String(), "raw", cmd.Raw)
	switch cmd.Op {
	case OpStop:
		c.supervisor.Stop(ctx)
	case OpRestart:
		c.supervisor.Restart(ctx)
	default:
		c.printf("%s\n", usage)
	}
}

func (c *Coordinator) shutdownAndWait(ctx context.Context) int {
	if c.supervisor.Running() {
		c.supervisor.Stop(ctx)
	}
	c.cleanup(ctx)

	c.printf("Waiting for all workers to finish (%s timeout)...\n", c.exitTimeout)
	timer := time.NewTimer(c.exitTimeout)
	defer timer.Stop()
	select {
	case <-c.supervisor.Drained():
		c.printf("All workers finished. Exiting normally.\n")
		return 0
	case <-timer.C:
	}

	outstanding := c.supervisor.Outstanding()
	slog.ErrorContext(ctx, "workers did not finish in time", "outstanding", outstanding)
	c.printf("Force quitting. %d workers did not finish in time:\n", len(outstanding))
	for _, name := range outstanding {
		c.printf("- %s\n", name)
	}
	return 1
}

// ForceQuit releases hardware and exits with status 1 without waiting for
// the supervisor. It is meant for the case the graceful path hangs.
func (c *Coordinator) ForceQuit(ctx context.Context) {
	slog.WarnContext(ctx, "force quit")
	c.printf("\nForce quitting due to timeout\n")
	c.cleanup(ctx)
	c.exit(1)
}

// cleanup calls ReleaseAll at most once per Coordinator. Errors and panics
// are logged only.
func (c *Coordinator) cleanup(ctx context.Context) {
	if !c.released.CompareAndSwap(false, true) {
		slog.DebugContext(ctx, "cleanup already done")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "cleanup panicked", "panic", fmt.Sprint(r))
		}
	}()

	c.printf("Cleaning up resources...\n")
	if err := c.releaser.ReleaseAll(); err != nil {
		slog.ErrorContext(ctx, "cleanup failed", "error", err)
	}
}

func (c *Coordinator) logStatus(ctx context.Context) {
	var alive, failed []string
	for _, st := range c.supervisor.Workers() {
		switch {
		case st.Alive:
			alive = append(alive, st.Name)
		case st.Err != nil:
			failed = append(failed, st.Name)
		}
	}
	slog.InfoContext(ctx, "heartbeat",
		"running", c.supervisor.Running(),
		"alive", alive,
		"failed", failed,
		"outstanding", len(c.supervisor.Outstanding()),
	)
}

func (c *Coordinator) printf(format string, args ...any) {
	c.outMx.Lock()
	defer c.outMx.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *Coordinator) signals() (shutdown, force <-chan os.Signal, unsubscribe func()) {
	if c.injected {
		return c.shutdown, c.force, func() {}
	}

	sh := make(chan os.Signal, 1)
	signal.Notify(sh, shutdownSignals...)
	var fq chan os.Signal
	if len(forceSignals) > 0 {
		fq = make(chan os.Signal, 1)
		signal.Notify(fq, forceSignals...)
	}
	return sh, fq, func() {
		signal.Stop(sh)
		if fq != nil {
			signal.Stop(fq)
		}
	}
}
