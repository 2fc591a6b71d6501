package service_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/rover/internal/service"
	"github.com/stretchr/testify/require"
)

type releaser struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (r *releaser) ReleaseAll() error {
	r.calls.Add(1)
	if r.panic {
		panic("camera gone")
	}
	return r.err
}

func commands(ops ...service.Op) chan service.Command {
	ch := make(chan service.Command, len(ops))
	for _, op := range ops {
		ch <- service.Command{Op: op, Raw: op.String()}
	}
	return ch
}

func run(t *testing.T, ctx context.Context, c *service.Coordinator, cmds <-chan service.Command) <-chan int {
	t.Helper()
	ret := make(chan int, 1)
	go func() { ret <- c.Run(ctx, cmds) }()
	return ret
}

func requireExit(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCoordinator_RestartQuit(t *testing.T) {
	t.Parallel()

	a, s, r := &acceptor{}, &signaler{}, &releaser{}
	sup := service.NewSupervisor(units(healthy("a"), healthy("b"), healthy("c")), a, s)
	var out bytes.Buffer
	c := service.NewCoordinator(sup, r, &out).WithSignals(nil, nil)

	code := c.Run(t.Context(), commands(service.OpRestart, service.OpQuit))
	require.Equal(t, 0, code)
	require.False(t, sup.Running())
	require.Equal(t, int32(2), s.calls.Load())
	require.Equal(t, int32(2), a.begins.Load())
	require.Equal(t, int32(2), a.stops.Load())
	require.Equal(t, int32(1), r.calls.Load())
	require.Empty(t, sup.Outstanding())

	got := out.String()
	require.Equal(t, 2, strings.Count(got, "Enter command (stop/restart/quit): "))
	require.Contains(t, got, "Exiting program\n")
	require.Contains(t, got, "Cleaning up resources...\n")
	require.Contains(t, got, "All workers finished. Exiting normally.\n")
}

func TestCoordinator_StopThenQuit(t *testing.T) {
	t.Parallel()

	a, r := &acceptor{}, &releaser{}
	sup := service.NewSupervisor(units(healthy("a")), a, &signaler{})
	c := service.NewCoordinator(sup, r, &bytes.Buffer{}).WithSignals(nil, nil)

	code := c.Run(t.Context(), commands(service.OpStop, service.OpStop, service.OpQuit))
	require.Equal(t, 0, code)
	require.Equal(t, int32(1), a.stops.Load())
	require.Equal(t, int32(1), r.calls.Load())
}

func TestCoordinator_InvalidCommand(t *testing.T) {
	t.Parallel()

	sup := service.NewSupervisor(units(healthy("a")), &acceptor{}, &signaler{})
	var out bytes.Buffer
	c := service.NewCoordinator(sup, &releaser{}, &out).WithSignals(nil, nil)

	cmds := make(chan service.Command, 1)
	cmds <- service.ParseCommand("dance")
	close(cmds)

	require.Equal(t, 0, c.Run(t.Context(), cmds))
	require.Contains(t, out.String(), "Invalid command. Please use 'stop', 'restart', or 'quit'.\n")
	require.Contains(t, out.String(), "Exiting program\n")
}

func TestCoordinator_Interrupt(t *testing.T) {
	t.Parallel()

	r := &releaser{}
	a, b, failed := healthy("a"), healthy("b"), failing("failed", 1)
	sup := service.NewSupervisor(units(a, b, failed), &acceptor{}, &signaler{})
	var out bytes.Buffer
	shutdown := make(chan os.Signal, 1)
	c := service.NewCoordinator(sup, r, &out).WithSignals(shutdown, nil)

	code := run(t, t.Context(), c, make(chan service.Command))
	require.Eventually(t, func() bool {
		st := status(sup, "failed")
		return st.Err != nil && !st.Alive
	}, time.Second, time.Millisecond)
	require.True(t, status(sup, "a").Alive)
	require.True(t, status(sup, "b").Alive)

	shutdown <- os.Interrupt
	requireExit(t, code, 0)
	require.Equal(t, int32(1), r.calls.Load())
	require.False(t, sup.Running())
	require.Empty(t, sup.Outstanding())
	require.Contains(t, out.String(), "Shutdown signal received")
}

func TestCoordinator_HungUnit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r := &releaser{}
	sup := service.NewSupervisor(units(healthy("a"), hanging("hang", release)), &acceptor{}, &signaler{}).
		WithStopTimeout(10 * time.Millisecond)
	var out bytes.Buffer
	c := service.NewCoordinator(sup, r, &out).
		WithSignals(nil, nil).
		WithExitTimeout(50 * time.Millisecond)

	start := time.Now()
	code := c.Run(t.Context(), commands(service.OpQuit))
	require.Equal(t, 1, code)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, int32(1), r.calls.Load())
	require.Contains(t, out.String(), "Force quitting. 1 workers did not finish in time:\n- hang\n")
}

func TestCoordinator_ForceQuit(t *testing.T) {
	t.Parallel()

	r := &releaser{}
	sup := service.NewSupervisor(units(healthy("a")), &acceptor{}, &signaler{})
	var out bytes.Buffer
	force := make(chan os.Signal, 1)
	exits := make(chan int, 1)
	c := service.NewCoordinator(sup, r, &out).
		WithSignals(nil, force).
		WithExit(func(code int) { exits <- code })

	cmds := make(chan service.Command, 1)
	code := run(t, t.Context(), c, cmds)
	force <- os.Interrupt

	select {
	case got := <-exits:
		require.Equal(t, 1, got)
	case <-time.After(time.Second):
		t.Fatal("exit not called")
	}
	require.Equal(t, int32(1), r.calls.Load())

	// the injected exit returns, so the graceful path still completes
	cmds <- service.Command{Op: service.OpQuit}
	requireExit(t, code, 0)
	require.Equal(t, int32(1), r.calls.Load())
	require.Contains(t, out.String(), "Force quitting due to timeout")
}

func TestCoordinator_CleanupFailure(t *testing.T) {
	t.Parallel()

	for name, r := range map[string]*releaser{
		"error": {err: errors.New("busy")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sup := service.NewSupervisor(units(healthy("a")), &acceptor{}, &signaler{})
			c := service.NewCoordinator(sup, r, &bytes.Buffer{}).WithSignals(nil, nil)
			require.Equal(t, 0, c.Run(t.Context(), commands(service.OpQuit)))
			require.Equal(t, int32(1), r.calls.Load())
		})
	}
}

func TestCoordinator_ContextCanceled(t *testing.T) {
	t.Parallel()

	r := &releaser{}
	sup := service.NewSupervisor(units(healthy("a")), &acceptor{}, &signaler{})
	c := service.NewCoordinator(sup, r, &bytes.Buffer{}).WithSignals(nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	code := run(t, ctx, c, make(chan service.Command))
	require.Eventually(t, sup.Running, time.Second, time.Millisecond)
	cancel()
	requireExit(t, code, 0)
	require.Equal(t, int32(1), r.calls.Load())
}

type lockedBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

func TestCoordinator_Heartbeat(t *testing.T) {
	var logs lockedBuffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	sup := service.NewSupervisor(units(healthy("a")), &acceptor{}, &signaler{})
	c := service.NewCoordinator(sup, &releaser{}, &bytes.Buffer{}).
		WithSignals(nil, nil).
		WithHeartbeat(5 * time.Millisecond)

	cmds := make(chan service.Command)
	code := run(t, t.Context(), c, cmds)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"heartbeat"`)
	}, time.Second, time.Millisecond)
	close(cmds)
	requireExit(t, code, 0)
	require.Contains(t, logs.String(), `"alive":["a"]`)
}
