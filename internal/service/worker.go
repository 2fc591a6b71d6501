package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/rover/internal/model"
)

var (
	ErrWorkerNotStarted = errors.New("worker not started")
	ErrWorkUnitPanic    = errors.New("work unit panicked")
)

// Worker drives a single WorkUnit on its own goroutine. It invokes the unit
// until the run cycle is canceled or the unit fails; a failed unit is never
// retried.
type Worker struct {
	unit       model.WorkUnit
	done       chan struct{}
	started    atomic.Bool
	iterations atomic.Uint64

	mx      sync.RWMutex
	err     error
	stopped time.Time
}

func newWorker(unit model.WorkUnit) *Worker {
	return &Worker{
		unit: unit,
		done: make(chan struct{}),
	}
}

func (w *Worker) Name() string {
	return w.unit.Name()
}

// start launches the worker loop on a new goroutine. exited is called after
// the loop returned.
func (w *Worker) start(cycle context.Context, exited func()) {
	w.started.Store(true)
	go func() {
		defer exited()
		w.run(cycle, context.WithoutCancel(cycle))
	}()
}

// run is the worker loop. cycle is observed only between invocations, the
// unit itself gets unitCtx, which is never canceled by the supervisor.
func (w *Worker) run(cycle, unitCtx context.Context) {
	defer func() {
		w.mx.Lock()
		w.stopped = time.Now().UTC()
		w.mx.Unlock()
		close(w.done)
	}()

	slog.DebugContext(cycle, "worker started")
	for cycle.Err() == nil {
		err := w.once(unitCtx)
		w.iterations.Add(1)
		if err == nil {
			continue
		}

		w.mx.Lock()
		w.err = err
		w.mx.Unlock()
		if cycle.Err() != nil {
			slog.DebugContext(cycle, "work unit returned after cancellation", "error", err)
		} else {
			slog.ErrorContext(cycle, "work unit failed: worker terminated", "error", err)
		}
		return
	}
	slog.DebugContext(cycle, "worker canceled", "iterations", w.iterations.Load())
}

func (w *Worker) once(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkUnitPanic, r)
		}
	}()
	return w.unit.Once(ctx)
}

// Wait blocks until the worker goroutine exits or timeout elapses. It
// reports whether the worker exited.
func (w *Worker) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel closed once the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) Alive() bool {
	if !w.started.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Err returns the failure which terminated the worker, ErrWorkerNotStarted
// before the goroutine ran, or nil.
func (w *Worker) Err() error {
	if !w.started.Load() {
		return ErrWorkerNotStarted
	}
	w.mx.RLock()
	defer w.mx.RUnlock()
	return w.err
}

func (w *Worker) Iterations() uint64 {
	return w.iterations.Load()
}

// Status is a point in time view of a worker.
type Status struct {
	Name       string
	Alive      bool
	Iterations uint64
	Err        error
	Stopped    time.Time
}

func (w *Worker) Status() Status {
	w.mx.RLock()
	stopped := w.stopped
	w.mx.RUnlock()
	return Status{
		Name:       w.Name(),
		Alive:      w.Alive(),
		Iterations: w.Iterations(),
		Err:        w.Err(),
		Stopped:    stopped,
	}
}
