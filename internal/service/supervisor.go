package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/rover/internal/log"
	"github.com/CZERTAINLY/rover/internal/model"
)

// cycle is the cancellation signal of one start/stop run. A fresh one is
// created by every Start.
type cycle struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

func newCycle(parent context.Context) cycle {
	id := uuid.New()
	ctx := log.ContextAttrs(context.WithoutCancel(parent), slog.String("cycle", id.String()))
	ctx, cancel := context.WithCancel(ctx)
	return cycle{id: id, ctx: ctx, cancel: cancel}
}

type Supervisor struct {
	units       []model.WorkUnit
	acceptor    model.Acceptor
	signaler    model.Signaler
	stopTimeout time.Duration

	mx      sync.Mutex
	running bool
	cycle   cycle
	workers []*Worker

	live *liveSet
}

func NewSupervisor(units []model.WorkUnit, acceptor model.Acceptor, signaler model.Signaler) *Supervisor {
	return &Supervisor{
		units:       slices.Clone(units),
		acceptor:    acceptor,
		signaler:    signaler,
		stopTimeout: model.DefaultStopTimeout,
		live:        newLiveSet(),
	}
}

// WithStopTimeout changes how long Stop waits for each worker.
func (s *Supervisor) WithStopTimeout(d time.Duration) *Supervisor {
	s.stopTimeout = d
	return s
}

// Start runs the startup sequence, begins accepting and launches one worker
// per unit. It is a no-op when already running. Failures of the
// collaborators are logged; Start still ends up running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running {
		slog.InfoContext(ctx, "supervisor already running")
		return
	}

	slog.InfoContext(ctx, "starting supervisor")
	if err := s.signaler.SignalSequence(ctx); err != nil {
		slog.WarnContext(ctx, "startup sequence failed", "error", err)
	}
	if err := s.acceptor.BeginAccepting(ctx); err != nil {
		slog.ErrorContext(ctx, "begin accepting failed", "error", err)
	}

	c := newCycle(ctx)
	workers := make([]*Worker, 0, len(s.units))
	for _, unit := range s.units {
		w := newWorker(unit)
		wctx := log.ContextAttrs(c.ctx, slog.String("worker", unit.Name()))
		s.live.add(w)
		w.start(wctx, func() { s.live.remove(w) })
		workers = append(workers, w)
	}

	s.cycle = c
	s.workers = workers
	s.running = true
	slog.InfoContext(ctx, "supervisor started", "cycle", c.id.String(), "workers", len(workers))
}

// Stop sets the cancellation signal, stops accepting and waits up to the stop
// timeout for each worker in turn. Workers still running after their wait
// are abandoned, they remain visible through Outstanding. It is a no-op when
// not running.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.running {
		slog.InfoContext(ctx, "supervisor not running")
		return
	}

	slog.InfoContext(ctx, "stopping supervisor", "cycle", s.cycle.id.String())
	s.cycle.cancel()
	if err := s.acceptor.StopAccepting(ctx); err != nil {
		slog.ErrorContext(ctx, "stop accepting failed", "error", err)
	}

	for _, w := range s.workers {
		if !w.Wait(s.stopTimeout) {
			slog.WarnContext(ctx, "worker did not stop in time: abandoned",
				"worker", w.Name(),
				"timeout", s.stopTimeout.String(),
			)
		}
	}

	s.workers = nil
	s.cycle = cycle{}
	s.running = false
	slog.InfoContext(ctx, "supervisor stopped")
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart(ctx context.Context) {
	s.Stop(ctx)
	s.Start(ctx)
}

func (s *Supervisor) Running() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.running
}

// Cycle returns the id of the current run cycle, uuid.Nil when not running.
func (s *Supervisor) Cycle() uuid.UUID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cycle.id
}

// Workers returns the status of the workers of the current run cycle.
func (s *Supervisor) Workers() []Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		ret = append(ret, w.Status())
	}
	return ret
}

// Outstanding returns the names of worker goroutines still alive, including
// the ones abandoned by earlier cycles.
func (s *Supervisor) Outstanding() []string {
	return s.live.names()
}

// Drained returns a channel which is closed once no worker goroutine is alive.
func (s *Supervisor) Drained() <-chan struct{} {
	return s.live.drained()
}

// liveSet tracks worker goroutines across cycles.
type liveSet struct {
	mx      sync.Mutex
	workers map[*Worker]struct{}
	idle    chan struct{} // closed while workers is empty
}

func newLiveSet() *liveSet {
	idle := make(chan struct{})
	close(idle)
	return &liveSet{
		workers: make(map[*Worker]struct{}),
		idle:    idle,
	}
}

func (l *liveSet) add(w *Worker) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if len(l.workers) == 0 {
		l.idle = make(chan struct{})
	}
	l.workers[w] = struct{}{}
}

func (l *liveSet) remove(w *Worker) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.workers[w]; !ok {
		return
	}
	delete(l.workers, w)
	if len(l.workers) == 0 {
		close(l.idle)
	}
}

func (l *liveSet) names() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	ret := make([]string, 0, len(l.workers))
	for w := range l.workers {
		ret = append(ret, w.Name())
	}
	slices.Sort(ret)
	return ret
}

func (l *liveSet) drained() <-chan struct{} {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.idle
}
