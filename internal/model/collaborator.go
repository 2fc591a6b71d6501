package model

import "context"

// WorkUnit is one category of background work. Once performs a single,
// possibly long, blocking unit of work and reports its outcome.
type WorkUnit interface {
	Name() string
	Once(ctx context.Context) error
}

// Acceptor is the networking side. Both methods are idempotent and
// StopAccepting is safe to call while units are mid-operation.
type Acceptor interface {
	BeginAccepting(ctx context.Context) error
	StopAccepting(ctx context.Context) error
}

// Signaler gives visible/audible feedback on startup. Best effort.
type Signaler interface {
	SignalSequence(ctx context.Context) error
}

// Releaser frees process-wide hardware resources. ReleaseAll must be
// idempotent and safe to call before anything was acquired.
type Releaser interface {
	ReleaseAll() error
}

// UnitFunc adapts a plain function to a WorkUnit.
type UnitFunc struct {
	name string
	once func(context.Context) error
}

func NewUnitFunc(name string, once func(context.Context) error) UnitFunc {
	return UnitFunc{name: name, once: once}
}

func (u UnitFunc) Name() string {
	return u.name
}

func (u UnitFunc) Once(ctx context.Context) error {
	return u.once(ctx)
}

