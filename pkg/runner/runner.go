// Package runner wraps a single long-running action with an observable run
// state. Runs are manually triggered and may be repeated once settled.
//
// There is no cancellation: once started, an action always runs to
// completion or failure. The context given to Run is handed to the action
// as-is, and it is up to the action whether to honour it.
package runner

import (
	"context"
	"fmt"
	"sync"
)

type State int

const (
	NotStarted State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the state of a Runner. Value is only meaningful when Completed,
// Err only when Failed.
type Outcome[T any] struct {
	State State
	Value T
	Err   error
}

// Settled returns whether the outcome is terminal.
func (o Outcome[T]) Settled() bool {
	return o.State == Completed || o.State == Failed
}

// Action is the unit of work wrapped by a Runner.
type Action[T any] func(ctx context.Context) (T, error)

type Runner[T any] struct {
	action Action[T]

	mu        sync.Mutex
	outcome   Outcome[T]
	done      chan struct{}
	observers map[int]func(Outcome[T])
	nextObs   int
}

func New[T any](action Action[T]) *Runner[T] {
	return &Runner[T]{
		action: action,
	}
}

// Subscribe registers fn to be called on every state transition, with the
// new outcome. The returned function unregisters fn.
func (r *Runner[T]) Subscribe(fn func(Outcome[T])) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observers == nil {
		r.observers = make(map[int]func(Outcome[T]))
	}
	id := r.nextObs
	r.nextObs += 1
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// Outcome returns the current outcome.
func (r *Runner[T]) Outcome() Outcome[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// transition must be called with mu held. It returns the observers to notify
// once mu is released.
func (r *Runner[T]) transition(o Outcome[T]) []func(Outcome[T]) {
	r.outcome = o
	fns := make([]func(Outcome[T]), 0, len(r.observers))
	for i := 0; i < r.nextObs; i++ {
		if fn, ok := r.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func notify[T any](fns []func(Outcome[T]), o Outcome[T]) {
	for _, fn := range fns {
		fn(o)
	}
}

// Run starts the action in the background, discarding any previous outcome.
// It does nothing and returns false if the action is already running.
func (r *Runner[T]) Run(ctx context.Context) bool {
	r.mu.Lock()
	if r.outcome.State == Running {
		r.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	r.done = done
	running := Outcome[T]{State: Running}
	fns := r.transition(running)
	r.mu.Unlock()
	notify(fns, running)

	go func() {
		defer close(done)

		v, err := r.call(ctx)
		res := Outcome[T]{State: Completed, Value: v}
		if err != nil {
			res = Outcome[T]{State: Failed, Err: err}
		}

		r.mu.Lock()
		fns := r.transition(res)
		r.mu.Unlock()
		notify(fns, res)
	}()
	return true
}

// call runs the action, turning a panic into a failure.
func (r *Runner[T]) call(ctx context.Context) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.action(ctx)
}

// Wait blocks until the current run settles, or ctx is done. If the runner
// was never started, it returns immediately with a NotStarted outcome.
func (r *Runner[T]) Wait(ctx context.Context) (Outcome[T], error) {
	r.mu.Lock()
	if r.outcome.State == NotStarted {
		o := r.outcome
		r.mu.Unlock()
		return o, nil
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Outcome[T]{}, ctx.Err()
	}
	return r.Outcome(), nil
}

// RunAndWait starts the action if it is not already running and waits for
// it to settle.
func (r *Runner[T]) RunAndWait(ctx context.Context) (Outcome[T], error) {
	r.Run(ctx)
	return r.Wait(ctx)
}
