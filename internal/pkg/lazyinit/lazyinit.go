// Package lazyinit provides a process-wide, lazily initialized value with an
// explicit ready signal and a queue of actions waiting for it.
package lazyinit

import (
	"context"
	"sync"
)

type state int

const (
	stateIdle state = iota
	stateLoading
	stateReady
)

// Loader initializes a value once, on first use. Callers either wait for the
// value with Get or queue an action with Do; queued actions run once the
// initialization settles. A failed initialization is retried on the next use.
type Loader[T any] struct {
	init func(ctx context.Context) (T, error)

	mu      sync.Mutex
	state   state
	value   T
	err     error
	ready   chan struct{}
	pending []func(T, error)
}

// New creates a Loader that calls init on first use.
func New[T any](init func(ctx context.Context) (T, error)) *Loader[T] {
	return &Loader[T]{
		init:  init,
		ready: make(chan struct{}),
	}
}

// Get returns the value, starting initialization if needed and waiting for
// it to finish or for ctx to be done.
func (l *Loader[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	if l.state == stateReady {
		v := l.value
		l.mu.Unlock()
		return v, nil
	}
	ready := l.ready
	l.startLocked(ctx)
	l.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateReady {
		return l.value, nil
	}
	var zero T
	return zero, l.err
}

// Do runs fn with the value once initialization settles. If the value is
// already available, fn runs immediately in the caller's goroutine.
func (l *Loader[T]) Do(ctx context.Context, fn func(T, error)) {
	l.mu.Lock()
	if l.state == stateReady {
		v := l.value
		l.mu.Unlock()
		fn(v, nil)
		return
	}
	l.pending = append(l.pending, fn)
	l.startLocked(ctx)
	l.mu.Unlock()
}

// Ready returns a channel closed when the current initialization attempt
// settles.
func (l *Loader[T]) Ready() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Loaded reports whether the value is available.
func (l *Loader[T]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateReady
}

func (l *Loader[T]) startLocked(ctx context.Context) {
	if l.state != stateIdle {
		return
	}
	l.state = stateLoading
	go l.load(context.WithoutCancel(ctx))
}

func (l *Loader[T]) load(ctx context.Context) {
	value, err := l.init(ctx)

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	ready := l.ready
	if err != nil {
		l.state = stateIdle
		l.err = err
		l.ready = make(chan struct{})
	} else {
		l.state = stateReady
		l.value = value
		l.err = nil
	}
	l.mu.Unlock()

	close(ready)
	for _, fn := range pending {
		fn(value, err)
	}
}
