// Package guard provides an exactly-once settlement primitive for pending
// asynchronous operations. Several completion paths (success, timeout, peer
// error, cancellation) may race to finish the same operation; the guard
// guarantees that only the first one settles it and that every registered
// release function runs exactly once.
package guard

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Guard binds a single logical operation to an exactly-once settlement.
// The zero value is not usable; construct with New.
type Guard[T any] struct {
	logger   *zap.Logger
	onSettle func(result T, err error)

	mu       sync.Mutex
	settled  bool
	releases []func() error
}

// New creates a guard for one pending operation. onSettle is invoked exactly
// once, by whichever completion path calls Settle first.
func New[T any](logger *zap.Logger, onSettle func(result T, err error)) *Guard[T] {
	return &Guard[T]{
		logger:   logger,
		onSettle: onSettle,
	}
}

// OnRelease registers a release function to run at settlement time. Release
// functions run in registration order. If the guard has already settled the
// function runs immediately.
func (g *Guard[T]) OnRelease(release func() error) {
	g.mu.Lock()
	if !g.settled {
		g.releases = append(g.releases, release)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.run(release)
}

// Settle resolves the operation with the given result. The first call invokes
// onSettle and runs every registered release function; later calls are no-ops
// and report false.
func (g *Guard[T]) Settle(result T, err error) bool {
	g.mu.Lock()
	if g.settled {
		g.mu.Unlock()
		return false
	}
	g.settled = true
	releases := g.releases
	g.releases = nil
	g.mu.Unlock()

	g.onSettle(result, err)
	for _, release := range releases {
		g.run(release)
	}
	return true
}

// Settled reports whether the guard has already settled.
func (g *Guard[T]) Settled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled
}

// run executes a release function. Release failures must never prevent the
// remaining releases from running, so errors and panics are logged and
// swallowed here.
func (g *Guard[T]) run(release func() error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("release function panicked",
				zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	if err := release(); err != nil {
		g.logger.Warn("release function failed", zap.Error(err))
	}
}
