package replicator

import (
	"context"
	"sync"
	"time"

	"copytrader/internal/session"
	"copytrader/pkg/types"
)

// FollowerState is everything the replicator owns for one follower. All
// mutable fields are touched only by the follower's own worker goroutine;
// the engine reads nothing out of it while a tick is in flight.
type FollowerState struct {
	Follower types.Follower
	Sup      *session.Supervisor

	positions *PositionMap
	pending   map[uint64]struct{} // master tickets mid-replication
	retry     map[uint64]struct{} // failed opens worth re-attempting next tick
	blocked   map[string]struct{} // symbols that errored SymbolUnknown (logged once)

	lastErr    error
	lastTickOK time.Time
	degraded   bool // set when a worker panic was contained; cleared next tick

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFollowerState creates the state for a freshly registered follower.
// The follower's context descends from the engine's so engine shutdown
// cancels everything, while Cancel reaches only this follower.
func NewFollowerState(parent context.Context, f types.Follower, sup *session.Supervisor) *FollowerState {
	ctx, cancel := context.WithCancel(parent)
	return &FollowerState{
		Follower:  f,
		Sup:       sup,
		positions: NewPositionMap(),
		pending:   make(map[uint64]struct{}),
		retry:     make(map[uint64]struct{}),
		blocked:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Positions exposes the position map for assertions outside a tick.
func (fs *FollowerState) Positions() *PositionMap { return fs.positions }

// Cancel aborts this follower's in-flight operations.
func (fs *FollowerState) Cancel() { fs.cancel() }

// Done is closed when the follower is cancelled, directly or via the engine.
func (fs *FollowerState) Done() <-chan struct{} { return fs.ctx.Done() }

// Track marks one unit of in-flight work and returns its completion func.
func (fs *FollowerState) Track() func() {
	fs.wg.Add(1)
	return fs.wg.Done
}

// WaitTimeout blocks until in-flight work finishes or the deadline passes.
func (fs *FollowerState) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		fs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
