// Package registry owns the set of live follower accounts. Registration
// connects the account's broker session before the follower becomes visible
// to ticks; unregistration waits for in-flight replication to drain before
// releasing the session. The engine linearizes mutations through its command
// loop, but the registry locks anyway so health queries stay safe.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"copytrader/internal/broker"
	"copytrader/internal/notify"
	"copytrader/internal/replicator"
	"copytrader/internal/session"
	"copytrader/pkg/types"
)

// ErrNotRegistered is returned when unregistering an unknown follower.
var ErrNotRegistered = errors.New("registry: follower not registered")

// Registry holds per-follower state keyed by follower ID.
type Registry struct {
	parent        context.Context
	factory       broker.Factory
	notifier      notify.Notifier
	opDeadline    time.Duration
	unregDeadline time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	followers map[uint64]*replicator.FollowerState
}

// New creates an empty registry. parent is the engine's context; every
// follower's context descends from it so engine shutdown cancels them all.
func New(parent context.Context, factory broker.Factory, notifier notify.Notifier, opDeadline, unregDeadline time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		parent:        parent,
		factory:       factory,
		notifier:      notifier,
		opDeadline:    opDeadline,
		unregDeadline: unregDeadline,
		logger:        logger.With("component", "registry"),
		followers:     make(map[uint64]*replicator.FollowerState),
	}
}

// Register connects the follower's account and adds it to the active set.
// The follower is inserted only after a successful connect, so a tick never
// sees a half-built entry. Registering an ID that is already present is a
// no-op; reviving a permanently failed session takes an explicit unregister
// followed by a fresh register.
func (r *Registry) Register(f types.Follower) error {
	r.mu.Lock()
	_, exists := r.followers[f.ID]
	r.mu.Unlock()
	if exists {
		r.logger.Debug("follower already registered", "follower_id", f.ID)
		return nil
	}

	sess := r.factory(broker.Credentials{
		Login:    f.Login,
		Password: f.Password,
		Server:   f.Server,
	})
	sup := session.NewSupervisor(f.Login, sess, r.authFailed(f), r.logger)

	ctx, cancel := context.WithTimeout(r.parent, r.opDeadline)
	defer cancel()
	if _, err := sup.Acquire(ctx); err != nil {
		sup.Disconnect()
		return fmt.Errorf("register follower %d: %w", f.ID, err)
	}

	fs := replicator.NewFollowerState(r.parent, f, sup)

	r.mu.Lock()
	r.followers[f.ID] = fs
	n := len(r.followers)
	r.mu.Unlock()

	r.logger.Info("follower registered", "follower_id", f.ID, "login", f.Login, "active", n)
	return nil
}

// Unregister removes a follower, waiting up to the unregister deadline for
// its in-flight operations to finish before dropping the session.
func (r *Registry) Unregister(id uint64) error {
	fs := r.take(id)
	if fs == nil {
		return ErrNotRegistered
	}
	r.drain(fs)
	r.logger.Info("follower unregistered", "follower_id", id, "login", fs.Follower.Login)
	return nil
}

// take removes and returns the state for id, or nil.
func (r *Registry) take(id uint64) *replicator.FollowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.followers[id]
	delete(r.followers, id)
	return fs
}

// drain cancels a follower's work, waits for it to stop, and releases the
// session. Open slave positions are left as they are; nothing is mass-closed.
func (r *Registry) drain(fs *replicator.FollowerState) {
	fs.Cancel()
	if !fs.WaitTimeout(r.unregDeadline) {
		r.logger.Warn("follower work did not drain before deadline",
			"follower_id", fs.Follower.ID, "deadline", r.unregDeadline)
	}
	fs.Sup.Disconnect()
}

// Snapshot returns the active followers ordered by ID. The slice is fresh;
// the states are shared and must only be handed to their own tick worker.
func (r *Registry) Snapshot() []*replicator.FollowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*replicator.FollowerState, 0, len(r.followers))
	for _, fs := range r.followers {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Follower.ID < out[j].Follower.ID })
	return out
}

// Len returns the number of registered followers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.followers)
}

// CloseAll drains every follower. Used on engine shutdown, after the shared
// context is already cancelled, so waits are short.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*replicator.FollowerState, 0, len(r.followers))
	for _, fs := range r.followers {
		all = append(all, fs)
	}
	r.followers = make(map[uint64]*replicator.FollowerState)
	r.mu.Unlock()

	for _, fs := range all {
		r.drain(fs)
	}
}

// authFailed builds the supervisor callback alerting the follower's user the
// moment the session turns permanently failed.
func (r *Registry) authFailed(f types.Follower) func(login string) {
	return func(login string) {
		r.notifier.SendToUser(strconv.FormatUint(f.UserID, 10), types.Notification{
			Type:      types.NotifyAuthFailed,
			AccountID: f.ID,
			Login:     login,
			TS:        time.Now(),
			Message:   "broker authentication failed, copying suspended until re-registered",
		})
	}
}
