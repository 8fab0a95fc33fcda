// Package engine is the replication core: it owns the tick loop that turns
// master snapshots into events and fans them out to follower workers.
//
// The control loop is single-threaded. It alternates between three inputs —
// snapshots from the watcher, registry commands, and tick completion — so the
// shadow snapshot and the busy flag never need a lock. While a tick is being
// applied, fresh snapshots are dropped and counted, never queued: replicating
// a newer snapshot supersedes everything an older one would have said.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"copytrader/internal/broker"
	"copytrader/internal/config"
	"copytrader/internal/copylog"
	"copytrader/internal/diff"
	"copytrader/internal/notify"
	"copytrader/internal/registry"
	"copytrader/internal/replicator"
	"copytrader/internal/session"
	"copytrader/internal/watcher"
	"copytrader/pkg/types"
)

// ErrNotRunning is returned by registry operations outside the running state.
var ErrNotRunning = errors.New("engine: not running")

// Lifecycle states.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

// Health is a point-in-time view of the engine for operators.
type Health struct {
	Running         bool      `json:"running"`
	ActiveFollowers int       `json:"active_followers"`
	LastTickAt      time.Time `json:"last_tick_at"`
	TicksSkipped    uint64    `json:"ticks_skipped"`
}

type command struct {
	register   *types.Follower
	unregister uint64
	reply      chan error
}

// Engine wires the watcher, differ, registry, and replicator together.
type Engine struct {
	cfg     config.EngineConfig
	master  broker.Session
	factory broker.Factory
	rep     *replicator.Replicator
	notif   notify.Notifier
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watch *watcher.Watcher
	reg   *registry.Registry
	cmds  chan command

	// Loop-owned; never touched off the control goroutine.
	shadow   *types.MasterSnapshot
	busy     bool
	next     *types.MasterSnapshot
	tickDone chan struct{}

	state        atomic.Int32
	lastTickNano atomic.Int64
	ticksSkipped atomic.Uint64
}

// New builds an engine around an already-created master session. The factory
// creates follower sessions on registration; notifier and sink receive every
// per-follower outcome.
func New(cfg config.EngineConfig, master broker.Session, factory broker.Factory, notifier notify.Notifier, sink copylog.Sink, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		master:   master,
		factory:  factory,
		notif:    notifier,
		logger:   logger.With("component", "engine"),
		cmds:     make(chan command),
		tickDone: make(chan struct{}, 1),
	}
	e.rep = replicator.New(replicator.Config{
		MagicNumber: cfg.MagicNumber,
		Deviation:   cfg.MaxSlippagePoints,
		OpDeadline:  cfg.OpDeadline,
	}, notifier, sink, logger)
	return e
}

// Start connects the master session and launches the watcher and control
// loop. It fails if the master cannot be reached; followers are registered
// afterwards via Register.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateStopped, stateStarting) {
		return errors.New("engine: already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	connectCtx, cancel := context.WithTimeout(e.ctx, e.cfg.OpDeadline)
	err := e.master.Connect(connectCtx)
	cancel()
	if err != nil {
		e.cancel()
		e.state.Store(stateStopped)
		return err
	}

	e.watch = watcher.New(e.master, e.cfg.PollInterval, e.cfg.OpDeadline, e.logger)
	e.reg = registry.New(e.ctx, e.factory, e.notif, e.cfg.OpDeadline, e.cfg.UnregDeadline, e.logger)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.watch.Run(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	e.state.Store(stateRunning)
	e.logger.Info("engine started", "poll_interval", e.cfg.PollInterval)
	return nil
}

// Stop shuts the engine down: the tick loop exits, in-flight replication gets
// up to the shutdown deadline to finish, then every follower session and the
// master session are released. Open slave positions stay open.
func (e *Engine) Stop() {
	if !e.state.CompareAndSwap(stateRunning, stateStopping) {
		return
	}
	e.logger.Info("engine stopping")
	e.cancel()

	loopDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(loopDone)
	}()
	select {
	case <-loopDone:
	case <-time.After(e.cfg.ShutdownDeadline):
		e.logger.Warn("shutdown deadline hit with work still in flight")
	}

	e.reg.CloseAll()
	e.master.Disconnect()
	e.state.Store(stateStopped)
	e.logger.Info("engine stopped")
}

// Register adds a follower. The connect happens on the control goroutine so
// registry mutations stay serialized with tick dispatch.
func (e *Engine) Register(f types.Follower) error {
	return e.send(command{register: &f, reply: make(chan error, 1)})
}

// Unregister removes a follower, waiting for its in-flight operations.
func (e *Engine) Unregister(id uint64) error {
	return e.send(command{unregister: id, reply: make(chan error, 1)})
}

func (e *Engine) send(cmd command) error {
	if e.state.Load() != stateRunning {
		return ErrNotRunning
	}
	select {
	case e.cmds <- cmd:
	case <-e.ctx.Done():
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.ctx.Done():
		return ErrNotRunning
	}
}

// Health reports the engine's current state. Safe from any goroutine.
func (e *Engine) Health() Health {
	h := Health{
		Running:      e.state.Load() == stateRunning,
		TicksSkipped: e.ticksSkipped.Load(),
	}
	if e.reg != nil {
		h.ActiveFollowers = e.reg.Len()
	}
	if nano := e.lastTickNano.Load(); nano != 0 {
		h.LastTickAt = time.Unix(0, nano)
	}
	return h
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case snap := <-e.watch.Snapshots():
			if e.busy {
				e.ticksSkipped.Add(1)
				continue
			}
			e.startTick(snap)

		case cmd := <-e.cmds:
			e.handleCommand(cmd)

		case <-e.tickDone:
			// The tick fully applied; only now does the shadow advance, so a
			// crash mid-tick re-derives the same events from the old shadow.
			e.shadow = e.next
			e.next = nil
			e.busy = false
			e.lastTickNano.Store(time.Now().UnixNano())
		}
	}
}

func (e *Engine) startTick(snap types.MasterSnapshot) {
	if e.shadow == nil {
		// First snapshot is the baseline: pre-existing master positions are
		// observed, never replicated.
		e.shadow = &snap
		e.lastTickNano.Store(time.Now().UnixNano())
		e.logger.Info("baseline snapshot captured", "positions", len(snap.Positions))
		return
	}

	events := diff.Diff(e.shadow, &snap)
	if len(events) > 0 {
		e.logger.Debug("tick", "events", len(events), "positions", len(snap.Positions))
	}

	followers := e.reg.Snapshot()
	active := followers[:0]
	for _, fs := range followers {
		if fs.Sup.State() == session.PermanentlyFailed {
			continue
		}
		active = append(active, fs)
	}

	e.busy = true
	e.next = &snap

	var tick sync.WaitGroup
	for _, fs := range active {
		done := fs.Track()
		tick.Add(1)
		go func(fs *replicator.FollowerState) {
			defer done()
			defer tick.Done()
			e.rep.Apply(fs, events, snap)
		}(fs)
	}
	go func() {
		tick.Wait()
		select {
		case e.tickDone <- struct{}{}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleCommand(cmd command) {
	switch {
	case cmd.register != nil:
		cmd.reply <- e.reg.Register(*cmd.register)
	default:
		cmd.reply <- e.reg.Unregister(cmd.unregister)
	}
}
