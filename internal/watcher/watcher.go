// Package watcher polls the master account and turns each successful read
// into a MasterSnapshot. The watcher owns the tick clock: the engine treats
// snapshot arrival as the start of a tick.
//
// Blocking vendor calls are isolated here on a dedicated goroutine so a slow
// terminal never stalls the engine's control loop. A failed read emits
// nothing — the engine keeps its previous shadow unchanged, so a terminal
// outage is never mistaken for a mass close.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"copytrader/internal/broker"
	"copytrader/pkg/types"
)

// Watcher polls the master session on a fixed interval.
type Watcher struct {
	sess       broker.Session
	interval   time.Duration
	opDeadline time.Duration
	out        chan types.MasterSnapshot
	logger     *slog.Logger

	degraded bool // true while reads are failing; gates the one-shot outage log
}

// New creates a watcher for the master session.
func New(sess broker.Session, interval, opDeadline time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		sess:       sess,
		interval:   interval,
		opDeadline: opDeadline,
		out:        make(chan types.MasterSnapshot, 1),
		logger:     logger.With("component", "watcher"),
	}
}

// Snapshots returns the channel the engine reads ticks from.
func (w *Watcher) Snapshots() <-chan types.MasterSnapshot {
	return w.out
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) {
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, w.opDeadline)
	defer cancel()

	positions, err := w.sess.ReadState(opCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Log once per continuous outage, not once per failed tick.
		if !w.degraded {
			w.degraded = true
			w.logger.Error("master read failed, engine degraded", "error", err)
		}
		return
	}

	if w.degraded {
		w.degraded = false
		w.logger.Info("master read recovered", "positions", len(positions))
	}

	snap := types.MasterSnapshot{
		Positions:  positions,
		CapturedAt: time.Now(),
	}

	select {
	case w.out <- snap:
	default:
		// Engine still busy with the previous tick; it counts the skip.
		w.logger.Debug("snapshot dropped, engine busy")
	}
}
