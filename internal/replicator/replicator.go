// Package replicator applies master events to follower accounts. One Apply
// call handles one follower for one tick; the engine runs them concurrently,
// one goroutine per follower, so a slow or failing account never delays the
// others.
//
// Ordering within a tick is closes, then modifies, then opens — freeing margin
// before consuming it. On top of the diffed events the replicator reconciles
// its own position map against the snapshot: mapped masters missing from the
// snapshot are closes that failed on an earlier tick and are re-attempted,
// and failed opens parked in the retry set are re-fired while their master
// position is still live.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/broker"
	"copytrader/internal/copylog"
	"copytrader/internal/notify"
	"copytrader/internal/session"
	"copytrader/pkg/types"
)

// Config carries the trade-tagging knobs every replicated order is stamped with.
type Config struct {
	MagicNumber uint64
	Deviation   int
	OpDeadline  time.Duration
}

// Replicator turns master events into follower orders.
type Replicator struct {
	cfg      Config
	notifier notify.Notifier
	sink     copylog.Sink
	logger   *slog.Logger
}

// New creates a replicator writing outcomes to sink and alerts to notifier.
func New(cfg Config, notifier notify.Notifier, sink copylog.Sink, logger *slog.Logger) *Replicator {
	return &Replicator{
		cfg:      cfg,
		notifier: notifier,
		sink:     sink,
		logger:   logger.With("component", "replicator"),
	}
}

// Apply replicates one tick's events onto one follower. It runs on the
// follower's worker goroutine; fs is not touched by anyone else until the
// engine's tick barrier sees this call return.
func (r *Replicator) Apply(fs *FollowerState, events []types.Event, snap types.MasterSnapshot) {
	logger := r.logger.With("follower_id", fs.Follower.ID, "login", fs.Follower.Login)

	defer func() {
		if p := recover(); p != nil {
			fs.degraded = true
			logger.Error("replication worker panic contained", "panic", p)
		}
	}()
	fs.degraded = false

	if !fs.Follower.CopyEnabled {
		return
	}

	// Closes first: diffed ones, then mapped masters that vanished from the
	// snapshot without a close event reaching the slave (earlier close failed).
	closed := make(map[uint64]struct{})
	for _, ev := range events {
		if ev.Type != types.EventClosed {
			continue
		}
		if fs.ctx.Err() != nil {
			return
		}
		closed[ev.Ticket()] = struct{}{}
		r.applyClose(fs, ev.Ticket(), ev.Position.Symbol, logger)
	}
	live := make(map[uint64]struct{}, len(snap.Positions))
	for ticket := range snap.Positions {
		live[ticket] = struct{}{}
	}
	for _, ticket := range fs.positions.StaleMasters(live) {
		if _, done := closed[ticket]; done {
			continue
		}
		if fs.ctx.Err() != nil {
			return
		}
		entry, _ := fs.positions.Get(ticket)
		logger.Info("reconciling stale mapping", "master_ticket", ticket, "slave_ticket", entry.Slave)
		r.applyClose(fs, ticket, entry.Symbol, logger)
	}

	for _, ev := range events {
		if ev.Type != types.EventModified {
			continue
		}
		if fs.ctx.Err() != nil {
			return
		}
		r.applyModify(fs, ev.Position, logger)
	}

	for _, ev := range events {
		if ev.Type != types.EventOpened {
			continue
		}
		if fs.ctx.Err() != nil {
			return
		}
		r.applyOpen(fs, ev.Position, logger)
	}

	// Re-fire parked opens whose master position is still live and unmapped.
	for ticket := range fs.retry {
		pos, ok := snap.Positions[ticket]
		if !ok {
			delete(fs.retry, ticket)
			continue
		}
		if _, mapped := fs.positions.Get(ticket); mapped {
			delete(fs.retry, ticket)
			continue
		}
		if fs.ctx.Err() != nil {
			return
		}
		r.applyOpen(fs, pos, logger)
	}

	fs.lastTickOK = time.Now()
}

func (r *Replicator) applyOpen(fs *FollowerState, pos types.Position, logger *slog.Logger) {
	if _, mapped := fs.positions.Get(pos.Ticket); mapped {
		return
	}
	if _, busy := fs.pending[pos.Ticket]; busy {
		return
	}
	if _, bad := fs.blocked[pos.Symbol]; bad {
		return
	}
	fs.pending[pos.Ticket] = struct{}{}
	defer delete(fs.pending, pos.Ticket)

	start := time.Now()

	sess, err := r.acquire(fs, logger)
	if err != nil {
		switch err {
		case errSkipPermanent:
		case errSkipThrottled:
			// Keep the open queued; diffing will not emit it again.
			fs.retry[pos.Ticket] = struct{}{}
		default:
			fs.lastErr = err
			fs.retry[pos.Ticket] = struct{}{}
			r.record(fs, types.EventOpened, pos.Ticket, 0, pos.Symbol, 0, false, err.Error(), start)
		}
		return
	}

	opCtx, cancel := context.WithTimeout(fs.ctx, r.cfg.OpDeadline)
	defer cancel()

	info, err := sess.SymbolInfo(opCtx, pos.Symbol)
	if err != nil {
		if errors.Is(err, broker.ErrSymbolUnknown) {
			fs.blocked[pos.Symbol] = struct{}{}
			logger.Warn("symbol not available on follower account, skipping",
				"symbol", pos.Symbol, "master_ticket", pos.Ticket)
			r.notify(fs, types.Notification{
				Type:         types.NotifyReplicationError,
				MasterTicket: pos.Ticket,
				Symbol:       pos.Symbol,
				Message:      "symbol unknown on follower account",
			})
			r.record(fs, types.EventOpened, pos.Ticket, 0, pos.Symbol, 0, false, "symbol unknown", start)
			return
		}
		r.openFailed(fs, pos, 0, err, start, logger)
		return
	}

	volume, adjusted := SizeVolume(pos.Volume, fs.Follower.LotMultiplier, fs.Follower.MaxLot, info.VolumeMin)
	if adjusted {
		logger.Info("size_adjusted",
			"master_ticket", pos.Ticket,
			"symbol", pos.Symbol,
			"master_volume", pos.Volume,
			"volume", volume)
	}

	slave, err := sess.Open(opCtx, broker.OpenRequest{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Volume:    volume,
		SL:        pos.SL,
		TP:        pos.TP,
		Comment:   fmt.Sprintf("COPY:%d", pos.Ticket),
		Magic:     r.cfg.MagicNumber,
		Deviation: r.cfg.Deviation,
	})
	if err != nil {
		r.openFailed(fs, pos, volume, err, start, logger)
		return
	}

	if err := fs.positions.Put(pos.Ticket, slave, pos.Symbol); err != nil {
		// Injectivity violation means the slave ticket is already tracked;
		// leave the map alone rather than corrupt it.
		logger.Error("position map conflict after open", "error", err,
			"master_ticket", pos.Ticket, "slave_ticket", slave)
	}
	delete(fs.retry, pos.Ticket)
	fs.lastErr = nil

	logger.Info("opened",
		"master_ticket", pos.Ticket,
		"slave_ticket", slave,
		"symbol", pos.Symbol,
		"side", pos.Side,
		"volume", volume)
	r.notify(fs, types.Notification{
		Type:         types.NotifyTradeOpened,
		MasterTicket: pos.Ticket,
		SlaveTicket:  slave,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Volume:       volume,
		SL:           pos.SL,
		TP:           pos.TP,
	})
	r.record(fs, types.EventOpened, pos.Ticket, slave, pos.Symbol, volume, true, "", start)
}

// openFailed handles every open failure that is not a symbol problem:
// session bookkeeping, the copy record, the user alert, and retry parking.
func (r *Replicator) openFailed(fs *FollowerState, pos types.Position, volume float64, err error, start time.Time, logger *slog.Logger) {
	fs.lastErr = err
	if errors.Is(err, broker.ErrUnreachable) || errors.Is(err, broker.ErrTimeout) || errors.Is(err, broker.ErrAuthFailed) {
		fs.Sup.MarkFailed(err)
	}

	msg := err.Error()
	note := types.Notification{
		Type:         types.NotifyReplicationError,
		MasterTicket: pos.Ticket,
		Symbol:       pos.Symbol,
		Volume:       volume,
		Message:      msg,
	}
	var rejected *broker.RejectedError
	if errors.As(err, &rejected) {
		note.Code = rejected.Code
	}

	logger.Warn("open failed", "master_ticket", pos.Ticket, "symbol", pos.Symbol, "error", err)
	r.notify(fs, note)
	r.record(fs, types.EventOpened, pos.Ticket, 0, pos.Symbol, volume, false, msg, start)

	if broker.Retryable(err) {
		fs.retry[pos.Ticket] = struct{}{}
	}
}

func (r *Replicator) applyClose(fs *FollowerState, master uint64, symbol string, logger *slog.Logger) {
	start := time.Now()

	entry, ok := fs.positions.Get(master)
	if !ok {
		// Master closed a position we never replicated (open failed, or it
		// predates registration). Nothing to close on the slave side.
		delete(fs.retry, master)
		logger.Info("close_orphan", "master_ticket", master, "symbol", symbol)
		r.record(fs, types.EventClosed, master, 0, symbol, 0, true, "close_orphan", start)
		return
	}

	sess, err := r.acquire(fs, logger)
	if err != nil {
		// The mapping stays, so the stale-master sweep picks the close up later.
		if err != errSkipPermanent && err != errSkipThrottled {
			fs.lastErr = err
			r.record(fs, types.EventClosed, master, entry.Slave, entry.Symbol, 0, false, err.Error(), start)
		}
		return
	}

	opCtx, cancel := context.WithTimeout(fs.ctx, r.cfg.OpDeadline)
	defer cancel()

	err = sess.Close(opCtx, broker.CloseRequest{
		Ticket:    entry.Slave,
		Comment:   fmt.Sprintf("CLOSE_COPY:%d", master),
		Magic:     r.cfg.MagicNumber,
		Deviation: r.cfg.Deviation,
	})
	switch {
	case err == nil:
		fs.positions.Delete(master)
		fs.lastErr = nil
		logger.Info("closed", "master_ticket", master, "slave_ticket", entry.Slave, "symbol", entry.Symbol)
		r.notify(fs, types.Notification{
			Type:         types.NotifyTradeClosed,
			MasterTicket: master,
			SlaveTicket:  entry.Slave,
			Symbol:       entry.Symbol,
		})
		r.record(fs, types.EventClosed, master, entry.Slave, entry.Symbol, 0, true, "", start)

	case errors.Is(err, broker.ErrNotFound):
		// Already closed slave-side (stop-out, manual close). Drop the mapping.
		fs.positions.Delete(master)
		logger.Info("slave position already gone", "master_ticket", master, "slave_ticket", entry.Slave)
		r.record(fs, types.EventClosed, master, entry.Slave, entry.Symbol, 0, true, "already closed", start)

	default:
		// Mapping stays; the stale-master sweep retries next tick.
		fs.lastErr = err
		if errors.Is(err, broker.ErrUnreachable) || errors.Is(err, broker.ErrTimeout) || errors.Is(err, broker.ErrAuthFailed) {
			fs.Sup.MarkFailed(err)
		}
		logger.Warn("close failed", "master_ticket", master, "slave_ticket", entry.Slave, "error", err)
		r.notify(fs, types.Notification{
			Type:         types.NotifyReplicationError,
			MasterTicket: master,
			SlaveTicket:  entry.Slave,
			Symbol:       entry.Symbol,
			Message:      err.Error(),
		})
		r.record(fs, types.EventClosed, master, entry.Slave, entry.Symbol, 0, false, err.Error(), start)
	}
}

func (r *Replicator) applyModify(fs *FollowerState, pos types.Position, logger *slog.Logger) {
	entry, ok := fs.positions.Get(pos.Ticket)
	if !ok {
		logger.Debug("modify for unmapped master position", "master_ticket", pos.Ticket)
		return
	}

	start := time.Now()

	sess, err := r.acquire(fs, logger)
	if err != nil {
		if err != errSkipPermanent && err != errSkipThrottled {
			fs.lastErr = err
			r.record(fs, types.EventModified, pos.Ticket, entry.Slave, entry.Symbol, 0, false, err.Error(), start)
		}
		return
	}

	opCtx, cancel := context.WithTimeout(fs.ctx, r.cfg.OpDeadline)
	defer cancel()

	// Best effort: the master's SL/TP change is re-diffed only if it changes
	// again, so a failed modify is reported but not queued.
	if err := sess.Modify(opCtx, entry.Slave, pos.SL, pos.TP); err != nil {
		fs.lastErr = err
		if errors.Is(err, broker.ErrUnreachable) || errors.Is(err, broker.ErrTimeout) || errors.Is(err, broker.ErrAuthFailed) {
			fs.Sup.MarkFailed(err)
		}
		logger.Warn("modify failed", "master_ticket", pos.Ticket, "slave_ticket", entry.Slave, "error", err)
		r.notify(fs, types.Notification{
			Type:         types.NotifyReplicationError,
			MasterTicket: pos.Ticket,
			SlaveTicket:  entry.Slave,
			Symbol:       entry.Symbol,
			Message:      err.Error(),
		})
		r.record(fs, types.EventModified, pos.Ticket, entry.Slave, entry.Symbol, 0, false, err.Error(), start)
		return
	}

	fs.lastErr = nil
	logger.Info("modified", "master_ticket", pos.Ticket, "slave_ticket", entry.Slave, "sl", pos.SL, "tp", pos.TP)
	r.notify(fs, types.Notification{
		Type:         types.NotifyTradeModified,
		MasterTicket: pos.Ticket,
		SlaveTicket:  entry.Slave,
		Symbol:       entry.Symbol,
		SL:           pos.SL,
		TP:           pos.TP,
	})
	r.record(fs, types.EventModified, pos.Ticket, entry.Slave, entry.Symbol, 0, true, "", start)
}

// Acquire outcomes that need no record or alert: a permanently failed
// session was alerted once at the transition, and a throttled reconnect
// only postpones work the retry sets keep queued.
var (
	errSkipPermanent = errors.New("replicator: session permanently failed")
	errSkipThrottled = errors.New("replicator: reconnect throttled")
)

func (r *Replicator) acquire(fs *FollowerState, logger *slog.Logger) (broker.Session, error) {
	opCtx, cancel := context.WithTimeout(fs.ctx, r.cfg.OpDeadline)
	defer cancel()

	sess, err := fs.Sup.Acquire(opCtx)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, session.ErrPermanentlyFailed) {
		return nil, errSkipPermanent
	}
	if session.RetryThrottled(err) {
		logger.Debug("reconnect throttled, skipping follower this tick")
		return nil, errSkipThrottled
	}
	logger.Warn("session acquire failed", "error", err)
	r.notify(fs, types.Notification{
		Type:    types.NotifyReplicationError,
		Message: err.Error(),
	})
	return nil, err
}

func (r *Replicator) notify(fs *FollowerState, msg types.Notification) {
	msg.AccountID = fs.Follower.ID
	msg.TS = time.Now()
	r.notifier.SendToUser(strconv.FormatUint(fs.Follower.UserID, 10), msg)
}

func (r *Replicator) record(fs *FollowerState, ev types.EventType, master, slave uint64, symbol string, volume float64, success bool, msg string, start time.Time) {
	r.sink.Append(types.CopyRecord{
		ID:           uuid.NewString(),
		AccountID:    fs.Follower.ID,
		EventType:    ev,
		MasterTicket: master,
		SlaveTicket:  slave,
		Symbol:       symbol,
		Volume:       volume,
		Success:      success,
		Message:      msg,
		LatencyMS:    time.Since(start).Milliseconds(),
		At:           time.Now(),
	})
}
