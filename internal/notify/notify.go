// Package notify defines the sink the engine hands per-user replication
// events to. The surrounding service injects its own implementation (e.g. a
// WebSocket fan-out manager) at engine construction; the engine itself never
// sees transport-specific types. Implementations must be safe for concurrent
// use and must never block replication — failures are logged and swallowed
// by the caller.
package notify

import (
	"log/slog"

	"copytrader/pkg/types"
)

// Notifier delivers one notification to one user.
type Notifier interface {
	SendToUser(userID string, msg types.Notification)
}

// LogNotifier writes notifications to the structured log. Used when no
// real-time transport is wired in, and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) SendToUser(userID string, msg types.Notification) {
	n.logger.Info("notification",
		"user_id", userID,
		"type", msg.Type,
		"account_id", msg.AccountID,
		"master_ticket", msg.MasterTicket,
		"slave_ticket", msg.SlaveTicket,
		"symbol", msg.Symbol,
	)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) SendToUser(string, types.Notification) {}
