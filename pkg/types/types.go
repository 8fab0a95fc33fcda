// Package types defines the shared domain types of the copy-trading engine:
// master positions and snapshots, follower accounts, replication events,
// copy-log records, and the notification payloads handed to the Notifier sink.
package types

import "time"

// Side is the direction of a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Position is one open trade as observed on the master or a follower account.
// A value is immutable once captured into a snapshot.
type Position struct {
	Ticket    uint64    `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Volume    float64   `json:"volume"` // lots
	PriceOpen float64   `json:"price_open"`
	SL        float64   `json:"sl"` // 0 = unset
	TP        float64   `json:"tp"` // 0 = unset
	Magic     uint64    `json:"magic"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Equal reports whether all fields agree.
func (p Position) Equal(o Position) bool {
	return p.Ticket == o.Ticket &&
		p.Symbol == o.Symbol &&
		p.Side == o.Side &&
		p.Volume == o.Volume &&
		p.PriceOpen == o.PriceOpen &&
		p.SL == o.SL &&
		p.TP == o.TP &&
		p.Magic == o.Magic &&
		p.OpenedAt.Equal(o.OpenedAt)
}

// ModifiedFrom reports whether p is the same position as old with a changed
// stop-loss or take-profit.
func (p Position) ModifiedFrom(old Position) bool {
	return p.Ticket == old.Ticket && (p.SL != old.SL || p.TP != old.TP)
}

// MasterSnapshot is the set of open master positions captured at one instant.
// Tickets are unique within a snapshot by construction (map key).
type MasterSnapshot struct {
	Positions  map[uint64]Position
	CapturedAt time.Time
}

// Follower is one account subscribed to the master's trades.
// Password is held decrypted in memory only and must never be logged;
// log followers by ID and login, never as whole structs.
type Follower struct {
	ID            uint64
	UserID        uint64
	Login         string
	Server        string
	Password      string
	LotMultiplier float64 // ≥0; 0 means no sizing, treated as 1.0
	MaxLot        float64 // 0 = uncapped
	CopyEnabled   bool
}

// EventType tags a replication event.
type EventType string

const (
	EventOpened   EventType = "opened"
	EventClosed   EventType = "closed"
	EventModified EventType = "modified"
)

// Event is one detected change on the master account. For EventClosed,
// Position holds the last known state of the now-gone position.
type Event struct {
	Type     EventType
	Position Position
}

// Ticket returns the master ticket the event refers to.
func (e Event) Ticket() uint64 { return e.Position.Ticket }

// SymbolInfo describes broker-side trading constraints for a symbol.
type SymbolInfo struct {
	Symbol     string  `json:"symbol"`
	VolumeMin  float64 `json:"volume_min"`
	VolumeStep float64 `json:"volume_step"`
	Digits     int     `json:"digits"`
}

// CopyRecord is one append-only copy-log entry, emitted exactly once per
// per-follower replication outcome.
type CopyRecord struct {
	ID           string    `json:"id"`
	AccountID    uint64    `json:"account_id"`
	EventType    EventType `json:"event_type"`
	MasterTicket uint64    `json:"master_ticket"`
	SlaveTicket  uint64    `json:"slave_ticket,omitempty"`
	Symbol       string    `json:"symbol"`
	Volume       float64   `json:"volume,omitempty"`
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	At           time.Time `json:"at"`
}

// Notification type tags, matching the shapes the surrounding service fans
// out to end users.
const (
	NotifyTradeOpened      = "trade_opened"
	NotifyTradeClosed      = "trade_closed"
	NotifyTradeModified    = "trade_modified"
	NotifyReplicationError = "replication_error"
	NotifyAuthFailed       = "auth_failed"
)

// Notification is the payload handed to the Notifier sink. Fields beyond
// Type/AccountID/TS are populated per type and omitted otherwise.
type Notification struct {
	Type      string    `json:"type"`
	AccountID uint64    `json:"account_id"`
	TS        time.Time `json:"ts"`

	MasterTicket uint64  `json:"master_ticket,omitempty"`
	SlaveTicket  uint64  `json:"slave_ticket,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	Side         Side    `json:"side,omitempty"`
	SL           float64 `json:"sl,omitempty"`
	TP           float64 `json:"tp,omitempty"`
	Message      string  `json:"message,omitempty"`
	Code         int     `json:"code,omitempty"`
	Login        string  `json:"login,omitempty"`
}
