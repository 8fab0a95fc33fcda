// Package broker defines the contract between the copy engine and a brokerage
// terminal. The engine drives exactly one implementation (internal/broker/mt5)
// but everything above this package depends only on the Session interface, so
// tests substitute in-memory fakes.
package broker

import (
	"context"

	"copytrader/pkg/types"
)

// Credentials identify one account login on the terminal.
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// OpenRequest describes a market open on a follower account. Comment carries
// the COPY:<master_ticket> marker and Magic tags the order as engine-originated.
type OpenRequest struct {
	Symbol    string
	Side      types.Side
	Volume    float64
	SL        float64
	TP        float64
	Comment   string
	Magic     uint64
	Deviation int
}

// CloseRequest closes an open slave position by ticket.
type CloseRequest struct {
	Ticket    uint64
	Comment   string
	Magic     uint64
	Deviation int
}

// Session is one logical login into the vendor terminal for one account.
// Calls are blocking and must be given a context carrying the per-operation
// deadline; implementations serialize access to the underlying terminal.
type Session interface {
	// Connect authenticates the session. Fails with ErrAuthFailed,
	// ErrUnreachable, or ErrVendorBusy.
	Connect(ctx context.Context) error

	// ReadState returns all open positions on the account, keyed by ticket.
	ReadState(ctx context.Context) (map[uint64]types.Position, error)

	// SymbolInfo returns trading constraints for a symbol, or ErrSymbolUnknown.
	SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)

	// Open places a market order and returns the new slave ticket.
	Open(ctx context.Context, req OpenRequest) (uint64, error)

	// Close closes the position identified by req.Ticket.
	Close(ctx context.Context, req CloseRequest) error

	// Modify updates stop-loss and take-profit on an open position.
	Modify(ctx context.Context, ticket uint64, sl, tp float64) error

	// Disconnect releases the session. Idempotent.
	Disconnect()
}

// Factory creates a Session for a follower account. The engine uses it to
// build real bridge-backed sessions; tests inject fakes.
type Factory func(creds Credentials) Session
