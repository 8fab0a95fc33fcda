package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Session implementations. The replicator and
// supervisor branch on these with errors.Is / errors.As.
var (
	ErrAuthFailed    = errors.New("broker: authentication failed")
	ErrUnreachable   = errors.New("broker: terminal unreachable")
	ErrVendorBusy    = errors.New("broker: terminal busy")
	ErrSymbolUnknown = errors.New("broker: symbol unknown")
	ErrNoTick        = errors.New("broker: no tick available")
	ErrNotFound      = errors.New("broker: position not found")
	ErrTimeout       = errors.New("broker: operation deadline exceeded")
)

// RejectedError carries the vendor return code of a rejected trade request
// (e.g. 10006 = request rejected, 10004 = requote).
type RejectedError struct {
	Code int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker: trade rejected (retcode %d)", e.Code)
}

// Retryable reports whether a failed open is worth re-attempting on a later
// tick. Auth failures are fatal for the session, symbol errors are permanent
// for the (account, symbol) pair, and timeouts leave the slave state unknown —
// none of those may be blindly retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrSymbolUnknown) || errors.Is(err, ErrTimeout) {
		return false
	}
	return true
}
