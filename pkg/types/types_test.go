package types

import (
	"testing"
	"time"
)

func TestPositionEqual(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := Position{Ticket: 101, Symbol: "EURUSD", Side: Buy, Volume: 1.0, PriceOpen: 1.1, Magic: 7, OpenedAt: now}

	if !p.Equal(p) {
		t.Error("position should equal itself")
	}

	q := p
	q.Volume = 2.0
	if p.Equal(q) {
		t.Error("positions with different volume should not be equal")
	}
}

func TestPositionModifiedFrom(t *testing.T) {
	t.Parallel()
	old := Position{Ticket: 303, Side: Buy, TP: 1.20}

	cur := old
	cur.SL = 1.10
	if !cur.ModifiedFrom(old) {
		t.Error("SL change should count as modified")
	}

	if old.ModifiedFrom(old) {
		t.Error("identical position should not count as modified")
	}

	other := old
	other.Ticket = 304
	other.SL = 1.10
	if other.ModifiedFrom(old) {
		t.Error("different ticket should never count as modified")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite should swap BUY and SELL")
	}
}
