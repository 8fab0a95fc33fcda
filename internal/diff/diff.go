// Package diff turns two consecutive master snapshots into replication events.
//
// Event order within a tick is closes, then modifies, then opens: closing
// first frees margin a follower account may need before it can take on the
// new positions. Within each class events are sorted by ascending master
// ticket so replication is deterministic.
package diff

import (
	"sort"

	"copytrader/pkg/types"
)

// Diff compares the previous and current master snapshots and returns the
// ordered event list. A nil previous snapshot yields no events — the first
// observed snapshot is the baseline and pre-existing master positions are
// never replicated.
func Diff(prev, cur *types.MasterSnapshot) []types.Event {
	if prev == nil || cur == nil {
		return nil
	}

	var closed, modified, opened []types.Event

	for ticket, p := range prev.Positions {
		if _, ok := cur.Positions[ticket]; !ok {
			closed = append(closed, types.Event{Type: types.EventClosed, Position: p})
		}
	}

	for ticket, p := range cur.Positions {
		old, ok := prev.Positions[ticket]
		switch {
		case !ok:
			opened = append(opened, types.Event{Type: types.EventOpened, Position: p})
		case p.ModifiedFrom(old):
			modified = append(modified, types.Event{Type: types.EventModified, Position: p})
		}
	}

	sortByTicket(closed)
	sortByTicket(modified)
	sortByTicket(opened)

	events := make([]types.Event, 0, len(closed)+len(modified)+len(opened))
	events = append(events, closed...)
	events = append(events, modified...)
	events = append(events, opened...)
	return events
}

func sortByTicket(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Ticket() < events[j].Ticket()
	})
}
