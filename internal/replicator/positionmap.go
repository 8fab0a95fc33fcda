package replicator

import (
	"fmt"
	"sort"
)

// MapEntry records the slave side of a replicated position. Symbol is kept so
// late closes can still be logged meaningfully after the master position is
// gone from the snapshot.
type MapEntry struct {
	Slave  uint64
	Symbol string
}

// PositionMap maps master tickets to slave tickets for one follower. It is
// injective: no slave ticket appears under two master tickets. Entries are
// created after a successful slave open and deleted after a successful slave
// close. The map is mutated only by the owning follower's worker, so it
// carries no lock.
type PositionMap struct {
	entries map[uint64]MapEntry
	slaves  map[uint64]uint64 // slave ticket → master ticket
}

// NewPositionMap creates an empty map.
func NewPositionMap() *PositionMap {
	return &PositionMap{
		entries: make(map[uint64]MapEntry),
		slaves:  make(map[uint64]uint64),
	}
}

// Put records master → slave. Fails if either side is already mapped.
func (m *PositionMap) Put(master, slave uint64, symbol string) error {
	if _, ok := m.entries[master]; ok {
		return fmt.Errorf("master ticket %d already mapped", master)
	}
	if other, ok := m.slaves[slave]; ok {
		return fmt.Errorf("slave ticket %d already mapped to master %d", slave, other)
	}
	m.entries[master] = MapEntry{Slave: slave, Symbol: symbol}
	m.slaves[slave] = master
	return nil
}

// Get returns the entry for a master ticket.
func (m *PositionMap) Get(master uint64) (MapEntry, bool) {
	e, ok := m.entries[master]
	return e, ok
}

// Delete removes the mapping for a master ticket.
func (m *PositionMap) Delete(master uint64) {
	if e, ok := m.entries[master]; ok {
		delete(m.slaves, e.Slave)
		delete(m.entries, master)
	}
}

// Len returns the number of live mappings.
func (m *PositionMap) Len() int { return len(m.entries) }

// StaleMasters returns mapped master tickets absent from the given live set,
// sorted ascending. These are slave positions whose master side is gone —
// closes that previously failed and must be reconciled.
func (m *PositionMap) StaleMasters(live map[uint64]struct{}) []uint64 {
	var stale []uint64
	for master := range m.entries {
		if _, ok := live[master]; !ok {
			stale = append(stale, master)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}
