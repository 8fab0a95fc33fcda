// Package copylog persists append-only replication records for observability.
//
// Sinks must never block or fail replication: Append is fire-and-forget and
// write errors are logged, not returned to the replicator. Two sinks are
// provided — a JSON-lines file (always cheap, crash-tolerant) and a batched
// Postgres writer — plus a fan-out combining several.
package copylog

import "copytrader/pkg/types"

// Sink receives copy-log records.
type Sink interface {
	Append(rec types.CopyRecord)
	Close() error
}

// Nop discards all records.
type Nop struct{}

func (Nop) Append(types.CopyRecord) {}
func (Nop) Close() error            { return nil }

// Multi fans each record out to all member sinks.
type Multi []Sink

func (m Multi) Append(rec types.CopyRecord) {
	for _, s := range m {
		s.Append(rec)
	}
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
