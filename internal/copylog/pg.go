package copylog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copytrader/pkg/types"
)

// maxPendingRecords bounds the in-memory batch. When the database falls
// behind, the oldest records are dropped — persistence is for observability
// and must never apply backpressure to replication.
const maxPendingRecords = 10000

const insertRecordSQL = `
INSERT INTO copy_log
  (id, account_id, event_type, master_ticket, slave_ticket, symbol, volume, success, message, latency_ms, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// PGSink batches copy records into the copy_log table. Appends only stage
// the record in memory; a background loop flushes when the batch fills or the
// flush interval elapses.
type PGSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []types.CopyRecord
	dropped uint64

	kick   chan struct{} // signals a full batch to the flush loop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenPG connects the pool and starts the flush loop.
func OpenPG(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration, logger *slog.Logger) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PGSink{
		pool:          pool,
		logger:        logger.With("component", "copylog_pg"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		kick:          make(chan struct{}, 1),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop(loopCtx)
	}()

	return s, nil
}

func (s *PGSink) Append(rec types.CopyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= maxPendingRecords {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, rec)

	if len(s.pending) >= s.batchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Close flushes what it can and releases the pool.
func (s *PGSink) Close() error {
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx)

	s.pool.Close()
	return nil
}

func (s *PGSink) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.kick:
			s.flush(ctx)
		}
	}
}

func (s *PGSink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("copy-log records dropped, database falling behind", "dropped", dropped)
	}

	pgb := &pgx.Batch{}
	for _, rec := range batch {
		var slave any
		if rec.SlaveTicket != 0 {
			slave = rec.SlaveTicket
		}
		pgb.Queue(insertRecordSQL,
			rec.ID, rec.AccountID, string(rec.EventType), rec.MasterTicket, slave,
			rec.Symbol, rec.Volume, rec.Success, rec.Message, rec.LatencyMS, rec.At,
		)
	}

	if err := s.pool.SendBatch(ctx, pgb).Close(); err != nil {
		s.logger.Error("flush copy-log batch", "error", err, "records", len(batch))
		return
	}
	s.logger.Debug("copy-log batch flushed", "records", len(batch))
}
