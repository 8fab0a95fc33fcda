package replicator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"copytrader/internal/broker"
	"copytrader/internal/session"
	"copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSession is an in-memory broker.Session recording every trade call.
type fakeSession struct {
	mu sync.Mutex

	connectErr error
	symbolErr  error
	info       types.SymbolInfo
	openErr    error
	closeErr   error
	modifyErr  error

	nextTicket  uint64
	opens       []broker.OpenRequest
	closes      []broker.CloseRequest
	modifies    []modifyCall
	symbolCalls int
}

type modifyCall struct {
	ticket uint64
	sl, tp float64
}

var _ broker.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		info:       types.SymbolInfo{Symbol: "EURUSD", VolumeMin: 0.01, VolumeStep: 0.01, Digits: 5},
		nextTicket: 9000,
	}
}

func (s *fakeSession) Connect(ctx context.Context) error { return s.connectErr }

func (s *fakeSession) ReadState(ctx context.Context) (map[uint64]types.Position, error) {
	return nil, nil
}

func (s *fakeSession) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolCalls++
	if s.symbolErr != nil {
		return types.SymbolInfo{}, s.symbolErr
	}
	info := s.info
	info.Symbol = symbol
	return info, nil
}

func (s *fakeSession) Open(ctx context.Context, req broker.OpenRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return 0, s.openErr
	}
	s.nextTicket++
	s.opens = append(s.opens, req)
	return s.nextTicket, nil
}

func (s *fakeSession) Close(ctx context.Context, req broker.CloseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closes = append(s.closes, req)
	return nil
}

func (s *fakeSession) Modify(ctx context.Context, ticket uint64, sl, tp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modifyErr != nil {
		return s.modifyErr
	}
	s.modifies = append(s.modifies, modifyCall{ticket: ticket, sl: sl, tp: tp})
	return nil
}

func (s *fakeSession) Disconnect() {}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []types.Notification
}

func (n *captureNotifier) SendToUser(userID string, msg types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *captureNotifier) byType(t string) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.Notification
	for _, m := range n.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type captureSink struct {
	mu   sync.Mutex
	recs []types.CopyRecord
}

func (s *captureSink) Append(rec types.CopyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) all() []types.CopyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CopyRecord(nil), s.recs...)
}

type testRig struct {
	rep    *Replicator
	sess   *fakeSession
	fs     *FollowerState
	notes  *captureNotifier
	sink   *captureSink
	cancel context.CancelFunc
}

func newRig(t *testing.T, f types.Follower) *testRig {
	t.Helper()
	sess := newFakeSession()
	sup := session.NewSupervisor(f.Login, sess, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notes := &captureNotifier{}
	sink := &captureSink{}
	rep := New(Config{MagicNumber: 99999, Deviation: 10, OpDeadline: time.Second}, notes, sink, testLogger())
	return &testRig{
		rep:    rep,
		sess:   sess,
		fs:     NewFollowerState(ctx, f, sup),
		notes:  notes,
		sink:   sink,
		cancel: cancel,
	}
}

func defaultFollower() types.Follower {
	return types.Follower{
		ID: 1, UserID: 42, Login: "700100",
		LotMultiplier: 0.5, CopyEnabled: true,
	}
}

func snapOf(positions ...types.Position) types.MasterSnapshot {
	m := make(map[uint64]types.Position, len(positions))
	for _, p := range positions {
		m[p.Ticket] = p
	}
	return types.MasterSnapshot{Positions: m, CapturedAt: time.Now()}
}

func TestApplyOpenReplicatesWithMultiplier(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 101, Symbol: "EURUSD", Side: types.Buy, Volume: 1.0, SL: 1.05, TP: 1.15}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))

	if len(rig.sess.opens) != 1 {
		t.Fatalf("got %d opens, want 1", len(rig.sess.opens))
	}
	req := rig.sess.opens[0]
	if req.Volume != 0.50 {
		t.Errorf("volume = %v, want 0.50", req.Volume)
	}
	if req.Comment != "COPY:101" {
		t.Errorf("comment = %q, want COPY:101", req.Comment)
	}
	if req.Magic != 99999 || req.Deviation != 10 {
		t.Errorf("magic/deviation = %d/%d", req.Magic, req.Deviation)
	}
	if req.SL != 1.05 || req.TP != 1.15 {
		t.Errorf("sl/tp not carried: %v/%v", req.SL, req.TP)
	}

	entry, ok := rig.fs.Positions().Get(101)
	if !ok {
		t.Fatal("no map entry after successful open")
	}
	if entry.Slave == 0 || entry.Symbol != "EURUSD" {
		t.Errorf("bad map entry: %+v", entry)
	}

	if got := rig.notes.byType(types.NotifyTradeOpened); len(got) != 1 {
		t.Errorf("got %d trade_opened notifications, want 1", len(got))
	}
	recs := rig.sink.all()
	if len(recs) != 1 || !recs[0].Success || recs[0].MasterTicket != 101 {
		t.Errorf("bad copy record: %+v", recs)
	}
}

func TestApplyOpenClampsToVolumeMin(t *testing.T) {
	t.Parallel()
	f := defaultFollower()
	f.LotMultiplier = 0.1
	rig := newRig(t, f)
	// 0.01 × 0.1 rounds to 0.00, below the 0.01 minimum.
	pos := types.Position{Ticket: 102, Symbol: "EURUSD", Side: types.Sell, Volume: 0.01}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))

	if len(rig.sess.opens) != 1 {
		t.Fatalf("got %d opens, want 1", len(rig.sess.opens))
	}
	if got := rig.sess.opens[0].Volume; got != 0.01 {
		t.Errorf("volume = %v, want min lot 0.01", got)
	}
}

func TestApplyOpenIdempotent(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 103, Symbol: "EURUSD", Side: types.Buy, Volume: 0.2}
	events := []types.Event{{Type: types.EventOpened, Position: pos}}

	rig.rep.Apply(rig.fs, events, snapOf(pos))
	rig.rep.Apply(rig.fs, events, snapOf(pos))

	if len(rig.sess.opens) != 1 {
		t.Errorf("mapped master re-opened: %d opens", len(rig.sess.opens))
	}
}

func TestApplyOpenRejectedIsolatedPerFollower(t *testing.T) {
	t.Parallel()
	pos := types.Position{Ticket: 104, Symbol: "EURUSD", Side: types.Buy, Volume: 1.0}
	events := []types.Event{{Type: types.EventOpened, Position: pos}}
	snap := snapOf(pos)

	ok := newRig(t, defaultFollower())

	bad := defaultFollower()
	bad.ID, bad.UserID, bad.Login = 2, 43, "700200"
	rejected := newRig(t, bad)
	rejected.sess.openErr = &broker.RejectedError{Code: 10006}

	ok.rep.Apply(ok.fs, events, snap)
	rejected.rep.Apply(rejected.fs, events, snap)

	if _, mapped := ok.fs.Positions().Get(104); !mapped {
		t.Error("healthy follower not mapped")
	}
	if _, mapped := rejected.fs.Positions().Get(104); mapped {
		t.Error("rejected open must not create a map entry")
	}

	errs := rejected.notes.byType(types.NotifyReplicationError)
	if len(errs) != 1 || errs[0].Code != 10006 {
		t.Fatalf("want one replication_error with code 10006, got %+v", errs)
	}
	if _, queued := rejected.fs.retry[104]; !queued {
		t.Error("rejected open not parked for retry")
	}

	// Next tick re-fires the parked open without a fresh diff event.
	rejected.sess.openErr = nil
	rejected.rep.Apply(rejected.fs, nil, snap)
	if _, mapped := rejected.fs.Positions().Get(104); !mapped {
		t.Error("retry tick did not open the position")
	}
	if _, queued := rejected.fs.retry[104]; queued {
		t.Error("retry entry not cleared after success")
	}
}

func TestApplyOpenSymbolUnknownBlocksOnce(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	rig.sess.symbolErr = broker.ErrSymbolUnknown
	pos := types.Position{Ticket: 105, Symbol: "XAUUSD.x", Side: types.Buy, Volume: 0.1}
	events := []types.Event{{Type: types.EventOpened, Position: pos}}

	rig.rep.Apply(rig.fs, events, snapOf(pos))
	rig.rep.Apply(rig.fs, events, snapOf(pos))

	if rig.sess.symbolCalls != 1 {
		t.Errorf("blocked symbol looked up %d times, want 1", rig.sess.symbolCalls)
	}
	if _, queued := rig.fs.retry[105]; queued {
		t.Error("symbol-unknown open must not be retried")
	}
	if len(rig.sess.opens) != 0 {
		t.Errorf("open attempted on unknown symbol: %d", len(rig.sess.opens))
	}
}

func TestApplyCloseDeletesMapping(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 106, Symbol: "EURUSD", Side: types.Buy, Volume: 0.3}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))
	entry, _ := rig.fs.Positions().Get(106)

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventClosed, Position: pos}}, snapOf())

	if len(rig.sess.closes) != 1 {
		t.Fatalf("got %d closes, want 1", len(rig.sess.closes))
	}
	req := rig.sess.closes[0]
	if req.Ticket != entry.Slave {
		t.Errorf("closed ticket %d, want slave %d", req.Ticket, entry.Slave)
	}
	if req.Comment != "CLOSE_COPY:106" {
		t.Errorf("comment = %q, want CLOSE_COPY:106", req.Comment)
	}
	if rig.fs.Positions().Len() != 0 {
		t.Error("mapping survived the close")
	}
	if got := rig.notes.byType(types.NotifyTradeClosed); len(got) != 1 {
		t.Errorf("got %d trade_closed notifications, want 1", len(got))
	}
}

func TestApplyCloseOrphanRecordedNotSent(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 107, Symbol: "GBPUSD", Side: types.Sell, Volume: 0.5}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventClosed, Position: pos}}, snapOf())

	if len(rig.sess.closes) != 0 {
		t.Errorf("orphan close hit the broker: %d calls", len(rig.sess.closes))
	}
	recs := rig.sink.all()
	if len(recs) != 1 || !recs[0].Success || recs[0].Message != "close_orphan" {
		t.Errorf("bad orphan record: %+v", recs)
	}
}

func TestApplyReconcilesStaleMapping(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 108, Symbol: "EURUSD", Side: types.Buy, Volume: 0.4}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))

	// The close event was consumed on a tick where the broker was down.
	rig.sess.closeErr = broker.ErrUnreachable
	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventClosed, Position: pos}}, snapOf())
	if rig.fs.Positions().Len() != 1 {
		t.Fatal("failed close must keep the mapping")
	}

	// A later event-free tick sweeps the stale mapping; the supervisor's
	// retry bucket starts full, so the reconnect goes through at once.
	rig.sess.closeErr = nil
	rig.rep.Apply(rig.fs, nil, snapOf())

	if rig.fs.Positions().Len() != 0 {
		t.Error("stale mapping not reconciled")
	}
	if len(rig.sess.closes) != 1 {
		t.Errorf("got %d successful closes, want 1", len(rig.sess.closes))
	}
}

func TestApplyModifyForwardsSLTP(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 109, Symbol: "EURUSD", Side: types.Buy, Volume: 0.2}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))
	entry, _ := rig.fs.Positions().Get(109)

	mod := pos
	mod.SL, mod.TP = 1.0810, 1.1090
	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventModified, Position: mod}}, snapOf(mod))

	if len(rig.sess.modifies) != 1 {
		t.Fatalf("got %d modifies, want 1", len(rig.sess.modifies))
	}
	m := rig.sess.modifies[0]
	if m.ticket != entry.Slave || m.sl != 1.0810 || m.tp != 1.1090 {
		t.Errorf("bad modify call: %+v", m)
	}
	if got := rig.notes.byType(types.NotifyTradeModified); len(got) != 1 {
		t.Errorf("got %d trade_modified notifications, want 1", len(got))
	}
}

func TestApplyModifyUnmappedIsNoop(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	pos := types.Position{Ticket: 110, Symbol: "EURUSD", SL: 1.1}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventModified, Position: pos}}, snapOf(pos))

	if len(rig.sess.modifies) != 0 {
		t.Errorf("unmapped modify reached the broker: %d calls", len(rig.sess.modifies))
	}
	if len(rig.sink.all()) != 0 {
		t.Errorf("unmapped modify produced records: %+v", rig.sink.all())
	}
}

func TestApplySkipsDisabledFollower(t *testing.T) {
	t.Parallel()
	f := defaultFollower()
	f.CopyEnabled = false
	rig := newRig(t, f)
	pos := types.Position{Ticket: 111, Symbol: "EURUSD", Side: types.Buy, Volume: 1.0}

	rig.rep.Apply(rig.fs, []types.Event{{Type: types.EventOpened, Position: pos}}, snapOf(pos))

	if len(rig.sess.opens) != 0 {
		t.Errorf("disabled follower traded: %d opens", len(rig.sess.opens))
	}
}

func TestApplyOpenAuthFailureParksSession(t *testing.T) {
	t.Parallel()
	rig := newRig(t, defaultFollower())
	rig.sess.connectErr = broker.ErrAuthFailed
	pos := types.Position{Ticket: 112, Symbol: "EURUSD", Side: types.Buy, Volume: 1.0}
	events := []types.Event{{Type: types.EventOpened, Position: pos}}

	rig.rep.Apply(rig.fs, events, snapOf(pos))

	if got := rig.fs.Sup.State(); got != session.PermanentlyFailed {
		t.Errorf("supervisor state = %v, want permanently failed", got)
	}
	// Later ticks skip the follower without new records or alerts.
	before := len(rig.sink.all())
	rig.rep.Apply(rig.fs, events, snapOf(pos))
	if got := len(rig.sink.all()); got != before {
		t.Errorf("permanently failed follower still producing records: %d -> %d", before, got)
	}
}

func TestSizeVolume(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                            string
		master, mult, maxLot, volumeMin float64
		want                            float64
		adjusted                        bool
	}{
		{"plain multiply", 1.0, 0.5, 0, 0.01, 0.50, false},
		{"zero mult means one", 0.30, 0, 0, 0.01, 0.30, false},
		{"rounds to two decimals", 0.10, 0.333, 0, 0.01, 0.03, false},
		{"clamped to min", 0.01, 0.1, 0, 0.01, 0.01, true},
		{"capped at max lot", 10.0, 1.0, 2.0, 0.01, 2.0, false},
		{"cap then min untouched", 0.05, 1.0, 1.0, 0.01, 0.05, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, adjusted := SizeVolume(tc.master, tc.mult, tc.maxLot, tc.volumeMin)
			if got != tc.want || adjusted != tc.adjusted {
				t.Errorf("SizeVolume(%v, %v, %v, %v) = (%v, %v), want (%v, %v)",
					tc.master, tc.mult, tc.maxLot, tc.volumeMin, got, adjusted, tc.want, tc.adjusted)
			}
		})
	}
}

func TestPositionMapInjective(t *testing.T) {
	t.Parallel()
	m := NewPositionMap()
	if err := m.Put(1, 100, "EURUSD"); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(2, 100, "EURUSD"); err == nil {
		t.Error("duplicate slave ticket accepted")
	}
	if err := m.Put(1, 200, "EURUSD"); err == nil {
		t.Error("duplicate master ticket accepted")
	}
	m.Delete(1)
	if err := m.Put(2, 100, "EURUSD"); err != nil {
		t.Errorf("slave ticket not freed by delete: %v", err)
	}
}

func TestPositionMapStaleMasters(t *testing.T) {
	t.Parallel()
	m := NewPositionMap()
	for _, tk := range []uint64{5, 3, 9} {
		if err := m.Put(tk, tk+1000, "EURUSD"); err != nil {
			t.Fatal(err)
		}
	}
	live := map[uint64]struct{}{5: {}}
	got := m.StaleMasters(live)
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Errorf("StaleMasters = %v, want [3 9]", got)
	}
}