// Package session supervises one broker session per follower account.
//
// The supervisor reconnects lazily: a failed session is only retried when the
// replicator next needs it, and no more often than once per 2 seconds. A fatal
// authentication failure parks the session in PermanentlyFailed — the engine
// stops dispatching to the follower until it is re-registered.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"copytrader/internal/broker"
)

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// ErrPermanentlyFailed is returned by Acquire once a session has hit a fatal
// auth failure. Only re-registration clears it.
var ErrPermanentlyFailed = errors.New("session: permanently failed, re-register to retry")

// errRetryThrottled is returned when a failed session is asked for again
// before the retry bucket has refilled.
var errRetryThrottled = errors.New("session: reconnect throttled")

// RetryThrottled reports whether an Acquire failure was only a throttled
// reconnect, i.e. worth trying again on a later tick without any alerting.
func RetryThrottled(err error) bool { return errors.Is(err, errRetryThrottled) }

// Supervisor wraps one broker.Session with lazy, throttled reconnection.
type Supervisor struct {
	login  string
	sess   broker.Session
	logger *slog.Logger

	// onAuthFailed fires exactly once, on the transition to PermanentlyFailed.
	onAuthFailed func(login string)

	mu     sync.Mutex
	state  State
	bucket *retryBucket
}

// NewSupervisor wraps sess. onAuthFailed may be nil.
func NewSupervisor(login string, sess broker.Session, onAuthFailed func(login string), logger *slog.Logger) *Supervisor {
	return &Supervisor{
		login:        login,
		sess:         sess,
		logger:       logger.With("component", "session", "login", login),
		onAuthFailed: onAuthFailed,
		state:        Disconnected,
		bucket:       newRetryBucket(1, 0.5), // 1 token / 2s
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire returns a connected session, reconnecting first if needed.
// Reconnects after failure are throttled; a throttled acquire fails fast so
// the tick is not stalled waiting on a known-bad session.
func (s *Supervisor) Acquire(ctx context.Context) (broker.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
		return s.sess, nil
	case PermanentlyFailed:
		return nil, ErrPermanentlyFailed
	case Failed:
		if !s.bucket.TryTake() {
			return nil, errRetryThrottled
		}
	case Disconnected, Connecting:
		// First use or a prior acquire that never completed: connect now.
	}

	s.state = Connecting
	if err := s.sess.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrAuthFailed) {
			s.state = PermanentlyFailed
			s.logger.Error("authentication failed, not retrying")
			if s.onAuthFailed != nil {
				s.onAuthFailed(s.login)
			}
			return nil, fmt.Errorf("%w: %w", ErrPermanentlyFailed, err)
		}
		s.state = Failed
		return nil, fmt.Errorf("connect: %w", err)
	}

	s.state = Connected
	return s.sess, nil
}

// MarkFailed records an operation failure so the next Acquire reconnects.
// Auth failures transition straight to PermanentlyFailed.
func (s *Supervisor) MarkFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == PermanentlyFailed {
		return
	}
	if errors.Is(err, broker.ErrAuthFailed) {
		s.state = PermanentlyFailed
		s.logger.Error("authentication failed, not retrying")
		if s.onAuthFailed != nil {
			s.onAuthFailed(s.login)
		}
		return
	}
	s.state = Failed
}

// Disconnect releases the underlying session. Idempotent.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected || s.state == Failed {
		s.sess.Disconnect()
	}
	if s.state != PermanentlyFailed {
		s.state = Disconnected
	}
}
