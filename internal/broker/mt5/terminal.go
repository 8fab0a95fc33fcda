// Package mt5 adapts an MT5 terminal to the broker.Session contract.
//
// The terminal itself is single-process-scoped: it holds at most one active
// login at a time, and every call operates on whichever account is currently
// logged in. The bridge (a small sidecar process wrapping the native terminal
// library) inherits that constraint, so this package routes ALL calls through
// a Terminal that owns one mutex and switches the active login before each
// logical session's operation. Master reads and follower trade operations
// therefore never interleave mid-call.
//
// Wire surface of the bridge:
//
//	POST /login            — switch the active terminal login
//	GET  /positions        — open positions of the active account
//	GET  /symbol_info      — volume_min/step/digits for a symbol
//	GET  /tick             — last bid/ask for a symbol (fallback for the WS feed)
//	POST /order_send       — market open (deal)
//	POST /position_close   — close by ticket
//	POST /position_modify  — SL/TP update
//	WS   /ws/ticks         — streaming bid/ask quotes (see ticks.go)
package mt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"copytrader/internal/broker"
	"copytrader/internal/config"
)

// MT5 trade server return codes.
const (
	retcodeDone    = 10009
	retcodeRequote = 10004
	retcodeNoTick  = 10021 // no quotes to process request
)

// Terminal owns the single-login constraint of the MT5 bridge. All sessions
// created from it serialize their calls through one semaphore and re-login
// as their own account before each operation.
type Terminal struct {
	http   *resty.Client
	ticks  *TickFeed
	logger *slog.Logger
	dryRun bool

	// sem is a 1-slot semaphore instead of a sync.Mutex so that waiting for
	// the terminal honors the caller's context deadline.
	sem chan struct{}

	// current is the login the terminal is authenticated as. Guarded by sem.
	current string

	fakeTicket atomic.Uint64 // dry-run ticket source
}

// NewTerminal creates the terminal gate and its tick feed.
func NewTerminal(cfg config.BridgeConfig, dryRun bool, logger *slog.Logger) *Terminal {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		httpClient.SetAuthToken(cfg.AuthToken)
	}

	t := &Terminal{
		http:   httpClient,
		logger: logger.With("component", "mt5"),
		dryRun: dryRun,
		sem:    make(chan struct{}, 1),
	}
	t.fakeTicket.Store(900000)
	if cfg.TickWSURL != "" {
		t.ticks = NewTickFeed(cfg.TickWSURL, cfg.AuthToken, logger)
	}
	return t
}

// Run maintains the streaming tick feed. Blocks until ctx is cancelled.
// Safe to skip when the bridge exposes no WS endpoint; quotes then come from
// the REST fallback.
func (t *Terminal) Run(ctx context.Context) error {
	if t.ticks == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return t.ticks.Run(ctx)
}

// Session returns a logical session bound to one account's credentials.
func (t *Terminal) Session(creds broker.Credentials) broker.Session {
	return &session{term: t, creds: creds}
}

// Factory returns a broker.Factory backed by this terminal.
func (t *Terminal) Factory() broker.Factory {
	return func(creds broker.Credentials) broker.Session {
		return t.Session(creds)
	}
}

// acquire takes the terminal semaphore, honoring ctx.
func (t *Terminal) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return wrapCtxErr(ctx.Err())
	}
}

func (t *Terminal) release() { <-t.sem }

// do runs fn while holding the terminal and logged in as creds. The login is
// switched only when the active account differs; a failed login clears the
// tracked identity so the next call retries from scratch.
func (t *Terminal) do(ctx context.Context, creds broker.Credentials, fn func(ctx context.Context) error) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if t.current != creds.Login {
		if err := t.login(ctx, creds); err != nil {
			t.current = ""
			return err
		}
		t.current = creds.Login
	}
	return fn(ctx)
}

func (t *Terminal) login(ctx context.Context, creds broker.Credentials) error {
	body := map[string]string{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}
	resp, err := t.http.R().SetContext(ctx).SetBody(body).Post("/login")
	if err != nil {
		return mapTransportErr(ctx, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("login %s: %w", creds.Login, broker.ErrAuthFailed)
	case http.StatusConflict, http.StatusLocked:
		return fmt.Errorf("login %s: %w", creds.Login, broker.ErrVendorBusy)
	default:
		return fmt.Errorf("login %s: status %d: %w", creds.Login, resp.StatusCode(), broker.ErrUnreachable)
	}
}

// mapTransportErr converts resty transport failures into broker sentinels.
func mapTransportErr(ctx context.Context, err error) error {
	if ctxErr := wrapCtxErr(ctx.Err()); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", broker.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", broker.ErrUnreachable, err)
}

func wrapCtxErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return broker.ErrTimeout
	default:
		return err
	}
}

// mapRetcode converts a non-done trade server retcode into a broker error.
func mapRetcode(code int) error {
	switch code {
	case retcodeDone:
		return nil
	case retcodeNoTick:
		return fmt.Errorf("retcode %d: %w", code, broker.ErrNoTick)
	default:
		return &broker.RejectedError{Code: code}
	}
}
