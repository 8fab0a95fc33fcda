// ticks.go implements the streaming quote feed from the MT5 bridge.
//
// The bridge pushes bid/ask ticks for subscribed symbols over a WebSocket.
// The feed keeps the latest quote per symbol in a local cache; trade paths
// read from the cache and only fall back to a REST tick read when the cached
// quote is stale. The connection auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes to all tracked symbols.
package mt5

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	tickReadTimeout  = 90 * time.Second
	tickWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// Quote is the latest known bid/ask for a symbol.
type Quote struct {
	Bid float64   `json:"bid"`
	Ask float64   `json:"ask"`
	At  time.Time `json:"-"`
}

// tickMsg is the bridge's wire shape for one tick.
type tickMsg struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TimeMS int64   `json:"time_ms"`
}

// TickFeed maintains the WebSocket connection and the per-symbol quote cache.
type TickFeed struct {
	url   string
	token string

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quotesMu sync.RWMutex
	quotes   map[string]Quote

	logger *slog.Logger
}

// NewTickFeed creates a quote feed for the given bridge WS endpoint.
func NewTickFeed(wsURL, token string, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:        wsURL,
		token:      token,
		subscribed: make(map[string]bool),
		quotes:     make(map[string]Quote),
		logger:     logger.With("component", "ticks"),
	}
}

// Subscribe starts tracking a symbol. Safe to call repeatedly; already-tracked
// symbols are a no-op. Best-effort: if the connection is down, the symbol is
// included in the re-subscribe on reconnect.
func (f *TickFeed) Subscribe(symbol string) {
	f.subscribedMu.Lock()
	if f.subscribed[symbol] {
		f.subscribedMu.Unlock()
		return
	}
	f.subscribed[symbol] = true
	f.subscribedMu.Unlock()

	if err := f.writeJSON(map[string]any{"op": "subscribe", "symbols": []string{symbol}}); err != nil {
		f.logger.Debug("subscribe deferred until reconnect", "symbol", symbol, "error", err)
	}
}

// Quote returns the cached quote for symbol if it is younger than maxAge.
func (f *TickFeed) Quote(symbol string, maxAge time.Duration) (Quote, bool) {
	f.quotesMu.RLock()
	q, ok := f.quotes[symbol]
	f.quotesMu.RUnlock()
	if !ok || time.Since(q.At) > maxAge {
		return Quote{}, false
	}
	return q, true
}

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled.
func (f *TickFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("tick feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *TickFeed) connectAndRead(ctx context.Context) error {
	var header http.Header
	if f.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + f.token}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("tick feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(tickReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var tick tickMsg
		if err := json.Unmarshal(msg, &tick); err != nil {
			f.logger.Debug("ignoring non-tick ws message", "data", string(msg))
			continue
		}
		if tick.Symbol == "" {
			continue
		}

		// Staleness is judged by arrival time; bridge timestamps can lag on
		// illiquid symbols without making the quote unusable.
		f.quotesMu.Lock()
		f.quotes[tick.Symbol] = Quote{
			Bid: tick.Bid,
			Ask: tick.Ask,
			At:  time.Now(),
		}
		f.quotesMu.Unlock()
	}
}

func (f *TickFeed) resubscribe() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

func (f *TickFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("tick feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(tickWriteTimeout))
	return f.conn.WriteJSON(v)
}
