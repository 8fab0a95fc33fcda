package mt5

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/broker"
	"copytrader/pkg/types"
)

// quoteMaxAge is how old a streamed quote may be before the REST fallback
// is consulted instead.
const quoteMaxAge = 2 * time.Second

// session is one logical account login routed through the shared Terminal.
type session struct {
	term  *Terminal
	creds broker.Credentials
}

// positionJSON is the bridge's wire shape for an open position.
type positionJSON struct {
	Ticket    uint64  `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      int     `json:"type"` // 0=BUY, 1=SELL
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     uint64  `json:"magic"`
	Time      int64   `json:"time"` // unix seconds
}

func (p positionJSON) toDomain() types.Position {
	side := types.Buy
	if p.Type == 1 {
		side = types.Sell
	}
	return types.Position{
		Ticket:    p.Ticket,
		Symbol:    p.Symbol,
		Side:      side,
		Volume:    p.Volume,
		PriceOpen: p.PriceOpen,
		SL:        p.SL,
		TP:        p.TP,
		Magic:     p.Magic,
		OpenedAt:  time.Unix(p.Time, 0).UTC(),
	}
}

// tradeResult is the bridge's wire shape for order_send-style responses.
type tradeResult struct {
	Retcode int    `json:"retcode"`
	Order   uint64 `json:"order"`
}

func (s *session) Connect(ctx context.Context) error {
	if err := s.term.acquire(ctx); err != nil {
		return err
	}
	defer s.term.release()

	// Always perform a real login so bad credentials surface at registration.
	if err := s.term.login(ctx, s.creds); err != nil {
		s.term.current = ""
		return err
	}
	s.term.current = s.creds.Login
	return nil
}

func (s *session) ReadState(ctx context.Context) (map[uint64]types.Position, error) {
	var out map[uint64]types.Position
	err := s.term.do(ctx, s.creds, func(ctx context.Context) error {
		var result struct {
			Positions []positionJSON `json:"positions"`
		}
		resp, err := s.term.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/positions")
		if err != nil {
			return mapTransportErr(ctx, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("read positions: status %d: %w", resp.StatusCode(), broker.ErrUnreachable)
		}

		out = make(map[uint64]types.Position, len(result.Positions))
		for _, p := range result.Positions {
			out[p.Ticket] = p.toDomain()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *session) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	var info types.SymbolInfo
	err := s.term.do(ctx, s.creds, func(ctx context.Context) error {
		resp, err := s.term.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&info).
			Get("/symbol_info")
		if err != nil {
			return mapTransportErr(ctx, err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			return nil
		case http.StatusNotFound:
			return fmt.Errorf("symbol %s: %w", symbol, broker.ErrSymbolUnknown)
		default:
			return fmt.Errorf("symbol_info %s: status %d: %w", symbol, resp.StatusCode(), broker.ErrUnreachable)
		}
	})
	return info, err
}

func (s *session) Open(ctx context.Context, req broker.OpenRequest) (uint64, error) {
	if s.term.dryRun {
		ticket := s.term.fakeTicket.Add(1)
		s.term.logger.Info("DRY-RUN: would open position",
			"login", s.creds.Login,
			"symbol", req.Symbol,
			"side", req.Side,
			"volume", req.Volume,
		)
		return ticket, nil
	}

	var ticket uint64
	err := s.term.do(ctx, s.creds, func(ctx context.Context) error {
		// Open-BUY fills at ask, open-SELL at bid.
		quote, err := s.quote(ctx, req.Symbol)
		if err != nil {
			return err
		}
		price := quote.Ask
		if req.Side == types.Sell {
			price = quote.Bid
		}

		body := map[string]any{
			"request_id":   uuid.NewString(),
			"action":       "deal",
			"symbol":       req.Symbol,
			"side":         string(req.Side),
			"volume":       req.Volume,
			"price":        price,
			"sl":           req.SL,
			"tp":           req.TP,
			"deviation":    req.Deviation,
			"magic":        req.Magic,
			"comment":      req.Comment,
			"type_time":    "gtc",
			"type_filling": "ioc",
		}

		var result tradeResult
		resp, err := s.term.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			Post("/order_send")
		if err != nil {
			return mapTransportErr(ctx, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("order_send: status %d: %w", resp.StatusCode(), broker.ErrUnreachable)
		}
		if err := mapRetcode(result.Retcode); err != nil {
			return err
		}
		ticket = result.Order
		return nil
	})
	return ticket, err
}

func (s *session) Close(ctx context.Context, req broker.CloseRequest) error {
	if s.term.dryRun {
		s.term.logger.Info("DRY-RUN: would close position",
			"login", s.creds.Login,
			"ticket", req.Ticket,
		)
		return nil
	}

	return s.term.do(ctx, s.creds, func(ctx context.Context) error {
		pos, err := s.positionByTicket(ctx, req.Ticket)
		if err != nil {
			return err
		}

		// Closing a BUY sells at bid; closing a SELL buys at ask.
		quote, err := s.quote(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		price := quote.Bid
		if pos.Side == types.Sell {
			price = quote.Ask
		}

		body := map[string]any{
			"request_id":   uuid.NewString(),
			"ticket":       req.Ticket,
			"symbol":       pos.Symbol,
			"volume":       pos.Volume,
			"price":        price,
			"deviation":    req.Deviation,
			"magic":        req.Magic,
			"comment":      req.Comment,
			"type_time":    "gtc",
			"type_filling": "ioc",
		}

		var result tradeResult
		resp, err := s.term.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			Post("/position_close")
		if err != nil {
			return mapTransportErr(ctx, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("position_close: status %d: %w", resp.StatusCode(), broker.ErrUnreachable)
		}
		return mapRetcode(result.Retcode)
	})
}

func (s *session) Modify(ctx context.Context, ticket uint64, sl, tp float64) error {
	if s.term.dryRun {
		s.term.logger.Info("DRY-RUN: would modify position",
			"login", s.creds.Login,
			"ticket", ticket,
			"sl", sl,
			"tp", tp,
		)
		return nil
	}

	return s.term.do(ctx, s.creds, func(ctx context.Context) error {
		body := map[string]any{
			"ticket": ticket,
			"sl":     sl,
			"tp":     tp,
		}

		var result tradeResult
		resp, err := s.term.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			Post("/position_modify")
		if err != nil {
			return mapTransportErr(ctx, err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			return mapRetcode(result.Retcode)
		case http.StatusNotFound:
			return fmt.Errorf("modify %d: %w", ticket, broker.ErrNotFound)
		default:
			return fmt.Errorf("position_modify: status %d: %w", resp.StatusCode(), broker.ErrUnreachable)
		}
	})
}

// Disconnect drops the terminal's tracked identity if this session owns it,
// forcing a fresh login on the next operation. Idempotent.
func (s *session) Disconnect() {
	s.term.sem <- struct{}{}
	if s.term.current == s.creds.Login {
		s.term.current = ""
	}
	s.term.release()
}

// positionByTicket fetches the slave position behind a ticket. Must be called
// while holding the terminal as this account.
func (s *session) positionByTicket(ctx context.Context, ticket uint64) (types.Position, error) {
	var result struct {
		Positions []positionJSON `json:"positions"`
	}
	resp, err := s.term.http.R().
		SetContext(ctx).
		SetQueryParam("ticket", fmt.Sprintf("%d", ticket)).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return types.Position{}, mapTransportErr(ctx, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Position{}, fmt.Errorf("position %d: status %d: %w", ticket, resp.StatusCode(), broker.ErrUnreachable)
	}
	if len(result.Positions) == 0 {
		return types.Position{}, fmt.Errorf("position %d: %w", ticket, broker.ErrNotFound)
	}
	return result.Positions[0].toDomain(), nil
}

// quote returns the freshest bid/ask for a symbol: the streamed cache when
// recent enough, otherwise a REST read. No quote from either means ErrNoTick.
func (s *session) quote(ctx context.Context, symbol string) (Quote, error) {
	if s.term.ticks != nil {
		s.term.ticks.Subscribe(symbol)
		if q, ok := s.term.ticks.Quote(symbol, quoteMaxAge); ok {
			return q, nil
		}
	}

	var q Quote
	resp, err := s.term.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&q).
		Get("/tick")
	if err != nil {
		return Quote{}, mapTransportErr(ctx, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		if q.Bid == 0 && q.Ask == 0 {
			return Quote{}, fmt.Errorf("tick %s: %w", symbol, broker.ErrNoTick)
		}
		return q, nil
	case http.StatusNotFound:
		return Quote{}, fmt.Errorf("tick %s: %w", symbol, broker.ErrNoTick)
	default:
		return Quote{}, fmt.Errorf("tick %s: status %d: %w", symbol, resp.StatusCode(), broker.ErrUnreachable)
	}
}
