// Package market assembles the enrichment context of a signal request: the
// latest price, indicators over the per-symbol price window, the FX session
// and the requesting account's activity.
package market

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mt5-bridge/internal/indicator"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/markethours"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/ringbuf"
)

// Price sources reported in MarketContext.PriceSrc.
const (
	SourceQuote   = "quote"
	SourceRequest = "request"
	SourceHistory = "history"
	SourceNone    = "none"
)

// DefaultWindow is the number of prices kept per symbol.
const DefaultWindow = 256

type series struct {
	window *ringbuf.Window
	inds   *indicator.Set
}

type account struct {
	inFlight int
	executed int64
}

// Store keeps per-symbol price history and per-account activity.
// Safe for concurrent use.
type Store struct {
	windowSize int
	configs    []indicator.Config
	quotes     QuoteSource // optional
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	symbols  map[string]*series
	accounts map[string]*account
}

// Option configures a Store.
type Option func(*Store)

// WithQuotes adds a live quote source consulted before request prices.
func WithQuotes(q QuoteSource) Option { return func(s *Store) { s.quotes = q } }

// WithIndicators replaces the default indicator set.
func WithIndicators(cfgs []indicator.Config) Option {
	return func(s *Store) { s.configs = cfgs }
}

// WithWindow sets the per-symbol history size.
func WithWindow(n int) Option { return func(s *Store) { s.windowSize = n } }

// NewStore creates an empty Store.
func NewStore(log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = logger.Discard()
	}
	s := &Store{
		windowSize: DefaultWindow,
		configs:    indicator.DefaultConfigs,
		log:        log.With("component", "market"),
		now:        time.Now,
		symbols:    make(map[string]*series),
		accounts:   make(map[string]*account),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records a price for symbol.
func (s *Store) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.observeLocked(strings.ToUpper(symbol), price)
	s.mu.Unlock()
}

func (s *Store) observeLocked(symbol string, price float64) {
	sr, ok := s.symbols[symbol]
	if !ok {
		sr = &series{window: ringbuf.New(s.windowSize), inds: indicator.NewSet(s.configs)}
		s.symbols[symbol] = sr
	}
	sr.window.Push(price)
	sr.inds.Update(price)
}

// Begin marks a signal of accountID as in flight.
func (s *Store) Begin(accountID string) {
	s.mu.Lock()
	s.accountLocked(accountID).inFlight++
	s.mu.Unlock()
}

// End clears an in-flight signal, counting it if it executed.
func (s *Store) End(accountID string, executed bool) {
	s.mu.Lock()
	a := s.accountLocked(accountID)
	if a.inFlight > 0 {
		a.inFlight--
	}
	if executed {
		a.executed++
	}
	s.mu.Unlock()
}

func (s *Store) accountLocked(id string) *account {
	a, ok := s.accounts[id]
	if !ok {
		a = &account{}
		s.accounts[id] = a
	}
	return a
}

// Snapshot implements model.MarketData. It fails only when ctx ends before
// the context is assembled; an unavailable quote source degrades to the
// request price.
func (s *Store) Snapshot(ctx context.Context, req model.SignalRequest) (model.MarketContext, error) {
	if err := ctx.Err(); err != nil {
		return model.MarketContext{}, err
	}
	symbol := strings.ToUpper(req.Symbol)

	var (
		quote    float64
		hasQuote bool
	)
	if s.quotes != nil {
		p, ok, err := s.quotes.Latest(ctx, symbol)
		switch {
		case err != nil && ctx.Err() != nil:
			return model.MarketContext{}, ctx.Err()
		case err != nil:
			logger.FromContext(ctx, s.log).Warn("quote source unavailable", "symbol", symbol, "error", err)
		default:
			quote, hasQuote = p, ok
		}
	}

	now := s.now()
	mc := model.MarketContext{
		Symbol:  symbol,
		Session: string(markethours.Current(now)),
		AsOf:    now,
	}

	s.mu.Lock()
	switch {
	case hasQuote:
		mc.Price, mc.PriceSrc = quote, SourceQuote
		s.observeLocked(symbol, quote)
	case req.Price > 0:
		mc.Price, mc.PriceSrc = req.Price, SourceRequest
		s.observeLocked(symbol, req.Price)
	default:
		mc.PriceSrc = SourceNone
		if sr, ok := s.symbols[symbol]; ok {
			if last, ok := sr.window.Last(); ok {
				mc.Price, mc.PriceSrc = last, SourceHistory
			}
		}
	}
	if sr, ok := s.symbols[symbol]; ok {
		mc.Indicators = sr.inds.Values()
	} else {
		mc.Indicators = map[string]float64{}
	}
	a := s.accountLocked(req.AccountID)
	mc.Account = model.AccountState{AccountID: req.AccountID, InFlight: a.inFlight, Executed: a.executed}
	s.mu.Unlock()

	return mc, nil
}

// History returns the stored prices for symbol, oldest first.
func (s *Store) History(symbol string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	return sr.window.Values()
}

// Account returns the activity counters of accountID.
func (s *Store) Account(accountID string) model.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return model.AccountState{AccountID: accountID}
	}
	return model.AccountState{AccountID: accountID, InFlight: a.inFlight, Executed: a.executed}
}
