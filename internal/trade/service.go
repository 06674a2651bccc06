// Package trade runs market operations against the store: each one loads its
// entities, applies the market engine's state transition, moves value and
// appends to the ledger inside one transaction, then publishes an event once
// the transaction has committed.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vapor/market-engine/internal/address"
	"github.com/vapor/market-engine/internal/market"
	"github.com/vapor/market-engine/internal/metrics"
	"github.com/vapor/market-engine/internal/model"
	"github.com/vapor/market-engine/internal/store"
)

// ErrFaucetDisabled is returned by Faucet when no faucet amount is configured
// or markets are notional.
var ErrFaucetDisabled = errors.New("trade: faucet disabled")

// ErrInvalidRange is returned by History for an unknown window.
var ErrInvalidRange = errors.New("trade: range must be one of 1h, 24h, 7d, 30d, all")

// DefaultHistoryRange is the window History uses when none is given.
const DefaultHistoryRange = "24h"

// historyRanges maps each accepted window to its length. Zero means the
// whole ledger.
var historyRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"all": 0,
}

// Publisher receives events after commit.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Options configure market creation and settlement.
type Options struct {
	InitialLiquidity uint64
	// Authority resolves every market when set; otherwise the creator does.
	Authority string
	// ValueBearing moves deposits and payouts between user accounts and
	// per-market escrow accounts. Notional markets only track pools.
	ValueBearing bool
	FaucetAmount uint64
}

// Service handles market operations. Writers to one market are serialized by
// the store transaction and, across instances, by the optional Locker.
type Service struct {
	store  store.Store
	locker store.Locker
	pub    Publisher
	opts   Options
	now    func() time.Time
}

// NewService creates a new trade service. pub may be nil.
func NewService(st store.Store, pub Publisher, opts Options) *Service {
	return &Service{
		store: st,
		pub:   pub,
		opts:  opts,
		now:   time.Now,
	}
}

// WithLocker serializes writers per market through l before each transaction.
func (s *Service) WithLocker(l store.Locker) *Service {
	s.locker = l
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// --- Results ---

// MarketView is a market with its current implied odds.
type MarketView struct {
	model.Market
	Odds model.Odds `json:"odds"`
}

// PositionView is a position with the current state of its market.
type PositionView struct {
	model.Position
	MarketStatus model.MarketStatus `json:"market_status"`
	Resolution   *model.Side        `json:"resolution,omitempty"`
	Odds         model.Odds         `json:"odds"`
}

// TradeResult describes a committed buy, sell or claim.
type TradeResult struct {
	EntryID  string         `json:"entry_id"`
	Market   string         `json:"market"`
	User     string         `json:"user"`
	Side     model.Side     `json:"side"`
	Amount   uint64         `json:"amount,omitempty"`
	Shares   uint64         `json:"shares"`
	Payout   uint64         `json:"payout,omitempty"`
	Position model.Position `json:"position"`
	YesPool  uint64         `json:"yes_pool"`
	NoPool   uint64         `json:"no_pool"`
	Odds     model.Odds     `json:"odds"`
}

// HistoryPoint is one ledger entry with the odds its reserves imply.
type HistoryPoint struct {
	model.LedgerEntry
	Odds model.Odds `json:"odds"`
}

// PriceHistory is a market's trading history over a window, oldest first.
type PriceHistory struct {
	Market string         `json:"market"`
	Range  string         `json:"range"`
	Points []HistoryPoint `json:"history"`
}

func view(m *model.Market) MarketView {
	return MarketView{Market: *m, Odds: market.Odds(m)}
}

// --- Mutations ---

// CreateMarket opens a market for projectID. The market key derives from the
// project, so each project has at most one market.
func (s *Service) CreateMarket(ctx context.Context, creator string, projectID uint64, name string, resolutionTimestamp int64) (*MarketView, error) {
	key := address.Market(projectID)
	authority := s.opts.Authority
	if authority == "" {
		authority = creator
	}

	var created *model.Market
	err := s.run(ctx, "create", key, func(tx store.Tx) error {
		m, err := market.New(market.NewParams{
			Key:                 key,
			Authority:           authority,
			ProjectID:           projectID,
			ProjectName:         name,
			ResolutionTimestamp: resolutionTimestamp,
			InitialLiquidity:    s.opts.InitialLiquidity,
		}, s.now())
		if err != nil {
			return err
		}
		if err := tx.CreateMarket(ctx, m); err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"market", key,
		"project_id", projectID,
		"project", name,
		"authority", authority,
	)
	s.publish(ctx, model.Event{
		Type:      model.EventMarketCreated,
		Market:    key,
		ProjectID: projectID,
		Authority: authority,
		Timestamp: created.CreatedAt,
	})

	v := view(created)
	return &v, nil
}

// Buy deposits amount on side of the market and credits the minted shares
// to user's position.
func (s *Service) Buy(ctx context.Context, user, key string, side model.Side, amount uint64) (*TradeResult, error) {
	var res *TradeResult
	err := s.run(ctx, "buy", key, func(tx store.Tx) error {
		m, p, err := s.load(ctx, tx, key, user, side)
		if err != nil {
			return err
		}
		shares, err := market.Buy(m, p, user, side, amount)
		if err != nil {
			return err
		}
		if s.opts.ValueBearing {
			if err := tx.Transfer(ctx, user, address.Escrow(key), amount); err != nil {
				return err
			}
		}
		res, err = s.commit(ctx, tx, m, p, model.EntryBuy, amount, shares, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy", side.String()).Inc()
	metrics.Volume.WithLabelValues(side.String()).Add(float64(amount))
	slog.Info("shares bought",
		"entry_id", res.EntryID,
		"market", key,
		"user", user,
		"side", side.String(),
		"amount", amount,
		"shares", res.Shares,
		"yes_pool", res.YesPool,
		"no_pool", res.NoPool,
	)
	s.publish(ctx, model.Event{
		Type:    model.EventSharesBought,
		Market:  key,
		User:    user,
		Side:    &side,
		Amount:  amount,
		Shares:  res.Shares,
		YesPool: res.YesPool,
		NoPool:  res.NoPool,
	})
	return res, nil
}

// Sell returns shares from user's position to the pool and pays out of the
// opposite reserve.
func (s *Service) Sell(ctx context.Context, user, key string, side model.Side, shares uint64) (*TradeResult, error) {
	var res *TradeResult
	err := s.run(ctx, "sell", key, func(tx store.Tx) error {
		m, p, err := s.load(ctx, tx, key, user, side)
		if err != nil {
			return err
		}
		payout, err := market.Sell(m, p, side, shares)
		if err != nil {
			return err
		}
		if s.opts.ValueBearing {
			if err := tx.Transfer(ctx, address.Escrow(key), user, payout); err != nil {
				return err
			}
		}
		res, err = s.commit(ctx, tx, m, p, model.EntrySell, 0, shares, payout)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell", side.String()).Inc()
	slog.Info("shares sold",
		"entry_id", res.EntryID,
		"market", key,
		"user", user,
		"side", side.String(),
		"shares", shares,
		"payout", res.Payout,
	)
	s.publish(ctx, model.Event{
		Type:    model.EventSharesSold,
		Market:  key,
		User:    user,
		Side:    &side,
		Shares:  shares,
		Payout:  res.Payout,
		YesPool: res.YesPool,
		NoPool:  res.NoPool,
	})
	return res, nil
}

// Resolve settles the market in favour of winner. Only the market's authority
// may call it.
func (s *Service) Resolve(ctx context.Context, caller, key string, winner model.Side) (*MarketView, error) {
	var resolved *model.Market
	err := s.run(ctx, "resolve", key, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, key)
		if err != nil {
			return err
		}
		if err := market.Resolve(m, caller, winner, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		resolved = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Dec()
	metrics.Resolutions.WithLabelValues(winner.String()).Inc()
	slog.Info("market resolved",
		"market", key,
		"winner", winner.String(),
		"pot", resolved.ResolvedPotSize,
		"winning_shares", outstanding(resolved, winner),
	)
	s.publish(ctx, model.Event{
		Type:      model.EventMarketResolved,
		Market:    key,
		Authority: caller,
		Winner:    &winner,
		Payout:    resolved.ResolvedPotSize,
		Timestamp: *resolved.ResolvedAt,
	})

	v := view(resolved)
	return &v, nil
}

// Claim pays user's winning position on side its share of the resolved pot.
func (s *Service) Claim(ctx context.Context, user, key string, side model.Side) (*TradeResult, error) {
	var res *TradeResult
	err := s.run(ctx, "claim", key, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, key)
		if err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, address.Position(key, user, side))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// A missing record is the same as an empty position.
		claimed := p
		if claimed != nil {
			c := *p
			claimed = &c
		}
		payout, err := market.Claim(m, claimed, side)
		if err != nil {
			return err
		}
		if s.opts.ValueBearing {
			if err := tx.Transfer(ctx, address.Escrow(key), user, payout); err != nil {
				return err
			}
		}
		res, err = s.commit(ctx, tx, m, claimed, model.EntryClaim, 0, p.Shares, payout)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ClaimPayouts.Add(float64(res.Payout))
	slog.Info("winnings claimed",
		"entry_id", res.EntryID,
		"market", key,
		"user", user,
		"side", side.String(),
		"shares", res.Shares,
		"payout", res.Payout,
	)
	s.publish(ctx, model.Event{
		Type:   model.EventWinningsClaimed,
		Market: key,
		User:   user,
		Side:   &side,
		Shares: res.Shares,
		Payout: res.Payout,
	})
	return res, nil
}

// Faucet credits the configured faucet amount to account and returns its new
// balance.
func (s *Service) Faucet(ctx context.Context, account string) (uint64, error) {
	if !s.opts.ValueBearing || s.opts.FaucetAmount == 0 {
		return 0, ErrFaucetDisabled
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.Credit(ctx, account, s.opts.FaucetAmount)
	})
	if err != nil {
		return 0, err
	}
	slog.Info("faucet credited", "account", account, "amount", s.opts.FaucetAmount)
	return s.store.Balance(ctx, account)
}

// --- Queries ---

func (s *Service) GetMarket(ctx context.Context, key string) (*MarketView, error) {
	m, err := s.store.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}
	v := view(m)
	return &v, nil
}

// ListMarkets returns markets newest first, optionally only those in status.
func (s *Service) ListMarkets(ctx context.Context, status *model.MarketStatus) ([]MarketView, error) {
	markets, err := s.store.ListMarkets(ctx, status)
	if err != nil {
		return nil, err
	}
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		views = append(views, view(&markets[i]))
	}
	return views, nil
}

// Quote previews a buy of amount on side without changing the market.
func (s *Service) Quote(ctx context.Context, key string, side model.Side, amount uint64) (model.Quote, error) {
	m, err := s.store.GetMarket(ctx, key)
	if err != nil {
		return model.Quote{}, err
	}
	return market.Quote(m, side, amount)
}

// History returns the market's ledger entries inside window ("1h", "24h",
// "7d", "30d" or "all"; empty means DefaultHistoryRange) in commit order,
// each with the odds after it.
func (s *Service) History(ctx context.Context, key, window string) (*PriceHistory, error) {
	if window == "" {
		window = DefaultHistoryRange
	}
	length, ok := historyRanges[window]
	if !ok {
		return nil, ErrInvalidRange
	}
	if _, err := s.store.GetMarket(ctx, key); err != nil {
		return nil, err
	}

	var since time.Time
	if length > 0 {
		since = s.now().UTC().Add(-length)
	}
	entries, err := s.store.GetLedgerEntriesByMarket(ctx, key, since)
	if err != nil {
		return nil, err
	}

	points := make([]HistoryPoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, HistoryPoint{LedgerEntry: e, Odds: market.OddsAt(e.YesPool, e.NoPool)})
	}
	return &PriceHistory{Market: key, Range: window, Points: points}, nil
}

// Positions returns every position user holds, with current market odds.
func (s *Service) Positions(ctx context.Context, user string) ([]PositionView, error) {
	positions, err := s.store.ListPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		m, err := s.store.GetMarket(ctx, p.Market)
		if err != nil {
			return nil, err
		}
		views = append(views, PositionView{
			Position:     p,
			MarketStatus: m.Status,
			Resolution:   m.Resolution,
			Odds:         market.Odds(m),
		})
	}
	return views, nil
}

func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Balance(ctx context.Context, account string) (uint64, error) {
	return s.store.Balance(ctx, account)
}

// --- Helpers ---

// run executes fn in a transaction under the market's lock and records the
// operation's latency and failure code.
func (s *Service) run(ctx context.Context, op, key string, fn func(tx store.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			code := market.CodeOf(err)
			if code == "" {
				code = "other"
			}
			metrics.OperationErrors.WithLabelValues(op, code).Inc()
		}
	}()

	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, "market:"+key)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return s.store.Update(ctx, fn)
}

// load fetches the market and user's position on side, starting a fresh
// position record when none exists.
func (s *Service) load(ctx context.Context, tx store.Tx, key, user string, side model.Side) (*model.Market, *model.Position, error) {
	m, err := tx.GetMarket(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	posKey := address.Position(key, user, side)
	p, err := tx.GetPosition(ctx, posKey)
	if errors.Is(err, store.ErrNotFound) {
		return m, &model.Position{Key: posKey, Owner: user, Market: key, Side: side}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

// commit saves the mutated market and position and appends the ledger entry.
func (s *Service) commit(ctx context.Context, tx store.Tx, m *model.Market, p *model.Position, kind model.EntryKind, amount, shares, payout uint64) (*TradeResult, error) {
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := tx.SavePosition(ctx, p); err != nil {
		return nil, err
	}

	value := amount
	if kind != model.EntryBuy {
		value = payout
	}
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketKey: m.Key,
		User:      p.Owner,
		Side:      p.Side,
		Kind:      kind,
		Amount:    value,
		Shares:    shares,
		YesPool:   m.YesPool,
		NoPool:    m.NoPool,
		Timestamp: s.now().UTC(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	return &TradeResult{
		EntryID:  entry.ID,
		Market:   m.Key,
		User:     p.Owner,
		Side:     p.Side,
		Amount:   amount,
		Shares:   shares,
		Payout:   payout,
		Position: *p,
		YesPool:  m.YesPool,
		NoPool:   m.NoPool,
		Odds:     market.Odds(m),
	}, nil
}

func (s *Service) publish(ctx context.Context, ev model.Event) {
	if s.pub == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	// The request context may already be cancelled once the response is
	// written; delivery must not depend on it.
	s.pub.Publish(context.WithoutCancel(ctx), ev)
}

func outstanding(m *model.Market, side model.Side) uint64 {
	switch side {
	case model.SideYes:
		return m.YesShares
	case model.SideNo:
		return m.NoShares
	}
	return 0
}
