// Package market implements the trading, resolution and settlement rules of a
// binary CPMM market as pure state transitions.
//
// Functions take already-loaded entities and either apply their full mutation
// and return nil, or return a typed error and leave every argument exactly as
// it was. Persistence, authorization and value transfer belong to callers.
package market

import (
	"time"

	"github.com/vapor/market-engine/internal/cpmm"
	"github.com/vapor/market-engine/internal/model"
)

// NewParams are the inputs for creating a market.
type NewParams struct {
	Key                 string
	Authority           string
	ProjectID           uint64
	ProjectName         string
	ResolutionTimestamp int64
	InitialLiquidity    uint64
}

// New returns an open market with both reserves at InitialLiquidity.
func New(p NewParams, now time.Time) (*model.Market, error) {
	if len(p.ProjectName) > model.MaxProjectNameLen {
		return nil, ErrNameTooLong
	}
	if p.InitialLiquidity == 0 {
		return nil, ErrInvalidAmount
	}
	return &model.Market{
		Key:                 p.Key,
		Authority:           p.Authority,
		ProjectID:           p.ProjectID,
		ProjectName:         p.ProjectName,
		YesPool:             p.InitialLiquidity,
		NoPool:              p.InitialLiquidity,
		InitialLiquidity:    p.InitialLiquidity,
		Status:              model.StatusOpen,
		ResolutionTimestamp: p.ResolutionTimestamp,
		CreatedAt:           now.UTC(),
	}, nil
}

// Resolve closes an open market in favour of winner and freezes the pot.
// Only the market's authority may resolve it.
func Resolve(m *model.Market, caller string, winner model.Side, now time.Time) error {
	if err := requireOpen(m); err != nil {
		return err
	}
	if caller != m.Authority {
		return ErrUnauthorized
	}
	if !winner.Valid() {
		return ErrInvalidSide
	}

	resolvedAt := now.UTC()
	m.Status = model.StatusResolved
	m.Resolution = &winner
	m.ResolvedPotSize = m.NetDeposited
	m.ResolvedAt = &resolvedAt
	return nil
}

// Claim pays out a winning position pro rata from the frozen pot:
//
//	payout = shares * resolvedPotSize / winningSharesOutstanding
//
// The position is zeroed. Floor division leaves at most one unit of dust per
// claimant in the pool, so the sum of all claims never exceeds the pot.
func Claim(m *model.Market, p *model.Position, side model.Side) (uint64, error) {
	if err := requireResolved(m); err != nil {
		return 0, err
	}
	if p == nil || p.Shares == 0 {
		return 0, ErrNoPosition
	}
	if p.Side != side {
		return 0, ErrWrongSide
	}
	if m.Resolution == nil {
		return 0, ErrMarketNotResolved
	}
	if p.Side != *m.Resolution {
		return 0, ErrPositionLost
	}

	outstanding, err := sharesOutstanding(m, *m.Resolution)
	if err != nil {
		return 0, err
	}
	if outstanding == 0 {
		// A winning position exists, so the winning side cannot be empty.
		return 0, ErrOverflow
	}
	payout, err := cpmm.MulDiv(p.Shares, m.ResolvedPotSize, outstanding)
	if err != nil {
		return 0, ErrOverflow
	}
	if payout == 0 {
		return 0, ErrInvalidAmount
	}

	p.Shares = 0
	return payout, nil
}

// Odds returns the implied probabilities of the market's current reserves.
func Odds(m *model.Market) model.Odds {
	return OddsAt(m.YesPool, m.NoPool)
}

// OddsAt returns the implied probabilities of the given reserves.
func OddsAt(yesPool, noPool uint64) model.Odds {
	return model.Odds{
		Yes: cpmm.Probability(yesPool, noPool),
		No:  cpmm.Probability(noPool, yesPool),
	}
}

func requireOpen(m *model.Market) error {
	switch m.Status {
	case model.StatusOpen:
		return nil
	case model.StatusResolved, model.StatusCancelled:
		return ErrMarketClosed
	}
	return ErrMarketClosed
}

func requireResolved(m *model.Market) error {
	switch m.Status {
	case model.StatusResolved:
		return nil
	case model.StatusOpen, model.StatusCancelled:
		return ErrMarketNotResolved
	}
	return ErrMarketNotResolved
}

// reserves returns the reserve of side and of the opposite side.
func reserves(m *model.Market, side model.Side) (pool, opposite uint64, err error) {
	switch side {
	case model.SideYes:
		return m.YesPool, m.NoPool, nil
	case model.SideNo:
		return m.NoPool, m.YesPool, nil
	}
	return 0, 0, ErrInvalidSide
}

func setReserves(m *model.Market, side model.Side, pool, opposite uint64) {
	switch side {
	case model.SideYes:
		m.YesPool, m.NoPool = pool, opposite
	case model.SideNo:
		m.NoPool, m.YesPool = pool, opposite
	}
}

func sharesOutstanding(m *model.Market, side model.Side) (uint64, error) {
	switch side {
	case model.SideYes:
		return m.YesShares, nil
	case model.SideNo:
		return m.NoShares, nil
	}
	return 0, ErrInvalidSide
}

func setSharesOutstanding(m *model.Market, side model.Side, n uint64) {
	switch side {
	case model.SideYes:
		m.YesShares = n
	case model.SideNo:
		m.NoShares = n
	}
}
