package market

import (
	"github.com/shopspring/decimal"

	"github.com/vapor/market-engine/internal/cpmm"
	"github.com/vapor/market-engine/internal/model"
)

// HighImpactThreshold is the odds movement, in percentage points, above which
// a quote carries a warning.
var HighImpactThreshold = decimal.NewFromInt(5)

// Buy deposits amount on side and credits the minted shares to p. The amount
// goes into the opposite reserve and the shares come out of side's reserve.
// p may be a fresh record; it is initialised on its first buy.
func Buy(m *model.Market, p *model.Position, owner string, side model.Side, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := requireOpen(m); err != nil {
		return 0, err
	}
	pool, opposite, err := reserves(m, side)
	if err != nil {
		return 0, err
	}
	if p.Shares > 0 && p.Side != side {
		return 0, ErrWrongSide
	}

	shares := cpmm.SharesForBuy(pool, opposite, amount)
	if shares == 0 {
		// Too small to mint a single share.
		return 0, ErrInvalidAmount
	}

	newOpposite, err := cpmm.Add(opposite, amount)
	if err != nil {
		return 0, ErrOverflow
	}
	newPool, err := cpmm.Sub(pool, shares)
	if err != nil || newPool == 0 {
		return 0, ErrOverflow
	}
	volume, err := cpmm.Add(m.TotalVolume, amount)
	if err != nil {
		return 0, ErrOverflow
	}
	deposited, err := cpmm.Add(m.NetDeposited, amount)
	if err != nil {
		return 0, ErrOverflow
	}
	held, _ := sharesOutstanding(m, side)
	outstanding, err := cpmm.Add(held, shares)
	if err != nil {
		return 0, ErrOverflow
	}

	var newShares, avgPrice uint64
	if p.Shares == 0 {
		newShares = shares
		avgPrice = cpmm.AveragePrice(amount, shares)
	} else {
		cost, err := cpmm.Mul(p.AvgPrice, p.Shares)
		if err != nil {
			return 0, ErrOverflow
		}
		if cost, err = cpmm.Add(cost, amount); err != nil {
			return 0, ErrOverflow
		}
		if newShares, err = cpmm.Add(p.Shares, shares); err != nil {
			return 0, ErrOverflow
		}
		avgPrice = cpmm.AveragePrice(cost, newShares)
	}

	setReserves(m, side, newPool, newOpposite)
	setSharesOutstanding(m, side, outstanding)
	m.TotalVolume = volume
	m.NetDeposited = deposited

	p.Owner = owner
	p.Market = m.Key
	p.Side = side
	p.Shares = newShares
	p.AvgPrice = avgPrice
	return shares, nil
}

// Sell returns shares from p to side's reserve and pays out of the opposite
// reserve. The payout is deducted from the market's net deposits.
func Sell(m *model.Market, p *model.Position, side model.Side, shares uint64) (uint64, error) {
	if shares == 0 {
		return 0, ErrInvalidAmount
	}
	if err := requireOpen(m); err != nil {
		return 0, err
	}
	pool, opposite, err := reserves(m, side)
	if err != nil {
		return 0, err
	}
	if p.Shares > 0 && p.Side != side {
		return 0, ErrWrongSide
	}
	if p.Shares < shares {
		return 0, ErrInsufficientShares
	}

	payout := cpmm.PayoutForSell(pool, opposite, shares)

	newPool, err := cpmm.Add(pool, shares)
	if err != nil {
		return 0, ErrOverflow
	}
	newOpposite, err := cpmm.Sub(opposite, payout)
	if err != nil || newOpposite == 0 {
		return 0, ErrOverflow
	}
	deposited, err := cpmm.Sub(m.NetDeposited, payout)
	if err != nil {
		return 0, ErrOverflow
	}
	held, _ := sharesOutstanding(m, side)
	outstanding, err := cpmm.Sub(held, shares)
	if err != nil {
		return 0, ErrOverflow
	}
	remaining, err := cpmm.Sub(p.Shares, shares)
	if err != nil {
		return 0, ErrOverflow
	}

	setReserves(m, side, newPool, newOpposite)
	setSharesOutstanding(m, side, outstanding)
	m.NetDeposited = deposited
	p.Shares = remaining
	return payout, nil
}

// Quote previews Buy without mutating m.
func Quote(m *model.Market, side model.Side, amount uint64) (model.Quote, error) {
	if amount == 0 {
		return model.Quote{}, ErrInvalidAmount
	}
	if err := requireOpen(m); err != nil {
		return model.Quote{}, err
	}
	pool, opposite, err := reserves(m, side)
	if err != nil {
		return model.Quote{}, err
	}
	shares := cpmm.SharesForBuy(pool, opposite, amount)
	if shares == 0 {
		return model.Quote{}, ErrInvalidAmount
	}
	newOpposite, err := cpmm.Add(opposite, amount)
	if err != nil {
		return model.Quote{}, ErrOverflow
	}

	after := *m
	setReserves(&after, side, pool-shares, newOpposite)

	current, next := Odds(m), Odds(&after)
	var impact decimal.Decimal
	switch side {
	case model.SideYes:
		impact = next.Yes.Sub(current.Yes).Abs()
	case model.SideNo:
		impact = next.No.Sub(current.No).Abs()
	}

	q := model.Quote{
		MarketKey:     m.Key,
		Side:          side,
		Amount:        amount,
		Shares:        shares,
		PricePerShare: cpmm.PricePerShare(amount, shares),
		CurrentOdds:   current,
		NewOdds:       next,
		PriceImpact:   impact,
	}
	if impact.GreaterThan(HighImpactThreshold) {
		q.Warning = "high price impact, consider splitting the order"
	}
	return q, nil
}
