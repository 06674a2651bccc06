package market

import (
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vapor/market-engine/internal/cpmm"
	"github.com/vapor/market-engine/internal/model"
)

const oracle = "oracle"

var now = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newMarket(t *testing.T) *model.Market {
	t.Helper()
	m, err := New(NewParams{
		Key:              "market-1",
		Authority:        oracle,
		ProjectID:        1,
		ProjectName:      "vapor",
		InitialLiquidity: cpmm.InitialLiquidity,
	}, now)
	require.NoError(t, err)
	return m
}

func buy(t *testing.T, m *model.Market, p *model.Position, owner string, side model.Side, amount uint64) uint64 {
	t.Helper()
	shares, err := Buy(m, p, owner, side, amount)
	require.NoError(t, err)
	return shares
}

func product(m *model.Market) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(m.YesPool), new(big.Int).SetUint64(m.NoPool))
}

// --- Creation ---

func TestNew(t *testing.T) {
	m := newMarket(t)
	assert.Equal(t, cpmm.InitialLiquidity, m.YesPool)
	assert.Equal(t, cpmm.InitialLiquidity, m.NoPool)
	assert.Equal(t, model.StatusOpen, m.Status)
	assert.Nil(t, m.Resolution)
	assert.Zero(t, m.ResolvedPotSize)
	assert.Equal(t, now, m.CreatedAt)
}

func TestNew_NameTooLong(t *testing.T) {
	_, err := New(NewParams{ProjectName: strings.Repeat("x", 65), InitialLiquidity: 1}, now)
	require.ErrorIs(t, err, ErrNameTooLong)

	_, err = New(NewParams{ProjectName: strings.Repeat("x", 64), InitialLiquidity: 1}, now)
	require.NoError(t, err)
}

func TestNew_NameLimitCountsBytes(t *testing.T) {
	// 22 three-byte runes = 66 bytes.
	_, err := New(NewParams{ProjectName: strings.Repeat("€", 22), InitialLiquidity: 1}, now)
	require.ErrorIs(t, err, ErrNameTooLong)
}

// --- Buy ---

func TestBuy_InitialLiquidityScenario(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{Key: "pos"}

	shares := buy(t, m, p, "alice", model.SideYes, 100_000)

	assert.Equal(t, uint64(90_909), shares)
	assert.Equal(t, uint64(909_091), m.YesPool)
	assert.Equal(t, uint64(1_100_000), m.NoPool)
	assert.Equal(t, uint64(100_000), m.TotalVolume)
	assert.Equal(t, uint64(100_000), m.NetDeposited)
	assert.Equal(t, uint64(90_909), m.YesShares)

	assert.Equal(t, "alice", p.Owner)
	assert.Equal(t, "market-1", p.Market)
	assert.Equal(t, model.SideYes, p.Side)
	assert.Equal(t, uint64(90_909), p.Shares)
	assert.Equal(t, uint64(1), p.AvgPrice)
}

func TestBuy_NoSideMirrorsYes(t *testing.T) {
	m := newMarket(t)
	shares := buy(t, m, &model.Position{}, "alice", model.SideNo, 100_000)

	assert.Equal(t, uint64(90_909), shares)
	assert.Equal(t, uint64(909_091), m.NoPool)
	assert.Equal(t, uint64(1_100_000), m.YesPool)
	assert.Equal(t, uint64(90_909), m.NoShares)
}

func TestBuy_AccumulatesWeightedAverage(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}

	first := buy(t, m, p, "alice", model.SideYes, 100_000)
	second := buy(t, m, p, "alice", model.SideYes, 400_000)

	assert.Equal(t, first+second, p.Shares)
	want := (1*first + 400_000) / (first + second)
	assert.Equal(t, want, p.AvgPrice)
	assert.Equal(t, uint64(500_000), m.TotalVolume)
}

func TestBuy_Errors(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}

	_, err := Buy(m, p, "alice", model.SideYes, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Buy(m, p, "alice", model.Side(7), 10)
	assert.ErrorIs(t, err, ErrInvalidSide)

	m.Status = model.StatusResolved
	_, err = Buy(m, p, "alice", model.SideYes, 10)
	assert.ErrorIs(t, err, ErrMarketClosed)

	m.Status = model.StatusCancelled
	_, err = Buy(m, p, "alice", model.SideYes, 10)
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestBuy_OverflowLeavesStateUnchanged(t *testing.T) {
	m := newMarket(t)
	m.TotalVolume = math.MaxUint64
	before := *m
	p := &model.Position{}

	_, err := Buy(m, p, "alice", model.SideYes, 10)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, before, *m)
	assert.Equal(t, model.Position{}, *p)
}

func TestBuy_OppositeReserveOverflow(t *testing.T) {
	m := newMarket(t)
	_, err := Buy(m, &model.Position{}, "alice", model.SideYes, math.MaxUint64)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, cpmm.InitialLiquidity, m.NoPool)
}

func TestBuy_DustAmountRejected(t *testing.T) {
	m := newMarket(t)
	_, err := Buy(m, &model.Position{}, "alice", model.SideYes, 1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, m.TotalVolume)
}

func TestBuy_WrongSide(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	buy(t, m, p, "alice", model.SideYes, 10_000)

	_, err := Buy(m, p, "alice", model.SideNo, 10_000)
	require.ErrorIs(t, err, ErrWrongSide)
}

// --- Sell ---

func TestSell_RoundTripNeverProfits(t *testing.T) {
	for _, amount := range []uint64{10, 1_000, 100_000, 777_777, 5_000_000} {
		m := newMarket(t)
		p := &model.Position{}
		shares := buy(t, m, p, "alice", model.SideYes, amount)

		payout, err := Sell(m, p, model.SideYes, shares)
		require.NoError(t, err)
		assert.LessOrEqual(t, payout, amount, "amount=%d", amount)
		assert.Zero(t, p.Shares)
		assert.Zero(t, m.YesShares)
		assert.Equal(t, amount-payout, m.NetDeposited)
	}
}

func TestSell_InitialLiquidityRoundTripIsExact(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	shares := buy(t, m, p, "alice", model.SideYes, 100_000)

	payout, err := Sell(m, p, model.SideYes, shares)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), payout)
	assert.Equal(t, cpmm.InitialLiquidity, m.YesPool)
	assert.Equal(t, cpmm.InitialLiquidity, m.NoPool)
	assert.Zero(t, m.NetDeposited)
}

func TestSell_DrainingOppositeReserveFails(t *testing.T) {
	m := newMarket(t)
	m.YesPool, m.NoPool = 1, 1
	m.YesShares, m.NetDeposited = 5, 100
	p := &model.Position{Owner: "alice", Market: m.Key, Side: model.SideYes, Shares: 5}
	marketBefore, positionBefore := *m, *p

	_, err := Sell(m, p, model.SideYes, 5)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, marketBefore, *m)
	assert.Equal(t, positionBefore, *p)
}

func TestSell_InsufficientSharesLeavesStateUnchanged(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	shares := buy(t, m, p, "alice", model.SideYes, 100_000)
	marketBefore, positionBefore := *m, *p

	_, err := Sell(m, p, model.SideYes, shares+1)
	require.ErrorIs(t, err, ErrInsufficientShares)
	assert.Equal(t, marketBefore, *m)
	assert.Equal(t, positionBefore, *p)
}

func TestSell_Errors(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	buy(t, m, p, "alice", model.SideYes, 100_000)

	_, err := Sell(m, p, model.SideYes, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Sell(m, p, model.SideNo, 1)
	assert.ErrorIs(t, err, ErrWrongSide)

	_, err = Sell(m, &model.Position{}, model.SideNo, 1)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	require.NoError(t, Resolve(m, oracle, model.SideYes, now))
	_, err = Sell(m, p, model.SideYes, 1)
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestTrading_Invariants(t *testing.T) {
	m := newMarket(t)
	yes := map[string]*model.Position{}
	no := map[string]*model.Position{}
	pos := func(book map[string]*model.Position, user string) *model.Position {
		if book[user] == nil {
			book[user] = &model.Position{}
		}
		return book[user]
	}

	steps := []struct {
		user   string
		side   model.Side
		sell   bool
		amount uint64
	}{
		{"alice", model.SideYes, false, 120_000},
		{"bob", model.SideNo, false, 300_000},
		{"carol", model.SideYes, false, 5_000},
		{"alice", model.SideYes, true, 50_000},
		{"bob", model.SideNo, true, 100_000},
		{"dave", model.SideNo, false, 2_000_000},
		{"carol", model.SideYes, false, 900_000},
		{"dave", model.SideNo, true, 1},
	}

	k := product(m)
	for i, s := range steps {
		book := yes
		if s.side == model.SideNo {
			book = no
		}
		p := pos(book, s.user)
		var err error
		if s.sell {
			_, err = Sell(m, p, s.side, s.amount)
		} else {
			_, err = Buy(m, p, s.user, s.side, s.amount)
		}
		require.NoError(t, err, "step %d", i)

		assert.Positive(t, m.YesPool, "step %d", i)
		assert.Positive(t, m.NoPool, "step %d", i)
		// Each swap holds the product to within one unit of the larger
		// reserve: buys round it up, sells round it down.
		next := product(m)
		drift := new(big.Int).Sub(next, k)
		bound := new(big.Int).SetUint64(max(m.YesPool, m.NoPool))
		assert.Negative(t, new(big.Int).Abs(drift).Cmp(bound), "product drifted by %s at step %d", drift, i)
		k = next
	}

	var yesHeld, noHeld uint64
	for _, p := range yes {
		yesHeld += p.Shares
	}
	for _, p := range no {
		noHeld += p.Shares
	}
	assert.Equal(t, yesHeld, m.YesShares)
	assert.Equal(t, noHeld, m.NoShares)
}

// --- Resolve ---

func TestResolve_SnapshotsPot(t *testing.T) {
	m := newMarket(t)
	buy(t, m, &model.Position{}, "alice", model.SideYes, 100_000)

	require.NoError(t, Resolve(m, oracle, model.SideYes, now))
	assert.Equal(t, model.StatusResolved, m.Status)
	require.NotNil(t, m.Resolution)
	assert.Equal(t, model.SideYes, *m.Resolution)
	assert.Equal(t, uint64(100_000), m.ResolvedPotSize)
	require.NotNil(t, m.ResolvedAt)
}

func TestResolve_Unauthorized(t *testing.T) {
	m := newMarket(t)
	err := Resolve(m, "mallory", model.SideYes, now)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, model.StatusOpen, m.Status)
}

func TestResolve_AlreadyResolved(t *testing.T) {
	m := newMarket(t)
	require.NoError(t, Resolve(m, oracle, model.SideNo, now))

	err := Resolve(m, oracle, model.SideYes, now)
	require.ErrorIs(t, err, ErrMarketClosed)
	assert.Equal(t, model.SideNo, *m.Resolution)
}

// --- Claim ---

func TestClaim_TwoWinnersSplitPot(t *testing.T) {
	m := newMarket(t)
	alice, bob := &model.Position{}, &model.Position{}
	buy(t, m, alice, "alice", model.SideYes, 50_000)
	buy(t, m, bob, "bob", model.SideYes, 50_000)
	require.NoError(t, Resolve(m, oracle, model.SideYes, now))

	pa, err := Claim(m, alice, model.SideYes)
	require.NoError(t, err)
	pb, err := Claim(m, bob, model.SideYes)
	require.NoError(t, err)

	total := pa + pb
	assert.LessOrEqual(t, total, m.ResolvedPotSize)
	assert.GreaterOrEqual(t, total, m.ResolvedPotSize-2)
	assert.Greater(t, pa, pb, "earlier buyer gets more shares per unit")
}

func TestClaim_OutstandingMatchesConsumedReserve(t *testing.T) {
	// With trading only on the winning side, the tracked share count equals
	// the liquidity the buyers drew out of that reserve.
	m := newMarket(t)
	buy(t, m, &model.Position{}, "alice", model.SideYes, 50_000)
	buy(t, m, &model.Position{}, "bob", model.SideYes, 70_000)

	assert.Equal(t, cpmm.InitialLiquidity-m.YesPool, m.YesShares)
}

func TestClaim_TwiceFailsNoPosition(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	buy(t, m, p, "alice", model.SideYes, 100_000)
	require.NoError(t, Resolve(m, oracle, model.SideYes, now))

	payout, err := Claim(m, p, model.SideYes)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), payout)
	assert.Zero(t, p.Shares)

	_, err = Claim(m, p, model.SideYes)
	require.ErrorIs(t, err, ErrNoPosition)
}

func TestClaim_LosingAndMissingPositions(t *testing.T) {
	m := newMarket(t)
	loser := &model.Position{}
	buy(t, m, loser, "alice", model.SideNo, 100_000)
	require.NoError(t, Resolve(m, oracle, model.SideYes, now))

	_, err := Claim(m, nil, model.SideYes)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = Claim(m, &model.Position{}, model.SideYes)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = Claim(m, loser, model.SideNo)
	assert.ErrorIs(t, err, ErrPositionLost)
	assert.Equal(t, uint64(90_909), loser.Shares)
}

func TestClaim_BeforeResolution(t *testing.T) {
	m := newMarket(t)
	p := &model.Position{}
	buy(t, m, p, "alice", model.SideYes, 100_000)

	_, err := Claim(m, p, model.SideYes)
	require.ErrorIs(t, err, ErrMarketNotResolved)
}

func TestClaim_ConservationWithMixedTrading(t *testing.T) {
	m := newMarket(t)
	winners := []*model.Position{{}, {}, {}}
	buy(t, m, winners[0], "a", model.SideYes, 333_333)
	buy(t, m, &model.Position{}, "x", model.SideNo, 1_250_000)
	buy(t, m, winners[1], "b", model.SideYes, 71_111)
	buy(t, m, &model.Position{}, "y", model.SideNo, 40_000)
	buy(t, m, winners[2], "c", model.SideYes, 999)
	_, err := Sell(m, winners[0], model.SideYes, winners[0].Shares/3)
	require.NoError(t, err)

	require.NoError(t, Resolve(m, oracle, model.SideYes, now))

	var total uint64
	for i, w := range winners {
		payout, err := Claim(m, w, model.SideYes)
		require.NoError(t, err, "winner %d", i)
		total += payout
	}
	assert.LessOrEqual(t, total, m.ResolvedPotSize)
	assert.GreaterOrEqual(t, total, m.ResolvedPotSize-uint64(len(winners)))
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{ErrInvalidAmount, KindValidation},
		{ErrNameTooLong, KindValidation},
		{ErrMarketClosed, KindState},
		{ErrPositionLost, KindState},
		{ErrUnauthorized, KindAuthorization},
		{ErrOverflow, KindArithmetic},
	}
	for _, tt := range tests {
		kind, ok := KindOf(tt.err)
		require.True(t, ok)
		assert.Equal(t, tt.kind, kind, tt.err.Error())
	}
	_, ok := KindOf(assert.AnError)
	assert.False(t, ok)
}

// --- Quote ---

func TestQuote_MatchesBuy(t *testing.T) {
	m := newMarket(t)
	q, err := Quote(m, model.SideYes, 100_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(90_909), q.Shares)
	assert.Equal(t, "50", q.CurrentOdds.Yes.String())
	assert.True(t, q.NewOdds.Yes.GreaterThan(q.CurrentOdds.Yes))
	assert.True(t, q.PriceImpact.IsPositive())
	assert.Equal(t, cpmm.InitialLiquidity, m.YesPool, "quote must not mutate")

	shares := buy(t, m, &model.Position{}, "alice", model.SideYes, 100_000)
	assert.Equal(t, q.Shares, shares)
}

func TestQuote_HighImpactWarning(t *testing.T) {
	m := newMarket(t)
	small, err := Quote(m, model.SideNo, 1_000)
	require.NoError(t, err)
	assert.Empty(t, small.Warning)

	large, err := Quote(m, model.SideNo, 1_000_000)
	require.NoError(t, err)
	assert.NotEmpty(t, large.Warning)
}
