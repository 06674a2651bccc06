package cpmm

import (
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Swap formula tests ---

func TestSharesForBuy_InitialPools(t *testing.T) {
	shares := SharesForBuy(InitialLiquidity, InitialLiquidity, 100_000)
	if shares != 90_909 {
		t.Fatalf("expected 90909 shares, got %d", shares)
	}
	if got := InitialLiquidity - shares; got != 909_091 {
		t.Errorf("expected remaining yes pool 909091, got %d", got)
	}
}

func TestSharesForBuy_ZeroAmount(t *testing.T) {
	if shares := SharesForBuy(InitialLiquidity, InitialLiquidity, 0); shares != 0 {
		t.Errorf("zero deposit should mint nothing, got %d", shares)
	}
}

func TestSharesForBuy_NeverDrainsPool(t *testing.T) {
	tests := []struct {
		pool, opp, amount uint64
	}{
		{1_000_000, 1_000_000, 1},
		{1_000_000, 1_000_000, 1_000_000_000},
		{1_000_000, 1_000_000, math.MaxUint64 - 1_000_000},
		{1_000_000, 1_000_000, math.MaxUint64},
		{1, 1, 1_000},
		{math.MaxUint64, math.MaxUint64, math.MaxUint64},
	}
	for _, tt := range tests {
		shares := SharesForBuy(tt.pool, tt.opp, tt.amount)
		if shares >= tt.pool {
			t.Errorf("buy must leave the pool non-empty: pool=%d opp=%d amount=%d shares=%d",
				tt.pool, tt.opp, tt.amount, shares)
		}
	}
}

func TestSharesForBuy_MonotonicInAmount(t *testing.T) {
	prev := uint64(0)
	for amount := uint64(1_000); amount <= 1_000_000; amount += 1_000 {
		shares := SharesForBuy(InitialLiquidity, InitialLiquidity, amount)
		if shares < prev {
			t.Fatalf("shares decreased at amount=%d: %d < %d", amount, shares, prev)
		}
		prev = shares
	}
}

func TestSharesForBuy_DiminishingReturns(t *testing.T) {
	// Each share costs more than 1 unit once the pools are balanced.
	shares := SharesForBuy(InitialLiquidity, InitialLiquidity, 500_000)
	if shares >= 500_000 {
		t.Errorf("expected fewer shares than deposited, got %d", shares)
	}
}

func TestPayoutForSell_ReversesBuy(t *testing.T) {
	amounts := []uint64{1, 7, 999, 100_000, 250_000, 1_000_000, 9_999_999}
	for _, amount := range amounts {
		shares := SharesForBuy(InitialLiquidity, InitialLiquidity, amount)
		pool := InitialLiquidity - shares
		opp := InitialLiquidity + amount

		payout := PayoutForSell(pool, opp, shares)
		if payout > amount {
			t.Errorf("round trip paid out more than deposited: amount=%d payout=%d", amount, payout)
		}
		// Loss is at most one share at the marginal price plus one unit.
		if amount >= 1_000 && amount <= InitialLiquidity && amount-payout > 5 {
			t.Errorf("round trip lost more than rounding dust: amount=%d payout=%d", amount, payout)
		}
	}
}

func TestPayoutForSell_ZeroShares(t *testing.T) {
	if payout := PayoutForSell(909_091, 1_100_000, 0); payout != 0 {
		t.Errorf("selling nothing should pay nothing, got %d", payout)
	}
}

func TestPayoutForSell_FloorsRemainingReserve(t *testing.T) {
	tests := []struct {
		pool, opp, shares, want uint64
	}{
		{1_000_000, 1_000_000, 100_000, 90_910},
		{909_091, 1_100_000, 90_909, 100_000},
		{1_000_000, 1_000_000, 3, 3},
		{1_000_000, 1_000_000, 1, 1},
		// k / newPool truncates to zero and the whole reserve is quoted.
		{1, 1, 5, 1},
	}
	for _, tt := range tests {
		if got := PayoutForSell(tt.pool, tt.opp, tt.shares); got != tt.want {
			t.Errorf("PayoutForSell(%d, %d, %d) = %d, want %d", tt.pool, tt.opp, tt.shares, got, tt.want)
		}
	}
}

func TestPayoutForSell_InitialLiquidityRoundTrip(t *testing.T) {
	shares := SharesForBuy(InitialLiquidity, InitialLiquidity, 100_000)
	payout := PayoutForSell(InitialLiquidity-shares, InitialLiquidity+100_000, shares)
	if payout != 100_000 {
		t.Errorf("expected the full 100000 back, got %d", payout)
	}
}

// Buys round the remaining reserve up, so over a run of buys the product
// never falls below k, even though the constant-product rule alone would let
// truncation shave it.
func TestSwap_BuysNeverLowerProduct(t *testing.T) {
	yes, no := InitialLiquidity, InitialLiquidity
	k := new(big.Int).Mul(new(big.Int).SetUint64(yes), new(big.Int).SetUint64(no))

	steps := []struct {
		buyYes bool
		amount uint64
	}{
		{true, 12_345}, {false, 77_777}, {true, 3}, {false, 500_000}, {true, 1_000_001},
	}
	for _, s := range steps {
		if s.buyYes {
			shares := SharesForBuy(yes, no, s.amount)
			yes -= shares
			no += s.amount
		} else {
			shares := SharesForBuy(no, yes, s.amount)
			no -= shares
			yes += s.amount
		}
		prod := new(big.Int).Mul(new(big.Int).SetUint64(yes), new(big.Int).SetUint64(no))
		if prod.Cmp(k) < 0 {
			t.Fatalf("product fell below k: %s < %s", prod, k)
		}
		// Growth is bounded by one unit of the larger reserve.
		slack := new(big.Int).Add(k, new(big.Int).SetUint64(max(yes, no)))
		if prod.Cmp(slack) > 0 {
			t.Fatalf("product grew beyond rounding: %s > %s", prod, slack)
		}
		k = prod
	}
}

func TestAveragePrice(t *testing.T) {
	tests := []struct {
		amount, shares, want uint64
	}{
		{100_000, 90_909, 1},
		{100, 0, 0},
		{1_000, 10, 100},
		{0, 10, 0},
	}
	for _, tt := range tests {
		if got := AveragePrice(tt.amount, tt.shares); got != tt.want {
			t.Errorf("AveragePrice(%d, %d) = %d, want %d", tt.amount, tt.shares, got, tt.want)
		}
	}
}

// --- Checked arithmetic ---

func TestChecked_Overflow(t *testing.T) {
	if _, err := Add(math.MaxUint64, 1); err != ErrOverflow {
		t.Errorf("Add: expected ErrOverflow, got %v", err)
	}
	if _, err := Sub(1, 2); err != ErrOverflow {
		t.Errorf("Sub: expected ErrOverflow, got %v", err)
	}
	if _, err := Mul(math.MaxUint64, 2); err != ErrOverflow {
		t.Errorf("Mul: expected ErrOverflow, got %v", err)
	}
	if _, err := MulDiv(1, 1, 0); err != ErrOverflow {
		t.Errorf("MulDiv by zero: expected ErrOverflow, got %v", err)
	}
	if _, err := MulDiv(math.MaxUint64, math.MaxUint64, 1); err != ErrOverflow {
		t.Errorf("MulDiv: expected ErrOverflow on wide quotient, got %v", err)
	}
}

func TestChecked_Values(t *testing.T) {
	if v, err := Add(2, 3); err != nil || v != 5 {
		t.Errorf("Add(2,3) = %d, %v", v, err)
	}
	if v, err := Sub(5, 5); err != nil || v != 0 {
		t.Errorf("Sub(5,5) = %d, %v", v, err)
	}
	if v, err := Mul(1<<32, 1<<31); err != nil || v != 1<<63 {
		t.Errorf("Mul = %d, %v", v, err)
	}
	// The intermediate product exceeds 64 bits but the quotient fits.
	if v, err := MulDiv(math.MaxUint64, 1_000, 2_000); err != nil || v != math.MaxUint64/2 {
		t.Errorf("MulDiv = %d, %v", v, err)
	}
}

// --- Display math ---

func TestProbability_Balanced(t *testing.T) {
	if p := Probability(InitialLiquidity, InitialLiquidity); !p.Equal(d(50)) {
		t.Errorf("expected 50, got %s", p)
	}
	if p := Probability(0, 0); !p.Equal(d(50)) {
		t.Errorf("expected 50 for empty reserves, got %s", p)
	}
}

func TestProbability_BuyingRaisesOdds(t *testing.T) {
	// After buying YES: yes reserve shrinks, no reserve grows.
	yes := Probability(909_091, 1_100_000)
	no := Probability(1_100_000, 909_091)
	if !yes.GreaterThan(d(50)) {
		t.Errorf("YES odds should rise above 50, got %s", yes)
	}
	sum := yes.Add(no)
	if sum.Sub(d(100)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("odds should sum to 100, got %s", sum)
	}
}

func TestPricePerShare(t *testing.T) {
	if p := PricePerShare(100_000, 0); !p.IsZero() {
		t.Errorf("expected zero, got %s", p)
	}
	if p := PricePerShare(100, 50); !p.Equal(d(2)) {
		t.Errorf("expected 2, got %s", p)
	}
}
