// Package cpmm implements the constant-product market maker (CPMM) used to
// price binary YES/NO markets.
//
// Reserves are unsigned 64-bit base units. The swap formulas widen to 256-bit
// integers internally so the product term never loses precision, and they are
// total: every input produces a defined result. Balance arithmetic performed
// outside the swap formulas must use the checked helpers in this package,
// which fail instead of wrapping.
//
// For a buy on side X with reserve pool and opposite reserve opp:
//
//	k      = pool * opp
//	shares = pool - ceil(k / (opp + amount))
//
// and for a sell of shares back into pool:
//
//	payout = opp - floor(k / (pool + shares))
//
// The buy ceiling leaves pool*opp at or above its old value, so selling
// every bought share back never returns more than was paid.
package cpmm

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// InitialLiquidity is the default starting size of both reserves.
const InitialLiquidity uint64 = 1_000_000

// ErrOverflow is returned by the checked helpers when a result does not fit
// in 64 bits, would go negative, or divides by zero.
var ErrOverflow = errors.New("cpmm: arithmetic overflow")

// OddsScale is the number of decimal places used for odds and prices.
var OddsScale int32 = 2

var hundred = decimal.NewFromInt(100)

// SharesForBuy returns the number of shares minted on the side whose reserve
// is pool when amount is deposited into oppositePool.
//
// The product overflowing saturates k to zero and the opposite reserve
// overflowing saturates to the maximum; neither can happen for 64-bit inputs
// but the fallbacks keep the function total. The result is floored at zero.
func SharesForBuy(pool, oppositePool, amount uint64) uint64 {
	k := product(pool, oppositePool)
	newOpposite, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(oppositePool), uint256.NewInt(amount))
	if overflow {
		newOpposite.SetAllOne()
	}
	return saturatingSub(pool, divCeil(k, newOpposite))
}

// PayoutForSell returns the amount withdrawn from oppositePool when shares
// are returned to pool. It reverses the reserve movement of SharesForBuy and
// is floored at zero. The opposite reserve left behind is k / (pool + shares)
// rounded down, so a sale large enough relative to k can empty it; callers
// that update reserves must reject that outcome.
func PayoutForSell(pool, oppositePool, shares uint64) uint64 {
	k := product(pool, oppositePool)
	newPool, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(pool), uint256.NewInt(shares))
	if overflow {
		newPool.SetAllOne()
	}
	return saturatingSub(oppositePool, new(uint256.Int).Div(k, newPool))
}

// AveragePrice returns amount / shares, or 0 when shares is 0.
func AveragePrice(amount, shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	return amount / shares
}

// product returns pool * oppositePool, or zero if the product overflows.
func product(pool, oppositePool uint64) *uint256.Int {
	k, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(pool), uint256.NewInt(oppositePool))
	if overflow {
		k.Clear()
	}
	return k
}

// divCeil returns ceil(x / y). Division by zero yields zero.
func divCeil(x, y *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int).DivMod(x, y, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// saturatingSub returns x - y, or 0 when y >= x.
func saturatingSub(x uint64, y *uint256.Int) uint64 {
	if !y.IsUint64() || y.Uint64() >= x {
		return 0
	}
	return x - y.Uint64()
}

// --- Checked arithmetic ---

// Add returns a + b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b or ErrOverflow if b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul returns a * b or ErrOverflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// MulDiv returns floor(a * b / c) computed with a widened intermediate
// product. It fails when c is zero or the quotient does not fit in 64 bits.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrOverflow
	}
	q := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q.Div(q, uint256.NewInt(c))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// --- Display math ---

// Probability returns the implied probability, in percent, of the side whose
// reserve is pool. A scarcer reserve means a likelier outcome. Empty reserves
// price both sides at 50.
func Probability(pool, oppositePool uint64) decimal.Decimal {
	opp := decimal.NewFromUint64(oppositePool)
	total := decimal.NewFromUint64(pool).Add(opp)
	if total.IsZero() {
		return decimal.NewFromInt(50)
	}
	return opp.Mul(hundred).Div(total).Round(OddsScale)
}

// PricePerShare returns amount / shares as a decimal, or zero when no shares
// are minted.
func PricePerShare(amount, shares uint64) decimal.Decimal {
	if shares == 0 {
		return decimal.Zero
	}
	return decimal.NewFromUint64(amount).Div(decimal.NewFromUint64(shares)).Round(8)
}
