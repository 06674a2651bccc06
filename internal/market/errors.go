package market

import "errors"

// Kind classifies a domain failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindState         Kind = "state"
	KindAuthorization Kind = "authorization"
	KindArithmetic    Kind = "arithmetic"
)

// Error is a typed domain failure. Every error returned by this package is one
// of the sentinel values below, possibly wrapped.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return "market: " + e.msg }

var (
	ErrInvalidAmount = &Error{KindValidation, "InvalidAmount", "amount must be greater than zero"}
	ErrInvalidSide   = &Error{KindValidation, "InvalidSide", "side must be YES or NO"}
	ErrNameTooLong   = &Error{KindValidation, "NameTooLong", "project name exceeds 64 bytes"}

	ErrMarketClosed       = &Error{KindState, "MarketClosed", "market is closed"}
	ErrMarketNotResolved  = &Error{KindState, "MarketNotResolved", "market not yet resolved"}
	ErrWrongSide          = &Error{KindState, "WrongSide", "position is on the wrong side"}
	ErrPositionLost       = &Error{KindState, "PositionLost", "position did not win"}
	ErrNoPosition         = &Error{KindState, "NoPosition", "no position to claim"}
	ErrInsufficientShares = &Error{KindState, "InsufficientShares", "insufficient shares to sell"}

	ErrUnauthorized = &Error{KindAuthorization, "Unauthorized", "unauthorized"}

	ErrOverflow = &Error{KindArithmetic, "Overflow", "arithmetic overflow"}
)

// KindOf returns the Kind of a domain error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// CodeOf returns the stable code of a domain error, such as "MarketClosed".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
