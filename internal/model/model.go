// Package model defines the core domain types shared across the market engine.
// Pool, deposit and share quantities are unsigned 64-bit base units; decimals
// are used only for display values such as odds.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxProjectNameLen is the longest project name, in bytes, a market accepts.
const MaxProjectNameLen = 64

// Side is one outcome of a binary market.
type Side uint8

const (
	SideYes Side = iota
	SideNo
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return SideYes, nil
	case "NO":
		return SideNo, nil
	}
	return 0, fmt.Errorf("model: unknown side %q", s)
}

// Valid reports whether s is one of the two declared sides.
func (s Side) Valid() bool {
	switch s {
	case SideYes, SideNo:
		return true
	}
	return false
}

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	switch s {
	case SideYes:
		return SideNo
	case SideNo:
		return SideYes
	}
	return s
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus uint8

const (
	StatusOpen MarketStatus = iota
	StatusResolved
	// StatusCancelled is declared for storage compatibility. No operation
	// transitions a market into it.
	StatusCancelled
)

// ParseMarketStatus accepts "open", "resolved" or "cancelled".
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StatusOpen, nil
	case "resolved":
		return StatusResolved, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return 0, fmt.Errorf("model: unknown market status %q", s)
}

func (s MarketStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("MarketStatus(%d)", uint8(s))
}

func (s MarketStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MarketStatus) UnmarshalText(b []byte) error {
	v, err := ParseMarketStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Market is the pool and lifecycle record for one tracked project.
type Market struct {
	Key                 string       `json:"key"`
	Authority           string       `json:"authority"`
	ProjectID           uint64       `json:"project_id"`
	ProjectName         string       `json:"project_name"`
	YesPool             uint64       `json:"yes_pool"`
	NoPool              uint64       `json:"no_pool"`
	InitialLiquidity    uint64       `json:"initial_liquidity"`
	YesShares           uint64       `json:"yes_shares_outstanding"`
	NoShares            uint64       `json:"no_shares_outstanding"`
	TotalVolume         uint64       `json:"total_volume"`
	NetDeposited        uint64       `json:"net_deposited"`
	ResolvedPotSize     uint64       `json:"resolved_pot_size"`
	Status              MarketStatus `json:"status"`
	Resolution          *Side        `json:"resolution,omitempty"`
	ResolutionTimestamp int64        `json:"resolution_timestamp"`
	CreatedAt           time.Time    `json:"created_at"`
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
}

// Position is one user's share balance on one side of one market.
type Position struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Market   string `json:"market"`
	Side     Side   `json:"side"`
	Shares   uint64 `json:"shares"`
	AvgPrice uint64 `json:"avg_price"`
}

// EntryKind classifies an immutable ledger entry.
type EntryKind string

const (
	EntryBuy   EntryKind = "buy"
	EntrySell  EntryKind = "sell"
	EntryClaim EntryKind = "claim"
)

// LedgerEntry is an immutable record of a value-moving operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id" db:"id"`
	MarketKey string    `json:"market" db:"market_key"`
	User      string    `json:"user" db:"user_id"`
	Side      Side      `json:"side" db:"side"`
	Kind      EntryKind `json:"kind" db:"kind"`
	Amount    uint64    `json:"amount" db:"amount"`
	Shares    uint64    `json:"shares" db:"shares"`
	YesPool   uint64    `json:"yes_pool" db:"yes_pool"`
	NoPool    uint64    `json:"no_pool" db:"no_pool"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Odds are the implied outcome probabilities of a market, in percent.
type Odds struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Quote previews a buy without mutating the market.
type Quote struct {
	MarketKey     string          `json:"market"`
	Side          Side            `json:"side"`
	Amount        uint64          `json:"amount"`
	Shares        uint64          `json:"estimated_shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	CurrentOdds   Odds            `json:"current_odds"`
	NewOdds       Odds            `json:"new_odds"`
	PriceImpact   decimal.Decimal `json:"price_impact"`
	Warning       string          `json:"warning,omitempty"`
}

// Stats aggregates activity across all markets.
type Stats struct {
	TotalMarkets    int    `json:"total_markets"`
	OpenMarkets     int    `json:"open_markets"`
	ResolvedMarkets int    `json:"resolved_markets"`
	TotalVolume     uint64 `json:"total_volume"`
	TotalTraders    int    `json:"total_traders"`
}
