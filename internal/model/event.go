package model

import "time"

// EventType names a notification emitted after a successful operation.
type EventType string

const (
	EventMarketCreated   EventType = "MarketCreated"
	EventSharesBought    EventType = "SharesBought"
	EventSharesSold      EventType = "SharesSold"
	EventMarketResolved  EventType = "MarketResolved"
	EventWinningsClaimed EventType = "WinningsClaimed"
)

// Event is the payload delivered to notification sinks. Only the fields
// relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Market    string    `json:"market"`
	ProjectID uint64    `json:"project_id,omitempty"`
	Authority string    `json:"authority,omitempty"`
	User      string    `json:"user,omitempty"`
	Side      *Side     `json:"side,omitempty"`
	Winner    *Side     `json:"winner,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Shares    uint64    `json:"shares,omitempty"`
	Payout    uint64    `json:"payout,omitempty"`
	YesPool   uint64    `json:"yes_pool,omitempty"`
	NoPool    uint64    `json:"no_pool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
