// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache and distributed lock), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vapor/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientBalance is returned when a transfer exceeds the source
	// account's balance.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrBalanceOverflow is returned when a credit would exceed 2^64-1.
	ErrBalanceOverflow = errors.New("store: balance overflow")
)

// Store is the persistence interface. Every mutation goes through Update so
// that entity writes, value transfers and ledger entries commit together.
type Store interface {
	// Update runs fn in a transaction. If fn returns an error nothing it did
	// is persisted.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// --- Reads ---

	GetMarket(ctx context.Context, key string) (*model.Market, error)

	// ListMarkets returns markets newest first, optionally filtered by status.
	ListMarkets(ctx context.Context, status *model.MarketStatus) ([]model.Market, error)

	GetPosition(ctx context.Context, key string) (*model.Position, error)

	// ListPositionsByUser returns all of a user's positions ordered by market.
	ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error)

	// GetLedgerEntriesByMarket returns a market's ledger entries stamped at
	// or after since, in commit order. A zero since returns the whole ledger.
	GetLedgerEntriesByMarket(ctx context.Context, marketKey string, since time.Time) ([]model.LedgerEntry, error)

	// Stats aggregates market and trader counts.
	Stats(ctx context.Context) (model.Stats, error)

	// Balance returns an account's value balance. Unknown accounts hold 0.
	Balance(ctx context.Context, account string) (uint64, error)
}

// Tx is the view of the store inside Update. Entities returned by a Tx are
// copies; changes take effect only when saved back.
type Tx interface {
	// GetMarket loads a market for update.
	GetMarket(ctx context.Context, key string) (*model.Market, error)

	// CreateMarket inserts a new market, failing with ErrAlreadyExists if the
	// key or project is taken.
	CreateMarket(ctx context.Context, m *model.Market) error

	UpdateMarket(ctx context.Context, m *model.Market) error

	// GetPosition loads a position for update.
	GetPosition(ctx context.Context, key string) (*model.Position, error)

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertLedgerEntry appends an immutable entry.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// Transfer moves amount between accounts.
	Transfer(ctx context.Context, from, to string, amount uint64) error

	// Credit mints amount into an account.
	Credit(ctx context.Context, account string, amount uint64) error
}

// Locker serializes writers to one key across processes.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. The returned
	// function releases it and is safe to call more than once.
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}
