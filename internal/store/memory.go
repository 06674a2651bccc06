package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vapor/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the duration of fn and stages every change
// in a memTx that is merged only when fn succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	projects  map[uint64]string
	positions map[string]*model.Position
	ledger    []model.LedgerEntry
	balances  map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		projects:  make(map[uint64]string),
		positions: make(map[string]*model.Position),
		balances:  make(map[string]uint64),
	}
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
		balances:  make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for k, m := range tx.markets {
		s.markets[k] = m
		s.projects[m.ProjectID] = k
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.ledger = append(s.ledger, tx.ledger...)
	for k, b := range tx.balances {
		s.balances[k] = b
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, key string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, status *model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if status != nil && m.Status != *status {
			continue
		}
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].Key < markets[j].Key
	})
	return markets, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, user string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Owner == user {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Market != result[j].Market {
			return result[i].Market < result[j].Market
		}
		return result[i].Side < result[j].Side
	})
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketKey string, since time.Time) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketKey == marketKey && !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st model.Stats
	for _, m := range s.markets {
		st.TotalMarkets++
		switch m.Status {
		case model.StatusOpen:
			st.OpenMarkets++
		case model.StatusResolved:
			st.ResolvedMarkets++
		case model.StatusCancelled:
		}
		if st.TotalVolume > math.MaxUint64-m.TotalVolume {
			st.TotalVolume = math.MaxUint64
		} else {
			st.TotalVolume += m.TotalVolume
		}
	}

	traders := make(map[string]struct{})
	for _, e := range s.ledger {
		traders[e.User] = struct{}{}
	}
	st.TotalTraders = len(traders)
	return st, nil
}

func (s *MemoryStore) Balance(_ context.Context, account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

// memTx stages writes on top of a MemoryStore whose write lock is held.
type memTx struct {
	s         *MemoryStore
	markets   map[string]*model.Market
	positions map[string]*model.Position
	ledger    []model.LedgerEntry
	balances  map[string]uint64
}

func (tx *memTx) GetMarket(_ context.Context, key string) (*model.Market, error) {
	if m, ok := tx.markets[key]; ok {
		return copyMarket(m), nil
	}
	m, ok := tx.s.markets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMarket(m), nil
}

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.markets[m.Key]; ok {
		return ErrAlreadyExists
	}
	if _, ok := tx.s.markets[m.Key]; ok {
		return ErrAlreadyExists
	}
	if _, ok := tx.s.projects[m.ProjectID]; ok {
		return ErrAlreadyExists
	}
	for _, staged := range tx.markets {
		if staged.ProjectID == m.ProjectID {
			return ErrAlreadyExists
		}
	}
	tx.markets[m.Key] = copyMarket(m)
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	_, staged := tx.markets[m.Key]
	_, stored := tx.s.markets[m.Key]
	if !staged && !stored {
		return ErrNotFound
	}
	tx.markets[m.Key] = copyMarket(m)
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, key string) (*model.Position, error) {
	p, ok := tx.positions[key]
	if !ok {
		if p, ok = tx.s.positions[key]; !ok {
			return nil, ErrNotFound
		}
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	copy := *p
	tx.positions[p.Key] = &copy
	return nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}

func (tx *memTx) balance(account string) uint64 {
	if b, ok := tx.balances[account]; ok {
		return b
	}
	return tx.s.balances[account]
}

func (tx *memTx) Transfer(_ context.Context, from, to string, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	fb, tb := tx.balance(from), tx.balance(to)
	if fb < amount {
		return ErrInsufficientBalance
	}
	if tb > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	tx.balances[from] = fb - amount
	tx.balances[to] = tb + amount
	return nil
}

func (tx *memTx) Credit(_ context.Context, account string, amount uint64) error {
	b := tx.balance(account)
	if b > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	tx.balances[account] = b + amount
	return nil
}

// copyMarket returns a deep copy, including the pointer fields.
func copyMarket(m *model.Market) *model.Market {
	c := *m
	if m.Resolution != nil {
		r := *m.Resolution
		c.Resolution = &r
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
