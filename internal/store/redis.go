package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vapor/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after the
// transaction commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	// Invalidate; next read will re-populate. The write has committed, so
	// the caller giving up must not leave stale entries behind.
	if len(touched) > 0 {
		if err := s.rdb.Del(context.WithoutCancel(ctx), touched...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", touched, "err", err)
		}
	}
	return nil
}

// cachedTx records the cache keys a transaction makes stale.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.CreateMarket(ctx, m); err != nil {
		return err
	}
	*t.touched = append(*t.touched, marketKey(m.Key))
	return nil
}

func (t *cachedTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.UpdateMarket(ctx, m); err != nil {
		return err
	}
	*t.touched = append(*t.touched, marketKey(m.Key))
	return nil
}

func (t *cachedTx) SavePosition(ctx context.Context, p *model.Position) error {
	if err := t.Tx.SavePosition(ctx, p); err != nil {
		return err
	}
	*t.touched = append(*t.touched, positionKey(p.Key), positionsKey(p.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, key string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(key)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, key)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(key), m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(key)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(key), p)
	return p, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(user)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(user), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, status *model.MarketStatus) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, status)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketKey string, since time.Time) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketKey, since)
}

func (s *CachedStore) Stats(ctx context.Context) (model.Stats, error) {
	return s.primary.Stats(ctx)
}

func (s *CachedStore) Balance(ctx context.Context, account string) (uint64, error) {
	return s.primary.Balance(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(key string) string    { return fmt.Sprintf("market:%s", key) }
func positionKey(key string) string  { return fmt.Sprintf("position:%s", key) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
