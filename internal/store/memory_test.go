package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vapor/market-engine/internal/model"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testMarket(key string, projectID uint64, created time.Time) *model.Market {
	return &model.Market{
		Key:              key,
		Authority:        "oracle",
		ProjectID:        projectID,
		ProjectName:      "project " + key,
		YesPool:          1_000_000,
		NoPool:           1_000_000,
		InitialLiquidity: 1_000_000,
		Status:           model.StatusOpen,
		CreatedAt:        created,
	}
}

func create(t *testing.T, s *MemoryStore, m *model.Market) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx Tx) error {
		return tx.CreateMarket(context.Background(), m)
	}))
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("m1", 1, t0))

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.ProjectID)

	_, err = s.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("m1", 1, t0))

	err := s.Update(ctx, func(tx Tx) error {
		return tx.CreateMarket(ctx, testMarket("m1", 2, t0))
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.CreateMarket(ctx, testMarket("other", 1, t0))
	})
	assert.ErrorIs(t, err, ErrAlreadyExists, "project ids are unique")

	err = s.Update(ctx, func(tx Tx) error {
		if err := tx.CreateMarket(ctx, testMarket("a", 9, t0)); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, testMarket("b", 9, t0))
	})
	assert.ErrorIs(t, err, ErrAlreadyExists, "staged project ids are unique")
}

func TestMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("m1", 1, t0))
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.Credit(ctx, "alice", 100)
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.YesPool = 1
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{Key: "p1", Owner: "alice", Market: "m1", Shares: 5}); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "e1", MarketKey: "m1", User: "alice"}); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, "alice", "escrow", 60); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), m.YesPool)

	_, err = s.GetPosition(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.GetLedgerEntriesByMarket(ctx, "m1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	bal, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}

func TestMemoryStore_TxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("m1", 1, t0))

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		m.TotalVolume = 42
		require.NoError(t, tx.UpdateMarket(ctx, m))

		again, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), again.TotalVolume)

		require.NoError(t, tx.SavePosition(ctx, &model.Position{Key: "p1", Owner: "alice", Shares: 3}))
		p, err := tx.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), p.Shares)
		return nil
	}))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("m1", 1, t0))

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	m.YesPool = 7

	again, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), again.YesPool)
}

func TestMemoryStore_UpdateMissingMarket(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.Update(ctx, func(tx Tx) error {
		return tx.UpdateMarket(ctx, testMarket("ghost", 1, t0))
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Transfer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Update(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, "alice", "escrow", 1)
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		if err := tx.Credit(ctx, "alice", 500); err != nil {
			return err
		}
		return tx.Transfer(ctx, "alice", "escrow", 200)
	}))

	alice, _ := s.Balance(ctx, "alice")
	escrow, _ := s.Balance(ctx, "escrow")
	assert.Equal(t, uint64(300), alice)
	assert.Equal(t, uint64(200), escrow)

	err = s.Update(ctx, func(tx Tx) error {
		if err := tx.Credit(ctx, "whale", ^uint64(0)); err != nil {
			return err
		}
		return tx.Credit(ctx, "whale", 1)
	})
	assert.ErrorIs(t, err, ErrBalanceOverflow)
}

func TestMemoryStore_ListMarkets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	create(t, s, testMarket("old", 1, t0))
	create(t, s, testMarket("new", 2, t0.Add(time.Hour)))
	resolved := testMarket("done", 3, t0.Add(30*time.Minute))
	resolved.Status = model.StatusResolved
	create(t, s, resolved)

	all, err := s.ListMarkets(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "done", "old"}, []string{all[0].Key, all[1].Key, all[2].Key})

	open := model.StatusOpen
	onlyOpen, err := s.ListMarkets(ctx, &open)
	require.NoError(t, err)
	assert.Len(t, onlyOpen, 2)
}

func TestMemoryStore_PositionsAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m1 := testMarket("m1", 1, t0)
	m1.TotalVolume = 300
	m2 := testMarket("m2", 2, t0)
	m2.TotalVolume = 50
	m2.Status = model.StatusResolved
	create(t, s, m1)
	create(t, s, m2)

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		for _, p := range []model.Position{
			{Key: "p3", Owner: "alice", Market: "m2", Side: model.SideNo, Shares: 1},
			{Key: "p1", Owner: "alice", Market: "m1", Side: model.SideYes, Shares: 2},
			{Key: "p2", Owner: "bob", Market: "m1", Side: model.SideNo, Shares: 3},
		} {
			if err := tx.SavePosition(ctx, &p); err != nil {
				return err
			}
		}
		for _, e := range []model.LedgerEntry{
			{ID: "1", MarketKey: "m1", User: "alice", Kind: model.EntryBuy, Timestamp: t0},
			{ID: "2", MarketKey: "m1", User: "bob", Kind: model.EntryBuy, Timestamp: t0.Add(time.Hour)},
			{ID: "3", MarketKey: "m1", User: "alice", Kind: model.EntrySell, Timestamp: t0.Add(2 * time.Hour)},
		} {
			if err := tx.InsertLedgerEntry(ctx, &e); err != nil {
				return err
			}
		}
		return nil
	}))

	positions, err := s.ListPositionsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "m1", positions[0].Market)
	assert.Equal(t, "m2", positions[1].Market)

	entries, err := s.GetLedgerEntriesByMarket(ctx, "m1", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[2].ID)

	recent, err := s.GetLedgerEntriesByMarket(ctx, "m1", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].ID)
	assert.Equal(t, "3", recent[1].ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{
		TotalMarkets:    2,
		OpenMarkets:     1,
		ResolvedMarkets: 1,
		TotalVolume:     350,
		TotalTraders:    2,
	}, st)
}
