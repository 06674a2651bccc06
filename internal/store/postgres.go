package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vapor/market-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities are stored as NUMERIC(20,0) and cross the wire as text so the
// full uint64 range survives.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPool parses url, applies maxConns and verifies connectivity.
func OpenPool(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

const marketColumns = `key, authority, project_id::TEXT, project_name,
	yes_pool::TEXT, no_pool::TEXT, initial_liquidity::TEXT,
	yes_shares_outstanding::TEXT, no_shares_outstanding::TEXT,
	total_volume::TEXT, net_deposited::TEXT, resolved_pot_size::TEXT,
	status, resolution, resolution_timestamp, created_at, resolved_at`

const positionColumns = `key, owner, market_key, side, shares::TEXT, avg_price::TEXT`

func (s *PostgresStore) GetMarket(ctx context.Context, key string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE key = $1`, key)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %s: %w", key, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, status *model.MarketStatus) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	var args []any
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, status.String())
	}
	query += ` ORDER BY created_at DESC, key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list markets: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE key = $1`, key)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY market_key, side DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", user, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list positions %s: %w", user, err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketKey string, since time.Time) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_key, user_id, side, kind,
		        amount::TEXT, shares::TEXT, yes_pool::TEXT, no_pool::TEXT, timestamp
		 FROM ledger_entries WHERE market_key = $1 AND timestamp >= $2
		 ORDER BY seq`, marketKey, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger %s: %w", marketKey, err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	var volume string
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'open'),
		        COUNT(*) FILTER (WHERE status = 'resolved'),
		        LEAST(COALESCE(SUM(total_volume), 0), 18446744073709551615)::TEXT,
		        (SELECT COUNT(DISTINCT user_id) FROM ledger_entries)
		 FROM markets`).
		Scan(&st.TotalMarkets, &st.OpenMarkets, &st.ResolvedMarkets, &volume, &st.TotalTraders)
	if err != nil {
		return model.Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	if st.TotalVolume, err = parseUint(volume); err != nil {
		return model.Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Balance(ctx context.Context, account string) (uint64, error) {
	return balance(ctx, s.pool, account, false)
}

// pgTx implements Tx on a pgx transaction. Loads take row locks.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, key string) (*model.Market, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE key = $1 FOR UPDATE`, key)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock market %s: %w", key, err)
	}
	return m, nil
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO markets (
			key, authority, project_id, project_name,
			yes_pool, no_pool, initial_liquidity,
			yes_shares_outstanding, no_shares_outstanding,
			total_volume, net_deposited, resolved_pot_size,
			status, resolution, resolution_timestamp, created_at, resolved_at
		) VALUES (
			$1, $2, $3::NUMERIC, $4,
			$5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			$8::NUMERIC, $9::NUMERIC,
			$10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
			$13, $14, $15, $16, $17
		) ON CONFLICT DO NOTHING`,
		m.Key, m.Authority, formatUint(m.ProjectID), m.ProjectName,
		formatUint(m.YesPool), formatUint(m.NoPool), formatUint(m.InitialLiquidity),
		formatUint(m.YesShares), formatUint(m.NoShares),
		formatUint(m.TotalVolume), formatUint(m.NetDeposited), formatUint(m.ResolvedPotSize),
		m.Status.String(), sideText(m.Resolution), m.ResolutionTimestamp, m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET
			yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC,
			yes_shares_outstanding = $4::NUMERIC, no_shares_outstanding = $5::NUMERIC,
			total_volume = $6::NUMERIC, net_deposited = $7::NUMERIC,
			resolved_pot_size = $8::NUMERIC,
			status = $9, resolution = $10, resolved_at = $11
		 WHERE key = $1`,
		m.Key,
		formatUint(m.YesPool), formatUint(m.NoPool),
		formatUint(m.YesShares), formatUint(m.NoShares),
		formatUint(m.TotalVolume), formatUint(m.NetDeposited),
		formatUint(m.ResolvedPotSize),
		m.Status.String(), sideText(m.Resolution), m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE key = $1 FOR UPDATE`, key)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock position %s: %w", key, err)
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (key, owner, market_key, side, shares, avg_price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (key) DO UPDATE SET
			shares    = EXCLUDED.shares,
			avg_price = EXCLUDED.avg_price`,
		p.Key, p.Owner, p.Market, p.Side.String(), formatUint(p.Shares), formatUint(p.AvgPrice),
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Key, err)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, market_key, user_id, side, kind, amount, shares, yes_pool, no_pool, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.MarketKey, e.User, e.Side.String(), string(e.Kind),
		formatUint(e.Amount), formatUint(e.Shares), formatUint(e.YesPool), formatUint(e.NoPool),
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	have, err := balance(ctx, t.tx, from, true)
	if err != nil {
		return err
	}
	if have < amount {
		return ErrInsufficientBalance
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC WHERE account = $1`,
		from, formatUint(amount)); err != nil {
		return fmt.Errorf("postgres: debit %s: %w", from, err)
	}
	return t.Credit(ctx, to, amount)
}

func (t *pgTx) Credit(ctx context.Context, account string, amount uint64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		account, formatUint(amount))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" { // check_violation
			return ErrBalanceOverflow
		}
		return fmt.Errorf("postgres: credit %s: %w", account, err)
	}
	return nil
}

// --- Scan helpers ---

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balance(ctx context.Context, q querier, account string, forUpdate bool) (uint64, error) {
	query := `SELECT balance::TEXT FROM accounts WHERE account = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var s string
	err := q.QueryRow(ctx, query, account).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", account, err)
	}
	return parseUint(s)
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var projectID, yesPool, noPool, liquidity, yesShares, noShares, volume, deposited, pot string
	var status string
	var resolution *string

	err := row.Scan(&m.Key, &m.Authority, &projectID, &m.ProjectName,
		&yesPool, &noPool, &liquidity,
		&yesShares, &noShares,
		&volume, &deposited, &pot,
		&status, &resolution, &m.ResolutionTimestamp, &m.CreatedAt, &m.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&m.ProjectID, projectID},
		{&m.YesPool, yesPool},
		{&m.NoPool, noPool},
		{&m.InitialLiquidity, liquidity},
		{&m.YesShares, yesShares},
		{&m.NoShares, noShares},
		{&m.TotalVolume, volume},
		{&m.NetDeposited, deposited},
		{&m.ResolvedPotSize, pot},
	} {
		if *f.dst, err = parseUint(f.src); err != nil {
			return nil, err
		}
	}

	if m.Status, err = model.ParseMarketStatus(status); err != nil {
		return nil, err
	}
	if resolution != nil {
		side, err := model.ParseSide(*resolution)
		if err != nil {
			return nil, err
		}
		m.Resolution = &side
	}
	return &m, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var side, shares, avg string
	err := row.Scan(&p.Key, &p.Owner, &p.Market, &side, &shares, &avg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Side, err = model.ParseSide(side); err != nil {
		return nil, err
	}
	if p.Shares, err = parseUint(shares); err != nil {
		return nil, err
	}
	if p.AvgPrice, err = parseUint(avg); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var side, kind, amount, shares, yesPool, noPool string

		if err := rows.Scan(&e.ID, &e.MarketKey, &e.User, &side, &kind,
			&amount, &shares, &yesPool, &noPool, &e.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if e.Side, err = model.ParseSide(side); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		for _, f := range []struct {
			dst *uint64
			src string
		}{{&e.Amount, amount}, {&e.Shares, shares}, {&e.YesPool, yesPool}, {&e.NoPool, noPool}} {
			if *f.dst, err = parseUint(f.src); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: numeric %q out of range: %w", s, err)
	}
	return v, nil
}

func sideText(s *model.Side) *string {
	if s == nil {
		return nil
	}
	v := s.String()
	return &v
}
