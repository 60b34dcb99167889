package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and read back as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies embedded schema migrations that have not run yet, each
// in its own transaction, in file name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, e := range entries {
		version := strings.TrimSuffix(e.Name(), ".up.sql")

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).
			Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		slog.Info("applied migration", "version", version)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT currency_id, maturity,
		        total_fcash::TEXT, total_cash::TEXT, total_liquidity::TEXT,
		        last_implied_rate::TEXT, oracle_rate::TEXT, previous_trade_time
		 FROM markets WHERE currency_id = $1 AND maturity = $2`, int32(currencyID), maturity)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %d/%d", ErrNotFound, currencyID, maturity)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d/%d: %w", currencyID, maturity, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency_id, maturity,
		        total_fcash::TEXT, total_cash::TEXT, total_liquidity::TEXT,
		        last_implied_rate::TEXT, oracle_rate::TEXT, previous_trade_time
		 FROM markets WHERE currency_id = $1 ORDER BY maturity`, int32(currencyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := make([]model.Market, 0)
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a := model.NewAccount(id)

	rows, err := s.pool.Query(ctx,
		`SELECT currency_id, cash_balance::TEXT, pool_token_balance::TEXT
		 FROM account_balances WHERE account_id = $1`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var currencyID int32
		var cash, tokens string
		if err := rows.Scan(&currencyID, &cash, &tokens); err != nil {
			rows.Close()
			return nil, err
		}
		a.Balances[uint16(currencyID)] = model.Balance{CashBalance: toDecimal(cash), PoolTokenBalance: toDecimal(tokens)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT currency_id, maturity, kind, notional::TEXT
		 FROM account_positions WHERE account_id = $1
		 ORDER BY currency_id, maturity, kind`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if a.Portfolio, err = scanPositions(rows); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetPoolToken(ctx context.Context, currencyID uint16) (*model.PoolToken, error) {
	pt := model.PoolToken{CurrencyID: currencyID}
	var supply, cash string
	err := s.pool.QueryRow(ctx,
		`SELECT total_supply::TEXT, cash_balance::TEXT, pv_haircut_percent, liquidation_haircut_percent
		 FROM pool_tokens WHERE currency_id = $1`, int32(currencyID)).
		Scan(&supply, &cash, &pt.PVHaircutPercent, &pt.LiquidationHaircutPercent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool token %d", ErrNotFound, currencyID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool token %d: %w", currencyID, err)
	}
	pt.TotalSupply = toDecimal(supply)
	pt.CashBalance = toDecimal(cash)

	rows, err := s.pool.Query(ctx,
		`SELECT currency_id, maturity, kind, notional::TEXT
		 FROM pool_token_positions WHERE currency_id = $1
		 ORDER BY currency_id, maturity, kind`, int32(currencyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if pt.Portfolio, err = scanPositions(rows); err != nil {
		return nil, err
	}
	return &pt, nil
}

func (s *PostgresStore) GetReserve(ctx context.Context, currencyID uint16) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM reserves WHERE currency_id = $1`, int32(currencyID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return toDecimal(balance), nil
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account_id, action, currency_id, maturity,
		        fcash::TEXT, cash::TEXT, implied_rate::TEXT, timestamp
		 FROM ledger_entries WHERE account_id = $1 ORDER BY timestamp`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var currencyID int32
		var fCash, cash, rate string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &currencyID, &e.Maturity,
			&fCash, &cash, &rate, &e.Timestamp); err != nil {
			return nil, err
		}
		e.CurrencyID = uint16(currencyID)
		e.FCash = toDecimal(fCash)
		e.Cash = toDecimal(cash)
		e.ImpliedRate = toDecimal(rate)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Commit writes the batch in one transaction. Account and pool token
// positions are replaced wholesale; reserves are incremented in SQL so
// concurrent writers cannot lose a delta.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := &pgx.Batch{}

		for _, m := range b.Markets {
			q.Queue(
				`INSERT INTO markets (currency_id, maturity, total_fcash, total_cash, total_liquidity,
				                      last_implied_rate, oracle_rate, previous_trade_time)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
				 ON CONFLICT (currency_id, maturity) DO UPDATE SET
				     total_fcash = EXCLUDED.total_fcash,
				     total_cash = EXCLUDED.total_cash,
				     total_liquidity = EXCLUDED.total_liquidity,
				     last_implied_rate = EXCLUDED.last_implied_rate,
				     oracle_rate = EXCLUDED.oracle_rate,
				     previous_trade_time = EXCLUDED.previous_trade_time`,
				int32(m.CurrencyID), m.Maturity,
				m.TotalFCash.String(), m.TotalCash.String(), m.TotalLiquidity.String(),
				m.LastImpliedRate.String(), m.OracleRate.String(), m.PreviousTradeTime,
			)
		}

		for _, a := range b.Accounts {
			q.Queue(`INSERT INTO accounts (id) VALUES ($1)
			         ON CONFLICT (id) DO UPDATE SET updated_at = now()`, a.ID)
			q.Queue(`DELETE FROM account_balances WHERE account_id = $1`, a.ID)
			q.Queue(`DELETE FROM account_positions WHERE account_id = $1`, a.ID)
			for id, bal := range a.Balances {
				if bal.CashBalance.IsZero() && bal.PoolTokenBalance.IsZero() {
					continue
				}
				q.Queue(`INSERT INTO account_balances (account_id, currency_id, cash_balance, pool_token_balance)
				         VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
					a.ID, int32(id), bal.CashBalance.String(), bal.PoolTokenBalance.String())
			}
			for _, pos := range a.Portfolio.Compact() {
				q.Queue(`INSERT INTO account_positions (account_id, currency_id, maturity, kind, notional)
				         VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
					a.ID, int32(pos.CurrencyID), pos.Maturity, int16(pos.Kind), pos.Notional.String())
			}
		}

		for _, pt := range b.PoolTokens {
			q.Queue(
				`INSERT INTO pool_tokens (currency_id, total_supply, cash_balance, pv_haircut_percent, liquidation_haircut_percent)
				 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
				 ON CONFLICT (currency_id) DO UPDATE SET
				     total_supply = EXCLUDED.total_supply,
				     cash_balance = EXCLUDED.cash_balance,
				     pv_haircut_percent = EXCLUDED.pv_haircut_percent,
				     liquidation_haircut_percent = EXCLUDED.liquidation_haircut_percent`,
				int32(pt.CurrencyID), pt.TotalSupply.String(), pt.CashBalance.String(),
				pt.PVHaircutPercent, pt.LiquidationHaircutPercent,
			)
			q.Queue(`DELETE FROM pool_token_positions WHERE currency_id = $1`, int32(pt.CurrencyID))
			for _, pos := range pt.Portfolio.Compact() {
				q.Queue(`INSERT INTO pool_token_positions (currency_id, maturity, kind, notional)
				         VALUES ($1, $2, $3, $4::NUMERIC)`,
					int32(pt.CurrencyID), pos.Maturity, int16(pos.Kind), pos.Notional.String())
			}
		}

		for id, delta := range b.Reserves {
			q.Queue(`INSERT INTO reserves (currency_id, balance) VALUES ($1, $2::NUMERIC)
			         ON CONFLICT (currency_id) DO UPDATE SET balance = reserves.balance + EXCLUDED.balance`,
				int32(id), delta.String())
		}

		for _, e := range b.Ledger {
			q.Queue(
				`INSERT INTO ledger_entries (id, account_id, action, currency_id, maturity, fcash, cash, implied_rate, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
				e.ID, e.AccountID, e.Action, int32(e.CurrencyID), e.Maturity,
				e.FCash.String(), e.Cash.String(), e.ImpliedRate.String(), e.Timestamp,
			)
		}

		return tx.SendBatch(ctx, q).Close()
	})
}

// scanMarket reads one markets row selected with NUMERIC columns as TEXT.
func scanMarket(row pgx.Row) (model.Market, error) {
	var m model.Market
	var currencyID int32
	var fCash, cash, liquidity, last, oracle string
	if err := row.Scan(&currencyID, &m.Maturity, &fCash, &cash, &liquidity, &last, &oracle, &m.PreviousTradeTime); err != nil {
		return model.Market{}, err
	}
	m.CurrencyID = uint16(currencyID)
	m.TotalFCash = toDecimal(fCash)
	m.TotalCash = toDecimal(cash)
	m.TotalLiquidity = toDecimal(liquidity)
	m.LastImpliedRate = toDecimal(last)
	m.OracleRate = toDecimal(oracle)
	return m, nil
}

func scanPositions(rows pgx.Rows) (model.Portfolio, error) {
	var p model.Portfolio
	for rows.Next() {
		var pos model.Position
		var currencyID int32
		var kind int16
		var notional string
		if err := rows.Scan(&currencyID, &pos.Maturity, &kind, &notional); err != nil {
			return nil, err
		}
		pos.CurrencyID = uint16(currencyID)
		pos.Kind = model.AssetKind(kind)
		pos.Notional = toDecimal(notional)
		p = append(p, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// toDecimal parses a NUMERIC rendered as TEXT. PostgreSQL always renders
// a valid decimal, so the parse error is dropped.
func toDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
