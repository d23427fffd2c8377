package accounts

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id       TEXT PRIMARY KEY,
	balance       NUMERIC NOT NULL CHECK (balance >= 0),
	portfolio     JSONB   NOT NULL DEFAULT '[]'::jsonb,
	trade_history JSONB   NOT NULL DEFAULT '[]'::jsonb,
	version       BIGINT  NOT NULL DEFAULT 0
)`

const uniqueViolation = "23505"

// PostgresStore keeps accounts in a single table guarded by a version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and checks it.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the accounts table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate accounts")
	}
	return nil
}

// Load selects the account row.
func (s *PostgresStore) Load(ctx context.Context, userID string) (*domain.Account, error) {
	var (
		r         record
		portfolio string
		history   string
		version   int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, balance::text, portfolio::text, trade_history::text, version
		FROM accounts WHERE user_id = $1`, userID,
	).Scan(&r.UserID, &r.Balance, &portfolio, &history, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select account")
	}

	if err := json.Unmarshal([]byte(portfolio), &r.Portfolio); err != nil {
		return nil, errors.Wrap(err, "decode portfolio")
	}
	if err := json.Unmarshal([]byte(history), &r.TradeHistory); err != nil {
		return nil, errors.Wrap(err, "decode trade history")
	}
	r.Version = uint64(version)
	return r.toAccount()
}

// Save updates the row only when its version still matches.
func (s *PostgresStore) Save(ctx context.Context, acc *domain.Account) error {
	r := toRecord(acc)
	portfolio, history, err := marshalColumns(r)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance = $2::numeric, portfolio = $3::jsonb, trade_history = $4::jsonb, version = version + 1
			WHERE user_id = $1 AND version = $5`,
			r.UserID, r.Balance, portfolio, history, int64(r.Version),
		)
		if err != nil {
			return errors.Wrap(err, "update account")
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, r.UserID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check account")
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	})
	if err != nil {
		return err
	}

	acc.Version++
	return nil
}

// Create inserts a new row.
func (s *PostgresStore) Create(ctx context.Context, acc *domain.Account) error {
	r := toRecord(acc)
	portfolio, history, err := marshalColumns(r)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, portfolio, trade_history, version)
		VALUES ($1, $2::numeric, $3::jsonb, $4::jsonb, $5)`,
		r.UserID, r.Balance, portfolio, history, int64(r.Version),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrExists
	}
	if err != nil {
		return errors.Wrap(err, "insert account")
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = errors.Wrap(tx.Commit(ctx), "commit tx")
	}()

	return fn(tx)
}

func marshalColumns(r record) (string, string, error) {
	portfolio, err := json.Marshal(r.Portfolio)
	if err != nil {
		return "", "", errors.Wrap(err, "encode portfolio")
	}
	history, err := json.Marshal(r.TradeHistory)
	if err != nil {
		return "", "", errors.Wrap(err, "encode trade history")
	}
	return string(portfolio), string(history), nil
}
