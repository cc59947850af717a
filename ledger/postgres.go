package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cloudx-io/escrowauction/core"
)

// Postgres is a durable host backed by PostgreSQL.
type Postgres struct {
	db    *sql.DB
	clock core.Clock
	sink  EventSink
}

// PostgresConfig contains connection and runtime settings.
type PostgresConfig struct {
	// URL is a lib/pq connection string or postgres:// URL.
	URL   string
	Clock core.Clock
	Sink  EventSink
}

// NewPostgres opens the database, checks connectivity and runs migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	p := &Postgres{db: db, clock: clock, sink: cfg.Sink}
	if err := p.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contract_state (
			contract_id TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       BYTEA NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (contract_id, key)
		);
		CREATE TABLE IF NOT EXISTS balances (
			token     TEXT NOT NULL,
			principal TEXT NOT NULL,
			amount    NUMERIC(39, 0) NOT NULL DEFAULT 0
			          CHECK (amount BETWEEN 0 AND 170141183460469231731687303715884105727),
			PRIMARY KEY (token, principal)
		);
	`)
	return err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Invoke runs fn in a read-committed transaction. Calls on the same contract
// are serialized with a transaction-scoped advisory lock; each statement after
// the lock sees everything committed before it was granted. Balance rows are
// locked with FOR UPDATE.
func (p *Postgres) Invoke(ctx context.Context, contractID string, fn func(env core.Env) error) error {
	if contractID == "" {
		return fmt.Errorf("%w: empty contract id", ErrInvalidAccount)
	}

	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, contractID); err != nil {
		return fmt.Errorf("lock contract %s: %w", contractID, err)
	}

	tx := &postgresTx{ctx: ctx, tx: sqlTx, contractID: contractID, events: &eventBuffer{}}
	if err := fn(tx.env(p.clock)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	tx.events.flush(ctx, p.sink, contractID)
	return nil
}

// View runs fn in a read-only transaction.
func (p *Postgres) View(ctx context.Context, contractID string, fn func(env core.Env) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &postgresTx{ctx: ctx, tx: sqlTx, contractID: contractID, events: &eventBuffer{}}
	return fn(tx.env(p.clock))
}

func (p *Postgres) Mint(ctx context.Context, token core.AssetID, to core.Principal, amount core.Amount) error {
	if err := validateTransfer(token, to, to, amount); err != nil {
		return err
	}
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &postgresTx{ctx: ctx, tx: sqlTx}
	if err := tx.credit(ctx, token, to, amount); err != nil {
		return fmt.Errorf("mint %s %s to %s: %w", amount, token, to, err)
	}
	return sqlTx.Commit()
}

func (p *Postgres) Balance(ctx context.Context, token core.AssetID, principal core.Principal) (core.Amount, error) {
	var raw string
	err := p.db.QueryRowContext(ctx,
		`SELECT amount::text FROM balances WHERE token = $1 AND principal = $2`,
		string(token), string(principal)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Amount{}, nil
	}
	if err != nil {
		return core.Amount{}, fmt.Errorf("query balance: %w", err)
	}
	return core.ParseAmount(raw)
}

type postgresTx struct {
	ctx        context.Context
	tx         *sql.Tx
	contractID string
	events     *eventBuffer
}

func (t *postgresTx) env(clock core.Clock) core.Env {
	return core.Env{
		Store:    t,
		Ledger:   t,
		Clock:    clock,
		Events:   t.events,
		Contract: ContractPrincipal(t.contractID),
	}
}

func (t *postgresTx) Has(key core.DataKey) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT EXISTS(SELECT 1 FROM contract_state WHERE contract_id = $1 AND key = $2)`,
		t.contractID, string(key)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query state: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) Get(key core.DataKey) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM contract_state WHERE contract_id = $1 AND key = $2`,
		t.contractID, string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query state: %w", err)
	}
	return value, true, nil
}

func (t *postgresTx) Set(key core.DataKey, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO contract_state (contract_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (contract_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		t.contractID, string(key), value)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (t *postgresTx) Transfer(ctx context.Context, token core.AssetID, from, to core.Principal, amount core.Amount) error {
	if err := validateTransfer(token, from, to, amount); err != nil {
		return err
	}

	var raw string
	err := t.tx.QueryRowContext(ctx,
		`SELECT amount::text FROM balances WHERE token = $1 AND principal = $2 FOR UPDATE`,
		string(token), string(from)).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		raw = "0"
	case err != nil:
		return fmt.Errorf("query balance: %w", err)
	}

	balance, err := core.ParseAmount(raw)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, balance, token, amount)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount - $3::numeric WHERE token = $1 AND principal = $2`,
		string(token), string(from), amount.String()); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	return t.credit(ctx, token, to, amount)
}

func (t *postgresTx) credit(ctx context.Context, token core.AssetID, to core.Principal, amount core.Amount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (token, principal, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (token, principal) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		string(token), string(to), amount.String())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "check_violation" {
			return fmt.Errorf("credit %s: %w", to, core.ErrAmountOverflow)
		}
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}
