package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/mbd888/sentinel/migrations"
)

// PostgresStore persists records in the kv_records table (see
// migrations/). Each Update is one SQL transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&postgresTx{ctx: ctx, tx: tx, readOnly: true})
}

// Migrate applies every pending embedded migration to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close is a no-op: the *sql.DB belongs to the caller.
func (p *PostgresStore) Close() error { return nil }

type postgresTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *postgresTx) Get(key string, out any) error {
	var raw []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv_records WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return Decode(raw, out)
}

func (t *postgresTx) Put(key string, v any) error {
	if t.readOnly {
		return errReadOnly
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, data,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *postgresTx) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *postgresTx) Scan(prefix string, fn func(key string, raw []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key, value FROM kv_records
		WHERE starts_with(key, $1)
		ORDER BY key COLLATE "C"`, prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	type kv struct {
		key string
		raw []byte
	}
	// Drain before calling fn so callbacks may issue their own queries on tx.
	var batch []kv
	for rows.Next() {
		var r kv
		if err := rows.Scan(&r.key, &r.raw); err != nil {
			return err
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, r := range batch {
		if err := fn(r.key, r.raw); err != nil {
			return err
		}
	}
	return nil
}
