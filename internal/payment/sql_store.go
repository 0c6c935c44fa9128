package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const createPendingPaymentsTable = `
CREATE TABLE IF NOT EXISTS pending_payments (
	session_key       VARCHAR(128) PRIMARY KEY,
	payment_reference VARCHAR(128) NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// SQLStore keeps pending references in PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := NewSQLStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createPendingPaymentsTable); err != nil {
		return fmt.Errorf("failed to create pending_payments table: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var reference string
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_reference FROM pending_payments WHERE session_key = $1`, key,
	).Scan(&reference)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read pending payment: %w", err)
	}
	return reference, true, nil
}

func (s *SQLStore) Put(ctx context.Context, key, reference string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_payments (session_key, payment_reference, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_key) DO UPDATE
		SET payment_reference = EXCLUDED.payment_reference, created_at = NOW()`,
		key, reference,
	)
	if err != nil {
		return fmt.Errorf("failed to store pending payment: %w", err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_payments WHERE session_key = $1`, key); err != nil {
		return fmt.Errorf("failed to clear pending payment: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
