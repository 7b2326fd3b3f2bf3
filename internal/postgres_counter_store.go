package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type counterPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresCounterStore keeps counter rows in a (name, next_id) table. It runs
// on the pool, outside any save transaction, so a window reservation is never
// rolled back with the save that triggered it.
type PostgresCounterStore struct {
	pool  counterPool
	table string
}

func NewPostgresCounterStore(pool counterPool, table string) *PostgresCounterStore {
	if table == "" {
		table = "next_id"
	}
	return &PostgresCounterStore{pool: pool, table: table}
}

func (s *PostgresCounterStore) ReadNextID(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf("SELECT next_id FROM %s WHERE name = $1", sanitizeIdentifier(s.table))
	var next int64
	if err := s.pool.QueryRow(ctx, query, name).Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("counter %s does not exist", name)
		}
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return next, nil
}

func (s *PostgresCounterStore) CompareAndSwapNextID(ctx context.Context, name string, observed, next int64) (bool, error) {
	query := fmt.Sprintf("UPDATE %s SET next_id = $1 WHERE name = $2 AND next_id = $3", sanitizeIdentifier(s.table))
	tag, err := s.pool.Exec(ctx, query, next, name, observed)
	if err != nil {
		return false, fmt.Errorf("update counter %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EnsureCounter creates the counter row starting at start unless it exists.
func (s *PostgresCounterStore) EnsureCounter(ctx context.Context, name string, start int64) error {
	query := fmt.Sprintf("INSERT INTO %s (name, next_id) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING", sanitizeIdentifier(s.table))
	if _, err := s.pool.Exec(ctx, query, name, start); err != nil {
		return fmt.Errorf("create counter %s: %w", name, err)
	}
	return nil
}
