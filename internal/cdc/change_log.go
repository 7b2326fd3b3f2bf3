package cdc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Record is one row of the change log table.
type Record struct {
	EntityType string
	EntityKey  string
	Operation  string
	ChangedAt  int64
}

type pgPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresChangeLog reads and acknowledges rows the save backend appended
// to the change log table. A row is pending while flushed_at is 0.
type PostgresChangeLog struct {
	pool  pgPool
	table string
}

func NewPostgresChangeLog(pool pgPool, table string) *PostgresChangeLog {
	return &PostgresChangeLog{pool: pool, table: table}
}

func (c *PostgresChangeLog) tableName() string {
	return pgx.Identifier{c.table}.Sanitize()
}

// Pending returns up to limit unflushed records, oldest first.
func (c *PostgresChangeLog) Pending(ctx context.Context, limit int) ([]Record, error) {
	query := fmt.Sprintf(
		"SELECT entity_type, entity_key, operation, changed_at FROM %s WHERE flushed_at = 0 ORDER BY changed_at, entity_type, entity_key LIMIT $1",
		c.tableName(),
	)
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EntityType, &r.EntityKey, &r.Operation, &r.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkFlushed stamps the given records with flushedAt in one transaction and
// returns how many rows changed. Rows appended after Pending ran stay pending.
func (c *PostgresChangeLog) MarkFlushed(ctx context.Context, records []Record, flushedAt int64) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	query := fmt.Sprintf(
		"UPDATE %s SET flushed_at = $1 WHERE flushed_at = 0 AND entity_type = $2 AND entity_key = $3 AND operation = $4 AND changed_at = $5",
		c.tableName(),
	)
	var total int64
	for _, r := range records {
		tag, err := tx.Exec(ctx, query, flushedAt, r.EntityType, r.EntityKey, r.Operation, r.ChangedAt)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return 0, fmt.Errorf("mark flushed: %w; rollback failed: %v", err, rbErr)
			}
			return 0, fmt.Errorf("mark flushed: %w", err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return total, nil
}

// Stats reports the number of pending rows and the oldest changed_at among
// them, 0 when nothing is pending.
func (c *PostgresChangeLog) Stats(ctx context.Context) (int64, int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(MIN(changed_at), 0) FROM %s WHERE flushed_at = 0", c.tableName())
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("query change log stats: %w", err)
	}
	defer rows.Close()
	var count, oldest int64
	if rows.Next() {
		if err := rows.Scan(&count, &oldest); err != nil {
			return 0, 0, fmt.Errorf("scan change log stats: %w", err)
		}
	}
	return count, oldest, rows.Err()
}
