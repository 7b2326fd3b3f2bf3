package cdc

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParquetWriter encodes change log records as a ZSTD compressed Parquet file
// using an in-memory DuckDB database. Files are staged in dir.
type ParquetWriter struct {
	db  *sql.DB
	dir string
}

func NewParquetWriter(ctx context.Context, dir string, threads int) (*ParquetWriter, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d", threads)); err != nil {
			zap.S().Warnw("duckdb pragma failed", "pragma", "threads", "error", err)
		}
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &ParquetWriter{db: db, dir: dir}, nil
}

func (w *ParquetWriter) Close() error {
	return w.db.Close()
}

// Encode returns the Parquet bytes for records, preserving their order.
func (w *ParquetWriter) Encode(ctx context.Context, records []Record) ([]byte, error) {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("duckdb conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `CREATE OR REPLACE TEMP TABLE changes (
  seq BIGINT,
  entity_type VARCHAR,
  entity_key VARCHAR,
  operation VARCHAR,
  changed_at BIGINT
)`); err != nil {
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS changes"); err != nil {
			zap.S().Warnw("drop staging table failed", "error", err)
		}
	}()

	for i, r := range records {
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO changes VALUES (?, ?, ?, ?, ?)",
			int64(i), r.EntityType, r.EntityKey, r.Operation, r.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("stage record: %w", err)
		}
	}

	path := filepath.Join(w.dir, uuid.Must(uuid.NewV7()).String()+".parquet")
	defer os.Remove(path)
	copySQL := fmt.Sprintf(
		"COPY (SELECT entity_type, entity_key, operation, changed_at FROM changes ORDER BY seq) TO '%s' (FORMAT PARQUET, COMPRESSION 'ZSTD')",
		strings.ReplaceAll(path, "'", "''"),
	)
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		return nil, fmt.Errorf("duckdb copy exec: %w", err)
	}
	return os.ReadFile(path)
}
