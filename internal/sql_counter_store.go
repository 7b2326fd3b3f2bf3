package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PlaceholderStyle selects how bind parameters are written for a driver.
type PlaceholderStyle int

const (
	PlaceholderDollar   PlaceholderStyle = iota // $1, $2 (postgres, duckdb)
	PlaceholderQuestion                         // ?, ? (sqlite)
)

// PlaceholderStyleForDriver picks the placeholder style of a database/sql driver name.
func PlaceholderStyleForDriver(driver string) PlaceholderStyle {
	switch driver {
	case "sqlite", "sqlite3":
		return PlaceholderQuestion
	default:
		return PlaceholderDollar
	}
}

// SQLCounterStore is the database/sql flavour of the counter store, used by
// embedded deployments and the tools binary.
type SQLCounterStore struct {
	db    *sql.DB
	table string
	style PlaceholderStyle
}

func NewSQLCounterStore(db *sql.DB, table string, style PlaceholderStyle) *SQLCounterStore {
	if table == "" {
		table = "next_id"
	}
	return &SQLCounterStore{db: db, table: table, style: style}
}

func (s *SQLCounterStore) bind(query string) string {
	if s.style == PlaceholderDollar {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLCounterStore) quotedTable() string {
	return `"` + strings.ReplaceAll(s.table, `"`, `""`) + `"`
}

// EnsureTable creates the counter table if it is missing.
func (s *SQLCounterStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name VARCHAR(64) PRIMARY KEY, next_id BIGINT NOT NULL)", s.quotedTable())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create counter table: %w", err)
	}
	return nil
}

// EnsureCounter creates the counter row starting at start unless it exists.
func (s *SQLCounterStore) EnsureCounter(ctx context.Context, name string, start int64) error {
	query := s.bind(fmt.Sprintf("INSERT INTO %s (name, next_id) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING", s.quotedTable()))
	if _, err := s.db.ExecContext(ctx, query, name, start); err != nil {
		return fmt.Errorf("create counter %s: %w", name, err)
	}
	return nil
}

func (s *SQLCounterStore) ReadNextID(ctx context.Context, name string) (int64, error) {
	query := s.bind(fmt.Sprintf("SELECT next_id FROM %s WHERE name = $1", s.quotedTable()))
	var next int64
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("counter %s does not exist", name)
		}
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return next, nil
}

func (s *SQLCounterStore) CompareAndSwapNextID(ctx context.Context, name string, observed, next int64) (bool, error) {
	query := s.bind(fmt.Sprintf("UPDATE %s SET next_id = $1 WHERE name = $2 AND next_id = $3", s.quotedTable()))
	res, err := s.db.ExecContext(ctx, query, next, name, observed)
	if err != nil {
		return false, fmt.Errorf("update counter %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update counter %s: %w", name, err)
	}
	return n == 1, nil
}
