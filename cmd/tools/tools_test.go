package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const schemaDir = "../../internal/testdata/schemas"

func TestBuildConnString(t *testing.T) {
	got := buildConnString(initDBOptions{host: "db", port: 6543, database: "app", user: "keel", password: "p@ss", sslMode: "require"})
	assert.Equal(t, "postgres://keel:p%40ss@db:6543/app?sslmode=require", got)
}

func TestSchemaStatementsFromDirectory(t *testing.T) {
	stmts, err := schemaStatements(initDBOptions{counterTable: "next_id", changeLog: "change_log", schemaDir: schemaDir})
	require.NoError(t, err)
	require.Len(t, stmts, 5)
	assert.Contains(t, stmts[0], `"next_id"`)
	assert.True(t, strings.HasPrefix(stmts[len(stmts)-1], `CREATE TABLE IF NOT EXISTS "order"`))

	stmts, err = schemaStatements(initDBOptions{counterTable: "next_id"})
	require.NoError(t, err)
	assert.Len(t, stmts, 1)
}

func TestApplySchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "a"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "b"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()

	require.NoError(t, applySchema(context.Background(), mock, []string{
		`CREATE TABLE IF NOT EXISTS "a" (id BIGINT)`,
		`CREATE TABLE IF NOT EXISTS "b" (id BIGINT)`,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchemaRollsBackOnFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = applySchema(context.Background(), mock, []string{"CREATE TABLE \"a\" (\n\tid BIGINT\n)"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Contains(t, err.Error(), `CREATE TABLE "a" (`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveIDsOnSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "counter.db"))
	require.NoError(t, err)
	defer db.Close()

	opts := nextIDsOptions{driver: "sqlite", table: "next_id", counter: "GLOBAL", count: 5, groupSize: 1, ensure: true}
	var out bytes.Buffer
	require.NoError(t, reserveIDs(context.Background(), db, opts, &out))
	assert.Equal(t, "1 5\n", out.String())

	out.Reset()
	opts.count = 3
	require.NoError(t, reserveIDs(context.Background(), db, opts, &out))
	assert.Equal(t, "6 8\n", out.String())

	opts.count = 0
	assert.Error(t, reserveIDs(context.Background(), db, opts, &out))
}

func TestDescribeSchemas(t *testing.T) {
	registry, err := internal.LoadSchemaDirectory(schemaDir)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, describeSchemas(registry, &out))
	text := out.String()
	assert.Contains(t, text, "Customer table=customers key=id generation=counter version=rowVersion")
	assert.Contains(t, text, "  customer -> Customer (customerId)")
	assert.Contains(t, text, "  shipping.warehouse -> Warehouse (shipping.warehouseCode)")
	assert.Contains(t, text, "Warehouse table=warehouse key=code generation="+string(keel.KeyGenerationNone))
}
