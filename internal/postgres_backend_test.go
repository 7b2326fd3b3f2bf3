package internal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/keel"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProductRegistry(t *testing.T) keel.SchemaRegistry {
	t.Helper()
	product := &keel.EntityType{
		Name:            "Product",
		Table:           "products",
		KeyProperties:   []string{"id"},
		KeyGeneration:   keel.KeyGenerationIdentity,
		VersionProperty: "version",
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "name", Type: keel.ValueTypeText},
			{Name: "version", Type: keel.ValueTypeBigInt},
			{Name: "dims", Type: keel.ValueTypeComponent, Properties: []keel.PropertyDescriptor{
				{Name: "widthCm", Type: keel.ValueTypeInteger},
			}},
		},
	}
	registry, err := NewSchemaRegistry([]*keel.EntityType{product}, nil)
	require.NoError(t, err)
	return registry
}

func newProduct(id any, version any) *keel.Entity {
	return keel.NewEntity("Product", map[string]any{
		"id":      id,
		"name":    "Lamp",
		"version": version,
		"dims":    map[string]any{"widthCm": 30},
	})
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "customer_id", columnName("customerId"))
	assert.Equal(t, "dims_width_cm", columnName("dims.widthCm"))
	assert.Equal(t, "name", columnName("name"))
}

func TestPostgresBackendInsertReturnsIdentityAndLogsChange(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	backend := NewPostgresBackend(mock, newProductRegistry(t), WithChangeLogTable("change_log"))
	fixed := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	backend.withClock(func() time.Time { return fixed })

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("^"+regexp.QuoteMeta(`INSERT INTO "products" ("name", "dims_width_cm") VALUES ($1, $2) RETURNING "id"`)+"$").
		WithArgs("Lamp", 30).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectExec(`^INSERT INTO "change_log"`).
		WithArgs("Product", "77", "added", fixed.UnixMilli()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tx, err := backend.BeginTx(ctx, keel.TransactionSettings{IsolationLevel: keel.IsolationReadCommitted})
	require.NoError(t, err)

	product := newProduct(int64(-1), nil)
	require.NoError(t, backend.Write(ctx, tx, added(product)))
	assert.Equal(t, int64(77), product.Get("id"))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendInsertLetsDatabaseAssignFlaggedKey(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sku := &keel.EntityType{
		Name:          "Sku",
		Table:         "skus",
		KeyProperties: []string{"id"},
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "label", Type: keel.ValueTypeText},
		},
	}
	registry, err := NewSchemaRegistry([]*keel.EntityType{sku}, nil)
	require.NoError(t, err)
	backend := NewPostgresBackend(mock, registry)

	mock.ExpectQuery("^" + regexp.QuoteMeta(`INSERT INTO "skus" ("label") VALUES ($1) RETURNING "id"`) + "$").
		WithArgs("bolt").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("^"+regexp.QuoteMeta(`INSERT INTO "skus" ("id", "label") VALUES ($1, $2)`)+"$").
		WithArgs(int64(12), "nut").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	flagged := &keel.EntityRecord{
		Entity:              keel.NewEntity("Sku", map[string]any{"id": int64(-1), "label": "bolt"}),
		EntityState:         keel.EntityStateAdded,
		HasAutoGeneratedKey: true,
	}
	require.NoError(t, backend.Write(ctx, nil, flagged))
	assert.Equal(t, int64(9), flagged.Entity.Get("id"))

	supplied := added(keel.NewEntity("Sku", map[string]any{"id": int64(12), "label": "nut"}))
	require.NoError(t, backend.Write(ctx, nil, supplied))
	assert.Equal(t, int64(12), supplied.Entity.Get("id"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	backend := NewPostgresBackend(mock, newProductRegistry(t))
	update := "^" + regexp.QuoteMeta(`UPDATE "products" SET "name" = $1, "version" = "version" + 1, "dims_width_cm" = $2 WHERE "id" = $3 AND "version" = $4`) + "$"

	mock.ExpectExec(update).
		WithArgs("Lamp", 30, int64(77), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(update).
		WithArgs("Lamp", 30, int64(77), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	rec := &keel.EntityRecord{Entity: newProduct(int64(77), int64(2)), EntityState: keel.EntityStateModified}
	require.NoError(t, backend.Write(ctx, nil, rec))

	err = backend.Write(ctx, nil, rec)
	require.Error(t, err)
	ce, ok := keel.AsConstraintError(err)
	require.True(t, ok)
	assert.Equal(t, keel.ErrCodeConcurrencyViolation, ce.ErrorName)
	assert.Equal(t, []any{int64(77)}, ce.KeyValues)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendDelete(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackend(mock, newProductRegistry(t))
	mock.ExpectExec("^"+regexp.QuoteMeta(`DELETE FROM "products" WHERE "id" = $1 AND "version" = $2`)+"$").
		WithArgs(int64(77), int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	rec := &keel.EntityRecord{Entity: newProduct(int64(77), int64(3)), EntityState: keel.EntityStateDeleted}
	require.NoError(t, backend.Write(ctx, nil, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendTranslatesIntegrityErrors(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	backend := NewPostgresBackend(mock, newProductRegistry(t))
	mock.ExpectExec(`^UPDATE "products"`).
		WithArgs("Lamp", 30, int64(77), int64(2)).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "new row violates check constraint", ConstraintName: "width_positive", ColumnName: "dims_width_cm"})
	mock.ExpectExec(`^UPDATE "products"`).
		WithArgs("Lamp", 30, int64(77), int64(2)).
		WillReturnError(errors.New("conn closed"))

	rec := &keel.EntityRecord{Entity: newProduct(int64(77), int64(2)), EntityState: keel.EntityStateModified}

	err = backend.Write(ctx, nil, rec)
	ce, ok := keel.AsConstraintError(err)
	require.True(t, ok)
	assert.Equal(t, "check_violation", ce.ErrorName)
	assert.Equal(t, "dims.widthCm", ce.PropertyName)
	assert.Contains(t, ce.Message, "width_positive")

	err = backend.Write(ctx, nil, rec)
	require.Error(t, err)
	_, ok = keel.AsConstraintError(err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendRefreshAndLoad(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	backend := NewPostgresBackend(mock, newProductRegistry(t))
	selectRow := "^" + regexp.QuoteMeta(`SELECT "id", "name", "version", "dims_width_cm" FROM "products" WHERE "id" = $1`) + "$"
	columns := []string{"id", "name", "version", "dims_width_cm"}

	mock.ExpectQuery(selectRow).WithArgs(int64(77)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(77), "Lamp", int64(3), int32(31)))
	mock.ExpectQuery(selectRow).WithArgs(int64(78)).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery(selectRow).WithArgs(int64(77)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(77), "Lamp", int64(3), int32(31)))

	product := newProduct(int64(77), int64(2))
	require.NoError(t, backend.Refresh(ctx, nil, product))
	assert.Equal(t, int64(3), product.Get("version"))
	assert.Equal(t, int32(31), product.Get("dims.widthCm"))

	_, found, err := backend.LoadByKey(ctx, nil, "Product", []any{int64(78)})
	require.NoError(t, err)
	assert.False(t, found)

	loaded, found, err := backend.LoadByKey(ctx, nil, "Product", []any{int64(77)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Lamp", loaded.Get("name"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOverPostgresBackendRollsBackOnConstraint(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	registry := newProductRegistry(t)
	backend := NewPostgresBackend(mock, registry)
	saver := NewSaveOrchestrator(registry, backend, nil)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(`^INSERT INTO "products"`).
		WithArgs("Lamp", 30).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint", ConstraintName: "products_name_key"})
	mock.ExpectRollback()

	product := newProduct(int64(-1), nil)
	result, err := saver.Save(ctx, keel.NewChangeSet().MustAdd(added(product)), keel.DefaultConfig().SaveOptions())
	require.NoError(t, err)
	require.Len(t, result.EntityErrors, 1)
	assert.Equal(t, "unique_violation", result.EntityErrors[0].ErrorName)
	assert.Empty(t, result.KeyMappings)
	assert.Equal(t, int64(-1), product.Get("id"))

	require.NoError(t, mock.ExpectationsWereMet())
}
