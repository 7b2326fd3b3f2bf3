package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

type pgExecutor interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type backendPool interface {
	pgExecutor
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresBackend writes entities to one table per entity type. Component
// sub-properties are flattened into snake_case columns ("shipping.city"
// becomes shipping_city).
type PostgresBackend struct {
	pool           backendPool
	registry       keel.SchemaRegistry
	changeLogTable string
	nowFunc        func() time.Time
}

// PostgresBackendOption configures a PostgresBackend.
type PostgresBackendOption func(*PostgresBackend)

// WithChangeLogTable appends one row per write to table, inside the save
// transaction.
func WithChangeLogTable(table string) PostgresBackendOption {
	return func(b *PostgresBackend) { b.changeLogTable = table }
}

func NewPostgresBackend(pool backendPool, registry keel.SchemaRegistry, opts ...PostgresBackendOption) *PostgresBackend {
	b := &PostgresBackend{pool: pool, registry: registry, nowFunc: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if b.changeLogTable == "" {
		zap.S().Info("change log table name is empty, change log will be disabled")
	}
	return b
}

func (b *PostgresBackend) withClock(now func() time.Time) {
	if now != nil {
		b.nowFunc = now
	}
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (b *PostgresBackend) RelationshipMap() *keel.RelationshipMap {
	return b.registry.RelationshipMap()
}

func (b *PostgresBackend) BeginTx(ctx context.Context, settings keel.TransactionSettings) (keel.Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgIsoLevel(settings.IsolationLevel)})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func pgIsoLevel(level keel.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case keel.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case keel.IsolationReadCommitted:
		return pgx.ReadCommitted
	case keel.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case keel.IsolationSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}

func (b *PostgresBackend) executor(tx keel.Tx) (pgExecutor, error) {
	if tx == nil {
		return b.pool, nil
	}
	t, ok := tx.(*pgTx)
	if !ok {
		return nil, fmt.Errorf("transaction %T does not belong to the postgres backend", tx)
	}
	return t.tx, nil
}

// column is one stored data property.
type column struct {
	path      string
	name      string
	valueType keel.ValueType
}

// columnsOf lists stored columns of an entity type in declaration order.
func columnsOf(entityType *keel.EntityType) []column {
	var cols []column
	var walk func(prefix string, props []keel.PropertyDescriptor)
	walk = func(prefix string, props []keel.PropertyDescriptor) {
		for _, p := range props {
			path := p.Name
			if prefix != "" {
				path = prefix + "." + p.Name
			}
			if p.Type == keel.ValueTypeComponent {
				walk(path, p.Properties)
				continue
			}
			cols = append(cols, column{path: path, name: columnName(path), valueType: p.Type})
		}
	}
	walk("", entityType.Properties)
	return cols
}

func columnName(path string) string {
	var b strings.Builder
	for i, r := range path {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 && path[i-1] != '.' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (b *PostgresBackend) entityType(name string) (*keel.EntityType, error) {
	entityType, ok := b.registry.EntityType(name)
	if !ok {
		return nil, fmt.Errorf("entity type %s is not registered", name)
	}
	return entityType, nil
}

func (b *PostgresBackend) Write(ctx context.Context, tx keel.Tx, rec *keel.EntityRecord) error {
	entityType, err := b.entityType(rec.Entity.Type)
	if err != nil {
		return err
	}
	exec, err := b.executor(tx)
	if err != nil {
		return err
	}

	switch rec.EntityState {
	case keel.EntityStateAdded:
		err = b.insert(ctx, exec, entityType, rec)
	case keel.EntityStateModified:
		err = b.update(ctx, exec, entityType, rec.Entity)
	case keel.EntityStateDeleted:
		err = b.delete(ctx, exec, entityType, rec)
	default:
		return nil
	}
	if err != nil {
		return translatePgError(entityType, rec.Entity, err)
	}

	if b.changeLogTable != "" {
		if err := b.appendChangeLog(ctx, exec, entityType, rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) insert(ctx context.Context, exec pgExecutor, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	entity := rec.Entity
	query, args, returning := buildInsertStatement(entityType, rec)
	if returning == "" {
		_, err := exec.Exec(ctx, query, args...)
		return err
	}
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return fmt.Errorf("insert %s returned no key", entityType.Name)
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return fmt.Errorf("scan generated key: %w", err)
	}
	entity.Set(returning, id)
	rows.Close()
	return rows.Err()
}

// buildInsertStatement returns the INSERT and, for keys the database
// assigns, the key path to fill from RETURNING.
func buildInsertStatement(entityType *keel.EntityType, rec *keel.EntityRecord) (string, []any, string) {
	entity := rec.Entity
	identity := ""
	if backendAssignsKey(entityType, rec) {
		identity = entityType.KeyProperties[0]
	}
	var names, placeholders []string
	var args []any
	for _, col := range columnsOf(entityType) {
		if col.path == identity {
			continue
		}
		value := entity.Get(col.path)
		if col.path == entityType.VersionProperty && value == nil {
			continue // column default
		}
		args = append(args, value)
		names = append(names, sanitizeIdentifier(col.name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sanitizeIdentifier(entityType.Table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if identity != "" {
		query += " RETURNING " + sanitizeIdentifier(columnName(identity))
	}
	return query, args, identity
}

func (b *PostgresBackend) update(ctx context.Context, exec pgExecutor, entityType *keel.EntityType, entity *keel.Entity) error {
	query, args := buildUpdateStatement(entityType, entity)
	tag, err := exec.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return concurrencyError(entityType, entity)
	}
	return nil
}

// buildUpdateStatement sets every non-key column. With a version property the
// row must still carry the in-memory version, and the stored version is
// incremented.
func buildUpdateStatement(entityType *keel.EntityType, entity *keel.Entity) (string, []any) {
	isKey := make(map[string]bool, len(entityType.KeyProperties))
	for _, k := range entityType.KeyProperties {
		isKey[k] = true
	}
	var sets []string
	var args []any
	for _, col := range columnsOf(entityType) {
		if isKey[col.path] {
			continue
		}
		if col.path == entityType.VersionProperty {
			sets = append(sets, fmt.Sprintf("%s = %s + 1", sanitizeIdentifier(col.name), sanitizeIdentifier(col.name)))
			continue
		}
		args = append(args, entity.Get(col.path))
		sets = append(sets, fmt.Sprintf("%s = $%d", sanitizeIdentifier(col.name), len(args)))
	}
	where, args := keyPredicate(entityType, entity, args, true)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", sanitizeIdentifier(entityType.Table), strings.Join(sets, ", "), where), args
}

func keyPredicate(entityType *keel.EntityType, entity *keel.Entity, args []any, withVersion bool) (string, []any) {
	var preds []string
	for _, k := range entityType.KeyProperties {
		args = append(args, entity.Get(k))
		preds = append(preds, fmt.Sprintf("%s = $%d", sanitizeIdentifier(columnName(k)), len(args)))
	}
	if withVersion && entityType.VersionProperty != "" {
		args = append(args, entity.Get(entityType.VersionProperty))
		preds = append(preds, fmt.Sprintf("%s = $%d", sanitizeIdentifier(columnName(entityType.VersionProperty)), len(args)))
	}
	return strings.Join(preds, " AND "), args
}

func (b *PostgresBackend) delete(ctx context.Context, exec pgExecutor, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	where, args := keyPredicate(entityType, rec.Entity, nil, true)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", sanitizeIdentifier(entityType.Table), where)
	tag, err := exec.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return concurrencyError(entityType, rec.Entity)
	}
	return nil
}

func (b *PostgresBackend) appendChangeLog(ctx context.Context, exec pgExecutor, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (entity_type, entity_key, operation, changed_at) VALUES ($1, $2, $3, $4)",
		sanitizeIdentifier(b.changeLogTable),
	)
	key := keel.KeyString(entityType.KeyValues(rec.Entity))
	if _, err := exec.Exec(ctx, query, entityType.Name, key, string(rec.EntityState), b.nowFunc().UnixMilli()); err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

func (b *PostgresBackend) selectRow(ctx context.Context, tx keel.Tx, entityType *keel.EntityType, key []any) (map[string]any, bool, error) {
	exec, err := b.executor(tx)
	if err != nil {
		return nil, false, err
	}
	cols := columnsOf(entityType)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = sanitizeIdentifier(c.name)
	}
	var preds []string
	for i, k := range entityType.KeyProperties {
		preds = append(preds, fmt.Sprintf("%s = $%d", sanitizeIdentifier(columnName(k)), i+1))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(names, ", "), sanitizeIdentifier(entityType.Table), strings.Join(preds, " AND "))

	rows, err := exec.Query(ctx, query, key...)
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", entityType.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, false, fmt.Errorf("read %s row: %w", entityType.Name, err)
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		if i < len(values) {
			row[c.path] = scannedValue(c.valueType, values[i])
		}
	}
	return row, true, rows.Err()
}

func (b *PostgresBackend) LoadByKey(ctx context.Context, tx keel.Tx, entityTypeName string, key []any) (*keel.Entity, bool, error) {
	entityType, err := b.entityType(entityTypeName)
	if err != nil {
		return nil, false, err
	}
	row, found, err := b.selectRow(ctx, tx, entityType, key)
	if err != nil || !found {
		return nil, false, err
	}
	entity := keel.NewEntity(entityTypeName, nil)
	for path, v := range row {
		entity.Set(path, v)
	}
	return entity, true, nil
}

func (b *PostgresBackend) Refresh(ctx context.Context, tx keel.Tx, entity *keel.Entity) error {
	entityType, err := b.entityType(entity.Type)
	if err != nil {
		return err
	}
	row, found, err := b.selectRow(ctx, tx, entityType, entityType.KeyValues(entity))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("refresh %s %v: row not found", entity.Type, entityType.KeyValues(entity))
	}
	for path, v := range row {
		entity.Set(path, v)
	}
	return nil
}

func concurrencyError(entityType *keel.EntityType, entity *keel.Entity) *keel.ConstraintError {
	return &keel.ConstraintError{
		EntityTypeName: entityType.Name,
		ErrorName:      keel.ErrCodeConcurrencyViolation,
		Message:        "row was changed or deleted by another writer",
		PropertyName:   entityType.VersionProperty,
		KeyValues:      entityType.KeyValues(entity),
	}
}

var pgConstraintNames = map[string]string{
	"23502": "not_null_violation",
	"23503": "foreign_key_violation",
	"23505": "unique_violation",
	"23514": "check_violation",
}

// translatePgError turns integrity-constraint failures (SQLSTATE class 23)
// into entity errors. Everything else stays an infrastructure error.
func translatePgError(entityType *keel.EntityType, entity *keel.Entity, err error) error {
	var ce *keel.ConstraintError
	if errors.As(err, &ce) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || !strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("write %s: %w", entityType.Name, err)
	}
	name, ok := pgConstraintNames[pgErr.Code]
	if !ok {
		name = keel.ErrCodeConstraintViolation
	}
	msg := pgErr.Message
	if pgErr.ConstraintName != "" {
		msg = fmt.Sprintf("%s (%s)", msg, pgErr.ConstraintName)
	}
	return &keel.ConstraintError{
		EntityTypeName: entityType.Name,
		ErrorName:      name,
		Message:        msg,
		PropertyName:   propertyForColumn(entityType, pgErr.ColumnName),
		KeyValues:      entityType.KeyValues(entity),
		Cause:          err,
	}
}

func propertyForColumn(entityType *keel.EntityType, columnName string) string {
	if columnName == "" {
		return ""
	}
	for _, c := range columnsOf(entityType) {
		if c.name == columnName {
			return c.path
		}
	}
	return ""
}
