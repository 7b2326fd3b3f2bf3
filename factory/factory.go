package factory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool the save pipeline needs.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewSaveManagerWithConfig creates a SaveManager over a Postgres pool.
// This is the primary way for external projects to create one.
//
// Entity types come from config.SchemaRegistry when set, otherwise from the
// JSON schema files in config.Entity.SchemaDirectory. Every entity table and
// the counter table must already exist.
//
// Usage:
//
//	config := keel.DefaultConfig()
//	config.Entity.SchemaDirectory = "./schemas"
//	pool, err := factory.NewPool(ctx, config.Database)
//	sm, err := factory.NewSaveManagerWithConfig(config, pool)
//	result, err := sm.Save(ctx, changeSet, config.SaveOptions())
func NewSaveManagerWithConfig(config *keel.Config, pool Pool) (keel.SaveManager, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	registry := config.SchemaRegistry
	if registry == nil {
		if config.Entity.SchemaDirectory == "" {
			return nil, &keel.ConfigError{Field: "entity.schemaDirectory", Message: "required when no SchemaRegistry is provided"}
		}
		loaded, err := internal.LoadSchemaDirectory(config.Entity.SchemaDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to load entity schemas: %w", err)
		}
		registry = loaded
	}
	zap.S().Infow("entity types loaded", "count", len(registry.ListEntityTypes()))

	if err := verifyTables(ctx, pool, config, registry); err != nil {
		return nil, err
	}

	counters := internal.NewPostgresCounterStore(pool, config.Database.TableNames.Counter)
	if err := counters.EnsureCounter(ctx, config.KeyGeneration.CounterName, 1); err != nil {
		return nil, fmt.Errorf("failed to initialize counter: %w", err)
	}
	var counterStore keel.CounterStore = counters
	if kg := config.KeyGeneration; kg.BreakerThreshold > 0 {
		counterStore = internal.NewBreakerCounterStore(counters,
			internal.NewCircuitBreaker(kg.BreakerThreshold, kg.BreakerWindow, kg.BreakerOpenDuration))
	}
	keyGen := internal.NewStrategyKeyGenerator(registry, internal.NewCounterKeyGenerator(counterStore, config.KeyGeneration))

	backend := internal.NewPostgresBackend(pool, registry, internal.WithChangeLogTable(config.Database.TableNames.ChangeLog))

	var opts []internal.SaveOrchestratorOption
	if config.Journal.Enabled {
		journal, err := internal.NewS3JournalFromConfig(ctx, config.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to create save journal: %w", err)
		}
		opts = append(opts, internal.WithJournal(journal))
	}

	if config.Metrics.Enabled {
		emitter, err := internal.NewPrometheusEmitter(prometheus.DefaultRegisterer, config.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		internal.RegisterTelemetryEmitter(emitter.Emit)
	}

	return internal.NewSaveOrchestrator(registry, backend, keyGen, opts...), nil
}

// verifyTables checks that the counter table, the change log table (when
// configured) and every entity table exist in the current schema.
func verifyTables(ctx context.Context, pool Pool, config *keel.Config, registry keel.SchemaRegistry) error {
	rows, err := pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`)
	if err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	required := []string{config.Database.TableNames.Counter}
	if config.Database.TableNames.ChangeLog != "" {
		required = append(required, config.Database.TableNames.ChangeLog)
	}
	for _, name := range registry.ListEntityTypes() {
		if et, ok := registry.EntityType(name); ok {
			required = append(required, et.Table)
		}
	}
	var missing []string
	for _, table := range required {
		if !slices.Contains(tables, table) {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tables are missing in the database: %v", missing)
	}
	return nil
}

// NewPool opens a pgx pool for cfg. With UseIAMAuth the password is replaced
// by a DSQL auth token generated from the default AWS credential chain.
func NewPool(ctx context.Context, cfg keel.DatabaseConfig) (*pgxpool.Pool, error) {
	password := cfg.Password
	if cfg.UseIAMAuth {
		token, err := generateAuthToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		password = token
	}

	poolConfig, err := pgxpool.ParseConfig(connString(cfg, password))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func connString(cfg keel.DatabaseConfig, password string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database, sslMode)
}

func generateAuthToken(ctx context.Context, cfg keel.DatabaseConfig) (string, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("generate dsql auth token: %w", err)
	}
	zap.S().Infow("generated IAM auth token for Postgres connection", "endpoint", endpoint)
	return token, nil
}

// NewLogger builds a zap logger from the logging settings. Format "console"
// selects the development encoder, anything else JSON.
func NewLogger(cfg keel.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, &keel.ConfigError{Field: "logging.level", Message: err.Error()}
		}
		zc.Level = level
	}
	return zc.Build()
}
