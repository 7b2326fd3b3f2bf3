package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"go.uber.org/zap"
)

type initDBOptions struct {
	host         string
	port         int
	database     string
	user         string
	password     string
	sslMode      string
	counterTable string
	changeLog    string
	counterName  string
	counterStart int64
	schemaDir    string
}

func runInitDB(args []string) error {
	flags := flag.NewFlagSet("init-db", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: keel-tools init-db [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := initDBOptions{}
	flags.StringVar(&opts.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", "keel"), "database name")
	flags.StringVar(&opts.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.StringVar(&opts.counterTable, "counter-table", getenvDefault("COUNTER_TABLE", "next_id"), "counter table name")
	flags.StringVar(&opts.changeLog, "change-log-table", getenvDefault("CHANGE_LOG_TABLE", "change_log"), "change log table name, empty to skip")
	flags.StringVar(&opts.counterName, "counter", getenvDefault("COUNTER_NAME", "GLOBAL"), "counter row to create")
	flags.Int64Var(&opts.counterStart, "counter-start", 1, "first id the counter hands out")
	flags.StringVar(&opts.schemaDir, "schema-dir", getenvDefault("SCHEMA_DIR", ""), "directory of entity schema files; entity tables are skipped when empty")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return initDatabase(opts)
}

func initDatabase(opts initDBOptions) error {
	ctx := context.Background()

	stmts, err := schemaStatements(opts)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, buildConnString(opts))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	if err := applySchema(ctx, pool, stmts); err != nil {
		return err
	}
	counters := internal.NewPostgresCounterStore(pool, opts.counterTable)
	if err := counters.EnsureCounter(ctx, opts.counterName, opts.counterStart); err != nil {
		return err
	}

	zap.S().Infow("database initialized", "statements", len(stmts), "counter", opts.counterName)
	return nil
}

func schemaStatements(opts initDBOptions) ([]string, error) {
	var registry keel.SchemaRegistry
	var err error
	if opts.schemaDir != "" {
		registry, err = internal.LoadSchemaDirectory(opts.schemaDir)
	} else {
		registry, err = internal.NewSchemaRegistry(nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	return internal.PostgresSchemaStatements(registry, keel.TableNames{Counter: opts.counterTable, ChangeLog: opts.changeLog})
}

type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// applySchema runs every statement in one transaction.
func applySchema(ctx context.Context, db txStarter, stmts []string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("%w; rollback failed: %v", err, rbErr)
			}
			return fmt.Errorf("apply %s: %w", firstLine(stmt), err)
		}
		zap.S().Debugw("applied", "statement", firstLine(stmt))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func buildConnString(opts initDBOptions) string {
	hostPort := fmt.Sprintf("%s:%d", opts.host, opts.port)

	var userInfo *url.Userinfo
	if opts.password != "" {
		userInfo = url.UserPassword(opts.user, opts.password)
	} else {
		userInfo = url.User(opts.user)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   hostPort,
		Path:   "/" + opts.database,
	}

	q := url.Values{}
	if opts.sslMode != "" {
		q.Set("sslmode", opts.sslMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
