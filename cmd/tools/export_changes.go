package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"github.com/lychee-technology/keel/internal/cdc"
	"go.uber.org/zap"
)

type exportOptions struct {
	db        initDBOptions
	table     string
	bucket    string
	prefix    string
	region    string
	endpoint  string
	batchSize int
	threads   int
	stageDir  string
	dryRun    bool
}

func runExportChanges(args []string) error {
	flags := flag.NewFlagSet("export-changes", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: keel-tools export-changes [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := exportOptions{}
	flags.StringVar(&opts.db.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.db.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.db.database, "db-name", getenvDefault("DB_NAME", "keel"), "database name")
	flags.StringVar(&opts.db.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.db.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.db.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.StringVar(&opts.table, "change-log-table", getenvDefault("CHANGE_LOG_TABLE", "change_log"), "change log table name")
	flags.StringVar(&opts.bucket, "bucket", getenvDefault("S3_BUCKET", ""), "destination bucket")
	flags.StringVar(&opts.prefix, "prefix", getenvDefault("S3_PREFIX", "changes"), "destination key prefix")
	flags.StringVar(&opts.region, "region", getenvDefault("AWS_REGION", ""), "AWS region")
	flags.StringVar(&opts.endpoint, "endpoint", getenvDefault("S3_ENDPOINT", ""), "S3-compatible endpoint")
	flags.IntVar(&opts.batchSize, "batch-size", getenvDefaultInt("EXPORT_BATCH_SIZE", 1000), "rows per parquet object")
	flags.IntVar(&opts.threads, "duckdb-threads", getenvDefaultInt("DUCKDB_THREADS", 2), "duckdb worker threads")
	flags.StringVar(&opts.stageDir, "stage-dir", getenvDefault("EXPORT_STAGE_DIR", ""), "local directory for staged parquet files")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "upload one batch without marking rows flushed")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.bucket == "" {
		return fmt.Errorf("-bucket is required")
	}
	return exportChanges(context.Background(), opts)
}

func exportChanges(ctx context.Context, opts exportOptions) error {
	pool, err := pgxpool.New(ctx, buildConnString(opts.db))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	client, err := internal.NewS3Client(ctx, keel.JournalConfig{Region: opts.region, Endpoint: opts.endpoint})
	if err != nil {
		return err
	}

	writer, err := cdc.NewParquetWriter(ctx, opts.stageDir, opts.threads)
	if err != nil {
		return err
	}
	defer writer.Close()

	changeLog := cdc.NewPostgresChangeLog(pool, opts.table)
	pending, oldest, err := changeLog.Stats(ctx)
	if err != nil {
		return err
	}
	zap.S().Infow("pending change log rows", "table", opts.table, "pending", pending, "oldest", oldest)

	exporter := cdc.NewExporter(changeLog, writer, client, cdc.Config{
		Bucket:    opts.bucket,
		Prefix:    opts.prefix,
		BatchSize: opts.batchSize,
		DryRun:    opts.dryRun,
	})
	n, err := exporter.Drain(ctx)
	if err != nil {
		return err
	}
	zap.S().Infow("export finished", "records", n)
	return nil
}
