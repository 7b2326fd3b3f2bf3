package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/lib/pq"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type nextIDsOptions struct {
	driver    string
	dsn       string
	table     string
	counter   string
	count     int
	groupSize int
	ensure    bool
}

func runNextIDs(args []string) error {
	flags := flag.NewFlagSet("next-ids", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: keel-tools next-ids [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := nextIDsOptions{}
	flags.StringVar(&opts.driver, "driver", getenvDefault("COUNTER_DRIVER", "postgres"), "database/sql driver: postgres, sqlite or duckdb")
	flags.StringVar(&opts.dsn, "dsn", getenvDefault("COUNTER_DSN", ""), "data source name")
	flags.StringVar(&opts.table, "counter-table", getenvDefault("COUNTER_TABLE", "next_id"), "counter table name")
	flags.StringVar(&opts.counter, "counter", getenvDefault("COUNTER_NAME", "GLOBAL"), "counter name")
	flags.IntVar(&opts.count, "count", 1, "number of ids to reserve")
	flags.IntVar(&opts.groupSize, "group-size", 1, "minimum block taken from the counter")
	flags.BoolVar(&opts.ensure, "ensure", false, "create the counter table and row when missing")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.dsn == "" {
		return fmt.Errorf("-dsn is required")
	}

	db, err := sql.Open(opts.driver, opts.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.driver, err)
	}
	defer db.Close()

	return reserveIDs(context.Background(), db, opts, os.Stdout)
}

// reserveIDs takes count consecutive ids from the counter and prints the
// first and last one.
func reserveIDs(ctx context.Context, db *sql.DB, opts nextIDsOptions, out io.Writer) error {
	if opts.count <= 0 {
		return fmt.Errorf("count must be greater than 0")
	}
	store := internal.NewSQLCounterStore(db, opts.table, internal.PlaceholderStyleForDriver(opts.driver))
	if opts.ensure {
		if err := store.EnsureTable(ctx); err != nil {
			return err
		}
		if err := store.EnsureCounter(ctx, opts.counter, 1); err != nil {
			return err
		}
	}

	gen := internal.NewCounterKeyGenerator(store, keel.KeyGenerationConfig{
		CounterName: opts.counter,
		GroupSize:   opts.groupSize,
	})
	first, err := gen.NextID(ctx, opts.count)
	if err != nil {
		return err
	}
	last := first + int64(opts.count) - 1
	zap.S().Infow("ids reserved", "counter", opts.counter, "first", first, "last", last)
	_, err = fmt.Fprintf(out, "%d %d\n", first, last)
	return err
}
