package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-db":
		if err := runInitDB(os.Args[2:]); err != nil {
			sugar.Fatalf("init-db: %v", err)
		}
	case "next-ids":
		if err := runNextIDs(os.Args[2:]); err != nil {
			sugar.Fatalf("next-ids: %v", err)
		}
	case "check-schemas":
		if err := runCheckSchemas(os.Args[2:]); err != nil {
			sugar.Fatalf("check-schemas: %v", err)
		}
	case "export-changes":
		if err := runExportChanges(os.Args[2:]); err != nil {
			sugar.Fatalf("export-changes: %v", err)
		}
	default:
		sugar.Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	logger := zap.S()
	logger.Info("Usage: keel-tools <command> [options]")
	logger.Info("")
	logger.Info("Commands:")
	logger.Info("  init-db         Create the counter, change log and entity tables in PostgreSQL")
	logger.Info("  next-ids        Reserve a block of ids from a counter table (postgres, sqlite or duckdb)")
	logger.Info("  check-schemas   Load a schema directory and print entity types and write dependencies")
	logger.Info("  export-changes  Upload pending change log rows to S3 as parquet")
}
