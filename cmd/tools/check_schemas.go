package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
)

func runCheckSchemas(args []string) error {
	flags := flag.NewFlagSet("check-schemas", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: keel-tools check-schemas -schema-dir <dir>")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}
	schemaDir := flags.String("schema-dir", getenvDefault("SCHEMA_DIR", ""), "directory of entity schema files (required)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *schemaDir == "" {
		return fmt.Errorf("-schema-dir is required")
	}

	registry, err := internal.LoadSchemaDirectory(*schemaDir)
	if err != nil {
		return err
	}
	return describeSchemas(registry, os.Stdout)
}

// describeSchemas prints one block per entity type: table, key, version and
// the foreign keys each navigation writes.
func describeSchemas(registry keel.SchemaRegistry, out io.Writer) error {
	relationships := registry.RelationshipMap()
	for _, name := range registry.ListEntityTypes() {
		et, ok := registry.EntityType(name)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "%s table=%s key=%s generation=%s", et.Name, et.Table, strings.Join(et.KeyProperties, ","), et.KeyGeneration)
		if et.VersionProperty != "" {
			fmt.Fprintf(out, " version=%s", et.VersionProperty)
		}
		fmt.Fprintln(out)
		for _, nav := range et.Navigations {
			fks, ok := relationships.ForeignKeys(et.Name, nav.Path())
			if !ok {
				return keel.NewRelationshipConfigurationError(keel.ErrCodeMissingForeignKey,
					fmt.Sprintf("%s.%s has no foreign key mapping", et.Name, nav.Path()))
			}
			fmt.Fprintf(out, "  %s -> %s (%s)\n", nav.Path(), nav.Target, strings.Join(fks, ","))
		}
	}
	return nil
}
