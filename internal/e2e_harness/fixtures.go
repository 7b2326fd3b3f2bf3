package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
)

// ApplySchema creates the counter, change log and entity tables for registry.
func ApplySchema(ctx context.Context, db *sql.DB, registry keel.SchemaRegistry, tables keel.TableNames) error {
	stmts, err := internal.PostgresSchemaStatements(registry, tables)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// NewCustomerWithOrders builds an added customer with temporary key -1 and n
// orders pointing at it.
func NewCustomerWithOrders(name string, n int) *keel.ChangeSet {
	customer := keel.NewEntity("Customer", map[string]any{"id": int64(-1), "name": name})
	cs := keel.NewChangeSet().MustAdd(&keel.EntityRecord{Entity: customer, EntityState: keel.EntityStateAdded})
	for i := range n {
		order := keel.NewEntity("Order", map[string]any{
			"id":         int64(-2 - i),
			"customerId": int64(-1),
			"status":     "open",
			"quantity":   int64(i + 1),
			"shipping":   map[string]any{"city": "Porto"},
		})
		cs.MustAdd(&keel.EntityRecord{Entity: order, EntityState: keel.EntityStateAdded})
	}
	return cs
}

// CountRows returns the number of rows in table.
func CountRows(ctx context.Context, db *sql.DB, table string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n)
	return n, err
}

// ListKeys lists every object key under prefix.
func ListKeys(ctx context.Context, client *s3.Client, bucket, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
