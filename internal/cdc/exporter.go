package cdc

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type changeSource interface {
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkFlushed(ctx context.Context, records []Record, flushedAt int64) (int64, error)
}

type encoder interface {
	Encode(ctx context.Context, records []Record) ([]byte, error)
}

type s3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket    string
	Prefix    string
	BatchSize int
	// DryRun uploads but leaves rows pending.
	DryRun bool
}

// Exporter moves pending change log rows to S3 as Parquet objects under
// <prefix>/<yyyy>/<mm>/<dd>/<uuid>.parquet. Rows are acknowledged only
// after the upload succeeds, so a failed pass is retried in full.
type Exporter struct {
	source  changeSource
	encoder encoder
	client  s3PutObjectAPI
	cfg     Config
	nowFunc func() time.Time
}

func NewExporter(source changeSource, enc encoder, client s3PutObjectAPI, cfg Config) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Exporter{source: source, encoder: enc, client: client, cfg: cfg, nowFunc: time.Now}
}

// RunOnce exports at most one batch and returns the number of records
// uploaded.
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	logger := zap.S()
	records, err := e.source.Pending(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		logger.Debugw("no pending change log rows")
		return 0, nil
	}

	body, err := e.encoder.Encode(ctx, records)
	if err != nil {
		return 0, err
	}

	now := e.nowFunc()
	key := path.Join(e.cfg.Prefix, now.UTC().Format("2006/01/02"), uuid.Must(uuid.NewV7()).String()+".parquet")
	if _, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		return 0, fmt.Errorf("put change log object %s: %w", key, err)
	}

	if e.cfg.DryRun {
		logger.Infow("dry-run: skipping mark flushed", "records", len(records), "key", key)
		return len(records), nil
	}
	flushed, err := e.source.MarkFlushed(ctx, records, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	logger.Infow("change log exported", "records", len(records), "rows_flushed", flushed, "key", key)
	return len(records), nil
}

// Drain runs batches until one comes back short or ctx is done.
func (e *Exporter) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < e.cfg.BatchSize || e.cfg.DryRun {
			return total, nil
		}
	}
}
