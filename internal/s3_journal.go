package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsCreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/keel"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Journal stores one JSON document per committed save under
// <prefix>/<yyyy>/<mm>/<dd>/<saveId>.json.
type S3Journal struct {
	client s3API
	bucket string
	prefix string
}

func NewS3Journal(client s3API, bucket, prefix string) *S3Journal {
	return &S3Journal{client: client, bucket: bucket, prefix: prefix}
}

// NewS3JournalFromConfig builds the journal on top of NewS3Client.
func NewS3JournalFromConfig(ctx context.Context, cfg keel.JournalConfig) (*S3Journal, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Journal(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3Client builds an S3 client from the default AWS chain. Static
// credentials from the environment win, and a custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg keel.JournalConfig) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		awsCfg.Credentials = awsCreds.NewStaticCredentialsProvider(key, os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

func (j *S3Journal) objectKey(entry keel.JournalEntry) string {
	day := time.UnixMilli(entry.CommittedAt).UTC().Format("2006/01/02")
	return path.Join(j.prefix, day, entry.SaveID+".json")
}

func (j *S3Journal) Record(ctx context.Context, entry keel.JournalEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	key := j.objectKey(entry)
	_, err = j.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("put journal %s: %s: %w", key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("put journal %s: %w", key, err)
	}
	return nil
}

// Check verifies the journal bucket exists and is reachable with the
// configured credentials.
func (j *S3Journal) Check(ctx context.Context) error {
	if _, err := j.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(j.bucket)}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("head bucket %s: %s: %w", j.bucket, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("head bucket %s: %w", j.bucket, err)
	}
	return nil
}
